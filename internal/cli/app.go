package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/roach88/shapefabric/internal/actor"
	"github.com/roach88/shapefabric/internal/config"
	"github.com/roach88/shapefabric/internal/events"
	"github.com/roach88/shapefabric/internal/ownership"
	"github.com/roach88/shapefabric/internal/replog"
	"github.com/roach88/shapefabric/internal/store"
)

// app is the wired process: durable shape state, the replicated ownership
// log and the actor runtime on top of them.
type app struct {
	cfg       config.Config
	logger    *slog.Logger
	store     *store.Store
	log       *replog.Log
	index     *ownership.Index
	publisher *events.Publisher
	runtime   *actor.Runtime
}

// openApp opens every component in dependency order. On failure whatever
// was already opened is closed again.
func openApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.close(context.Background())
		}
	}()

	logger.Debug("opening database", "path", cfg.Database)
	a.store, err = store.Open(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	replicas, err := openReplicas(cfg.Replicas, logger)
	if err != nil {
		return nil, err
	}
	a.log, err = replog.Open(ctx, replicas,
		replog.WithReplicaTimeout(cfg.Replicas.Timeout.Std()),
		replog.WithLogger(logger),
	)
	if err != nil {
		for _, r := range replicas {
			_ = r.Close()
		}
		return nil, fmt.Errorf("open ownership log: %w", err)
	}
	a.index = ownership.New(a.log, logger)

	a.publisher = events.NewPublisher(
		events.WithDeliveryTimeout(cfg.Events.DeliveryTimeout.Std()),
		events.WithLogger(logger),
	)
	a.runtime = actor.NewRuntime(a.store, a.publisher,
		actor.WithTickInterval(cfg.Runtime.TickInterval.Std()),
		actor.WithIdleTimeout(cfg.Runtime.IdleTimeout.Std()),
		actor.WithSweepInterval(cfg.Runtime.SweepInterval.Std()),
		actor.WithSeed(cfg.Runtime.Seed),
		actor.WithLogger(logger),
	)
	return a, nil
}

// openReplicas opens cfg.Count Badger replicas under cfg.Dir, one
// directory each, or in-memory replicas when cfg.InMemory is set.
func openReplicas(cfg config.ReplicaConfig, logger *slog.Logger) ([]replog.Replica, error) {
	replicas := make([]replog.Replica, 0, cfg.Count)
	for i := range cfg.Count {
		id := fmt.Sprintf("replica-%d", i)
		r, err := replog.OpenBadgerReplica(id, replog.BadgerConfig{
			Dir:        filepath.Join(cfg.Dir, id),
			InMemory:   cfg.InMemory,
			SyncWrites: !cfg.InMemory,
			Logger:     logger,
		})
		if err != nil {
			for _, opened := range replicas {
				_ = opened.Close()
			}
			return nil, fmt.Errorf("open %s: %w", id, err)
		}
		replicas = append(replicas, r)
	}
	return replicas, nil
}

// close stops the runtime first so no turn touches a closed store.
func (a *app) close(ctx context.Context) error {
	var errs []error
	if a.runtime != nil {
		errs = append(errs, a.runtime.Close(ctx))
	}
	if a.log != nil {
		errs = append(errs, a.log.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}
