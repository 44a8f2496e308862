package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/shapefabric/internal/actor"
	"github.com/roach88/shapefabric/internal/config"
	"github.com/roach88/shapefabric/internal/metrics"
	"github.com/roach88/shapefabric/internal/shape"
	"github.com/roach88/shapefabric/internal/telemetry"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Owner        string
	Shapes       int
	MetricsAddr  string
	TickInterval time.Duration
	Duration     time.Duration

	// IDs allows overriding the shape ID generator (for testing).
	// If nil, defaults to UUIDv7Generator.
	IDs actor.IDGenerator
}

// RunSummary describes what a run session is driving.
type RunSummary struct {
	Owner  string   `json:"owner"`
	Shapes []string `json:"shapes"`
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run shapes for an owner until interrupted",
		Long: `Start the actor runtime and drive an owner's shapes.

The owner's existing shapes are restored from the ownership index and
--shapes new ones are created and recorded under the owner. Every shape is
subscribed to a logging observer whose lease is renewed at half the lease
period, which also keeps the shapes from being evicted as idle.

Example:
  shapefabric run --shapes 3
  shapefabric run --owner 0190c7d2-0000-7000-8000-000000000001 --metrics-addr :9090`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShapes(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Owner, "owner", "", "owner ID (default: a new UUIDv7)")
	cmd.Flags().IntVar(&opts.Shapes, "shapes", 0, "number of new shapes to create")
	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve /metrics on this address (overrides config)")
	cmd.Flags().DurationVar(&opts.TickInterval, "tick-interval", 0, "tick interval (overrides config)")
	cmd.Flags().DurationVar(&opts.Duration, "duration", 0, "stop after this long (default: run until interrupted)")

	return cmd
}

func runShapes(opts *RunOptions, cmd *cobra.Command) error {
	if opts.Shapes < 0 {
		return NewExitError(ExitCommandError, "--shapes must not be negative")
	}
	owner, err := parseOwner(opts.Owner)
	if err != nil {
		return err
	}

	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	if opts.MetricsAddr != "" {
		cfg.MetricsAddr = opts.MetricsAddr
	}
	if opts.TickInterval > 0 {
		cfg.Runtime.TickInterval = config.Duration(opts.TickInterval)
	}
	logger := newLogger(cfg, cmd.ErrOrStderr())
	out := opts.formatter(cmd)

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()
	if opts.Duration > 0 {
		ctx, cancel = context.WithTimeout(ctx, opts.Duration)
		defer cancel()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.OTelEndpoint)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to set up tracing", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracing shutdown failed", "error", err)
		}
	}()

	a, err := openApp(ctx, cfg, logger)
	if err != nil {
		return out.fail("failed to start", err)
	}
	defer func() {
		if err := a.close(context.Background()); err != nil {
			logger.Error("error during shutdown", "error", err)
		}
	}()

	ids, err := startShapes(ctx, a, owner, opts.Shapes, opts.IDs)
	if err != nil {
		return out.fail("failed to start shapes", err)
	}

	summary := RunSummary{Owner: owner.String(), Shapes: make([]string, len(ids))}
	for i, id := range ids {
		summary.Shapes[i] = id.String()
	}
	if err := out.Success(summary, fmt.Sprintf("Running %d shapes for owner %s. Press Ctrl-C to stop.", len(ids), owner)); err != nil {
		return err
	}

	obs := &logObserver{id: "cli-" + owner.String(), logger: logger}
	lease := cfg.Events.Lease.Std()

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.runtime.Run(gCtx)
	})
	g.Go(func() error {
		return keepSubscribed(gCtx, a.runtime, ids, obs, lease, logger)
	})
	if cfg.MetricsAddr != "" {
		g.Go(func() error {
			return serveMetrics(gCtx, cfg.MetricsAddr, logger)
		})
	}

	if err := g.Wait(); err != nil {
		return WrapExitError(ExitFailure, "runtime error", err)
	}
	logger.Info("stopped gracefully")
	return nil
}

// startShapes activates the owner's recorded shapes and creates n more.
func startShapes(ctx context.Context, a *app, owner uuid.UUID, n int, gen actor.IDGenerator) ([]shape.ID, error) {
	ids, err := a.index.ListByOwner(ctx, owner)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		if err := a.runtime.Activate(ctx, id); err != nil {
			return nil, err
		}
	}
	a.logger.Info("restored shapes", "owner", owner, "count", len(ids))

	if gen == nil {
		gen = actor.UUIDv7Generator{}
	}
	for range n {
		id := gen.NewID()
		if err := a.runtime.Activate(ctx, id); err != nil {
			return nil, err
		}
		if err := a.index.Add(ctx, id, owner); err != nil {
			// Not recorded, so never restored; don't keep it running.
			_ = a.runtime.Deactivate(ctx, id)
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// keepSubscribed subscribes obs to every shape and renews the leases at
// half the lease period until ctx is done.
func keepSubscribed(ctx context.Context, rt *actor.Runtime, ids []shape.ID, obs *logObserver, lease time.Duration, logger *slog.Logger) error {
	subscribe := func() {
		for _, id := range ids {
			if _, err := rt.Subscribe(ctx, id, obs, lease); err != nil && ctx.Err() == nil {
				logger.Warn("subscription renewal failed", "shape", id, "error", err)
			}
		}
	}

	subscribe()
	renew := lease / 2
	if renew <= 0 {
		renew = lease
	}
	ticker := time.NewTicker(renew)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			subscribe()
		}
	}
}

// serveMetrics serves /metrics on addr until ctx is done.
func serveMetrics(ctx context.Context, addr string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("serving metrics", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

// logObserver logs every change at debug level.
type logObserver struct {
	id     string
	logger *slog.Logger
}

func (o *logObserver) ID() string { return o.id }

func (o *logObserver) ShapeChanged(_ context.Context, id shape.ID, s shape.Shape) error {
	o.logger.Debug("shape changed", "shape", id, "x", s.X, "y", s.Y)
	return nil
}

// parseOwner parses --owner, generating a UUIDv7 when it is empty.
func parseOwner(s string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Must(uuid.NewV7()), nil
	}
	owner, err := uuid.Parse(s)
	if err != nil {
		return uuid.UUID{}, WrapExitError(ExitCommandError, "invalid --owner", err)
	}
	return owner, nil
}
