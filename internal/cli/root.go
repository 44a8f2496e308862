package cli

import (
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/shapefabric/internal/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigPath string
	Database   string
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the shapefabric CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "shapefabric",
		Short: "Bouncing shape actors with a replicated ownership index",
		Long: `shapefabric runs shapes as single-threaded actors that bounce inside an
arena, push every position change to subscribed observers, and keep a
replicated, transactional record of which client owns which shape.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "path to TOML config file")
	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "path to SQLite database (overrides config)")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewShapesCommand(opts))
	cmd.AddCommand(NewPositionCommand(opts))
	cmd.AddCommand(NewScenarioCommand(opts))

	return cmd
}

// loadConfig resolves the configuration for a command: file and
// environment first, then global flags.
func (o *RootOptions) loadConfig() (config.Config, error) {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return config.Config{}, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if o.Database != "" {
		cfg.Database = o.Database
	}
	if o.Verbose {
		cfg.LogLevel = "debug"
	}
	return cfg, nil
}

// newLogger builds the process logger. Logs always go to w (stderr in
// practice) so they never mix with command output.
func newLogger(cfg config.Config, w io.Writer) *slog.Logger {
	level, err := config.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// formatter returns the output formatter for cmd.
func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}
