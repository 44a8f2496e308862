package cli

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/shapefabric/internal/harness"
)

// ScenarioOptions holds flags for the scenario command.
type ScenarioOptions struct {
	*RootOptions
	GoldenDir string
	Update    bool
}

// ScenarioResult is the outcome of one scenario file.
type ScenarioResult struct {
	Name   string   `json:"name"`
	Pass   bool     `json:"pass"`
	Errors []string `json:"errors,omitempty"`
}

// ScenarioReport is the outcome of a scenario run.
type ScenarioReport struct {
	Scenarios []ScenarioResult `json:"scenarios"`
	Passed    int              `json:"passed"`
	Failed    int              `json:"failed"`
	Total     int              `json:"total"`
}

// NewScenarioCommand creates the scenario command.
func NewScenarioCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ScenarioOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "scenario <file.yaml>...",
		Short: "Run scenario files",
		Long: `Run scenario files against an in-memory runtime and ownership index.

With --golden-dir each trace is also compared against <dir>/<name>.golden;
--update rewrites those files instead.

Exit codes:
  0 - All scenarios passed
  1 - One or more scenarios failed
  2 - Command error (invalid flags, etc.)

Examples:
  shapefabric scenario testdata/scenarios/*.yaml
  shapefabric scenario --golden-dir testdata/golden bounce.yaml
  shapefabric scenario --golden-dir testdata/golden --update bounce.yaml`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenarios(opts, args, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.GoldenDir, "golden-dir", "", "compare traces against golden files in this directory")
	cmd.Flags().BoolVar(&opts.Update, "update", false, "rewrite golden files (requires --golden-dir)")

	return cmd
}

func runScenarios(opts *ScenarioOptions, files []string, cmd *cobra.Command) error {
	if opts.Update && opts.GoldenDir == "" {
		return NewExitError(ExitCommandError, "--update requires --golden-dir")
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	report := ScenarioReport{
		Scenarios: make([]ScenarioResult, 0, len(files)),
		Total:     len(files),
	}
	for _, path := range files {
		res := runScenarioFile(ctx, opts, path)
		report.Scenarios = append(report.Scenarios, res)
		if res.Pass {
			report.Passed++
		} else {
			report.Failed++
		}
	}

	if err := opts.formatter(cmd).Success(report, scenarioText(report)); err != nil {
		return err
	}
	if report.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d of %d scenarios failed", report.Failed, report.Total))
	}
	return nil
}

func runScenarioFile(ctx context.Context, opts *ScenarioOptions, path string) ScenarioResult {
	scenario, err := harness.LoadScenario(path)
	if err != nil {
		return ScenarioResult{
			Name:   filepath.Base(path),
			Errors: []string{fmt.Sprintf("failed to load scenario: %v", err)},
		}
	}

	result, err := harness.Run(ctx, scenario)
	if err != nil {
		return ScenarioResult{
			Name:   scenario.Name,
			Errors: []string{fmt.Sprintf("execution failed: %v", err)},
		}
	}

	res := ScenarioResult{Name: scenario.Name, Pass: result.Pass, Errors: result.Errors}
	if opts.GoldenDir != "" {
		if err := checkGolden(opts, scenario.Name, result); err != nil {
			res.Pass = false
			res.Errors = append(res.Errors, err.Error())
		}
	}
	return res
}

// checkGolden compares (or with --update, writes) the golden trace.
func checkGolden(opts *ScenarioOptions, name string, result *harness.Result) error {
	got, err := harness.MarshalTrace(name, result)
	if err != nil {
		return fmt.Errorf("marshal trace: %w", err)
	}
	path := filepath.Join(opts.GoldenDir, name+".golden")

	if opts.Update {
		if err := os.MkdirAll(opts.GoldenDir, 0o755); err != nil {
			return fmt.Errorf("create golden dir: %w", err)
		}
		if err := os.WriteFile(path, got, 0o644); err != nil {
			return fmt.Errorf("write golden file: %w", err)
		}
		return nil
	}

	want, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read golden file: %w", err)
	}
	if !bytes.Equal(bytes.TrimSpace(want), bytes.TrimSpace(got)) {
		return fmt.Errorf("trace differs from %s", path)
	}
	return nil
}

func scenarioText(r ScenarioReport) string {
	var b strings.Builder
	for _, s := range r.Scenarios {
		mark := "PASS"
		if !s.Pass {
			mark = "FAIL"
		}
		fmt.Fprintf(&b, "%s %s\n", mark, s.Name)
		for _, e := range s.Errors {
			fmt.Fprintf(&b, "  %s\n", e)
		}
	}
	fmt.Fprintf(&b, "\n%d passed, %d failed, %d total", r.Passed, r.Failed, r.Total)
	return b.String()
}
