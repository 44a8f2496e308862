package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// PositionOptions holds flags for the position command.
type PositionOptions struct {
	*RootOptions
	Shape string
}

// NewPositionCommand creates the position command.
func NewPositionCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PositionOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "position",
		Short: "Print the latest state of a shape",
		Long: `Print the latest committed state of a shape.

The shape is activated to read it and fails with NOT_FOUND if it was never
created; position never creates a shape.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := requireID("--shape", opts.Shape)
			if err != nil {
				return err
			}
			return withApp(cmd, opts.RootOptions, func(ctx context.Context, a *app, out *OutputFormatter) error {
				s, err := a.runtime.GetPosition(ctx, id)
				if err != nil {
					return out.fail("position failed", err)
				}
				return out.Success(s, fmt.Sprintf("%s x=%g y=%g diff_x=%g diff_y=%g angle=%g",
					id, s.X, s.Y, s.DiffX, s.DiffY, s.Angle))
			})
		},
	}

	cmd.Flags().StringVar(&opts.Shape, "shape", "", "shape ID (required)")
	_ = cmd.MarkFlagRequired("shape")

	return cmd
}
