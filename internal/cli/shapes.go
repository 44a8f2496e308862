package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/roach88/shapefabric/internal/shape"
)

// ShapesOptions holds flags for the shapes subcommands.
type ShapesOptions struct {
	*RootOptions
	Owner string
	Shape string
	All   bool
}

// OwnedShapes is the result of shapes list.
type OwnedShapes struct {
	Owner  string   `json:"owner"`
	Shapes []string `json:"shapes"`
}

// StoredShape is one row of shapes list --all.
type StoredShape struct {
	ID string `json:"id"`
	shape.Shape
}

// NewShapesCommand creates the shapes command group, which reads and edits
// the replicated ownership index.
func NewShapesCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "shapes",
		Short: "Inspect and edit shape ownership",
	}
	cmd.AddCommand(newShapesListCommand(rootOpts))
	cmd.AddCommand(newShapesAddCommand(rootOpts))
	cmd.AddCommand(newShapesRemoveCommand(rootOpts))
	cmd.AddCommand(newShapesOwnerCommand(rootOpts))
	return cmd
}

func newShapesListCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ShapesOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the shapes recorded under an owner",
		Long: `List the shapes recorded under an owner.

With --all, list every shape with durable state instead, whoever owns it.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.All {
				return listStored(cmd, opts.RootOptions)
			}
			owner, err := requireID("--owner", opts.Owner)
			if err != nil {
				return err
			}
			return withApp(cmd, opts.RootOptions, func(ctx context.Context, a *app, out *OutputFormatter) error {
				ids, err := a.index.ListByOwner(ctx, owner)
				if err != nil {
					return out.fail("list failed", err)
				}
				res := OwnedShapes{Owner: owner.String(), Shapes: make([]string, len(ids))}
				for i, id := range ids {
					res.Shapes[i] = id.String()
				}
				text := fmt.Sprintf("%d shapes owned by %s", len(ids), owner)
				if len(ids) > 0 {
					text += "\n" + strings.Join(res.Shapes, "\n")
				}
				return out.Success(res, text)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Owner, "owner", "", "owner ID")
	cmd.Flags().BoolVar(&opts.All, "all", false, "list every stored shape with its state")
	cmd.MarkFlagsOneRequired("owner", "all")
	cmd.MarkFlagsMutuallyExclusive("owner", "all")
	return cmd
}

func listStored(cmd *cobra.Command, opts *RootOptions) error {
	return withApp(cmd, opts, func(ctx context.Context, a *app, out *OutputFormatter) error {
		records, err := a.store.ListShapes(ctx)
		if err != nil {
			return out.fail("list failed", err)
		}
		res := make([]StoredShape, len(records))
		lines := []string{fmt.Sprintf("%d stored shapes", len(records))}
		for i, rec := range records {
			res[i] = StoredShape{ID: rec.ID.String(), Shape: rec.Shape}
			lines = append(lines, fmt.Sprintf("%s x=%g y=%g angle=%g", rec.ID, rec.Shape.X, rec.Shape.Y, rec.Shape.Angle))
		}
		return out.Success(res, strings.Join(lines, "\n"))
	})
}

func newShapesOwnerCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ShapesOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:           "owner",
		Short:         "Print the owner of a shape",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := requireID("--shape", opts.Shape)
			if err != nil {
				return err
			}
			return withApp(cmd, opts.RootOptions, func(ctx context.Context, a *app, out *OutputFormatter) error {
				owner, err := a.index.Owner(ctx, id)
				if err != nil {
					return out.fail("owner lookup failed", err)
				}
				return out.Success(
					map[string]string{"shape": id.String(), "owner": owner.String()},
					fmt.Sprintf("%s owned by %s", id, owner),
				)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Shape, "shape", "", "shape ID (required)")
	_ = cmd.MarkFlagRequired("shape")
	return cmd
}

func newShapesAddCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ShapesOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Record a shape under an owner",
		Long: `Record a shape under an owner, replacing any previous owner.

Without --shape a new UUIDv7 is minted. Only the ownership record is
written; the shape's state is created when it is first activated.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, err := requireID("--owner", opts.Owner)
			if err != nil {
				return err
			}
			id := uuid.Must(uuid.NewV7())
			if opts.Shape != "" {
				if id, err = requireID("--shape", opts.Shape); err != nil {
					return err
				}
			}
			return withApp(cmd, opts.RootOptions, func(ctx context.Context, a *app, out *OutputFormatter) error {
				if err := a.index.Add(ctx, id, owner); err != nil {
					return out.fail("add failed", err)
				}
				return out.Success(
					map[string]string{"shape": id.String(), "owner": owner.String()},
					fmt.Sprintf("Added %s to %s", id, owner),
				)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Owner, "owner", "", "owner ID (required)")
	cmd.Flags().StringVar(&opts.Shape, "shape", "", "shape ID (default: a new UUIDv7)")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func newShapesRemoveCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ShapesOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:           "remove",
		Short:         "Delete a shape's ownership record",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := requireID("--shape", opts.Shape)
			if err != nil {
				return err
			}
			return withApp(cmd, opts.RootOptions, func(ctx context.Context, a *app, out *OutputFormatter) error {
				if err := a.index.Remove(ctx, id); err != nil {
					return out.fail("remove failed", err)
				}
				return out.Success(map[string]string{"shape": id.String()}, fmt.Sprintf("Removed %s", id))
			})
		},
	}
	cmd.Flags().StringVar(&opts.Shape, "shape", "", "shape ID (required)")
	_ = cmd.MarkFlagRequired("shape")
	return cmd
}

// withApp loads config, opens the app for the duration of fn and closes it.
func withApp(cmd *cobra.Command, opts *RootOptions, fn func(context.Context, *app, *OutputFormatter) error) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	// One-shot commands never tick.
	cfg.Runtime.TickInterval = 0

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	out := opts.formatter(cmd)

	a, err := openApp(ctx, cfg, newLogger(cfg, cmd.ErrOrStderr()))
	if err != nil {
		return out.fail("failed to open", err)
	}
	defer a.close(context.Background())

	return fn(ctx, a, out)
}

func requireID(flag, s string) (shape.ID, error) {
	id, err := shape.ParseID(s)
	if err != nil {
		return shape.ID{}, WrapExitError(ExitCommandError, "invalid "+flag, err)
	}
	return id, nil
}
