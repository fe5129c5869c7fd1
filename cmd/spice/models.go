package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Veraticus/the-spice-must-learn/internal/artifact"
	"github.com/Veraticus/the-spice-must-learn/internal/cli"
	"github.com/Veraticus/the-spice-must-learn/internal/common"
	"github.com/Veraticus/the-spice-must-learn/internal/serving"
)

func modelsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "models",
		Short: "Inspect and manage published models",
		Long: `List snapshots, repair or roll back the published pointer, prune old
snapshots and show what a server would load.`,
	}

	cmd.PersistentFlags().Bool("anomaly", false, "Act on the anomaly detector instead of the category classifier")

	cmd.AddCommand(modelsListCmd())
	cmd.AddCommand(modelsRepairCmd())
	cmd.AddCommand(modelsRollbackCmd())
	cmd.AddCommand(modelsPruneCmd())
	cmd.AddCommand(modelsStatusCmd())

	return cmd
}

// withStore runs fn against the artifact store selected by --anomaly.
func withStore(cmd *cobra.Command, fn func(ctx context.Context, a *app, s *artifact.Store) error) error {
	anomalyModel, _ := cmd.Flags().GetBool("anomaly")
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	s, err := a.store(a.purpose(anomalyModel))
	if err != nil {
		return err
	}
	return fn(ctx, a, s)
}

// withLock runs fn while holding the training lock of s.
func withLock(ctx context.Context, s *artifact.Store, fn func() error) error {
	unlock, err := s.Lock(ctx)
	if err != nil {
		if errors.Is(err, common.ErrLocked) {
			return common.NewUserError("A training run is in progress; try again when it finishes", err)
		}
		return err
	}
	defer unlock()
	return fn()
}

func modelsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List snapshots of a model",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd, func(ctx context.Context, _ *app, s *artifact.Store) error {
				snaps, err := s.ListSnapshots(ctx)
				if err != nil {
					return err
				}
				if len(snaps) == 0 {
					_, _ = fmt.Fprintln(cmd.OutOrStdout(), cli.FormatInfo(fmt.Sprintf("No %s snapshots in %s", s.Purpose(), s.Dir())))
					return nil
				}

				current := ""
				if a, _, err := s.ReadLatest(ctx); err == nil {
					current = a.ID
				}

				rows := make([][]string, 0, len(snaps))
				for _, snap := range snaps {
					state := cli.SuccessStyle.Render("ok")
					if !snap.Valid {
						state = cli.ErrorStyle.Render("corrupt")
					}
					mark := ""
					if snap.Valid && snap.ID == current {
						mark = "*"
					}
					created := ""
					if !snap.CreatedAt.IsZero() {
						created = snap.CreatedAt.Local().Format("2006-01-02 15:04:05")
					}
					rows = append(rows, []string{
						mark,
						strconv.FormatInt(snap.Version, 10),
						snap.Kind,
						created,
						strconv.FormatInt(snap.Size, 10),
						state,
					})
				}
				return cli.WriteTable(cmd.OutOrStdout(), []string{"", "Version", "Kind", "Created", "Bytes", "State"}, rows)
			})
		},
	}
}

func modelsRepairCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "repair",
		Short: "Republish the newest valid snapshot as the current model",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd, func(ctx context.Context, _ *app, s *artifact.Store) error {
				return withLock(ctx, s, func() error {
					snap, err := s.Repair(ctx)
					if err != nil {
						return err
					}
					_, _ = fmt.Fprintln(cmd.OutOrStdout(), cli.FormatSuccess(fmt.Sprintf("%s now serves v%d", s.Purpose(), snap.Version)))
					return nil
				})
			})
		},
	}
}

func modelsRollbackCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rollback <version>",
		Short: "Republish an older snapshot as the current model",
		Long: `Republish the snapshot with the given version as the current model.

The seen ledger is reset as well, so the next training run learns again every
record the newer models had absorbed. Use --keep-ledger to skip that.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			version, err := strconv.ParseInt(strings.TrimPrefix(args[0], "v"), 10, 64)
			if err != nil {
				return &common.ValidationError{Field: "version", Reason: fmt.Sprintf("is not a number: %q", args[0])}
			}
			keepLedger, _ := cmd.Flags().GetBool("keep-ledger")

			return withStore(cmd, func(ctx context.Context, a *app, s *artifact.Store) error {
				return withLock(ctx, s, func() error {
					snap, err := s.Rollback(ctx, version)
					if err != nil {
						return err
					}
					if !keepLedger {
						if err := a.ledger(s.Purpose()).Reset(ctx); err != nil {
							return fmt.Errorf("rolled back to v%d but failed to reset ledger: %w", snap.Version, err)
						}
					}
					_, _ = fmt.Fprintln(cmd.OutOrStdout(), cli.FormatSuccess(fmt.Sprintf("%s rolled back to v%d", s.Purpose(), snap.Version)))
					return nil
				})
			})
		},
	}
	cmd.Flags().Bool("keep-ledger", false, "Leave the seen ledger untouched")
	return cmd
}

func modelsPruneCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete old snapshots",
		RunE: func(cmd *cobra.Command, _ []string) error {
			keep, _ := cmd.Flags().GetInt("keep")
			return withStore(cmd, func(ctx context.Context, _ *app, s *artifact.Store) error {
				return withLock(ctx, s, func() error {
					removed, err := s.Prune(ctx, keep)
					if err != nil {
						return err
					}
					_, _ = fmt.Fprintln(cmd.OutOrStdout(), cli.FormatSuccess(fmt.Sprintf("Removed %d %s snapshots", len(removed), s.Purpose())))
					return nil
				})
			})
		},
	}
	cmd.Flags().Int("keep", 5, "Number of newest snapshots to keep")
	return cmd
}

func modelsStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show what each model purpose would serve",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			out := cmd.OutOrStdout()
			for _, purpose := range []string{a.cfg.Models.CategoryName, a.cfg.Models.AnomalyName} {
				s, err := a.store(purpose)
				if err != nil {
					return err
				}
				// Status never repairs; that is an explicit 'models repair'.
				c := serving.NewCache(s, serving.Options{TopK: a.cfg.Serving.TopK, Threshold: a.cfg.Anomaly.Threshold})
				if _, err := c.MaybeReload(ctx); err != nil && !common.IsUnavailable(err) {
					return err
				}
				_, _ = fmt.Fprintln(out, cli.RenderBox(purpose, cli.RenderKeyValues(statusPairs(s, c.Status()))))
			}
			return nil
		},
	}
}

func statusPairs(s *artifact.Store, st serving.Status) [][2]string {
	pairs := [][2]string{{"pointer", s.PointerPath()}}
	if !st.Ready {
		state := "not ready"
		if st.LastError != "" {
			state += ": " + st.LastError
		}
		return append(pairs, [2]string{"state", cli.WarningStyle.Render(state)})
	}

	state := cli.SuccessStyle.Render("ready")
	if st.Degraded {
		state = cli.WarningStyle.Render("degraded: " + st.LastError)
	}
	pairs = append(pairs,
		[2]string{"state", state},
		[2]string{"version", strconv.FormatInt(st.Artifact.Version, 10)},
		[2]string{"artifact", st.Artifact.ID},
		[2]string{"kind", st.Kind},
	)
	if st.Style != "" {
		pairs = append(pairs, [2]string{"score style", st.Style})
	}
	if len(st.Classes) > 0 {
		pairs = append(pairs, [2]string{"classes", strings.Join(st.Classes, ", ")})
	}
	return pairs
}
