package main

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Veraticus/the-spice-must-learn/internal/cli"
	"github.com/Veraticus/the-spice-must-learn/internal/model"
)

func ledgerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect or reset the record ledger",
		Long: `The ledger remembers which records each model has already trained on, so
repeated runs over the same files only learn from new rows.`,
	}

	cmd.PersistentFlags().Bool("anomaly", false, "Use the anomaly detector ledger instead of the category ledger")

	cmd.AddCommand(ledgerCountCmd())
	cmd.AddCommand(ledgerResetCmd())

	return cmd
}

func ledgerCountCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "count",
		Short: "Show how many records the ledger holds",
		RunE: func(cmd *cobra.Command, _ []string) error {
			anomalyModel, _ := cmd.Flags().GetBool("anomaly")
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			purpose := a.purpose(anomalyModel)
			seen, err := a.ledger(purpose).Load(ctx)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), cli.RenderKeyValues([][2]string{
				{"purpose", purpose},
				{"backend", a.cfg.Ledger.Backend},
				{"records", strconv.Itoa(len(seen))},
			}))
			return nil
		},
	}
}

func ledgerResetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Forget every record the model has trained on",
		Long: `Forget every record the model has trained on. The next training run treats
all input as new. Published models are left alone.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			anomalyModel, _ := cmd.Flags().GetBool("anomaly")
			force, _ := cmd.Flags().GetBool("force")

			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			purpose := a.purpose(anomalyModel)
			if !force {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Reset the %s ledger? (y/N): ", purpose)
				reader := bufio.NewReader(cmd.InOrStdin())
				answer, _ := reader.ReadString('\n')
				if ans := strings.ToLower(strings.TrimSpace(answer)); ans != "y" && ans != "yes" {
					_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Reset cancelled.")
					return nil
				}
			}

			s, err := a.store(purpose)
			if err != nil {
				return err
			}
			return withLock(ctx, s, func() error {
				if err := a.ledger(purpose).Reset(ctx); err != nil {
					return err
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), cli.FormatSuccess(fmt.Sprintf("Reset the %s ledger", purpose)))
				return nil
			})
		},
	}
	cmd.Flags().BoolP("force", "f", false, "Do not ask for confirmation")
	return cmd
}

func runsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Show training run history",
		RunE: func(cmd *cobra.Command, _ []string) error {
			purpose, _ := cmd.Flags().GetString("purpose")
			limit, _ := cmd.Flags().GetUint64("limit")

			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			runs, err := a.db.ListRuns(ctx, purpose, limit)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), cli.FormatInfo("No training runs recorded yet"))
				return nil
			}
			return cli.WriteTable(cmd.OutOrStdout(),
				[]string{"Started", "Purpose", "Mode", "Records", "New", "Version", "Accuracy", "Took"},
				runRows(runs))
		},
	}
	cmd.Flags().String("purpose", "", "Only show runs for this model purpose")
	cmd.Flags().Uint64("limit", 20, "Maximum number of runs to show (0 for all)")
	return cmd
}

func runRows(runs []model.TrainingRun) [][]string {
	rows := make([][]string, 0, len(runs))
	for _, r := range runs {
		accuracy := "-"
		if !r.EvalSkipped && len(r.Classes) > 0 {
			accuracy = fmt.Sprintf("%.1f%%", r.Accuracy*100)
		}
		version := "-"
		if r.ArtifactVersion > 0 {
			version = strconv.FormatInt(r.ArtifactVersion, 10)
		}
		rows = append(rows, []string{
			r.StartedAt.Local().Format("2006-01-02 15:04"),
			r.Purpose,
			string(r.Mode),
			strconv.Itoa(r.TotalRecords),
			strconv.Itoa(r.NewRecords),
			version,
			accuracy,
			r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String(),
		})
	}
	return rows
}
