package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Veraticus/the-spice-must-learn/internal/cli"
	"github.com/Veraticus/the-spice-must-learn/internal/ingest"
	"github.com/Veraticus/the-spice-must-learn/internal/model"
	"github.com/Veraticus/the-spice-must-learn/internal/trainer"
)

func trainCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "train <csv>...",
		Short: "Train the expense category classifier",
		Long: `Train the category classifier on labeled CSV files.

Only rows not seen by a previous run are trained on. A new category, a changed
feature schema or a missing model forces a full refit over every row given.
Required columns: vendor, description, category. Optional: date, amount.`,
		Args: cobra.MinimumNArgs(1),
		RunE: runTrain,
	}

	cmd.Flags().Bool("no-progress", false, "Disable the progress bar")

	return cmd
}

func runTrain(cmd *cobra.Command, args []string) error {
	noProgress, _ := cmd.Flags().GetBool("no-progress")

	interruptHandler := cli.NewInterruptHandler(cmd.ErrOrStderr(), "Training")
	ctx := interruptHandler.HandleInterrupts(cmd.Context())
	defer interruptHandler.Stop()

	records, err := readFiles(ctx, args, ingest.NewCSVReader(true).ReadFile)
	if err != nil {
		return err
	}

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	purpose := a.cfg.Models.CategoryName
	store, err := a.store(purpose)
	if err != nil {
		return err
	}

	opts := a.trainerOptions()
	var progress *cli.Progress
	if !noProgress {
		progress = cli.NewProgress(cmd.ErrOrStderr(), "Training "+purpose)
		opts.Progress = progress.Update
	}

	res, err := trainer.New(store, a.ledger(purpose), a.db, opts).Run(ctx, records)
	if progress != nil {
		progress.Finish()
	}
	if err != nil {
		return err
	}

	printResult(cmd.OutOrStdout(), purpose, res)
	return nil
}

func trainAnomalyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "train-anomaly <file>...",
		Short: "Train the expense anomaly detector",
		Long: `Fit the anomaly detector on expense history.

Input is CSV (vendor and description columns, optional amount; category is not
required) or, with --ofx, OFX/QFX bank statements. The detector is refit over
every record whenever any record is new.`,
		Args: cobra.MinimumNArgs(1),
		RunE: runTrainAnomaly,
	}

	cmd.Flags().Bool("ofx", false, "Inputs are OFX/QFX statements")
	cmd.Flags().String("detector", "", "Override anomaly.detector (gaussian, iforest, ecod, fence)")

	return cmd
}

func runTrainAnomaly(cmd *cobra.Command, args []string) error {
	useOFX, _ := cmd.Flags().GetBool("ofx")
	detector, _ := cmd.Flags().GetString("detector")

	interruptHandler := cli.NewInterruptHandler(cmd.ErrOrStderr(), "Anomaly training")
	ctx := interruptHandler.HandleInterrupts(cmd.Context())
	defer interruptHandler.Stop()

	records, err := readExpenses(ctx, args, useOFX)
	if err != nil {
		return err
	}

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	purpose := a.cfg.Models.AnomalyName
	store, err := a.store(purpose)
	if err != nil {
		return err
	}

	opts := a.anomalyOptions()
	if detector != "" {
		opts.Detector = strings.ToLower(detector)
	}

	res, err := trainer.NewAnomalyTrainer(store, a.ledger(purpose), a.db, opts).Run(ctx, records)
	if err != nil {
		return err
	}

	printResult(cmd.OutOrStdout(), purpose, res)
	return nil
}

type readFunc func(ctx context.Context, path string) ([]model.Record, error)

func readFiles(ctx context.Context, paths []string, read readFunc) ([]model.Record, error) {
	var records []model.Record
	for _, path := range paths {
		rs, err := read(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		slog.Debug("Read input file", "path", path, "records", len(rs))
		records = append(records, rs...)
	}
	return records, nil
}

// readExpenses reads unlabeled expense records from CSV or OFX files.
func readExpenses(ctx context.Context, paths []string, useOFX bool) ([]model.Record, error) {
	if useOFX {
		return readFiles(ctx, paths, ingest.NewOFXReader().ReadFile)
	}
	return readFiles(ctx, paths, ingest.NewCSVReader(false).ReadFile)
}

func printResult(w io.Writer, purpose string, res *trainer.Result) {
	pairs := [][2]string{
		{"purpose", purpose},
		{"mode", string(res.Mode)},
		{"records", fmt.Sprintf("%d total, %d new, %d trained", res.TotalRecords, res.NewRecords, res.TrainedRecords)},
	}
	if res.Detector != "" {
		pairs = append(pairs, [2]string{"detector", res.Detector})
	}

	switch res.Mode {
	case model.ModeSkipped:
		pairs = append(pairs, [2]string{"reason", res.SkipReason})
		_, _ = fmt.Fprintln(w, cli.RenderBox(cli.WarningIcon+" Nothing published", cli.RenderKeyValues(pairs)))
		return
	case model.ModeUpToDate:
		pairs = append(pairs, [2]string{"version", strconv.FormatInt(res.ArtifactVersion, 10)})
		_, _ = fmt.Fprintln(w, cli.RenderBox(cli.SuccessIcon+" Model is up to date", cli.RenderKeyValues(pairs)))
		return
	}

	pairs = append(pairs,
		[2]string{"version", strconv.FormatInt(res.ArtifactVersion, 10)},
		[2]string{"artifact", res.ArtifactID},
		[2]string{"snapshot", res.SnapshotPath},
	)
	if len(res.Classes) > 0 {
		pairs = append(pairs, [2]string{"classes", fmt.Sprintf("%d", len(res.Classes))})
	}
	if len(res.NewClasses) > 0 {
		pairs = append(pairs, [2]string{"new classes", strings.Join(res.NewClasses, ", ")})
	}
	switch {
	case res.Detector != "":
	case res.Eval.Skipped:
		pairs = append(pairs, [2]string{"accuracy", cli.SubtleStyle.Render("skipped: " + res.Eval.Reason)})
	default:
		pairs = append(pairs, [2]string{"accuracy", fmt.Sprintf("%.1f%% on %d held out", res.Eval.Accuracy*100, res.Eval.Holdout)})
	}
	_, _ = fmt.Fprintln(w, cli.RenderBox(cli.ChartIcon+" Model published", cli.RenderKeyValues(pairs)))
}
