package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Veraticus/the-spice-must-learn/internal/cli"
	"github.com/Veraticus/the-spice-must-learn/internal/common"
	"github.com/Veraticus/the-spice-must-learn/internal/ingest"
	"github.com/Veraticus/the-spice-must-learn/internal/model"
	"github.com/Veraticus/the-spice-must-learn/internal/serving"
)

func predictCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "predict [vendor] [description]",
		Short: "Predict the category of an expense",
		Long: `Predict the category of an expense from its vendor and description.

With --stdin, each input line is "vendor<TAB>description" and one prediction is
printed per line. The model is reloaded between lines whenever a newer one has
been published; --watch also reloads as soon as the pointer file changes.`,
		Args: cobra.RangeArgs(0, 2),
		RunE: runPredict,
	}

	cmd.Flags().IntP("top-k", "k", 0, "Number of ranked categories to show (default serving.top_k)")
	cmd.Flags().Bool("stdin", false, "Read vendor/description pairs from stdin")
	cmd.Flags().Bool("watch", false, "Reload on pointer changes (default serving.watch)")

	return cmd
}

func runPredict(cmd *cobra.Command, args []string) error {
	topK, _ := cmd.Flags().GetInt("top-k")
	fromStdin, _ := cmd.Flags().GetBool("stdin")
	if !fromStdin && len(args) == 0 {
		return &common.ValidationError{Field: "vendor", Reason: "is required unless --stdin is set"}
	}

	if !fromStdin {
		if err := serving.ValidatePredictInput(splitArgs(args)); err != nil {
			return err
		}
	}

	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	cache, err := a.cache(ctx, a.cfg.Models.CategoryName)
	if err != nil {
		return notTrainedHint(err, "spice train")
	}

	out := cmd.OutOrStdout()
	if !fromStdin {
		vendor, description := splitArgs(args)
		p, err := cache.Predict(ctx, vendor, description, topK)
		if err != nil {
			return err
		}
		printPrediction(out, p)
		return nil
	}

	stop, err := maybeWatch(cmd, cache)
	if err != nil {
		return err
	}
	defer stop()

	return eachLine(ctx, cmd.InOrStdin(), func(line string) {
		vendor, description, _ := strings.Cut(line, "\t")
		p, err := cache.Predict(ctx, vendor, description, topK)
		if err != nil {
			_, _ = fmt.Fprintln(out, cli.FormatError(err.Error()))
			return
		}
		top := p.Top[0]
		_, _ = fmt.Fprintf(out, "%s\t%.3f\tv%d\n", top.Category, top.Score, p.Artifact.Version)
	})
}

func scoreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "score [vendor] [description]",
		Short: "Score how anomalous an expense is",
		Long: `Score an expense against the anomaly detector.

A higher normal score means more normal. With --ofx or --csv every expense in
the given files is scored and the anomalies are listed.`,
		Args: cobra.ArbitraryArgs,
		RunE: runScore,
	}

	cmd.Flags().String("amount", "", "Expense amount")
	cmd.Flags().Bool("ofx", false, "Score every expense in the OFX/QFX files given as arguments")
	cmd.Flags().Bool("csv", false, "Score every expense in the CSV files given as arguments")
	cmd.Flags().Bool("all", false, "With --ofx or --csv, list normal expenses too")

	return cmd
}

func runScore(cmd *cobra.Command, args []string) error {
	amountStr, _ := cmd.Flags().GetString("amount")
	useOFX, _ := cmd.Flags().GetBool("ofx")
	useCSV, _ := cmd.Flags().GetBool("csv")
	showAll, _ := cmd.Flags().GetBool("all")
	batch := useOFX || useCSV

	var amount *float64
	if amountStr != "" {
		f, err := ingest.ParseAmount(amountStr)
		if err != nil {
			return &common.ValidationError{Field: "amount", Reason: err.Error()}
		}
		amount = &f
	}
	if len(args) > 2 && !batch {
		return &common.ValidationError{Field: "args", Reason: "expected at most vendor and description"}
	}

	if !batch {
		vendor, description := splitArgs(args)
		if err := serving.ValidateScoreInput(vendor, description, amount); err != nil {
			return err
		}
	}

	ctx := cmd.Context()
	var records []model.Record
	if batch {
		if len(args) == 0 {
			return &common.ValidationError{Field: "args", Reason: "no input files given"}
		}
		var err error
		if records, err = readExpenses(ctx, args, useOFX); err != nil {
			return err
		}
	}

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	cache, err := a.cache(ctx, a.cfg.Models.AnomalyName)
	if err != nil {
		return notTrainedHint(err, "spice train-anomaly")
	}

	out := cmd.OutOrStdout()
	if !batch {
		vendor, description := splitArgs(args)
		s, err := cache.Score(ctx, vendor, description, amount)
		if err != nil {
			return err
		}
		printScore(out, s)
		return nil
	}
	return scoreBatch(ctx, out, cache, records, showAll)
}

func scoreBatch(ctx context.Context, w io.Writer, cache *serving.Cache, records []model.Record, showAll bool) error {
	var (
		rows      [][]string
		anomalies int
	)
	for _, r := range records {
		if err := ctx.Err(); err != nil {
			return err
		}
		s, err := cache.Score(ctx, r.Text, "", r.Amount)
		if errors.Is(err, common.ErrValidation) {
			slog.Warn("Skipping unscorable expense", "source", r.Source, "error", err)
			continue
		}
		if err != nil {
			return err
		}
		if s.IsAnomaly {
			anomalies++
		} else if !showAll {
			continue
		}
		rows = append(rows, []string{
			formatDate(r),
			r.Text,
			formatAmount(r.Amount),
			strconv.FormatFloat(s.NormalScore, 'f', 3, 64),
			anomalyMark(s.IsAnomaly),
		})
	}

	if err := cli.WriteTable(w, []string{"Date", "Expense", "Amount", "Normal", "Anomaly"}, rows); err != nil {
		return err
	}
	_, err := fmt.Fprintln(w, "\n"+cli.FormatInfo(fmt.Sprintf("%d of %d expenses flagged", anomalies, len(records))))
	return err
}

func printPrediction(w io.Writer, p *model.Prediction) {
	rows := make([][]string, 0, len(p.Top))
	for i, r := range p.Top {
		rows = append(rows, []string{strconv.Itoa(i + 1), r.Category, strconv.FormatFloat(r.Score, 'f', 3, 64)})
	}
	_, _ = fmt.Fprintln(w, cli.FormatTitle(p.Category))
	_ = cli.WriteTable(w, []string{"Rank", "Category", "Confidence"}, rows)
	_, _ = fmt.Fprintln(w, cli.SubtleStyle.Render(fmt.Sprintf("model %s v%d (%s)", p.Artifact.Purpose, p.Artifact.Version, p.Artifact.ID)))
}

func printScore(w io.Writer, s *model.AnomalyScore) {
	verdict := cli.FormatSuccess("Looks normal")
	if s.IsAnomaly {
		verdict = cli.FormatWarning("Anomalous expense")
	}
	_, _ = fmt.Fprintln(w, verdict)
	_, _ = fmt.Fprintln(w, cli.RenderKeyValues([][2]string{
		{"normal score", strconv.FormatFloat(s.NormalScore, 'f', 4, 64)},
		{"raw score", strconv.FormatFloat(s.RawScore, 'f', 4, 64)},
		{"threshold", strconv.FormatFloat(s.Threshold, 'f', 4, 64)},
		{"detector", s.Detector + " (" + s.Style + ")"},
		{"model", fmt.Sprintf("%s v%d (%s)", s.Artifact.Purpose, s.Artifact.Version, s.Artifact.ID)},
	}))
}

// maybeWatch starts a pointer watcher when --watch or serving.watch is set.
func maybeWatch(cmd *cobra.Command, cache *serving.Cache) (func(), error) {
	watch := appConfig.Serving.Watch
	if cmd.Flags().Changed("watch") {
		watch, _ = cmd.Flags().GetBool("watch")
	}
	if !watch {
		return func() {}, nil
	}

	w, err := serving.NewWatcher(cache)
	if err != nil {
		return nil, err
	}
	go func() {
		if err := w.Start(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("Model watcher stopped", "error", err)
		}
	}()
	return func() { _ = w.Stop() }, nil
}

func eachLine(ctx context.Context, in io.Reader, fn func(line string)) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fn(line)
	}
	return scanner.Err()
}

func notTrainedHint(err error, command string) error {
	if errors.Is(err, common.ErrNotReady) {
		return common.NewUserError(fmt.Sprintf("No model yet. Run '%s' first", command), err)
	}
	return err
}

func splitArgs(args []string) (vendor, description string) {
	if len(args) > 0 {
		vendor = args[0]
	}
	if len(args) > 1 {
		description = args[1]
	}
	return vendor, description
}

func formatDate(r model.Record) string {
	if r.Date.IsZero() {
		return ""
	}
	return r.Date.Format("2006-01-02")
}

func formatAmount(amount *float64) string {
	if amount == nil {
		return ""
	}
	return strconv.FormatFloat(*amount, 'f', 2, 64)
}

func anomalyMark(isAnomaly bool) string {
	if isAnomaly {
		return cli.WarningStyle.Render(cli.WarningIcon)
	}
	return ""
}
