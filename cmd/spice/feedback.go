package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/Veraticus/the-spice-must-learn/internal/cli"
	"github.com/Veraticus/the-spice-must-learn/internal/common"
	"github.com/Veraticus/the-spice-must-learn/internal/feedback"
	"github.com/Veraticus/the-spice-must-learn/internal/ingest"
)

func feedbackCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "feedback",
		Short: "Record corrections and fold them into training data",
		Long: `Record the correct category or anomaly verdict for an expense, and merge
category corrections into a training CSV so the next 'spice train' learns them.`,
	}

	cmd.AddCommand(feedbackCategoryCmd())
	cmd.AddCommand(feedbackAnomalyCmd())
	cmd.AddCommand(feedbackMergeCmd())

	return cmd
}

func addExpenseFlags(cmd *cobra.Command) {
	cmd.Flags().String("description", "", "Expense description")
	cmd.Flags().String("amount", "", "Expense amount")
	cmd.Flags().String("date", "", "Expense date (YYYY-MM-DD)")
}

func expenseFromFlags(cmd *cobra.Command, vendor string) (feedback.Expense, error) {
	description, _ := cmd.Flags().GetString("description")
	amountStr, _ := cmd.Flags().GetString("amount")
	date, _ := cmd.Flags().GetString("date")

	e := feedback.Expense{Vendor: vendor, Description: description, Date: date}
	if amountStr != "" {
		amount, err := ingest.ParseAmount(amountStr)
		if err != nil {
			return e, &common.ValidationError{Field: "amount", Reason: err.Error()}
		}
		e.Amount = &amount
	}
	if date != "" {
		if _, err := ingest.ParseDate(date); err != nil {
			return e, &common.ValidationError{Field: "date", Reason: err.Error()}
		}
	}
	return e, nil
}

func feedbackCategoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "category <vendor> <category>",
		Short: "Record the correct category for an expense",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := expenseFromFlags(cmd, args[0])
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			id, err := feedback.NewRecorder(a.db, "cli").RecordCategory(ctx, e, args[1])
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), cli.FormatSuccess(fmt.Sprintf("Recorded %q as %s (feedback #%d)", e.Vendor, args[1], id)))
			return nil
		},
	}
	addExpenseFlags(cmd)
	return cmd
}

func feedbackAnomalyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "anomaly <vendor> <yes|no>",
		Short: "Record whether an expense really was anomalous",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			isAnomaly, err := parseVerdict(args[1])
			if err != nil {
				return err
			}
			e, err := expenseFromFlags(cmd, args[0])
			if err != nil {
				return err
			}

			var modelScore *float64
			if cmd.Flags().Changed("score") {
				s, _ := cmd.Flags().GetFloat64("score")
				modelScore = &s
			}

			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			id, err := feedback.NewRecorder(a.db, "cli").RecordAnomaly(ctx, e, isAnomaly, modelScore)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), cli.FormatSuccess(fmt.Sprintf("Recorded verdict for %q (feedback #%d)", e.Vendor, id)))
			return nil
		},
	}
	addExpenseFlags(cmd)
	cmd.Flags().Float64("score", 0, "Normal score the model gave the expense")
	return cmd
}

func parseVerdict(s string) (bool, error) {
	switch s {
	case "yes", "y":
		return true, nil
	case "no", "n":
		return false, nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return false, &common.ValidationError{Field: "verdict", Reason: fmt.Sprintf("must be yes or no, got %q", s)}
	}
	return b, nil
}

func feedbackMergeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "merge <training.csv>",
		Short: "Append unmerged category corrections to a training CSV",
		Long: `Append every category correction not yet merged into the given CSV.
Rows already in the file are skipped. The file is created when missing.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := feedback.NewMerger(a.db).MergeInto(ctx, args[0])
			if err != nil {
				return err
			}
			if res.Pending == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), cli.FormatInfo("No feedback to merge"))
				return nil
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), cli.FormatSuccess(fmt.Sprintf(
				"Merged %d corrections into %s (%d duplicates skipped)", res.Appended, res.Target, res.Duplicates)))
			return nil
		},
	}
}
