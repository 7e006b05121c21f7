package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kirillkom/scan-grader/internal/config"
	"github.com/kirillkom/scan-grader/internal/core/domain"
	"github.com/kirillkom/scan-grader/internal/core/ports"
	"github.com/kirillkom/scan-grader/internal/infrastructure/repository/postgres"
	"github.com/kirillkom/scan-grader/internal/report"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "feedback-report",
		Short: "Inspect and export the grading feedback ledger",
	}
	rootCmd.PersistentFlags().String("dsn", "", "Postgres DSN (defaults to POSTGRES_DSN)")
	rootCmd.PersistentFlags().String("user", "", "Restrict to one teacher")
	rootCmd.PersistentFlags().String("since", "", "RFC 3339 lower bound, inclusive")
	rootCmd.PersistentFlags().String("until", "", "RFC 3339 upper bound, exclusive")

	rootCmd.AddCommand(newExportCmd(), newSummaryCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the ledger to an XLSX workbook",
		Long: `Export strategy summaries, grade verifications and misconception
corrections to a workbook with one sheet each.

Examples:
  feedback-report export --out ledger.xlsx
  feedback-report export --user u-42 --since 2026-09-01T00:00:00Z --out sept.xlsx`,
		RunE: func(cmd *cobra.Command, args []string) error {
			out, _ := cmd.Flags().GetString("out")
			filter, err := filterFromFlags(cmd)
			if err != nil {
				return err
			}
			return withReporter(cmd, func(ctx context.Context, source ports.FeedbackReporter) error {
				export, err := report.Collect(ctx, source, filter, time.Now())
				if err != nil {
					return err
				}
				f, err := os.Create(out)
				if err != nil {
					return fmt.Errorf("create %s: %w", out, err)
				}
				if err := report.WriteFeedbackWorkbook(f, export); err != nil {
					_ = f.Close()
					return err
				}
				if err := f.Close(); err != nil {
					return fmt.Errorf("close %s: %w", out, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "wrote %s: %d verifications, %d corrections\n",
					out, len(export.Verifications), len(export.Corrections))
				return nil
			})
		},
	}
	cmd.Flags().String("out", "feedback.xlsx", "Output workbook path")
	return cmd
}

func newSummaryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "summary",
		Short: "Print per-strategy ledger aggregates",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := filterFromFlags(cmd)
			if err != nil {
				return err
			}
			return withReporter(cmd, func(ctx context.Context, source ports.FeedbackReporter) error {
				rows, err := source.Summarize(ctx, filter)
				if err != nil {
					return err
				}
				printSummary(cmd, rows)
				return nil
			})
		},
	}
}

func printSummary(cmd *cobra.Command, rows []domain.FeedbackSummaryRow) {
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STRATEGY\tMISC CONFIRMED\tMISC DISMISSED\tGRADES CONFIRMED\tGRADES OVERRIDDEN\tMEAN DELTA")
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%+.1f\n", r.Strategy, r.MisconceptionsConfirmed, r.MisconceptionsDismissed,
			r.GradesConfirmed, r.GradesOverridden, r.MeanOverrideDelta)
	}
	_ = tw.Flush()
}

func filterFromFlags(cmd *cobra.Command) (domain.FeedbackFilter, error) {
	user, _ := cmd.Flags().GetString("user")
	since, _ := cmd.Flags().GetString("since")
	until, _ := cmd.Flags().GetString("until")

	filter := domain.FeedbackFilter{UserID: user}
	var err error
	if since != "" {
		if filter.Since, err = time.Parse(time.RFC3339, since); err != nil {
			return domain.FeedbackFilter{}, fmt.Errorf("--since: %w", err)
		}
	}
	if until != "" {
		if filter.Until, err = time.Parse(time.RFC3339, until); err != nil {
			return domain.FeedbackFilter{}, fmt.Errorf("--until: %w", err)
		}
	}
	return filter, nil
}

func withReporter(cmd *cobra.Command, fn func(context.Context, ports.FeedbackReporter) error) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dsn, _ := cmd.Flags().GetString("dsn")
	if dsn == "" {
		dsn = config.Load().PostgresDSN
	}
	db, err := postgres.OpenDB(dsn)
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}
	defer db.Close()
	if err := postgres.EnsureSchema(ctx, db); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return fn(ctx, postgres.NewFeedbackRepository(db))
}
