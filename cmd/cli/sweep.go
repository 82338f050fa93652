package main

import (
	"context"
	"fmt"
	"time"

	"monidesk/internal/config"
	"monidesk/internal/services"

	"github.com/spf13/cobra"
)

var (
	sweepBusinessID uint
	sweepLimit      int
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Process pending outbox events once",
	Long: `Process pending outbox events once and exit.

Without --business, events of every business with pending entries are
processed. With --business, only that business is swept and a summary
is printed.`,
	RunE: runSweep,
}

func init() {
	rootCmd.AddCommand(sweepCmd)
	sweepCmd.Flags().UintVar(&sweepBusinessID, "business", 0, "restrict the sweep to one business id")
	sweepCmd.Flags().IntVar(&sweepLimit, "limit", 0, "max events per business (0 = default batch size)")
}

func runSweep(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	logger := cliLogger(cfg)

	db, err := openDB(cfg)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}

	svc := services.NewAutomationService(db, logger, nil)
	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
	defer cancel()

	if sweepBusinessID == 0 {
		svc.SweepOutbox(ctx, sweepLimit)
		return nil
	}

	summary, err := svc.ProcessOutboxEvents(ctx, sweepBusinessID, sweepLimit)
	if err != nil {
		return err
	}
	fmt.Printf("processed %d events, triggered %d runs (%d ok, %d failed, %d blocked, %d skipped)\n",
		summary.ProcessedEvents, summary.TriggeredRuns,
		summary.SuccessfulRuns, summary.FailedRuns, summary.BlockedRuns, summary.SkippedRuns)
	return nil
}
