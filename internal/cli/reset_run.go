package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/vietddude/remediator/internal/control"
	"github.com/vietddude/remediator/internal/core/domain"
	"github.com/vietddude/remediator/internal/infra/storage"
)

var resetRunCmd = &cobra.Command{
	Use:   "reset-run [run_id]",
	Short: "Restore the full retry budget of a run so it is remediated again",
	Args:  cobra.ExactArgs(1),
	Run:   runResetRun,
}

func init() {
	rootCmd.AddCommand(resetRunCmd)
}

func runResetRun(cmd *cobra.Command, args []string) {
	runID := args[0]
	cfg := loadConfig()

	ctx := context.Background()
	store, _, err := control.OpenStore(ctx, cfg)
	if err != nil {
		slog.Error("Failed to open state store", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = store.Close()
	}()

	threshold := cfg.Retry.Budget()
	if err := resetRun(ctx, store, runID, threshold); err != nil {
		slog.Error("Failed to reset run", "run_id", runID, "error", err)
		os.Exit(1)
	}

	fmt.Printf("Successfully reset run %s to %d retries\n", runID, threshold)
}

func resetRun(ctx context.Context, store storage.StateStore, runID string, threshold int) error {
	return store.Apply(ctx, runID, func(rec *domain.RunRecord) error {
		rec.RetryCount = threshold
		rec.Status = domain.RunStatusUnknown
		return nil
	})
}
