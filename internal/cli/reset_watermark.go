package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/remediator/internal/control"
)

var resetWatermarkCmd = &cobra.Command{
	Use:   "reset-watermark [RFC3339 time]",
	Short: "Overwrite the last successful query time",
	Args:  cobra.ExactArgs(1),
	Run:   runResetWatermark,
}

func init() {
	rootCmd.AddCommand(resetWatermarkCmd)
}

func runResetWatermark(cmd *cobra.Command, args []string) {
	t, err := time.Parse(time.RFC3339, args[0])
	if err != nil {
		fmt.Printf("Invalid time: %v\n", err)
		os.Exit(1)
	}

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

	if err := store.SetLastQueryTime(ctx, t.UTC()); err != nil {
		slog.Error("Failed to reset watermark", "error", err)
		os.Exit(1)
	}

	fmt.Printf("Successfully reset watermark to %s\n", t.UTC().Format(time.RFC3339))
}
