package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/remediator/internal/control"
	"github.com/vietddude/remediator/internal/core/domain"
	"github.com/vietddude/remediator/internal/core/lifecycle"
	"github.com/vietddude/remediator/internal/infra/storage"
)

var (
	statusFilter string
	statusLimit  int
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the remediation state of recorded pipeline runs",
	Run:   runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusFilter, "status", "", "only show runs in this status")
	statusCmd.Flags().IntVar(&statusLimit, "limit", 50, "maximum number of runs to show (0 = all)")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) {
	cfg := loadConfig()

	filter := storage.RunFilter{Status: domain.RunStatus(statusFilter), Limit: statusLimit}
	if filter.Status != "" && !filter.Status.Valid() {
		fmt.Printf("Unknown status %q\n", statusFilter)
		os.Exit(1)
	}

	ctx := context.Background()
	store, _, err := control.OpenStore(ctx, cfg)
	if err != nil {
		slog.Error("Failed to open state store", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = store.Close()
	}()

	if err := printStatus(ctx, os.Stdout, store, filter); err != nil {
		slog.Error("Failed to list runs", "error", err)
		os.Exit(1)
	}
}

func printStatus(ctx context.Context, out io.Writer, store storage.StateStore, filter storage.RunFilter) error {
	runs, err := store.ListRuns(ctx, filter)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "RUN\tPIPELINE\tSTATUS\tRETRIES LEFT\tPARENT\tUPDATED\tMEANING")
	for _, r := range runs {
		parent := r.ParentRunID
		if parent == "" {
			parent = "-"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			r.RunID, r.PipelineID, r.Status, r.RetryCount, parent, r.LastUpdated.Format(time.RFC3339),
			lifecycle.StateDescription(r.Status))
	}

	if last, ok, err := store.GetLastQueryTime(ctx); err == nil && ok {
		_, _ = fmt.Fprintf(w, "\nLast query:\t%s\n", last.Format(time.RFC3339))
	}
	return w.Flush()
}
