package cmd

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/lipsync/internal/store"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history [run_id]",
	Short: "List recorded sync runs, or show one run with its fallback frames",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if err := openDB(cmd.Context(), true); err != nil {
			return err
		}
		if len(args) == 1 {
			return showRun(cmd.Context(), args[0])
		}
		return listRuns(cmd.Context(), historyLimit)
	},
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Number of runs to show (0 for all)")
	rootCmd.AddCommand(historyCmd)
}

func listRuns(ctx context.Context, limit int) error {
	runs, err := DB.ListRuns(ctx, limit)
	if err != nil {
		return fmt.Errorf("list runs: %w", err)
	}
	if len(runs) == 0 {
		fmt.Println("No runs recorded yet.")
		return nil
	}

	rows := make([][]string, 0, len(runs))
	for _, r := range runs {
		rows = append(rows, []string{
			r.ID[:min(8, len(r.ID))],
			r.StartedAt.Local().Format("2006-01-02 15:04"),
			runStatus(r),
			filepath.Base(r.FacePath),
			strconv.Itoa(r.Frames),
			strconv.Itoa(r.Fallbacks),
			fmtDuration(r.Detection),
		})
	}
	fmt.Println(renderTable(
		[]string{"ID", "STARTED", "STATUS", "FACE", "FRAMES", "FALLBACKS", "DETECTION"},
		rows, 4, 5, 6,
	))
	return nil
}

func showRun(ctx context.Context, id string) error {
	run, err := findRun(ctx, id)
	if err != nil {
		return err
	}

	fmt.Printf("Run:        %s\n", run.ID)
	fmt.Printf("Status:     %s\n", runStatus(run))
	fmt.Printf("Face:       %s\n", run.FacePath)
	fmt.Printf("Audio:      %s\n", run.AudioPath)
	fmt.Printf("Output:     %s\n", run.OutFile)
	fmt.Printf("Frames:     %d in %d batches (%d restarts)\n", run.Frames, run.Batches, run.Restarts)
	fmt.Printf("Detection:  %s\n", fmtDuration(run.Detection))
	if run.Error != "" {
		fmt.Printf("Error:      %s\n", run.Error)
	}

	fallbacks, err := DB.GetFallbacks(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("load fallbacks: %w", err)
	}
	if len(fallbacks) == 0 {
		return nil
	}

	rows := make([][]string, 0, len(fallbacks))
	for _, f := range fallbacks {
		c := f.Coords
		rows = append(rows, []string{
			strconv.Itoa(f.Frame),
			fmt.Sprintf("%d,%d,%d,%d", c.Y1, c.Y2, c.X1, c.X2),
			f.Reason,
		})
	}
	fmt.Println()
	fmt.Println(renderTable([]string{"FRAME", "REUSED BOX (Y1,Y2,X1,X2)", "REASON"}, rows, 0))
	return nil
}

// findRun accepts a full run ID or the 8 character prefix printed by the list.
func findRun(ctx context.Context, id string) (store.Run, error) {
	if len(id) >= 32 {
		return DB.GetRun(ctx, id)
	}
	runs, err := DB.ListRuns(ctx, 0)
	if err != nil {
		return store.Run{}, err
	}
	var match *store.Run
	for i := range runs {
		if len(runs[i].ID) >= len(id) && runs[i].ID[:len(id)] == id {
			if match != nil {
				return store.Run{}, fmt.Errorf("run prefix %q is ambiguous", id)
			}
			match = &runs[i]
		}
	}
	if match == nil {
		return store.Run{}, fmt.Errorf("%w: %s", store.ErrRunNotFound, id)
	}
	return *match, nil
}

func runStatus(r store.Run) string {
	if r.Status == store.StatusRunning && r.FinishedAt == nil && time.Since(r.StartedAt) > 24*time.Hour {
		return "abandoned"
	}
	return r.Status
}

func fmtDuration(d time.Duration) string {
	if d == 0 {
		return "-"
	}
	return d.Round(time.Millisecond).String()
}
