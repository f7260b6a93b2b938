package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/lipsync/internal/utils"
)

var (
	resetHistory bool
	resetFiles   bool
	resetDebug   bool
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset local state (run history, work files, faulty frames)",
	Long:  "Clears stored state. By default, it resets everything. Use flags to clear specific components.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		// If no flags are set, default to clearing EVERYTHING
		if !resetHistory && !resetFiles && !resetDebug {
			resetHistory = true
			resetFiles = true
			resetDebug = true
		}

		reader := bufio.NewReader(os.Stdin)

		if resetHistory {
			// History is optional, so a missing database is skipped rather than fatal.
			if err := openDB(cmd.Context(), false); err != nil {
				return err
			}
			if DB == nil {
				fmt.Println("ℹ️  No database configured, skipping run history.")
			} else if confirm(reader, "⚠️  Are you sure you want to DROP all run history tables?") {
				fmt.Println("🗑️  Clearing Run History...")
				if err := DB.Reset(cmd.Context()); err != nil {
					utils.ShowError("Failed to reset database", err, nil)
					return err
				}
			}
		}

		if resetFiles {
			if confirm(reader, fmt.Sprintf("⚠️  Are you sure you want to delete everything under %s?", Cfg.Paths.WorkDir)) {
				fmt.Println("🗑️  Clearing Work Files...")
				removeDir(Cfg.Paths.WorkDir)
			}
		}

		if resetDebug {
			if confirm(reader, "⚠️  Are you sure you want to delete all faulty frames?") {
				fmt.Println("🗑️  Clearing Faulty Frames...")
				removeDir(Cfg.Paths.DiagnosticsDir)
			}
		}

		fmt.Println("✨ Reset Complete.")
		return nil
	},
}

func init() {
	resetCmd.Flags().BoolVar(&resetHistory, "history", false, "Clear the PostgreSQL run history")
	resetCmd.Flags().BoolVar(&resetFiles, "files", false, "Clear the work directory (extracted audio, intermediate videos)")
	resetCmd.Flags().BoolVar(&resetDebug, "debug", false, "Clear frames saved when no face was detected")
	rootCmd.AddCommand(resetCmd)
}

func confirm(r *bufio.Reader, prompt string) bool {
	fmt.Printf("%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}

func removeDir(path string) {
	if err := os.RemoveAll(path); err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  Failed to remove %s: %v\n", path, err)
	}
}
