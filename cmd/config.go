package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/lipsync/internal/config"
)

var configForce bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect or create the configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a sample configuration file",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		path, err := config.DefaultConfigPath()
		if err != nil {
			return err
		}
		if len(args) == 1 {
			if path, err = config.ExpandPath(args[0]); err != nil {
				return err
			}
		}
		return initConfig(path, configForce)
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration values",
	Run: func(cmd *cobra.Command, args []string) {
		p := Cfg.Pipeline
		fmt.Printf("work_dir         %s\n", Cfg.Paths.WorkDir)
		fmt.Printf("diagnostics_dir  %s\n", Cfg.Paths.DiagnosticsDir)
		fmt.Printf("results_dir      %s\n", Cfg.Paths.ResultsDir)
		fmt.Printf("worker_script    %s\n", Cfg.Models.WorkerScript)
		fmt.Printf("checkpoint       %s\n", Cfg.Models.Checkpoint)
		fmt.Printf("detector         %s\n", p.Detector)
		fmt.Printf("batch sizes      detect=%d wav2lip=%d\n", p.FaceDetBatchSize, p.Wav2LipBatchSize)
		fmt.Printf("pads             %v\n", p.Pads)
		fmt.Printf("smooth           %t (window %d)\n", p.Smooth, p.SmoothWindow)
		fmt.Printf("database         %t\n", Cfg.Database.URL != "")
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite an existing file")
	configCmd.AddCommand(configInitCmd, configShowCmd)
	rootCmd.AddCommand(configCmd)
}

func initConfig(path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := config.CreateSample(path); err != nil {
		return err
	}
	fmt.Printf("✅ Wrote sample config to %s\n", path)
	return nil
}
