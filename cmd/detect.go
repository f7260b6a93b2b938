package cmd

import (
	"context"
	"fmt"
	"image"
	"os"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/lipsync/internal/frames"
	"github.com/andresmejia3/lipsync/internal/pipeline"
	"github.com/andresmejia3/lipsync/internal/utils"
)

var detectOpts syncOptions

var detectCmd = &cobra.Command{
	Use:   "detect <image_path>",
	Short: "Print the face box the configured detector finds in an image",
	Long:  "Runs one detection on an image. Useful for picking --pads or a constant --box before a sync.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		opts := detectOpts
		applySyncConfig(cmd, &opts, Cfg)
		return runDetect(cmd.Context(), args[0], opts)
	},
}

func init() {
	detectCmd.Flags().StringVar(&detectOpts.Detector, "detector", "python", "Face detector backend: python or onnx")
	detectCmd.Flags().StringVar(&detectOpts.WorkerTimeout, "worker-timeout", "1m", "Maximum wait for the Python worker reply")
	detectCmd.Flags().IntSliceVar(&detectOpts.Pads, "pads", []int{0, 0, 0, 0}, "Padding (top,bottom,left,right) applied to the printed box")
	rootCmd.AddCommand(detectCmd)
}

func runDetect(ctx context.Context, imagePath string, opts syncOptions) error {
	if _, err := os.Stat(imagePath); os.IsNotExist(err) {
		utils.ShowError("Input file does not exist", err, nil)
		return err
	}
	if len(opts.Pads) != 4 {
		return fmt.Errorf("--pads needs 4 values (top,bottom,left,right), got %d", len(opts.Pads))
	}

	img, err := frames.DecodeFile(imagePath)
	if err != nil {
		utils.ShowError("Failed to read image file", err, nil)
		return err
	}

	fmt.Fprintln(os.Stderr, "🚀 Starting face detector...")
	// No constant box here, so openDetector always returns a detector.
	opts.Box = []int{-1, -1, -1, -1}
	timeout, err := parseTimeout(opts.WorkerTimeout)
	if err != nil {
		return err
	}
	det, closer, err := openDetector(ctx, opts, timeout)
	if err != nil {
		utils.ShowError("Failed to start face detector", err, nil)
		return err
	}
	defer closer.Close()

	fmt.Fprintln(os.Stderr, "🔍 Analyzing face...")
	boxes, err := det.Predict(ctx, []*image.RGBA{img})
	if err != nil {
		utils.ShowError("Face detection failed", err, workerCmd(det))
		return err
	}
	if len(boxes) == 0 || boxes[0] == nil {
		fmt.Println("❌ No face detected in the provided image.")
		return nil
	}

	b := img.Bounds()
	box := pipeline.ClampBox(*boxes[0], padsFromFlag(opts.Pads), b.Dx(), b.Dy())
	if !box.Valid() {
		fmt.Printf("❌ Detected box %v is empty after padding and clamping.\n", *boxes[0])
		return nil
	}
	fmt.Printf("✅ Face: x1=%d y1=%d x2=%d y2=%d (%dx%d)\n", box.X1, box.Y1, box.X2, box.Y2, box.X2-box.X1, box.Y2-box.Y1)
	// Same order as --box so the line can be pasted back into sync.
	fmt.Printf("   --box %d,%d,%d,%d\n", box.Y1, box.Y2, box.X1, box.X2)
	return nil
}
