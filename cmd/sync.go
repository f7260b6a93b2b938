package cmd

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/mattn/go-isatty"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/andresmejia3/lipsync/internal/config"
	"github.com/andresmejia3/lipsync/internal/detector"
	"github.com/andresmejia3/lipsync/internal/frames"
	"github.com/andresmejia3/lipsync/internal/log"
	"github.com/andresmejia3/lipsync/internal/pipeline"
	"github.com/andresmejia3/lipsync/internal/render"
	"github.com/andresmejia3/lipsync/internal/store"
	"github.com/andresmejia3/lipsync/internal/types"
	"github.com/andresmejia3/lipsync/internal/utils"
	"github.com/andresmejia3/lipsync/internal/worker"
)

// syncOptions holds the configuration of one sync run
type syncOptions struct {
	Checkpoint       string
	Face             string
	Frames           string
	Audio            string
	OutFile          string
	Static           bool
	FPS              float64
	Pads             []int
	FaceDetBatchSize int
	Wav2LipBatchSize int
	ResizeFactor     int
	Crop             []int
	Box              []int
	Rotate           bool
	NoSmooth         bool
	SaveFrames       bool
	GTPath           string
	PredPath         string
	ImagePrefix      string
	Detector         string
	WorkerTimeout    string
}

var syncOpts syncOptions

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Lip-sync the face in a video or image to an audio track",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		opts := syncOpts
		applySyncConfig(cmd, &opts, Cfg)
		return runSync(cmd.Context(), opts)
	},
}

func init() {
	f := syncCmd.Flags()
	f.StringVar(&syncOpts.Checkpoint, "checkpoint", "", "Wav2Lip checkpoint to load weights from (default from config)")
	f.StringVarP(&syncOpts.Face, "face", "f", "", "Video or image that contains the face to use")
	f.StringVar(&syncOpts.Frames, "frames", "", "Directory of frames to use instead of --face")
	f.StringVarP(&syncOpts.Audio, "audio", "a", "", "Audio or video file to use as the raw audio source")
	f.StringVarP(&syncOpts.OutFile, "outfile", "o", "results/result_voice.mp4", "Video path to save the result")
	f.BoolVar(&syncOpts.Static, "static", false, "Use only the first video frame for inference")
	f.Float64Var(&syncOpts.FPS, "fps", 25, "Frame rate, used only when the input is a still image or a frame directory")
	f.IntSliceVar(&syncOpts.Pads, "pads", []int{0, 0, 0, 0}, "Padding (top,bottom,left,right). Adjust to include the chin at least")
	f.IntVar(&syncOpts.FaceDetBatchSize, "face-det-batch-size", 16, "Batch size for face detection")
	f.IntVar(&syncOpts.Wav2LipBatchSize, "wav2lip-batch-size", 1, "Batch size for the Wav2Lip model")
	f.IntVar(&syncOpts.ResizeFactor, "resize-factor", 1, "Reduce the resolution by this factor")
	f.IntSliceVar(&syncOpts.Crop, "crop", []int{0, -1, 0, -1}, "Crop frames to (top,bottom,left,right) after resize and rotate. -1 is auto-inferred")
	f.IntSliceVar(&syncOpts.Box, "box", []int{-1, -1, -1, -1}, "Constant face box (top,bottom,left,right). Last resort when the face is not detected")
	f.BoolVar(&syncOpts.Rotate, "rotate", false, "Rotate frames 90 degrees clockwise")
	f.BoolVar(&syncOpts.NoSmooth, "nosmooth", false, "Do not smooth face detections over a short temporal window")
	f.BoolVar(&syncOpts.SaveFrames, "save-frames", false, "Save every input and output frame as an image")
	f.StringVar(&syncOpts.GTPath, "gt-path", "", "Where to store saved ground truth frames")
	f.StringVar(&syncOpts.PredPath, "pred-path", "", "Where to store generated frames")
	f.StringVar(&syncOpts.ImagePrefix, "image-prefix", "", "Prefix for saved frame file names")
	f.StringVar(&syncOpts.Detector, "detector", config.DetectorPython, "Face detector backend: python or onnx")
	f.StringVar(&syncOpts.WorkerTimeout, "worker-timeout", "5m", "Maximum wait for a single Python worker reply")

	syncCmd.MarkFlagRequired("audio")
	syncCmd.MarkFlagsMutuallyExclusive("face", "frames")
	syncCmd.MarkFlagsOneRequired("face", "frames")
	rootCmd.AddCommand(syncCmd)
}

// applySyncConfig fills every flag the user did not set from the config file.
func applySyncConfig(cmd *cobra.Command, opts *syncOptions, cfg *config.Config) {
	changed := cmd.Flags().Changed
	if !changed("checkpoint") {
		opts.Checkpoint = cfg.Models.Checkpoint
	}
	if !changed("fps") {
		opts.FPS = cfg.Pipeline.FPS
	}
	if !changed("pads") {
		opts.Pads = append([]int(nil), cfg.Pipeline.Pads...)
	}
	if !changed("face-det-batch-size") {
		opts.FaceDetBatchSize = cfg.Pipeline.FaceDetBatchSize
	}
	if !changed("wav2lip-batch-size") {
		opts.Wav2LipBatchSize = cfg.Pipeline.Wav2LipBatchSize
	}
	if !changed("resize-factor") {
		opts.ResizeFactor = cfg.Pipeline.ResizeFactor
	}
	if !changed("nosmooth") {
		opts.NoSmooth = !cfg.Pipeline.Smooth
	}
	if !changed("detector") {
		opts.Detector = cfg.Pipeline.Detector
	}
	if !changed("worker-timeout") {
		opts.WorkerTimeout = cfg.WorkerTimeout().String()
	}
	if !changed("outfile") && cfg.Paths.ResultsDir != "" {
		opts.OutFile = filepath.Join(cfg.Paths.ResultsDir, filepath.Base(opts.OutFile))
	}
}

// validateSyncFlags ensures all CLI arguments are valid before starting heavy processes.
func validateSyncFlags(opts *syncOptions) error {
	input := opts.Face
	if opts.Frames != "" {
		input = opts.Frames
	}
	if input == "" {
		return errors.New("one of --face or --frames is required")
	}
	info, err := os.Stat(input)
	if err != nil {
		return fmt.Errorf("face input: %w", err)
	}
	if opts.Frames != "" && !info.IsDir() {
		return fmt.Errorf("--frames must be a directory: %s", opts.Frames)
	}
	if _, err := os.Stat(opts.Audio); err != nil {
		return fmt.Errorf("audio input: %w", err)
	}
	if _, err := os.Stat(opts.Checkpoint); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	if len(opts.Pads) != 4 {
		return fmt.Errorf("--pads needs 4 values (top,bottom,left,right), got %d", len(opts.Pads))
	}
	if len(opts.Crop) != 4 {
		return fmt.Errorf("--crop needs 4 values (top,bottom,left,right), got %d", len(opts.Crop))
	}
	if len(opts.Box) != 4 {
		return fmt.Errorf("--box needs 4 values (top,bottom,left,right), got %d", len(opts.Box))
	}
	if box := opts.Box; box[0] != -1 {
		if box[0] < 0 || box[2] < 0 || box[0] >= box[1] || box[2] >= box[3] {
			return fmt.Errorf("invalid --box %v: want 0 <= top < bottom and 0 <= left < right", box)
		}
	}
	if opts.FaceDetBatchSize < 1 {
		return fmt.Errorf("--face-det-batch-size must be >= 1, got %d", opts.FaceDetBatchSize)
	}
	if opts.Wav2LipBatchSize < 1 {
		return fmt.Errorf("--wav2lip-batch-size must be >= 1, got %d", opts.Wav2LipBatchSize)
	}
	if opts.ResizeFactor < 1 {
		return fmt.Errorf("--resize-factor must be >= 1, got %d", opts.ResizeFactor)
	}
	if !pipeline.ValidFPS(opts.FPS) {
		return fmt.Errorf("--fps must be a positive finite number, got %v", opts.FPS)
	}
	switch opts.Detector {
	case config.DetectorPython, config.DetectorONNX:
	default:
		return fmt.Errorf("--detector must be %q or %q, got %q", config.DetectorPython, config.DetectorONNX, opts.Detector)
	}
	if _, err := parseTimeout(opts.WorkerTimeout); err != nil {
		return err
	}
	if opts.SaveFrames && (opts.GTPath == "" || opts.PredPath == "") {
		return errors.New("--save-frames requires --gt-path and --pred-path")
	}
	return nil
}

func parseTimeout(value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid --worker-timeout (use '5m', '90s'): %w", err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("--worker-timeout must be positive, got %s", value)
	}
	return d, nil
}

// padsFromFlag converts --pads (top,bottom,left,right) to pipeline pads.
func padsFromFlag(p []int) types.Pads {
	if len(p) != 4 {
		return types.Pads{}
	}
	return types.Pads{Top: p[0], Bottom: p[1], Left: p[2], Right: p[3]}
}

// staticBox converts --box (top,bottom,left,right) to a face box, or nil when unset.
func staticBox(box []int) *types.Box {
	if len(box) != 4 || box[0] == -1 {
		return nil
	}
	return &types.Box{X1: box[2], Y1: box[0], X2: box[3], Y2: box[1]}
}

// runSync orchestrates a lip-sync run: frames, audio, workers, batch generation, rendering and muxing.
func runSync(ctx context.Context, opts syncOptions) error {
	if err := validateSyncFlags(&opts); err != nil {
		utils.ShowError("Invalid arguments", err, nil)
		return err
	}
	if err := utils.CheckBinaries("ffmpeg", "ffprobe"); err != nil {
		return err
	}
	if err := Cfg.EnsureDirectories(); err != nil {
		return err
	}

	// 1. One run per work dir at a time
	lock := flock.New(filepath.Join(Cfg.Paths.WorkDir, "lipsync.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire work dir lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("another lipsync run is using %s", Cfg.Paths.WorkDir)
	}
	defer lock.Unlock()

	runID := uuid.NewString()
	runDir := filepath.Join(Cfg.Paths.WorkDir, runID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return err
	}
	defer os.RemoveAll(runDir)
	logger := log.With("run", runID[:8])

	// 2. Run history is optional for sync
	if err := openDB(ctx, false); err != nil {
		return err
	}
	rec := &runRecorder{db: DB, id: runID}
	rec.start(ctx, opts)

	batches, stats, err := execSync(ctx, opts, runDir, logger)
	rec.finish(batches, stats, err)
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "\n🏁 Sync Complete. Wrote %s (%d frames, %d fallbacks).\n", opts.OutFile, stats.Frames, len(stats.Fallbacks))
	return nil
}

func execSync(ctx context.Context, opts syncOptions, runDir string, logger *slog.Logger) (int, pipeline.Stats, error) {
	// 3. Frame source
	src, fps, total, err := openFrames(ctx, opts)
	if err != nil {
		utils.ShowError("Failed to open face input", err, nil)
		return 0, pipeline.Stats{}, err
	}
	logger.Info("Frame source ready", "fps", fps, "frames", total, "static", opts.Static)

	// 4. Audio
	wavPath, err := prepareAudio(ctx, opts.Audio, runDir)
	if err != nil {
		utils.ShowError("Failed to extract audio", err, nil)
		return 0, pipeline.Stats{}, err
	}

	timeout, err := parseTimeout(opts.WorkerTimeout)
	if err != nil {
		return 0, pipeline.Stats{}, err
	}

	// 5. Wav2Lip worker computes the mel-spectrogram and runs the generator
	fmt.Fprintln(os.Stderr, "🚀 Starting Wav2Lip engine...")
	lsw, err := worker.NewLipSyncWorker(ctx, 0, worker.LipSyncConfig{
		Python:      Cfg.Models.Python,
		Script:      Cfg.Models.WorkerScript,
		Checkpoint:  opts.Checkpoint,
		Device:      Cfg.Models.Device,
		ReadTimeout: timeout,
	})
	if err != nil {
		utils.ShowError("Wav2Lip worker startup failed", err, nil)
		return 0, pipeline.Stats{}, err
	}
	defer lsw.Close()

	mel, err := lsw.Melspectrogram(ctx, wavPath)
	if err != nil {
		utils.ShowError("Mel-spectrogram failed", err, lsw.Cmd)
		return 0, pipeline.Stats{}, err
	}
	if err := pipeline.ValidateMel(mel); err != nil {
		return 0, pipeline.Stats{}, err
	}
	chunks, err := pipeline.ChunkMel(mel, fps)
	if err != nil {
		return 0, pipeline.Stats{}, err
	}
	logger.Info("Length of mel chunks", "chunks", len(chunks), "mel_steps", mel.Steps)
	if loops := frameLoops(total, len(chunks)); loops > 0 && !opts.Static {
		logger.Info("Audio is longer than the video, frames will loop", "video_frames", total, "restarts", loops)
	}

	// 6. Face detector
	det, closeDet, err := openDetector(ctx, opts, timeout)
	if err != nil {
		utils.ShowError("Face detector startup failed", err, nil)
		return 0, pipeline.Stats{}, err
	}
	defer closeDet.Close()

	loc := pipeline.NewLocator(det, pipeline.LocatorConfig{
		BatchSize:      opts.FaceDetBatchSize,
		Pads:           padsFromFlag(opts.Pads),
		Smooth:         !opts.NoSmooth,
		SmoothWindow:   Cfg.Pipeline.SmoothWindow,
		StaticBox:      staticBox(opts.Box),
		DiagnosticsDir: Cfg.Paths.DiagnosticsDir,
	})
	gen := pipeline.NewGenerator(src, loc, chunks, pipeline.GeneratorConfig{
		BatchSize: opts.Wav2LipBatchSize,
		ImgSize:   Cfg.Pipeline.ImgSize,
	})
	defer gen.Close()

	// 7. Generate, composite and encode
	resultPath := filepath.Join(runDir, "result.avi")
	writer := render.NewWriter(ctx, resultPath, fps)
	defer writer.Abort()
	bar := newProgressBar(gen.NumBatches(), "👄 Lip-syncing")

	batches, index := 0, 0
	for gen.Scan(ctx) {
		batch := gen.Batch()
		preds, err := lsw.Forward(ctx, batch)
		if err != nil {
			utils.ShowError("Wav2Lip inference failed", err, lsw.Cmd)
			return batches, gen.Stats(), err
		}
		for i, frame := range batch.Frames {
			out := render.Composite(frame, preds[i], batch.Coords[i])
			if err := writer.WriteFrame(out); err != nil {
				return batches, gen.Stats(), err
			}
			if opts.SaveFrames {
				if err := saveFramePair(opts, index, frame, out); err != nil {
					return batches, gen.Stats(), err
				}
			}
			index++
		}
		batches++
		bar.Add(1)
	}
	if err := gen.Err(); err != nil {
		if errors.Is(err, pipeline.ErrFaceNotDetected) {
			utils.ShowError("Face not detected! Ensure the video contains a face in all the frames", err, nil)
		} else {
			utils.ShowError("Batch generation failed", err, workerCmd(det))
		}
		return batches, gen.Stats(), err
	}
	bar.Finish()

	if err := writer.Close(); err != nil {
		return batches, gen.Stats(), err
	}

	// 8. Mux the input audio over the rendered frames
	if err := os.MkdirAll(filepath.Dir(opts.OutFile), 0o755); err != nil {
		return batches, gen.Stats(), err
	}
	if err := utils.MuxAudio(ctx, opts.Audio, resultPath, opts.OutFile); err != nil {
		utils.ShowError("Failed to mux audio", err, nil)
		return batches, gen.Stats(), err
	}
	return batches, gen.Stats(), nil
}

// openFrames builds the frame source with --static, --resize-factor, --rotate and --crop applied,
// and picks the frame rate. total is the frame count of the input, 0 when unknown.
func openFrames(ctx context.Context, opts syncOptions) (src frames.Source, fps float64, total int, err error) {
	input := opts.Face
	if opts.Frames != "" {
		input = opts.Frames
	}
	src, still := frames.FromPath(input)

	fps = opts.FPS
	if _, isVideo := src.(frames.VideoSource); isVideo {
		if fps, err = utils.GetVideoFPS(ctx, input); err != nil {
			return nil, 0, 0, err
		}
		if !pipeline.ValidFPS(fps) {
			return nil, 0, 0, fmt.Errorf("%s reports an unusable frame rate %v, pass a frame directory and --fps instead", input, fps)
		}
		total = utils.GetTotalFrames(ctx, input)
	}
	if still || opts.Static {
		src = frames.First(src)
		total = 1
	}

	src = frames.Transform(src, frames.TransformConfig{
		ResizeFactor: opts.ResizeFactor,
		Rotate:       opts.Rotate,
		Crop:         frames.Crop{Top: opts.Crop[0], Bottom: opts.Crop[1], Left: opts.Crop[2], Right: opts.Crop[3]},
	})
	return src, fps, total, nil
}

// frameLoops is the number of times a video of total frames restarts to cover
// windows mel windows. An unknown length of 0 reports none.
func frameLoops(total, windows int) int {
	if total <= 0 || windows <= total {
		return 0
	}
	return (windows - 1) / total
}

// prepareAudio returns a wav path for audioPath, extracting one with ffmpeg when needed.
func prepareAudio(ctx context.Context, audioPath, runDir string) (string, error) {
	if strings.EqualFold(filepath.Ext(audioPath), ".wav") {
		return audioPath, nil
	}
	wavPath := filepath.Join(runDir, "audio.wav")
	fmt.Fprintln(os.Stderr, "🎧 Extracting raw audio...")
	if err := utils.ExtractAudio(ctx, audioPath, wavPath); err != nil {
		return "", err
	}
	return wavPath, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// openDetector starts the configured face detector. A constant --box needs none.
func openDetector(ctx context.Context, opts syncOptions, timeout time.Duration) (pipeline.Detector, io.Closer, error) {
	if staticBox(opts.Box) != nil {
		return nil, nopCloser{}, nil
	}
	switch opts.Detector {
	case config.DetectorONNX:
		cfg := detector.DefaultConfig()
		cfg.ModelPath = Cfg.Models.ONNXFaceModel
		cfg.ConfidenceThresh = float32(Cfg.Pipeline.Confidence)
		d, err := detector.NewYOLO(cfg)
		if err != nil {
			return nil, nil, err
		}
		return d, d, nil
	default:
		d, err := worker.NewDetectWorker(ctx, 1, worker.DetectConfig{
			Python:      Cfg.Models.Python,
			Script:      Cfg.Models.WorkerScript,
			ModelPath:   Cfg.Models.DetectorModel,
			Confidence:  Cfg.Pipeline.Confidence,
			Device:      Cfg.Models.Device,
			ReadTimeout: timeout,
		})
		if err != nil {
			return nil, nil, err
		}
		return d, d, nil
	}
}

// workerCmd returns the captured Python logs of det, if it is a Python worker.
func workerCmd(det pipeline.Detector) *utils.SafeCommand {
	if w, ok := det.(*worker.DetectWorker); ok {
		return w.Cmd
	}
	return nil
}

func saveFramePair(opts syncOptions, index int, gt, pred *image.RGBA) error {
	if err := render.SaveFrame(opts.GTPath, opts.ImagePrefix, index, gt); err != nil {
		return fmt.Errorf("save ground truth frame %d: %w", index, err)
	}
	if err := render.SaveFrame(opts.PredPath, opts.ImagePrefix, index, pred); err != nil {
		return fmt.Errorf("save predicted frame %d: %w", index, err)
	}
	return nil
}

// newProgressBar writes to stderr and stays hidden when stderr is not a terminal.
func newProgressBar(total int, description string) *progressbar.ProgressBar {
	fd := os.Stderr.Fd()
	return progressbar.NewOptions(total,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWriter(os.Stderr), // Write bar to Stderr
		progressbar.OptionShowCount(),
		progressbar.OptionSetVisibility(isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)),
	)
}

// runRecorder writes the run to the history database when one is connected.
type runRecorder struct {
	db *store.Store
	id string
}

func (r *runRecorder) start(ctx context.Context, opts syncOptions) {
	if r.db == nil {
		return
	}
	input := opts.Face
	if opts.Frames != "" {
		input = opts.Frames
	}
	mediaID, err := utils.GenerateMediaID(input)
	if err == nil {
		if err := r.db.EnsureMedia(ctx, mediaID, input); err != nil {
			log.Warn("Failed to register media", "error", err)
			mediaID = ""
		}
	} else {
		mediaID = ""
	}
	run := store.Run{ID: r.id, MediaID: mediaID, FacePath: input, AudioPath: opts.Audio, OutFile: opts.OutFile}
	if err := r.db.StartRun(ctx, run); err != nil {
		log.Warn("Failed to record run, continuing without history", "error", err)
		r.db = nil
		return
	}
	fmt.Fprintf(os.Stderr, "📼 Run ID: %s\n", r.id)
}

func (r *runRecorder) finish(batches int, stats pipeline.Stats, runErr error) {
	if r.db == nil {
		return
	}
	// The run context may already be cancelled; the outcome still has to be written.
	ctx := context.Background()
	status := store.StatusSucceeded
	if runErr != nil {
		status = store.StatusFailed
	}
	if err := r.db.InsertFallbacks(ctx, r.id, stats.Fallbacks); err != nil {
		log.Warn("Failed to record fallbacks", "error", err)
	}
	res := store.Result{Status: status, Batches: batches, Stats: stats, Err: runErr}
	if err := r.db.FinishRun(ctx, r.id, res); err != nil {
		log.Warn("Failed to record run result", "error", err)
	}
}
