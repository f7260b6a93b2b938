package worker

import (
	"context"
	"fmt"
	"image"
	"strconv"
	"time"

	"github.com/andresmejia3/lipsync/internal/types"
)

// DetectConfig describes how to launch the Python face detector.
type DetectConfig struct {
	Python      string
	Script      string
	ModelPath   string
	Confidence  float64
	Device      string
	ReadTimeout time.Duration
}

// DetectWorker runs face detection in a Python subprocess.
type DetectWorker struct {
	*PythonWorker
}

// NewDetectWorker starts the detector script.
func NewDetectWorker(ctx context.Context, id int, cfg DetectConfig) (*DetectWorker, error) {
	args := []string{
		"--mode", "detect",
		"--model", cfg.ModelPath,
		"--confidence", strconv.FormatFloat(cfg.Confidence, 'f', -1, 64),
	}
	if cfg.Device != "" {
		args = append(args, "--device", cfg.Device)
	}
	pw, err := NewPythonWorker(ctx, id, cfg.Python, cfg.Script, args...)
	if err != nil {
		return nil, err
	}
	pw.Timeout = cfg.ReadTimeout
	return &DetectWorker{PythonWorker: pw}, nil
}

// Predict returns the most prominent face box of every image, nil where none was found.
func (w *DetectWorker) Predict(ctx context.Context, images []*image.RGBA) ([]*types.Box, error) {
	if len(images) == 0 {
		return nil, nil
	}
	r, err := w.call(ctx, opDetect, encodeDetect(images))
	if err != nil {
		return nil, err
	}
	boxes, err := decodeDetect(r, len(images))
	if err != nil {
		return nil, fmt.Errorf("worker %d: %w", w.ID, err)
	}
	return boxes, nil
}
