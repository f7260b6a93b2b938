package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"

	"github.com/andresmejia3/lipsync/internal/log"
	"github.com/andresmejia3/lipsync/internal/types"
)

// Detector finds the most prominent face in each image.
type Detector interface {
	// Predict returns one entry per image, nil where no face was found.
	// It returns an error wrapping ErrResourceExhausted when the batch is too large.
	Predict(ctx context.Context, images []*image.RGBA) ([]*types.Box, error)
}

// LocatorConfig controls face location.
type LocatorConfig struct {
	BatchSize    int
	Pads         types.Pads
	Smooth       bool
	SmoothWindow int
	// StaticBox, when set, replaces detection with a fixed box for every frame.
	StaticBox *types.Box
	// DiagnosticsDir receives frames where no face was found. Empty disables it.
	DiagnosticsDir string
}

// DefaultLocatorConfig returns the defaults of the lipsync CLI.
func DefaultLocatorConfig() LocatorConfig {
	return LocatorConfig{
		BatchSize:    16,
		Smooth:       true,
		SmoothWindow: 5,
	}
}

// Locator turns frames into face crops.
type Locator struct {
	det Detector
	cfg LocatorConfig
}

// NewLocator creates a Locator backed by det.
func NewLocator(det Detector, cfg LocatorConfig) *Locator {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	return &Locator{det: det, cfg: cfg}
}

// Locate returns one face crop per frame, in frame order.
func (l *Locator) Locate(ctx context.Context, frames []*image.RGBA) ([]types.FaceCrop, error) {
	var raw []*types.Box
	if l.cfg.StaticBox != nil {
		raw = make([]*types.Box, len(frames))
		for i := range raw {
			b := *l.cfg.StaticBox
			raw[i] = &b
		}
	} else {
		var err error
		raw, err = l.detect(ctx, frames)
		if err != nil {
			return nil, err
		}
	}

	boxes := make([]types.Box, len(frames))
	for i, frame := range frames {
		if raw[i] == nil {
			return nil, &FrameError{Frame: i, Err: ErrFaceNotDetected}
		}
		b := frame.Bounds()
		pads := l.cfg.Pads
		if l.cfg.StaticBox != nil {
			// A fixed box is taken as the exact crop.
			pads = types.Pads{}
		}
		boxes[i] = ClampBox(*raw[i], pads, b.Dx(), b.Dy())
		if !boxes[i].Valid() {
			return nil, &FrameError{Frame: i, Err: fmt.Errorf("%w: box %v is empty after clamping", ErrFaceNotDetected, *raw[i])}
		}
	}

	if l.cfg.Smooth {
		boxes = SmoothBoxes(boxes, l.cfg.SmoothWindow)
	}

	crops := make([]types.FaceCrop, len(frames))
	for i, frame := range frames {
		rect := boxes[i].Rect().Add(frame.Bounds().Min)
		crops[i] = types.FaceCrop{Image: cropCopy(frame, rect), Coords: boxes[i].Coords()}
	}
	return crops, nil
}

// detect runs the detector over frames, halving the sub-batch size each time
// the detector runs out of resources. Every retry starts again from the first frame.
func (l *Locator) detect(ctx context.Context, frames []*image.RGBA) ([]*types.Box, error) {
	var lastErr error
	for _, size := range backoffLadder(l.cfg.BatchSize) {
		boxes, err := l.detectWith(ctx, frames, size)
		if err == nil {
			return boxes, nil
		}
		if !errors.Is(err, ErrResourceExhausted) {
			return nil, err
		}
		lastErr = err
		log.Warn("Recovering from resource exhaustion", "batch_size", size, "next", size/2)
	}
	return nil, fmt.Errorf("image too big to run face detection, reduce it with --resize-factor: %w", lastErr)
}

func (l *Locator) detectWith(ctx context.Context, frames []*image.RGBA, size int) ([]*types.Box, error) {
	out := make([]*types.Box, 0, len(frames))
	for i := 0; i < len(frames); i += size {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := min(i+size, len(frames))
		boxes, err := l.det.Predict(ctx, frames[i:end])
		if err != nil {
			return nil, err
		}
		if len(boxes) != end-i {
			return nil, fmt.Errorf("detector returned %d results for %d images", len(boxes), end-i)
		}
		for j, b := range boxes {
			if b == nil {
				l.reportMiss(i+j, frames[i+j])
			}
		}
		out = append(out, boxes...)
	}
	return out, nil
}

func (l *Locator) reportMiss(index int, frame *image.RGBA) {
	logger := log.With("frame", index)
	if l.cfg.DiagnosticsDir == "" {
		logger.Warn("Face not detected")
		return
	}
	path, err := saveDiagnostic(l.cfg.DiagnosticsDir, frame)
	if err != nil {
		logger.Warn("Face not detected", "diagnostic_error", err)
		return
	}
	logger.Warn("Face not detected", "saved", path)
}

// backoffLadder lists the sub-batch sizes tried in order: start, start/2, ..., 1.
func backoffLadder(start int) []int {
	if start < 1 {
		start = 1
	}
	var sizes []int
	for s := start; s >= 1; s /= 2 {
		sizes = append(sizes, s)
	}
	return sizes
}
