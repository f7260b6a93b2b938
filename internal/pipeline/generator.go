package pipeline

import (
	"context"
	"errors"
	"image"
	"io"
	"time"

	"github.com/andresmejia3/lipsync/internal/frames"
	"github.com/andresmejia3/lipsync/internal/log"
	"github.com/andresmejia3/lipsync/internal/types"
)

// GeneratorConfig controls batch assembly.
type GeneratorConfig struct {
	// BatchSize is the number of items per generator call.
	BatchSize int
	// ImgSize is the side of the square face crops fed to the generator.
	ImgSize int
}

// DefaultGeneratorConfig returns the defaults of the lipsync CLI.
func DefaultGeneratorConfig() GeneratorConfig {
	return GeneratorConfig{BatchSize: 1, ImgSize: 96}
}

// Fallback records a frame whose detection failed and reused the previous crop.
type Fallback struct {
	Frame  int
	Coords types.Coords
	Reason string
}

// Stats summarizes a generator run.
type Stats struct {
	Frames        int
	Detections    int
	Fallbacks     []Fallback
	Restarts      int
	DetectionTime time.Duration
}

// AvgDetectionTime is the mean time spent locating the face of one frame.
func (s Stats) AvgDetectionTime() time.Duration {
	if s.Frames == 0 {
		return 0
	}
	return s.DetectionTime / time.Duration(s.Frames)
}

// Generator pairs every mel window with a frame and its face crop and groups
// the results into model batches. Use it like a bufio.Scanner:
//
//	for gen.Scan(ctx) {
//		batch := gen.Batch()
//	}
//	if err := gen.Err(); err != nil { ... }
type Generator struct {
	src     frames.Source
	loc     *Locator
	mels    []types.MelWindow
	cfg     GeneratorConfig
	reader  frames.Reader
	next    int
	prev    *types.FaceCrop
	pending *types.ModelBatch
	batch   *types.ModelBatch
	err     error
	stats   Stats
	done    bool
}

// NewGenerator creates a Generator over mels, pulling frames from src.
func NewGenerator(src frames.Source, loc *Locator, mels []types.MelWindow, cfg GeneratorConfig) *Generator {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	if cfg.ImgSize < 1 {
		cfg.ImgSize = DefaultGeneratorConfig().ImgSize
	}
	return &Generator{src: src, loc: loc, mels: mels, cfg: cfg}
}

// NumBatches is the number of batches a complete run emits.
func (g *Generator) NumBatches() int {
	return (len(g.mels) + g.cfg.BatchSize - 1) / g.cfg.BatchSize
}

// Scan assembles the next batch. It returns false at the end of the mel windows
// or on a fatal error, which Err then reports.
func (g *Generator) Scan(ctx context.Context) bool {
	g.batch = nil
	if g.err != nil || g.done {
		return false
	}
	for g.next < len(g.mels) {
		if err := g.step(ctx); err != nil {
			g.fail(err)
			return false
		}
		if g.pending.Len() >= g.cfg.BatchSize {
			g.batch, g.pending = g.pending, nil
			return true
		}
	}
	if g.pending != nil && g.pending.Len() > 0 {
		g.batch, g.pending = g.pending, nil
		return true
	}
	g.finish()
	return false
}

// Batch returns the batch assembled by the last successful Scan.
func (g *Generator) Batch() *types.ModelBatch {
	return g.batch
}

// Err returns the fatal error that stopped the generator, if any.
func (g *Generator) Err() error {
	return g.err
}

// Stats returns counters for the windows processed so far.
func (g *Generator) Stats() Stats {
	return g.stats
}

// Close releases the frame reader.
func (g *Generator) Close() error {
	if g.reader == nil {
		return nil
	}
	err := g.reader.Close()
	g.reader = nil
	return err
}

func (g *Generator) step(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	i := g.next
	mel := g.mels[i]

	frame, err := g.nextFrame(ctx)
	if err != nil {
		return err
	}

	start := time.Now()
	crop, err := g.locate(ctx, i, frame)
	g.stats.DetectionTime += time.Since(start)
	if err != nil {
		return err
	}

	if g.pending == nil {
		g.pending = &types.ModelBatch{Size: g.cfg.ImgSize}
	}
	face := resize(crop.Image, g.cfg.ImgSize)
	g.pending.Faces = append(g.pending.Faces, faceTensor(face))
	g.pending.Mels = append(g.pending.Mels, mel)
	g.pending.Frames = append(g.pending.Frames, frame)
	g.pending.Coords = append(g.pending.Coords, crop.Coords)

	g.stats.Frames++
	g.next++
	return nil
}

// nextFrame pulls a frame, reopening the source once it runs dry.
func (g *Generator) nextFrame(ctx context.Context) (*image.RGBA, error) {
	if g.reader == nil {
		r, err := g.src.Open(ctx)
		if err != nil {
			return nil, err
		}
		g.reader = r
	}

	frame, err := g.reader.Next()
	if err != io.EOF {
		return frame, err
	}

	g.Close()
	r, err := g.src.Open(ctx)
	if err != nil {
		return nil, err
	}
	g.reader = r
	g.stats.Restarts++

	frame, err = g.reader.Next()
	if err == io.EOF {
		return nil, ErrEmptySource
	}
	return frame, err
}

// locate finds the face of one frame, falling back to the last good crop when
// detection fails. Resource exhaustion and cancellation are never papered over.
func (g *Generator) locate(ctx context.Context, index int, frame *image.RGBA) (types.FaceCrop, error) {
	crops, err := g.loc.Locate(ctx, []*image.RGBA{frame})
	if err == nil {
		g.prev = &crops[0]
		g.stats.Detections++
		return crops[0], nil
	}
	if errors.Is(err, ErrResourceExhausted) || ctx.Err() != nil {
		return types.FaceCrop{}, err
	}
	if g.prev == nil {
		return types.FaceCrop{}, &NoFallbackError{Frame: index, Cause: err}
	}

	log.Debug("Reusing previous face crop", "frame", index, "reason", err)
	g.stats.Fallbacks = append(g.stats.Fallbacks, Fallback{Frame: index, Coords: g.prev.Coords, Reason: err.Error()})
	return *g.prev, nil
}

func (g *Generator) fail(err error) {
	g.err = err
	g.pending = nil
	g.Close()
}

func (g *Generator) finish() {
	g.done = true
	g.Close()
	log.Info("Face detection finished",
		"frames", g.stats.Frames,
		"fallbacks", len(g.stats.Fallbacks),
		"avg", g.stats.AvgDetectionTime(),
		"total", g.stats.DetectionTime)
}
