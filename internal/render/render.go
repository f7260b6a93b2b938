// Package render pastes generated faces back into frames and encodes the result.
package render

import (
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/image/draw"

	"github.com/andresmejia3/lipsync/internal/log"
	"github.com/andresmejia3/lipsync/internal/types"
	"github.com/andresmejia3/lipsync/internal/utils"
)

// Composite returns a copy of frame with face scaled into the coords rectangle.
func Composite(frame, face *image.RGBA, coords types.Coords) *image.RGBA {
	out := image.NewRGBA(frame.Bounds())
	draw.Draw(out, out.Bounds(), frame, frame.Bounds().Min, draw.Src)

	rect := coords.Rect().Add(frame.Bounds().Min)
	if rect.Intersect(out.Bounds()).Empty() {
		return out
	}
	if rect.In(out.Bounds()) {
		draw.BiLinear.Scale(out, rect, face, face.Bounds(), draw.Src, nil)
		return out
	}
	// Scale at full size, then keep only the part inside the frame.
	scaled := image.NewRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
	draw.BiLinear.Scale(scaled, scaled.Bounds(), face, face.Bounds(), draw.Src, nil)
	draw.Draw(out, rect, scaled, image.Point{}, draw.Src)
	return out
}

// Writer streams frames into an ffmpeg encoder. The first frame fixes the video size.
type Writer struct {
	ctx    context.Context
	path   string
	fps    float64
	cmd    *utils.SafeCommand
	stdin  io.WriteCloser
	size   image.Point
	frames int
	closed bool
}

// NewWriter prepares a writer for path; ffmpeg starts on the first WriteFrame.
func NewWriter(ctx context.Context, path string, fps float64) *Writer {
	return &Writer{ctx: ctx, path: path, fps: fps}
}

// WriteFrame appends one frame to the video.
func (w *Writer) WriteFrame(frame *image.RGBA) error {
	if w.closed {
		return fmt.Errorf("writer for %s is closed", w.path)
	}
	b := frame.Bounds()
	if w.cmd == nil {
		if err := w.start(b.Size()); err != nil {
			return err
		}
	}
	if b.Size() != w.size {
		return fmt.Errorf("frame %d is %v, video is %v", w.frames, b.Size(), w.size)
	}

	rowLen := b.Dx() * 4
	for y := b.Min.Y; y < b.Max.Y; y++ {
		off := frame.PixOffset(b.Min.X, y)
		if _, err := w.stdin.Write(frame.Pix[off : off+rowLen]); err != nil {
			return fmt.Errorf("write frame %d: %w: %s", w.frames, err, strings.TrimSpace(w.cmd.Stderr.String()))
		}
	}
	w.frames++
	return nil
}

func (w *Writer) start(size image.Point) error {
	if err := os.MkdirAll(filepath.Dir(w.path), 0755); err != nil {
		return err
	}
	cmd := utils.NewFFmpegEncoder(w.ctx, w.path, w.fps, size.X, size.Y)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to create encoder stdin pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start encoder: %w", err)
	}
	log.Debug("Encoder started", "path", w.path, "size", size, "fps", w.fps)
	w.cmd, w.stdin, w.size = cmd, stdin, size
	return nil
}

// Frames returns the number of frames written so far.
func (w *Writer) Frames() int {
	return w.frames
}

// Close flushes the encoder and waits for it to exit.
func (w *Writer) Close() error {
	if w.cmd == nil {
		return fmt.Errorf("no frames written to %s", w.path)
	}
	if w.closed {
		return fmt.Errorf("writer for %s is closed", w.path)
	}
	w.closed = true
	w.stdin.Close()
	if err := w.cmd.Wait(); err != nil {
		return fmt.Errorf("encoder failed: %w: %s", err, strings.TrimSpace(w.cmd.Stderr.String()))
	}
	return nil
}

// Abort closes the encoder input and reaps the process without reporting
// encoder errors. It does nothing after Close, so it can be deferred.
func (w *Writer) Abort() {
	if w.cmd == nil || w.closed {
		return
	}
	w.closed = true
	w.stdin.Close()
	w.cmd.Wait()
	log.Debug("Encoder aborted", "path", w.path, "frames", w.frames)
}

// SaveFrame writes img as <dir>/<prefix><index>.jpg.
func SaveFrame(dir, prefix string, index int, img image.Image) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	f, err := os.Create(filepath.Join(dir, fmt.Sprintf("%s%d.jpg", prefix, index)))
	if err != nil {
		return err
	}
	if err := jpeg.Encode(f, img, &jpeg.Options{Quality: 95}); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
