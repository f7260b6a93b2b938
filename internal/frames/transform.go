package frames

import (
	"context"
	"image"

	"golang.org/x/image/draw"
)

// Crop selects a region of every frame as (top, bottom, left, right) in pixels.
// A bottom or right of -1 extends to the frame edge.
type Crop struct {
	Top, Bottom, Left, Right int
}

// NoCrop keeps the whole frame.
var NoCrop = Crop{Top: 0, Bottom: -1, Left: 0, Right: -1}

// TransformConfig describes the per-frame adjustments applied before detection.
type TransformConfig struct {
	// ResizeFactor divides both frame dimensions. Values below 2 keep the size.
	ResizeFactor int
	// Rotate turns frames 90 degrees clockwise.
	Rotate bool
	Crop   Crop
}

// Identity reports whether the config leaves frames untouched.
func (c TransformConfig) Identity() bool {
	return c.ResizeFactor <= 1 && !c.Rotate && c.Crop == NoCrop
}

// Transform wraps src so every frame is resized, rotated and cropped, in that order.
func Transform(src Source, cfg TransformConfig) Source {
	if cfg.Identity() {
		return src
	}
	return transformSource{src: src, cfg: cfg}
}

type transformSource struct {
	src Source
	cfg TransformConfig
}

func (s transformSource) Open(ctx context.Context) (Reader, error) {
	r, err := s.src.Open(ctx)
	if err != nil {
		return nil, err
	}
	return transformReader{Reader: r, cfg: s.cfg}, nil
}

type transformReader struct {
	Reader
	cfg TransformConfig
}

func (r transformReader) Next() (*image.RGBA, error) {
	frame, err := r.Reader.Next()
	if err != nil {
		return nil, err
	}
	return Apply(frame, r.cfg), nil
}

// Apply runs the transform on a single frame.
func Apply(frame *image.RGBA, cfg TransformConfig) *image.RGBA {
	if cfg.ResizeFactor > 1 {
		b := frame.Bounds()
		w, h := max(b.Dx()/cfg.ResizeFactor, 1), max(b.Dy()/cfg.ResizeFactor, 1)
		dst := image.NewRGBA(image.Rect(0, 0, w, h))
		draw.BiLinear.Scale(dst, dst.Bounds(), frame, b, draw.Src, nil)
		frame = dst
	}
	if cfg.Rotate {
		frame = rotateClockwise(frame)
	}
	return cropFrame(frame, cfg.Crop)
}

func rotateClockwise(src *image.RGBA) *image.RGBA {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	dst := image.NewRGBA(image.Rect(0, 0, h, w))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			so := y*src.Stride + x*4
			// (x, y) lands on column h-1-y, row x.
			do := x*dst.Stride + (h-1-y)*4
			copy(dst.Pix[do:do+4], src.Pix[so:so+4])
		}
	}
	return dst
}

func cropFrame(frame *image.RGBA, c Crop) *image.RGBA {
	if c == NoCrop {
		return frame
	}
	b := frame.Bounds()
	bottom, right := c.Bottom, c.Right
	if bottom == -1 {
		bottom = b.Dy()
	}
	if right == -1 {
		right = b.Dx()
	}
	rect := image.Rect(c.Left, c.Top, right, bottom).Intersect(image.Rect(0, 0, b.Dx(), b.Dy()))
	if rect.Empty() {
		return frame
	}
	dst := image.NewRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
	draw.Draw(dst, dst.Bounds(), frame, rect.Min.Add(b.Min), draw.Src)
	return dst
}
