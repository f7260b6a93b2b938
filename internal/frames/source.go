// Package frames produces decoded video frames in playback order.
//
// A Source can be opened any number of times; every Reader it returns yields
// the same frames in the same order, which lets callers loop a short clip
// under a longer audio track.
package frames

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/image/draw"
)

// Source opens fresh frame readers.
type Source interface {
	Open(ctx context.Context) (Reader, error)
}

// Reader yields frames one at a time and returns io.EOF when exhausted.
type Reader interface {
	Next() (*image.RGBA, error)
	Close() error
}

// imageExtensions are the still image formats a frame directory may contain.
var imageExtensions = map[string]bool{".jpg": true, ".jpeg": true, ".png": true}

// IsImagePath reports whether path has a recognized still image extension.
func IsImagePath(path string) bool {
	return imageExtensions[strings.ToLower(filepath.Ext(path))]
}

// FromPath picks a Source for path: a directory of frames, a still image or a
// video file. still reports whether the input is a single image.
func FromPath(path string) (src Source, still bool) {
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		return DirSource{Dir: path}, false
	}
	if IsImagePath(path) {
		return ImageSource{Path: path}, true
	}
	return VideoSource{Path: path}, false
}

// DirSource reads the images of a directory sorted by file name.
type DirSource struct {
	Dir string
}

// Open lists the directory and returns a reader over its images.
func (s DirSource) Open(ctx context.Context) (Reader, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return nil, fmt.Errorf("list frames: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && IsImagePath(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	paths := make([]string, len(names))
	for i, name := range names {
		paths[i] = filepath.Join(s.Dir, name)
	}
	return &fileReader{ctx: ctx, paths: paths}, nil
}

// ImageSource yields a single still image.
type ImageSource struct {
	Path string
}

// Open returns a reader over the one image.
func (s ImageSource) Open(ctx context.Context) (Reader, error) {
	return &fileReader{ctx: ctx, paths: []string{s.Path}}, nil
}

type fileReader struct {
	ctx   context.Context
	paths []string
	pos   int
}

func (r *fileReader) Next() (*image.RGBA, error) {
	if r.pos >= len(r.paths) {
		return nil, io.EOF
	}
	if err := r.ctx.Err(); err != nil {
		return nil, err
	}
	path := r.paths[r.pos]
	r.pos++
	return DecodeFile(path)
}

func (r *fileReader) Close() error { return nil }

// DecodeFile decodes a JPEG or PNG file into an RGBA frame.
func DecodeFile(path string) (*image.RGBA, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return ToRGBA(img), nil
}

// ToRGBA returns img as an *image.RGBA anchored at (0,0), copying when needed.
func ToRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok && rgba.Bounds().Min == (image.Point{}) {
		return rgba
	}
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}

// Clone returns a deep copy of img.
func Clone(img *image.RGBA) *image.RGBA {
	dst := &image.RGBA{
		Pix:    make([]uint8, len(img.Pix)),
		Stride: img.Stride,
		Rect:   img.Rect,
	}
	copy(dst.Pix, img.Pix)
	return dst
}

// First returns a Source that yields only the first frame of src.
// The frame is decoded once; every reader hands out its own copy.
func First(src Source) Source {
	return &firstSource{src: src}
}

type firstSource struct {
	src   Source
	frame *image.RGBA
}

func (s *firstSource) Open(ctx context.Context) (Reader, error) {
	if s.frame == nil {
		r, err := s.src.Open(ctx)
		if err != nil {
			return nil, err
		}
		frame, err := r.Next()
		r.Close()
		if err == io.EOF {
			return &onceReader{done: true}, nil
		}
		if err != nil {
			return nil, err
		}
		s.frame = frame
	}
	return &onceReader{frame: s.frame}, nil
}

type onceReader struct {
	frame *image.RGBA
	done  bool
}

func (r *onceReader) Next() (*image.RGBA, error) {
	if r.done {
		return nil, io.EOF
	}
	r.done = true
	return Clone(r.frame), nil
}

func (r *onceReader) Close() error { return nil }
