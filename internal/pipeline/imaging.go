package pipeline

import (
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/image/draw"

	"github.com/andresmejia3/lipsync/internal/types"
)

// cropCopy copies the pixels of rect out of img into a new image anchored at (0,0).
func cropCopy(img *image.RGBA, rect image.Rectangle) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
	draw.Draw(dst, dst.Bounds(), img, rect.Min, draw.Src)
	return dst
}

// resize scales img to a size x size square with bilinear interpolation.
func resize(img *image.RGBA, size int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst
}

// faceTensor lays out a square crop as HWC float32 with six channels:
// the crop with its lower half zeroed, then the untouched crop, both scaled to [0,1].
func faceTensor(img *image.RGBA) []float32 {
	size := img.Bounds().Dx()
	out := make([]float32, size*size*6)
	for y := 0; y < size; y++ {
		row := img.Pix[y*img.Stride:]
		masked := y >= size/2
		for x := 0; x < size; x++ {
			src := row[x*4 : x*4+3]
			dst := out[(y*size+x)*6:]
			for c := 0; c < 3; c++ {
				v := float32(src[c]) / 255
				if !masked {
					dst[c] = v
				}
				dst[3+c] = v
			}
		}
	}
	return out
}

// ClampBox pads b and clamps it to the bounds of a width x height frame.
// The result may be empty when b lies outside the frame; check it with Valid.
func ClampBox(b types.Box, pads types.Pads, width, height int) types.Box {
	return types.Box{
		X1: max(0, b.X1-pads.Left),
		Y1: max(0, b.Y1-pads.Top),
		X2: min(width, b.X2+pads.Right),
		Y2: min(height, b.Y2+pads.Bottom),
	}
}

// saveDiagnostic writes a frame that failed detection to dir for later inspection.
func saveDiagnostic(dir string, img image.Image) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, fmt.Sprintf("faulty_frame_%d.jpg", time.Now().UnixNano()))
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if err := jpeg.Encode(f, img, &jpeg.Options{Quality: 90}); err != nil {
		return "", err
	}
	return path, nil
}
