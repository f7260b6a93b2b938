package worker

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"image"
	"io"
	"math"

	"github.com/andresmejia3/lipsync/internal/types"
)

// encodeDetect packs images as [n] then [w][h][RGB...] per image.
func encodeDetect(images []*image.RGBA) []byte {
	size := 4
	for _, img := range images {
		b := img.Bounds()
		size += 8 + b.Dx()*b.Dy()*3
	}
	buf := bytes.NewBuffer(make([]byte, 0, size))
	binary.Write(buf, binary.BigEndian, uint32(len(images)))
	for _, img := range images {
		b := img.Bounds()
		binary.Write(buf, binary.BigEndian, [2]uint32{uint32(b.Dx()), uint32(b.Dy())})
		rgb := make([]byte, 0, b.Dx()*3)
		for y := b.Min.Y; y < b.Max.Y; y++ {
			row := img.Pix[img.PixOffset(b.Min.X, y):]
			rgb = rgb[:0]
			for x := 0; x < b.Dx(); x++ {
				rgb = append(rgb, row[x*4], row[x*4+1], row[x*4+2])
			}
			buf.Write(rgb)
		}
	}
	return buf.Bytes()
}

// decodeDetect reads [n] then [found][x1 y1 x2 y2 as f32] per image.
func decodeDetect(r io.Reader, want int) ([]*types.Box, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, fmt.Errorf("read detection count: %w", err)
	}
	if int(n) != want {
		return nil, fmt.Errorf("worker returned %d detections for %d images", n, want)
	}

	boxes := make([]*types.Box, n)
	for i := range boxes {
		var rec struct {
			Found  uint8
			Coords [4]float32
		}
		if err := binary.Read(r, binary.BigEndian, &rec); err != nil {
			return nil, fmt.Errorf("read detection %d: %w", i, err)
		}
		if rec.Found == 0 {
			continue
		}
		boxes[i] = &types.Box{
			X1: int(rec.Coords[0]),
			Y1: int(rec.Coords[1]),
			X2: int(rec.Coords[2]),
			Y2: int(rec.Coords[3]),
		}
	}
	return boxes, nil
}

// encodeForward packs a model batch: header, face tensors, then mel windows.
func encodeForward(batch *types.ModelBatch) ([]byte, error) {
	n := batch.Len()
	if n == 0 {
		return nil, fmt.Errorf("empty batch")
	}
	bins, steps := batch.Mels[0].Bins, batch.Mels[0].Steps
	faceLen := batch.Size * batch.Size * 6

	buf := bytes.NewBuffer(make([]byte, 0, 16+4*n*(faceLen+bins*steps)))
	binary.Write(buf, binary.BigEndian, [4]uint32{uint32(n), uint32(batch.Size), uint32(bins), uint32(steps)})
	for i, face := range batch.Faces {
		if len(face) != faceLen {
			return nil, fmt.Errorf("face %d has %d values, want %d", i, len(face), faceLen)
		}
		writeFloats(buf, face)
	}
	for i, mel := range batch.Mels {
		if mel.Bins != bins || mel.Steps != steps || len(mel.Data) != bins*steps {
			return nil, fmt.Errorf("mel window %d has shape %dx%d, want %dx%d", i, mel.Bins, mel.Steps, bins, steps)
		}
		writeFloats(buf, mel.Data)
	}
	return buf.Bytes(), nil
}

// decodeForward reads [n][size] then n RGB faces of size x size.
func decodeForward(r io.Reader, want int) ([]*image.RGBA, error) {
	var hdr [2]uint32
	if err := binary.Read(r, binary.BigEndian, &hdr); err != nil {
		return nil, fmt.Errorf("read prediction header: %w", err)
	}
	n, size := int(hdr[0]), int(hdr[1])
	if n != want {
		return nil, fmt.Errorf("worker returned %d predictions for %d inputs", n, want)
	}

	out := make([]*image.RGBA, n)
	rgb := make([]byte, size*size*3)
	for i := range out {
		if _, err := io.ReadFull(r, rgb); err != nil {
			return nil, fmt.Errorf("read prediction %d: %w", i, err)
		}
		img := image.NewRGBA(image.Rect(0, 0, size, size))
		for p := 0; p < size*size; p++ {
			img.Pix[p*4] = rgb[p*3]
			img.Pix[p*4+1] = rgb[p*3+1]
			img.Pix[p*4+2] = rgb[p*3+2]
			img.Pix[p*4+3] = 0xFF
		}
		out[i] = img
	}
	return out, nil
}

func encodeMel(path string) []byte {
	buf := bytes.NewBuffer(make([]byte, 0, 4+len(path)))
	binary.Write(buf, binary.BigEndian, uint32(len(path)))
	buf.WriteString(path)
	return buf.Bytes()
}

// decodeMel reads [bins][steps] then bins*steps float32 values, row-major.
func decodeMel(r io.Reader) (types.Mel, error) {
	var hdr [2]uint32
	if err := binary.Read(r, binary.BigEndian, &hdr); err != nil {
		return types.Mel{}, fmt.Errorf("read mel header: %w", err)
	}
	mel := types.Mel{Bins: int(hdr[0]), Steps: int(hdr[1])}
	mel.Data = make([]float32, mel.Bins*mel.Steps)
	if err := binary.Read(r, binary.BigEndian, mel.Data); err != nil {
		return types.Mel{}, fmt.Errorf("read mel values: %w", err)
	}
	return mel, nil
}

func writeFloats(buf *bytes.Buffer, vals []float32) {
	var b [4]byte
	for _, v := range vals {
		binary.BigEndian.PutUint32(b[:], math.Float32bits(v))
		buf.Write(b[:])
	}
}
