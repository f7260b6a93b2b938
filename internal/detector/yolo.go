// Package detector runs a YOLO face model in-process through OpenCV's DNN module.
package detector

import (
	"context"
	"fmt"
	"image"
	"os"
	"sync"

	"gocv.io/x/gocv"

	"github.com/andresmejia3/lipsync/internal/log"
	"github.com/andresmejia3/lipsync/internal/types"
)

// Config holds YOLO face detector configuration.
type Config struct {
	ModelPath        string
	ConfidenceThresh float32
	NMSThresh        float32
	InputWidth       int
	InputHeight      int
}

// DefaultConfig returns defaults for a YOLOv8n face export.
func DefaultConfig() Config {
	return Config{
		ModelPath:        "models/yolov8n-face.onnx",
		ConfidenceThresh: 0.5,
		NMSThresh:        0.45,
		InputWidth:       640,
		InputHeight:      640,
	}
}

// YOLO detects the most confident face of each image.
type YOLO struct {
	net       gocv.Net
	config    Config
	mu        sync.Mutex
	inputSize image.Point
}

// NewYOLO loads the ONNX model at cfg.ModelPath.
func NewYOLO(cfg Config) (*YOLO, error) {
	if _, err := os.Stat(cfg.ModelPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("model file not found: %s", cfg.ModelPath)
	}

	net := gocv.ReadNetFromONNX(cfg.ModelPath)
	if net.Empty() {
		return nil, fmt.Errorf("failed to load YOLO model from %s", cfg.ModelPath)
	}

	net.SetPreferableBackend(gocv.NetBackendDefault)
	net.SetPreferableTarget(gocv.NetTargetCPU)

	return &YOLO{
		net:       net,
		config:    cfg,
		inputSize: image.Pt(cfg.InputWidth, cfg.InputHeight),
	}, nil
}

// Predict returns one box per image, nil where no face clears the threshold.
func (d *YOLO) Predict(ctx context.Context, images []*image.RGBA) ([]*types.Box, error) {
	out := make([]*types.Box, len(images))
	for i, img := range images {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		box, err := d.detect(img)
		if err != nil {
			return nil, fmt.Errorf("image %d: %w", i, err)
		}
		out[i] = box
	}
	return out, nil
}

func (d *YOLO) detect(img *image.RGBA) (*types.Box, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	mat, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return nil, fmt.Errorf("convert image: %w", err)
	}
	defer mat.Close()

	if mat.Empty() {
		return nil, fmt.Errorf("empty image")
	}

	imgW := float32(mat.Cols())
	imgH := float32(mat.Rows())

	blob := gocv.BlobFromImage(mat, 1.0/255.0, d.inputSize, gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	d.net.SetInput(blob, "")
	output := d.net.Forward("")
	defer output.Close()

	return d.parseOutput(output, imgW, imgH)
}

// parseOutput reads a [1, 4+K, N] YOLOv8 tensor where column 4 is the face score.
// Trailing landmark columns are ignored.
func (d *YOLO) parseOutput(output gocv.Mat, imgW, imgH float32) (*types.Box, error) {
	dims := output.Size()
	if len(dims) != 3 || dims[1] < 5 {
		return nil, fmt.Errorf("unexpected YOLO output shape %v", dims)
	}
	attrs, rows := dims[1], dims[2]
	data, err := output.DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("read YOLO output: %w", err)
	}
	if len(data) < attrs*rows {
		return nil, fmt.Errorf("YOLO output holds %d values, want %d", len(data), attrs*rows)
	}

	var boxes []image.Rectangle
	var confidences []float32
	for i := 0; i < rows; i++ {
		score := data[4*rows+i]
		if score < d.config.ConfidenceThresh {
			continue
		}

		// Center x, center y, width, height in model input pixels.
		cx := data[0*rows+i]
		cy := data[1*rows+i]
		w := data[2*rows+i]
		h := data[3*rows+i]

		x1 := int((cx - w/2) * imgW / float32(d.config.InputWidth))
		y1 := int((cy - h/2) * imgH / float32(d.config.InputHeight))
		x2 := int((cx + w/2) * imgW / float32(d.config.InputWidth))
		y2 := int((cy + h/2) * imgH / float32(d.config.InputHeight))

		boxes = append(boxes, image.Rect(x1, y1, x2, y2))
		confidences = append(confidences, score)
	}

	if len(boxes) == 0 {
		return nil, nil
	}

	indices := gocv.NMSBoxes(boxes, confidences, d.config.ConfidenceThresh, d.config.NMSThresh)
	best := -1
	for _, idx := range indices {
		if best == -1 || confidences[idx] > confidences[best] {
			best = idx
		}
	}
	if best == -1 {
		return nil, nil
	}

	r := boxes[best]
	log.Debug("YOLO face", "box", r, "confidence", confidences[best])
	return &types.Box{X1: r.Min.X, Y1: r.Min.Y, X2: r.Max.X, Y2: r.Max.Y}, nil
}

// Close releases the network.
func (d *YOLO) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.net.Close()
}
