package config

import (
	"errors"
	"fmt"
	"math"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validatePipeline(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validatePipeline() error {
	p := c.Pipeline
	switch p.Detector {
	case DetectorPython, DetectorONNX:
	default:
		return fmt.Errorf("pipeline.detector must be %q or %q, got %q", DetectorPython, DetectorONNX, p.Detector)
	}
	if p.FaceDetBatchSize < 1 {
		return errors.New("pipeline.face_det_batch_size must be positive")
	}
	if p.Wav2LipBatchSize < 1 {
		return errors.New("pipeline.wav2lip_batch_size must be positive")
	}
	if p.ImgSize < 2 {
		return errors.New("pipeline.img_size must be at least 2")
	}
	if len(p.Pads) != 4 {
		return fmt.Errorf("pipeline.pads must have 4 values (top, bottom, left, right), got %d", len(p.Pads))
	}
	if p.SmoothWindow < 1 {
		return errors.New("pipeline.smooth_window must be positive")
	}
	if p.ResizeFactor < 1 {
		return errors.New("pipeline.resize_factor must be at least 1")
	}
	if p.FPS <= 0 || math.IsInf(p.FPS, 0) || math.IsNaN(p.FPS) {
		return errors.New("pipeline.fps must be a positive finite number")
	}
	if p.Confidence < 0 || p.Confidence > 1 {
		return errors.New("pipeline.confidence must be between 0 and 1")
	}
	if p.WorkerTimeoutSeconds < 0 {
		return errors.New("pipeline.worker_timeout_seconds must not be negative")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}
	return nil
}
