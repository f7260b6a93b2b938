package worker

import (
	"context"
	"fmt"
	"image"
	"time"

	"github.com/andresmejia3/lipsync/internal/types"
)

// LipSyncConfig describes how to launch the Wav2Lip generator.
type LipSyncConfig struct {
	Python      string
	Script      string
	Checkpoint  string
	Device      string
	ReadTimeout time.Duration
}

// LipSyncWorker runs the mel transform and the Wav2Lip generator in a Python subprocess.
type LipSyncWorker struct {
	*PythonWorker
}

// NewLipSyncWorker starts the generator script with its checkpoint loaded.
func NewLipSyncWorker(ctx context.Context, id int, cfg LipSyncConfig) (*LipSyncWorker, error) {
	args := []string{"--mode", "wav2lip", "--checkpoint", cfg.Checkpoint}
	if cfg.Device != "" {
		args = append(args, "--device", cfg.Device)
	}
	pw, err := NewPythonWorker(ctx, id, cfg.Python, cfg.Script, args...)
	if err != nil {
		return nil, err
	}
	pw.Timeout = cfg.ReadTimeout
	return &LipSyncWorker{PythonWorker: pw}, nil
}

// Forward runs the generator on a batch and returns one predicted face per item,
// as Size x Size RGBA images.
func (w *LipSyncWorker) Forward(ctx context.Context, batch *types.ModelBatch) ([]*image.RGBA, error) {
	body, err := encodeForward(batch)
	if err != nil {
		return nil, err
	}
	r, err := w.call(ctx, opForward, body)
	if err != nil {
		return nil, err
	}
	faces, err := decodeForward(r, batch.Len())
	if err != nil {
		return nil, fmt.Errorf("worker %d: %w", w.ID, err)
	}
	return faces, nil
}

// Melspectrogram computes the mel-spectrogram of a 16 kHz wav file.
func (w *LipSyncWorker) Melspectrogram(ctx context.Context, wavPath string) (types.Mel, error) {
	r, err := w.call(ctx, opMel, encodeMel(wavPath))
	if err != nil {
		return types.Mel{}, err
	}
	mel, err := decodeMel(r)
	if err != nil {
		return types.Mel{}, fmt.Errorf("worker %d: %w", w.ID, err)
	}
	return mel, nil
}
