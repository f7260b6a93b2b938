package pipeline

import (
	"fmt"
	"math"

	"github.com/andresmejia3/lipsync/internal/types"
)

const (
	// MelStepSize is the width, in mel frames, of every window fed to the generator.
	MelStepSize = 16
	// MelFramesPerSecond is the fixed frame rate of the mel-spectrogram.
	MelFramesPerSecond = 80
)

// ValidateMel rejects spectrograms that contain NaN values.
func ValidateMel(mel types.Mel) error {
	if len(mel.Data) != mel.Bins*mel.Steps {
		return fmt.Errorf("%w: mel has %d values, want %dx%d", ErrInvalidAudio, len(mel.Data), mel.Bins, mel.Steps)
	}
	for _, v := range mel.Data {
		if math.IsNaN(float64(v)) {
			return fmt.Errorf("%w: mel contains NaN, add a small epsilon noise to the wav file and try again", ErrInvalidAudio)
		}
	}
	return nil
}

// ChunkMel slices mel into MelStepSize-wide windows, one per video frame at fps.
// Window i starts at int(i*80/fps). When a window would run past the end, a final
// window anchored to the last MelStepSize steps is emitted instead.
func ChunkMel(mel types.Mel, fps float64) ([]types.MelWindow, error) {
	if !ValidFPS(fps) {
		return nil, fmt.Errorf("fps must be a positive finite number, got %v", fps)
	}
	if mel.Steps < MelStepSize {
		return nil, fmt.Errorf("%w: %d mel steps, need at least %d", ErrInvalidAudio, mel.Steps, MelStepSize)
	}

	multiplier := MelFramesPerSecond / fps
	var chunks []types.MelWindow
	for i := 0; ; i++ {
		start := int(float64(i) * multiplier)
		if start+MelStepSize > mel.Steps {
			chunks = append(chunks, melWindow(mel, mel.Steps-MelStepSize))
			break
		}
		chunks = append(chunks, melWindow(mel, start))
	}
	return chunks, nil
}

// ValidFPS reports whether fps is a usable frame rate.
func ValidFPS(fps float64) bool {
	return fps > 0 && !math.IsInf(fps, 0) && !math.IsNaN(fps)
}

func melWindow(mel types.Mel, start int) types.MelWindow {
	w := types.MelWindow{
		Start: start,
		Bins:  mel.Bins,
		Steps: MelStepSize,
		Data:  make([]float32, mel.Bins*MelStepSize),
	}
	for b := 0; b < mel.Bins; b++ {
		copy(w.Data[b*MelStepSize:(b+1)*MelStepSize], mel.Data[b*mel.Steps+start:b*mel.Steps+start+MelStepSize])
	}
	return w
}
