package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains working directory configuration.
type Paths struct {
	WorkDir        string `toml:"work_dir"`
	DiagnosticsDir string `toml:"diagnostics_dir"`
	ResultsDir     string `toml:"results_dir"`
}

// Models contains the locations of the Python workers and their weights.
type Models struct {
	Python        string `toml:"python"`
	WorkerScript  string `toml:"worker_script"`
	DetectorModel string `toml:"detector_model"`
	ONNXFaceModel string `toml:"onnx_face_model"`
	Checkpoint    string `toml:"checkpoint"`
	Device        string `toml:"device"`
}

// Pipeline contains the defaults of the sync command.
type Pipeline struct {
	Detector             string  `toml:"detector"`
	FaceDetBatchSize     int     `toml:"face_det_batch_size"`
	Wav2LipBatchSize     int     `toml:"wav2lip_batch_size"`
	ImgSize              int     `toml:"img_size"`
	Pads                 []int   `toml:"pads"`
	Smooth               bool    `toml:"smooth"`
	SmoothWindow         int     `toml:"smooth_window"`
	ResizeFactor         int     `toml:"resize_factor"`
	FPS                  float64 `toml:"fps"`
	Confidence           float64 `toml:"confidence"`
	WorkerTimeoutSeconds int     `toml:"worker_timeout_seconds"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Database contains the optional run history connection.
type Database struct {
	URL string `toml:"url"`
}

// Config encapsulates all configuration values for lipsync.
//
// Configuration sections by subsystem:
//   - Paths: scratch, diagnostics and result directories
//   - Models: Python interpreter, worker script and weights
//   - Pipeline: detection and generation defaults for sync
//   - Logging: log format and level
//   - Database: PostgreSQL run history
type Config struct {
	Paths    Paths    `toml:"paths"`
	Models   Models   `toml:"models"`
	Pipeline Pipeline `toml:"pipeline"`
	Logging  Logging  `toml:"logging"`
	Database Database `toml:"database"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Paths: Paths{
			WorkDir:        defaultWorkDir(),
			DiagnosticsDir: filepath.Join(defaultWorkDir(), "faulty_frames"),
			ResultsDir:     "results",
		},
		Models: Models{
			Python:        "python3",
			WorkerScript:  "python/worker.py",
			DetectorModel: "models/yolov8n-face.pt",
			ONNXFaceModel: "models/yolov8n-face.onnx",
			Checkpoint:    "checkpoints/wav2lip_gan.pth",
		},
		Pipeline: Pipeline{
			Detector:             DetectorPython,
			FaceDetBatchSize:     16,
			Wav2LipBatchSize:     1,
			ImgSize:              96,
			Pads:                 []int{0, 0, 0, 0},
			Smooth:               true,
			SmoothWindow:         5,
			ResizeFactor:         1,
			FPS:                  25,
			Confidence:           0.5,
			WorkerTimeoutSeconds: 300,
		},
		Logging: Logging{
			Format: "text",
			Level:  "info",
		},
	}
}

// Detector backends.
const (
	DetectorPython = "python"
	DetectorONNX   = "onnx"
)

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/lipsync/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("lipsync.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// WorkerTimeout returns the per-call reply timeout of the Python workers.
func (c *Config) WorkerTimeout() time.Duration {
	return time.Duration(c.Pipeline.WorkerTimeoutSeconds) * time.Second
}

// EnsureDirectories creates the scratch and diagnostics directories.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.WorkDir, c.Paths.DiagnosticsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

func defaultWorkDir() string {
	if base, ok := os.LookupEnv("XDG_CACHE_HOME"); ok && strings.TrimSpace(base) != "" {
		return filepath.Join(base, "lipsync")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "~/.cache/lipsync"
	}
	return filepath.Join(home, ".cache", "lipsync")
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
