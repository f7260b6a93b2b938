package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeModels()
	c.normalizePipeline()
	c.normalizeLogging()
	c.normalizeDatabase()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.WorkDir) == "" {
		c.Paths.WorkDir = defaultWorkDir()
	}
	if c.Paths.WorkDir, err = expandPath(c.Paths.WorkDir); err != nil {
		return fmt.Errorf("paths.work_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.DiagnosticsDir) == "" {
		c.Paths.DiagnosticsDir = filepath.Join(c.Paths.WorkDir, "faulty_frames")
	}
	if c.Paths.DiagnosticsDir, err = expandPath(c.Paths.DiagnosticsDir); err != nil {
		return fmt.Errorf("paths.diagnostics_dir: %w", err)
	}
	if c.Paths.ResultsDir, err = expandPath(c.Paths.ResultsDir); err != nil {
		return fmt.Errorf("paths.results_dir: %w", err)
	}
	return nil
}

func (c *Config) normalizeModels() {
	c.Models.Python = strings.TrimSpace(c.Models.Python)
	if c.Models.Python == "" {
		c.Models.Python = "python3"
	}
	for _, p := range []*string{&c.Models.WorkerScript, &c.Models.DetectorModel, &c.Models.ONNXFaceModel, &c.Models.Checkpoint} {
		if expanded, err := expandPath(strings.TrimSpace(*p)); err == nil {
			*p = expanded
		}
	}
	c.Models.Device = strings.ToLower(strings.TrimSpace(c.Models.Device))
}

func (c *Config) normalizePipeline() {
	c.Pipeline.Detector = strings.ToLower(strings.TrimSpace(c.Pipeline.Detector))
	if c.Pipeline.Detector == "" {
		c.Pipeline.Detector = DetectorPython
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// normalizeDatabase fills the URL from DATABASE_URL or the POSTGRES_* variables.
func (c *Config) normalizeDatabase() {
	c.Database.URL = strings.TrimSpace(c.Database.URL)
	if c.Database.URL != "" {
		return
	}
	if value, ok := os.LookupEnv("DATABASE_URL"); ok {
		c.Database.URL = strings.TrimSpace(value)
		return
	}
	if host := os.Getenv("POSTGRES_HOST"); host != "" {
		user := os.Getenv("POSTGRES_USER")
		pass := os.Getenv("POSTGRES_PASSWORD")
		name := os.Getenv("POSTGRES_DB")
		port := os.Getenv("POSTGRES_PORT")
		if port == "" {
			port = "5432"
		}
		c.Database.URL = fmt.Sprintf("postgres://%s:%s@%s:%s/%s", user, pass, host, port, name)
	}
}
