package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds every tunable of a veil run. Values come from the environment first
// and are then overridden by command-line flags.
type Config struct {
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	FFmpegBin        string        `env:"FFMPEG_BIN"             envDefault:"ffmpeg"`
	FFprobeBin       string        `env:"FFPROBE_BIN"            envDefault:"ffprobe"`
	TranscodeTimeout time.Duration `env:"VEIL_TRANSCODE_TIMEOUT" envDefault:"30m"`
	FPS              float64       `env:"VEIL_FPS"               envDefault:"0"`

	Workers            int           `env:"VEIL_WORKERS"             envDefault:"1"`
	Detector           string        `env:"VEIL_DETECTOR"            envDefault:"python"`
	PythonBin          string        `env:"VEIL_PYTHON"              envDefault:"python3"`
	WorkerScript       string        `env:"VEIL_WORKER_SCRIPT"       envDefault:"python/worker.py"`
	DetectorTimeout    time.Duration `env:"VEIL_DETECTOR_TIMEOUT"    envDefault:"30s"`
	DetectionThreshold float64       `env:"VEIL_DETECTION_THRESHOLD" envDefault:"0.9"`
	CascadeFile        string        `env:"VEIL_CASCADE_FILE"        envDefault:"models/haarcascade_frontalface_default.xml"`

	BlurStyle    string `env:"VEIL_BLUR_STYLE"    envDefault:"gauss"`
	BlurRadius   int    `env:"VEIL_BLUR_RADIUS"   envDefault:"20"`
	Outline      bool   `env:"VEIL_OUTLINE"       envDefault:"false"`
	OutlineWidth int    `env:"VEIL_OUTLINE_WIDTH" envDefault:"2"`
	JPEGQuality  int    `env:"VEIL_JPEG_QUALITY"  envDefault:"95"`

	OutDir     string `env:"VEIL_OUT_DIR"     envDefault:"."`
	KeepFrames bool   `env:"VEIL_KEEP_FRAMES" envDefault:"false"`
	Fresh      bool   `env:"VEIL_FRESH"       envDefault:"false"`

	MetricsAddr string `env:"VEIL_METRICS_ADDR"`

	// DatabaseURL enables run history. When empty it is built from POSTGRES_* if POSTGRES_HOST is set.
	DatabaseURL      string `env:"VEIL_DB"`
	PostgresHost     string `env:"POSTGRES_HOST"`
	PostgresPort     string `env:"POSTGRES_PORT"     envDefault:"5432"`
	PostgresUser     string `env:"POSTGRES_USER"`
	PostgresPassword string `env:"POSTGRES_PASSWORD"`
	PostgresDB       string `env:"POSTGRES_DB"       envDefault:"veil"`
}

// Load parses the environment into a Config.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DSN returns the connection string for run history, or "" when history is disabled.
func (c *Config) DSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	if c.PostgresHost == "" {
		return ""
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s", c.PostgresUser, c.PostgresPassword, c.PostgresHost, c.PostgresPort, c.PostgresDB)
}

var validStyles = map[string]bool{"gauss": true, "box": true, "pixel": true, "black": true}
var validDetectors = map[string]bool{"python": true, "cascade": true}

// Validate checks the values that would otherwise fail deep inside a stage.
func (c *Config) Validate() error {
	if c.Workers < 1 {
		c.Workers = 1
	}
	if !validStyles[c.BlurStyle] {
		return fmt.Errorf("invalid blur style '%s'. Must be one of: gauss, box, pixel, black", c.BlurStyle)
	}
	if !validDetectors[c.Detector] {
		return fmt.Errorf("invalid detector '%s'. Must be 'python' or 'cascade'", c.Detector)
	}
	if c.BlurRadius < 1 {
		return fmt.Errorf("blur radius must be >= 1, got %d", c.BlurRadius)
	}
	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		return fmt.Errorf("jpeg quality must be between 1 and 100, got %d", c.JPEGQuality)
	}
	if c.Outline && c.OutlineWidth < 1 {
		return fmt.Errorf("outline width must be >= 1, got %d", c.OutlineWidth)
	}
	if c.FPS < 0 {
		return fmt.Errorf("fps must be >= 0 (0 = probe from source), got %f", c.FPS)
	}
	if c.DetectionThreshold <= 0 || c.DetectionThreshold > 1.0 {
		return fmt.Errorf("detection threshold must be between 0.0 and 1.0, got %f", c.DetectionThreshold)
	}
	if c.TranscodeTimeout <= 0 {
		return fmt.Errorf("transcode timeout must be positive, got %s", c.TranscodeTimeout)
	}
	if c.DetectorTimeout <= 0 {
		return fmt.Errorf("detector timeout must be positive, got %s", c.DetectorTimeout)
	}
	return nil
}
