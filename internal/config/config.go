package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"
)

const (
	defaultConfigPath = "~/.config/emalign/config.json"

	// MaxWorkers caps the worker pool regardless of CPU count.
	MaxWorkers = 48
)

// Config holds user-editable settings for the alignment pipeline.
type Config struct {
	Processing Processing `json:"processing"`
	Logging    Logging    `json:"logging"`
	Paths      Paths      `json:"paths"`
	Alignment  Alignment  `json:"alignment"`
	Tools      Tools      `json:"tools"`
	Server     Server     `json:"server"`
}

// Processing captures execution preferences.
type Processing struct {
	ParallelJobs int      `json:"parallel_jobs"` // <= 0 means CPU count
	JobTimeout   Duration `json:"job_timeout"`   // 0 disables the per-task timeout
	Retries      int      `json:"retries"`
	TempDir      string   `json:"temp_dir"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level"`       // debug, info, warn, error
	Format     string `json:"format"`      // text, json
	FileOutput bool   `json:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir"`
}

// Paths configures default locations.
type Paths struct {
	DatabasePath       string `json:"database_path"`
	DefaultDestination string `json:"default_destination"`
}

// Alignment holds the control defaults applied to new or incomplete layers.
type Alignment struct {
	WinScaleFactor  float64 `json:"win_scale_factor"`
	WhiteningFactor float64 `json:"whitening_factor"`
	Iterations      int     `json:"iterations"`
	PolyOrder       int     `json:"poly_order"`
	NullCafmTrends  bool    `json:"null_cafm_trends"`
	UseBoundingRect bool    `json:"use_bounding_rect"`
	Correlator      string  `json:"correlator"` // auto, swim, native
}

// Tools locates external binaries and picks the resample backend.
type Tools struct {
	Swim      string `json:"swim"`
	Mir       string `json:"mir"`
	Iscale2   string `json:"iscale2"`
	Resampler string `json:"resampler"` // native, imagick, iscale2
}

// Server configures the monitoring endpoints.
type Server struct {
	Addr     string `json:"addr"`
	GRPCAddr string `json:"grpc_addr"`
}

// Duration marshals as a Go duration string ("90s", "10m").
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		var n float64
		if err2 := json.Unmarshal(b, &n); err2 != nil {
			return fmt.Errorf("duration must be a string or seconds: %w", err)
		}
		d.Duration = time.Duration(n * float64(time.Second))
		return nil
	}
	if s == "" {
		d.Duration = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	cfg := Default()

	configPath := os.Getenv("EMALIGN_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}

	expanded, err := expandUser(configPath)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", expanded, err)
	}

	return cfg, cfg.Validate()
}

// Path reports the config file location Load would read.
func Path() string {
	if p := os.Getenv("EMALIGN_CONFIG"); p != "" {
		return p
	}
	return defaultConfigPath
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Processing: Processing{
			ParallelJobs: 0,
			JobTimeout:   Duration{30 * time.Minute},
			Retries:      0,
			TempDir:      os.TempDir(),
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: false,
			LogDir:     "./logs",
		},
		Paths: Paths{
			DatabasePath: filepath.Join(os.TempDir(), "emalign.db"),
		},
		Alignment: Alignment{
			WinScaleFactor:  0.8125,
			WhiteningFactor: -0.68,
			Iterations:      2,
			PolyOrder:       0,
			NullCafmTrends:  false,
			UseBoundingRect: true,
			Correlator:      "auto",
		},
		Tools: Tools{
			Swim:      "swim",
			Mir:       "mir",
			Iscale2:   "iscale2",
			Resampler: "native",
		},
		Server: Server{
			Addr:     ":8080",
			GRPCAddr: ":9090",
		},
	}
}

// Validate rejects values the pipeline cannot run with.
func (c *Config) Validate() error {
	a := c.Alignment
	if a.WinScaleFactor <= 0 || a.WinScaleFactor > 1 {
		return fmt.Errorf("alignment.win_scale_factor must be in (0,1], got %v", a.WinScaleFactor)
	}
	if a.Iterations < 1 {
		return fmt.Errorf("alignment.iterations must be >= 1, got %d", a.Iterations)
	}
	if a.PolyOrder < 0 {
		return fmt.Errorf("alignment.poly_order must be >= 0, got %d", a.PolyOrder)
	}
	switch a.Correlator {
	case "", "auto", "swim", "native":
	default:
		return fmt.Errorf("alignment.correlator must be auto, swim or native, got %q", a.Correlator)
	}
	switch c.Tools.Resampler {
	case "", "native", "imagick", "iscale2":
	default:
		return fmt.Errorf("tools.resampler must be native, imagick or iscale2, got %q", c.Tools.Resampler)
	}
	if c.Processing.Retries < 0 {
		return fmt.Errorf("processing.retries must be >= 0")
	}
	return nil
}

// Workers resolves the configured parallelism to a usable worker count.
func (p Processing) Workers() int {
	return ClampWorkers(p.ParallelJobs)
}

// ClampWorkers maps n <= 0 to the CPU count and caps the result at MaxWorkers.
func ClampWorkers(n int) int {
	if n <= 0 {
		n = runtime.NumCPU()
	}
	if n > MaxWorkers {
		n = MaxWorkers
	}
	if n < 1 {
		n = 1
	}
	return n
}

// ExpandUser resolves a leading "~" against the home directory.
func ExpandUser(path string) (string, error) {
	return expandUser(path)
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
