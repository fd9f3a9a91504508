// Package config loads the detector configuration: defaults, then a YAML
// file, then PIECES_* environment variables. CLI flags are applied on top by
// the caller.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config represents the complete detector configuration
type Config struct {
	Model     ModelConfig     `yaml:"model"`
	Runtime   RuntimeConfig   `yaml:"runtime"`
	Detection DetectionConfig `yaml:"detection"`
	Camera    CameraConfig    `yaml:"camera"`
	Server    ServerConfig    `yaml:"server"`
	Pool      PoolConfig      `yaml:"pool"`
	Solver    SolverConfig    `yaml:"solver"`
	Log       LogConfig       `yaml:"log"`
}

// ModelConfig describes the ONNX detection model
type ModelConfig struct {
	Path       string `yaml:"path"`
	InputSize  int    `yaml:"input_size"`
	InputName  string `yaml:"input_name"`
	OutputName string `yaml:"output_name"`
	// OutputShape is used when the model declares dynamic output dimensions.
	OutputShape []int64 `yaml:"output_shape"`
	Warmup      bool    `yaml:"warmup"`
}

// RuntimeConfig locates the ONNX Runtime shared library
type RuntimeConfig struct {
	LibraryPath    string `yaml:"library_path"` // empty: search next to the binary and system paths
	IntraOpThreads int    `yaml:"intra_op_threads"`
	InterOpThreads int    `yaml:"inter_op_threads"`
}

// DetectionConfig tunes the pipeline
type DetectionConfig struct {
	ConfidenceThreshold float64       `yaml:"confidence_threshold"`
	IoUThreshold        float64       `yaml:"iou_threshold"`
	Interval            time.Duration `yaml:"interval"` // minimum time between cycle starts
	Tick                time.Duration `yaml:"tick"`     // display refresh period
}

// CameraConfig selects the frame source: "dir:<path>" replays images,
// "file:<path>" repeats one image.
type CameraConfig struct {
	Source string `yaml:"source"`
}

// ServerConfig contains HTTP settings
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// PoolConfig sizes the engine pool behind one-shot detection
type PoolConfig struct {
	Size           int           `yaml:"size"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
}

// SolverConfig selects where confirmed sets go; an empty path only logs.
type SolverConfig struct {
	OutputPath string `yaml:"output_path"`
}

// LogConfig contains logger settings
type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Model: ModelConfig{
			Path:       "models/pieces.onnx",
			InputSize:  640,
			InputName:  "images",
			OutputName: "output0",
			Warmup:     true,
		},
		Detection: DetectionConfig{
			ConfidenceThreshold: 0.5,
			IoUThreshold:        0.45,
			Interval:            200 * time.Millisecond,
			Tick:                time.Second / 60,
		},
		Server: ServerConfig{
			Addr:         "127.0.0.1:8080",
			ReadTimeout:  60 * time.Second,
			WriteTimeout: 60 * time.Second,
		},
		Pool: PoolConfig{
			Size:           4,
			AcquireTimeout: 5 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads the YAML file at path over the defaults, applies environment
// overrides and validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, "failed to read config file")
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrap(err, "failed to parse config")
		}
	}

	if err := ApplyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return cfg, nil
}

// EnvPrefix prefixes every environment override.
const EnvPrefix = "PIECES_"

// ApplyEnv overrides cfg from environment variables found by lookup.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"MODEL_PATH":           &cfg.Model.Path,
		"MODEL_INPUT_NAME":     &cfg.Model.InputName,
		"MODEL_OUTPUT_NAME":    &cfg.Model.OutputName,
		"RUNTIME_LIBRARY_PATH": &cfg.Runtime.LibraryPath,
		"CAMERA_SOURCE":        &cfg.Camera.Source,
		"SERVER_ADDR":          &cfg.Server.Addr,
		"SOLVER_OUTPUT_PATH":   &cfg.Solver.OutputPath,
		"LOG_LEVEL":            &cfg.Log.Level,
	}
	for key, dst := range strs {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"MODEL_INPUT_SIZE":         &cfg.Model.InputSize,
		"RUNTIME_INTRA_OP_THREADS": &cfg.Runtime.IntraOpThreads,
		"RUNTIME_INTER_OP_THREADS": &cfg.Runtime.InterOpThreads,
		"POOL_SIZE":                &cfg.Pool.Size,
	}
	for key, dst := range ints {
		if v, ok := lookup(EnvPrefix + key); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return errors.Wrapf(err, "%s%s", EnvPrefix, key)
			}
			*dst = n
		}
	}

	floats := map[string]*float64{
		"DETECTION_CONFIDENCE_THRESHOLD": &cfg.Detection.ConfidenceThreshold,
		"DETECTION_IOU_THRESHOLD":        &cfg.Detection.IoUThreshold,
	}
	for key, dst := range floats {
		if v, ok := lookup(EnvPrefix + key); ok {
			f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				return errors.Wrapf(err, "%s%s", EnvPrefix, key)
			}
			*dst = f
		}
	}

	durations := map[string]*time.Duration{
		"DETECTION_INTERVAL":   &cfg.Detection.Interval,
		"DETECTION_TICK":       &cfg.Detection.Tick,
		"SERVER_READ_TIMEOUT":  &cfg.Server.ReadTimeout,
		"SERVER_WRITE_TIMEOUT": &cfg.Server.WriteTimeout,
		"POOL_ACQUIRE_TIMEOUT": &cfg.Pool.AcquireTimeout,
	}
	for key, dst := range durations {
		if v, ok := lookup(EnvPrefix + key); ok {
			d, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				return errors.Wrapf(err, "%s%s", EnvPrefix, key)
			}
			*dst = d
		}
	}

	bools := map[string]*bool{
		"MODEL_WARMUP":    &cfg.Model.Warmup,
		"LOG_DEVELOPMENT": &cfg.Log.Development,
	}
	for key, dst := range bools {
		if v, ok := lookup(EnvPrefix + key); ok {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				return errors.Wrapf(err, "%s%s", EnvPrefix, key)
			}
			*dst = b
		}
	}
	return nil
}

// Source kinds accepted by CameraConfig.Source.
const (
	SourceDir  = "dir"
	SourceFile = "file"
)

// ParseSource splits a camera source into its kind and path.
func ParseSource(source string) (kind, path string, err error) {
	kind, path, ok := strings.Cut(source, ":")
	if !ok || path == "" {
		return "", "", errors.Errorf("camera source %q must be dir:<path> or file:<path>", source)
	}
	switch kind {
	case SourceDir, SourceFile:
		return kind, path, nil
	}
	return "", "", errors.Errorf("unknown camera source kind %q", kind)
}
