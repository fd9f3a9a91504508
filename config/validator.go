package config

import (
	"github.com/pkg/errors"
	"go.uber.org/zap/zapcore"
)

// Validate checks if the configuration is valid
func Validate(cfg *Config) error {
	if cfg.Model.Path == "" {
		return errors.New("model.path is required")
	}
	if cfg.Model.InputSize <= 0 {
		return errors.Errorf("model.input_size must be > 0, got %d", cfg.Model.InputSize)
	}
	for i, d := range cfg.Model.OutputShape {
		if d <= 0 {
			return errors.Errorf("model.output_shape[%d] must be > 0, got %d", i, d)
		}
	}

	if err := unitInterval("detection.confidence_threshold", cfg.Detection.ConfidenceThreshold); err != nil {
		return err
	}
	if err := unitInterval("detection.iou_threshold", cfg.Detection.IoUThreshold); err != nil {
		return err
	}
	if cfg.Detection.Interval <= 0 {
		return errors.Errorf("detection.interval must be > 0, got %v", cfg.Detection.Interval)
	}
	if cfg.Detection.Tick <= 0 {
		return errors.Errorf("detection.tick must be > 0, got %v", cfg.Detection.Tick)
	}

	if cfg.Camera.Source != "" {
		if _, _, err := ParseSource(cfg.Camera.Source); err != nil {
			return err
		}
	}

	if cfg.Server.Addr == "" {
		return errors.New("server.addr is required")
	}
	if cfg.Pool.Size <= 0 {
		return errors.Errorf("pool.size must be > 0, got %d", cfg.Pool.Size)
	}
	if cfg.Pool.AcquireTimeout <= 0 {
		return errors.Errorf("pool.acquire_timeout must be > 0, got %v", cfg.Pool.AcquireTimeout)
	}

	if _, err := zapcore.ParseLevel(cfg.Log.Level); err != nil {
		return errors.Wrap(err, "log.level")
	}
	return nil
}

func unitInterval(name string, v float64) error {
	if v < 0 || v > 1 {
		return errors.Errorf("%s must be within [0,1], got %v", name, v)
	}
	return nil
}
