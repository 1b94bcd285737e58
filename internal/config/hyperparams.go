package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

// HyperParams is the tuned parameter set stored in best_hyperparams.json.
// Zero values mean "not tuned".
type HyperParams struct {
	ZThreshold    float64 `json:"z_threshold"`
	LookbackDays  int     `json:"lookback_days"`
	RollingWindow int     `json:"rolling_window"`
	KalmanCov     float64 `json:"kalman_cov"`
}

// LoadHyperParams reads the tuned parameters. A missing file is reported
// with an error that satisfies errors.Is(err, os.ErrNotExist).
func LoadHyperParams(path string) (HyperParams, error) {
	var h HyperParams
	data, err := os.ReadFile(path)
	if err != nil {
		return h, err
	}
	if err := json.Unmarshal(data, &h); err != nil {
		return h, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return h, nil
}

// SaveHyperParams writes h as indented JSON, replacing any existing file.
func SaveHyperParams(path string, h HyperParams) error {
	data, err := json.MarshalIndent(h, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return os.Rename(tmp, path)
}

// Apply overlays the tuned values onto c and revalidates.
func (h HyperParams) Apply(c *Config) error {
	if h.ZThreshold > 0 {
		c.Trading.ZThreshold = h.ZThreshold
	}
	if h.LookbackDays > 0 {
		c.Trading.LookbackDays = h.LookbackDays
	}
	if h.RollingWindow > 0 {
		c.Trading.RollingWindow = h.RollingWindow
	}
	if h.KalmanCov > 0 {
		c.Trading.KalmanCov = h.KalmanCov
	}
	return c.Validate()
}

// ApplyBest overlays c.HyperParamsFile onto c when the file exists. A
// missing file leaves c untouched.
func ApplyBest(c *Config, logger *logrus.Logger) error {
	best, err := LoadHyperParams(c.HyperParamsFile)
	if errors.Is(err, os.ErrNotExist) {
		logger.WithField("file", c.HyperParamsFile).Warn("Best hyperparameters not found, falling back to defaults")
		return nil
	}
	if err != nil {
		return err
	}
	if err := best.Apply(c); err != nil {
		return fmt.Errorf("%s: %w", c.HyperParamsFile, err)
	}
	logger.WithField("file", c.HyperParamsFile).Info("Loaded best hyperparameters")
	return nil
}
