package config

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/gregtusar/pairs/pkg/models"
	"github.com/gregtusar/pairs/pkg/secrets"
	"github.com/gregtusar/pairs/pkg/signals"
	"github.com/sirupsen/logrus"
)

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// chdirTemp runs the test from an empty directory so no stray .env or
// config.yaml is picked up.
func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Chdir(wd) })
	return dir
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, env := range envKeys {
		t.Setenv(env, "")
		os.Unsetenv(env)
	}
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)
	clearEnv(t)

	cfg, err := Load("", newTestLogger())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Trading.ZThreshold != 1.5 || cfg.Trading.RollingWindow != 60 || cfg.Trading.LookbackDays != 90 {
		t.Errorf("trading defaults = %+v", cfg.Trading)
	}
	if cfg.Trading.MaxPairs != 10 || cfg.Trading.Notional != 50 {
		t.Errorf("MaxPairs/Notional = %d/%v", cfg.Trading.MaxPairs, cfg.Trading.Notional)
	}
	if !reflect.DeepEqual(cfg.Trading.Universe, DefaultUniverse) {
		t.Errorf("Universe = %v", cfg.Trading.Universe)
	}
	if cfg.Trading.LiveMode != "polling" || cfg.Trading.OrderType != "market" {
		t.Errorf("LiveMode/OrderType = %q/%q", cfg.Trading.LiveMode, cfg.Trading.OrderType)
	}
	if !cfg.Alpaca.Paper {
		t.Error("paper trading should be the default")
	}
	if cfg.SignalsConfig().Estimator != signals.EstimatorMoving {
		t.Errorf("Estimator = %q", cfg.SignalsConfig().Estimator)
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	chdirTemp(t)
	clearEnv(t)
	t.Setenv("Z_THRESHOLD", "2.25")
	t.Setenv("ROLLING_WINDOW", "30")
	t.Setenv("ORDER_TYPE", "LIMIT")
	t.Setenv("PEG_DISTANCE", "0.002")
	t.Setenv("SPLIT_NOTIONAL", "1.0")
	t.Setenv("LIVE_MODE", "websocket")
	t.Setenv("UNIVERSE", "ko, pep ,KO,xom")
	t.Setenv("ESTIMATOR", "kalman")

	cfg, err := Load("", newTestLogger())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Trading.ZThreshold != 2.25 || cfg.Trading.RollingWindow != 30 {
		t.Errorf("Z/window = %v/%d", cfg.Trading.ZThreshold, cfg.Trading.RollingWindow)
	}
	pos := cfg.PositionConfig()
	if pos.OrderType != models.OrderTypeLimit || pos.PegDistance != 0.002 || !pos.SplitNotional {
		t.Errorf("PositionConfig() = %+v", pos)
	}
	if cfg.Trading.LiveMode != "websocket" {
		t.Errorf("LiveMode = %q", cfg.Trading.LiveMode)
	}
	if want := []string{"KO", "PEP", "XOM"}; !reflect.DeepEqual(cfg.Trading.Universe, want) {
		t.Errorf("Universe = %v, want %v", cfg.Trading.Universe, want)
	}
	if cfg.SignalsConfig().Estimator != signals.EstimatorKalman {
		t.Errorf("Estimator = %q", cfg.SignalsConfig().Estimator)
	}
}

func TestLoadConfigFile(t *testing.T) {
	dir := chdirTemp(t)
	clearEnv(t)
	path := filepath.Join(dir, "pairs.yaml")
	yaml := "trading:\n  max_pairs: 3\n  universe: [KO, PEP]\nserver:\n  port: 9090\n"
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("API_PORT", "9191")

	cfg, err := Load(path, newTestLogger())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Trading.MaxPairs != 3 {
		t.Errorf("MaxPairs = %d, want 3", cfg.Trading.MaxPairs)
	}
	if !reflect.DeepEqual(cfg.Trading.Universe, []string{"KO", "PEP"}) {
		t.Errorf("Universe = %v", cfg.Trading.Universe)
	}
	if cfg.Server.Port != 9191 {
		t.Errorf("Port = %d, environment should win over file", cfg.Server.Port)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "unknown live mode", env: map[string]string{"LIVE_MODE": "carrier-pigeon"}},
		{name: "unknown order type", env: map[string]string{"ORDER_TYPE": "stop"}},
		{name: "non-numeric threshold", env: map[string]string{"Z_THRESHOLD": "high"}},
		{name: "negative threshold", env: map[string]string{"Z_THRESHOLD": "-1"}},
		{name: "zero window", env: map[string]string{"ROLLING_WINDOW": "0"}},
		{name: "zero polling interval", env: map[string]string{"POLLING_INTERVAL_MINUTES": "0"}},
		{name: "single symbol universe", env: map[string]string{"UNIVERSE": "AAPL"}},
		{name: "bad split flag", env: map[string]string{"SPLIT_NOTIONAL": "sometimes"}},
		{name: "unknown estimator", env: map[string]string{"ESTIMATOR": "ewma"}},
		{name: "stop inside entry threshold", env: map[string]string{"STOP_Z": "1"}},
		{name: "negative stop", env: map[string]string{"STOP_Z": "-3"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chdirTemp(t)
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := Load("", newTestLogger()); err == nil {
				t.Fatal("Load() succeeded, want error")
			}
		})
	}
}

func TestValidateWrapsSentinel(t *testing.T) {
	chdirTemp(t)
	clearEnv(t)
	cfg, err := Load("", newTestLogger())
	if err != nil {
		t.Fatal(err)
	}
	cfg.Trading.Significance = 1.5
	if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Validate() = %v, want ErrInvalidConfig", err)
	}
	if err := cfg.ValidateLive(); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("ValidateLive() without keys = %v, want ErrInvalidConfig", err)
	}
}

type fakeSecrets struct {
	values map[string]string
	closed bool
}

func (f *fakeSecrets) GetSecretWithDefault(ctx context.Context, name, def string) string {
	if v, ok := f.values[name]; ok {
		return v
	}
	return def
}

func (f *fakeSecrets) Close() error {
	f.closed = true
	return nil
}

func TestLoadSecretsOnlyFillsMissing(t *testing.T) {
	chdirTemp(t)
	clearEnv(t)
	t.Setenv("GCP_USE_SECRETS", "true")
	t.Setenv("GCP_PROJECT_ID", "proj")
	t.Setenv("ALPACA_KEY", "env-key")

	names := secrets.DefaultSecretNames()
	fake := &fakeSecrets{values: map[string]string{
		names.AlpacaKey:    "secret-key",
		names.AlpacaSecret: "secret-secret",
	}}
	orig := newSecretSource
	newSecretSource = func(ctx context.Context, projectID string, logger *logrus.Logger) (secrets.Source, error) {
		return fake, nil
	}
	t.Cleanup(func() { newSecretSource = orig })

	cfg, err := Load("", newTestLogger())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Alpaca.Key != "env-key" {
		t.Errorf("Key = %q, environment should win", cfg.Alpaca.Key)
	}
	if cfg.Alpaca.Secret != "secret-secret" {
		t.Errorf("Secret = %q", cfg.Alpaca.Secret)
	}
	if !fake.closed {
		t.Error("secret source not closed")
	}
}

func TestHyperParams(t *testing.T) {
	chdirTemp(t)
	clearEnv(t)
	cfg, err := Load("", newTestLogger())
	if err != nil {
		t.Fatal(err)
	}

	if _, err := LoadHyperParams("missing.json"); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("missing file error = %v", err)
	}

	if err := os.WriteFile("best.json", []byte(`{"z_threshold": 2.0, "rolling_window": 40}`), 0o644); err != nil {
		t.Fatal(err)
	}
	h, err := LoadHyperParams("best.json")
	if err != nil {
		t.Fatalf("LoadHyperParams() error = %v", err)
	}
	if err := h.Apply(cfg); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if cfg.Trading.ZThreshold != 2.0 || cfg.Trading.RollingWindow != 40 {
		t.Errorf("after Apply: Z=%v window=%d", cfg.Trading.ZThreshold, cfg.Trading.RollingWindow)
	}
	if cfg.Trading.LookbackDays != 90 || cfg.Trading.KalmanCov != 0.005 {
		t.Errorf("untuned values changed: lookback=%d cov=%v", cfg.Trading.LookbackDays, cfg.Trading.KalmanCov)
	}
}

func TestStopZReachesSignals(t *testing.T) {
	chdirTemp(t)
	clearEnv(t)
	t.Setenv("STOP_Z", "3.5")

	cfg, err := Load("", newTestLogger())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got := cfg.SignalsConfig().StopZ; got != 3.5 {
		t.Errorf("StopZ = %v, want 3.5", got)
	}
}

func TestSaveHyperParamsIsLoadable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "best.json")
	want := HyperParams{ZThreshold: 1.8, LookbackDays: 120, RollingWindow: 30, KalmanCov: 0.002}

	if err := SaveHyperParams(path, want); err != nil {
		t.Fatalf("SaveHyperParams() error = %v", err)
	}
	got, err := LoadHyperParams(path)
	if err != nil {
		t.Fatalf("LoadHyperParams() error = %v", err)
	}
	if got != want {
		t.Errorf("loaded %+v, want %+v", got, want)
	}
}

func TestApplyBest(t *testing.T) {
	chdirTemp(t)
	clearEnv(t)
	cfg, err := Load("", newTestLogger())
	if err != nil {
		t.Fatal(err)
	}

	if err := ApplyBest(cfg, newTestLogger()); err != nil {
		t.Fatalf("ApplyBest() without a file error = %v", err)
	}
	if cfg.Trading.ZThreshold != 1.5 {
		t.Errorf("ZThreshold = %v, want default 1.5", cfg.Trading.ZThreshold)
	}

	if err := SaveHyperParams(cfg.HyperParamsFile, HyperParams{ZThreshold: 2.2, LookbackDays: 150}); err != nil {
		t.Fatal(err)
	}
	if err := ApplyBest(cfg, newTestLogger()); err != nil {
		t.Fatalf("ApplyBest() error = %v", err)
	}
	if cfg.Trading.ZThreshold != 2.2 || cfg.Trading.LookbackDays != 150 {
		t.Errorf("after ApplyBest: Z=%v lookback=%d", cfg.Trading.ZThreshold, cfg.Trading.LookbackDays)
	}

	cfg.Trading.StopZ = 2.5
	if err := SaveHyperParams(cfg.HyperParamsFile, HyperParams{ZThreshold: 2.8}); err != nil {
		t.Fatal(err)
	}
	if err := ApplyBest(cfg, newTestLogger()); err == nil {
		t.Error("ApplyBest() accepted a threshold above STOP_Z")
	}
}
