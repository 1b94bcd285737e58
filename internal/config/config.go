package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gregtusar/pairs/pkg/models"
	"github.com/gregtusar/pairs/pkg/pairs"
	"github.com/gregtusar/pairs/pkg/position"
	"github.com/gregtusar/pairs/pkg/secrets"
	"github.com/gregtusar/pairs/pkg/signals"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

var ErrInvalidConfig = errors.New("invalid configuration")

var DefaultUniverse = []string{
	"AAPL", "MSFT", "AMZN", "GOOGL", "META",
	"TSLA", "NVDA", "JPM", "V", "BAC",
}

type Config struct {
	Trading         TradingConfig  `mapstructure:"trading"`
	Alpaca          AlpacaConfig   `mapstructure:"alpaca"`
	Notify          NotifyConfig   `mapstructure:"notify"`
	Cache           CacheConfig    `mapstructure:"cache"`
	Database        DatabaseConfig `mapstructure:"database"`
	Server          ServerConfig   `mapstructure:"server"`
	Logging         LoggingConfig  `mapstructure:"logging"`
	GCP             GCPConfig      `mapstructure:"gcp"`
	HyperParamsFile string         `mapstructure:"hyperparams_file"`
}

type TradingConfig struct {
	ZThreshold             float64  `mapstructure:"z_threshold"`
	LookbackDays           int      `mapstructure:"lookback_days"`
	RollingWindow          int      `mapstructure:"rolling_window"`
	KalmanCov              float64  `mapstructure:"kalman_cov"`
	Estimator              string   `mapstructure:"estimator"`
	ExitBand               float64  `mapstructure:"exit_band"`
	StopZ                  float64  `mapstructure:"stop_z"`
	OrderType              string   `mapstructure:"order_type"`
	PegDistance            float64  `mapstructure:"peg_distance"`
	SplitNotional          bool     `mapstructure:"-"`
	Notional               float64  `mapstructure:"notional"`
	Significance           float64  `mapstructure:"significance"`
	MaxPairs               int      `mapstructure:"max_pairs"`
	LiveMode               string   `mapstructure:"live_mode"`
	PollingIntervalMinutes int      `mapstructure:"polling_interval_minutes"`
	Universe               []string `mapstructure:"universe"`
	BarInterval            string   `mapstructure:"bar_interval"`
	PairRefreshHours       int      `mapstructure:"pair_refresh_hours"`
	BacktestBars           int      `mapstructure:"backtest_bars"`
	CloseOnShutdown        bool     `mapstructure:"close_on_shutdown"`
}

type AlpacaConfig struct {
	Key       string `mapstructure:"key"`
	Secret    string `mapstructure:"secret"`
	Paper     bool   `mapstructure:"paper"`
	Feed      string `mapstructure:"feed"`
	RateLimit int    `mapstructure:"rate_limit"`
}

type NotifyConfig struct {
	DiscordWebhookURL string `mapstructure:"discord_webhook_url"`
	TelegramBotToken  string `mapstructure:"telegram_bot_token"`
	TelegramChatID    string `mapstructure:"telegram_chat_id"`
	NATSURL           string `mapstructure:"nats_url"`
	NATSSubject       string `mapstructure:"nats_subject"`
	Buffer            int    `mapstructure:"buffer"`
}

type CacheConfig struct {
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	TTLHours      int    `mapstructure:"ttl_hours"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type ServerConfig struct {
	Port        int    `mapstructure:"port"`
	JWTSecret   string `mapstructure:"jwt_secret"`
	MetricsPort int    `mapstructure:"metrics_port"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type GCPConfig struct {
	ProjectID   string              `mapstructure:"project_id"`
	UseSecrets  bool                `mapstructure:"use_secrets"`
	SecretNames secrets.SecretNames `mapstructure:"secret_names"`
}

// envKeys maps config keys to the exact environment variable names.
var envKeys = map[string]string{
	"trading.z_threshold":              "Z_THRESHOLD",
	"trading.lookback_days":            "LOOKBACK_DAYS",
	"trading.rolling_window":           "ROLLING_WINDOW",
	"trading.kalman_cov":               "KALMAN_COV",
	"trading.estimator":                "ESTIMATOR",
	"trading.exit_band":                "EXIT_BAND",
	"trading.stop_z":                   "STOP_Z",
	"trading.order_type":               "ORDER_TYPE",
	"trading.peg_distance":             "PEG_DISTANCE",
	"trading.split_notional":           "SPLIT_NOTIONAL",
	"trading.notional":                 "NOTIONAL",
	"trading.significance":             "SIGNIFICANCE",
	"trading.max_pairs":                "MAX_PAIRS",
	"trading.live_mode":                "LIVE_MODE",
	"trading.polling_interval_minutes": "POLLING_INTERVAL_MINUTES",
	"trading.universe":                 "UNIVERSE",
	"trading.bar_interval":             "BAR_INTERVAL",
	"trading.pair_refresh_hours":       "PAIR_REFRESH_HOURS",
	"trading.backtest_bars":            "BACKTEST_BARS",
	"trading.close_on_shutdown":        "CLOSE_ON_SHUTDOWN",
	"alpaca.key":                       "ALPACA_KEY",
	"alpaca.secret":                    "ALPACA_SECRET",
	"alpaca.paper":                     "ALPACA_PAPER",
	"alpaca.feed":                      "ALPACA_FEED",
	"alpaca.rate_limit":                "ALPACA_RATE_LIMIT",
	"notify.discord_webhook_url":       "DISCORD_WEBHOOK_URL",
	"notify.telegram_bot_token":        "TELEGRAM_BOT_TOKEN",
	"notify.telegram_chat_id":          "TELEGRAM_CHAT_ID",
	"notify.nats_url":                  "NATS_URL",
	"notify.nats_subject":              "NATS_SUBJECT",
	"cache.redis_addr":                 "REDIS_ADDR",
	"cache.redis_password":             "REDIS_PASSWORD",
	"database.driver":                  "DATABASE_DRIVER",
	"database.dsn":                     "DATABASE_DSN",
	"server.port":                      "API_PORT",
	"server.jwt_secret":                "API_JWT_SECRET",
	"server.metrics_port":              "METRICS_PORT",
	"logging.level":                    "LOG_LEVEL",
	"logging.format":                   "LOG_FORMAT",
	"gcp.project_id":                   "GCP_PROJECT_ID",
	"gcp.use_secrets":                  "GCP_USE_SECRETS",
	"hyperparams_file":                 "BEST_PARAMS_FILE",
}

// newSecretSource is replaced in tests.
var newSecretSource = func(ctx context.Context, projectID string, logger *logrus.Logger) (secrets.Source, error) {
	return secrets.NewGCPSecretManager(ctx, projectID, logger)
}

// Load reads .env, the optional config file and the environment, in
// increasing order of precedence, then validates the result.
func Load(configPath string, logger *logrus.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("error reading .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/pairs-trader")
	}

	for key, env := range envKeys {
		if err := v.BindEnv(key, env); err != nil {
			return nil, err
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	split, err := parseFlag(v.GetString("trading.split_notional"))
	if err != nil {
		return nil, fmt.Errorf("%w: SPLIT_NOTIONAL: %v", ErrInvalidConfig, err)
	}
	config.Trading.SplitNotional = split
	config.Trading.Universe = normalizeUniverse(config.Trading.Universe)
	config.Trading.OrderType = strings.ToLower(strings.TrimSpace(config.Trading.OrderType))
	config.Trading.LiveMode = strings.ToLower(strings.TrimSpace(config.Trading.LiveMode))
	config.Trading.Estimator = strings.ToLower(strings.TrimSpace(config.Trading.Estimator))

	if config.GCP.UseSecrets && config.GCP.ProjectID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := loadSecretsFromGCP(ctx, &config, logger); err != nil {
			return nil, fmt.Errorf("error loading secrets from GCP: %w", err)
		}
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func setDefaults(v *viper.Viper) {
	sig := signals.DefaultConfig()
	pos := position.DefaultConfig()
	sel := pairs.DefaultConfig()

	// Trading defaults
	v.SetDefault("trading.z_threshold", sig.ZThreshold)
	v.SetDefault("trading.lookback_days", sel.LookbackDays)
	v.SetDefault("trading.rolling_window", sig.RollingWindow)
	v.SetDefault("trading.kalman_cov", sig.KalmanCov)
	v.SetDefault("trading.estimator", string(sig.Estimator))
	v.SetDefault("trading.exit_band", sig.ExitBand)
	v.SetDefault("trading.stop_z", sig.StopZ)
	v.SetDefault("trading.order_type", string(pos.OrderType))
	v.SetDefault("trading.peg_distance", pos.PegDistance)
	v.SetDefault("trading.split_notional", "false")
	v.SetDefault("trading.notional", pos.Notional)
	v.SetDefault("trading.significance", sel.Significance)
	v.SetDefault("trading.max_pairs", sel.MaxPairs)
	v.SetDefault("trading.live_mode", "polling")
	v.SetDefault("trading.polling_interval_minutes", 5)
	v.SetDefault("trading.universe", strings.Join(DefaultUniverse, ","))
	v.SetDefault("trading.bar_interval", string(models.TimeframeHour))
	v.SetDefault("trading.pair_refresh_hours", 24)
	v.SetDefault("trading.backtest_bars", 120)
	v.SetDefault("trading.close_on_shutdown", false)

	// Alpaca defaults
	v.SetDefault("alpaca.paper", true)
	v.SetDefault("alpaca.feed", "iex")
	v.SetDefault("alpaca.rate_limit", 200)

	v.SetDefault("notify.nats_subject", "pairs.events")
	v.SetDefault("notify.buffer", 100)

	v.SetDefault("cache.ttl_hours", 24)

	// Database defaults
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "./data/pairs.db")

	// Server defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.metrics_port", 8000)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// GCP defaults
	v.SetDefault("gcp.use_secrets", false)
	v.SetDefault("gcp.project_id", "")

	secretNames := secrets.DefaultSecretNames()
	v.SetDefault("gcp.secret_names.alpaca_key", secretNames.AlpacaKey)
	v.SetDefault("gcp.secret_names.alpaca_secret", secretNames.AlpacaSecret)
	v.SetDefault("gcp.secret_names.discord_webhook", secretNames.DiscordWebhook)
	v.SetDefault("gcp.secret_names.telegram_token", secretNames.TelegramToken)
	v.SetDefault("gcp.secret_names.api_jwt_secret", secretNames.APIJWTSecret)

	v.SetDefault("hyperparams_file", "best_hyperparams.json")
}

// parseFlag accepts boolean words as well as numbers, where non-zero is on.
func parseFlag(s string) (bool, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return false, nil
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return false, fmt.Errorf("not a boolean or number: %q", s)
	}
	return f != 0, nil
}

func normalizeUniverse(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, item := range in {
		for _, sym := range strings.Split(item, ",") {
			sym = strings.ToUpper(strings.TrimSpace(sym))
			if sym == "" || seen[sym] {
				continue
			}
			seen[sym] = true
			out = append(out, sym)
		}
	}
	return out
}

func loadSecretsFromGCP(ctx context.Context, config *Config, logger *logrus.Logger) error {
	secretManager, err := newSecretSource(ctx, config.GCP.ProjectID, logger)
	if err != nil {
		return fmt.Errorf("failed to create secret manager: %w", err)
	}
	defer secretManager.Close()

	names := config.GCP.SecretNames
	fill := func(dst *string, name string) {
		if *dst == "" {
			*dst = secretManager.GetSecretWithDefault(ctx, name, "")
		}
	}
	// Only load secrets if they're not already set
	fill(&config.Alpaca.Key, names.AlpacaKey)
	fill(&config.Alpaca.Secret, names.AlpacaSecret)
	fill(&config.Notify.DiscordWebhookURL, names.DiscordWebhook)
	fill(&config.Notify.TelegramBotToken, names.TelegramToken)
	fill(&config.Server.JWTSecret, names.APIJWTSecret)

	logger.Info("Successfully loaded secrets from GCP Secret Manager")
	return nil
}

// Validate rejects values that would make the trading loop misbehave.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
	}

	t := c.Trading
	if t.ZThreshold <= 0 {
		bad("Z_THRESHOLD must be positive, got %v", t.ZThreshold)
	}
	if t.LookbackDays < 2 {
		bad("LOOKBACK_DAYS must be at least 2, got %d", t.LookbackDays)
	}
	if t.RollingWindow < 2 {
		bad("ROLLING_WINDOW must be at least 2, got %d", t.RollingWindow)
	}
	if t.KalmanCov <= 0 {
		bad("KALMAN_COV must be positive, got %v", t.KalmanCov)
	}
	switch signals.EstimatorKind(t.Estimator) {
	case signals.EstimatorMoving, signals.EstimatorKalman:
	default:
		bad("ESTIMATOR must be moving or kalman, got %q", t.Estimator)
	}
	if t.ExitBand <= 0 || t.ExitBand >= 1 {
		bad("EXIT_BAND must be in (0, 1), got %v", t.ExitBand)
	}
	if t.StopZ < 0 || (t.StopZ > 0 && t.StopZ <= t.ZThreshold) {
		bad("STOP_Z must be 0 or above Z_THRESHOLD, got %v", t.StopZ)
	}
	switch models.OrderType(t.OrderType) {
	case models.OrderTypeMarket, models.OrderTypeLimit:
	default:
		bad("ORDER_TYPE must be market or limit, got %q", t.OrderType)
	}
	if t.PegDistance < 0 || t.PegDistance >= 1 {
		bad("PEG_DISTANCE must be in [0, 1), got %v", t.PegDistance)
	}
	if t.Notional <= 0 {
		bad("NOTIONAL must be positive, got %v", t.Notional)
	}
	if t.Significance <= 0 || t.Significance >= 1 {
		bad("SIGNIFICANCE must be in (0, 1), got %v", t.Significance)
	}
	if t.MaxPairs < 0 {
		bad("MAX_PAIRS must not be negative, got %d", t.MaxPairs)
	}
	switch t.LiveMode {
	case "websocket", "polling":
	default:
		bad("LIVE_MODE must be websocket or polling, got %q", t.LiveMode)
	}
	if t.PollingIntervalMinutes <= 0 {
		bad("POLLING_INTERVAL_MINUTES must be positive, got %d", t.PollingIntervalMinutes)
	}
	if len(t.Universe) < 2 {
		bad("UNIVERSE needs at least two symbols, got %d", len(t.Universe))
	}
	switch models.Timeframe(t.BarInterval) {
	case models.TimeframeDay, models.TimeframeHour, models.TimeframeMin:
	default:
		bad("BAR_INTERVAL must be 1Day, 1Hour or 1Min, got %q", t.BarInterval)
	}
	if t.PairRefreshHours < 0 {
		bad("PAIR_REFRESH_HOURS must not be negative, got %d", t.PairRefreshHours)
	}
	if t.BacktestBars <= 0 {
		bad("BACKTEST_BARS must be positive, got %d", t.BacktestBars)
	}

	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		bad("DATABASE_DRIVER must be sqlite or postgres, got %q", c.Database.Driver)
	}
	if _, err := logrus.ParseLevel(c.Logging.Level); err != nil {
		bad("LOG_LEVEL: %v", err)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		bad("LOG_FORMAT must be json or text, got %q", c.Logging.Format)
	}
	if c.Notify.TelegramBotToken != "" && c.Notify.TelegramChatID == "" {
		bad("TELEGRAM_CHAT_ID is required with TELEGRAM_BOT_TOKEN")
	}

	return errors.Join(errs...)
}

// ValidateLive checks what only the live command needs.
func (c *Config) ValidateLive() error {
	if c.Alpaca.Key == "" || c.Alpaca.Secret == "" {
		return fmt.Errorf("%w: ALPACA_KEY and ALPACA_SECRET are required", ErrInvalidConfig)
	}
	return nil
}

func (c *Config) SelectorConfig() pairs.Config {
	return pairs.Config{
		LookbackDays: c.Trading.LookbackDays,
		Significance: c.Trading.Significance,
		MaxPairs:     c.Trading.MaxPairs,
	}
}

func (c *Config) SignalsConfig() signals.Config {
	return signals.Config{
		ZThreshold:    c.Trading.ZThreshold,
		ExitBand:      c.Trading.ExitBand,
		RollingWindow: c.Trading.RollingWindow,
		KalmanCov:     c.Trading.KalmanCov,
		Estimator:     signals.EstimatorKind(c.Trading.Estimator),
		StopZ:         c.Trading.StopZ,
	}
}

func (c *Config) PositionConfig() position.Config {
	cfg := position.DefaultConfig()
	cfg.Notional = c.Trading.Notional
	cfg.OrderType = models.OrderType(c.Trading.OrderType)
	cfg.PegDistance = c.Trading.PegDistance
	cfg.SplitNotional = c.Trading.SplitNotional
	return cfg
}

func (c *Config) PollingInterval() time.Duration {
	return time.Duration(c.Trading.PollingIntervalMinutes) * time.Minute
}

func (c *Config) PairRefresh() time.Duration {
	return time.Duration(c.Trading.PairRefreshHours) * time.Hour
}
