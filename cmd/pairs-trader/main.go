package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/gregtusar/pairs/api"
	"github.com/gregtusar/pairs/internal/config"
	"github.com/gregtusar/pairs/pkg/alpaca"
	"github.com/gregtusar/pairs/pkg/cache"
	"github.com/gregtusar/pairs/pkg/metrics"
	"github.com/gregtusar/pairs/pkg/models"
	"github.com/gregtusar/pairs/pkg/notify"
	"github.com/gregtusar/pairs/pkg/position"
	"github.com/gregtusar/pairs/pkg/storage"
	"github.com/gregtusar/pairs/pkg/trader"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	logger  *logrus.Logger
)

type backtestFlags struct {
	zThreshold    float64
	lookbackDays  int
	rollingWindow int
	kalmanCov     float64
	noBest        bool
}

func main() {
	logger = logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	rootCmd := &cobra.Command{
		Use:          "pairs-trader",
		Short:        "Cointegration pairs trading",
		Long:         `Selects cointegrated equity pairs, trades their spread on z-score signals and runs the same engine over history for backtests`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")

	rootCmd.AddCommand(newBacktestCmd(), newTuneCmd(), newLiveCmd(), newTokenCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile, logger)
	if err != nil {
		return nil, err
	}

	level, err := logrus.ParseLevel(cfg.Logging.Level)
	if err != nil {
		logger.WithError(err).Error("Invalid log level, using INFO")
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	if cfg.Logging.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return cfg, nil
}

func newAlpacaClient(cfg *config.Config) *alpaca.Client {
	auth := alpaca.NewKeyAuthenticator(cfg.Alpaca.Key, cfg.Alpaca.Secret)
	return alpaca.NewClient(auth, cfg.Alpaca.Paper, logger,
		alpaca.WithFeed(cfg.Alpaca.Feed),
		alpaca.WithRateLimit(cfg.Alpaca.RateLimit),
	)
}

// barProvider puts the redis cache in front of the data API when configured.
func barProvider(cfg *config.Config, client *alpaca.Client) (trader.BarProvider, func()) {
	if cfg.Cache.RedisAddr == "" {
		return client, func() {}
	}
	bc, err := cache.New(cfg.Cache.RedisAddr, cfg.Cache.RedisPassword, 0, time.Duration(cfg.Cache.TTLHours)*time.Hour)
	if err != nil {
		logger.WithError(err).Warn("Bar cache unavailable, fetching history directly")
		return client, func() {}
	}
	return trader.NewCachedBars(client, bc, logger), func() { bc.Close() }
}

func newNotifier(cfg *config.Config) (*notify.Dispatcher, func()) {
	sinks := []notify.Sink{notify.NewLogSink(logger)}
	var closers []func()

	if cfg.Notify.DiscordWebhookURL != "" {
		sinks = append(sinks, notify.NewDiscordSink(cfg.Notify.DiscordWebhookURL))
	}
	if cfg.Notify.TelegramBotToken != "" {
		tg, err := notify.NewTelegramSink(cfg.Notify.TelegramBotToken, cfg.Notify.TelegramChatID)
		if err != nil {
			logger.WithError(err).Warn("Telegram notifications disabled")
		} else {
			sinks = append(sinks, tg)
		}
	}
	if cfg.Notify.NATSURL != "" {
		nc, err := notify.NewNATSSink(cfg.Notify.NATSURL, cfg.Notify.NATSSubject)
		if err != nil {
			logger.WithError(err).Warn("NATS notifications disabled")
		} else {
			sinks = append(sinks, nc)
			closers = append(closers, nc.Close)
		}
	}

	d := notify.NewDispatcher(logger, cfg.Notify.Buffer, sinks...)
	return d, func() {
		d.Close()
		for _, c := range closers {
			c()
		}
	}
}

func sessionConfig(cfg *config.Config) trader.Config {
	return trader.Config{
		Universe:        cfg.Trading.Universe,
		HistoryBars:     cfg.Trading.LookbackDays,
		RefreshInterval: cfg.PairRefresh(),
		CloseOnStop:     cfg.Trading.CloseOnShutdown,
		Selector:        cfg.SelectorConfig(),
		Signals:         cfg.SignalsConfig(),
	}
}

func newBacktestCmd() *cobra.Command {
	var flags backtestFlags
	cmd := &cobra.Command{
		Use:   "backtest",
		Short: "Select pairs on daily history and simulate trading the bars that follow",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBacktest(cmd, flags)
		},
	}
	cmd.Flags().Float64Var(&flags.zThreshold, "z_threshold", 0, "z-score entry threshold")
	cmd.Flags().IntVar(&flags.lookbackDays, "lookback_days", 0, "formation window in bars")
	cmd.Flags().IntVar(&flags.rollingWindow, "rolling_window", 0, "rolling window size")
	cmd.Flags().Float64Var(&flags.kalmanCov, "kalman_cov", 0, "Kalman process covariance")
	cmd.Flags().BoolVar(&flags.noBest, "no-best", false, "ignore the best hyperparameters file")
	return cmd
}

func runBacktest(cmd *cobra.Command, flags backtestFlags) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if err := applyBest(cfg, flags.noBest); err != nil {
		return err
	}

	fs := cmd.Flags()
	if fs.Changed("z_threshold") {
		cfg.Trading.ZThreshold = flags.zThreshold
	}
	if fs.Changed("lookback_days") {
		cfg.Trading.LookbackDays = flags.lookbackDays
	}
	if fs.Changed("rolling_window") {
		cfg.Trading.RollingWindow = flags.rollingWindow
	}
	if fs.Changed("kalman_cov") {
		cfg.Trading.KalmanCov = flags.kalmanCov
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := cfg.ValidateLive(); err != nil {
		return fmt.Errorf("market data needs credentials: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"z_threshold":    cfg.Trading.ZThreshold,
		"lookback_days":  cfg.Trading.LookbackDays,
		"rolling_window": cfg.Trading.RollingWindow,
		"kalman_cov":     cfg.Trading.KalmanCov,
		"universe":       cfg.Trading.Universe,
	}).Info("Running backtest")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := newAlpacaClient(cfg)
	provider, closeCache := barProvider(cfg, client)
	defer closeCache()

	report, err := trader.RunBacktest(ctx, provider, trader.BacktestConfig{
		Session:   sessionConfig(cfg),
		TestBars:  cfg.Trading.BacktestBars,
		Timeframe: models.TimeframeDay,
		Position:  cfg.PositionConfig(),
	}, logger)
	if err != nil {
		return err
	}

	printReport(report)
	return nil
}

func applyBest(cfg *config.Config, noBest bool) error {
	if noBest {
		logger.Warn("Ignoring best hyperparameters; using defaults or CLI values only")
		return nil
	}
	return config.ApplyBest(cfg, logger)
}

func printReport(r *trader.Report) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PAIR\tP-VALUE\tBETA\tHALF-LIFE\tTRADES")
	for _, p := range r.Pairs {
		fmt.Fprintf(w, "%s\t%.4f\t%.4f\t%.1f\t%d\n", p.Pair.ID(), p.Pair.PValue, p.Pair.HedgeRatio, p.Pair.HalfLife, p.Trades)
	}
	w.Flush()
	fmt.Printf("\nBars replayed: %d  Trades: %d\n", r.Bars, r.Trades)
	fmt.Printf("Backtest completed. PnL: %.2f (realized %.2f, equity %.2f)\n", r.PnL, r.RealizedPnL, r.Equity)
}

type tuneFlags struct {
	trials  int
	workers int
	seed    int64
	out     string
	top     int
}

func newTuneCmd() *cobra.Command {
	var flags tuneFlags
	cmd := &cobra.Command{
		Use:   "tune",
		Short: "Random-search signal parameters by backtest PnL and save the best set",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTune(flags)
		},
	}
	cmd.Flags().IntVar(&flags.trials, "trials", 50, "number of parameter sets to backtest")
	cmd.Flags().IntVar(&flags.workers, "workers", 4, "concurrent backtests")
	cmd.Flags().Int64Var(&flags.seed, "seed", 1, "sampling seed")
	cmd.Flags().StringVar(&flags.out, "out", "", "output file (default is the configured hyperparameters file)")
	cmd.Flags().IntVar(&flags.top, "top", 10, "trials to print")
	return cmd
}

func runTune(flags tuneFlags) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.ValidateLive(); err != nil {
		return fmt.Errorf("market data needs credentials: %w", err)
	}
	out := flags.out
	if out == "" {
		out = cfg.HyperParamsFile
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := newAlpacaClient(cfg)
	provider, closeCache := barProvider(cfg, client)
	defer closeCache()

	logger.WithFields(logrus.Fields{
		"trials":   flags.trials,
		"workers":  flags.workers,
		"seed":     flags.seed,
		"universe": cfg.Trading.Universe,
	}).Info("Tuning hyperparameters")

	trials, err := trader.Tune(ctx, provider, trader.TuneConfig{
		Backtest: trader.BacktestConfig{
			Session:   sessionConfig(cfg),
			TestBars:  cfg.Trading.BacktestBars,
			Timeframe: models.TimeframeDay,
			Position:  cfg.PositionConfig(),
			End:       time.Now().UTC(),
		},
		Space:   trader.DefaultTuneSpace(),
		Trials:  flags.trials,
		Workers: flags.workers,
		Seed:    flags.seed,
	}, logger)
	if err != nil {
		return err
	}

	printTrials(trials, flags.top)
	best := trials[0]
	if best.Err != nil {
		return fmt.Errorf("no trial completed: %w", best.Err)
	}
	if err := config.SaveHyperParams(out, config.HyperParams{
		ZThreshold:    best.Params.ZThreshold,
		LookbackDays:  best.Params.LookbackDays,
		RollingWindow: best.Params.RollingWindow,
		KalmanCov:     best.Params.KalmanCov,
	}); err != nil {
		return err
	}
	logger.WithFields(logrus.Fields{"file": out, "pnl": best.Report.PnL}).Info("Saved best hyperparameters")
	return nil
}

func printTrials(trials []trader.Trial, top int) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RANK\tZ\tLOOKBACK\tWINDOW\tKALMAN-COV\tPAIRS\tTRADES\tPNL")
	for i, tr := range trials {
		if i >= top {
			break
		}
		p := tr.Params
		if tr.Err != nil {
			fmt.Fprintf(w, "%d\t%.3f\t%d\t%d\t%.5f\t-\t-\t%v\n", i+1, p.ZThreshold, p.LookbackDays, p.RollingWindow, p.KalmanCov, tr.Err)
			continue
		}
		fmt.Fprintf(w, "%d\t%.3f\t%d\t%d\t%.5f\t%d\t%d\t%.2f\n", i+1, p.ZThreshold, p.LookbackDays, p.RollingWindow, p.KalmanCov, len(tr.Report.Pairs), tr.Report.Trades, tr.Report.PnL)
	}
	w.Flush()
}

func newLiveCmd() *cobra.Command {
	var noBest bool
	cmd := &cobra.Command{
		Use:   "live",
		Short: "Trade selected pairs until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLive(noBest)
		},
	}
	cmd.Flags().BoolVar(&noBest, "no-best", false, "ignore the best hyperparameters file")
	return cmd
}

func runLive(noBest bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := applyBest(cfg, noBest); err != nil {
		return err
	}
	logger.WithFields(logrus.Fields{
		"z_threshold":    cfg.Trading.ZThreshold,
		"lookback_days":  cfg.Trading.LookbackDays,
		"rolling_window": cfg.Trading.RollingWindow,
		"kalman_cov":     cfg.Trading.KalmanCov,
	}).Info("Trading parameters")
	if err := cfg.ValidateLive(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dispatcher, closeNotifier := newNotifier(cfg)
	defer closeNotifier()

	store, err := storage.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer store.Close()

	client := newAlpacaClient(cfg)
	provider, closeCache := barProvider(cfg, client)
	defer closeCache()

	if held, err := client.GetPositions(ctx); err != nil {
		logger.WithError(err).Warn("Failed to read broker positions")
	} else {
		logger.WithField("positions", len(held)).Info("Broker positions loaded")
	}

	journal := trader.NewJournal(store, dispatcher, logger)
	adapter := position.NewAdapter(cfg.PositionConfig(), client, logger, journal)

	restored, err := store.LoadPositions(ctx)
	if err != nil {
		return fmt.Errorf("failed to load positions: %w", err)
	}
	adapter.Restore(restored)
	logger.WithField("positions", len(restored)).Info("Restored open positions")

	session := trader.NewSession(sessionConfig(cfg), adapter, dispatcher, logger)
	session.UsePriceLookup(client)

	tf := models.Timeframe(cfg.Trading.BarInterval)
	end := time.Now().UTC()
	history, err := provider.GetBars(ctx, cfg.Trading.Universe, tf, end.Add(-trader.HistoryWindow(cfg.Trading.LookbackDays, tf)), end)
	if err != nil {
		return fmt.Errorf("failed to fetch warm-up history: %w", err)
	}
	history = trader.DropOpenBars(history, tf, end)
	resume := trader.LastBarTime(history)
	if err := session.Warmup(ctx, history); err != nil {
		return err
	}

	metricsSrv := metrics.Serve(":" + strconv.Itoa(cfg.Server.MetricsPort))
	apiServer := api.NewServer(session, store, cfg.Server.JWTSecret, logger, strconv.Itoa(cfg.Server.Port))
	go func() {
		if err := apiServer.Start(); err != nil {
			logger.WithError(err).Error("API server stopped")
		}
	}()
	go trackEquity(ctx, client, cfg.PollingInterval())

	var source trader.BarSource
	switch cfg.Trading.LiveMode {
	case "websocket":
		stream := alpaca.NewStream(alpaca.StreamBaseURL+cfg.Alpaca.Feed, cfg.Alpaca.Key, cfg.Alpaca.Secret, cfg.Trading.Universe, logger)
		go func() {
			if err := stream.Run(ctx); err != nil {
				logger.WithError(err).Error("Bar stream stopped")
				stop()
			}
		}()
		source = trader.NewStreamSource(stream.Bars(), cfg.Trading.Universe, tf, resume, logger)
	default:
		// the cache keys on the requested range, so polling goes straight to the API
		source = trader.NewPollingSource(client, cfg.Trading.Universe, tf, cfg.PollingInterval(), resume, logger)
	}

	dispatcher.Notify(notify.Event{
		Kind:    notify.KindStartup,
		Message: fmt.Sprintf("pairs trader running in %s mode with %d pairs", cfg.Trading.LiveMode, len(session.Pairs())),
	})
	logger.Info("Pairs trader is running. Press Ctrl+C to stop.")

	runErr := session.Run(ctx, source)
	if runErr != nil {
		dispatcher.Notify(notify.Event{Kind: notify.KindError, Message: runErr.Error()})
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	apiServer.Shutdown(shutdownCtx)
	metricsSrv.Shutdown(shutdownCtx)

	logger.Info("Pairs trader stopped")
	return runErr
}

func trackEquity(ctx context.Context, client *alpaca.Client, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		acct, err := client.GetAccount(ctx)
		if err != nil {
			logger.WithError(err).Warn("Failed to read account")
		} else {
			metrics.Equity.Set(acct.Equity.InexactFloat64())
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func newTokenCmd() *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the operator API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			token, err := api.IssueToken(cfg.Server.JWTSecret, subject, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "operator", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
