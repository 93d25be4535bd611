// Command trader runs one trading session for the configured market:
// bootstrap, integrity pre-flight, the rule poll loop while the market
// is open, and the end-of-day snapshot.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/ykimdev/ruletrader/internal/alert"
	"github.com/ykimdev/ruletrader/internal/broker"
	"github.com/ykimdev/ruletrader/internal/config"
	"github.com/ykimdev/ruletrader/internal/models"
	"github.com/ykimdev/ruletrader/internal/recorder"
	"github.com/ykimdev/ruletrader/internal/session"
	"github.com/ykimdev/ruletrader/internal/store"
)

func main() {
	var (
		marketFlag string
		configPath string
		noRecord   bool
	)
	flag.StringVar(&marketFlag, "market", string(models.MarketUS), "Market to trade: us or kr")
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.BoolVar(&noRecord, "no-record", false, "Disable the broker-call JSONL recorder")
	flag.Parse()

	logger := log.New(os.Stdout, "[TRADER] ", log.LstdFlags)

	if err := run(marketFlag, configPath, noRecord, logger); err != nil {
		logger.Printf("FATAL: %v", err)
		os.Exit(1)
	}
	logger.Println("session finished")
}

func run(marketFlag, configPath string, noRecord bool, logger *log.Logger) error {
	// Secrets come from the environment; a .env file is optional.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logger.Printf("skipping .env: %v", err)
	}

	market, err := models.ParseMarket(marketFlag)
	if err != nil {
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(market); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger.Printf("starting %s session", market)

	db, err := store.Open(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Printf("failed to close store: %v", err)
		}
	}()

	var alerter alert.Alerter = alert.Nop{}
	if cfg.Alert.Enabled() {
		alerter = alert.NewSMTPAlerter(cfg.Alert.SMTPHost, cfg.Alert.SMTPPort,
			cfg.Alert.Username, cfg.Alert.Password, cfg.Alert.To, logger)
	}

	factory, cleanup, err := buildBrokerFactory(cfg, market, noRecord, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	retryCfg, err := cfg.RetryPolicy()
	if err != nil {
		return err
	}

	runner := session.New(session.Params{
		Market:    market,
		Store:     db,
		Brokers:   factory,
		Alerter:   alerter,
		Logger:    logger,
		Retry:     retryCfg,
		Poll:      cfg.PollInterval(),
		HardBlock: cfg.Safety.HardBlock,
	})

	// A signal requests a clean stop at the next pass boundary.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := runner.Run(ctx); err != nil {
		if sendErr := alerter.Send(alert.DefaultSubject, alert.CrashMessage(market, err)); sendErr != nil {
			logger.Printf("failed to send crash alert: %v", sendErr)
		}
		return err
	}
	return nil
}

// buildBrokerFactory assembles the market's broker adapter wrapped in
// the circuit breaker and, unless disabled, the JSONL recorder. Every
// user shares the deployment's single credential set.
func buildBrokerFactory(cfg *config.Config, market models.Market, noRecord bool, logger *log.Logger) (session.BrokerFactory, func(), error) {
	var base broker.Broker
	switch market {
	case models.MarketKR:
		kis := broker.NewKISClient(cfg.KIS.AppKey, cfg.KIS.AppSecret,
			cfg.KIS.AccessToken, cfg.KIS.AccountNumbers, logger)
		if cfg.KIS.BaseURL != "" {
			kis.WithBaseURL(cfg.KIS.BaseURL)
		}
		base = kis
	default:
		schwab := broker.NewSchwabClient(cfg.Schwab.AccessToken, logger)
		if cfg.Schwab.TraderURL != "" && cfg.Schwab.MarketDataURL != "" {
			schwab.WithBaseURLs(cfg.Schwab.TraderURL, cfg.Schwab.MarketDataURL)
		}
		base = schwab
	}

	b := broker.Broker(broker.NewCircuitBreakerBroker(base, logger))

	cleanup := func() {}
	if cfg.Recorder.Enabled && !noRecord {
		path := filepath.Join(cfg.Recorder.Dir, fmt.Sprintf("%s.jsonl", market))
		rec, err := recorder.NewAsyncRecorder(path, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("open recorder: %w", err)
		}
		b = recorder.WrapBroker(b, rec)
		cleanup = func() {
			if err := rec.Close(); err != nil {
				logger.Printf("failed to close recorder: %v", err)
			}
		}
		logger.Printf("recording broker calls to %s", path)
	}

	return func(string) (broker.Broker, error) { return b, nil }, cleanup, nil
}
