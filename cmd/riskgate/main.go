package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/nats-io/nats.go"

	"github.com/Checker-Finance/riskgate/internal/alert"
	"github.com/Checker-Finance/riskgate/internal/api"
	"github.com/Checker-Finance/riskgate/internal/bus"
	"github.com/Checker-Finance/riskgate/internal/config"
	"github.com/Checker-Finance/riskgate/internal/gate"
	"github.com/Checker-Finance/riskgate/internal/reconciler"
	"github.com/Checker-Finance/riskgate/internal/store"
	"github.com/Checker-Finance/riskgate/internal/volatility"
	"github.com/Checker-Finance/riskgate/pkg/logger"
	"github.com/Checker-Finance/riskgate/pkg/secrets"
	"github.com/Checker-Finance/riskgate/pkg/utils"
	"github.com/shopspring/decimal"
)

// consumerGroup is shared by every replica so each channel is consumed by the
// fleet exactly once, not once per replica.
const consumerGroup = "riskgate"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Load configuration ---
	cfg := config.Load()

	logger.Init(cfg.ServiceName, cfg.Env, cfg.LogLevel)
	defer logger.Sync()
	logg := logger.S()
	logg.Info("starting [riskgate]...")
	if cfg.DatabaseURL != "" {
		logg.Info("audit trail DSN: ", utils.MaskDSN(cfg.DatabaseURL))
	}

	// --- AWS Secrets Manager provider (only needed for the alert webhook) ---
	var provider secrets.Provider
	if cfg.AlertWebhookSecretID != "" {
		p, err := secrets.NewAWSProvider(cfg.AWSRegion)
		if err != nil {
			logg.Fatalw("failed to create AWS Secrets Manager provider", "error", err)
		}
		provider = p
	}

	// --- Shared risk state store (Redis + optional Postgres audit) ---
	st, err := store.New(store.Config{
		RedisAddr:   cfg.RedisAddr,
		RedisDB:     cfg.RedisDB,
		RedisPass:   cfg.RedisPass,
		DatabaseURL: cfg.DatabaseURL,
		PGPool: store.PGPoolConfig{
			MaxConns:          int32(cfg.PGMaxConns),
			MinConns:          int32(cfg.PGMinConns),
			MaxConnLifetime:   cfg.PGMaxConnLifetime,
			MaxConnIdleTime:   cfg.PGMaxConnIdleTime,
			HealthCheckPeriod: cfg.PGHealthCheckPeriod,
		},
		FillMarkerTTL: cfg.FillMarkerTTL,
		PnLCutover:    cfg.PnLCutover,
	}, logger.L())
	if err != nil {
		logg.Fatalw("failed to init risk store", "error", err)
	}

	// --- Event substrate ---
	var eventBus bus.Bus
	switch cfg.BusDriver {
	case "nats":
		nc, err := nats.Connect(cfg.NATSURL)
		if err != nil {
			logg.Fatalw("failed to connect to NATS", "error", err)
		}
		eventBus, err = bus.NewNATS(nc, cfg.ServiceName, logger.L())
		if err != nil {
			logg.Fatalw("failed to init NATS bus", "error", err)
		}
	case "rabbitmq":
		eventBus, err = bus.NewRabbit(cfg.RabbitMQURL, cfg.ServiceName, logger.L())
		if err != nil {
			logg.Fatalw("failed to init RabbitMQ bus", "error", err)
		}
	case "memory":
		eventBus = bus.NewMemory(logger.L())
	default:
		logg.Fatalw("unknown bus driver", "driver", cfg.BusDriver)
	}

	// --- Volatility estimator ---
	vol := volatility.New(volatility.Config{
		Window:          cfg.VolatilityWindow,
		Alpha:           cfg.VolatilityAlpha,
		ATRWindow:       cfg.ATRWindow,
		GarchRefitEvery: cfg.GarchRefitEvery,
	}, logger.L())

	// --- Pre-trade gate ---
	limits := gate.NewLimits(
		cfg.AllowedMarkets,
		cfg.MaxOrderNotional,
		cfg.MaxOpenOrders,
		cfg.MaxOrdersPerMinute,
		cfg.VolatilityMult,
		cfg.VolatilityMethod,
	)
	gt := gate.New(limits, st, vol, logger.L())

	// --- Post-trade reconciler ---
	rec := reconciler.New(st, eventBus, vol, reconciler.Thresholds{
		DailyMaxLoss: decimal.NewFromFloat(cfg.DailyMaxLoss),
		MaxDrawdown:  decimal.NewFromFloat(cfg.MaxDrawdown),
	}, logger.L())

	// --- Alerting ---
	sender := alert.NewSender(logger.L(), alert.SenderConfig{
		WebhookURL: cfg.AlertWebhookURL,
		SecretID:   cfg.AlertWebhookSecretID,
		RetryMax:   cfg.AlertRetryMax,
	}, provider, nil)
	alerts := alert.NewCoordinator(sender, alert.Config{
		DedupTTL:     cfg.AlertDedupTTL,
		PnLThreshold: cfg.AlertPnLThreshold,
	}, logger.L())

	// --- Subscriptions ---
	subscriptions := []struct {
		channel bus.Channel
		handler bus.Handler
	}{
		{bus.ChannelTicker, rec.TickerHandler()},
		{bus.ChannelFill, rec.FillHandler()},
		{bus.ChannelOrderIntent, gt.IntentHandler(vol)},
		{bus.ChannelKillSwitch, alerts.KillSwitchHandler()},
		{bus.ChannelPnLUpdate, alerts.PnLHandler()},
	}
	for _, sub := range subscriptions {
		if err := eventBus.Subscribe(ctx, sub.channel, consumerGroup, sub.handler); err != nil {
			logg.Fatalw("failed to subscribe", "channel", sub.channel, "error", err)
		}
	}

	// --- Fiber HTTP server ---
	app := fiber.New(fiber.Config{
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	})
	handler := api.NewRiskHandler(logger.L(), st, vol, eventBus)
	api.RegisterRoutes(app, handler)

	go func() {
		logg.Infof("HTTP API listening on :%d", cfg.Port)
		if err := app.Listen(fmt.Sprintf(":%d", cfg.Port)); err != nil {
			logg.Fatalw("fiber.listen_failed", "error", err)
		}
	}()

	logg.Infow("[riskgate] running",
		"bus", cfg.BusDriver,
		"env", cfg.Env,
		"volatility_method", cfg.VolatilityMethod,
		"allowed_markets", cfg.AllowedMarkets)

	<-ctx.Done()
	logg.Info("shutting down [riskgate]...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logg.Warnw("fiber.shutdown_failed", "error", err)
	}
	if err := eventBus.Close(); err != nil {
		logg.Warnw("bus.close_failed", "error", err)
	}
	if err := st.Close(); err != nil {
		logg.Warnw("store.close_failed", "error", err)
	}
}
