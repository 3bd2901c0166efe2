package main

import (
	"context"
	"time"

	"github.com/mymmrac/telego"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"clubpass-bot/internal/audit"
	"clubpass-bot/internal/bot"
	"clubpass-bot/internal/config"
	"clubpass-bot/internal/credential"
	"clubpass-bot/internal/database"
	"clubpass-bot/internal/logger"
	"clubpass-bot/internal/membership"
	"clubpass-bot/internal/metrics"
	"clubpass-bot/internal/payment"
	"clubpass-bot/internal/reconcile"
	"clubpass-bot/internal/settings"
	"clubpass-bot/internal/store"
)

const settingsCacheTTL = 5 * time.Minute

// coreModule builds everything the engine needs without starting any
// long-running loop.
var coreModule = fx.Options(
	fx.Provide(
		loadConfig,
		newLogger,
		newPostgres,
		newRedis,
		newTelegram,
		newMetrics,
		newPaymentClient,
		store.NewSubscriberStore,
		newEventLog,
		newSettings,
		newIssuer,
		newRecorder,
		newMessenger,
		newEngine,
	),
	fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
		return &fxevent.ZapLogger{Logger: log.Named("fx")}
	}),
)

func loadConfig() (*config.Config, error) {
	cfg := config.LoadConfig()
	return cfg, cfg.Validate()
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return logger.New(cfg.LogLevel, cfg.AppEnv)
}

func newPostgres(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger) (*gorm.DB, error) {
	db, err := database.ConnectPostgres(cfg, log)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return database.Migrate(ctx, db)
		},
		OnStop: func(context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.Close()
		},
	})
	return db, nil
}

func newRedis(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger) (*redis.Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	rdb, err := database.ConnectRedis(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error { return rdb.Close() },
	})
	return rdb, nil
}

func newTelegram(cfg *config.Config, log *zap.Logger) (*telego.Bot, error) {
	tg, err := telego.NewBot(cfg.BotToken)
	if err != nil {
		return nil, err
	}
	log.Info("telegram client ready", zap.String("token", logger.MaskBotToken(cfg.BotToken)))
	return tg, nil
}

func newMetrics(cfg *config.Config) *metrics.Metrics {
	return metrics.New(cfg.AppEnv)
}

func newPaymentClient(cfg *config.Config, log *zap.Logger) *payment.Client {
	return payment.NewClient(cfg.YookassaShopID, cfg.YookassaKey, cfg.YookassaAPIURL, cfg.GatewayTimeout, log)
}

func newEventLog(db *gorm.DB, cfg *config.Config) (*store.EventLog, error) {
	return store.NewEventLog(db, cfg.SnowflakeNode)
}

func newSettings(db *gorm.DB, rdb *redis.Client, log *zap.Logger) settings.Provider {
	return settings.NewCachedProvider(
		settings.NewRepository(db),
		settings.NewRedisCache(rdb, settingsCacheTTL),
		log,
	)
}

func newIssuer(tg *telego.Bot, cfg *config.Config, m *metrics.Metrics, log *zap.Logger) *credential.Issuer {
	return credential.NewIssuer(tg, cfg.ChannelID, cfg.InviteLinkTTL, log, credential.WithRetryObserver(m))
}

func newRecorder(tg *telego.Bot, cfg *config.Config, log *zap.Logger) *audit.Recorder {
	return audit.NewRecorder(tg, cfg.PaymentGroupID, log)
}

func newMessenger(tg *telego.Bot, provider settings.Provider, cfg *config.Config, log *zap.Logger) *bot.Messenger {
	return bot.NewMessenger(tg, provider, cfg.PaymentGroupID, cfg.AdminChatIDs, log)
}

type engineParams struct {
	fx.In

	Config    *config.Config
	Gateway   *payment.Client
	Store     *store.SubscriberStore
	Ledger    *store.EventLog
	Issuer    *credential.Issuer
	Recorder  *audit.Recorder
	Messenger *bot.Messenger
	Settings  settings.Provider
	Metrics   *metrics.Metrics
	Log       *zap.Logger
}

func newEngine(p engineParams) *reconcile.Engine {
	return reconcile.New(reconcile.Deps{
		Gateway:   p.Gateway,
		Store:     p.Store,
		Issuer:    p.Issuer,
		Auditor:   p.Recorder,
		Ledger:    p.Ledger,
		Notifier:  p.Messenger,
		Settings:  p.Settings,
		Metrics:   p.Metrics,
		Log:       p.Log,
		ReturnURL: p.Config.ReturnURL,
	})
}

func newWatcher(cfg *config.Config, subs *store.SubscriberStore, issuer *credential.Issuer, messenger *bot.Messenger, ledger *store.EventLog, m *metrics.Metrics, log *zap.Logger) *membership.Watcher {
	return membership.NewWatcher(cfg.ChannelID, subs, issuer, messenger, ledger, m, log)
}
