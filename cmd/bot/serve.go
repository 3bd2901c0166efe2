package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/mymmrac/telego"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"clubpass-bot/internal/bot"
	"clubpass-bot/internal/config"
	"clubpass-bot/internal/membership"
	"clubpass-bot/internal/metrics"
	"clubpass-bot/internal/reconcile"
	"clubpass-bot/internal/server"
	"clubpass-bot/internal/settings"
	"clubpass-bot/internal/store"
	"clubpass-bot/internal/utils"
	"clubpass-bot/internal/worker"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bot, the webhook server and the reminder worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			app := fx.New(
				coreModule,
				fx.Provide(newWatcher, newBot, newServer, newChecker),
				fx.Invoke(runBot, runHTTP, runWorker),
			)
			if err := app.Err(); err != nil {
				return err
			}
			app.Run()
			return nil
		},
	}
}

func newBot(tg *telego.Bot, engine *reconcile.Engine, subs *store.SubscriberStore, watcher *membership.Watcher, ledger *store.EventLog, provider settings.Provider, cfg *config.Config, log *zap.Logger) *bot.Bot {
	return bot.NewBot(tg, nil, engine, subs, watcher, ledger, provider, cfg.AdminChatIDs, log)
}

func newServer(engine *reconcile.Engine, cfg *config.Config, m *metrics.Metrics, log *zap.Logger) (*server.Server, error) {
	allow, err := utils.ParseAllowList(cfg.AllowedYooIp)
	if err != nil {
		return nil, err
	}
	return server.New(engine, allow, cfg.TrustProxy, m, log), nil
}

func newChecker(subs *store.SubscriberStore, tg *telego.Bot, rdb *redis.Client, cfg *config.Config, log *zap.Logger) *worker.Checker {
	return worker.NewChecker(subs, tg, worker.NewRedisMarker(rdb), cfg.ReminderInterval, log)
}

// background runs fn until the app stops.
func background(lc fx.Lifecycle, fn func(ctx context.Context)) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				fn(ctx)
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
				return nil
			case <-stopCtx.Done():
				return stopCtx.Err()
			}
		},
	})
}

func runBot(lc fx.Lifecycle, b *bot.Bot, shutdowner fx.Shutdowner, log *zap.Logger) {
	background(lc, func(ctx context.Context) {
		if err := b.Start(ctx); err != nil {
			log.Error("bot stopped", zap.Error(err))
			_ = shutdowner.Shutdown(fx.ExitCode(1))
		}
	})
}

func runWorker(lc fx.Lifecycle, c *worker.Checker) {
	background(lc, c.Start)
}

func runHTTP(lc fx.Lifecycle, s *server.Server, cfg *config.Config, shutdowner fx.Shutdowner, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("http server failed", zap.Error(err))
					_ = shutdowner.Shutdown(fx.ExitCode(1))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}
