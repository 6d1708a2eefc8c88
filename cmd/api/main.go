package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/sanosuguru/go-event-calendar/internal/api/handler"
	"github.com/sanosuguru/go-event-calendar/internal/api/middleware"
	"github.com/sanosuguru/go-event-calendar/internal/api/router"
	"github.com/sanosuguru/go-event-calendar/internal/application"
	"github.com/sanosuguru/go-event-calendar/internal/config"
	"github.com/sanosuguru/go-event-calendar/internal/domain/event"
	"github.com/sanosuguru/go-event-calendar/internal/infrastructure/emailjs"
	"github.com/sanosuguru/go-event-calendar/internal/infrastructure/memory"
	"github.com/sanosuguru/go-event-calendar/internal/infrastructure/postgres"
	"github.com/sanosuguru/go-event-calendar/internal/infrastructure/redis"
	"github.com/sanosuguru/go-event-calendar/internal/pkg/logger"
	"github.com/sanosuguru/go-event-calendar/internal/pkg/metrics"
	"github.com/sanosuguru/go-event-calendar/internal/worker"
)

const notifyTimeLayout = "2006-01-02 15:04 MST"

// store は選択されたストア実装と後片付け
type store struct {
	repo    event.Repository
	feed    event.ChangeFeed
	checks  []handler.HealthCheck
	closers []func() error
}

func main() {
	cfg := config.Load()

	logger.Set(logger.NewLogger(cfg.Env))
	defer func() { _ = logger.Sync() }()

	m := metrics.Init()

	st, err := openStore(cfg)
	if err != nil {
		logger.Fatal("ストアの初期化に失敗しました", zap.String("driver", cfg.Store.Driver), zap.Error(err))
	}
	logger.Info("ストアを初期化しました", zap.String("driver", cfg.Store.Driver))

	notifier := emailjs.NewNotifier(cfg.Notifier, m)
	if !cfg.Notifier.IsConfigured() {
		logger.Warn("EmailJS が未設定のため確認メールは送信されません")
	}
	loc := cfg.Notifier.Location()

	sessions := application.NewSessionManager(func(owner event.Owner) *application.EventSync {
		return application.NewEventSync(st.repo, st.feed, notifier,
			application.WithLogger(logger.ForOwner(owner.ID)),
			application.WithMetrics(m),
			application.WithTimeFormat(notifyTimeLayout, loc),
		)
	}, m)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	reaper := worker.NewIdleSessionReaper(sessions, cfg.Session.ReapInterval, cfg.Session.IdleTimeout)
	go reaper.Start(ctx)

	e := router.New(router.Config{
		Sessions:     sessions,
		Metrics:      m,
		MetricsAuth:  middleware.LoadMetricsConfig(),
		HealthChecks: st.checks,
	})
	e.Server.ReadTimeout = cfg.Server.ReadTimeout
	e.Server.WriteTimeout = cfg.Server.WriteTimeout

	go func() {
		logger.Info("サーバーを起動します", zap.String("port", cfg.Server.Port), zap.String("env", cfg.Env))
		if err := e.Start(fmt.Sprintf(":%s", cfg.Server.Port)); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("サーバー起動エラー", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("サーバーをシャットダウンしています...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("サーバーシャットダウンエラー", zap.Error(err))
	}
	stop()
	reaper.Stop()
	if err := sessions.Close(); err != nil {
		logger.Error("同期セッションの終了に失敗しました", zap.Error(err))
	}
	for _, closeFn := range st.closers {
		if err := closeFn(); err != nil {
			logger.Error("接続の切断に失敗しました", zap.Error(err))
		}
	}

	logger.Info("サーバーが正常にシャットダウンしました")
}

func openStore(cfg *config.Config) (*store, error) {
	switch cfg.Store.Driver {
	case config.StoreDriverMemory:
		mem := memory.NewStore()
		return &store{repo: mem, feed: mem}, nil
	case config.StoreDriverPostgres:
		return openPostgresStore(cfg)
	default:
		return nil, fmt.Errorf("不明なストアドライバです: %s", cfg.Store.Driver)
	}
}

func openPostgresStore(cfg *config.Config) (*store, error) {
	db, err := postgres.NewConnection(&cfg.Database)
	if err != nil {
		return nil, err
	}
	if err := postgres.RunMigrations(db.DB, cfg.Store.MigrationsPath); err != nil {
		db.Close()
		return nil, err
	}

	client := redis.NewClient(&cfg.Redis)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := redis.Ping(ctx, client); err != nil {
		client.Close()
		db.Close()
		return nil, err
	}

	feed := redis.NewChangeFeed(client)
	repo := postgres.NewEventRepository(db, postgres.NewTxManager(db), feed)

	return &store{
		repo:   repo,
		feed:   feed,
		checks: healthChecks(db, client),
		closers: []func() error{
			client.Close,
			db.Close,
		},
	}, nil
}

func healthChecks(db *sqlx.DB, client *goredis.Client) []handler.HealthCheck {
	return []handler.HealthCheck{
		{Name: "postgres", Check: func(ctx context.Context) error { return postgres.Ping(ctx, db) }},
		{Name: "redis", Check: func(ctx context.Context) error { return redis.Ping(ctx, client) }},
	}
}
