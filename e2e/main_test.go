package e2e

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"

	"github.com/sanosuguru/go-event-calendar/internal/api/handler"
	"github.com/sanosuguru/go-event-calendar/internal/api/router"
	"github.com/sanosuguru/go-event-calendar/internal/application"
	"github.com/sanosuguru/go-event-calendar/internal/config"
	"github.com/sanosuguru/go-event-calendar/internal/domain/event"
	"github.com/sanosuguru/go-event-calendar/internal/infrastructure/postgres"
	"github.com/sanosuguru/go-event-calendar/internal/infrastructure/redis"
	"github.com/sanosuguru/go-event-calendar/internal/pkg/metrics"
)

// TestServer はE2Eテスト用のサーバー
type TestServer struct {
	Echo     *echo.Echo
	Sessions *application.SessionManager
}

var (
	testServer  *TestServer
	testDB      *sqlx.DB
	redisClient *goredis.Client
	eventRepo   *postgres.EventRepository
	changeFeed  *redis.ChangeFeed
)

// TestMain はE2Eテストのエントリポイント
// パッケージ全体で1回だけサーバーを組み立てる
func TestMain(m *testing.M) {
	cfg := config.Load()

	db, err := postgres.NewConnection(&cfg.Database)
	if err != nil {
		os.Exit(0) // DB未起動時はスキップ
	}
	testDB = db
	if err := postgres.RunMigrations(db.DB, "../migrations"); err != nil {
		db.Close()
		os.Exit(1)
	}

	redisClient = redis.NewClient(&cfg.Redis)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	err = redis.Ping(ctx, redisClient)
	cancel()
	if err != nil {
		redisClient.Close()
		db.Close()
		os.Exit(0) // Redis未起動時はスキップ
	}

	reg := prometheus.NewRegistry()
	met := metrics.NewWithRegistry(reg)

	changeFeed = redis.NewChangeFeed(redisClient)
	eventRepo = postgres.NewEventRepository(db, postgres.NewTxManager(db), changeFeed)

	sessions := application.NewSessionManager(func(owner event.Owner) *application.EventSync {
		return application.NewEventSync(eventRepo, changeFeed, nil, application.WithMetrics(met))
	}, met)

	e := router.New(router.Config{
		Sessions: sessions,
		Metrics:  met,
		Gatherer: reg,
		HealthChecks: []handler.HealthCheck{
			{Name: "postgres", Check: func(ctx context.Context) error { return postgres.Ping(ctx, db) }},
			{Name: "redis", Check: func(ctx context.Context) error { return redis.Ping(ctx, redisClient) }},
		},
	})

	testServer = &TestServer{Echo: e, Sessions: sessions}

	code := m.Run()

	sessions.Close()
	cleanupTables()
	redisClient.Close()
	db.Close()

	os.Exit(code)
}

// cleanupTables はテーブルをクリーンアップ
func cleanupTables() {
	testDB.Exec("TRUNCATE TABLE events")
}

// getTestServer は共有サーバーを取得する
// 所有者はテストごとに一意にするため、テーブルは消さない
func getTestServer(t *testing.T) *TestServer {
	t.Helper()
	if testServer == nil {
		t.Skip("テスト環境が利用できません")
	}
	return testServer
}
