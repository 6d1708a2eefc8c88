package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sanosuguru/go-event-calendar/internal/pkg/logger"
)

// SessionReaper は使われていない同期セッションを終了するインターフェース
type SessionReaper interface {
	ReapIdle(ctx context.Context, idleAfter time.Duration) (int, error)
}

// IdleSessionReaper は一定時間アクセスのない同期セッションを定期的に閉じるワーカー
// セッションを閉じると変更フィードの購読も解除される
type IdleSessionReaper struct {
	sessions  SessionReaper
	interval  time.Duration
	idleAfter time.Duration
	stopCh    chan struct{}
	doneCh    chan struct{}
	stopOnce  sync.Once
}

// NewIdleSessionReaper は新しいリーパーを作成
func NewIdleSessionReaper(sessions SessionReaper, interval, idleAfter time.Duration) *IdleSessionReaper {
	return &IdleSessionReaper{
		sessions:  sessions,
		interval:  interval,
		idleAfter: idleAfter,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start はリーパーを開始する。停止するまで戻らない
func (r *IdleSessionReaper) Start(ctx context.Context) {
	logger.Info("アイドルセッションリーパー開始",
		zap.Duration("interval", r.interval),
		zap.Duration("idle_after", r.idleAfter),
	)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	defer close(r.doneCh)

	for {
		select {
		case <-ctx.Done():
			logger.Info("アイドルセッションリーパー停止（コンテキストキャンセル）")
			return
		case <-r.stopCh:
			logger.Info("アイドルセッションリーパー停止（シグナル受信）")
			return
		case <-ticker.C:
			r.reap(ctx)
		}
	}
}

// Stop はリーパーを停止し、Start が戻るまで待つ
func (r *IdleSessionReaper) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	<-r.doneCh
}

func (r *IdleSessionReaper) reap(ctx context.Context) {
	log := logger.Get()

	count, err := r.sessions.ReapIdle(ctx, r.idleAfter)
	if err != nil {
		log.Error("アイドルセッションの終了に失敗", zap.Int("count", count), zap.Error(err))
		return
	}

	if count > 0 {
		log.Info("アイドルセッションを終了", zap.Int("count", count))
	} else {
		log.Debug("アイドルセッションなし")
	}
}
