package application

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sanosuguru/go-event-calendar/internal/domain/event"
	"github.com/sanosuguru/go-event-calendar/internal/pkg/logger"
	"github.com/sanosuguru/go-event-calendar/internal/pkg/metrics"
)

// SyncFactory は所有者ごとの EventSync を作成する
type SyncFactory func(owner event.Owner) *EventSync

// SessionManager は所有者ごとに1つの EventSync を管理する
type SessionManager struct {
	factory SyncFactory
	metrics *metrics.Metrics
	now     func() time.Time

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
}

type session struct {
	sync     *EventSync
	ready    chan struct{}
	initErr  error
	lastSeen time.Time
	email    string
}

// NewSessionManager は SessionManager を作成する
func NewSessionManager(factory SyncFactory, m *metrics.Metrics) *SessionManager {
	return &SessionManager{
		factory:  factory,
		metrics:  m,
		now:      time.Now,
		sessions: make(map[string]*session),
	}
}

// Session は所有者の同期セッションを返す。無ければ作成して初期化する
func (m *SessionManager) Session(ctx context.Context, owner event.Owner) (*EventSync, error) {
	if owner.ID == "" {
		return nil, event.ErrAuthenticationRequired
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrSyncClosed
	}
	s, ok := m.sessions[owner.ID]
	if ok {
		s.lastSeen = m.now()
		emailChanged := owner.Email != "" && owner.Email != s.email
		if emailChanged {
			s.email = owner.Email
		}
		m.mu.Unlock()
		select {
		case <-s.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if s.initErr != nil {
			return nil, s.initErr
		}
		if emailChanged {
			if err := s.sync.SetOwnerEmail(ctx, owner.ID, owner.Email); err != nil {
				return nil, err
			}
		}
		return s.sync, nil
	}

	s = &session{
		sync:     m.factory(owner),
		ready:    make(chan struct{}),
		lastSeen: m.now(),
		email:    owner.Email,
	}
	m.sessions[owner.ID] = s
	m.metrics.SetActiveSessions(len(m.sessions))
	m.mu.Unlock()

	// 初期化はリクエストのキャンセルに影響されない
	err := s.sync.Initialize(context.WithoutCancel(ctx), &owner)
	if err != nil {
		s.initErr = err
		m.mu.Lock()
		if m.sessions[owner.ID] == s {
			delete(m.sessions, owner.ID)
		}
		m.metrics.SetActiveSessions(len(m.sessions))
		m.mu.Unlock()
		_ = s.sync.Close()
		logger.ForOwner(owner.ID).Warn("同期セッションの初期化に失敗", zap.Error(err))
	} else {
		logger.ForOwner(owner.ID).Info("同期セッションを開始")
	}
	close(s.ready)

	if err != nil {
		return nil, err
	}
	return s.sync, nil
}

// ReapIdle は idleAfter 以上使われていないセッションを終了し、その数を返す
// リスナーが登録されているセッションは使用中とみなす
func (m *SessionManager) ReapIdle(ctx context.Context, idleAfter time.Duration) (int, error) {
	deadline := m.now().Add(-idleAfter)

	m.mu.Lock()
	var idle []*EventSync
	for ownerID, s := range m.sessions {
		select {
		case <-s.ready:
		default:
			continue // 初期化中
		}
		if s.sync.Listening() {
			s.lastSeen = m.now()
			continue
		}
		if s.lastSeen.Before(deadline) {
			idle = append(idle, s.sync)
			delete(m.sessions, ownerID)
		}
	}
	m.metrics.SetActiveSessions(len(m.sessions))
	m.mu.Unlock()

	for i, s := range idle {
		if err := ctx.Err(); err != nil {
			// 残りも閉じておかないと購読が漏れる
			for _, rest := range idle[i:] {
				_ = rest.Close()
			}
			return len(idle), err
		}
		_ = s.Close()
	}
	return len(idle), nil
}

// Len はアクティブなセッション数を返す
func (m *SessionManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Close はすべてのセッションを終了する
func (m *SessionManager) Close() error {
	m.mu.Lock()
	m.closed = true
	sessions := m.sessions
	m.sessions = make(map[string]*session)
	m.metrics.SetActiveSessions(0)
	m.mu.Unlock()

	for _, s := range sessions {
		<-s.ready
		_ = s.sync.Close()
	}
	return nil
}
