package application

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sanosuguru/go-event-calendar/internal/domain/event"
	"github.com/sanosuguru/go-event-calendar/internal/infrastructure/memory"
	"github.com/sanosuguru/go-event-calendar/internal/pkg/metrics"
)

func newTestManager(t *testing.T, store *memory.Store) (*SessionManager, *metrics.Metrics) {
	t.Helper()
	m := metrics.NewWithRegistry(prometheus.NewRegistry())
	mgr := NewSessionManager(func(owner event.Owner) *EventSync {
		return NewEventSync(store, store, nil, WithMetrics(m))
	}, m)
	t.Cleanup(func() { mgr.Close() })
	return mgr, m
}

func TestSessionManager_Session(t *testing.T) {
	ctx := context.Background()

	t.Run("同じ所有者には同じセッションを返す", func(t *testing.T) {
		store := memory.NewStore()
		mgr, m := newTestManager(t, store)

		a, err := mgr.Session(ctx, event.Owner{ID: "u1"})
		require.NoError(t, err)
		b, err := mgr.Session(ctx, event.Owner{ID: "u1"})
		require.NoError(t, err)

		assert.Same(t, a, b)
		assert.Equal(t, 1, mgr.Len())
		assert.Equal(t, 1, store.Subscribers("u1"))
		assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveSessions))

		snap, err := a.Snapshot(ctx)
		require.NoError(t, err)
		assert.Equal(t, StatusReady, snap.Status)
	})

	t.Run("所有者ごとに別のセッション", func(t *testing.T) {
		store := memory.NewStore()
		mgr, _ := newTestManager(t, store)

		a, err := mgr.Session(ctx, event.Owner{ID: "u1"})
		require.NoError(t, err)
		b, err := mgr.Session(ctx, event.Owner{ID: "u2"})
		require.NoError(t, err)

		assert.NotSame(t, a, b)
		assert.Equal(t, 2, mgr.Len())
	})

	t.Run("所有者IDが空ならエラー", func(t *testing.T) {
		mgr, _ := newTestManager(t, memory.NewStore())

		_, err := mgr.Session(ctx, event.Owner{})
		assert.ErrorIs(t, err, event.ErrAuthenticationRequired)
		assert.Equal(t, 0, mgr.Len())
	})

	t.Run("同時に要求しても初期化は1回", func(t *testing.T) {
		store := memory.NewStore()
		var (
			mu      sync.Mutex
			created int
		)
		mgr := NewSessionManager(func(owner event.Owner) *EventSync {
			mu.Lock()
			created++
			mu.Unlock()
			return NewEventSync(store, store, nil)
		}, nil)
		defer mgr.Close()

		var wg sync.WaitGroup
		results := make([]*EventSync, 10)
		for i := range results {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				s, err := mgr.Session(ctx, event.Owner{ID: "u1"})
				assert.NoError(t, err)
				results[i] = s
			}(i)
		}
		wg.Wait()

		assert.Equal(t, 1, created)
		for _, s := range results {
			assert.Same(t, results[0], s)
		}
	})

	t.Run("初期化に失敗したセッションは残らない", func(t *testing.T) {
		repo := new(MockEventRepository)
		feed := newFakeFeed()
		feed.err = errors.New("redis down")
		mgr := NewSessionManager(func(owner event.Owner) *EventSync {
			return NewEventSync(repo, feed, nil)
		}, nil)
		defer mgr.Close()

		_, err := mgr.Session(ctx, event.Owner{ID: "u1"})

		assert.ErrorIs(t, err, event.ErrStoreUnavailable)
		assert.Equal(t, 0, mgr.Len())
	})

	t.Run("Close後はエラー", func(t *testing.T) {
		mgr, _ := newTestManager(t, memory.NewStore())
		require.NoError(t, mgr.Close())

		_, err := mgr.Session(ctx, event.Owner{ID: "u1"})
		assert.ErrorIs(t, err, ErrSyncClosed)
	})
}

func TestSessionManager_ReapIdle(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	mgr, m := newTestManager(t, store)

	now := time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC)
	mgr.now = func() time.Time { return now }

	idle, err := mgr.Session(ctx, event.Owner{ID: "idle"})
	require.NoError(t, err)

	now = now.Add(20 * time.Minute)
	_, err = mgr.Session(ctx, event.Owner{ID: "active"})
	require.NoError(t, err)

	now = now.Add(15 * time.Minute)
	reaped, err := mgr.ReapIdle(ctx, 30*time.Minute)
	require.NoError(t, err)

	assert.Equal(t, 1, reaped)
	assert.Equal(t, 1, mgr.Len())
	assert.Equal(t, 0, store.Subscribers("idle"))
	assert.Equal(t, 1, store.Subscribers("active"))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveSessions))

	_, err = idle.Snapshot(ctx)
	assert.ErrorIs(t, err, ErrSyncClosed)

	// 再度アクセスすると新しいセッションが作られる
	again, err := mgr.Session(ctx, event.Owner{ID: "idle"})
	require.NoError(t, err)
	assert.NotSame(t, idle, again)
}

func TestSessionManager_Close(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	mgr, m := newTestManager(t, store)

	s, err := mgr.Session(ctx, event.Owner{ID: "u1"})
	require.NoError(t, err)

	require.NoError(t, mgr.Close())

	assert.Equal(t, 0, mgr.Len())
	assert.Equal(t, 0, store.Subscribers("u1"))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ActiveSessions))
	_, err = s.Snapshot(ctx)
	assert.ErrorIs(t, err, ErrSyncClosed)
}

func TestSessionManager_ReapIdle_KeepsListenedSessions(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	mgr, _ := newTestManager(t, store)

	now := time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC)
	mgr.now = func() time.Time { return now }

	s, err := mgr.Session(ctx, event.Owner{ID: "u1"})
	require.NoError(t, err)
	remove, err := s.AddListener(func(Snapshot) {})
	require.NoError(t, err)

	now = now.Add(time.Hour)
	reaped, err := mgr.ReapIdle(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, reaped)
	assert.Equal(t, 1, mgr.Len())
	assert.Equal(t, 1, store.Subscribers("u1"))

	// リスナーが外れた後は回収される
	remove()
	remove()
	now = now.Add(time.Hour)
	reaped, err = mgr.ReapIdle(ctx, 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, reaped)

	select {
	case <-s.Done():
	default:
		t.Fatal("回収されたセッションの Done が閉じていない")
	}
}

func TestSessionManager_Session_UpdatesEmail(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	notifier := &recordingNotifier{}
	var syncs []*EventSync
	mgr := NewSessionManager(func(owner event.Owner) *EventSync {
		s := NewEventSync(store, store, notifier)
		syncs = append(syncs, s)
		return s
	}, nil)
	defer mgr.Close()

	_, err := mgr.Session(ctx, event.Owner{ID: "u1", Email: "old@example.com"})
	require.NoError(t, err)

	// メールアドレスの無い要求では変更しない
	_, err = mgr.Session(ctx, event.Owner{ID: "u1"})
	require.NoError(t, err)

	s, err := mgr.Session(ctx, event.Owner{ID: "u1", Email: "new@example.com"})
	require.NoError(t, err)
	_, err = s.Create(ctx, "u1", event.Fields{Title: "Standup", StartTime: base})
	require.NoError(t, err)
	require.NoError(t, mgr.Close())

	require.Len(t, syncs, 1)
	calls := notifier.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "new@example.com", calls[0].email)
}
