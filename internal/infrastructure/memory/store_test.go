package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sanosuguru/go-event-calendar/internal/domain/event"
)

func ptr[T any](v T) *T { return &v }

func receive(t *testing.T, sub event.Subscription) event.Change {
	t.Helper()
	select {
	case ch := <-sub.Changes():
		return ch
	case <-time.After(time.Second):
		t.Fatal("変更通知が届きませんでした")
		return event.Change{}
	}
}

func TestStore_InsertAndFetch(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	base := time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC)

	later, err := s.Insert(ctx, "u1", event.Fields{Title: "Lunch", StartTime: base.Add(3 * time.Hour)})
	require.NoError(t, err)
	first, err := s.Insert(ctx, "u1", event.Fields{Title: "Standup", StartTime: base})
	require.NoError(t, err)
	tie, err := s.Insert(ctx, "u1", event.Fields{Title: "Coffee", StartTime: base})
	require.NoError(t, err)
	_, err = s.Insert(ctx, "u2", event.Fields{Title: "Other", StartTime: base})
	require.NoError(t, err)

	assert.NotEmpty(t, first.ID)
	assert.Equal(t, "u1", first.OwnerID)
	assert.False(t, first.CreatedAt.IsZero())

	events, err := s.Fetch(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, []string{first.ID, tie.ID, later.ID}, []string{events[0].ID, events[1].ID, events[2].ID})
}

func TestStore_Insert_Validation(t *testing.T) {
	s := NewStore()
	start := time.Now()

	_, err := s.Insert(context.Background(), "u1", event.Fields{Title: "x", StartTime: start, EndTime: ptr(start)})
	assert.ErrorIs(t, err, event.ErrInvalidEventTime)
}

func TestStore_Update(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	start := time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC)
	created, err := s.Insert(ctx, "u1", event.Fields{Title: "Standup", StartTime: start, EndTime: ptr(start.Add(15 * time.Minute))})
	require.NoError(t, err)

	t.Run("部分更新できる", func(t *testing.T) {
		updated, err := s.Update(ctx, "u1", created.ID, event.Patch{Title: ptr("Daily")})
		require.NoError(t, err)
		assert.Equal(t, "Daily", updated.Title)
		assert.Equal(t, created.StartTime, updated.StartTime)
	})

	t.Run("存在しないIDは見つからない", func(t *testing.T) {
		_, err := s.Update(ctx, "u1", "ghost", event.Patch{Title: ptr("x")})
		assert.ErrorIs(t, err, event.ErrEventNotFound)
	})

	t.Run("他の所有者のイベントは見つからない", func(t *testing.T) {
		_, err := s.Update(ctx, "u2", created.ID, event.Patch{Title: ptr("x")})
		assert.ErrorIs(t, err, event.ErrEventNotFound)
	})

	t.Run("適用後に不整合となる更新は拒否される", func(t *testing.T) {
		_, err := s.Update(ctx, "u1", created.ID, event.Patch{StartTime: ptr(start.Add(time.Hour))})
		assert.ErrorIs(t, err, event.ErrInvalidEventTime)
	})
}

func TestStore_Delete(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	created, err := s.Insert(ctx, "u1", event.Fields{Title: "Standup", StartTime: time.Now()})
	require.NoError(t, err)

	assert.ErrorIs(t, s.Delete(ctx, "u2", created.ID), event.ErrEventNotFound)
	require.NoError(t, s.Delete(ctx, "u1", created.ID))
	assert.ErrorIs(t, s.Delete(ctx, "u1", created.ID), event.ErrEventNotFound)

	events, err := s.Fetch(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestStore_Subscribe(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	sub, err := s.Subscribe(ctx, "u1")
	require.NoError(t, err)
	other, err := s.Subscribe(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, 1, s.Subscribers("u1"))

	created, err := s.Insert(ctx, "u1", event.Fields{Title: "Standup", StartTime: time.Now()})
	require.NoError(t, err)
	ch := receive(t, sub)
	assert.Equal(t, event.ChangeInsert, ch.Type)
	assert.Equal(t, created.ID, ch.Record.ID)

	_, err = s.Update(ctx, "u1", created.ID, event.Patch{Title: ptr("Daily")})
	require.NoError(t, err)
	ch = receive(t, sub)
	assert.Equal(t, event.ChangeUpdate, ch.Type)
	assert.Equal(t, "Daily", ch.Record.Title)

	require.NoError(t, s.Delete(ctx, "u1", created.ID))
	ch = receive(t, sub)
	assert.Equal(t, event.ChangeDelete, ch.Type)
	assert.Equal(t, created.ID, ch.ID)

	// 他の所有者には配信されない
	select {
	case ch := <-other.Changes():
		t.Fatalf("unexpected change: %+v", ch)
	default:
	}

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())
	_, ok := <-sub.Changes()
	assert.False(t, ok)
	assert.Equal(t, 0, s.Subscribers("u1"))
}

func TestStore_CanceledContext(t *testing.T) {
	s := NewStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Fetch(ctx, "u1")
	assert.ErrorIs(t, err, context.Canceled)
	_, err = s.Subscribe(ctx, "u1")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStore_OverflowClosesSubscription(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	slow, err := s.Subscribe(ctx, "u1")
	require.NoError(t, err)
	fast, err := s.Subscribe(ctx, "u1")
	require.NoError(t, err)
	defer fast.Close()

	received := 0
	for i := 0; i < subscriptionBuffer+1; i++ {
		require.NoError(t, s.Publish(ctx, event.NewDeleteChange("u1", "e1")))
		<-fast.Changes()
		received++
	}
	assert.Equal(t, subscriptionBuffer+1, received)

	// 溢れた購読は切断され、バッファ分を読み切るとチャネルが閉じる
	assert.Equal(t, 1, s.Subscribers("u1"))
	for i := 0; i < subscriptionBuffer; i++ {
		_, ok := <-slow.Changes()
		require.True(t, ok)
	}
	_, ok := <-slow.Changes()
	assert.False(t, ok)
	assert.NoError(t, slow.Close())
}
