package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sanosuguru/go-event-calendar/internal/domain/event"
	"github.com/sanosuguru/go-event-calendar/internal/pkg/logger"
)

// subscriptionBuffer は購読ごとの通知バッファ
const subscriptionBuffer = 64

// Store はプロセス内で完結するイベントストアと変更フィード
// 開発時の STORE_DRIVER=memory とテストで使用する
type Store struct {
	mu     sync.RWMutex
	events map[string]*event.Event
	seq    map[string]int64
	next   int64
	subs   map[string]map[*subscription]struct{}
	now    func() time.Time
}

// NewStore は空のストアを作成する
func NewStore() *Store {
	return &Store{
		events: make(map[string]*event.Event),
		seq:    make(map[string]int64),
		subs:   make(map[string]map[*subscription]struct{}),
		now:    time.Now,
	}
}

// Fetch は所有者のイベントを開始時刻の昇順で返す
func (s *Store) Fetch(ctx context.Context, ownerID string) ([]*event.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*event.Event, 0)
	for _, e := range s.events {
		if e.OwnerID == ownerID {
			result = append(result, e.Clone())
		}
	}
	// 同時刻は作成順
	sort.Slice(result, func(i, j int) bool {
		if !result[i].StartTime.Equal(result[j].StartTime) {
			return result[i].StartTime.Before(result[j].StartTime)
		}
		return s.seq[result[i].ID] < s.seq[result[j].ID]
	})
	return result, nil
}

// Insert は新しいイベントを作成する
func (s *Store) Insert(ctx context.Context, ownerID string, fields event.Fields) (*event.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := fields.Validate(); err != nil {
		return nil, err
	}

	now := s.now()
	e := &event.Event{
		ID:          uuid.NewString(),
		OwnerID:     ownerID,
		Title:       fields.Title,
		Description: fields.Description,
		StartTime:   fields.StartTime,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if fields.EndTime != nil {
		end := *fields.EndTime
		e.EndTime = &end
	}

	s.mu.Lock()
	s.next++
	s.seq[e.ID] = s.next
	s.events[e.ID] = e
	s.broadcastLocked(event.NewInsertChange(e))
	s.mu.Unlock()

	return e.Clone(), nil
}

// Update は所有者のイベントを部分更新する
func (s *Store) Update(ctx context.Context, ownerID, id string, patch event.Patch) (*event.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.events[id]
	if !ok || current.OwnerID != ownerID {
		return nil, event.ErrEventNotFound
	}
	updated := current.Apply(patch)
	if err := updated.Validate(); err != nil {
		return nil, err
	}
	updated.UpdatedAt = s.now()
	s.events[id] = updated
	s.broadcastLocked(event.NewUpdateChange(updated))

	return updated.Clone(), nil
}

// Delete は所有者のイベントを削除する
func (s *Store) Delete(ctx context.Context, ownerID, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.events[id]
	if !ok || current.OwnerID != ownerID {
		return event.ErrEventNotFound
	}
	delete(s.events, id)
	delete(s.seq, id)
	s.broadcastLocked(event.NewDeleteChange(ownerID, id))
	return nil
}

// Subscribe は所有者の変更フィードを購読する
func (s *Store) Subscribe(ctx context.Context, ownerID string) (event.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sub := &subscription{
		store:   s,
		ownerID: ownerID,
		ch:      make(chan event.Change, subscriptionBuffer),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subs[ownerID] == nil {
		s.subs[ownerID] = make(map[*subscription]struct{})
	}
	s.subs[ownerID][sub] = struct{}{}
	return sub, nil
}

// Publish は任意の変更通知を配信する（別セッションからの変更の再現に使う）
func (s *Store) Publish(_ context.Context, change event.Change) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broadcastLocked(change)
	return nil
}

// Subscribers は所有者の購読数を返す
func (s *Store) Subscribers(ownerID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs[ownerID])
}

func (s *Store) broadcastLocked(change event.Change) {
	for sub := range s.subs[change.OwnerID] {
		c := change
		if c.Record != nil {
			c.Record = c.Record.Clone()
		}
		select {
		case sub.ch <- c:
		default:
			// 取りこぼしたまま配信を続けると購読側が分岐するので切断する
			logger.Warn("購読者のバッファが一杯のため購読を切断",
				zap.String("owner_id", change.OwnerID),
				zap.String("event_id", change.ID),
			)
			sub.closeLocked()
		}
	}
}

type subscription struct {
	store   *Store
	ownerID string
	ch      chan event.Change
	once    sync.Once
}

func (sub *subscription) Changes() <-chan event.Change {
	return sub.ch
}

func (sub *subscription) Close() error {
	sub.store.mu.Lock()
	defer sub.store.mu.Unlock()
	sub.closeLocked()
	return nil
}

// closeLocked は store.mu を保持した状態で呼ぶ
func (sub *subscription) closeLocked() {
	sub.once.Do(func() {
		s := sub.store
		delete(s.subs[sub.ownerID], sub)
		if len(s.subs[sub.ownerID]) == 0 {
			delete(s.subs, sub.ownerID)
		}
		close(sub.ch)
	})
}

var (
	_ event.Repository      = (*Store)(nil)
	_ event.ChangeFeed      = (*Store)(nil)
	_ event.ChangePublisher = (*Store)(nil)
)
