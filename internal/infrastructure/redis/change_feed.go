package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/sanosuguru/go-event-calendar/internal/domain/event"
	"github.com/sanosuguru/go-event-calendar/internal/pkg/logger"
)

const changeBufferSize = 64

// ChangeFeed は Redis Pub/Sub を使った変更フィード
// 所有者ごとに events:changes:<owner_id> チャネルへ配信する
type ChangeFeed struct {
	client *redis.Client
	log    *zap.Logger
}

var (
	_ event.ChangeFeed      = (*ChangeFeed)(nil)
	_ event.ChangePublisher = (*ChangeFeed)(nil)
)

// NewChangeFeed は新しいChangeFeedインスタンスを作成する
func NewChangeFeed(client *redis.Client) *ChangeFeed {
	return &ChangeFeed{client: client, log: logger.Named("redis_change_feed")}
}

// changeMessage はチャネルに流れるJSON
type changeMessage struct {
	Type    string       `json:"type"`
	OwnerID string       `json:"owner_id"`
	ID      string       `json:"id"`
	Record  *eventRecord `json:"record,omitempty"`
}

type eventRecord struct {
	ID          string     `json:"id"`
	OwnerID     string     `json:"owner_id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	StartTime   time.Time  `json:"start_time"`
	EndTime     *time.Time `json:"end_time"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Publish は変更を所有者のチャネルへ配信する
func (f *ChangeFeed) Publish(ctx context.Context, change event.Change) error {
	if change.OwnerID == "" {
		return fmt.Errorf("配信先の所有者がありません: %s", change.ID)
	}
	payload, err := encodeChange(change)
	if err != nil {
		return fmt.Errorf("変更通知のエンコードに失敗: %w", err)
	}
	if err := f.client.Publish(ctx, channelName(change.OwnerID), payload).Err(); err != nil {
		return fmt.Errorf("変更通知の配信に失敗: %w", err)
	}
	return nil
}

// Subscribe は所有者のチャネルを購読する
// Redis が購読を確認するまで待つ
func (f *ChangeFeed) Subscribe(ctx context.Context, ownerID string) (event.Subscription, error) {
	ps := f.client.Subscribe(ctx, channelName(ownerID))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("%w: 変更フィードの購読に失敗: %w", event.ErrStoreUnavailable, err)
	}

	sub := &subscription{
		ps:   ps,
		out:  make(chan event.Change, changeBufferSize),
		stop: make(chan struct{}),
		done: make(chan struct{}),
		log:  f.log.With(zap.String("owner_id", ownerID)),
	}
	go sub.forward()
	return sub, nil
}

type subscription struct {
	ps   *redis.PubSub
	out  chan event.Change
	stop chan struct{}
	done chan struct{}
	once sync.Once
	err  error
	log  *zap.Logger
}

func (s *subscription) forward() {
	defer close(s.done)
	defer close(s.out)

	msgs := s.ps.Channel()
	for {
		select {
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			change, err := decodeChange([]byte(msg.Payload))
			if err != nil {
				s.log.Warn("不正な変更通知を破棄", zap.String("channel", msg.Channel), zap.Error(err))
				continue
			}
			select {
			case s.out <- change:
			case <-s.stop:
				return
			}
		case <-s.stop:
			return
		}
	}
}

func (s *subscription) Changes() <-chan event.Change {
	return s.out
}

func (s *subscription) Close() error {
	s.once.Do(func() {
		close(s.stop)
		if err := s.ps.Close(); err != nil {
			s.err = fmt.Errorf("購読解除に失敗: %w", err)
		}
		<-s.done
	})
	return s.err
}

func channelName(ownerID string) string {
	return fmt.Sprintf("events:changes:%s", ownerID)
}

func encodeChange(change event.Change) ([]byte, error) {
	msg := changeMessage{
		Type:    string(change.Type),
		OwnerID: change.OwnerID,
		ID:      change.ID,
	}
	if r := change.Record; r != nil {
		msg.Record = &eventRecord{
			ID:          r.ID,
			OwnerID:     r.OwnerID,
			Title:       r.Title,
			Description: r.Description,
			StartTime:   r.StartTime,
			EndTime:     r.EndTime,
			CreatedAt:   r.CreatedAt,
			UpdatedAt:   r.UpdatedAt,
		}
	}
	return json.Marshal(msg)
}

func decodeChange(payload []byte) (event.Change, error) {
	var msg changeMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return event.Change{}, err
	}

	change := event.Change{
		Type:    event.ChangeType(msg.Type),
		OwnerID: msg.OwnerID,
		ID:      msg.ID,
	}
	switch change.Type {
	case event.ChangeInsert, event.ChangeUpdate:
		if msg.Record == nil {
			return event.Change{}, fmt.Errorf("%s 通知にレコードがありません", msg.Type)
		}
	case event.ChangeDelete:
	default:
		return event.Change{}, fmt.Errorf("不明な通知種別: %q", msg.Type)
	}

	if r := msg.Record; r != nil {
		change.Record = &event.Event{
			ID:          r.ID,
			OwnerID:     r.OwnerID,
			Title:       r.Title,
			Description: r.Description,
			StartTime:   r.StartTime,
			EndTime:     r.EndTime,
			CreatedAt:   r.CreatedAt,
			UpdatedAt:   r.UpdatedAt,
		}
		if change.ID == "" {
			change.ID = r.ID
		}
	}
	if change.ID == "" {
		return event.Change{}, fmt.Errorf("%s 通知にIDがありません", msg.Type)
	}
	return change, nil
}
