package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/sanosuguru/go-event-calendar/internal/domain/event"
	"github.com/sanosuguru/go-event-calendar/internal/domain/transaction"
	"github.com/sanosuguru/go-event-calendar/internal/pkg/logger"
)

const eventColumns = `id, owner_id, title, description, start_time, end_time, created_at, updated_at`

// eventRow はDBの行を表す構造体
type eventRow struct {
	ID          string     `db:"id"`
	OwnerID     string     `db:"owner_id"`
	Title       string     `db:"title"`
	Description string     `db:"description"`
	StartTime   time.Time  `db:"start_time"`
	EndTime     *time.Time `db:"end_time"`
	CreatedAt   time.Time  `db:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at"`
}

// toEntity はeventRowをEventエンティティに変換する
func (r *eventRow) toEntity() *event.Event {
	e := &event.Event{
		ID:          r.ID,
		OwnerID:     r.OwnerID,
		Title:       r.Title,
		Description: r.Description,
		StartTime:   r.StartTime.UTC(),
		CreatedAt:   r.CreatedAt.UTC(),
		UpdatedAt:   r.UpdatedAt.UTC(),
	}
	if r.EndTime != nil {
		end := r.EndTime.UTC()
		e.EndTime = &end
	}
	return e
}

// EventRepository はイベントリポジトリのPostgreSQL実装
// コミット後の変更は publisher へ配信する
type EventRepository struct {
	db        *sqlx.DB
	txManager transaction.Manager
	publisher event.ChangePublisher
	log       *zap.Logger
}

// NewEventRepository はEventRepositoryを作成する
// publisher が nil の場合は変更を配信しない
func NewEventRepository(db *sqlx.DB, txManager transaction.Manager, publisher event.ChangePublisher) *EventRepository {
	return &EventRepository{
		db:        db,
		txManager: txManager,
		publisher: publisher,
		log:       logger.Named("event_repository"),
	}
}

// Fetch は所有者のイベントを開始時刻の昇順で取得する
func (r *EventRepository) Fetch(ctx context.Context, ownerID string) ([]*event.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE owner_id = $1 ORDER BY start_time ASC, created_at ASC`

	var rows []eventRow
	if err := r.db.SelectContext(ctx, &rows, query, ownerID); err != nil {
		return nil, mapError("イベント一覧取得", err)
	}

	events := make([]*event.Event, len(rows))
	for i := range rows {
		events[i] = rows[i].toEntity()
	}
	return events, nil
}

// Insert は新しいイベントを作成する。IDと作成日時はDBが採番する
func (r *EventRepository) Insert(ctx context.Context, ownerID string, fields event.Fields) (*event.Event, error) {
	if err := fields.Validate(); err != nil {
		return nil, err
	}

	query := `
		INSERT INTO events (owner_id, title, description, start_time, end_time)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING ` + eventColumns

	var row eventRow
	err := r.db.GetContext(ctx, &row, query,
		ownerID, fields.Title, fields.Description, fields.StartTime, fields.EndTime,
	)
	if err != nil {
		return nil, mapError("イベント作成", err)
	}

	created := row.toEntity()
	r.publish(ctx, event.NewInsertChange(created))
	return created, nil
}

// Update は行ロックを取ったうえでパッチを適用する
func (r *EventRepository) Update(ctx context.Context, ownerID, id string, patch event.Patch) (*event.Event, error) {
	if err := patch.Validate(); err != nil {
		return nil, err
	}

	var updated *event.Event
	err := transaction.Run(ctx, r.txManager, func(tx transaction.Tx) error {
		sqlTx := UnwrapTx(tx)
		if sqlTx == nil {
			return fmt.Errorf("%w: 対応していないトランザクションです", event.ErrStoreUnavailable)
		}

		var row eventRow
		selectQuery := `SELECT ` + eventColumns + ` FROM events WHERE id = $1 AND owner_id = $2 FOR UPDATE`
		if err := sqlTx.GetContext(ctx, &row, selectQuery, id, ownerID); err != nil {
			return mapError("イベント取得", err)
		}

		next := row.toEntity().Apply(patch)
		if err := next.Validate(); err != nil {
			return err
		}

		updateQuery := `
			UPDATE events
			SET title = $1, description = $2, start_time = $3, end_time = $4, updated_at = now()
			WHERE id = $5 AND owner_id = $6
			RETURNING ` + eventColumns

		var out eventRow
		if err := sqlTx.GetContext(ctx, &out, updateQuery,
			next.Title, next.Description, next.StartTime, next.EndTime, id, ownerID,
		); err != nil {
			return mapError("イベント更新", err)
		}
		updated = out.toEntity()
		return nil
	})
	if err != nil {
		if errors.Is(err, event.ErrValidationFailed) || errors.Is(err, event.ErrEventNotFound) ||
			errors.Is(err, event.ErrStoreUnavailable) {
			return nil, err
		}
		return nil, mapError("イベント更新", err)
	}

	r.publish(ctx, event.NewUpdateChange(updated))
	return updated, nil
}

// Delete はイベントを削除する
func (r *EventRepository) Delete(ctx context.Context, ownerID, id string) error {
	query := `DELETE FROM events WHERE id = $1 AND owner_id = $2`

	result, err := r.db.ExecContext(ctx, query, id, ownerID)
	if err != nil {
		return mapError("イベント削除", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return mapError("削除結果の確認", err)
	}
	if rowsAffected == 0 {
		return event.ErrEventNotFound
	}

	r.publish(ctx, event.NewDeleteChange(ownerID, id))
	return nil
}

// publish の失敗は書き込み結果に影響させない
func (r *EventRepository) publish(ctx context.Context, change event.Change) {
	if r.publisher == nil {
		return
	}
	if err := r.publisher.Publish(context.WithoutCancel(ctx), change); err != nil {
		r.log.Warn("変更通知の配信に失敗",
			zap.String("type", string(change.Type)),
			zap.String("owner_id", change.OwnerID),
			zap.String("event_id", change.ID),
			zap.Error(err),
		)
	}
}

// mapError はDBのエラーをドメインのエラーに変換する
func mapError(op string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return event.ErrEventNotFound
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "22P02": // invalid_text_representation: UUIDとして解釈できないID
			return event.ErrEventNotFound
		case "23502", "23514": // not_null_violation, check_violation
			return fmt.Errorf("%w: %s", event.ErrValidationFailed, pqErr.Message)
		}
	}
	return fmt.Errorf("%w: %sに失敗しました: %w", event.ErrStoreUnavailable, op, err)
}

// インターフェースを満たしているか確認
var _ event.Repository = (*EventRepository)(nil)
