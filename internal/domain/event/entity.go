package event

import (
	"fmt"
	"strings"
	"time"
)

// Event はカレンダーイベントエンティティを表す
// ID・CreatedAt・UpdatedAt はストアが採番する
type Event struct {
	ID          string
	OwnerID     string
	Title       string
	Description string
	StartTime   time.Time
	EndTime     *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Owner は認証済みのイベント所有者を表す
type Owner struct {
	ID    string
	Email string
}

// Fields はイベント作成時の入力値
type Fields struct {
	Title       string
	Description string
	StartTime   time.Time
	EndTime     *time.Time
}

// Patch は部分更新の入力値。nil のフィールドは変更しない
type Patch struct {
	Title        *string
	Description  *string
	StartTime    *time.Time
	EndTime      *time.Time
	ClearEndTime bool
}

// Validate は作成入力の検証を行う
func (f Fields) Validate() error {
	if strings.TrimSpace(f.Title) == "" {
		return ErrTitleRequired
	}
	if f.StartTime.IsZero() {
		return ErrStartTimeRequired
	}
	if f.EndTime != nil && !f.EndTime.After(f.StartTime) {
		return ErrInvalidEventTime
	}
	return nil
}

// Validate はパッチ単体で判定できる範囲の検証を行う
func (p Patch) Validate() error {
	if p.Title != nil && strings.TrimSpace(*p.Title) == "" {
		return ErrTitleRequired
	}
	if p.StartTime != nil && p.StartTime.IsZero() {
		return ErrStartTimeRequired
	}
	if p.StartTime != nil && p.EndTime != nil && !p.EndTime.After(*p.StartTime) {
		return ErrInvalidEventTime
	}
	if p.ClearEndTime && p.EndTime != nil {
		return fmt.Errorf("%w: end_time を同時に設定・削除できません", ErrValidationFailed)
	}
	return nil
}

// IsEmpty は変更項目が無い場合 true を返す
func (p Patch) IsEmpty() bool {
	return p.Title == nil && p.Description == nil && p.StartTime == nil && p.EndTime == nil && !p.ClearEndTime
}

// Validate はイベントの検証を行う
func (e *Event) Validate() error {
	return Fields{
		Title:       e.Title,
		Description: e.Description,
		StartTime:   e.StartTime,
		EndTime:     e.EndTime,
	}.Validate()
}

// Apply はパッチを適用した新しいイベントを返す（レシーバは変更しない）
func (e *Event) Apply(p Patch) *Event {
	out := e.Clone()
	if p.Title != nil {
		out.Title = *p.Title
	}
	if p.Description != nil {
		out.Description = *p.Description
	}
	if p.StartTime != nil {
		out.StartTime = *p.StartTime
	}
	if p.EndTime != nil {
		end := *p.EndTime
		out.EndTime = &end
	}
	if p.ClearEndTime {
		out.EndTime = nil
	}
	return out
}

// Clone はイベントのディープコピーを返す
func (e *Event) Clone() *Event {
	out := *e
	if e.EndTime != nil {
		end := *e.EndTime
		out.EndTime = &end
	}
	return &out
}
