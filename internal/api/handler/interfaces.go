package handler

import (
	"context"

	"github.com/sanosuguru/go-event-calendar/internal/application"
	"github.com/sanosuguru/go-event-calendar/internal/domain/event"
)

// EventSession は1所有者分の同期セッション
// application.EventSync が実装する
type EventSession interface {
	Create(ctx context.Context, ownerID string, fields event.Fields) (*event.Event, error)
	Update(ctx context.Context, ownerID, id string, patch event.Patch) (*event.Event, error)
	Delete(ctx context.Context, ownerID, id string) error
	Refresh(ctx context.Context) error
	Snapshot(ctx context.Context) (application.Snapshot, error)
	AddListener(fn application.Listener) (func(), error)
	Done() <-chan struct{}
}

// SessionProvider は所有者の同期セッションを返す
type SessionProvider interface {
	Acquire(ctx context.Context, owner event.Owner) (EventSession, error)
}

// SessionCounter はアクティブなセッション数を返す
type SessionCounter interface {
	Len() int
}

var _ EventSession = (*application.EventSync)(nil)

// NewSessionProvider は SessionManager を SessionProvider として使えるようにする
func NewSessionProvider(m *application.SessionManager) SessionProvider {
	return managerProvider{m: m}
}

type managerProvider struct {
	m *application.SessionManager
}

func (p managerProvider) Acquire(ctx context.Context, owner event.Owner) (EventSession, error) {
	s, err := p.m.Session(ctx, owner)
	if err != nil {
		return nil, err
	}
	return s, nil
}
