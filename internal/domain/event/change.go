package event

import "context"

// ChangeType は変更フィードの通知種別
type ChangeType string

const (
	ChangeInsert ChangeType = "INSERT"
	ChangeUpdate ChangeType = "UPDATE"
	ChangeDelete ChangeType = "DELETE"
)

// Change は変更フィードで配信される1件の通知
// Delete の場合 Record は nil で ID のみ設定される
type Change struct {
	Type    ChangeType
	OwnerID string
	ID      string
	Record  *Event
}

// NewInsertChange は作成通知を生成する
func NewInsertChange(e *Event) Change {
	return Change{Type: ChangeInsert, OwnerID: e.OwnerID, ID: e.ID, Record: e.Clone()}
}

// NewUpdateChange は更新通知を生成する
func NewUpdateChange(e *Event) Change {
	return Change{Type: ChangeUpdate, OwnerID: e.OwnerID, ID: e.ID, Record: e.Clone()}
}

// NewDeleteChange は削除通知を生成する
func NewDeleteChange(ownerID, id string) Change {
	return Change{Type: ChangeDelete, OwnerID: ownerID, ID: id}
}

// Subscription は所有者単位の変更フィード購読
type Subscription interface {
	// Changes は通知を受け取るチャネルを返す。Close 後にクローズされる
	Changes() <-chan Change
	// Close は購読を解除する
	Close() error
}

// ChangeFeed は変更フィードの購読インターフェース
type ChangeFeed interface {
	Subscribe(ctx context.Context, ownerID string) (Subscription, error)
}

// ChangePublisher は変更フィードへの配信インターフェース
type ChangePublisher interface {
	Publish(ctx context.Context, change Change) error
}
