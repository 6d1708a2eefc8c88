package event

import "context"

// Repository はリモートイベントストアのインターフェース
// すべての操作は所有者IDでスコープされる
type Repository interface {
	// Fetch は所有者のイベントを開始時刻の昇順で取得する
	Fetch(ctx context.Context, ownerID string) ([]*Event, error)

	// Insert は新しいイベントを作成し、採番済みのレコードを返す
	Insert(ctx context.Context, ownerID string, fields Fields) (*Event, error)

	// Update はイベントを部分更新する。該当が無ければ ErrEventNotFound
	Update(ctx context.Context, ownerID, id string, patch Patch) (*Event, error)

	// Delete はイベントを削除する。該当が無ければ ErrEventNotFound
	Delete(ctx context.Context, ownerID, id string) error
}
