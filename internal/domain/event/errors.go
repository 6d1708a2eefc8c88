package event

import (
	"errors"
	"fmt"
)

// Event ドメインのエラー定義
var (
	ErrAuthenticationRequired = errors.New("認証されていません")
	ErrEventNotFound          = errors.New("イベントが見つかりません")
	ErrStoreUnavailable       = errors.New("イベントストアに接続できません")
	ErrValidationFailed       = errors.New("入力値が不正です")
)

// ErrValidationFailed の詳細
var (
	ErrTitleRequired     = fmt.Errorf("%w: タイトルは必須です", ErrValidationFailed)
	ErrStartTimeRequired = fmt.Errorf("%w: 開始時刻は必須です", ErrValidationFailed)
	ErrInvalidEventTime  = fmt.Errorf("%w: 終了時刻は開始時刻より後である必要があります", ErrValidationFailed)
)
