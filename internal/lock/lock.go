// Package lock はイベント単位の排他制御を行うロックマネージャを提供する。
//
// ロックは助言的（advisory）なもので、取得できなければ待たずに ErrHeld を返す。
// 実装はプロセス内（MemoryLocker）、SQLテーブル（SQLLocker）、Redis（RedisLocker）の3種類。
// SQLとRedisのロックにはTTLを設定でき、保持者がクラッシュしてもTTL経過後に再取得できる。
package lock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrHeld はロックが他の処理に保持されている場合のエラー。エラーではなく競合を表す。
	ErrHeld = errors.New("ロックは他の処理が保持しています")
	// ErrNotHeld は解放しようとしたロックを既に保持していない場合のエラー。
	ErrNotHeld = errors.New("ロックを保持していません")
)

// Lock は取得済みのロックを表す。
type Lock struct {
	// Key はロック対象を識別するキー。
	Key string
	// Token は取得ごとに発行される値。解放時に保持者本人であることの確認に使う。
	Token string
	// ExpiresOn はロックの有効期限。ゼロ値の場合は期限なし。
	ExpiresOn time.Time
}

// Locker はロックの取得と解放を行うインターフェース。
type Locker interface {
	// Acquire はkeyのロックを取得する。保持者がいる場合は即座にErrHeldを返す。
	Acquire(ctx context.Context, key string) (*Lock, error)
	// Release は取得済みのロックを解放する。
	Release(ctx context.Context, l *Lock) error
}

// EventKey はイベントIDからロックキーを生成する。
func EventKey(eventID string) string {
	return "event:" + eventID
}

// newToken はロック取得ごとの一意なトークンを生成する。
func newToken() string {
	return uuid.New().String()
}
