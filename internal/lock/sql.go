package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// SQLLocker はevent_locksテーブルの一意制約を利用したロックマネージャ。
// 複数プロセスが同じデータベースを共有する場合に使用する。
// テーブルはinternal/storeのマイグレーションで作成される。
type SQLLocker struct {
	// db はロックテーブルを持つデータベース接続。
	db *sqlx.DB
	// ttl はロックの有効期間。期限切れのロックは次の取得時に奪取される。
	ttl time.Duration
	// now は現在時刻を返す関数。テストで差し替える。
	now func() time.Time
}

// NewSQLLocker は新しいSQLLockerを生成する。
func NewSQLLocker(db *sqlx.DB, ttl time.Duration) *SQLLocker {
	return &SQLLocker{db: db, ttl: ttl, now: time.Now}
}

// Acquire はkeyのロックを取得する。
// 期限切れの行を先に削除してから挿入し、挿入できなければErrHeldを返す。
func (s *SQLLocker) Acquire(ctx context.Context, key string) (*Lock, error) {
	now := s.now().UTC()
	expiresOn := now.Add(s.ttl)

	if _, err := s.db.ExecContext(ctx,
		s.db.Rebind(`DELETE FROM event_locks WHERE lock_key = ? AND expires_on < ?`),
		key, now.UnixMilli(),
	); err != nil {
		return nil, fmt.Errorf("期限切れロックの削除に失敗: %w", err)
	}

	token := newToken()
	res, err := s.db.ExecContext(ctx,
		s.db.Rebind(`INSERT INTO event_locks (lock_key, token, expires_on) VALUES (?, ?, ?)
			ON CONFLICT (lock_key) DO NOTHING`),
		key, token, expiresOn.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("ロックの挿入に失敗: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("ロック挿入件数の取得に失敗: %w", err)
	}
	if n == 0 {
		return nil, ErrHeld
	}
	return &Lock{Key: key, Token: token, ExpiresOn: expiresOn}, nil
}

// Release はトークンが一致する行を削除してロックを解放する。
func (s *SQLLocker) Release(ctx context.Context, l *Lock) error {
	res, err := s.db.ExecContext(ctx,
		s.db.Rebind(`DELETE FROM event_locks WHERE lock_key = ? AND token = ?`),
		l.Key, l.Token,
	)
	if err != nil {
		return fmt.Errorf("ロックの削除に失敗: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("ロック削除件数の取得に失敗: %w", err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}
