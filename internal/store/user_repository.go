package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/nao1215/docnotify/internal/notification"
)

// DefaultUserBatchSize はアクティブユーザーを1回のクエリで読み込む件数の既定値。
const DefaultUserBatchSize = 500

// UserRepository はユーザーのテーブルを操作する。
type UserRepository struct {
	db        *sqlx.DB
	batchSize int
}

// NewUserRepository は新しいUserRepositoryを生成する。batchSizeが1未満ならDefaultUserBatchSizeを使う。
func NewUserRepository(db *sqlx.DB, batchSize int) *UserRepository {
	if batchSize < 1 {
		batchSize = DefaultUserBatchSize
	}
	return &UserRepository{db: db, batchSize: batchSize}
}

// userRow はusersテーブルの1行。
type userRow struct {
	ID        string `db:"id"`
	CreatedOn string `db:"created_on"`
	Favorites string `db:"favorites"`
}

func (r userRow) toUser() (*notification.User, error) {
	createdOn, err := parseTime(r.CreatedOn)
	if err != nil {
		return nil, err
	}
	var favorites []notification.Favorite
	if err := json.Unmarshal([]byte(r.Favorites), &favorites); err != nil {
		return nil, fmt.Errorf("お気に入りのデシリアライズに失敗: %w", err)
	}
	return &notification.User{ID: r.ID, CreatedOn: createdOn, Favorites: favorites}, nil
}

// SaveUser はユーザーを保存する。closedOnがnilでなければ退会済みとして扱う。
func (r *UserRepository) SaveUser(ctx context.Context, u *notification.User, closedOn *time.Time) error {
	favorites := u.Favorites
	if favorites == nil {
		favorites = []notification.Favorite{}
	}
	b, err := json.Marshal(favorites)
	if err != nil {
		return fmt.Errorf("お気に入りのシリアライズに失敗: %w", err)
	}

	q := ext(ctx, r.db)
	if _, err := q.ExecContext(ctx,
		q.Rebind(`INSERT INTO users (id, created_on, favorites, closed_on) VALUES (?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET created_on = excluded.created_on,
				favorites = excluded.favorites, closed_on = excluded.closed_on`),
		u.ID, formatTime(u.CreatedOn), string(b), formatNullTime(closedOn),
	); err != nil {
		return fmt.Errorf("ユーザー %s の保存に失敗: %w", u.ID, err)
	}
	return nil
}

// ActiveUsers は退会していないユーザーをID順に走査するイテレータを返す。
// ユーザーはbatchSize件ずつ読み込まれ、全件をメモリに載せることはない。
func (r *UserRepository) ActiveUsers(_ context.Context) (notification.UserIterator, error) {
	return &userIterator{db: r.db, batchSize: r.batchSize}, nil
}

// userIterator はIDをキーにしたページングでアクティブユーザーを返す。
// 各ページはNextに渡されたcontextのトランザクションで読み込む。
type userIterator struct {
	db        *sqlx.DB
	batchSize int
	batch     []userRow
	pos       int
	lastID    string
	exhausted bool
	current   *notification.User
	err       error
	closed    bool
}

// Next は次のユーザーに進む。
func (it *userIterator) Next(ctx context.Context) bool {
	if it.closed || it.err != nil {
		return false
	}

	if it.pos >= len(it.batch) {
		if it.exhausted {
			return false
		}
		if err := it.fetch(ctx); err != nil {
			it.err = err
			return false
		}
		if len(it.batch) == 0 {
			return false
		}
	}

	row := it.batch[it.pos]
	it.pos++
	u, err := row.toUser()
	if err != nil {
		it.err = err
		return false
	}
	it.current = u
	return true
}

// fetch は次のページを読み込む。
func (it *userIterator) fetch(ctx context.Context) error {
	q := ext(ctx, it.db)
	var rows []userRow
	if err := sqlx.SelectContext(ctx, q, &rows,
		q.Rebind(`SELECT id, created_on, favorites FROM users
			WHERE closed_on IS NULL AND id > ? ORDER BY id LIMIT ?`),
		it.lastID, it.batchSize,
	); err != nil {
		return fmt.Errorf("アクティブユーザーの取得に失敗: %w", err)
	}

	it.batch = rows
	it.pos = 0
	if len(rows) < it.batchSize {
		it.exhausted = true
	}
	if len(rows) > 0 {
		it.lastID = rows[len(rows)-1].ID
	}
	return nil
}

// User は現在のユーザーを返す。
func (it *userIterator) User() *notification.User {
	return it.current
}

// Err は走査中のエラーを返す。
func (it *userIterator) Err() error {
	return it.err
}

// Close は読み込み済みのページを破棄する。何度呼んでもよい。
func (it *userIterator) Close() error {
	if it.closed {
		return nil
	}
	it.closed = true
	it.batch = nil
	it.current = nil
	return nil
}
