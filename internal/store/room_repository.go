package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/nao1215/docnotify/internal/notification"
)

// RoomRepository はルームのテーブルを操作する。
type RoomRepository struct {
	db *sqlx.DB
}

// NewRoomRepository は新しいRoomRepositoryを生成する。
func NewRoomRepository(db *sqlx.DB) *RoomRepository {
	return &RoomRepository{db: db}
}

type roomRow struct {
	ID      string `db:"id"`
	Owner   string `db:"owner"`
	Members string `db:"members"`
}

// GetRoomByID はルームを取得する。存在しなければnil, nilを返す。
func (r *RoomRepository) GetRoomByID(ctx context.Context, id string) (*notification.Room, error) {
	q := ext(ctx, r.db)
	var row roomRow
	err := sqlx.GetContext(ctx, q, &row, q.Rebind(`SELECT id, owner, members FROM rooms WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ルームの取得に失敗: %w", err)
	}

	var members []notification.RoomMember
	if err := json.Unmarshal([]byte(row.Members), &members); err != nil {
		return nil, fmt.Errorf("メンバーのデシリアライズに失敗: %w", err)
	}
	return &notification.Room{ID: row.ID, Owner: row.Owner, Members: members}, nil
}

// SaveRoom はルームを保存する。
func (r *RoomRepository) SaveRoom(ctx context.Context, room *notification.Room) error {
	members := room.Members
	if members == nil {
		members = []notification.RoomMember{}
	}
	b, err := json.Marshal(members)
	if err != nil {
		return fmt.Errorf("メンバーのシリアライズに失敗: %w", err)
	}

	q := ext(ctx, r.db)
	if _, err := q.ExecContext(ctx,
		q.Rebind(`INSERT INTO rooms (id, owner, members) VALUES (?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET owner = excluded.owner, members = excluded.members`),
		room.ID, room.Owner, string(b),
	); err != nil {
		return fmt.Errorf("ルーム %s の保存に失敗: %w", room.ID, err)
	}
	return nil
}
