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

// DocumentRepository はドキュメントとリビジョンのテーブルを操作する。
// 文書サービスが書き込んだ内容を通知エンジンが参照するために使う。
type DocumentRepository struct {
	db *sqlx.DB
}

// NewDocumentRepository は新しいDocumentRepositoryを生成する。
func NewDocumentRepository(db *sqlx.DB) *DocumentRepository {
	return &DocumentRepository{db: db}
}

// documentRow はdocumentsテーブルとdocument_revisionsテーブルに共通する列。
type documentRow struct {
	ID          string         `db:"id"`
	DocumentID  string         `db:"document_id"`
	RoomID      sql.NullString `db:"room_id"`
	RoomContext sql.NullString `db:"room_context"`
}

// GetDocumentByID はドキュメントを取得する。存在しなければnil, nilを返す。
func (r *DocumentRepository) GetDocumentByID(ctx context.Context, id string) (*notification.Document, error) {
	q := ext(ctx, r.db)
	var row documentRow
	err := sqlx.GetContext(ctx, q, &row,
		q.Rebind(`SELECT id, id AS document_id, room_id, room_context FROM documents WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ドキュメントの取得に失敗: %w", err)
	}

	rc, err := parseRoomContext(row.RoomContext)
	if err != nil {
		return nil, err
	}
	return &notification.Document{ID: row.ID, RoomID: row.RoomID.String, RoomContext: rc}, nil
}

// GetDocumentRevisionByID はリビジョンを取得する。存在しなければnil, nilを返す。
func (r *DocumentRepository) GetDocumentRevisionByID(ctx context.Context, id string) (*notification.Revision, error) {
	q := ext(ctx, r.db)
	var row documentRow
	err := sqlx.GetContext(ctx, q, &row,
		q.Rebind(`SELECT id, document_id, room_id, room_context FROM document_revisions WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("リビジョンの取得に失敗: %w", err)
	}

	rc, err := parseRoomContext(row.RoomContext)
	if err != nil {
		return nil, err
	}
	return &notification.Revision{ID: row.ID, DocumentID: row.DocumentID, RoomID: row.RoomID.String, RoomContext: rc}, nil
}

// SaveDocument はドキュメントを保存する。
func (r *DocumentRepository) SaveDocument(ctx context.Context, d *notification.Document) error {
	rc, err := formatRoomContext(d.RoomContext)
	if err != nil {
		return err
	}

	q := ext(ctx, r.db)
	if _, err := q.ExecContext(ctx,
		q.Rebind(`INSERT INTO documents (id, room_id, room_context) VALUES (?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET room_id = excluded.room_id, room_context = excluded.room_context`),
		d.ID, nullString(d.RoomID), rc,
	); err != nil {
		return fmt.Errorf("ドキュメント %s の保存に失敗: %w", d.ID, err)
	}
	return nil
}

// SaveRevision はリビジョンを保存する。
func (r *DocumentRepository) SaveRevision(ctx context.Context, rev *notification.Revision) error {
	rc, err := formatRoomContext(rev.RoomContext)
	if err != nil {
		return err
	}

	q := ext(ctx, r.db)
	if _, err := q.ExecContext(ctx,
		q.Rebind(`INSERT INTO document_revisions (id, document_id, room_id, room_context) VALUES (?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET document_id = excluded.document_id,
				room_id = excluded.room_id, room_context = excluded.room_context`),
		rev.ID, rev.DocumentID, nullString(rev.RoomID), rc,
	); err != nil {
		return fmt.Errorf("リビジョン %s の保存に失敗: %w", rev.ID, err)
	}
	return nil
}

// DeleteDocument はドキュメントとそのリビジョンを削除する。
func (r *DocumentRepository) DeleteDocument(ctx context.Context, id string) error {
	q := ext(ctx, r.db)
	if _, err := q.ExecContext(ctx, q.Rebind(`DELETE FROM document_revisions WHERE document_id = ?`), id); err != nil {
		return fmt.Errorf("リビジョンの削除に失敗: %w", err)
	}
	if _, err := q.ExecContext(ctx, q.Rebind(`DELETE FROM documents WHERE id = ?`), id); err != nil {
		return fmt.Errorf("ドキュメントの削除に失敗: %w", err)
	}
	return nil
}

func parseRoomContext(s sql.NullString) (*notification.RoomContext, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var rc notification.RoomContext
	if err := json.Unmarshal([]byte(s.String), &rc); err != nil {
		return nil, fmt.Errorf("ルームコンテキストのデシリアライズに失敗: %w", err)
	}
	return &rc, nil
}

func formatRoomContext(rc *notification.RoomContext) (sql.NullString, error) {
	if rc == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(rc)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("ルームコンテキストのシリアライズに失敗: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}
