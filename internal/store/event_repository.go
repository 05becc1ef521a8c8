package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/nao1215/docnotify/internal/notification"
	"github.com/nao1215/docnotify/pkg/event"
)

// EventRepository はイベントログのテーブルを操作する。
type EventRepository struct {
	db *sqlx.DB
}

// NewEventRepository は新しいEventRepositoryを生成する。
func NewEventRepository(db *sqlx.DB) *EventRepository {
	return &EventRepository{db: db}
}

// eventRow はeventsテーブルの1行。
type eventRow struct {
	ID               string         `db:"id"`
	Type             string         `db:"type"`
	Params           string         `db:"params"`
	CreatedOn        string         `db:"created_on"`
	ProcessedOn      sql.NullString `db:"processed_on"`
	ProcessingErrors string         `db:"processing_errors"`
}

func (r eventRow) toEvent() (*event.Event, error) {
	createdOn, err := parseTime(r.CreatedOn)
	if err != nil {
		return nil, err
	}
	processedOn, err := parseNullTime(r.ProcessedOn)
	if err != nil {
		return nil, err
	}

	processingErrors := []event.ProcessingError{}
	if err := json.Unmarshal([]byte(r.ProcessingErrors), &processingErrors); err != nil {
		return nil, fmt.Errorf("処理エラー履歴のデシリアライズに失敗: %w", err)
	}

	return &event.Event{
		ID:               r.ID,
		Type:             event.Type(r.Type),
		Params:           json.RawMessage(r.Params),
		CreatedOn:        createdOn,
		ProcessedOn:      processedOn,
		ProcessingErrors: processingErrors,
	}, nil
}

// AppendEvent はイベントを追記する。
func (r *EventRepository) AppendEvent(ctx context.Context, e *event.Event) error {
	processingErrors, err := marshalProcessingErrors(e.ProcessingErrors)
	if err != nil {
		return err
	}

	q := ext(ctx, r.db)
	if _, err := q.ExecContext(ctx,
		q.Rebind(`INSERT INTO events (id, type, params, created_on, processed_on, processing_errors)
			VALUES (?, ?, ?, ?, ?, ?)`),
		e.ID, string(e.Type), string(e.Params), formatTime(e.CreatedOn), formatNullTime(e.ProcessedOn), processingErrors,
	); err != nil {
		return fmt.Errorf("イベントの追記に失敗: %w", err)
	}
	return nil
}

// GetOldestUnprocessedEventID は未処理イベントのうち最も古いもののIDを返す。なければ空文字を返す。
func (r *EventRepository) GetOldestUnprocessedEventID(ctx context.Context) (string, error) {
	var id string
	err := sqlx.GetContext(ctx, ext(ctx, r.db), &id,
		`SELECT id FROM events WHERE processed_on IS NULL ORDER BY created_on, id LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("未処理イベントの検索に失敗: %w", err)
	}
	return id, nil
}

// GetEventByID はイベントを取得する。存在しなければnotification.ErrNotFoundを返す。
func (r *EventRepository) GetEventByID(ctx context.Context, id string) (*event.Event, error) {
	q := ext(ctx, r.db)
	var row eventRow
	err := sqlx.GetContext(ctx, q, &row,
		q.Rebind(`SELECT id, type, params, created_on, processed_on, processing_errors FROM events WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("イベント %s: %w", id, notification.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("イベントの取得に失敗: %w", err)
	}
	return row.toEvent()
}

// UpdateEvent はイベントの処理日時と処理エラー履歴を保存する。
// 処理済みのイベントを未処理に戻すことはない。
func (r *EventRepository) UpdateEvent(ctx context.Context, e *event.Event) error {
	processingErrors, err := marshalProcessingErrors(e.ProcessingErrors)
	if err != nil {
		return err
	}

	q := ext(ctx, r.db)
	res, err := q.ExecContext(ctx,
		q.Rebind(`UPDATE events SET processed_on = COALESCE(processed_on, ?), processing_errors = ? WHERE id = ?`),
		formatNullTime(e.ProcessedOn), processingErrors, e.ID,
	)
	if err != nil {
		return fmt.Errorf("イベントの更新に失敗: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("イベント更新件数の取得に失敗: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("イベント %s: %w", e.ID, notification.ErrNotFound)
	}
	return nil
}

func marshalProcessingErrors(errs []event.ProcessingError) (string, error) {
	if errs == nil {
		errs = []event.ProcessingError{}
	}
	b, err := json.Marshal(errs)
	if err != nil {
		return "", fmt.Errorf("処理エラー履歴のシリアライズに失敗: %w", err)
	}
	return string(b), nil
}
