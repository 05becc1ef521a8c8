package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/nao1215/docnotify/internal/notification"
	"github.com/nao1215/docnotify/pkg/event"
)

// NotificationRepository は通知のテーブルを操作する。
type NotificationRepository struct {
	db *sqlx.DB
}

// NewNotificationRepository は新しいNotificationRepositoryを生成する。
func NewNotificationRepository(db *sqlx.DB) *NotificationRepository {
	return &NotificationRepository{db: db}
}

// notificationRow はnotificationsテーブルの1行。
type notificationRow struct {
	ID             string         `db:"id"`
	NotifiedUserID string         `db:"notified_user_id"`
	EventID        string         `db:"event_id"`
	EventType      string         `db:"event_type"`
	EventParams    string         `db:"event_params"`
	Reasons        string         `db:"reasons"`
	CreatedOn      string         `db:"created_on"`
	ExpiresOn      string         `db:"expires_on"`
	ReadOn         sql.NullString `db:"read_on"`
}

const notificationColumns = `id, notified_user_id, event_id, event_type, event_params, reasons, created_on, expires_on, read_on`

func (r notificationRow) toNotification() (notification.Notification, error) {
	var reasons []notification.Reason
	if err := json.Unmarshal([]byte(r.Reasons), &reasons); err != nil {
		return notification.Notification{}, fmt.Errorf("通知理由のデシリアライズに失敗: %w", err)
	}
	createdOn, err := parseTime(r.CreatedOn)
	if err != nil {
		return notification.Notification{}, err
	}
	expiresOn, err := parseTime(r.ExpiresOn)
	if err != nil {
		return notification.Notification{}, err
	}
	readOn, err := parseNullTime(r.ReadOn)
	if err != nil {
		return notification.Notification{}, err
	}

	return notification.Notification{
		ID:             r.ID,
		NotifiedUserID: r.NotifiedUserID,
		EventID:        r.EventID,
		EventType:      event.Type(r.EventType),
		EventParams:    json.RawMessage(r.EventParams),
		Reasons:        reasons,
		CreatedOn:      createdOn,
		ExpiresOn:      expiresOn,
		ReadOn:         readOn,
	}, nil
}

func toNotifications(rows []notificationRow) ([]notification.Notification, error) {
	notifications := make([]notification.Notification, 0, len(rows))
	for _, row := range rows {
		n, err := row.toNotification()
		if err != nil {
			return nil, err
		}
		notifications = append(notifications, n)
	}
	return notifications, nil
}

// InsertNotifications は通知をまとめて保存する。
// 同じイベントと通知先の組み合わせが既にあれば、通知理由と保持期限を上書きする。
func (r *NotificationRepository) InsertNotifications(ctx context.Context, notifications []notification.Notification) error {
	q := ext(ctx, r.db)
	query := q.Rebind(`INSERT INTO notifications (` + notificationColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (event_id, notified_user_id)
		DO UPDATE SET reasons = excluded.reasons, expires_on = excluded.expires_on`)

	for _, n := range notifications {
		reasons, err := json.Marshal(n.Reasons)
		if err != nil {
			return fmt.Errorf("通知理由のシリアライズに失敗: %w", err)
		}
		if _, err := q.ExecContext(ctx, query,
			n.ID, n.NotifiedUserID, n.EventID, string(n.EventType), string(n.EventParams), string(reasons),
			formatTime(n.CreatedOn), formatTime(n.ExpiresOn), formatNullTime(n.ReadOn),
		); err != nil {
			return fmt.Errorf("通知 %s の保存に失敗: %w", n.ID, err)
		}
	}
	return nil
}

// ListNotifications はユーザーの通知を作成日時の昇順で返す。
func (r *NotificationRepository) ListNotifications(ctx context.Context, userID string) ([]notification.Notification, error) {
	q := ext(ctx, r.db)
	var rows []notificationRow
	if err := sqlx.SelectContext(ctx, q, &rows,
		q.Rebind(`SELECT `+notificationColumns+` FROM notifications
			WHERE notified_user_id = ? ORDER BY created_on, id`), userID,
	); err != nil {
		return nil, fmt.Errorf("通知一覧の取得に失敗: %w", err)
	}
	return toNotifications(rows)
}

// ListUnreadNotifications はユーザーの未読通知を作成日時の昇順で返す。
func (r *NotificationRepository) ListUnreadNotifications(ctx context.Context, userID string) ([]notification.Notification, error) {
	q := ext(ctx, r.db)
	var rows []notificationRow
	if err := sqlx.SelectContext(ctx, q, &rows,
		q.Rebind(`SELECT `+notificationColumns+` FROM notifications
			WHERE notified_user_id = ? AND read_on IS NULL ORDER BY created_on, id`), userID,
	); err != nil {
		return nil, fmt.Errorf("未読通知一覧の取得に失敗: %w", err)
	}
	return toNotifications(rows)
}

// GetNotificationByID は通知を取得する。存在しなければnotification.ErrNotFoundを返す。
func (r *NotificationRepository) GetNotificationByID(ctx context.Context, id string) (*notification.Notification, error) {
	q := ext(ctx, r.db)
	var row notificationRow
	err := sqlx.GetContext(ctx, q, &row,
		q.Rebind(`SELECT `+notificationColumns+` FROM notifications WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("通知 %s: %w", id, notification.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("通知の取得に失敗: %w", err)
	}

	n, err := row.toNotification()
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// MarkAsRead は通知を既読にする。既に既読なら最初の既読日時を保つ。
func (r *NotificationRepository) MarkAsRead(ctx context.Context, id string, readOn time.Time) error {
	q := ext(ctx, r.db)
	res, err := q.ExecContext(ctx,
		q.Rebind(`UPDATE notifications SET read_on = COALESCE(read_on, ?) WHERE id = ?`),
		formatTime(readOn), id,
	)
	if err != nil {
		return fmt.Errorf("通知の既読処理に失敗: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("既読件数の取得に失敗: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("通知 %s: %w", id, notification.ErrNotFound)
	}
	return nil
}

// MarkAllAsRead はユーザーの未読通知をすべて既読にする。
func (r *NotificationRepository) MarkAllAsRead(ctx context.Context, userID string, readOn time.Time) error {
	q := ext(ctx, r.db)
	if _, err := q.ExecContext(ctx,
		q.Rebind(`UPDATE notifications SET read_on = ? WHERE notified_user_id = ? AND read_on IS NULL`),
		formatTime(readOn), userID,
	); err != nil {
		return fmt.Errorf("全通知の既読処理に失敗: %w", err)
	}
	return nil
}

// DeleteExpiredNotifications は保持期限がnowより前の通知を削除し、削除件数を返す。
func (r *NotificationRepository) DeleteExpiredNotifications(ctx context.Context, now time.Time) (int64, error) {
	q := ext(ctx, r.db)
	res, err := q.ExecContext(ctx,
		q.Rebind(`DELETE FROM notifications WHERE expires_on < ?`), formatTime(now))
	if err != nil {
		return 0, fmt.Errorf("期限切れ通知の削除に失敗: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("削除件数の取得に失敗: %w", err)
	}
	return n, nil
}
