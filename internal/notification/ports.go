package notification

import (
	"context"
	"time"

	"github.com/nao1215/docnotify/internal/lock"
	"github.com/nao1215/docnotify/pkg/event"
)

// EventStore はイベントログへのアクセスを提供する。
type EventStore interface {
	// GetOldestUnprocessedEventID はProcessedOnがnilのイベントのうち最も古いもののIDを返す。
	// 該当がなければ空文字を返す。
	GetOldestUnprocessedEventID(ctx context.Context) (string, error)
	// GetEventByID はイベントを取得する。存在しなければErrNotFoundを返す。
	GetEventByID(ctx context.Context, id string) (*event.Event, error)
	// UpdateEvent はイベントの処理結果（ProcessedOnとProcessingErrors）を保存する。
	UpdateEvent(ctx context.Context, e *event.Event) error
	// AppendEvent はイベントを追記する。
	AppendEvent(ctx context.Context, e *event.Event) error
}

// NotificationWriter は通知の一括保存を提供する。
type NotificationWriter interface {
	// InsertNotifications は通知をまとめて保存する。
	InsertNotifications(ctx context.Context, notifications []Notification) error
}

// NotificationStore は通知の保存・参照・既読管理を提供する。
type NotificationStore interface {
	NotificationWriter
	// ListNotifications はユーザーの通知をCreatedOnの昇順で返す。
	ListNotifications(ctx context.Context, userID string) ([]Notification, error)
	// ListUnreadNotifications はユーザーの未読通知をCreatedOnの昇順で返す。
	ListUnreadNotifications(ctx context.Context, userID string) ([]Notification, error)
	// GetNotificationByID は通知を取得する。存在しなければErrNotFoundを返す。
	GetNotificationByID(ctx context.Context, id string) (*Notification, error)
	// MarkAsRead は通知を既読にする。
	MarkAsRead(ctx context.Context, id string, readOn time.Time) error
	// MarkAllAsRead はユーザーの未読通知をすべて既読にする。
	MarkAllAsRead(ctx context.Context, userID string, readOn time.Time) error
	// DeleteExpiredNotifications はExpiresOnがnowより前の通知を削除し、削除件数を返す。
	DeleteExpiredNotifications(ctx context.Context, now time.Time) (int64, error)
}

// Transactor はトランザクションの実行を提供する。
type Transactor interface {
	// WithinTx はfnをトランザクション内で実行する。
	// fnがnilを返せばコミットし、エラーを返せばロールバックする。
	// fnに渡されるctxはトランザクションを保持しており、ストアの操作はそのトランザクションで行われる。
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Locker はイベント単位のロックを提供する。
type Locker = lock.Locker

// UserIterator はアクティブユーザーを遅延して順に返すイテレータ。
// 使い終わったら必ずCloseを呼ぶ。Closeは何度呼んでもよい。
type UserIterator interface {
	// Next は次のユーザーに進む。これ以上ない場合やエラー時はfalseを返す。
	Next(ctx context.Context) bool
	// User は現在のユーザーを返す。
	User() *User
	// Err は反復中に発生したエラーを返す。
	Err() error
	// Close はイテレータが保持する資源を解放する。
	Close() error
}

// UserDirectory は通知候補のユーザーを提供する。
type UserDirectory interface {
	// ActiveUsers はアクティブユーザー全体を走査するイテレータを返す。
	ActiveUsers(ctx context.Context) (UserIterator, error)
}

// DocumentResolver はドキュメントとリビジョンを解決する。存在しなければnil, nilを返す。
type DocumentResolver interface {
	GetDocumentByID(ctx context.Context, id string) (*Document, error)
	GetDocumentRevisionByID(ctx context.Context, id string) (*Revision, error)
}

// RoomResolver はルームを解決する。存在しなければnil, nilを返す。
type RoomResolver interface {
	GetRoomByID(ctx context.Context, id string) (*Room, error)
}
