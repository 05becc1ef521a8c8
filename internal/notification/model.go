package notification

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/nao1215/docnotify/pkg/event"
)

// ErrNotFound は対象のレコードが存在しない場合のエラー。
var ErrNotFound = errors.New("対象が見つかりません")

// Reason はユーザーに通知する理由を表す。
type Reason string

const (
	// ReasonRoomMembership はユーザーがイベントのルームのオーナーまたはメンバーであることを表す。
	ReasonRoomMembership Reason = "roomMembership"
	// ReasonDocumentFavorite はユーザーが対象ドキュメントをお気に入りにしていることを表す。
	ReasonDocumentFavorite Reason = "documentFavorite"
	// ReasonUserFavorite はユーザーがイベントを起こしたユーザーをお気に入りにしていることを表す。
	ReasonUserFavorite Reason = "userFavorite"
)

// Notification はユーザーごとの通知を表す。
// イベントの種類とペイロードを複製して持つため、表示時にイベントログを参照する必要はない。
type Notification struct {
	// ID は通知の一意識別子（UUID）。
	ID string `json:"id"`
	// NotifiedUserID は通知先のユーザーID。
	NotifiedUserID string `json:"notified_user_id"`
	// EventID は通知のきっかけとなったイベントのID。
	EventID string `json:"event_id"`
	// EventType はイベントの種類。
	EventType event.Type `json:"event_type"`
	// EventParams はイベントのペイロード。
	EventParams json.RawMessage `json:"event_params"`
	// Reasons は通知理由。空の通知は作成されない。
	Reasons []Reason `json:"reasons"`
	// CreatedOn はイベントの発生日時。通知の作成時刻ではない。
	CreatedOn time.Time `json:"created_on"`
	// ExpiresOn は通知の保持期限。
	ExpiresOn time.Time `json:"expires_on"`
	// ReadOn は既読にした日時。未読ならnil。
	ReadOn *time.Time `json:"read_on"`
}

// Group は連続する同一イベントの通知をまとめた表示用の集計。永続化されない。
type Group struct {
	// NotificationIDs はグループに含まれる通知IDを入力順に並べたもの。
	NotificationIDs []string `json:"notification_ids"`
	// EventType はグループ内の通知に共通するイベント種別。
	EventType event.Type `json:"event_type"`
	// EventParams はグループ内の通知に共通するペイロード。
	EventParams json.RawMessage `json:"event_params"`
	// FirstCreatedOn はグループ内で最初の通知の日時。
	FirstCreatedOn time.Time `json:"first_created_on"`
	// LastCreatedOn はグループ内で最後の通知の日時。
	LastCreatedOn time.Time `json:"last_created_on"`
}

// FavoriteType はお気に入りの対象の種類。
type FavoriteType string

const (
	// FavoriteTypeDocument はドキュメントのお気に入り。
	FavoriteTypeDocument FavoriteType = "document"
	// FavoriteTypeUser はユーザーのお気に入り。
	FavoriteTypeUser FavoriteType = "user"
	// FavoriteTypeRoom はルームのお気に入り。通知理由には使われない。
	FavoriteTypeRoom FavoriteType = "room"
)

// Favorite はユーザーが登録したお気に入り。
type Favorite struct {
	Type FavoriteType `json:"type"`
	ID   string       `json:"id"`
}

// User は通知の候補となるユーザー。
type User struct {
	// ID はユーザーの一意識別子。
	ID string
	// CreatedOn はアカウントの作成日時。これより前のイベントは通知しない。
	CreatedOn time.Time
	// Favorites はお気に入りの一覧。
	Favorites []Favorite
}

// hasFavorite は指定した種類とIDのお気に入りを持つかどうかを返す。
func (u *User) hasFavorite(typ FavoriteType, id string) bool {
	for _, f := range u.Favorites {
		if f.Type == typ && f.ID == id {
			return true
		}
	}
	return false
}

// RoomContext はルーム内に置かれたドキュメントの状態。
type RoomContext struct {
	// Draft は下書きかどうか。下書きは通知の対象外。
	Draft bool `json:"draft"`
}

// Document は通知対象のドキュメント。
type Document struct {
	ID          string
	RoomID      string
	RoomContext *RoomContext
}

// Revision はドキュメントのリビジョン。
type Revision struct {
	ID          string
	DocumentID  string
	RoomID      string
	RoomContext *RoomContext
}

// RoomMember はルームのメンバー。
type RoomMember struct {
	UserID string `json:"user_id"`
}

// Room はドキュメントが属するルーム。
type Room struct {
	ID      string
	Owner   string
	Members []RoomMember
}

// includes はuserIDがルームのオーナーまたはメンバーかどうかを返す。
func (r *Room) includes(userID string) bool {
	if r.Owner == userID {
		return true
	}
	for _, m := range r.Members {
		if m.UserID == userID {
			return true
		}
	}
	return false
}

// isDraft はルームコンテキストが下書きを示しているかどうかを返す。
func isDraft(rc *RoomContext) bool {
	return rc != nil && rc.Draft
}
