// Package event はドメインイベントとイベントログのレコード構造を提供する。
//
// イベントはドメイン操作（リビジョン作成、コメント投稿など）によって追記され、
// 以後は通知エンジンによる処理結果（ProcessedOn と ProcessingErrors）のみが更新される。
package event

import (
	"encoding/json"
	"time"
)

// Type はイベントの種類を表す。
type Type string

const (
	// TypeRevisionCreated はドキュメントのリビジョンが作成されたことを表す。
	TypeRevisionCreated Type = "revisionCreated"
	// TypeCommentCreated はドキュメントにコメントが投稿されたことを表す。
	TypeCommentCreated Type = "commentCreated"
)

// Valid はイベント種別が既知のものかどうかを返す。
func (t Type) Valid() bool {
	switch t {
	case TypeRevisionCreated, TypeCommentCreated:
		return true
	default:
		return false
	}
}

// Event はイベントログ上の1レコードを表す。
// ProcessedOn がnilの間は処理対象であり、一度設定されたら再びnilには戻らない。
type Event struct {
	// ID はイベントの一意識別子（UUID）。
	ID string `json:"id"`
	// Type はイベントの種類。
	Type Type `json:"type"`
	// Params はイベント種別ごとのペイロード（JSON形式）。
	Params json.RawMessage `json:"params"`
	// CreatedOn はイベントが発生した日時。
	CreatedOn time.Time `json:"created_on"`
	// ProcessedOn は処理が終了（成功またはリトライ上限到達）した日時。
	ProcessedOn *time.Time `json:"processed_on"`
	// ProcessingErrors は失敗した処理試行ごとのエラー記録。追記のみ。
	ProcessingErrors []ProcessingError `json:"processing_errors"`
}

// Processed はイベントが終端状態に達しているかどうかを返す。
func (e *Event) Processed() bool {
	return e.ProcessedOn != nil
}

// ProcessingError は1回分の処理失敗を記録したもの。
type ProcessingError struct {
	// Message はエラーメッセージ。
	Message string `json:"message"`
	// OccurredOn は失敗が記録された日時。
	OccurredOn time.Time `json:"occurred_on"`
}

// RevisionCreatedParams はrevisionCreatedイベントのペイロード。
type RevisionCreatedParams struct {
	// RevisionID は作成されたリビジョンのID。
	RevisionID string `json:"revision_id"`
	// DocumentID はリビジョンが属するドキュメントのID。
	DocumentID string `json:"document_id"`
	// RoomID はドキュメントが属するルームのID。ルーム外のドキュメントでは空。
	RoomID string `json:"room_id,omitempty"`
	// UserID はリビジョンを作成したユーザーのID。
	UserID string `json:"user_id"`
}

// CommentCreatedParams はcommentCreatedイベントのペイロード。
type CommentCreatedParams struct {
	// CommentID は投稿されたコメントのID。
	CommentID string `json:"comment_id"`
	// DocumentID はコメント対象のドキュメントのID。
	DocumentID string `json:"document_id"`
	// RoomID はドキュメントが属するルームのID。ルーム外のドキュメントでは空。
	RoomID string `json:"room_id,omitempty"`
	// UserID はコメントを投稿したユーザーのID。
	UserID string `json:"user_id"`
}
