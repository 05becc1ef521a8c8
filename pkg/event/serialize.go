package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrUnknownType は未知のイベント種別が指定された場合のエラー。
	ErrUnknownType = errors.New("未知のイベント種別です")
	// ErrInvalidParams はイベントのペイロードが不正な場合のエラー。
	ErrInvalidParams = errors.New("イベントのペイロードが不正です")
)

// New は新しいイベントを生成する。
// paramsにはイベント種別に対応するペイロード構造体を渡す。JSON形式にシリアライズされる。
func New(eventType Type, params any) (*Event, error) {
	jsonParams, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("イベントペイロードのシリアライズに失敗: %w", err)
	}

	e := &Event{
		ID:               uuid.New().String(),
		Type:             eventType,
		Params:           jsonParams,
		CreatedOn:        time.Now().UTC(),
		ProcessingErrors: []ProcessingError{},
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

// DecodeParams はイベントのParamsフィールドを指定された型にデシリアライズする。
func DecodeParams[T any](e *Event) (*T, error) {
	var params T
	if err := json.Unmarshal(e.Params, &params); err != nil {
		return nil, fmt.Errorf("イベントペイロードのデシリアライズに失敗: %w", err)
	}
	return &params, nil
}

// Validate はイベント種別とペイロードの必須項目を検証する。
func (e *Event) Validate() error {
	switch e.Type {
	case TypeRevisionCreated:
		p, err := DecodeParams[RevisionCreatedParams](e)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidParams, err)
		}
		return requireFields(map[string]string{
			"revision_id": p.RevisionID,
			"document_id": p.DocumentID,
			"user_id":     p.UserID,
		})
	case TypeCommentCreated:
		p, err := DecodeParams[CommentCreatedParams](e)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidParams, err)
		}
		return requireFields(map[string]string{
			"comment_id":  p.CommentID,
			"document_id": p.DocumentID,
			"user_id":     p.UserID,
		})
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, e.Type)
	}
}

// requireFields は空の必須項目があればErrInvalidParamsを返す。
func requireFields(fields map[string]string) error {
	for name, value := range fields {
		if value == "" {
			return fmt.Errorf("%w: %sは必須です", ErrInvalidParams, name)
		}
	}
	return nil
}
