package notification

import (
	"time"

	"github.com/nao1215/docnotify/pkg/event"
)

// ReasonsForRevisionEvent はrevisionCreatedイベントについてcandidateに通知する理由を返す。
// リビジョンまたはドキュメントが削除済み、リビジョンが下書き、candidateが作成者本人、
// イベントがcandidateのアカウント作成より前の場合は理由なしとする。
func ReasonsForRevisionEvent(ev *event.Event, params *event.RevisionCreatedParams, revision *Revision, document *Document, room *Room, candidate *User) []Reason {
	if revision == nil || document == nil {
		return nil
	}
	if isDraft(revision.RoomContext) {
		return nil
	}
	return collectReasons(ev.CreatedOn, params.UserID, document.ID, room, candidate)
}

// ReasonsForCommentEvent はcommentCreatedイベントについてcandidateに通知する理由を返す。
// 判定の規則はReasonsForRevisionEventと同じで、下書きの判定にはドキュメントを使う。
func ReasonsForCommentEvent(ev *event.Event, params *event.CommentCreatedParams, document *Document, room *Room, candidate *User) []Reason {
	if document == nil {
		return nil
	}
	if isDraft(document.RoomContext) {
		return nil
	}
	return collectReasons(ev.CreatedOn, params.UserID, document.ID, room, candidate)
}

// collectReasons は共通の除外条件を確認したうえで、該当する理由を固定の順序で集める。
func collectReasons(eventCreatedOn time.Time, actorID, documentID string, room *Room, candidate *User) []Reason {
	if candidate.ID == actorID {
		return nil
	}
	if eventCreatedOn.Before(candidate.CreatedOn) {
		return nil
	}

	var reasons []Reason
	if room != nil && room.includes(candidate.ID) {
		reasons = append(reasons, ReasonRoomMembership)
	}
	if candidate.hasFavorite(FavoriteTypeDocument, documentID) {
		reasons = append(reasons, ReasonDocumentFavorite)
	}
	if candidate.hasFavorite(FavoriteTypeUser, actorID) {
		reasons = append(reasons, ReasonUserFavorite)
	}
	return reasons
}
