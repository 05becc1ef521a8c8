package notification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nao1215/docnotify/internal/lock"
	"github.com/nao1215/docnotify/pkg/event"
)

// MaxAttempts はイベント処理の最大試行回数。
// この回数だけ失敗したイベントは成功していなくても処理済みとして扱い、以降は取り出さない。
const MaxAttempts = 3

// DefaultRetentionMonths は通知の保持期間（月数）の既定値。
const DefaultRetentionMonths = 6

// errCancelled はハンドラがキャンセルを検知して処理を打ち切ったことを表す。
var errCancelled = errors.New("イベント処理がキャンセルされました")

// Outcome は1回のイベント処理の結果。
type Outcome int

const (
	// OutcomeLocked は他の処理がロックを保持していたため何もしなかったことを表す。
	OutcomeLocked Outcome = iota + 1
	// OutcomeAlreadyProcessed はロック取得後に読み直したイベントが既に処理済みだったことを表す。
	OutcomeAlreadyProcessed
	// OutcomeSucceeded はハンドラが成功し、通知とイベントの状態を保存したことを表す。
	OutcomeSucceeded
	// OutcomeFailed はハンドラが失敗し、エラーを記録して再試行待ちにしたことを表す。
	OutcomeFailed
	// OutcomeExhausted はMaxAttempts回目の失敗で、イベントを処理済みとして打ち切ったことを表す。
	OutcomeExhausted
	// OutcomeCancelled はキャンセルにより何も保存せずに中断したことを表す。
	OutcomeCancelled
)

// String はメトリクスのラベルやログに使う名前を返す。
func (o Outcome) String() string {
	switch o {
	case OutcomeLocked:
		return "locked"
	case OutcomeAlreadyProcessed:
		return "already_processed"
	case OutcomeSucceeded:
		return "succeeded"
	case OutcomeFailed:
		return "failed"
	case OutcomeExhausted:
		return "exhausted"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// changedState はイベントの状態を変更した結果かどうかを返す。
func (o Outcome) changedState() bool {
	return o == OutcomeSucceeded || o == OutcomeFailed || o == OutcomeExhausted
}

// ProcessorConfig はProcessorの依存関係と設定。
type ProcessorConfig struct {
	// Events はイベントログ。
	Events EventStore
	// Notifications は通知の保存先。
	Notifications NotificationWriter
	// Locker はイベント単位のロック。
	Locker Locker
	// Transactor はトランザクションの実行。
	Transactor Transactor
	// Users は通知候補のユーザー一覧。
	Users UserDirectory
	// Documents はドキュメントとリビジョンの解決。
	Documents DocumentResolver
	// Rooms はルームの解決。
	Rooms RoomResolver
	// Logger はログ出力先。nilの場合は slog.Default() を使う。
	Logger *slog.Logger
	// Metrics はメトリクス。nilの場合は記録しない。
	Metrics *Metrics
	// RetentionMonths は通知の保持期間（月数）。0以下の場合はDefaultRetentionMonths。
	RetentionMonths int
	// Now は現在時刻を返す。nilの場合は time.Now().UTC()。
	Now func() time.Time
	// NewID は通知IDを生成する。nilの場合はUUID。
	NewID func() string
}

// Processor はイベントログから未処理イベントを取り出して通知を生成する。
// 複数のゴルーチンやプロセスから同時に呼び出してよい。
type Processor struct {
	events          EventStore
	notifications   NotificationWriter
	locker          Locker
	tx              Transactor
	users           UserDirectory
	documents       DocumentResolver
	rooms           RoomResolver
	logger          *slog.Logger
	metrics         *Metrics
	retentionMonths int
	now             func() time.Time
	newID           func() string
}

// NewProcessor は新しいProcessorを生成する。
func NewProcessor(cfg ProcessorConfig) *Processor {
	p := &Processor{
		events:          cfg.Events,
		notifications:   cfg.Notifications,
		locker:          cfg.Locker,
		tx:              cfg.Transactor,
		users:           cfg.Users,
		documents:       cfg.Documents,
		rooms:           cfg.Rooms,
		logger:          cfg.Logger,
		metrics:         cfg.Metrics,
		retentionMonths: cfg.RetentionMonths,
		now:             cfg.Now,
		newID:           cfg.NewID,
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	p.logger = p.logger.With("component", "processor")
	if p.retentionMonths <= 0 {
		p.retentionMonths = DefaultRetentionMonths
	}
	if p.now == nil {
		p.now = func() time.Time { return time.Now().UTC() }
	}
	if p.newID == nil {
		p.newID = func() string { return uuid.New().String() }
	}
	return p
}

// ProcessNextEvent は最も古い未処理イベントを1件処理する。
// イベントの状態を変更した場合にtrueを返す。未処理イベントがない、キャンセルされた、
// ロックが競合した、または予期しないエラーが発生した場合はfalseを返す。
// エラーやパニックは呼び出し元に伝播させずログに記録する。
func (p *Processor) ProcessNextEvent(ctx context.Context) (worked bool) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("イベント処理中にパニックが発生しました", "panic", r)
			worked = false
		}
	}()

	eventID, err := p.events.GetOldestUnprocessedEventID(ctx)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Error("未処理イベントの取得に失敗しました", "error", err)
		}
		return false
	}
	if eventID == "" {
		return false
	}
	if ctx.Err() != nil {
		return false
	}

	outcome, err := p.ProcessEvent(ctx, eventID)
	if err != nil {
		p.logger.Error("イベント処理に失敗しました", "event_id", eventID, "error", err)
		return false
	}
	return outcome.changedState()
}

// ProcessEvent は指定したイベントをロックの下で1回処理する。
// ロックが競合した場合はイベントに触れずにOutcomeLockedを返す。
// ロックは結果に関わらず必ず解放する。
func (p *Processor) ProcessEvent(ctx context.Context, eventID string) (Outcome, error) {
	start := time.Now()

	l, err := p.locker.Acquire(ctx, lock.EventKey(eventID))
	if errors.Is(err, lock.ErrHeld) {
		p.logger.Debug("ロックが競合したためスキップします", "event_id", eventID)
		p.metrics.observeOutcome(OutcomeLocked, time.Since(start))
		return OutcomeLocked, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return OutcomeCancelled, nil
		}
		return 0, fmt.Errorf("ロックの取得に失敗: %w", err)
	}
	defer func() {
		// キャンセル後も解放できるようにキャンセルを外したcontextを使う
		if err := p.locker.Release(context.WithoutCancel(ctx), l); err != nil {
			p.logger.Warn("ロックの解放に失敗しました", "event_id", eventID, "error", err)
		}
	}()

	outcome, err := p.processLocked(ctx, eventID)
	if err != nil {
		return 0, err
	}

	p.metrics.observeOutcome(outcome, time.Since(start))
	p.logger.Info("イベントを処理しました", "event_id", eventID, "outcome", outcome.String())
	return outcome, nil
}

// processLocked はロック取得済みのイベントをトランザクション内で処理する。
// ハンドラが失敗した場合はトランザクションをロールバックし、別のトランザクションで失敗を記録する。
func (p *Processor) processLocked(ctx context.Context, eventID string) (Outcome, error) {
	var (
		outcome    Outcome
		created    int
		handlerErr error
	)

	err := p.tx.WithinTx(ctx, func(ctx context.Context) error {
		if ctx.Err() != nil {
			return errCancelled
		}

		ev, err := p.events.GetEventByID(ctx, eventID)
		if err != nil {
			return fmt.Errorf("イベントの取得に失敗: %w", err)
		}
		if ev.Processed() {
			outcome = OutcomeAlreadyProcessed
			return nil
		}

		notifications, err := p.handle(ctx, ev)
		if err == nil && len(notifications) > 0 {
			if err = p.notifications.InsertNotifications(ctx, notifications); err != nil {
				err = fmt.Errorf("通知の保存に失敗: %w", err)
			}
		}
		if err != nil {
			handlerErr = err
			return err
		}

		now := p.now()
		ev.ProcessedOn = &now
		if err := p.events.UpdateEvent(ctx, ev); err != nil {
			return fmt.Errorf("イベントの更新に失敗: %w", err)
		}
		outcome = OutcomeSucceeded
		created = len(notifications)
		return nil
	})

	switch {
	case err == nil:
		p.metrics.addCreated(created)
		return outcome, nil
	case errors.Is(err, errCancelled) || ctx.Err() != nil:
		p.logger.Info("キャンセルされたため処理を中断しました", "event_id", eventID)
		return OutcomeCancelled, nil
	case handlerErr != nil:
		return p.recordFailure(ctx, eventID, handlerErr)
	default:
		return 0, err
	}
}

// recordFailure はハンドラの失敗をイベントに記録する。
// 記録済みの失敗がMaxAttempts回に達した場合はイベントを処理済みにする。
func (p *Processor) recordFailure(ctx context.Context, eventID string, cause error) (Outcome, error) {
	var outcome Outcome

	err := p.tx.WithinTx(ctx, func(ctx context.Context) error {
		ev, err := p.events.GetEventByID(ctx, eventID)
		if err != nil {
			return fmt.Errorf("イベントの取得に失敗: %w", err)
		}
		if ev.Processed() {
			outcome = OutcomeAlreadyProcessed
			return nil
		}

		now := p.now()
		ev.ProcessingErrors = append(ev.ProcessingErrors, event.ProcessingError{
			Message:    cause.Error(),
			OccurredOn: now,
		})
		outcome = OutcomeFailed
		if len(ev.ProcessingErrors) >= MaxAttempts {
			ev.ProcessedOn = &now
			outcome = OutcomeExhausted
		}
		return p.events.UpdateEvent(ctx, ev)
	})
	if err != nil {
		if ctx.Err() != nil {
			return OutcomeCancelled, nil
		}
		return 0, fmt.Errorf("処理エラーの記録に失敗: %w", err)
	}

	if outcome == OutcomeExhausted {
		p.logger.Error("最大試行回数に達したため処理を打ち切りました", "event_id", eventID, "error", cause)
	} else {
		p.logger.Warn("イベント処理に失敗しました。再試行します", "event_id", eventID, "error", cause)
	}
	return outcome, nil
}

// handle はイベント種別に応じたハンドラを呼び出す。ハンドラ内のパニックはエラーに変換する。
func (p *Processor) handle(ctx context.Context, ev *event.Event) (notifications []Notification, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("ハンドラでパニックが発生: %v", r)
		}
	}()

	switch ev.Type {
	case event.TypeRevisionCreated:
		return p.handleRevisionCreated(ctx, ev)
	case event.TypeCommentCreated:
		return p.handleCommentCreated(ctx, ev)
	default:
		return nil, fmt.Errorf("%w: %q", event.ErrUnknownType, ev.Type)
	}
}

// handleRevisionCreated はrevisionCreatedイベントの通知を計算する。
func (p *Processor) handleRevisionCreated(ctx context.Context, ev *event.Event) ([]Notification, error) {
	params, err := event.DecodeParams[event.RevisionCreatedParams](ev)
	if err != nil {
		return nil, err
	}

	revision, err := p.documents.GetDocumentRevisionByID(ctx, params.RevisionID)
	if err != nil {
		return nil, fmt.Errorf("リビジョンの取得に失敗: %w", err)
	}
	document, err := p.documents.GetDocumentByID(ctx, params.DocumentID)
	if err != nil {
		return nil, fmt.Errorf("ドキュメントの取得に失敗: %w", err)
	}
	room, err := p.resolveRoom(ctx, params.RoomID)
	if err != nil {
		return nil, err
	}

	return p.collect(ctx, ev, func(candidate *User) []Reason {
		return ReasonsForRevisionEvent(ev, params, revision, document, room, candidate)
	})
}

// handleCommentCreated はcommentCreatedイベントの通知を計算する。
func (p *Processor) handleCommentCreated(ctx context.Context, ev *event.Event) ([]Notification, error) {
	params, err := event.DecodeParams[event.CommentCreatedParams](ev)
	if err != nil {
		return nil, err
	}

	document, err := p.documents.GetDocumentByID(ctx, params.DocumentID)
	if err != nil {
		return nil, fmt.Errorf("ドキュメントの取得に失敗: %w", err)
	}
	room, err := p.resolveRoom(ctx, params.RoomID)
	if err != nil {
		return nil, err
	}

	return p.collect(ctx, ev, func(candidate *User) []Reason {
		return ReasonsForCommentEvent(ev, params, document, room, candidate)
	})
}

// resolveRoom はルームを取得する。roomIDが空ならnilを返す。
func (p *Processor) resolveRoom(ctx context.Context, roomID string) (*Room, error) {
	if roomID == "" {
		return nil, nil
	}
	room, err := p.rooms.GetRoomByID(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("ルームの取得に失敗: %w", err)
	}
	return room, nil
}

// collect はアクティブユーザーを順に走査し、理由のあるユーザーへの通知を組み立てる。
// 候補ごとにキャンセルを確認し、キャンセルされた場合は組み立て途中の通知を捨ててerrCancelledを返す。
// イテレータはどの経路でも1回だけ閉じる。
func (p *Processor) collect(ctx context.Context, ev *event.Event, reasonsFor func(candidate *User) []Reason) (_ []Notification, err error) {
	users, err := p.users.ActiveUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("アクティブユーザーの取得に失敗: %w", err)
	}
	defer func() {
		if cerr := users.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("ユーザーイテレータのクローズに失敗: %w", cerr)
		}
	}()

	var notifications []Notification
	for {
		if ctx.Err() != nil {
			return nil, errCancelled
		}
		if !users.Next(ctx) {
			break
		}

		candidate := users.User()
		reasons := reasonsFor(candidate)
		if len(reasons) == 0 {
			continue
		}
		notifications = append(notifications, p.newNotification(ev, candidate.ID, reasons))
	}
	if err := users.Err(); err != nil {
		if ctx.Err() != nil {
			return nil, errCancelled
		}
		return nil, fmt.Errorf("アクティブユーザーの走査に失敗: %w", err)
	}

	return notifications, nil
}

// newNotification はイベントの内容を複製した通知を生成する。
func (p *Processor) newNotification(ev *event.Event, userID string, reasons []Reason) Notification {
	return Notification{
		ID:             p.newID(),
		NotifiedUserID: userID,
		EventID:        ev.ID,
		EventType:      ev.Type,
		EventParams:    append([]byte(nil), ev.Params...),
		Reasons:        reasons,
		CreatedOn:      ev.CreatedOn,
		ExpiresOn:      ev.CreatedOn.AddDate(0, p.retentionMonths, 0),
	}
}
