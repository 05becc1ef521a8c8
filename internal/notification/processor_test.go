package notification

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nao1215/docnotify/internal/lock"
	"github.com/nao1215/docnotify/pkg/event"
)

// eventCreatedOn はテストで追記するイベントの発生日時。
var eventCreatedOn = testNow.Add(-time.Hour)

// seedRevisionFixture はリビジョン作成イベントと関連エンティティをmemStoreに登録し、イベントIDを返す。
// memberとfanが通知対象、actorは作成者本人、latecomerはイベントより後に作成されたユーザー。
func seedRevisionFixture(t *testing.T, store *memStore) string {
	t.Helper()

	store.documents["doc-1"] = &Document{ID: "doc-1", RoomID: "room-1"}
	store.revisions["rev-1"] = &Revision{ID: "rev-1", DocumentID: "doc-1", RoomID: "room-1"}
	store.rooms["room-1"] = &Room{ID: "room-1", Owner: "actor", Members: []RoomMember{{UserID: "member"}}}
	store.users = []*User{
		{ID: "actor", CreatedOn: eventCreatedOn.Add(-24 * time.Hour)},
		{ID: "fan", CreatedOn: eventCreatedOn.Add(-24 * time.Hour), Favorites: []Favorite{{Type: FavoriteTypeUser, ID: "actor"}}},
		{ID: "latecomer", CreatedOn: eventCreatedOn.Add(time.Minute)},
		{ID: "member", CreatedOn: eventCreatedOn.Add(-24 * time.Hour), Favorites: []Favorite{{Type: FavoriteTypeDocument, ID: "doc-1"}}},
	}

	return seedEvent(t, store, event.TypeRevisionCreated, event.RevisionCreatedParams{
		RevisionID: "rev-1",
		DocumentID: "doc-1",
		RoomID:     "room-1",
		UserID:     "actor",
	})
}

// seedEvent はイベントを生成してmemStoreに追記する。
func seedEvent(t *testing.T, store *memStore, typ event.Type, params any) string {
	t.Helper()

	ev, err := event.New(typ, params)
	if err != nil {
		t.Fatalf("イベントの生成に失敗: %v", err)
	}
	ev.CreatedOn = eventCreatedOn
	if err := store.AppendEvent(context.Background(), ev); err != nil {
		t.Fatalf("イベントの追記に失敗: %v", err)
	}
	return ev.ID
}

// TestProcessEvent_Success は通知の作成とイベントの完了を検証する。
func TestProcessEvent_Success(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	eventID := seedRevisionFixture(t, store)
	p := newTestProcessor(store, nil)

	outcome, err := p.ProcessEvent(context.Background(), eventID)
	if err != nil {
		t.Fatalf("ProcessEvent()でエラーが発生: %v", err)
	}
	if outcome != OutcomeSucceeded {
		t.Fatalf("outcome = %v, want %v", outcome, OutcomeSucceeded)
	}

	ev := store.event(eventID)
	if ev.ProcessedOn == nil || !ev.ProcessedOn.Equal(testNow) {
		t.Errorf("ProcessedOn = %v, want %v", ev.ProcessedOn, testNow)
	}
	if len(ev.ProcessingErrors) != 0 {
		t.Errorf("ProcessingErrors = %v, want 空", ev.ProcessingErrors)
	}

	t.Run("理由のあるユーザーだけに通知されること", func(t *testing.T) {
		t.Parallel()

		for _, userID := range []string{"actor", "latecomer"} {
			if got := store.list(userID, false); len(got) != 0 {
				t.Errorf("%s への通知 = %d件, want 0件", userID, len(got))
			}
		}

		tests := []struct {
			userID string
			want   []Reason
		}{
			{userID: "fan", want: []Reason{ReasonUserFavorite}},
			{userID: "member", want: []Reason{ReasonRoomMembership, ReasonDocumentFavorite}},
		}
		for _, tt := range tests {
			got := store.list(tt.userID, false)
			if len(got) != 1 {
				t.Fatalf("%s への通知 = %d件, want 1件", tt.userID, len(got))
			}
			n := got[0]
			if len(n.Reasons) != len(tt.want) {
				t.Fatalf("%s の理由 = %v, want %v", tt.userID, n.Reasons, tt.want)
			}
			for i := range tt.want {
				if n.Reasons[i] != tt.want[i] {
					t.Errorf("%s の理由 = %v, want %v", tt.userID, n.Reasons, tt.want)
				}
			}
		}
	})

	t.Run("通知がイベントの内容と日時を複製していること", func(t *testing.T) {
		t.Parallel()

		n := store.list("member", false)[0]
		if n.EventID != eventID {
			t.Errorf("EventID = %q, want %q", n.EventID, eventID)
		}
		if n.EventType != event.TypeRevisionCreated {
			t.Errorf("EventType = %q, want %q", n.EventType, event.TypeRevisionCreated)
		}
		if string(n.EventParams) != string(ev.Params) {
			t.Errorf("EventParams = %s, want %s", n.EventParams, ev.Params)
		}
		if !n.CreatedOn.Equal(eventCreatedOn) {
			t.Errorf("CreatedOn = %v, want %v", n.CreatedOn, eventCreatedOn)
		}
		if want := eventCreatedOn.AddDate(0, DefaultRetentionMonths, 0); !n.ExpiresOn.Equal(want) {
			t.Errorf("ExpiresOn = %v, want %v", n.ExpiresOn, want)
		}
		if n.ReadOn != nil {
			t.Errorf("ReadOn = %v, want nil", n.ReadOn)
		}
		if !strings.HasPrefix(n.ID, "n-") {
			t.Errorf("ID = %q, want n-で始まるID", n.ID)
		}
	})

	t.Run("イテレータが閉じられていること", func(t *testing.T) {
		t.Parallel()
		if opened, closed := store.iteratorsOpened.Load(), store.iteratorsClosed.Load(); opened != 1 || closed != 1 {
			t.Errorf("opened = %d, closed = %d, want 1, 1", opened, closed)
		}
	})
}

// TestProcessEvent_CommentCreated はコメント作成イベントの処理を検証する。
func TestProcessEvent_CommentCreated(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	store.documents["doc-1"] = &Document{ID: "doc-1"}
	store.users = []*User{
		{ID: "writer", CreatedOn: eventCreatedOn.Add(-time.Hour)},
		{ID: "reader", CreatedOn: eventCreatedOn.Add(-time.Hour), Favorites: []Favorite{{Type: FavoriteTypeDocument, ID: "doc-1"}}},
	}
	eventID := seedEvent(t, store, event.TypeCommentCreated, event.CommentCreatedParams{
		CommentID:  "c-1",
		DocumentID: "doc-1",
		UserID:     "writer",
	})

	outcome, err := newTestProcessor(store, nil).ProcessEvent(context.Background(), eventID)
	if err != nil {
		t.Fatalf("ProcessEvent()でエラーが発生: %v", err)
	}
	if outcome != OutcomeSucceeded {
		t.Fatalf("outcome = %v, want %v", outcome, OutcomeSucceeded)
	}

	got := store.list("reader", false)
	if len(got) != 1 || len(got[0].Reasons) != 1 || got[0].Reasons[0] != ReasonDocumentFavorite {
		t.Errorf("reader への通知 = %+v, want documentFavoriteの通知1件", got)
	}
}

// TestProcessEvent_NoRecipients は通知先がいなくてもイベントが完了することを検証する。
func TestProcessEvent_NoRecipients(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	eventID := seedRevisionFixture(t, store)
	store.revisions["rev-1"].RoomContext = &RoomContext{Draft: true}

	outcome, err := newTestProcessor(store, nil).ProcessEvent(context.Background(), eventID)
	if err != nil {
		t.Fatalf("ProcessEvent()でエラーが発生: %v", err)
	}
	if outcome != OutcomeSucceeded {
		t.Fatalf("outcome = %v, want %v", outcome, OutcomeSucceeded)
	}
	if len(store.notifications) != 0 {
		t.Errorf("通知 = %d件, want 0件", len(store.notifications))
	}
	if !store.event(eventID).Processed() {
		t.Error("イベントが処理済みになっていない")
	}
}

// TestProcessEvent_Failure は失敗の記録とMaxAttempts回での打ち切りを検証する。
func TestProcessEvent_Failure(t *testing.T) {
	t.Parallel()

	t.Run("失敗が記録され3回目で打ち切られること", func(t *testing.T) {
		t.Parallel()

		store := newMemStore()
		eventID := seedRevisionFixture(t, store)
		store.documentErr = errors.New("document service unavailable")
		p := newTestProcessor(store, nil)
		ctx := context.Background()

		want := []Outcome{OutcomeFailed, OutcomeFailed, OutcomeExhausted}
		for i, w := range want {
			outcome, err := p.ProcessEvent(ctx, eventID)
			if err != nil {
				t.Fatalf("%d回目のProcessEvent()でエラーが発生: %v", i+1, err)
			}
			if outcome != w {
				t.Fatalf("%d回目のoutcome = %v, want %v", i+1, outcome, w)
			}

			ev := store.event(eventID)
			if len(ev.ProcessingErrors) != i+1 {
				t.Fatalf("%d回目のProcessingErrors = %d件, want %d件", i+1, len(ev.ProcessingErrors), i+1)
			}
			last := ev.ProcessingErrors[i]
			if !strings.Contains(last.Message, "document service unavailable") {
				t.Errorf("Message = %q, want 原因のエラーを含む", last.Message)
			}
			if !last.OccurredOn.Equal(testNow) {
				t.Errorf("OccurredOn = %v, want %v", last.OccurredOn, testNow)
			}
			if processed := ev.Processed(); processed != (w == OutcomeExhausted) {
				t.Errorf("%d回目のProcessed() = %v", i+1, processed)
			}
		}

		if len(store.notifications) != 0 {
			t.Errorf("通知 = %d件, want 0件", len(store.notifications))
		}

		id, err := store.GetOldestUnprocessedEventID(ctx)
		if err != nil {
			t.Fatalf("GetOldestUnprocessedEventID()でエラーが発生: %v", err)
		}
		if id != "" {
			t.Errorf("打ち切り後も未処理として取り出された: %q", id)
		}

		outcome, err := p.ProcessEvent(ctx, eventID)
		if err != nil {
			t.Fatalf("打ち切り後のProcessEvent()でエラーが発生: %v", err)
		}
		if outcome != OutcomeAlreadyProcessed {
			t.Errorf("outcome = %v, want %v", outcome, OutcomeAlreadyProcessed)
		}
	})

	t.Run("通知の保存に失敗したら何も残らないこと", func(t *testing.T) {
		t.Parallel()

		store := newMemStore()
		eventID := seedRevisionFixture(t, store)
		store.insertErr = errors.New("disk full")

		outcome, err := newTestProcessor(store, nil).ProcessEvent(context.Background(), eventID)
		if err != nil {
			t.Fatalf("ProcessEvent()でエラーが発生: %v", err)
		}
		if outcome != OutcomeFailed {
			t.Fatalf("outcome = %v, want %v", outcome, OutcomeFailed)
		}

		ev := store.event(eventID)
		if ev.Processed() {
			t.Error("失敗したイベントが処理済みになっている")
		}
		if len(ev.ProcessingErrors) != 1 || !strings.Contains(ev.ProcessingErrors[0].Message, "disk full") {
			t.Errorf("ProcessingErrors = %+v, want disk fullを含む1件", ev.ProcessingErrors)
		}
		if len(store.notifications) != 0 {
			t.Errorf("通知 = %d件, want 0件", len(store.notifications))
		}
	})

	t.Run("ハンドラのパニックは失敗として記録されること", func(t *testing.T) {
		t.Parallel()

		store := newMemStore()
		eventID := seedRevisionFixture(t, store)
		store.roomPanic = "room cache corrupted"

		outcome, err := newTestProcessor(store, nil).ProcessEvent(context.Background(), eventID)
		if err != nil {
			t.Fatalf("ProcessEvent()でエラーが発生: %v", err)
		}
		if outcome != OutcomeFailed {
			t.Fatalf("outcome = %v, want %v", outcome, OutcomeFailed)
		}
		ev := store.event(eventID)
		if len(ev.ProcessingErrors) != 1 || !strings.Contains(ev.ProcessingErrors[0].Message, "room cache corrupted") {
			t.Errorf("ProcessingErrors = %+v, want パニックの内容を含む1件", ev.ProcessingErrors)
		}
	})

	t.Run("未知のイベント種別は失敗として記録されること", func(t *testing.T) {
		t.Parallel()

		store := newMemStore()
		ev := &event.Event{
			ID:        "ev-unknown",
			Type:      event.Type("documentArchived"),
			Params:    []byte(`{}`),
			CreatedOn: eventCreatedOn,
		}
		if err := store.AppendEvent(context.Background(), ev); err != nil {
			t.Fatalf("イベントの追記に失敗: %v", err)
		}

		outcome, err := newTestProcessor(store, nil).ProcessEvent(context.Background(), ev.ID)
		if err != nil {
			t.Fatalf("ProcessEvent()でエラーが発生: %v", err)
		}
		if outcome != OutcomeFailed {
			t.Fatalf("outcome = %v, want %v", outcome, OutcomeFailed)
		}
		if got := store.event(ev.ID).ProcessingErrors; len(got) != 1 || !strings.Contains(got[0].Message, "documentArchived") {
			t.Errorf("ProcessingErrors = %+v, want 種別名を含む1件", got)
		}
	})
}

// TestProcessEvent_Cancellation はキャンセル時に何も保存しないことを検証する。
func TestProcessEvent_Cancellation(t *testing.T) {
	t.Parallel()

	t.Run("走査中のキャンセルでイベントも通知も変わらないこと", func(t *testing.T) {
		t.Parallel()

		store := newMemStore()
		eventID := seedRevisionFixture(t, store)
		p := newTestProcessor(store, nil)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		store.onNext = func(_ context.Context, index int) {
			if index == 2 {
				cancel()
			}
		}

		outcome, err := p.ProcessEvent(ctx, eventID)
		if err != nil {
			t.Fatalf("ProcessEvent()でエラーが発生: %v", err)
		}
		if outcome != OutcomeCancelled {
			t.Fatalf("outcome = %v, want %v", outcome, OutcomeCancelled)
		}

		ev := store.event(eventID)
		if ev.Processed() || len(ev.ProcessingErrors) != 0 {
			t.Errorf("キャンセル後のイベント = %+v, want 未処理かつエラーなし", ev)
		}
		if len(store.notifications) != 0 {
			t.Errorf("通知 = %d件, want 0件", len(store.notifications))
		}
		if opened, closed := store.iteratorsOpened.Load(), store.iteratorsClosed.Load(); opened != 1 || closed != 1 {
			t.Errorf("opened = %d, closed = %d, want 1, 1", opened, closed)
		}

		// ロックが解放されているので、次の試行で最後まで処理できる
		store.onNext = nil
		outcome, err = p.ProcessEvent(context.Background(), eventID)
		if err != nil {
			t.Fatalf("再試行のProcessEvent()でエラーが発生: %v", err)
		}
		if outcome != OutcomeSucceeded {
			t.Errorf("再試行のoutcome = %v, want %v", outcome, OutcomeSucceeded)
		}
		if len(store.notifications) != 2 {
			t.Errorf("再試行後の通知 = %d件, want 2件", len(store.notifications))
		}
	})

	t.Run("開始前にキャンセルされていれば何もしないこと", func(t *testing.T) {
		t.Parallel()

		store := newMemStore()
		eventID := seedRevisionFixture(t, store)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		outcome, err := newTestProcessor(store, nil).ProcessEvent(ctx, eventID)
		if err != nil {
			t.Fatalf("ProcessEvent()でエラーが発生: %v", err)
		}
		if outcome != OutcomeCancelled {
			t.Errorf("outcome = %v, want %v", outcome, OutcomeCancelled)
		}
		if store.iteratorsOpened.Load() != 0 {
			t.Error("キャンセル済みなのにユーザーの走査が始まった")
		}
	})
}

// TestProcessEvent_Contention はロック競合時に他の処理を待たずに戻ることを検証する。
func TestProcessEvent_Contention(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	eventID := seedRevisionFixture(t, store)
	p := newTestProcessor(store, lock.NewMemoryLocker())

	entered := make(chan struct{})
	resume := make(chan struct{})
	var once sync.Once
	store.onNext = func(context.Context, int) {
		once.Do(func() {
			close(entered)
			<-resume
		})
	}

	type result struct {
		outcome Outcome
		err     error
	}
	done := make(chan result, 1)
	go func() {
		outcome, err := p.ProcessEvent(context.Background(), eventID)
		done <- result{outcome, err}
	}()

	<-entered
	outcome, err := p.ProcessEvent(context.Background(), eventID)
	if err != nil {
		t.Fatalf("競合中のProcessEvent()でエラーが発生: %v", err)
	}
	if outcome != OutcomeLocked {
		t.Errorf("競合中のoutcome = %v, want %v", outcome, OutcomeLocked)
	}
	close(resume)

	select {
	case r := <-done:
		if r.err != nil || r.outcome != OutcomeSucceeded {
			t.Errorf("先行する処理の結果 = (%v, %v), want (%v, nil)", r.outcome, r.err, OutcomeSucceeded)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("先行する処理が終わらない")
	}

	if got := len(store.event(eventID).ProcessingErrors); got != 0 {
		t.Errorf("ProcessingErrors = %d件, want 0件", got)
	}
}

// TestProcessNextEvent は最も古い未処理イベントの取り出しと戻り値を検証する。
func TestProcessNextEvent(t *testing.T) {
	t.Parallel()

	t.Run("未処理イベントがなければfalseを返すこと", func(t *testing.T) {
		t.Parallel()
		p := newTestProcessor(newMemStore(), nil)
		if p.ProcessNextEvent(context.Background()) {
			t.Error("ProcessNextEvent() = true, want false")
		}
	})

	t.Run("キャンセル済みならfalseを返しイベントに触れないこと", func(t *testing.T) {
		t.Parallel()
		store := newMemStore()
		eventID := seedRevisionFixture(t, store)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if newTestProcessor(store, nil).ProcessNextEvent(ctx) {
			t.Error("ProcessNextEvent() = true, want false")
		}
		if store.event(eventID).Processed() {
			t.Error("キャンセル済みなのにイベントが処理された")
		}
	})

	t.Run("古い順に処理しなくなるまでtrueを返すこと", func(t *testing.T) {
		t.Parallel()
		store := newMemStore()
		first := seedRevisionFixture(t, store)
		second := seedEvent(t, store, event.TypeCommentCreated, event.CommentCreatedParams{
			CommentID: "c-1", DocumentID: "doc-1", RoomID: "room-1", UserID: "member",
		})
		store.events[second].CreatedOn = eventCreatedOn.Add(time.Minute)

		p := newTestProcessor(store, nil)
		ctx := context.Background()

		if !p.ProcessNextEvent(ctx) {
			t.Fatal("1回目のProcessNextEvent() = false, want true")
		}
		if !store.event(first).Processed() || store.event(second).Processed() {
			t.Fatal("古いイベントから処理されていない")
		}
		if !p.ProcessNextEvent(ctx) {
			t.Fatal("2回目のProcessNextEvent() = false, want true")
		}
		if p.ProcessNextEvent(ctx) {
			t.Error("3回目のProcessNextEvent() = true, want false")
		}
	})

	t.Run("失敗を記録した場合もtrueを返すこと", func(t *testing.T) {
		t.Parallel()
		store := newMemStore()
		seedRevisionFixture(t, store)
		store.documentErr = errors.New("timeout")

		p := newTestProcessor(store, nil)
		for i := range MaxAttempts {
			if !p.ProcessNextEvent(context.Background()) {
				t.Fatalf("%d回目のProcessNextEvent() = false, want true", i+1)
			}
		}
		if p.ProcessNextEvent(context.Background()) {
			t.Error("打ち切り後のProcessNextEvent() = true, want false")
		}
	})

	t.Run("ロックが競合していればfalseを返すこと", func(t *testing.T) {
		t.Parallel()
		store := newMemStore()
		eventID := seedRevisionFixture(t, store)
		locker := lock.NewMemoryLocker()

		held, err := locker.Acquire(context.Background(), lock.EventKey(eventID))
		if err != nil {
			t.Fatalf("ロックの取得に失敗: %v", err)
		}
		t.Cleanup(func() { locker.Release(context.Background(), held) })

		if newTestProcessor(store, locker).ProcessNextEvent(context.Background()) {
			t.Error("ProcessNextEvent() = true, want false")
		}
		if store.event(eventID).Processed() {
			t.Error("ロック競合中にイベントが処理された")
		}
	})
}

// TestProcessor_Metrics は処理結果がメトリクスに記録されることを検証する。
func TestProcessor_Metrics(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	eventID := seedRevisionFixture(t, store)

	reg := prometheus.NewRegistry()
	p := newTestProcessor(store, nil)
	p.metrics = NewMetrics(reg)

	if _, err := p.ProcessEvent(context.Background(), eventID); err != nil {
		t.Fatalf("ProcessEvent()でエラーが発生: %v", err)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("メトリクスの収集に失敗: %v", err)
	}

	values := make(map[string]float64)
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				key := mf.GetName()
				for _, lp := range m.GetLabel() {
					key += "/" + lp.GetValue()
				}
				values[key] = m.GetCounter().GetValue()
			case m.GetHistogram() != nil:
				values[mf.GetName()] = float64(m.GetHistogram().GetSampleCount())
			}
		}
	}

	tests := []struct {
		name string
		want float64
	}{
		{name: "docnotify_processor_events_processed_total/succeeded", want: 1},
		{name: "docnotify_processor_notifications_created_total", want: 2},
		{name: "docnotify_processor_event_processing_duration_seconds", want: 1},
	}
	for _, tt := range tests {
		if got := values[tt.name]; got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, got, tt.want)
		}
	}
}

// TestOutcome_String はメトリクスのラベルに使う名前を検証する。
func TestOutcome_String(t *testing.T) {
	t.Parallel()

	tests := []struct {
		outcome Outcome
		want    string
		changed bool
	}{
		{OutcomeLocked, "locked", false},
		{OutcomeAlreadyProcessed, "already_processed", false},
		{OutcomeSucceeded, "succeeded", true},
		{OutcomeFailed, "failed", true},
		{OutcomeExhausted, "exhausted", true},
		{OutcomeCancelled, "cancelled", false},
		{Outcome(0), "unknown", false},
	}
	for _, tt := range tests {
		if got := tt.outcome.String(); got != tt.want {
			t.Errorf("Outcome(%d).String() = %q, want %q", tt.outcome, got, tt.want)
		}
		if got := tt.outcome.changedState(); got != tt.changed {
			t.Errorf("Outcome(%d).changedState() = %v, want %v", tt.outcome, got, tt.changed)
		}
	}
}
