package notification

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nao1215/docnotify/internal/lock"
	"github.com/nao1215/docnotify/pkg/event"
)

// memStore はテスト用のインメモリストア。
// EventStore、NotificationStore、Transactor、各リゾルバを1つで実装する。
// トランザクションは直列に実行され、失敗時は開始前の状態に戻す。
type memStore struct {
	txMu sync.Mutex

	mu            sync.Mutex
	events        map[string]*event.Event
	notifications map[string]Notification
	documents     map[string]*Document
	revisions     map[string]*Revision
	rooms         map[string]*Room
	users         []*User

	// 以下はテストから差し込む振る舞い。
	documentErr error
	insertErr   error
	roomPanic   any
	// onNext はイテレータのNextが呼ばれるたびに呼ばれる。
	onNext func(ctx context.Context, index int)

	iteratorsOpened atomic.Int32
	iteratorsClosed atomic.Int32
}

func newMemStore() *memStore {
	return &memStore{
		events:        make(map[string]*event.Event),
		notifications: make(map[string]Notification),
		documents:     make(map[string]*Document),
		revisions:     make(map[string]*Revision),
		rooms:         make(map[string]*Room),
	}
}

func cloneEvent(e *event.Event) *event.Event {
	c := *e
	c.Params = slices.Clone(e.Params)
	c.ProcessingErrors = slices.Clone(e.ProcessingErrors)
	if c.ProcessingErrors == nil {
		c.ProcessingErrors = []event.ProcessingError{}
	}
	if e.ProcessedOn != nil {
		t := *e.ProcessedOn
		c.ProcessedOn = &t
	}
	return &c
}

// WithinTx はfnを直列に実行し、エラーまたはパニックの場合は状態を元に戻す。
func (m *memStore) WithinTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	m.txMu.Lock()
	defer m.txMu.Unlock()

	m.mu.Lock()
	events := make(map[string]*event.Event, len(m.events))
	for id, e := range m.events {
		events[id] = cloneEvent(e)
	}
	notifications := make(map[string]Notification, len(m.notifications))
	for id, n := range m.notifications {
		notifications[id] = n
	}
	m.mu.Unlock()

	restore := func() {
		m.mu.Lock()
		m.events = events
		m.notifications = notifications
		m.mu.Unlock()
	}
	defer func() {
		if r := recover(); r != nil {
			restore()
			panic(r)
		}
	}()

	if err := fn(ctx); err != nil {
		restore()
		return err
	}
	return nil
}

func (m *memStore) AppendEvent(_ context.Context, e *event.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[e.ID] = cloneEvent(e)
	return nil
}

func (m *memStore) GetOldestUnprocessedEventID(_ context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var oldest *event.Event
	for _, e := range m.events {
		if e.Processed() {
			continue
		}
		if oldest == nil || e.CreatedOn.Before(oldest.CreatedOn) || (e.CreatedOn.Equal(oldest.CreatedOn) && e.ID < oldest.ID) {
			oldest = e
		}
	}
	if oldest == nil {
		return "", nil
	}
	return oldest.ID, nil
}

func (m *memStore) GetEventByID(_ context.Context, id string) (*event.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.events[id]
	if !ok {
		return nil, fmt.Errorf("イベント %s: %w", id, ErrNotFound)
	}
	return cloneEvent(e), nil
}

func (m *memStore) UpdateEvent(_ context.Context, e *event.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.events[e.ID]; !ok {
		return fmt.Errorf("イベント %s: %w", e.ID, ErrNotFound)
	}
	m.events[e.ID] = cloneEvent(e)
	return nil
}

// event はテストの検証用に保存済みのイベントを返す。
func (m *memStore) event(id string) *event.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneEvent(m.events[id])
}

func (m *memStore) InsertNotifications(_ context.Context, notifications []Notification) error {
	if m.insertErr != nil {
		return m.insertErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range notifications {
		m.notifications[n.ID] = n
	}
	return nil
}

func (m *memStore) list(userID string, unreadOnly bool) []Notification {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Notification
	for _, n := range m.notifications {
		if n.NotifiedUserID != userID || (unreadOnly && n.ReadOn != nil) {
			continue
		}
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedOn.Equal(out[j].CreatedOn) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedOn.Before(out[j].CreatedOn)
	})
	return out
}

func (m *memStore) ListNotifications(_ context.Context, userID string) ([]Notification, error) {
	return m.list(userID, false), nil
}

func (m *memStore) ListUnreadNotifications(_ context.Context, userID string) ([]Notification, error) {
	return m.list(userID, true), nil
}

func (m *memStore) GetNotificationByID(_ context.Context, id string) (*Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.notifications[id]
	if !ok {
		return nil, fmt.Errorf("通知 %s: %w", id, ErrNotFound)
	}
	return &n, nil
}

func (m *memStore) MarkAsRead(_ context.Context, id string, readOn time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.notifications[id]
	if !ok {
		return fmt.Errorf("通知 %s: %w", id, ErrNotFound)
	}
	if n.ReadOn == nil {
		n.ReadOn = &readOn
		m.notifications[id] = n
	}
	return nil
}

func (m *memStore) MarkAllAsRead(_ context.Context, userID string, readOn time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, n := range m.notifications {
		if n.NotifiedUserID == userID && n.ReadOn == nil {
			n.ReadOn = &readOn
			m.notifications[id] = n
		}
	}
	return nil
}

func (m *memStore) DeleteExpiredNotifications(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var deleted int64
	for id, n := range m.notifications {
		if n.ExpiresOn.Before(now) {
			delete(m.notifications, id)
			deleted++
		}
	}
	return deleted, nil
}

func (m *memStore) GetDocumentByID(_ context.Context, id string) (*Document, error) {
	if m.documentErr != nil {
		return nil, m.documentErr
	}
	return m.documents[id], nil
}

func (m *memStore) GetDocumentRevisionByID(_ context.Context, id string) (*Revision, error) {
	if m.documentErr != nil {
		return nil, m.documentErr
	}
	return m.revisions[id], nil
}

func (m *memStore) GetRoomByID(_ context.Context, id string) (*Room, error) {
	if m.roomPanic != nil {
		panic(m.roomPanic)
	}
	return m.rooms[id], nil
}

func (m *memStore) ActiveUsers(_ context.Context) (UserIterator, error) {
	m.iteratorsOpened.Add(1)
	return &sliceIterator{store: m, users: m.users, pos: -1}, nil
}

// sliceIterator はスライスを順に返すUserIterator。
type sliceIterator struct {
	store  *memStore
	users  []*User
	pos    int
	err    error
	closed bool
}

func (it *sliceIterator) Next(ctx context.Context) bool {
	if it.closed {
		it.err = errors.New("クローズ済みのイテレータです")
		return false
	}
	if it.store.onNext != nil {
		it.store.onNext(ctx, it.pos+1)
	}
	if it.pos+1 >= len(it.users) {
		return false
	}
	it.pos++
	return true
}

func (it *sliceIterator) User() *User { return it.users[it.pos] }

func (it *sliceIterator) Err() error { return it.err }

func (it *sliceIterator) Close() error {
	if !it.closed {
		it.closed = true
		it.store.iteratorsClosed.Add(1)
	}
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testNow はテストで使う現在時刻。
var testNow = time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)

// newTestProcessor はmemStoreとMemoryLockerを使うProcessorを生成する。
func newTestProcessor(store *memStore, locker Locker) *Processor {
	if locker == nil {
		locker = lock.NewMemoryLocker()
	}
	var seq atomic.Int32
	return NewProcessor(ProcessorConfig{
		Events:        store,
		Notifications: store,
		Locker:        locker,
		Transactor:    store,
		Users:         store,
		Documents:     store,
		Rooms:         store,
		Logger:        discardLogger(),
		Now:           func() time.Time { return testNow },
		NewID: func() string {
			return fmt.Sprintf("n-%d", seq.Add(1))
		},
	})
}
