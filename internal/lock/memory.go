package lock

import (
	"context"
	"sync"
)

// MemoryLocker はプロセス内でのみ有効なロックマネージャ。
// 単一プロセスで複数ワーカーを動かす場合に使用する。
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]string
}

// NewMemoryLocker は新しいMemoryLockerを生成する。
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]string)}
}

// Acquire はkeyのロックを取得する。
func (m *MemoryLocker) Acquire(_ context.Context, key string) (*Lock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.held[key]; ok {
		return nil, ErrHeld
	}
	token := newToken()
	m.held[key] = token
	return &Lock{Key: key, Token: token}, nil
}

// Release はロックを解放する。トークンが一致しない場合はErrNotHeldを返す。
func (m *MemoryLocker) Release(_ context.Context, l *Lock) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if token, ok := m.held[l.Key]; !ok || token != l.Token {
		return ErrNotHeld
	}
	delete(m.held, l.Key)
	return nil
}
