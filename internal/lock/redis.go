package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseScript はトークンが一致する場合のみキーを削除する。
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker はRedisのSET NXを利用した分散ロックマネージャ。
type RedisLocker struct {
	// client はRedisクライアント。
	client redis.UniversalClient
	// ttl はロックの有効期間。0の場合は期限なし。
	ttl time.Duration
	// prefix はRedisキーの接頭辞。
	prefix string
}

// NewRedisLocker は新しいRedisLockerを生成する。
func NewRedisLocker(client redis.UniversalClient, ttl time.Duration) *RedisLocker {
	return &RedisLocker{client: client, ttl: ttl, prefix: "docnotify:lock:"}
}

// Acquire はkeyのロックを取得する。
func (r *RedisLocker) Acquire(ctx context.Context, key string) (*Lock, error) {
	token := newToken()
	ok, err := r.client.SetNX(ctx, r.prefix+key, token, r.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("RedisへのSETNXに失敗: %w", err)
	}
	if !ok {
		return nil, ErrHeld
	}

	l := &Lock{Key: key, Token: token}
	if r.ttl > 0 {
		l.ExpiresOn = time.Now().UTC().Add(r.ttl)
	}
	return l, nil
}

// Release はトークンが一致する場合のみロックを解放する。
func (r *RedisLocker) Release(ctx context.Context, l *Lock) error {
	n, err := releaseScript.Run(ctx, r.client, []string{r.prefix + l.Key}, l.Token).Int64()
	if err != nil {
		return fmt.Errorf("Redisのロック解放に失敗: %w", err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}
