package idempotency

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Блокировка снимается только владельцем: токен сверяется атомарно на стороне redis.
var unlockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisMutex — именованная распределённая блокировка на основе SET NX PX.
type RedisMutex struct {
	client *redis.Client

	mu     sync.Mutex
	tokens map[string]string
}

// NewRedisMutex создаёт распределённую блокировку поверх указанного клиента redis.
func NewRedisMutex(client *redis.Client) *RedisMutex {
	return &RedisMutex{
		client: client,
		tokens: make(map[string]string),
	}
}

// TryLock пытается захватить именованную блокировку на время ttl.
// false означает, что блокировку держит другой экземпляр.
func (m *RedisMutex) TryLock(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return false, fmt.Errorf("generate lock token: %w", err)
	}
	token := hex.EncodeToString(buf)

	ok, err := m.client.SetNX(ctx, "lock:"+name, token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lock %q: %w", name, err)
	}
	if !ok {
		return false, nil
	}

	m.mu.Lock()
	m.tokens[name] = token
	m.mu.Unlock()

	return true, nil
}

// Unlock освобождает именованную блокировку, если она принадлежит этому экземпляру.
func (m *RedisMutex) Unlock(ctx context.Context, name string) error {
	m.mu.Lock()
	token, ok := m.tokens[name]
	delete(m.tokens, name)
	m.mu.Unlock()

	if !ok {
		return nil
	}

	if err := unlockScript.Run(ctx, m.client, []string{"lock:" + name}, token).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("release lock %q: %w", name, err)
	}

	return nil
}
