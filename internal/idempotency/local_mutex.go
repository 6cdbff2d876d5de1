package idempotency

import (
	"context"
	"sync"
	"time"
)

// LocalMutex — блокировка в пределах одного процесса. Используется,
// когда redis не сконфигурирован и сервис работает в единственном экземпляре.
type LocalMutex struct {
	mu   sync.Mutex
	held map[string]bool
}

// NewLocalMutex создаёт локальную именованную блокировку.
func NewLocalMutex() *LocalMutex {
	return &LocalMutex{held: make(map[string]bool)}
}

// TryLock пытается захватить именованную блокировку. TTL не отслеживается:
// время жизни блокировки ограничено временем жизни процесса.
func (m *LocalMutex) TryLock(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.held[name] {
		return false, nil
	}
	m.held[name] = true
	return true, nil
}

// Unlock освобождает именованную блокировку.
func (m *LocalMutex) Unlock(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.held, name)
	return nil
}
