package idempotency

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Mutex описывает именованную распределённую блокировку,
// координирующую экземпляры сервиса между собой.
type Mutex interface {
	TryLock(ctx context.Context, name string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, name string) error
}

const cleanerLockName = "idempotency:cleanup"

// Cleaner периодически удаляет просроченные записи идемпотентности.
// Перед каждым проходом берётся распределённая блокировка, чтобы очистку
// выполнял только один экземпляр сервиса; проигравший экземпляр
// пропускает цикл.
type Cleaner struct {
	store    Store
	mutex    Mutex
	logger   *zap.Logger
	interval time.Duration
}

// NewCleaner создаёт задачу очистки с указанным интервалом.
func NewCleaner(store Store, mutex Mutex, logger *zap.Logger, interval time.Duration) *Cleaner {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Cleaner{
		store:    store,
		mutex:    mutex,
		logger:   logger,
		interval: interval,
	}
}

// Run запускает цикл очистки и блокируется до отмены контекста.
// Задача принадлежит корню композиции процесса и останавливается вместе с ним.
func (c *Cleaner) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweep(ctx)
		}
	}
}

func (c *Cleaner) sweep(ctx context.Context) {
	acquired, err := c.mutex.TryLock(ctx, cleanerLockName, c.interval)
	if err != nil {
		c.logger.Warn("idempotency cleanup lock error", zap.Error(err))
		return
	}
	if !acquired {
		return
	}
	defer func() {
		if err := c.mutex.Unlock(ctx, cleanerLockName); err != nil {
			c.logger.Warn("idempotency cleanup unlock error", zap.Error(err))
		}
	}()

	deleted, err := c.store.DeleteExpiredIdempotencyKeys(ctx)
	if err != nil {
		c.logger.Error("idempotency cleanup error", zap.Error(err))
		return
	}

	if deleted > 0 {
		c.logger.Info("expired idempotency keys removed", zap.Int64("count", deleted))
	}
}
