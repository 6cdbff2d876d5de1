// Package idempotency реализует дедупликацию побочных операций
// по детерминированным ключам с ограниченным временем жизни.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// RecordTTL — время жизни записи идемпотентности.
const RecordTTL = 24 * time.Hour

// Store описывает контракт долговременного хранилища ключей идемпотентности.
type Store interface {
	InsertIdempotencyKey(ctx context.Context, key string, ttl time.Duration) (bool, error)
	GetIdempotencyResponse(ctx context.Context, key string) ([]byte, error)
	UpdateIdempotencyResponse(ctx context.Context, key string, payload []byte) error
	DeleteExpiredIdempotencyKeys(ctx context.Context) (int64, error)
}

// Ledger дедуплицирует побочные операции через долговременное хранилище ключей.
type Ledger struct {
	store Store
}

// NewLedger создаёт журнал идемпотентности поверх указанного хранилища.
func NewLedger(store Store) *Ledger {
	return &Ledger{store: store}
}

// GenerateKey строит детерминированный ключ из идентичности операции.
// Текущее время в ключ не входит: иначе два почти одновременных повтора
// одного и того же логического запроса получили бы разные ключи
// и продублировали бы побочный эффект.
func GenerateKey(prefix string, parts ...string) string {
	h := sha256.New()
	h.Write([]byte(prefix))
	h.Write([]byte{0x1f})
	h.Write([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(h.Sum(nil))
}

// CheckAndStore атомарно резервирует ключ. false означает, что ключ уже
// зарезервирован конкурирующим запросом — это сигнал дубликата, не ошибка.
func (l *Ledger) CheckAndStore(ctx context.Context, key string) (bool, error) {
	return l.store.InsertIdempotencyKey(ctx, key, RecordTTL)
}

// GetStoredResponse возвращает кэшированный ответ завершённой операции
// или nil, если записи нет, она просрочена или операция ещё выполняется.
func (l *Ledger) GetStoredResponse(ctx context.Context, key string) ([]byte, error) {
	return l.store.GetIdempotencyResponse(ctx, key)
}

// UpdateResponse привязывает результат завершённой операции к ключу.
func (l *Ledger) UpdateResponse(ctx context.Context, key string, payload []byte) error {
	return l.store.UpdateIdempotencyResponse(ctx, key, payload)
}
