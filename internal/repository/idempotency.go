package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
)

// InsertIdempotencyKey атомарно резервирует ключ идемпотентности.
// Конфликт вставки — не ошибка, а сигнал одновременного дубликата: в этом
// случае возвращается false.
func (r *PostgresRepository) InsertIdempotencyKey(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	cmdTag, err := r.pool.Exec(ctx,
		`INSERT INTO idempotency_keys (key, expires_at) VALUES ($1, $2) ON CONFLICT (key) DO NOTHING`,
		key, time.Now().UTC().Add(ttl),
	)
	if err != nil {
		return false, storeErr("insert idempotency key", err)
	}

	return cmdTag.RowsAffected() == 1, nil
}

// GetIdempotencyResponse возвращает кэшированный ответ по ключу.
// Просроченная запись лениво удаляется и считается отсутствующей.
// Запись без ответа (операция ещё не завершена) также считается отсутствующей.
func (r *PostgresRepository) GetIdempotencyResponse(ctx context.Context, key string) ([]byte, error) {
	var (
		response  []byte
		expiresAt time.Time
	)

	err := r.pool.QueryRow(ctx,
		`SELECT response, expires_at FROM idempotency_keys WHERE key = $1`,
		key,
	).Scan(&response, &expiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, storeErr("get idempotency key", err)
	}

	if time.Now().UTC().After(expiresAt) {
		if _, err := r.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE key = $1`, key); err != nil {
			return nil, storeErr("delete expired idempotency key", err)
		}
		return nil, nil
	}

	if len(response) == 0 {
		return nil, nil
	}

	return response, nil
}

// UpdateIdempotencyResponse привязывает результат завершённой операции к ключу.
func (r *PostgresRepository) UpdateIdempotencyResponse(ctx context.Context, key string, payload []byte) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE idempotency_keys SET response = $2 WHERE key = $1`,
		key, payload,
	)
	if err != nil {
		return storeErr("update idempotency key", err)
	}
	return nil
}

// DeleteExpiredIdempotencyKeys удаляет просроченные ключи и возвращает их число.
func (r *PostgresRepository) DeleteExpiredIdempotencyKeys(ctx context.Context) (int64, error) {
	cmdTag, err := r.pool.Exec(ctx,
		`DELETE FROM idempotency_keys WHERE expires_at < now()`,
	)
	if err != nil {
		return 0, storeErr("delete expired idempotency keys", err)
	}
	return cmdTag.RowsAffected(), nil
}
