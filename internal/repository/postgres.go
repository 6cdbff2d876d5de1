// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"

	"github.com/mmeshcher/booking-system/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrTenantNotFound возвращается, если арендатор не найден.
var (
	ErrTenantNotFound = errors.New("tenant not found")
	// ErrOfferingNotFound возвращается, если предложение не найдено.
	ErrOfferingNotFound = errors.New("offering not found")
	// ErrBookingNotFound возвращается, если бронирование не найдено.
	ErrBookingNotFound = errors.New("booking not found")
	// ErrDateTaken возвращается, если дата или слот уже заняты активным бронированием.
	ErrDateTaken = errors.New("date already booked")
)

// StoreError помечает инфраструктурный сбой хранилища.
// Ядро различает сбои хранилища и платёжного шлюза по типу, а не по форме текста.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func storeErr(op string, err error) error {
	return &StoreError{Op: op, Err: err}
}

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// withRetry повторяет операцию при конфликте сериализации или дедлоке.
// Все прочие ошибки возвращаются сразу.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(3, retry.NewFibonacci(500*time.Millisecond))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				return retry.RetryableError(err)
			}
		}

		return err
	})
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// isUniqueViolation сообщает, что ошибка вызвана нарушением ограничения уникальности.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}

// lockResource берёт эксклюзивную advisory-блокировку на именованный ресурс
// в рамках текущей транзакции. Блокировка снимается при завершении транзакции.
func lockResource(ctx context.Context, tx pgx.Tx, resource string) error {
	_, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, resource)
	if err != nil {
		return fmt.Errorf("acquire advisory lock %q: %w", resource, err)
	}
	return nil
}

// GetTenant возвращает арендатора по идентификатору.
func (r *PostgresRepository) GetTenant(ctx context.Context, id int64) (*model.Tenant, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, name, timezone, fee_percent, payout_destination, deposit_percent, balance_due_days, auto_confirm
		 FROM tenants WHERE id = $1`,
		id,
	)

	var t model.Tenant
	err := row.Scan(&t.ID, &t.Name, &t.Timezone, &t.FeePercent, &t.PayoutDestination, &t.DepositPercent, &t.BalanceDueDays, &t.AutoConfirm)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTenantNotFound
		}
		return nil, storeErr("get tenant", err)
	}

	return &t, nil
}

// GetOffering возвращает предложение арендатора по идентификатору.
func (r *PostgresRepository) GetOffering(ctx context.Context, tenantID, offeringID int64) (*model.Offering, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, tenant_id, name, type, price_cents, duration_min, buffer_min, active
		 FROM offerings WHERE tenant_id = $1 AND id = $2`,
		tenantID, offeringID,
	)

	var o model.Offering
	err := row.Scan(&o.ID, &o.TenantID, &o.Name, &o.Type, &o.PriceCents, &o.DurationMin, &o.BufferMin, &o.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOfferingNotFound
		}
		return nil, storeErr("get offering", err)
	}

	return &o, nil
}

// GetEffectiveRules возвращает правила доступности, действующие в диапазоне дат
// для указанного предложения. Правило без offering_id действует для всех предложений.
func (r *PostgresRepository) GetEffectiveRules(ctx context.Context, tenantID, offeringID int64, from, to time.Time) ([]model.AvailabilityRule, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, tenant_id, offering_id, weekday, start_time, end_time, effective_from, effective_to
		 FROM availability_rules
		 WHERE tenant_id = $1
		   AND (offering_id IS NULL OR offering_id = $2)
		   AND (effective_from IS NULL OR effective_from <= $4)
		   AND (effective_to IS NULL OR effective_to >= $3)
		 ORDER BY weekday, start_time`,
		tenantID, offeringID, from, to,
	)
	if err != nil {
		return nil, storeErr("select rules", err)
	}
	defer rows.Close()

	var res []model.AvailabilityRule
	for rows.Next() {
		var (
			rule    model.AvailabilityRule
			weekday int
		)
		if err := rows.Scan(&rule.ID, &rule.TenantID, &rule.OfferingID, &weekday, &rule.StartTime, &rule.EndTime, &rule.EffectiveFrom, &rule.EffectiveTo); err != nil {
			return nil, storeErr("scan rule", err)
		}
		rule.Weekday = time.Weekday(weekday)
		res = append(res, rule)
	}

	if err := rows.Err(); err != nil {
		return nil, storeErr("rows error", err)
	}

	return res, nil
}
