package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/mmeshcher/booking-system/internal/model"
)

// ErrAlreadyCanceled возвращается при повторной попытке отменить бронирование.
var (
	ErrAlreadyCanceled = errors.New("booking already canceled")
	// ErrRefundNotPending возвращается, если возврат запрошен вне допустимого состояния.
	ErrRefundNotPending = errors.New("refund is not in a pending state")
	// ErrRefundExceedsPaid возвращается, если запрошенный возврат превышает остаток уплаченного.
	ErrRefundExceedsPaid = errors.New("refund amount exceeds refundable remainder")
)

const bookingColumns = `id, tenant_id, offering_id, offering_type,
	customer_name, customer_email, customer_phone,
	event_date, slot_start, slot_end,
	total_cents, commission_cents, deposit_paid_cents, balance_paid_cents, refunded_cents,
	status, refund_status,
	cancel_reason, cancel_actor, failure_reason, failure_code,
	created_at, canceled_at, refunded_at, reminder_at, balance_due_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBooking(row rowScanner) (*model.Booking, error) {
	var b model.Booking
	err := row.Scan(
		&b.ID, &b.TenantID, &b.OfferingID, &b.OfferingType,
		&b.CustomerName, &b.CustomerEmail, &b.CustomerPhone,
		&b.EventDate, &b.SlotStart, &b.SlotEnd,
		&b.TotalCents, &b.CommissionCents, &b.DepositPaidCents, &b.BalancePaidCents, &b.RefundedCents,
		&b.Status, &b.RefundStatus,
		&b.CancelReason, &b.CancelActor, &b.FailureReason, &b.FailureCode,
		&b.CreatedAt, &b.CanceledAt, &b.RefundedAt, &b.ReminderAt, &b.BalanceDueAt,
	)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func getBookingTx(ctx context.Context, tx pgx.Tx, tenantID int64, bookingID uuid.UUID, forUpdate bool) (*model.Booking, error) {
	q := `SELECT ` + bookingColumns + ` FROM bookings WHERE tenant_id = $1 AND id = $2`
	if forUpdate {
		q += ` FOR UPDATE`
	}

	b, err := scanBooking(tx.QueryRow(ctx, q, tenantID, bookingID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrBookingNotFound
		}
		return nil, storeErr("get booking", err)
	}
	return b, nil
}

// CreateBookingWithPayment атомарно сохраняет бронирование вместе с исходным платежом.
// Частичное сохранение (бронирование без платежа или наоборот) невозможно наблюдать.
// Нарушение уникальности по (арендатор, дата или слот, тип) возвращается как ErrDateTaken.
func (r *PostgresRepository) CreateBookingWithPayment(ctx context.Context, b *model.Booking, p *model.Payment) error {
	return r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return storeErr("begin tx", err)
		}
		defer tx.Rollback(ctx)

		_, err = tx.Exec(ctx,
			`INSERT INTO bookings (
				id, tenant_id, offering_id, offering_type,
				customer_name, customer_email, customer_phone,
				event_date, slot_start, slot_end,
				total_cents, commission_cents, deposit_paid_cents, balance_paid_cents,
				status, refund_status, created_at, reminder_at, balance_due_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
			b.ID, b.TenantID, b.OfferingID, b.OfferingType,
			b.CustomerName, b.CustomerEmail, b.CustomerPhone,
			b.EventDate, b.SlotStart, b.SlotEnd,
			b.TotalCents, b.CommissionCents, b.DepositPaidCents, b.BalancePaidCents,
			b.Status, b.RefundStatus, b.CreatedAt, b.ReminderAt, b.BalanceDueAt,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrDateTaken
			}
			return storeErr("insert booking", err)
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO payments (id, booking_id, provider_ref, amount_cents, kind, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			p.ID, p.BookingID, p.ProviderRef, p.AmountCents, p.Kind, p.CreatedAt,
		)
		if err != nil {
			return storeErr("insert payment", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return storeErr("commit tx", err)
		}

		return nil
	})
}

// GetBooking возвращает бронирование арендатора по идентификатору.
func (r *PostgresRepository) GetBooking(ctx context.Context, tenantID int64, bookingID uuid.UUID) (*model.Booking, error) {
	b, err := scanBooking(r.pool.QueryRow(ctx,
		`SELECT `+bookingColumns+` FROM bookings WHERE tenant_id = $1 AND id = $2`,
		tenantID, bookingID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrBookingNotFound
		}
		return nil, storeErr("get booking", err)
	}
	return b, nil
}

// ListBookings возвращает бронирования арендатора от новых к старым.
func (r *PostgresRepository) ListBookings(ctx context.Context, tenantID int64) ([]model.Booking, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+bookingColumns+` FROM bookings WHERE tenant_id = $1 ORDER BY created_at DESC`,
		tenantID,
	)
	if err != nil {
		return nil, storeErr("select bookings", err)
	}
	defer rows.Close()

	var res []model.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, storeErr("scan booking", err)
		}
		res = append(res, *b)
	}

	if err := rows.Err(); err != nil {
		return nil, storeErr("rows error", err)
	}

	return res, nil
}

// FindOverlapping возвращает активные слотовые бронирования,
// пересекающие полуоткрытый интервал [from, to).
func (r *PostgresRepository) FindOverlapping(ctx context.Context, tenantID int64, from, to time.Time) ([]model.Booking, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+bookingColumns+` FROM bookings
		 WHERE tenant_id = $1
		   AND status <> $2
		   AND slot_start IS NOT NULL
		   AND slot_start < $4 AND slot_end > $3
		 ORDER BY slot_start`,
		tenantID, model.BookingStatusCanceled, from, to,
	)
	if err != nil {
		return nil, storeErr("select overlapping bookings", err)
	}
	defer rows.Close()

	var res []model.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, storeErr("scan booking", err)
		}
		res = append(res, *b)
	}

	if err := rows.Err(); err != nil {
		return nil, storeErr("rows error", err)
	}

	return res, nil
}

// CountActiveFor возвращает число активных бронирований предложения на календарную дату.
func (r *PostgresRepository) CountActiveFor(ctx context.Context, tenantID, offeringID int64, date time.Time) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM bookings
		 WHERE tenant_id = $1 AND offering_id = $2 AND event_date = $3 AND status <> $4`,
		tenantID, offeringID, date, model.BookingStatusCanceled,
	).Scan(&n)
	if err != nil {
		return 0, storeErr("count bookings", err)
	}
	return n, nil
}

// Reschedule переносит бронирование на новую дату под advisory-блокировкой,
// привязанной к (арендатор, новая дата). Занятая дата возвращается как ErrDateTaken.
func (r *PostgresRepository) Reschedule(ctx context.Context, tenantID int64, bookingID uuid.UUID, newDate time.Time) (*model.Booking, error) {
	var res *model.Booking

	err := r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return storeErr("begin tx", err)
		}
		defer tx.Rollback(ctx)

		resource := fmt.Sprintf("reschedule:%d:%s", tenantID, newDate.Format("2006-01-02"))
		if err := lockResource(ctx, tx, resource); err != nil {
			return storeErr("lock date", err)
		}

		b, err := getBookingTx(ctx, tx, tenantID, bookingID, true)
		if err != nil {
			return err
		}

		if b.Status == model.BookingStatusCanceled {
			return ErrAlreadyCanceled
		}

		var taken bool
		err = tx.QueryRow(ctx,
			`SELECT EXISTS (
				SELECT 1 FROM bookings
				WHERE tenant_id = $1 AND event_date = $2 AND offering_type = $3
				  AND status <> $4 AND id <> $5
			)`,
			tenantID, newDate, b.OfferingType, model.BookingStatusCanceled, bookingID,
		).Scan(&taken)
		if err != nil {
			return storeErr("check destination date", err)
		}
		if taken {
			return ErrDateTaken
		}

		_, err = tx.Exec(ctx,
			`UPDATE bookings SET event_date = $3 WHERE tenant_id = $1 AND id = $2`,
			tenantID, bookingID, newDate,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrDateTaken
			}
			return storeErr("update booking date", err)
		}

		b, err = getBookingTx(ctx, tx, tenantID, bookingID, false)
		if err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return storeErr("commit tx", err)
		}

		res = b
		return nil
	})
	if err != nil {
		return nil, err
	}

	return res, nil
}

// Cancel отменяет бронирование. Повторная отмена возвращает ErrAlreadyCanceled.
// Для оплаченных бронирований возврат средств переводится в состояние ожидания;
// сам возврат выполняется отдельным явным шагом.
func (r *PostgresRepository) Cancel(ctx context.Context, tenantID int64, bookingID uuid.UUID, actor, reason string) (*model.Booking, error) {
	var res *model.Booking

	err := r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return storeErr("begin tx", err)
		}
		defer tx.Rollback(ctx)

		b, err := getBookingTx(ctx, tx, tenantID, bookingID, true)
		if err != nil {
			return err
		}

		if b.Status == model.BookingStatusCanceled {
			return ErrAlreadyCanceled
		}

		refundStatus := b.RefundStatus
		if b.Status.IsPaid() {
			refundStatus = model.RefundStatusPending
		}

		_, err = tx.Exec(ctx,
			`UPDATE bookings
			 SET status = $3, refund_status = $4, cancel_actor = $5, cancel_reason = $6, canceled_at = now()
			 WHERE tenant_id = $1 AND id = $2`,
			tenantID, bookingID, model.BookingStatusCanceled, refundStatus, actor, reason,
		)
		if err != nil {
			return storeErr("update booking", err)
		}

		b, err = getBookingTx(ctx, tx, tenantID, bookingID, false)
		if err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return storeErr("commit tx", err)
		}

		res = b
		return nil
	})
	if err != nil {
		return nil, err
	}

	return res, nil
}

// SetRefundProcessing валидирует запрошенную сумму возврата под блокировкой строки
// и помечает возврат как выполняющийся. Отклонённый запрос не меняет состояние.
func (r *PostgresRepository) SetRefundProcessing(ctx context.Context, tenantID int64, bookingID uuid.UUID, amountCents int64) (*model.Booking, error) {
	var res *model.Booking

	err := r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return storeErr("begin tx", err)
		}
		defer tx.Rollback(ctx)

		b, err := getBookingTx(ctx, tx, tenantID, bookingID, true)
		if err != nil {
			return err
		}

		switch b.RefundStatus {
		case model.RefundStatusPending, model.RefundStatusPartial, model.RefundStatusFailed:
		default:
			return ErrRefundNotPending
		}

		maxRefundable := b.TotalPaid() - b.RefundedCents
		if amountCents <= 0 || amountCents > maxRefundable {
			return ErrRefundExceedsPaid
		}

		_, err = tx.Exec(ctx,
			`UPDATE bookings SET refund_status = $3 WHERE tenant_id = $1 AND id = $2`,
			tenantID, bookingID, model.RefundStatusProcessing,
		)
		if err != nil {
			return storeErr("update refund status", err)
		}

		b, err = getBookingTx(ctx, tx, tenantID, bookingID, false)
		if err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return storeErr("commit tx", err)
		}

		res = b
		return nil
	})
	if err != nil {
		return nil, err
	}

	return res, nil
}

// FinalizeRefund записывает результат успешного возврата средств.
func (r *PostgresRepository) FinalizeRefund(ctx context.Context, tenantID int64, bookingID uuid.UUID, refundedCents int64, refundStatus model.RefundStatus, status model.BookingStatus) (*model.Booking, error) {
	var refundedAt *time.Time
	if refundStatus == model.RefundStatusCompleted {
		now := time.Now().UTC()
		refundedAt = &now
	}

	b, err := scanBooking(r.pool.QueryRow(ctx,
		`UPDATE bookings
		 SET refunded_cents = $3, refund_status = $4, status = $5, refunded_at = COALESCE($6, refunded_at)
		 WHERE tenant_id = $1 AND id = $2
		 RETURNING `+bookingColumns,
		tenantID, bookingID, refundedCents, refundStatus, status, refundedAt,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrBookingNotFound
		}
		return nil, storeErr("finalize refund", err)
	}

	return b, nil
}

// MarkRefundFailed помечает возврат как сбойный, чтобы его можно было
// обработать повторно или вручную. Состояние не откатывается молча.
func (r *PostgresRepository) MarkRefundFailed(ctx context.Context, tenantID int64, bookingID uuid.UUID) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE bookings SET refund_status = $3 WHERE tenant_id = $1 AND id = $2`,
		tenantID, bookingID, model.RefundStatusFailed,
	)
	if err != nil {
		return storeErr("mark refund failed", err)
	}
	return nil
}

// MarkPaymentFailed записывает причину и код сбоя платежа по бронированию.
func (r *PostgresRepository) MarkPaymentFailed(ctx context.Context, tenantID int64, bookingID uuid.UUID, reason, code string) (*model.Booking, error) {
	b, err := scanBooking(r.pool.QueryRow(ctx,
		`UPDATE bookings SET failure_reason = $3, failure_code = $4
		 WHERE tenant_id = $1 AND id = $2
		 RETURNING `+bookingColumns,
		tenantID, bookingID, reason, code,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrBookingNotFound
		}
		return nil, storeErr("mark payment failed", err)
	}

	return b, nil
}

// CompleteBalancePayment записывает оплату остатка. Операция идемпотентна:
// если остаток уже записан, бронирование возвращается без изменений
// с признаком already, поскольку платёжный шлюз доставляет подтверждения
// как минимум один раз.
func (r *PostgresRepository) CompleteBalancePayment(ctx context.Context, tenantID int64, bookingID uuid.UUID, amountCents int64, providerRef string) (*model.Booking, bool, error) {
	var (
		res     *model.Booking
		already bool
	)

	err := r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return storeErr("begin tx", err)
		}
		defer tx.Rollback(ctx)

		b, err := getBookingTx(ctx, tx, tenantID, bookingID, true)
		if err != nil {
			return err
		}

		if b.BalancePaidCents > 0 {
			res = b
			already = true
			return nil
		}

		status := b.Status
		if status == model.BookingStatusDepositPaid {
			status = model.BookingStatusPaid
		}

		_, err = tx.Exec(ctx,
			`UPDATE bookings SET balance_paid_cents = $3, status = $4 WHERE tenant_id = $1 AND id = $2`,
			tenantID, bookingID, amountCents, status,
		)
		if err != nil {
			return storeErr("update balance", err)
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO payments (id, booking_id, provider_ref, amount_cents, kind, created_at)
			 VALUES ($1, $2, $3, $4, $5, now())`,
			uuid.New(), bookingID, providerRef, amountCents, model.PaymentKindBalance,
		)
		if err != nil {
			return storeErr("insert payment", err)
		}

		b, err = getBookingTx(ctx, tx, tenantID, bookingID, false)
		if err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return storeErr("commit tx", err)
		}

		res = b
		already = false
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	return res, already, nil
}

// LatestPaymentRef возвращает идентификатор последнего платежа у провайдера.
// Возвраты выполняются против самого свежего платежа по бронированию.
func (r *PostgresRepository) LatestPaymentRef(ctx context.Context, bookingID uuid.UUID) (string, error) {
	var ref string

	err := r.pool.QueryRow(ctx,
		`SELECT provider_ref FROM payments WHERE booking_id = $1 ORDER BY created_at DESC LIMIT 1`,
		bookingID,
	).Scan(&ref)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrBookingNotFound
	}
	if err != nil {
		return "", storeErr("latest payment ref", err)
	}

	return ref, nil
}
