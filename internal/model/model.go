// Package model содержит доменные сущности сервиса бронирования.
package model

import (
	"time"

	"github.com/google/uuid"
)

// Tenant представляет поставщика услуг, продающего бронирования через платформу.
// Данные арендатора принадлежат внешней подсистеме и доступны ядру только на чтение.
type Tenant struct {
	ID                int64
	Name              string
	Timezone          string
	FeePercent        float64
	PayoutDestination *string
	DepositPercent    *float64
	BalanceDueDays    *int
	AutoConfirm       bool
}

// OfferingType описывает вид продаваемой единицы.
type OfferingType string

const (
	// OfferingTypeFixedDate — пакет на фиксированную календарную дату.
	OfferingTypeFixedDate OfferingType = "fixed_date"
	// OfferingTypeTimeSlot — услуга с повторяющимся расписанием и слотами.
	OfferingTypeTimeSlot OfferingType = "time_slot"
)

// Offering описывает продаваемую единицу арендатора.
type Offering struct {
	ID          int64
	TenantID    int64
	Name        string
	Type        OfferingType
	PriceCents  int64
	DurationMin int
	BufferMin   int
	Active      bool
}

// BookingStatus описывает статус бронирования в жизненном цикле.
type BookingStatus string

const (
	BookingStatusPending     BookingStatus = "PENDING"
	BookingStatusDepositPaid BookingStatus = "DEPOSIT_PAID"
	BookingStatusPaid        BookingStatus = "PAID"
	BookingStatusConfirmed   BookingStatus = "CONFIRMED"
	BookingStatusCanceled    BookingStatus = "CANCELED"
	BookingStatusRefunded    BookingStatus = "REFUNDED"
	BookingStatusFulfilled   BookingStatus = "FULFILLED"
)

// IsPaid сообщает, достигло ли бронирование оплаченного состояния.
func (s BookingStatus) IsPaid() bool {
	switch s {
	case BookingStatusDepositPaid, BookingStatusPaid, BookingStatusConfirmed, BookingStatusFulfilled:
		return true
	}
	return false
}

// RefundStatus описывает состояние возврата средств по бронированию.
type RefundStatus string

const (
	RefundStatusNone       RefundStatus = "NONE"
	RefundStatusPending    RefundStatus = "PENDING"
	RefundStatusProcessing RefundStatus = "PROCESSING"
	RefundStatusPartial    RefundStatus = "PARTIAL"
	RefundStatusCompleted  RefundStatus = "COMPLETED"
	RefundStatusFailed     RefundStatus = "FAILED"
)

// Booking описывает бронирование и его денежные поля в минорных единицах валюты.
type Booking struct {
	ID           uuid.UUID
	TenantID     int64
	OfferingID   int64
	OfferingType OfferingType

	CustomerName  string
	CustomerEmail string
	CustomerPhone string

	// EventDate заполняется для пакетов на фиксированную дату,
	// SlotStart/SlotEnd — для услуг со слотами. Поля взаимоисключающие.
	EventDate *time.Time
	SlotStart *time.Time
	SlotEnd   *time.Time

	TotalCents       int64
	CommissionCents  int64
	DepositPaidCents int64
	BalancePaidCents int64
	RefundedCents    int64

	Status       BookingStatus
	RefundStatus RefundStatus

	CancelReason  string
	CancelActor   string
	FailureReason string
	FailureCode   string

	CreatedAt    time.Time
	CanceledAt   *time.Time
	RefundedAt   *time.Time
	ReminderAt   *time.Time
	BalanceDueAt *time.Time
}

// TotalPaid возвращает фактически уплаченную сумму по бронированию.
// Если депозит и остаток не учитывались раздельно, используется полная стоимость.
func (b *Booking) TotalPaid() int64 {
	paid := b.DepositPaidCents + b.BalancePaidCents
	if paid == 0 {
		return b.TotalCents
	}
	return paid
}

// PaymentKind описывает назначение платежа.
type PaymentKind string

const (
	PaymentKindDeposit PaymentKind = "deposit"
	PaymentKindBalance PaymentKind = "balance"
	PaymentKindFull    PaymentKind = "full"
)

// Payment описывает платёж, привязанный к бронированию.
type Payment struct {
	ID          uuid.UUID
	BookingID   uuid.UUID
	ProviderRef string
	AmountCents int64
	Kind        PaymentKind
	CreatedAt   time.Time
}

// AvailabilityRule описывает правило повторяющейся доступности арендатора.
// Правила читаются ядром и никогда им не изменяются.
type AvailabilityRule struct {
	ID            int64
	TenantID      int64
	OfferingID    *int64
	Weekday       time.Weekday
	StartTime     string
	EndTime       string
	EffectiveFrom *time.Time
	EffectiveTo   *time.Time
}

// TimeSlot — конкретный бронируемый интервал, выводимый из правил доступности.
// Слоты вычисляются на каждый запрос и не сохраняются.
type TimeSlot struct {
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	Available bool      `json:"available"`
}

// BusyBlock — занятый интервал из внешнего календаря.
type BusyBlock struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Overlaps проверяет пересечение полуоткрытых интервалов [start, end).
func Overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return aStart.Before(bEnd) && aEnd.After(bStart)
}

// IdempotencyRecord хранит кэшированный результат побочной операции.
type IdempotencyRecord struct {
	Key       string
	Response  []byte
	ExpiresAt time.Time
	CreatedAt time.Time
}
