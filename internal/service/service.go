// Package service реализует жизненный цикл бронирования.
package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/booking-system/internal/commission"
	"github.com/mmeshcher/booking-system/internal/gateway"
	"github.com/mmeshcher/booking-system/internal/model"
	"github.com/mmeshcher/booking-system/internal/validation"
)

// reminderLeadDays — за сколько дней до события назначается напоминание.
const reminderLeadDays = 7

// ErrSameDate возвращается при переносе бронирования на его текущую дату.
var (
	ErrSameDate = errors.New("booking already on this date")
	// ErrInvalidRefundAmount возвращается для неположительной суммы возврата.
	ErrInvalidRefundAmount = errors.New("refund amount must be positive")
	// ErrOfferingInactive возвращается при оплате неактивной позиции каталога.
	ErrOfferingInactive = errors.New("offering is not active")
	// ErrInvalidAmount возвращается для неположительной суммы платежа.
	ErrInvalidAmount = errors.New("payment amount must be positive")
	// ErrInvalidFeePercent возвращается для ставки комиссии вне доменного диапазона.
	ErrInvalidFeePercent = errors.New("fee percent out of range")
	// ErrNotReschedulable возвращается при переносе бронирования без календарной даты.
	ErrNotReschedulable = errors.New("only fixed-date bookings can be rescheduled")
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	GetTenant(ctx context.Context, id int64) (*model.Tenant, error)
	GetOffering(ctx context.Context, tenantID, offeringID int64) (*model.Offering, error)
	CreateBookingWithPayment(ctx context.Context, b *model.Booking, p *model.Payment) error
	GetBooking(ctx context.Context, tenantID int64, bookingID uuid.UUID) (*model.Booking, error)
	ListBookings(ctx context.Context, tenantID int64) ([]model.Booking, error)
	Reschedule(ctx context.Context, tenantID int64, bookingID uuid.UUID, newDate time.Time) (*model.Booking, error)
	Cancel(ctx context.Context, tenantID int64, bookingID uuid.UUID, actor, reason string) (*model.Booking, error)
	SetRefundProcessing(ctx context.Context, tenantID int64, bookingID uuid.UUID, amountCents int64) (*model.Booking, error)
	FinalizeRefund(ctx context.Context, tenantID int64, bookingID uuid.UUID, refundedCents int64, refundStatus model.RefundStatus, status model.BookingStatus) (*model.Booking, error)
	MarkRefundFailed(ctx context.Context, tenantID int64, bookingID uuid.UUID) error
	MarkPaymentFailed(ctx context.Context, tenantID int64, bookingID uuid.UUID, reason, code string) (*model.Booking, error)
	CompleteBalancePayment(ctx context.Context, tenantID int64, bookingID uuid.UUID, amountCents int64, providerRef string) (*model.Booking, bool, error)
	LatestPaymentRef(ctx context.Context, bookingID uuid.UUID) (string, error)
}

// ConfirmedPayment — подтверждённый шлюзом платёж, порождающий бронирование.
type ConfirmedPayment struct {
	OfferingID    int64
	ProviderRef   string
	AmountCents   int64
	CustomerName  string
	CustomerEmail string
	CustomerPhone string
	AddOnCents    []int64

	// EventDate заполняется для пакетов на фиксированную дату,
	// SlotStart/SlotEnd — для слотовых услуг.
	EventDate *time.Time
	SlotStart *time.Time
	SlotEnd   *time.Time
}

// Service управляет переходами статусов бронирования и координирует
// хранилище и платёжный шлюз.
type Service struct {
	repo   Repository
	gw     gateway.PaymentGateway
	logger *zap.Logger
}

// NewService создаёт сервис жизненного цикла бронирований.
func NewService(repo Repository, gw gateway.PaymentGateway, logger *zap.Logger) *Service {
	return &Service{
		repo:   repo,
		gw:     gw,
		logger: logger,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// OnPaymentConfirmed создаёт бронирование по подтверждённому платежу.
// Бронирование и платёж записываются одной транзакцией: частичная запись
// не наблюдаема. Занятая дата или слот возвращаются как конфликт хранилища.
func (s *Service) OnPaymentConfirmed(ctx context.Context, tenantID int64, in ConfirmedPayment) (*model.Booking, error) {
	if !validation.IsValidAmount(in.AmountCents) {
		return nil, ErrInvalidAmount
	}

	tenant, err := s.repo.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if !validation.IsValidFeePercent(tenant.FeePercent) {
		return nil, ErrInvalidFeePercent
	}

	offering, err := s.repo.GetOffering(ctx, tenantID, in.OfferingID)
	if err != nil {
		return nil, err
	}
	if !offering.Active {
		return nil, ErrOfferingInactive
	}

	breakdown := commission.BookingTotal(offering.PriceCents, in.AddOnCents, tenant.FeePercent)
	if breakdown.Clamped {
		s.logger.Warn("commission clamped to provider bounds",
			zap.Int64("tenant_id", tenantID),
			zap.Float64("fee_percent", tenant.FeePercent),
			zap.Int64("fee_cents", breakdown.FeeCents),
		)
	}

	status := model.BookingStatusPaid
	kind := model.PaymentKindFull
	var depositPaid int64

	depositApplied := tenant.DepositPercent != nil && *tenant.DepositPercent > 0 &&
		in.AmountCents < breakdown.SubtotalCents
	if depositApplied {
		status = model.BookingStatusDepositPaid
		kind = model.PaymentKindDeposit
		depositPaid = in.AmountCents
	}
	if status == model.BookingStatusPaid && tenant.AutoConfirm {
		status = model.BookingStatusConfirmed
	}

	now := time.Now().UTC()

	b := &model.Booking{
		ID:           uuid.New(),
		TenantID:     tenantID,
		OfferingID:   offering.ID,
		OfferingType: offering.Type,

		CustomerName:  in.CustomerName,
		CustomerEmail: in.CustomerEmail,
		CustomerPhone: in.CustomerPhone,

		EventDate: in.EventDate,
		SlotStart: in.SlotStart,
		SlotEnd:   in.SlotEnd,

		TotalCents:       breakdown.SubtotalCents,
		CommissionCents:  breakdown.FeeCents,
		DepositPaidCents: depositPaid,

		Status:       status,
		RefundStatus: model.RefundStatusNone,

		CreatedAt: now,
	}

	if start := scheduledStart(b); start != nil {
		reminder := start.AddDate(0, 0, -reminderLeadDays)
		b.ReminderAt = &reminder
		if depositApplied && tenant.BalanceDueDays != nil {
			due := start.AddDate(0, 0, -*tenant.BalanceDueDays)
			b.BalanceDueAt = &due
		}
	}

	p := &model.Payment{
		ID:          uuid.New(),
		BookingID:   b.ID,
		ProviderRef: in.ProviderRef,
		AmountCents: in.AmountCents,
		Kind:        kind,
		CreatedAt:   now,
	}

	if err := s.repo.CreateBookingWithPayment(ctx, b, p); err != nil {
		return nil, err
	}

	s.logger.Info("booking created",
		zap.String("booking_id", b.ID.String()),
		zap.Int64("tenant_id", tenantID),
		zap.String("status", string(b.Status)),
		zap.Int64("total_cents", b.TotalCents),
		zap.Int64("commission_cents", b.CommissionCents),
	)

	return b, nil
}

// RescheduleBooking переносит бронирование на новую дату. Перенос на текущую
// дату отклоняется до обращения к хранилищу.
func (s *Service) RescheduleBooking(ctx context.Context, tenantID int64, bookingID uuid.UUID, newDate time.Time) (*model.Booking, error) {
	b, err := s.repo.GetBooking(ctx, tenantID, bookingID)
	if err != nil {
		return nil, err
	}

	if b.EventDate == nil {
		return nil, ErrNotReschedulable
	}
	if sameDay(*b.EventDate, newDate) {
		return nil, ErrSameDate
	}

	return s.repo.Reschedule(ctx, tenantID, bookingID, newDate)
}

// CancelBooking отменяет бронирование с указанием инициатора и причины.
// Возврат средств не запускается автоматически: для оплаченных бронирований
// хранилище помечает возврат как ожидающий отдельного шага.
func (s *Service) CancelBooking(ctx context.Context, tenantID int64, bookingID uuid.UUID, actor, reason string) (*model.Booking, error) {
	return s.repo.Cancel(ctx, tenantID, bookingID, actor, reason)
}

// ProcessRefund выполняет возврат средств по отменённому бронированию.
// Сумма валидируется под блокировкой строки; отклонённый запрос не меняет
// состояние. При сбое шлюза возврат помечается как FAILED и ошибка
// возвращается вызывающему без отката статуса.
func (s *Service) ProcessRefund(ctx context.Context, tenantID int64, bookingID uuid.UUID, amountCents int64) (*model.Booking, error) {
	if amountCents <= 0 {
		return nil, ErrInvalidRefundAmount
	}

	// Платёж для возврата ищется до перевода в PROCESSING: сбой поиска
	// не должен оставить бронирование в промежуточном состоянии,
	// из которого повторный запрос уже не принимается.
	ref, err := s.repo.LatestPaymentRef(ctx, bookingID)
	if err != nil {
		return nil, err
	}

	b, err := s.repo.SetRefundProcessing(ctx, tenantID, bookingID, amountCents)
	if err != nil {
		return nil, err
	}

	refundRef, err := s.gw.Refund(ctx, ref, amountCents)
	if err != nil {
		if mErr := s.repo.MarkRefundFailed(ctx, tenantID, bookingID); mErr != nil {
			s.logger.Error("mark refund failed", zap.Error(mErr), zap.String("booking_id", bookingID.String()))
		}
		return nil, err
	}

	totalPaid := b.TotalPaid()
	cumulative := b.RefundedCents + amountCents

	refundStatus := model.RefundStatusPartial
	status := b.Status
	if cumulative >= totalPaid {
		refundStatus = model.RefundStatusCompleted
		status = model.BookingStatusRefunded
	}

	res, err := s.repo.FinalizeRefund(ctx, tenantID, bookingID, cumulative, refundStatus, status)
	if err != nil {
		return nil, err
	}

	s.logger.Info("refund processed",
		zap.String("booking_id", bookingID.String()),
		zap.String("refund_ref", refundRef),
		zap.Int64("amount_cents", amountCents),
		zap.Int64("commission_refund_cents", commission.RefundCommission(b.CommissionCents, amountCents, totalPaid)),
		zap.String("refund_status", string(refundStatus)),
	)

	return res, nil
}

// MarkPaymentFailed записывает причину сбоя платежа. Без идентификатора
// бронирования операция ничего не делает: часть сбоев происходит до того,
// как бронирование появилось.
func (s *Service) MarkPaymentFailed(ctx context.Context, tenantID int64, bookingID *uuid.UUID, reason, code string) (*model.Booking, error) {
	if bookingID == nil {
		return nil, nil
	}
	return s.repo.MarkPaymentFailed(ctx, tenantID, *bookingID, reason, code)
}

// CompleteBalancePayment записывает оплату остатка. Повторная доставка
// подтверждения возвращает бронирование без изменений.
func (s *Service) CompleteBalancePayment(ctx context.Context, tenantID int64, bookingID uuid.UUID, amountCents int64, providerRef string) (*model.Booking, bool, error) {
	if !validation.IsValidAmount(amountCents) {
		return nil, false, ErrInvalidAmount
	}
	return s.repo.CompleteBalancePayment(ctx, tenantID, bookingID, amountCents, providerRef)
}

// GetBooking возвращает бронирование арендатора.
func (s *Service) GetBooking(ctx context.Context, tenantID int64, bookingID uuid.UUID) (*model.Booking, error) {
	return s.repo.GetBooking(ctx, tenantID, bookingID)
}

// ListBookings возвращает все бронирования арендатора.
func (s *Service) ListBookings(ctx context.Context, tenantID int64) ([]model.Booking, error) {
	return s.repo.ListBookings(ctx, tenantID)
}

func scheduledStart(b *model.Booking) *time.Time {
	if b.EventDate != nil {
		return b.EventDate
	}
	return b.SlotStart
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}
