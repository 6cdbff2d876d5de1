// Package handler содержит HTTP-обработчики API сервиса бронирования.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/booking-system/internal/checkout"
	"github.com/mmeshcher/booking-system/internal/gateway"
	"github.com/mmeshcher/booking-system/internal/model"
	"github.com/mmeshcher/booking-system/internal/repository"
	"github.com/mmeshcher/booking-system/internal/service"
	"github.com/mmeshcher/booking-system/internal/validation"
)

const (
	dateLayout = "2006-01-02"

	signatureHeader = "Stripe-Signature"
)

// CheckoutFactory описывает контракт создания платёжных сессий.
type CheckoutFactory interface {
	CreateCheckout(ctx context.Context, in checkout.Input) (*checkout.Result, error)
}

// Availability описывает контракт движка доступности.
type Availability interface {
	GetAvailableSlots(ctx context.Context, tenantID, offeringID int64, date time.Time) ([]model.TimeSlot, error)
	GetNextAvailableSlot(ctx context.Context, tenantID, offeringID int64, from time.Time, maxDaysAhead int) (*model.TimeSlot, error)
}

// Lifecycle описывает контракт жизненного цикла бронирований.
type Lifecycle interface {
	OnPaymentConfirmed(ctx context.Context, tenantID int64, in service.ConfirmedPayment) (*model.Booking, error)
	RescheduleBooking(ctx context.Context, tenantID int64, bookingID uuid.UUID, newDate time.Time) (*model.Booking, error)
	CancelBooking(ctx context.Context, tenantID int64, bookingID uuid.UUID, actor, reason string) (*model.Booking, error)
	ProcessRefund(ctx context.Context, tenantID int64, bookingID uuid.UUID, amountCents int64) (*model.Booking, error)
	MarkPaymentFailed(ctx context.Context, tenantID int64, bookingID *uuid.UUID, reason, code string) (*model.Booking, error)
	CompleteBalancePayment(ctx context.Context, tenantID int64, bookingID uuid.UUID, amountCents int64, providerRef string) (*model.Booking, bool, error)
	GetBooking(ctx context.Context, tenantID int64, bookingID uuid.UUID) (*model.Booking, error)
	ListBookings(ctx context.Context, tenantID int64) ([]model.Booking, error)
}

// ConfirmationVerifier проверяет подпись входящего подтверждения платежа.
type ConfirmationVerifier interface {
	VerifyConfirmation(payload []byte, signature string) (*gateway.PaymentConfirmation, error)
}

// Handler реализует HTTP-обработчики API сервиса бронирования.
type Handler struct {
	checkout  CheckoutFactory
	slots     Availability
	lifecycle Lifecycle
	verifier  ConfirmationVerifier
	logger    *zap.Logger
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(cf CheckoutFactory, av Availability, lc Lifecycle, v ConfirmationVerifier, logger *zap.Logger) *Handler {
	return &Handler{
		checkout:  cf,
		slots:     av,
		lifecycle: lc,
		verifier:  v,
		logger:    logger,
	}
}

// writeError переводит доменные ошибки в HTTP-статусы.
// Инфраструктурные сбои логируются и возвращаются как 500.
func (h *Handler) writeError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, repository.ErrTenantNotFound),
		errors.Is(err, repository.ErrOfferingNotFound),
		errors.Is(err, repository.ErrBookingNotFound):
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	case errors.Is(err, repository.ErrDateTaken),
		errors.Is(err, repository.ErrAlreadyCanceled),
		errors.Is(err, service.ErrSameDate):
		http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
	case errors.Is(err, repository.ErrRefundNotPending),
		errors.Is(err, repository.ErrRefundExceedsPaid),
		errors.Is(err, service.ErrInvalidRefundAmount),
		errors.Is(err, service.ErrInvalidAmount),
		errors.Is(err, service.ErrInvalidFeePercent),
		errors.Is(err, service.ErrNotReschedulable),
		errors.Is(err, service.ErrOfferingInactive):
		http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
	default:
		var gwErr *gateway.GatewayError
		if errors.As(err, &gwErr) {
			h.logger.Warn(op, zap.Error(err))
			http.Error(w, http.StatusText(http.StatusPaymentRequired), http.StatusPaymentRequired)
			return
		}
		h.logger.Error(op, zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func tenantIDFromRequest(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "tenantID"), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func bookingIDFromRequest(r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "bookingID"))
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

type checkoutRequest struct {
	OfferingID    int64             `json:"offering_id"`
	AmountCents   int64             `json:"amount_cents"`
	Currency      string            `json:"currency"`
	Description   string            `json:"description"`
	CustomerEmail string            `json:"customer_email"`
	EventDate     string            `json:"event_date,omitempty"`
	SlotStart     string            `json:"slot_start,omitempty"`
	SlotEnd       string            `json:"slot_end,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// CreateCheckout создаёт платёжную сессию для бронирования.
// Повторный запрос с той же идентичностью возвращает сохранённую сессию.
func (h *Handler) CreateCheckout(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantIDFromRequest(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if !validation.IsValidAmount(req.AmountCents) || !validation.IsValidEmail(req.CustomerEmail) {
		http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		return
	}

	// Слот задаётся только парой границ: подтверждение платежа восстанавливает
	// бронирование из метаданных сессии и без конца слота не соберётся.
	if (req.SlotStart == "") != (req.SlotEnd == "") {
		http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		return
	}

	when := req.EventDate
	if when == "" {
		when = req.SlotStart
	}

	meta := map[string]string{
		"offering_id": strconv.FormatInt(req.OfferingID, 10),
	}
	if req.EventDate != "" {
		meta["event_date"] = req.EventDate
	}
	if req.SlotStart != "" {
		meta["slot_start"] = req.SlotStart
		meta["slot_end"] = req.SlotEnd
	}
	for k, v := range req.Metadata {
		meta[k] = v
	}

	res, err := h.checkout.CreateCheckout(r.Context(), checkout.Input{
		TenantID:      tenantID,
		AmountCents:   req.AmountCents,
		Currency:      req.Currency,
		Description:   req.Description,
		CustomerEmail: req.CustomerEmail,
		Metadata:      meta,
		IdentityParts: []string{
			strconv.FormatInt(tenantID, 10),
			strconv.FormatInt(req.OfferingID, 10),
			req.CustomerEmail,
			when,
			strconv.FormatInt(req.AmountCents, 10),
		},
	})
	if err != nil {
		h.writeError(w, "create checkout", err)
		return
	}

	writeJSON(w, http.StatusOK, res)
}

// GetSlots возвращает слоты доступности на указанную дату.
func (h *Handler) GetSlots(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantIDFromRequest(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	offeringID, err := strconv.ParseInt(r.URL.Query().Get("offering_id"), 10, 64)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	date, err := time.Parse(dateLayout, r.URL.Query().Get("date"))
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	slots, err := h.slots.GetAvailableSlots(r.Context(), tenantID, offeringID, date)
	if err != nil {
		h.writeError(w, "get slots", err)
		return
	}

	if slots == nil {
		slots = []model.TimeSlot{}
	}
	writeJSON(w, http.StatusOK, slots)
}

// GetNextSlot возвращает ближайший свободный слот в окне поиска.
func (h *Handler) GetNextSlot(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantIDFromRequest(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	q := r.URL.Query()

	offeringID, err := strconv.ParseInt(q.Get("offering_id"), 10, 64)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	from, err := time.Parse(dateLayout, q.Get("from"))
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	maxDays := 30
	if raw := q.Get("max_days"); raw != "" {
		maxDays, err = strconv.Atoi(raw)
		if err != nil || maxDays <= 0 {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
	}

	slot, err := h.slots.GetNextAvailableSlot(r.Context(), tenantID, offeringID, from, maxDays)
	if err != nil {
		h.writeError(w, "get next slot", err)
		return
	}
	if slot == nil {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, slot)
}

type bookingResponse struct {
	ID            string  `json:"id"`
	OfferingID    int64   `json:"offering_id"`
	OfferingType  string  `json:"offering_type"`
	CustomerName  string  `json:"customer_name"`
	CustomerEmail string  `json:"customer_email"`
	EventDate     *string `json:"event_date,omitempty"`
	SlotStart     *string `json:"slot_start,omitempty"`
	SlotEnd       *string `json:"slot_end,omitempty"`
	TotalCents    int64   `json:"total_cents"`
	RefundedCents int64   `json:"refunded_cents"`
	Status        string  `json:"status"`
	RefundStatus  string  `json:"refund_status"`
	CreatedAt     string  `json:"created_at"`
}

func toBookingResponse(b *model.Booking) bookingResponse {
	resp := bookingResponse{
		ID:            b.ID.String(),
		OfferingID:    b.OfferingID,
		OfferingType:  string(b.OfferingType),
		CustomerName:  b.CustomerName,
		CustomerEmail: b.CustomerEmail,
		TotalCents:    b.TotalCents,
		RefundedCents: b.RefundedCents,
		Status:        string(b.Status),
		RefundStatus:  string(b.RefundStatus),
		CreatedAt:     b.CreatedAt.Format(time.RFC3339),
	}
	if b.EventDate != nil {
		d := b.EventDate.Format(dateLayout)
		resp.EventDate = &d
	}
	if b.SlotStart != nil {
		s := b.SlotStart.Format(time.RFC3339)
		resp.SlotStart = &s
	}
	if b.SlotEnd != nil {
		s := b.SlotEnd.Format(time.RFC3339)
		resp.SlotEnd = &s
	}
	return resp
}

// ListBookings возвращает бронирования арендатора.
func (h *Handler) ListBookings(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantIDFromRequest(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	bookings, err := h.lifecycle.ListBookings(r.Context(), tenantID)
	if err != nil {
		h.writeError(w, "list bookings", err)
		return
	}

	if len(bookings) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]bookingResponse, 0, len(bookings))
	for i := range bookings {
		resp = append(resp, toBookingResponse(&bookings[i]))
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetBooking возвращает бронирование по идентификатору.
func (h *Handler) GetBooking(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantIDFromRequest(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	bookingID, ok := bookingIDFromRequest(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	b, err := h.lifecycle.GetBooking(r.Context(), tenantID, bookingID)
	if err != nil {
		h.writeError(w, "get booking", err)
		return
	}

	writeJSON(w, http.StatusOK, toBookingResponse(b))
}

type rescheduleRequest struct {
	NewDate string `json:"new_date"`
}

// Reschedule переносит бронирование на новую дату.
func (h *Handler) Reschedule(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantIDFromRequest(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	bookingID, ok := bookingIDFromRequest(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req rescheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	newDate, err := time.Parse(dateLayout, req.NewDate)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	b, err := h.lifecycle.RescheduleBooking(r.Context(), tenantID, bookingID, newDate)
	if err != nil {
		h.writeError(w, "reschedule booking", err)
		return
	}

	writeJSON(w, http.StatusOK, toBookingResponse(b))
}

type cancelRequest struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason"`
}

// Cancel отменяет бронирование.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantIDFromRequest(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	bookingID, ok := bookingIDFromRequest(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	b, err := h.lifecycle.CancelBooking(r.Context(), tenantID, bookingID, req.Actor, req.Reason)
	if err != nil {
		h.writeError(w, "cancel booking", err)
		return
	}

	writeJSON(w, http.StatusOK, toBookingResponse(b))
}

type refundRequest struct {
	AmountCents int64 `json:"amount_cents"`
}

// Refund выполняет возврат средств по бронированию.
func (h *Handler) Refund(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantIDFromRequest(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	bookingID, ok := bookingIDFromRequest(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req refundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	b, err := h.lifecycle.ProcessRefund(r.Context(), tenantID, bookingID, req.AmountCents)
	if err != nil {
		h.writeError(w, "process refund", err)
		return
	}

	writeJSON(w, http.StatusOK, toBookingResponse(b))
}

type balanceCompleteRequest struct {
	AmountCents int64  `json:"amount_cents"`
	ProviderRef string `json:"provider_ref"`
}

// CompleteBalance записывает оплату остатка по бронированию.
func (h *Handler) CompleteBalance(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantIDFromRequest(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	bookingID, ok := bookingIDFromRequest(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req balanceCompleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	b, already, err := h.lifecycle.CompleteBalancePayment(r.Context(), tenantID, bookingID, req.AmountCents, req.ProviderRef)
	if err != nil {
		h.writeError(w, "complete balance", err)
		return
	}

	status := http.StatusOK
	if already {
		status = http.StatusAccepted
	}
	writeJSON(w, status, toBookingResponse(b))
}

// PaymentConfirmed принимает подтверждение платежа от шлюза.
// Подпись проверяется до разбора тела; бронирование создаётся по данным
// подтверждения и метаданным сессии.
func (h *Handler) PaymentConfirmed(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantIDFromRequest(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	defer r.Body.Close()
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	conf, err := h.verifier.VerifyConfirmation(payload, r.Header.Get(signatureHeader))
	if err != nil {
		h.logger.Warn("payment confirmation rejected", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	in, err := confirmedPaymentFrom(conf)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		return
	}

	b, err := h.lifecycle.OnPaymentConfirmed(r.Context(), tenantID, in)
	if err != nil {
		h.writeError(w, "payment confirmed", err)
		return
	}

	writeJSON(w, http.StatusOK, toBookingResponse(b))
}

// confirmedPaymentFrom восстанавливает параметры бронирования из метаданных
// платёжной сессии, записанных при создании checkout.
func confirmedPaymentFrom(conf *gateway.PaymentConfirmation) (service.ConfirmedPayment, error) {
	offeringID, err := strconv.ParseInt(conf.Metadata["offering_id"], 10, 64)
	if err != nil {
		return service.ConfirmedPayment{}, err
	}

	in := service.ConfirmedPayment{
		OfferingID:    offeringID,
		ProviderRef:   conf.ProviderRef,
		AmountCents:   conf.AmountCents,
		CustomerName:  conf.Metadata["customer_name"],
		CustomerEmail: conf.CustomerEmail,
		CustomerPhone: conf.Metadata["customer_phone"],
	}

	if raw := conf.Metadata["event_date"]; raw != "" {
		d, err := time.Parse(dateLayout, raw)
		if err != nil {
			return service.ConfirmedPayment{}, err
		}
		in.EventDate = &d
		return in, nil
	}

	start, err := time.Parse(time.RFC3339, conf.Metadata["slot_start"])
	if err != nil {
		return service.ConfirmedPayment{}, err
	}
	end, err := time.Parse(time.RFC3339, conf.Metadata["slot_end"])
	if err != nil {
		return service.ConfirmedPayment{}, err
	}
	in.SlotStart = &start
	in.SlotEnd = &end
	return in, nil
}

type paymentFailedRequest struct {
	BookingID string `json:"booking_id,omitempty"`
	Reason    string `json:"reason"`
	Code      string `json:"code"`
}

// PaymentFailed записывает сбой платежа. Часть сбоев происходит до создания
// бронирования, поэтому идентификатор не обязателен.
func (h *Handler) PaymentFailed(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantIDFromRequest(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req paymentFailedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var bookingID *uuid.UUID
	if req.BookingID != "" {
		id, err := uuid.Parse(req.BookingID)
		if err != nil {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
		bookingID = &id
	}

	b, err := h.lifecycle.MarkPaymentFailed(r.Context(), tenantID, bookingID, req.Reason, req.Code)
	if err != nil {
		h.writeError(w, "payment failed", err)
		return
	}

	if b == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, toBookingResponse(b))
}
