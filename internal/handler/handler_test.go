package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/booking-system/internal/checkout"
	"github.com/mmeshcher/booking-system/internal/gateway"
	"github.com/mmeshcher/booking-system/internal/model"
	"github.com/mmeshcher/booking-system/internal/repository"
	"github.com/mmeshcher/booking-system/internal/service"
)

type stubCheckout struct {
	result *checkout.Result
	err    error

	lastIn checkout.Input
	calls  int
}

func (s *stubCheckout) CreateCheckout(ctx context.Context, in checkout.Input) (*checkout.Result, error) {
	s.calls++
	s.lastIn = in
	return s.result, s.err
}

type stubAvailability struct {
	slots []model.TimeSlot
	next  *model.TimeSlot
	err   error
}

func (s *stubAvailability) GetAvailableSlots(ctx context.Context, tenantID, offeringID int64, date time.Time) ([]model.TimeSlot, error) {
	return s.slots, s.err
}

func (s *stubAvailability) GetNextAvailableSlot(ctx context.Context, tenantID, offeringID int64, from time.Time, maxDaysAhead int) (*model.TimeSlot, error) {
	return s.next, s.err
}

type stubLifecycle struct {
	booking  *model.Booking
	bookings []model.Booking
	already  bool
	err      error

	confirmedIn service.ConfirmedPayment
}

func (s *stubLifecycle) OnPaymentConfirmed(ctx context.Context, tenantID int64, in service.ConfirmedPayment) (*model.Booking, error) {
	s.confirmedIn = in
	return s.booking, s.err
}

func (s *stubLifecycle) RescheduleBooking(ctx context.Context, tenantID int64, bookingID uuid.UUID, newDate time.Time) (*model.Booking, error) {
	return s.booking, s.err
}

func (s *stubLifecycle) CancelBooking(ctx context.Context, tenantID int64, bookingID uuid.UUID, actor, reason string) (*model.Booking, error) {
	return s.booking, s.err
}

func (s *stubLifecycle) ProcessRefund(ctx context.Context, tenantID int64, bookingID uuid.UUID, amountCents int64) (*model.Booking, error) {
	return s.booking, s.err
}

func (s *stubLifecycle) MarkPaymentFailed(ctx context.Context, tenantID int64, bookingID *uuid.UUID, reason, code string) (*model.Booking, error) {
	if bookingID == nil {
		return nil, s.err
	}
	return s.booking, s.err
}

func (s *stubLifecycle) CompleteBalancePayment(ctx context.Context, tenantID int64, bookingID uuid.UUID, amountCents int64, providerRef string) (*model.Booking, bool, error) {
	return s.booking, s.already, s.err
}

func (s *stubLifecycle) GetBooking(ctx context.Context, tenantID int64, bookingID uuid.UUID) (*model.Booking, error) {
	return s.booking, s.err
}

func (s *stubLifecycle) ListBookings(ctx context.Context, tenantID int64) ([]model.Booking, error) {
	return s.bookings, s.err
}

type stubVerifier struct {
	conf *gateway.PaymentConfirmation
	err  error
}

func (s *stubVerifier) VerifyConfirmation(payload []byte, signature string) (*gateway.PaymentConfirmation, error) {
	return s.conf, s.err
}

func newTestHandler(cf *stubCheckout, av *stubAvailability, lc *stubLifecycle, v *stubVerifier) *Handler {
	if cf == nil {
		cf = &stubCheckout{}
	}
	if av == nil {
		av = &stubAvailability{}
	}
	if lc == nil {
		lc = &stubLifecycle{}
	}
	if v == nil {
		v = &stubVerifier{}
	}
	return NewHandler(cf, av, lc, v, zap.NewNop())
}

func doRequest(t *testing.T, h *Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	w := httptest.NewRecorder()
	h.SetupRouter().ServeHTTP(w, req)
	return w
}

func paidBooking() *model.Booking {
	d := time.Date(2026, time.September, 19, 0, 0, 0, 0, time.UTC)
	return &model.Booking{
		ID:           uuid.New(),
		TenantID:     7,
		OfferingID:   3,
		OfferingType: model.OfferingTypeFixedDate,
		EventDate:    &d,
		TotalCents:   50000,
		Status:       model.BookingStatusPaid,
		RefundStatus: model.RefundStatusNone,
		CreatedAt:    time.Now().UTC(),
	}
}

func checkoutBody() map[string]any {
	return map[string]any{
		"offering_id":    3,
		"amount_cents":   50000,
		"currency":       "eur",
		"description":    "Wedding package",
		"customer_email": "anna@example.com",
		"event_date":     "2026-09-19",
	}
}

func TestCreateCheckout_ReturnsSession(t *testing.T) {
	cf := &stubCheckout{result: &checkout.Result{CheckoutURL: "https://pay.example/cs_1", SessionID: "cs_1"}}
	h := newTestHandler(cf, nil, nil, nil)

	w := doRequest(t, h, http.MethodPost, "/api/tenants/7/checkout", checkoutBody())

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var res checkout.Result
	if err := json.NewDecoder(w.Body).Decode(&res); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if res.SessionID != "cs_1" {
		t.Fatalf("SessionID = %q, want cs_1", res.SessionID)
	}

	want := []string{"7", "3", "anna@example.com", "2026-09-19", "50000"}
	if len(cf.lastIn.IdentityParts) != len(want) {
		t.Fatalf("IdentityParts = %v, want %v", cf.lastIn.IdentityParts, want)
	}
	for i, part := range want {
		if cf.lastIn.IdentityParts[i] != part {
			t.Fatalf("IdentityParts[%d] = %q, want %q", i, cf.lastIn.IdentityParts[i], part)
		}
	}
	if cf.lastIn.Metadata["offering_id"] != "3" || cf.lastIn.Metadata["event_date"] != "2026-09-19" {
		t.Fatalf("metadata = %v", cf.lastIn.Metadata)
	}
}

func TestCreateCheckout_SlotMetadataRoundTrip(t *testing.T) {
	cf := &stubCheckout{result: &checkout.Result{CheckoutURL: "https://pay.example/cs_2", SessionID: "cs_2"}}
	h := newTestHandler(cf, nil, nil, nil)

	body := checkoutBody()
	delete(body, "event_date")
	body["slot_start"] = "2026-09-19T13:00:00Z"
	body["slot_end"] = "2026-09-19T14:00:00Z"
	w := doRequest(t, h, http.MethodPost, "/api/tenants/7/checkout", body)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if cf.lastIn.Metadata["slot_end"] != "2026-09-19T14:00:00Z" {
		t.Fatalf("metadata = %v", cf.lastIn.Metadata)
	}

	// Подтверждение платежа собирает бронирование из этих же метаданных.
	in, err := confirmedPaymentFrom(&gateway.PaymentConfirmation{
		ProviderRef:   "pi_2",
		AmountCents:   50000,
		CustomerEmail: "anna@example.com",
		Metadata:      cf.lastIn.Metadata,
	})
	if err != nil {
		t.Fatalf("confirmedPaymentFrom: %v", err)
	}
	if in.SlotStart == nil || in.SlotEnd == nil {
		t.Fatalf("slot bounds not restored: %+v", in)
	}
	if got := in.SlotEnd.Format(time.RFC3339); got != "2026-09-19T14:00:00Z" {
		t.Fatalf("SlotEnd = %s, want 2026-09-19T14:00:00Z", got)
	}
}

func TestCreateCheckout_SlotWithoutEnd(t *testing.T) {
	cf := &stubCheckout{}
	h := newTestHandler(cf, nil, nil, nil)

	body := checkoutBody()
	delete(body, "event_date")
	body["slot_start"] = "2026-09-19T13:00:00Z"
	w := doRequest(t, h, http.MethodPost, "/api/tenants/7/checkout", body)

	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", w.Code)
	}
	if cf.calls != 0 {
		t.Fatalf("checkout called %d times, want 0", cf.calls)
	}
}

func TestCreateCheckout_InvalidEmail(t *testing.T) {
	cf := &stubCheckout{}
	h := newTestHandler(cf, nil, nil, nil)

	body := checkoutBody()
	body["customer_email"] = "not-an-email"
	w := doRequest(t, h, http.MethodPost, "/api/tenants/7/checkout", body)

	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", w.Code)
	}
	if cf.calls != 0 {
		t.Fatalf("factory must not be called for invalid input")
	}
}

func TestCreateCheckout_TenantNotFound(t *testing.T) {
	cf := &stubCheckout{err: repository.ErrTenantNotFound}
	h := newTestHandler(cf, nil, nil, nil)

	w := doRequest(t, h, http.MethodPost, "/api/tenants/7/checkout", checkoutBody())
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestGetSlots(t *testing.T) {
	av := &stubAvailability{slots: []model.TimeSlot{
		{Start: time.Date(2026, time.September, 19, 9, 0, 0, 0, time.UTC), End: time.Date(2026, time.September, 19, 10, 0, 0, 0, time.UTC), Available: true},
	}}
	h := newTestHandler(nil, av, nil, nil)

	w := doRequest(t, h, http.MethodGet, "/api/tenants/7/slots?offering_id=3&date=2026-09-19", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var slots []model.TimeSlot
	if err := json.NewDecoder(w.Body).Decode(&slots); err != nil {
		t.Fatalf("decode slots: %v", err)
	}
	if len(slots) != 1 || !slots[0].Available {
		t.Fatalf("slots = %+v", slots)
	}
}

func TestGetSlots_BadDate(t *testing.T) {
	h := newTestHandler(nil, nil, nil, nil)

	w := doRequest(t, h, http.MethodGet, "/api/tenants/7/slots?offering_id=3&date=19.09.2026", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestGetNextSlot_WindowExhausted(t *testing.T) {
	h := newTestHandler(nil, &stubAvailability{}, nil, nil)

	w := doRequest(t, h, http.MethodGet, "/api/tenants/7/slots/next?offering_id=3&from=2026-09-19&max_days=14", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestReschedule_Conflict(t *testing.T) {
	lc := &stubLifecycle{err: repository.ErrDateTaken}
	h := newTestHandler(nil, nil, lc, nil)

	w := doRequest(t, h, http.MethodPost,
		"/api/tenants/7/bookings/"+uuid.NewString()+"/reschedule",
		map[string]string{"new_date": "2026-09-26"})
	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", w.Code)
	}
}

func TestReschedule_SameDate(t *testing.T) {
	lc := &stubLifecycle{err: service.ErrSameDate}
	h := newTestHandler(nil, nil, lc, nil)

	w := doRequest(t, h, http.MethodPost,
		"/api/tenants/7/bookings/"+uuid.NewString()+"/reschedule",
		map[string]string{"new_date": "2026-09-19"})
	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", w.Code)
	}
}

func TestCancel_AlreadyCanceled(t *testing.T) {
	lc := &stubLifecycle{err: repository.ErrAlreadyCanceled}
	h := newTestHandler(nil, nil, lc, nil)

	w := doRequest(t, h, http.MethodPost,
		"/api/tenants/7/bookings/"+uuid.NewString()+"/cancel",
		map[string]string{"actor": "tenant", "reason": "sick"})
	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", w.Code)
	}
}

func TestRefund_ExceedsRemainder(t *testing.T) {
	lc := &stubLifecycle{err: repository.ErrRefundExceedsPaid}
	h := newTestHandler(nil, nil, lc, nil)

	w := doRequest(t, h, http.MethodPost,
		"/api/tenants/7/bookings/"+uuid.NewString()+"/refund",
		map[string]int64{"amount_cents": 90000})
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", w.Code)
	}
}

func TestRefund_GatewayFailure(t *testing.T) {
	lc := &stubLifecycle{err: &gateway.GatewayError{Op: "refund", Err: errors.New("declined")}}
	h := newTestHandler(nil, nil, lc, nil)

	w := doRequest(t, h, http.MethodPost,
		"/api/tenants/7/bookings/"+uuid.NewString()+"/refund",
		map[string]int64{"amount_cents": 30000})
	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", w.Code)
	}
}

func TestCompleteBalance_AlreadyRecorded(t *testing.T) {
	lc := &stubLifecycle{booking: paidBooking(), already: true}
	h := newTestHandler(nil, nil, lc, nil)

	w := doRequest(t, h, http.MethodPost,
		"/api/tenants/7/bookings/"+lc.booking.ID.String()+"/balance-complete",
		map[string]any{"amount_cents": 30000, "provider_ref": "pi_2"})
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", w.Code)
	}
}

func TestPaymentConfirmed_BadSignature(t *testing.T) {
	v := &stubVerifier{err: &gateway.GatewayError{Op: "verify confirmation", Err: errors.New("bad signature")}}
	lc := &stubLifecycle{}
	h := newTestHandler(nil, nil, lc, v)

	w := doRequest(t, h, http.MethodPost, "/api/tenants/7/payments/confirmed", map[string]string{})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestPaymentConfirmed_CreatesBooking(t *testing.T) {
	v := &stubVerifier{conf: &gateway.PaymentConfirmation{
		ProviderRef:   "pi_1",
		AmountCents:   50000,
		CustomerEmail: "anna@example.com",
		Metadata: map[string]string{
			"offering_id":   "3",
			"event_date":    "2026-09-19",
			"customer_name": "Анна",
		},
	}}
	lc := &stubLifecycle{booking: paidBooking()}
	h := newTestHandler(nil, nil, lc, v)

	w := doRequest(t, h, http.MethodPost, "/api/tenants/7/payments/confirmed", map[string]string{})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	if lc.confirmedIn.OfferingID != 3 || lc.confirmedIn.ProviderRef != "pi_1" {
		t.Fatalf("confirmed input = %+v", lc.confirmedIn)
	}
	if lc.confirmedIn.EventDate == nil || lc.confirmedIn.EventDate.Format("2006-01-02") != "2026-09-19" {
		t.Fatalf("EventDate = %v", lc.confirmedIn.EventDate)
	}

	var resp bookingResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode booking: %v", err)
	}
	if resp.Status != string(model.BookingStatusPaid) {
		t.Fatalf("Status = %s, want PAID", resp.Status)
	}
}

func TestPaymentFailed_WithoutBooking(t *testing.T) {
	h := newTestHandler(nil, nil, &stubLifecycle{}, nil)

	w := doRequest(t, h, http.MethodPost, "/api/tenants/7/payments/failed",
		map[string]string{"reason": "card_declined", "code": "E42"})
	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", w.Code)
	}
}

func TestListBookings_Empty(t *testing.T) {
	h := newTestHandler(nil, nil, &stubLifecycle{}, nil)

	w := doRequest(t, h, http.MethodGet, "/api/tenants/7/bookings", nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", w.Code)
	}
}
