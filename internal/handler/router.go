package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	custommiddleware "github.com/mmeshcher/booking-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса бронирования.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.RequestLogger(h.logger))

	r.Route("/api/tenants/{tenantID}", func(r chi.Router) {
		r.Post("/checkout", h.CreateCheckout)

		r.Get("/slots", h.GetSlots)
		r.Get("/slots/next", h.GetNextSlot)

		r.Get("/bookings", h.ListBookings)
		r.Route("/bookings/{bookingID}", func(r chi.Router) {
			r.Get("/", h.GetBooking)
			r.Post("/reschedule", h.Reschedule)
			r.Post("/cancel", h.Cancel)
			r.Post("/refund", h.Refund)
			r.Post("/balance-complete", h.CompleteBalance)
		})

		r.Post("/payments/confirmed", h.PaymentConfirmed)
		r.Post("/payments/failed", h.PaymentFailed)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
