package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/middleware"
)

type RouterOptions struct {
	Admins      []middleware.AdminCredential
	CORSOrigins []string
	// RateLimit wraps initiation, tokenization and retry routes. Nil disables it.
	RateLimit func(scope string) func(http.Handler) http.Handler
	Logger    *zap.Logger
}

func NewRouter(h *Handler, opts RouterOptions) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := opts.RateLimit
	if limit == nil {
		limit = func(string) func(http.Handler) http.Handler {
			return func(next http.Handler) http.Handler { return next }
		}
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.CorrelationID)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.AccessLog(logger))

	r.Get("/health", h.Health)

	r.Route("/api/payments", func(r chi.Router) {
		r.Use(middleware.CORS(opts.CORSOrigins))

		r.With(limit("tokenize")).Post("/tokenize", h.Tokenize)
		r.With(limit("initiate")).Post("/initiate", h.Initiate)
		r.With(limit("initiate")).Post("/partial", h.Partial)
		r.Get("/orders/{orderId}", h.OrderPayments)
		r.Get("/{id}/status", h.Status)
		r.With(limit("retry")).Post("/{id}/retry", h.Retry)

		r.Route("/callbacks", func(r chi.Router) {
			r.Post("/mpesa/stk", h.MPesaSTK)
			r.Post("/mpesa/c2b/validation", h.MPesaC2BValidation)
			r.Post("/mpesa/c2b/confirmation", h.MPesaC2BConfirmation)
			r.Post("/card", h.CardWebhook)
		})
	})

	r.Route("/api/admin/payments", func(r chi.Router) {
		r.Use(middleware.AdminAuth(opts.Admins))
		r.Use(adminActor)

		r.Get("/", h.ListPayments)
		r.Get("/stats", h.Stats)
		r.Get("/analytics", h.Analytics)
		r.Get("/compliance/report", h.ComplianceReport)
		r.Post("/manual", h.ManualSettlement)
		r.Post("/pending", h.PendingPayment)
		r.Post("/push", h.Push)
		r.Get("/{id}", h.GetPayment)
		r.Get("/{id}/receipt", h.Receipt)
		r.Post("/{id}/refund", h.Refund)
		r.Post("/{id}/confirm", h.ConfirmPayment)
		r.Post("/{id}/retry", h.Retry)
	})

	return r
}
