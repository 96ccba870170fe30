package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/apperr"
	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/callback"
	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/compliance"
	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/gateway"
	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/intent"
	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/middleware"
	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/payment"
	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/reconcile"
	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/vault"
)

const maxBodyBytes = 1 << 20

type Intents interface {
	CreateIntent(ctx context.Context, req intent.Request) (intent.Result, error)
}

type Callbacks interface {
	Ingest(ctx context.Context, cb gateway.Callback) (callback.Outcome, error)
}

type Retries interface {
	Retry(ctx context.Context, id string) (payment.Transaction, error)
	MaxAttempts() int
}

type Reconciler interface {
	ProcessPartialPayment(ctx context.Context, req intent.Request) (reconcile.PartialPaymentResult, error)
	RecordManualSettlement(ctx context.Context, m reconcile.ManualPayment) (payment.Transition, error)
	RecordPendingPayment(ctx context.Context, m reconcile.ManualPayment) (payment.Transaction, error)
	ConfirmPendingPayment(ctx context.Context, id string, c reconcile.Confirmation) (payment.Transition, error)
	ProcessRefund(ctx context.Context, id string, r payment.RefundRequest) (payment.Transition, error)
	OrderSummary(ctx context.Context, orderID string) (reconcile.Summary, error)
	Receipt(ctx context.Context, id string) (reconcile.Receipt, error)
}

type Tokenizer interface {
	Issue(ctx context.Context, sensitive string) (vault.Entry, error)
}

type Queriers interface {
	Querier(p payment.Provider) (gateway.Querier, bool)
}

type Auditor interface {
	Record(ctx context.Context, eventType string, details map[string]any, actor string) error
	Report(ctx context.Context, windowHours int) (compliance.Report, error)
}

// Deps are the services behind the HTTP surface.
type Deps struct {
	Ledger     payment.Ledger
	Intents    Intents
	Callbacks  Callbacks
	Retries    Retries
	Reconciler Reconciler
	Tokens     Tokenizer
	Queriers   Queriers
	Audit      Auditor

	CardWebhookSecret string
	Logger            *zap.Logger
}

type Handler struct {
	Deps
	logger *zap.Logger
	now    func() time.Time
}

func NewHandler(d Deps) *Handler {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{Deps: d, logger: logger.Named("http"), now: time.Now}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeErr maps err to its status and public message. Causes never reach the
// response body.
func (h *Handler) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("correlation_id", middleware.CorrelationIDFrom(r.Context())),
			zap.Error(err),
		)
	}
	middleware.WriteError(w, r, status, apperr.Kind(err), apperr.PublicMessage(err))
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		// Validation raised from an UnmarshalJSON method passes through.
		var appErr *apperr.Error
		if errors.As(err, &appErr) {
			return err
		}
		return apperr.Validation("invalid request body")
	}
	return nil
}

// decodeLenient ignores fields this service does not use, for payloads
// defined by a gateway.
func decodeLenient(r *http.Request, v any) error {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v); err != nil {
		return apperr.Validation("invalid request body")
	}
	return nil
}

func readBody(r *http.Request) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
}
