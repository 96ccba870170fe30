package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/apperr"
	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/compliance"
	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/gateway"
	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/payment"
)

func (h *Handler) Tokenize(w http.ResponseWriter, r *http.Request) {
	var req tokenizeRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeErr(w, r, err)
		return
	}
	entry, err := h.Tokens.Issue(r.Context(), req.Data)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	_ = h.Audit.Record(r.Context(), compliance.EventTokenIssued, map[string]any{
		"kind":      string(entry.Kind),
		"masked":    entry.Masked,
		"expiresAt": entry.ExpiresAt,
	}, payment.ActorFrom(r.Context()))

	writeJSON(w, http.StatusCreated, tokenizeResponse{
		Token:      entry.Token,
		MaskedData: entry.Masked,
		ExpiresAt:  entry.ExpiresAt,
	})
}

func (h *Handler) Initiate(w http.ResponseWriter, r *http.Request) {
	var req InitiatePaymentRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeErr(w, r, err)
		return
	}
	res, err := h.Intents.CreateIntent(r.Context(), req.intent())
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (h *Handler) Partial(w http.ResponseWriter, r *http.Request) {
	var req InitiatePaymentRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeErr(w, r, err)
		return
	}
	res, err := h.Reconciler.ProcessPartialPayment(r.Context(), req.intent())
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// Status returns a transaction. With refresh=true a PENDING transaction is
// checked against its gateway and any final answer goes through the callback
// ingestor, which covers webhooks that never arrived.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	tx, err := h.Ledger.Get(r.Context(), id)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}

	refreshed := false
	if r.URL.Query().Get("refresh") == "true" && tx.Status == payment.StatusPending {
		if q, ok := h.Queriers.Querier(tx.Provider); ok {
			tx, refreshed = h.refresh(r, q, tx)
		}
	}

	writeJSON(w, http.StatusOK, statusResponse{
		Transaction:   tx,
		RetryEligible: tx.RetryEligible(h.Retries.MaxAttempts()),
		MaxAttempts:   h.Retries.MaxAttempts(),
		Refreshed:     refreshed,
	})
}

func (h *Handler) refresh(r *http.Request, q gateway.Querier, tx payment.Transaction) (payment.Transaction, bool) {
	cb, err := q.QueryStatus(r.Context(), tx.CorrelationID)
	if err != nil {
		h.logger.Warn("status query failed", zap.String("transaction_id", tx.ID), zap.Error(err))
		return tx, false
	}
	if cb.Result == gateway.ResultPending {
		return tx, true
	}
	if _, err := h.Callbacks.Ingest(r.Context(), cb); err != nil {
		h.logger.Warn("status query not applied", zap.String("transaction_id", tx.ID), zap.Error(err))
		return tx, false
	}
	cur, err := h.Ledger.Get(r.Context(), tx.ID)
	if err != nil {
		return tx, false
	}
	return cur, true
}

func (h *Handler) Retry(w http.ResponseWriter, r *http.Request) {
	tx, err := h.Retries.Retry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Transaction:   tx,
		RetryEligible: tx.RetryEligible(h.Retries.MaxAttempts()),
		MaxAttempts:   h.Retries.MaxAttempts(),
	})
}

func (h *Handler) OrderPayments(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderId")
	if orderID == "" {
		h.writeErr(w, r, apperr.Validation("orderId is required"))
		return
	}
	sum, err := h.Reconciler.OrderSummary(r.Context(), orderID)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}
