package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/compliance"
	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/gateway"
	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/gateway/card"
	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/gateway/mpesa"
	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/middleware"
	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/payment"
)

// MPesaSTK takes the asynchronous STK push result. Payloads that parse are
// always acknowledged unless storing the outcome failed, in which case a 500
// asks Safaricom to deliver again.
func (h *Handler) MPesaSTK(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	cb, err := mpesa.ParseCallback(body)
	if err != nil {
		h.recordMalformed(r, payment.ProviderMobileMoney, err)
		writeJSON(w, http.StatusOK, mpesa.Accepted)
		return
	}
	if _, err := h.Callbacks.Ingest(r.Context(), cb); err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mpesa.Accepted)
}

// MPesaC2BValidation accepts every paybill deposit. Matching happens when
// staff record the settlement.
func (h *Handler) MPesaC2BValidation(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, mpesa.Accepted)
}

func (h *Handler) MPesaC2BConfirmation(w http.ResponseWriter, r *http.Request) {
	var n mpesa.C2BNotification
	if err := decodeLenient(r, &n); err != nil {
		h.recordMalformed(r, payment.ProviderPaybill, err)
		writeJSON(w, http.StatusOK, mpesa.Accepted)
		return
	}
	_ = h.Audit.Record(r.Context(), compliance.EventC2BConfirmation, n.AuditDetails(), "mpesa")
	writeJSON(w, http.StatusOK, mpesa.Accepted)
}

// CardWebhook verifies the signature before reading anything from the payload.
func (h *Handler) CardWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}

	sig := r.Header.Get(card.SignatureHeader)
	if err := card.VerifySignature(body, sig, h.CardWebhookSecret, h.now(), card.DefaultTolerance); err != nil {
		_ = h.Audit.Record(r.Context(), compliance.EventSignatureInvalid, map[string]any{
			"provider":   string(payment.ProviderCard),
			"reason":     err.Error(),
			"remoteAddr": r.RemoteAddr,
		}, "card")
		middleware.WriteError(w, r, http.StatusUnauthorized, "unauthorized", "invalid signature")
		return
	}

	cb, err := card.ParseWebhook(body)
	switch {
	case errors.Is(err, card.ErrIgnoredEvent):
		writeJSON(w, http.StatusOK, map[string]any{"received": true})
		return
	case err != nil:
		h.recordMalformed(r, payment.ProviderCard, err)
		h.writeErr(w, r, err)
		return
	}

	out, err := h.Callbacks.Ingest(r.Context(), cb)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"received": true, "outcome": out.Kind})
}

func (h *Handler) recordMalformed(r *http.Request, p payment.Provider, err error) {
	h.logger.Warn("malformed callback", zap.String("provider", string(p)), zap.Error(err))
	_ = h.Audit.Record(r.Context(), compliance.EventCallbackAnomaly, map[string]any{
		"provider": string(p),
		"reason":   gateway.SanitizeMessage(strings.TrimSpace(err.Error())),
	}, "system")
}
