package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/apperr"
	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/intent"
	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/middleware"
	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/payment"
	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/reconcile"
)

const defaultStatsWindow = 30 * 24 * time.Hour

// adminActor makes the authenticated admin the actor of every ledger write
// and audit event on the admin routes.
func adminActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := middleware.AdminIDFrom(r.Context()); id != "" {
			r = r.WithContext(payment.WithActor(r.Context(), id))
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) ListPayments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := payment.Filter{
		OrderID: q.Get("orderId"),
		Query:   q.Get("q"),
	}
	if s := q.Get("status"); s != "" {
		st := payment.Status(strings.ToUpper(s))
		if !st.Valid() {
			h.writeErr(w, r, apperr.Validation("unknown status"))
			return
		}
		f.Status = st
	}
	if p := q.Get("provider"); p != "" {
		prov, err := payment.ParseProvider(p)
		if err != nil {
			h.writeErr(w, r, apperr.Validation("unknown provider"))
			return
		}
		f.Provider = prov
	}
	var err error
	if f.From, f.To, err = timeRange(r, 0); err != nil {
		h.writeErr(w, r, err)
		return
	}
	f.Page = atoiDefault(q.Get("page"), 1)
	f.PageSize = atoiDefault(q.Get("pageSize"), 0)

	page, err := h.Ledger.Search(r.Context(), f)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	tx, err := h.Ledger.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	from, to, err := timeRange(r, defaultStatsWindow)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	stats, err := h.Ledger.Stats(r.Context(), from, to)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) Analytics(w http.ResponseWriter, r *http.Request) {
	period, err := payment.ParsePeriod(r.URL.Query().Get("period"))
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	from, to, err := timeRange(r, defaultStatsWindow)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	buckets, err := h.Ledger.Analytics(r.Context(), period, from, to)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"period": period, "from": from, "to": to, "buckets": buckets})
}

func (h *Handler) Refund(w http.ResponseWriter, r *http.Request) {
	var req refundRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeErr(w, r, err)
		return
	}
	tr, err := h.Reconciler.ProcessRefund(r.Context(), chi.URLParam(r, "id"), payment.RefundRequest{
		Reason: req.Reason,
		Amount: req.Amount,
		Actor:  middleware.AdminIDFrom(r.Context()),
	})
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tr.Transaction)
}

func (h *Handler) Receipt(w http.ResponseWriter, r *http.Request) {
	rc, err := h.Reconciler.Receipt(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rc)
}

func (h *Handler) ManualSettlement(w http.ResponseWriter, r *http.Request) {
	m, ok := h.decodeManual(w, r)
	if !ok {
		return
	}
	tr, err := h.Reconciler.RecordManualSettlement(r.Context(), m)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, tr.Transaction)
}

func (h *Handler) PendingPayment(w http.ResponseWriter, r *http.Request) {
	m, ok := h.decodeManual(w, r)
	if !ok {
		return
	}
	tx, err := h.Reconciler.RecordPendingPayment(r.Context(), m)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, tx)
}

func (h *Handler) decodeManual(w http.ResponseWriter, r *http.Request) (reconcile.ManualPayment, bool) {
	var req manualPaymentRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeErr(w, r, err)
		return reconcile.ManualPayment{}, false
	}
	m, err := req.manual(middleware.AdminIDFrom(r.Context()))
	if err != nil {
		h.writeErr(w, r, err)
		return reconcile.ManualPayment{}, false
	}
	return m, true
}

func (h *Handler) ConfirmPayment(w http.ResponseWriter, r *http.Request) {
	var req confirmRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeErr(w, r, err)
		return
	}
	c := reconcile.Confirmation{
		ReceiptNumber: req.ReceiptNumber,
		ConfirmedBy:   middleware.AdminIDFrom(r.Context()),
	}
	if req.SettledAt != nil {
		c.SettledAt = *req.SettledAt
	}
	tr, err := h.Reconciler.ConfirmPendingPayment(r.Context(), chi.URLParam(r, "id"), c)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tr.Transaction)
}

// Push sends an STK prompt on behalf of a customer, for example while they
// are on the phone with support.
func (h *Handler) Push(w http.ResponseWriter, r *http.Request) {
	var req pushRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeErr(w, r, err)
		return
	}
	res, err := h.Intents.CreateIntent(r.Context(), intent.Request{
		OrderID:  strings.TrimSpace(req.OrderID),
		Provider: payment.ProviderMobileMoney,
		Amount:   req.Amount,
		Phone:    req.Phone,
	})
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (h *Handler) ComplianceReport(w http.ResponseWriter, r *http.Request) {
	hours := atoiDefault(r.URL.Query().Get("hours"), 24)
	if hours <= 0 || hours > 24*90 {
		h.writeErr(w, r, apperr.Validation("hours must be between 1 and 2160"))
		return
	}
	rep, err := h.Audit.Report(r.Context(), hours)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// timeRange reads RFC 3339 from/to query parameters. A non-zero def fills a
// missing from as to minus def, with to defaulting to now.
func timeRange(r *http.Request, def time.Duration) (time.Time, time.Time, error) {
	var from, to time.Time
	q := r.URL.Query()
	if s := q.Get("from"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return from, to, apperr.Validation("from must be an RFC 3339 timestamp")
		}
		from = t
	}
	if s := q.Get("to"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return from, to, apperr.Validation("to must be an RFC 3339 timestamp")
		}
		to = t
	}
	if def > 0 {
		if to.IsZero() {
			to = time.Now().UTC()
		}
		if from.IsZero() {
			from = to.Add(-def)
		}
	}
	if !from.IsZero() && !to.IsZero() && !from.Before(to) {
		return from, to, apperr.Validation("from must be before to")
	}
	return from, to, nil
}

func atoiDefault(s string, def int) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
