// Package gateway defines the contract between the payment engine and the
// external payment providers.
package gateway

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/apperr"
	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/payment"
	"github.com/shopspring/decimal"
)

type SubmitRequest struct {
	TransactionID  string
	OrderID        string
	Amount         decimal.Decimal
	Currency       string
	PayerReference string
	Description    string
	// IdempotencyKey is unique per submission attempt.
	IdempotencyKey string
}

// SubmitResult is the synchronous acknowledgement. It means the request was
// queued by the gateway, not that money moved.
type SubmitResult struct {
	CorrelationID string `json:"correlationId"`
	MerchantRef   string `json:"merchantRequestId,omitempty"`
	ClientSecret  string `json:"clientSecret,omitempty"`
	Message       string `json:"message"`
}

// Adapter submits payment requests to one provider.
type Adapter interface {
	Provider() payment.Provider
	Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error)
}

// Querier asks a provider for the current outcome of a submitted request.
type Querier interface {
	QueryStatus(ctx context.Context, correlationID string) (Callback, error)
}

type Result string

const (
	ResultSucceeded Result = "SUCCEEDED"
	ResultFailed    Result = "FAILED"
	ResultPending   Result = "PENDING"
)

// Callback is a provider notification normalized for the ingestor.
type Callback struct {
	Provider      payment.Provider
	CorrelationID string
	Result        Result
	ResultCode    string
	ResultDesc    string
	ReceiptNumber string
	SettledAt     time.Time
	Amount        *decimal.Decimal
	// Transient marks failures worth an automatic retry, such as a handset
	// that could not be reached. User cancellations are never transient.
	Transient bool
	// Details is the sanitized provider payload kept for the audit trail.
	Details map[string]any
}

func Rejected(msg string, cause error) error {
	return apperr.Wrap(apperr.ErrGatewayRejected, msg, cause)
}

func Unavailable(msg string, cause error) error {
	return apperr.Wrap(apperr.ErrGatewayUnavailable, msg, cause)
}

// Malformed marks a callback payload that cannot be interpreted.
func Malformed(msg string, cause error) error {
	return apperr.Wrap(apperr.ErrCallbackAnomaly, msg, cause)
}

type Registry struct {
	mu       sync.RWMutex
	adapters map[payment.Provider]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: map[payment.Provider]Adapter{}}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Provider()] = a
}

func (r *Registry) Adapter(p payment.Provider) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[p]
	if !ok {
		return nil, apperr.Validation(fmt.Sprintf("no gateway configured for provider %s", p))
	}
	return a, nil
}

func (r *Registry) Querier(p payment.Provider) (Querier, bool) {
	a, err := r.Adapter(p)
	if err != nil {
		return nil, false
	}
	q, ok := a.(Querier)
	return q, ok
}

var longDigits = regexp.MustCompile(`\+?\d{9,}`)

// SanitizeMessage makes provider text safe to store or show: digit runs long
// enough to be a phone or card number are masked and the text is bounded.
func SanitizeMessage(s string) string {
	s = strings.TrimSpace(longDigits.ReplaceAllString(s, "***"))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
