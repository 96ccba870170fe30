// Package retry resubmits failed gateway payments under a hard attempt cap.
package retry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/apperr"
	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/compliance"
	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/gateway"
	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/jobs"
	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/payment"
)

// JobKind is the job queue kind for delayed automatic retries.
const JobKind = "payment.retry"

type Submitter interface {
	Submit(ctx context.Context, tx payment.Transaction) (gateway.SubmitResult, payment.Transaction, error)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, kind, key string, payload any, dueAt time.Time) error
}

type Auditor interface {
	Record(ctx context.Context, eventType string, details map[string]any, actor string) error
}

type Scheduler struct {
	ledger      payment.Ledger
	submitter   Submitter
	jobs        Enqueuer
	audit       Auditor
	maxAttempts int
	backoff     time.Duration
	logger      *zap.Logger
	now         func() time.Time
}

func NewScheduler(ledger payment.Ledger, submitter Submitter, jobs Enqueuer, audit Auditor, maxAttempts int, backoff time.Duration, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		ledger:      ledger,
		submitter:   submitter,
		jobs:        jobs,
		audit:       audit,
		maxAttempts: maxAttempts,
		backoff:     backoff,
		logger:      logger.Named("retry"),
		now:         time.Now,
	}
}

func (s *Scheduler) MaxAttempts() int { return s.maxAttempts }

// Retry resubmits a FAILED transaction. Transactions in any other status are
// returned unchanged. Once maxAttempts retry records exist the transaction is
// moved to RETRY_EXHAUSTED without contacting the gateway.
func (s *Scheduler) Retry(ctx context.Context, id string) (payment.Transaction, error) {
	tx, err := s.ledger.Get(ctx, id)
	if err != nil {
		return payment.Transaction{}, err
	}
	if tx.Provider.Manual() {
		return tx, apperr.Validation("offline payments cannot be retried")
	}
	switch tx.Status {
	case payment.StatusFailed:
	case payment.StatusRetryExhausted:
		return tx, apperr.New(apperr.ErrRetryExhausted, "retry attempts exhausted; manual intervention required")
	default:
		return tx, nil
	}

	count, err := s.ledger.CountRetries(ctx, id)
	if err != nil {
		return tx, err
	}
	if count >= s.maxAttempts {
		return s.exhaust(ctx, tx, count)
	}

	tr, err := s.ledger.Requeue(ctx, id, count+1)
	if err != nil {
		return tx, err
	}
	if !tr.Applied {
		// Another retry or a late callback got there first.
		return tr.Transaction, nil
	}

	_ = s.audit.Record(ctx, compliance.EventPaymentRetry, map[string]any{
		"transactionId": id,
		"orderId":       tx.OrderID,
		"provider":      string(tx.Provider),
		"attempt":       count + 1,
		"maxAttempts":   s.maxAttempts,
	}, payment.ActorFrom(ctx))
	s.logger.Info("retrying payment", zap.String("transaction_id", id), zap.Int("attempt", count+1))

	_, out, err := s.submitter.Submit(ctx, tr.Transaction)
	return out, err
}

func (s *Scheduler) exhaust(ctx context.Context, tx payment.Transaction, count int) (payment.Transaction, error) {
	tr, err := s.ledger.Exhaust(ctx, tx.ID)
	if err != nil {
		return tx, err
	}
	if !tr.Applied {
		return tr.Transaction, nil
	}
	_ = s.audit.Record(ctx, compliance.EventRetryExhausted, map[string]any{
		"transactionId": tx.ID,
		"orderId":       tx.OrderID,
		"provider":      string(tx.Provider),
		"retries":       count,
		"failureReason": deref(tx.FailureReason),
	}, payment.ActorFrom(ctx))
	s.logger.Warn("retry attempts exhausted", zap.String("transaction_id", tx.ID), zap.Int("retries", count))
	return tr.Transaction, apperr.New(apperr.ErrRetryExhausted, "retry attempts exhausted; manual intervention required")
}

type jobPayload struct {
	TransactionID string `json:"transactionId"`
}

// ScheduleAutoRetry queues a retry after the flat backoff window. Jobs are
// keyed by transaction and attempt: redelivered failure callbacks for one
// attempt collapse into one job, while the failure of a retried attempt gets
// its own job even if the previous one has not been marked complete yet.
func (s *Scheduler) ScheduleAutoRetry(ctx context.Context, id string) error {
	tx, err := s.ledger.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("schedule retry: %w", err)
	}
	due := s.now().Add(s.backoff)
	if err := s.jobs.Enqueue(ctx, JobKind, jobKey(tx), jobPayload{TransactionID: id}, due); err != nil {
		return fmt.Errorf("schedule retry: %w", err)
	}
	s.logger.Info("auto retry scheduled", zap.String("transaction_id", id), zap.Int("attempt", tx.Attempt), zap.Time("due_at", due))
	return nil
}

func jobKey(tx payment.Transaction) string {
	return tx.ID + ":" + strconv.Itoa(tx.Attempt)
}

// HandleJob is the job handler for JobKind. Outcomes that leave the
// transaction in a settled state complete the job; only infrastructure
// errors ask for redelivery.
func (s *Scheduler) HandleJob(ctx context.Context, job jobs.Job) error {
	var p jobPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil || p.TransactionID == "" {
		return fmt.Errorf("decode retry job %d: %w", job.ID, jobs.ErrPermanent)
	}

	_, err := s.Retry(payment.WithActor(ctx, "retry-scheduler"), p.TransactionID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, apperr.ErrRetryExhausted),
		errors.Is(err, apperr.ErrGatewayRejected),
		errors.Is(err, apperr.ErrGatewayUnavailable),
		errors.Is(err, apperr.ErrValidation),
		errors.Is(err, apperr.ErrNotFound):
		s.logger.Info("automatic retry finished without success", zap.String("transaction_id", p.TransactionID), zap.String("kind", apperr.Kind(err)))
		return nil
	default:
		return err
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
