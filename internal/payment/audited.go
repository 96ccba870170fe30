package payment

import "context"

// TransitionRecorder receives every applied status change.
type TransitionRecorder interface {
	RecordTransition(ctx context.Context, t Transaction, from Status, actor string)
}

type actorKey struct{}

// WithActor tags ctx with the identity responsible for ledger writes made under it.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

func ActorFrom(ctx context.Context) string {
	if a, ok := ctx.Value(actorKey{}).(string); ok && a != "" {
		return a
	}
	return "system"
}

// Audited decorates a Ledger so that each applied transition is reported to
// the recorder after it has been committed.
type Audited struct {
	Ledger
	rec TransitionRecorder
}

func NewAudited(l Ledger, rec TransitionRecorder) *Audited {
	return &Audited{Ledger: l, rec: rec}
}

func (a *Audited) CreatePending(ctx context.Context, t Transaction) (Transaction, Balance, error) {
	out, bal, err := a.Ledger.CreatePending(ctx, t)
	if err == nil {
		a.rec.RecordTransition(ctx, out, "", ActorFrom(ctx))
	}
	return out, bal, err
}

func (a *Audited) CreateSettled(ctx context.Context, t Transaction) (Transition, error) {
	return a.record(ctx)(a.Ledger.CreateSettled(ctx, t))
}

func (a *Audited) Complete(ctx context.Context, id string, c Completion) (Transition, error) {
	return a.record(ctx)(a.Ledger.Complete(ctx, id, c))
}

func (a *Audited) Fail(ctx context.Context, id, reason string) (Transition, error) {
	return a.record(ctx)(a.Ledger.Fail(ctx, id, reason))
}

func (a *Audited) Requeue(ctx context.Context, id string, attempt int) (Transition, error) {
	return a.record(ctx)(a.Ledger.Requeue(ctx, id, attempt))
}

func (a *Audited) Exhaust(ctx context.Context, id string) (Transition, error) {
	return a.record(ctx)(a.Ledger.Exhaust(ctx, id))
}

func (a *Audited) Refund(ctx context.Context, id string, r RefundRequest) (Transition, error) {
	return a.record(ctx)(a.Ledger.Refund(ctx, id, r))
}

func (a *Audited) record(ctx context.Context) func(Transition, error) (Transition, error) {
	return func(tr Transition, err error) (Transition, error) {
		if err == nil && tr.Applied {
			a.rec.RecordTransition(ctx, tr.Transaction, tr.From, ActorFrom(ctx))
		}
		return tr, err
	}
}
