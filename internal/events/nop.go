package events

import (
	"context"

	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/compliance"
	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/order"
	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/payment"
)

// Nop is used when no broker is configured.
type Nop struct{}

func (Nop) PaymentSucceeded(context.Context, payment.Transaction, *order.Order) error { return nil }
func (Nop) PaymentFailed(context.Context, payment.Transaction) error                  { return nil }
func (Nop) PaymentRefunded(context.Context, payment.Transaction, *order.Order) error  { return nil }
func (Nop) Alert(context.Context, compliance.Event) error                             { return nil }
func (Nop) Close() error                                                              { return nil }
