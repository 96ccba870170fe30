package events

import (
	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange is the durable topic exchange shared by the shop's services.
const Exchange = "ecommerce.events"

const (
	producerName        = "payment-service-go"
	compliancePartition = "compliance"
)

// route binds an event name to its routing key and payload schema.
type route struct {
	key    string
	schema string
}

var routes = map[string]route{
	EventTypePaymentSucceeded: {"payment.succeeded.v1", "payments/payment-succeeded/v1"},
	EventTypePaymentFailed:    {"payment.failed.v1", "payments/payment-failed/v1"},
	EventTypePaymentRefunded:  {"payment.refunded.v1", "payments/payment-refunded/v1"},
	EventTypeComplianceAlert:  {"compliance.alert.v1", "payments/compliance-alert/v1"},
}

// RoutingKey returns the AMQP routing key used for an event name.
func RoutingKey(event string) string {
	return routes[event].key
}

func declareExchange(ch *amqp.Channel) error {
	const (
		durable    = true
		autoDelete = false
		internal   = false
		noWait     = false
	)
	return ch.ExchangeDeclare(Exchange, amqp.ExchangeTopic, durable, autoDelete, internal, noWait, nil)
}
