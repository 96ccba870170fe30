package events

import (
	"fmt"
	"time"
)

// Meta is the routing and tracing header carried by every message on the
// shared exchange. The JSON names are the cross-service contract.
type Meta struct {
	Name        string    `json:"eventName"`
	Version     int       `json:"eventVersion"`
	ID          string    `json:"eventId"`
	Correlation string    `json:"correlationId,omitempty"`
	Causation   string    `json:"causationId,omitempty"`
	Producer    string    `json:"producer"`
	Partition   string    `json:"partitionKey"`
	Sequence    *int64    `json:"sequence,omitempty"`
	OccurredAt  time.Time `json:"occurredAt"`
	Schema      string    `json:"schema"`
}

type Envelope[T any] struct {
	Meta
	Payload T `json:"payload"`
}

// Expect checks that a decoded envelope is the event a consumer asked for.
func (m Meta) Expect(name string, version int) error {
	switch {
	case m.Name != name:
		return fmt.Errorf("envelope: got event %q, want %q", m.Name, name)
	case m.Version != version:
		return fmt.Errorf("envelope: %s version %d, want %d", name, m.Version, version)
	case m.Partition == "":
		return fmt.Errorf("envelope: %s has no partition key", name)
	}
	return nil
}
