package order

import (
	"context"
	"time"
)

// EventType names an order lifecycle notification.
type EventType string

const (
	EventOrderCreated       EventType = "order.created"
	EventOrderStatusChanged EventType = "order.status_changed"
)

// Event is emitted after a successful commit. Observers such as push
// notifications or cart mirroring consume it; they never take part in the
// commit itself.
type Event struct {
	ID             string
	Type           EventType
	Order          *Order
	PreviousStatus Status
	OccurredAt     time.Time
}

// Publisher delivers events on a best-effort basis.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, Event) error { return nil }
