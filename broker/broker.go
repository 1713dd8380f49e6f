package broker

import (
	"context"
	"time"
)

// ReconcileAlert flags a billing event that was acknowledged to the payment
// processor but could not be fully applied, so an operator can reconcile by
// hand. Rejecting the webhook instead would only make the processor retry a
// delivery that will keep failing.
type ReconcileAlert struct {
	EventID    string    `json:"eventId"`
	EventType  string    `json:"eventType"`
	UserID     string    `json:"userId"`
	Reason     string    `json:"reason"`
	Detail     string    `json:"detail"`
	OccurredAt time.Time `json:"occurredAt"`
}

// Producer defines the interface for publishing alerts via message broker
type Producer interface {
	Close()
	PublishReconcileAlert(alert *ReconcileAlert) error
}

// Consumer defines the interface for receiving alerts via message broker
type Consumer interface {
	Close()
	ReceiveReconcileAlerts(ctx context.Context) (<-chan *ReconcileAlert, error)
}
