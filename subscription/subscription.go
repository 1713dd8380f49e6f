package subscription

import (
	"time"

	"github.com/pdfmill/pdfmill/spec"
)

// Subscription is the historical billing record created when a user lands on
// a plan. The user's live plan/dates live on user.User; rows here are
// immutable after creation except for Status.
type Subscription struct {
	ID                string           `json:"id" gorm:"primaryKey"`
	UserID            string           `json:"userId" gorm:"index"`
	PlanID            string           `json:"planId"`
	Status            Status           `json:"status"`
	BillingType       spec.BillingType `json:"billingType"`
	AmountPaid        float64          `json:"amountPaid"`
	Currency          string           `json:"currency"`
	ChargeID          string           `json:"chargeId"`
	PaymentStatus     string           `json:"paymentStatus"`
	CheckoutSessionID *string          `json:"-" gorm:"uniqueIndex"` // nil for direct (unpaid) subscribes; dedup key for webhook replays
	StartDate         time.Time        `json:"startDate"`
	EndDate           *time.Time       `json:"endDate"`
	CreatedAt         time.Time        `json:"createdAt"`
}
