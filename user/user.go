package user

import (
	"time"

	"github.com/pdfmill/pdfmill/spec"
)

// User describes an account on the platform. The subscription fields here are
// the live state; historical billing records live in the subscription package.
type User struct {
	ID                string           `json:"id" gorm:"primaryKey"`
	Email             string           `json:"email" gorm:"uniqueIndex"`
	CurrentPlanID     string           `json:"currentPlanId" gorm:"index"`
	SubscriptionType  spec.BillingType `json:"subscriptionType"`
	SubscriptionStart *time.Time       `json:"subscriptionStartDate"`
	SubscriptionEnd   *time.Time       `json:"subscriptionEndDate"`
	Admin             bool             `json:"-"`
	CreatedAt         time.Time        `json:"createdAt"`
}

// SubscriptionExpired is the single source of truth for lazy expiry. Nothing
// marks a user expired in storage; SubscriptionType may still read "monthly"
// after the end date has passed, so every reader of subscription state must go
// through this check instead of trusting the stored type.
func (u *User) SubscriptionExpired(now time.Time) bool {
	return u.SubscriptionEnd != nil && u.SubscriptionEnd.Before(now)
}
