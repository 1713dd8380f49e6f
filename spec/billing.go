package spec

import "time"

// Tier is the custom type naming a subscription plan tier
type Tier string

// Define the closed set of plan tiers
const (
	TierBasic     Tier = "Basic"
	TierDeveloper Tier = "Developer"
	TierBusiness  Tier = "Business"
)

// Tiers lists every valid plan tier
var Tiers = []Tier{TierBasic, TierDeveloper, TierBusiness}

// ValidTier reports whether name is a known plan tier
func ValidTier(name string) bool {
	for _, t := range Tiers {
		if t == Tier(name) {
			return true
		}
	}
	return false
}

// BillingType is the custom type for the billing frequency of a subscription
type BillingType string

// Define the billing frequencies
const (
	BillingFree    BillingType = "free"
	BillingMonthly BillingType = "monthly"
	BillingAnnual  BillingType = "annual"
)

// ValidBillingType reports whether name is a known billing frequency
func ValidBillingType(name string) bool {
	switch BillingType(name) {
	case BillingFree, BillingMonthly, BillingAnnual:
		return true
	}
	return false
}

// Paid reports whether the billing frequency implies a recurring charge
func (b BillingType) Paid() bool {
	return b == BillingMonthly || b == BillingAnnual
}

// PeriodEnd computes the end of a billing cycle starting at from. Free
// subscriptions have no cycle and return the zero time. Note that cycles are
// anchored to the subscription start, not to calendar months.
func (b BillingType) PeriodEnd(from time.Time) time.Time {
	switch b {
	case BillingMonthly:
		return from.AddDate(0, 1, 0)
	case BillingAnnual:
		return from.AddDate(1, 0, 0)
	}
	return time.Time{}
}
