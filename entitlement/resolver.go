package entitlement

import (
	"time"

	"github.com/pdfmill/pdfmill/plan"
	"github.com/pdfmill/pdfmill/spec"
	"github.com/pdfmill/pdfmill/usage"
	"github.com/pdfmill/pdfmill/user"
)

// Reason is the custom type for deny reason codes. The codes are part of the
// API: clients tell "upgrade your plan" apart from "your subscription lapsed"
// by them.
type Reason string

// Define deny reasons
const (
	ReasonQuotaExceeded        Reason = "QuotaExceeded"
	ReasonSubscriptionExpired  Reason = "SubscriptionExpired"
	ReasonServiceNotInPlan     Reason = "ServiceNotInPlan"
	ReasonServiceUsageNotFound Reason = "ServiceUsageNotFound"
)

// Decision is the outcome of an authorization check. Quota and Remaining are
// -1 for unlimited tiers.
type Decision struct {
	Allowed   bool   `json:"allowed"`
	Reason    Reason `json:"reason,omitempty"`
	Used      int64  `json:"used"`
	Quota     int64  `json:"quota"`
	Remaining int64  `json:"remaining"`
}

// Authorize decides whether a user may invoke a service requested more times.
// It is a pure function over its inputs and performs no I/O: the caller reads
// the user, plan and counter, and on an allow performs the increment through
// usage.Manager.Consume, whose SQL guard re-checks the quota atomically.
//
// The expiry check comes first and is absolute: an expired subscription is
// denied even when the counter is under quota. entry may be nil when the user
// has no counter row for the service.
func Authorize(u *user.User, p *plan.Plan, entry *usage.Entry, service spec.Service, requested int64, now time.Time) Decision {
	var used int64
	if entry != nil {
		used = entry.Count
	}

	if u.SubscriptionExpired(now) {
		return Decision{
			Allowed: false,
			Reason:  ReasonSubscriptionExpired,
			Used:    used,
		}
	}

	q := p.QuotaFor(service)
	if q == nil {
		return Decision{
			Allowed: false,
			Reason:  ReasonServiceNotInPlan,
			Used:    used,
		}
	}

	limit := q.Limit(u.SubscriptionType)
	if limit == plan.Unlimited {
		return Decision{
			Allowed:   true,
			Used:      used,
			Quota:     plan.Unlimited,
			Remaining: plan.Unlimited,
		}
	}

	if entry == nil {
		return Decision{
			Allowed: false,
			Reason:  ReasonServiceUsageNotFound,
			Quota:   limit,
		}
	}

	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}

	if used+requested > limit {
		return Decision{
			Allowed:   false,
			Reason:    ReasonQuotaExceeded,
			Used:      used,
			Quota:     limit,
			Remaining: remaining,
		}
	}

	return Decision{
		Allowed:   true,
		Used:      used,
		Quota:     limit,
		Remaining: remaining,
	}
}
