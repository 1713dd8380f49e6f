package plan

import (
	"fmt"

	"github.com/pdfmill/pdfmill/spec"
)

// Unlimited is the sentinel quota value for tiers without a metering cap
const Unlimited int64 = -1

// ServiceQuota declares how many invocations of a single document operation a
// plan permits per billing cycle. A value of Unlimited (-1) bypasses metering.
type ServiceQuota struct {
	PlanID       string       `json:"-" gorm:"primaryKey"`
	Service      spec.Service `json:"service" gorm:"primaryKey"`
	MonthlyQuota int64        `json:"monthlyQuota"`
	AnnualQuota  int64        `json:"annualQuota"`
}

// Limit selects the applicable quota for a billing frequency. Free
// subscriptions meter against the monthly quota.
func (q *ServiceQuota) Limit(billingType spec.BillingType) int64 {
	if billingType == spec.BillingAnnual {
		return q.AnnualQuota
	}
	return q.MonthlyQuota
}

// Plan describes a subscription tier and its per-operation quotas
type Plan struct {
	ID            string         `json:"id" gorm:"primaryKey"`
	Name          spec.Tier      `json:"name" gorm:"uniqueIndex"`
	Description   string         `json:"description"`
	MonthlyFee    float64        `json:"monthlyFee"` // in the plan currency, not cents
	AnnualFee     float64        `json:"annualFee"`
	Currency      string         `json:"currency"`
	MaxFileSizeMB int64          `json:"maxFileSizeMb"`
	ServiceQuotas []ServiceQuota `json:"services" gorm:"foreignKey:PlanID"`
	IsActive      bool           `json:"isActive"`
}

// QuotaFor returns the quota entry for a service, or nil if the plan does not
// cover it
func (p *Plan) QuotaFor(service spec.Service) *ServiceQuota {
	for k, q := range p.ServiceQuotas {
		if q.Service == service {
			return &p.ServiceQuotas[k]
		}
	}
	return nil
}

// Free reports whether the plan can be subscribed to without a completed
// checkout
func (p *Plan) Free() bool {
	return p.MonthlyFee == 0 && p.AnnualFee == 0
}

// Validate enforces the closed tier and service enums, and that the quota
// table covers the full operation catalog. Denials for uncovered operations
// should come from an explicit missing entry, never from a silently absent row.
func (p *Plan) Validate() error {
	if !spec.ValidTier(string(p.Name)) {
		return fmt.Errorf("unknown plan tier: %s", p.Name)
	}
	seen := make(map[spec.Service]struct{}, len(p.ServiceQuotas))
	for _, q := range p.ServiceQuotas {
		if !spec.ValidService(string(q.Service)) {
			return fmt.Errorf("unknown service in quota table: %s", q.Service)
		}
		if _, dup := seen[q.Service]; dup {
			return fmt.Errorf("duplicate service in quota table: %s", q.Service)
		}
		if q.MonthlyQuota < Unlimited || q.AnnualQuota < Unlimited {
			return fmt.Errorf("invalid quota for %s: must be >= -1", q.Service)
		}
		seen[q.Service] = struct{}{}
	}
	for _, s := range spec.Services {
		if _, ok := seen[s]; !ok {
			return fmt.Errorf("quota table does not cover service: %s", s)
		}
	}
	return nil
}
