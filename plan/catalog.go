package plan

import (
	"github.com/pdfmill/pdfmill/spec"

	"github.com/lithammer/shortuuid/v3"
)

func newPlanID() string {
	return shortuuid.New()
}

// uniformQuotas builds a quota table granting the same monthly/annual limits
// to every operation in the catalog, with per-service overrides applied last.
func uniformQuotas(monthly, annual int64, overrides map[spec.Service][2]int64) []ServiceQuota {
	quotas := make([]ServiceQuota, 0, len(spec.Services))
	for _, s := range spec.Services {
		q := ServiceQuota{
			Service:      s,
			MonthlyQuota: monthly,
			AnnualQuota:  annual,
		}
		if o, ok := overrides[s]; ok {
			q.MonthlyQuota = o[0]
			q.AnnualQuota = o[1]
		}
		quotas = append(quotas, q)
	}
	return quotas
}

// DefaultCatalog returns the three fixed tiers seeded when the catalog is
// empty. IDs are generated at seed time.
func DefaultCatalog() []Plan {
	return []Plan{
		{
			ID:            shortuuid.New(),
			Name:          spec.TierBasic,
			Description:   "For occasional use. Every tool, a handful of runs per cycle.",
			MonthlyFee:    0,
			AnnualFee:     0,
			Currency:      "usd",
			MaxFileSizeMB: 25,
			ServiceQuotas: uniformQuotas(3, 30, map[spec.Service][2]int64{
				spec.ServiceOCRPDF:    {1, 10},
				spec.ServiceTranslate: {1, 10},
				spec.ServiceSignPDF:   {1, 10},
			}),
			IsActive: true,
		},
		{
			ID:            shortuuid.New(),
			Name:          spec.TierDeveloper,
			Description:   "For regular use and small teams.",
			MonthlyFee:    9,
			AnnualFee:     90,
			Currency:      "usd",
			MaxFileSizeMB: 100,
			ServiceQuotas: uniformQuotas(10, 120, map[spec.Service][2]int64{
				spec.ServiceOCRPDF:    {5, 60},
				spec.ServiceTranslate: {5, 60},
			}),
			IsActive: true,
		},
		{
			ID:            shortuuid.New(),
			Name:          spec.TierBusiness,
			Description:   "Unlimited processing for production workloads.",
			MonthlyFee:    29,
			AnnualFee:     290,
			Currency:      "usd",
			MaxFileSizeMB: 500,
			ServiceQuotas: uniformQuotas(Unlimited, Unlimited, nil),
			IsActive:      true,
		},
	}
}
