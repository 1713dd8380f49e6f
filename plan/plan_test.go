package plan

import (
	"testing"

	"github.com/pdfmill/pdfmill/spec"

	"github.com/stretchr/testify/assert"
)

func TestDefaultCatalogIsValid(t *testing.T) {
	catalog := DefaultCatalog()
	assert.Len(t, catalog, 3)

	tiers := make(map[spec.Tier]*Plan, len(catalog))
	for k := range catalog {
		assert.NoError(t, catalog[k].Validate())
		tiers[catalog[k].Name] = &catalog[k]
	}

	assert.Contains(t, tiers, spec.TierBasic)
	assert.Contains(t, tiers, spec.TierDeveloper)
	assert.Contains(t, tiers, spec.TierBusiness)

	assert.True(t, tiers[spec.TierBasic].Free())
	assert.False(t, tiers[spec.TierDeveloper].Free())
	assert.False(t, tiers[spec.TierBusiness].Free())
}

func TestDefaultCatalogCoversEveryService(t *testing.T) {
	for _, p := range DefaultCatalog() {
		for _, s := range spec.Services {
			assert.NotNil(t, p.QuotaFor(s), "%s must declare a quota for %s", p.Name, s)
		}
	}
}

func TestDefaultCatalogBusinessIsUnlimited(t *testing.T) {
	for _, p := range DefaultCatalog() {
		if p.Name != spec.TierBusiness {
			continue
		}
		for _, q := range p.ServiceQuotas {
			assert.Equal(t, Unlimited, q.MonthlyQuota)
			assert.Equal(t, Unlimited, q.AnnualQuota)
		}
	}
}

func TestServiceQuotaLimitSelection(t *testing.T) {
	q := &ServiceQuota{
		Service:      spec.ServiceMergePDF,
		MonthlyQuota: 3,
		AnnualQuota:  30,
	}

	assert.Equal(t, int64(30), q.Limit(spec.BillingAnnual))
	assert.Equal(t, int64(3), q.Limit(spec.BillingMonthly))
	// free accounts meter against the monthly column
	assert.Equal(t, int64(3), q.Limit(spec.BillingFree))
}

func TestValidateRejectsUnknownTier(t *testing.T) {
	p := &Plan{
		Name:          "Enterprise",
		ServiceQuotas: uniformQuotas(1, 10, nil),
	}
	assert.Error(t, p.Validate())
}

func TestValidateRejectsUnknownService(t *testing.T) {
	p := &Plan{
		Name:          spec.TierBasic,
		ServiceQuotas: uniformQuotas(1, 10, nil),
	}
	p.ServiceQuotas[0].Service = "steal-pdf"
	assert.Error(t, p.Validate())
}

func TestValidateRejectsDuplicateService(t *testing.T) {
	p := &Plan{
		Name:          spec.TierBasic,
		ServiceQuotas: append(uniformQuotas(1, 10, nil), ServiceQuota{Service: spec.ServiceMergePDF, MonthlyQuota: 5, AnnualQuota: 50}),
	}
	assert.Error(t, p.Validate())
}

func TestValidateRejectsQuotaBelowSentinel(t *testing.T) {
	p := &Plan{
		Name: spec.TierBasic,
		ServiceQuotas: uniformQuotas(1, 10, map[spec.Service][2]int64{
			spec.ServiceMergePDF: {-2, 10},
		}),
	}
	assert.Error(t, p.Validate())
}

func TestValidateRejectsMissingService(t *testing.T) {
	quotas := uniformQuotas(1, 10, nil)
	p := &Plan{
		Name:          spec.TierBasic,
		ServiceQuotas: quotas[:len(quotas)-1],
	}
	assert.Error(t, p.Validate())
}

func TestQuotaForUnknownServiceIsNil(t *testing.T) {
	p := &Plan{
		Name: spec.TierBasic,
		ServiceQuotas: []ServiceQuota{
			{Service: spec.ServiceMergePDF, MonthlyQuota: 1, AnnualQuota: 10},
		},
	}
	assert.Nil(t, p.QuotaFor(spec.ServiceOCRPDF))
}
