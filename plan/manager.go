package plan

import (
	"context"
	"errors"
	"fmt"

	"github.com/pdfmill/pdfmill/spec"

	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Manager handles the database operations relating to Plans
type Manager struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewManager returns a new Manager for the plan catalog
func NewManager(logger *zap.Logger, db *gorm.DB) (*Manager, error) {
	if err := db.AutoMigrate(&Plan{}, &ServiceQuota{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initialize plan.Manager")
	}
	return &Manager{
		db:     db,
		logger: logger,
	}, nil
}

// Seed populates the catalog with the default tiers if and only if the
// catalog is empty. It is invoked from the seed binary at deploy time, never
// lazily from a request path, and is safe to run repeatedly.
func (m *Manager) Seed(ctx context.Context) (bool, error) {
	var count int64
	if result := m.db.WithContext(ctx).Model(&Plan{}).Count(&count); result.Error != nil {
		return false, extErrors.Wrap(result.Error, "Cannot count plans")
	}
	if count > 0 {
		return false, nil
	}
	catalog := DefaultCatalog()
	for k := range catalog {
		if err := catalog[k].Validate(); err != nil {
			return false, extErrors.Wrap(err, "Default catalog failed validation")
		}
	}
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for k := range catalog {
			if result := tx.Create(&catalog[k]); result.Error != nil {
				return result.Error
			}
		}
		return nil
	})
	if err != nil {
		return false, extErrors.Wrap(err, "Cannot seed plan catalog")
	}
	return true, nil
}

// GetByID will try to return the plan with its quota table by id
func (m *Manager) GetByID(ctx context.Context, id string) (*Plan, error) {
	var p Plan

	result := m.db.WithContext(ctx).
		Preload("ServiceQuotas").
		First(&p, "id = ?", id)

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get plan by id")
	}

	return &p, nil
}

// GetByName will try to return the plan for a tier name
func (m *Manager) GetByName(ctx context.Context, name spec.Tier) (*Plan, error) {
	var p Plan

	result := m.db.WithContext(ctx).
		Preload("ServiceQuotas").
		First(&p, "name = ?", string(name))

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get plan by name")
	}

	return &p, nil
}

// GetDefault returns the Basic tier every user starts on. The catalog is
// seeded at deploy time, so a missing Basic tier is a deployment error.
func (m *Manager) GetDefault(ctx context.Context) (*Plan, error) {
	p, err := m.GetByName(ctx, spec.TierBasic)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("plan catalog has no %s tier: run the seed binary", spec.TierBasic)
	}
	return p, nil
}

// List returns the catalog, restricted to active plans unless includeInactive
func (m *Manager) List(ctx context.Context, includeInactive bool) ([]Plan, error) {
	results := make([]Plan, 0, 3)
	baseQuery := m.db.WithContext(ctx).Preload("ServiceQuotas").Order("monthly_fee asc")
	if !includeInactive {
		baseQuery = baseQuery.Where("is_active = ?", true)
	}
	result := baseQuery.Find(&results)
	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, result.Error
	}
	return results, nil
}

// Create validates and persists a new plan with its quota table
func (m *Manager) Create(ctx context.Context, p *Plan) error {
	if err := p.Validate(); err != nil {
		return err
	}
	result := m.db.WithContext(ctx).Create(p)
	if result.Error != nil {
		m.logger.Error("Unable to create new plan in database",
			zap.Error(result.Error),
		)
		return extErrors.Wrap(result.Error, "Cannot create plan")
	}
	return nil
}

// UpdateOption is the set of mutable plan fields for admin updates. Nil
// pointers leave the current value alone.
type UpdateOption struct {
	Description   *string
	MonthlyFee    *float64
	AnnualFee     *float64
	MaxFileSizeMB *int64
	ServiceQuotas []ServiceQuota
}

// Update applies a partial update to a plan. The quota table, when given,
// replaces the existing one and must still cover the full operation catalog.
func (m *Manager) Update(ctx context.Context, id string, opt UpdateOption) (*Plan, error) {
	current, err := m.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, nil
	}

	if opt.Description != nil {
		current.Description = *opt.Description
	}
	if opt.MonthlyFee != nil {
		current.MonthlyFee = *opt.MonthlyFee
	}
	if opt.AnnualFee != nil {
		current.AnnualFee = *opt.AnnualFee
	}
	if opt.MaxFileSizeMB != nil {
		current.MaxFileSizeMB = *opt.MaxFileSizeMB
	}
	if opt.ServiceQuotas != nil {
		for k := range opt.ServiceQuotas {
			opt.ServiceQuotas[k].PlanID = current.ID
		}
		current.ServiceQuotas = opt.ServiceQuotas
	}
	if err := current.Validate(); err != nil {
		return nil, err
	}

	err = m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if opt.ServiceQuotas != nil {
			if result := tx.Where("plan_id = ?", current.ID).Delete(&ServiceQuota{}); result.Error != nil {
				return result.Error
			}
		}
		return tx.Save(current).Error
	})
	if err != nil {
		m.logger.Error("Unable to update plan in database",
			zap.Error(err),
		)
		return nil, extErrors.Wrap(err, "Cannot update plan")
	}
	return current, nil
}

// Deactivate soft-deletes a plan. Plans are never hard-deleted while users
// still reference them.
func (m *Manager) Deactivate(ctx context.Context, id string) error {
	result := m.db.WithContext(ctx).Model(&Plan{}).Where("id = ?", id).Update("is_active", false)
	if result.Error != nil {
		m.logger.Error("Unable to deactivate plan in database",
			zap.Error(result.Error),
		)
		return extErrors.Wrap(result.Error, "Cannot deactivate plan")
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
