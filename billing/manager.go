package billing

import (
	"context"
	"fmt"

	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Manager handles the persistence of payment records
type Manager struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewManager returns a new Manager for payment records
func NewManager(logger *zap.Logger, db *gorm.DB) (*Manager, error) {
	if err := db.AutoMigrate(&Payment{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initialize billing.Manager")
	}
	return &Manager{
		db:     db,
		logger: logger,
	}, nil
}

// Record inserts a payment keyed by its charge id. A redelivered charge event
// hits the existing primary key and is absorbed as a no-op; the boolean
// reports whether a new row was written.
func (m *Manager) Record(ctx context.Context, p *Payment) (bool, error) {
	if p == nil {
		return false, fmt.Errorf("nil Payment is invalid")
	}
	if len(p.ChargeID) == 0 {
		return false, fmt.Errorf("empty ChargeID is invalid")
	}
	result := m.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "charge_id"}},
			DoNothing: true,
		}).
		Create(p)
	if result.Error != nil {
		return false, extErrors.Wrap(result.Error, "Cannot record payment")
	}
	return result.RowsAffected > 0, nil
}

// ListByUser returns the user's payments, most recent first
func (m *Manager) ListByUser(ctx context.Context, userID string, limit int) ([]Payment, error) {
	if len(userID) == 0 {
		return nil, fmt.Errorf("empty userID is invalid")
	}
	if limit <= 0 {
		limit = 20
	}
	payments := make([]Payment, 0, limit)
	result := m.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at desc").
		Limit(limit).
		Find(&payments)
	if result.Error != nil {
		return nil, extErrors.Wrap(result.Error, "Cannot list payments")
	}
	return payments, nil
}
