package usage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pdfmill/pdfmill/spec"

	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// consumeStmt authorizes and increments in one statement. The quota guard
// lives inside the UPDATE so two concurrent requests can never both read a
// stale count and both pass: the database evaluates count + delta against the
// limit atomically, and a limit of -1 bypasses the guard entirely.
const consumeStmt = "UPDATE usage_entries SET count = count + ? " +
	"WHERE user_id = ? AND service = ? AND (? = -1 OR count + ? <= ?) " +
	"RETURNING count"

// Manager handles the database operations relating to usage counters
type Manager struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewManager returns a new Manager for usage counters
func NewManager(logger *zap.Logger, db *gorm.DB) (*Manager, error) {
	if err := db.AutoMigrate(&Entry{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initialize usage.Manager")
	}
	return &Manager{
		db:     db,
		logger: logger,
	}, nil
}

// Get will try to return the counter for a (user, service) pair
func (m *Manager) Get(ctx context.Context, userID string, service spec.Service) (*Entry, error) {
	var entry Entry

	result := m.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Where("service = ?", service).
		First(&entry)

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get usage entry")
	}

	return &entry, nil
}

// List returns all counters for a user
func (m *Manager) List(ctx context.Context, userID string) ([]Entry, error) {
	results := make([]Entry, 0, 8)
	result := m.db.WithContext(ctx).
		Order("service asc").
		Find(&results, "user_id = ?", userID)
	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, result.Error
	}
	return results, nil
}

// EnsureEntries creates zeroed counters for any of the given services the
// user does not have yet, leaving existing counts alone
func (m *Manager) EnsureEntries(ctx context.Context, userID string, services []spec.Service) error {
	if len(services) == 0 {
		return nil
	}
	now := time.Now()
	entries := make([]Entry, 0, len(services))
	for _, s := range services {
		entries = append(entries, Entry{
			UserID:    userID,
			Service:   s,
			Count:     0,
			LastReset: now,
		})
	}
	result := m.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&entries)
	if result.Error != nil {
		m.logger.Error("Unable to create usage entries in database",
			zap.Error(result.Error),
		)
		return extErrors.Wrap(result.Error, "Cannot ensure usage entries")
	}
	return nil
}

// ConsumeOption specifies which counter to increment, by how much, and the
// quota limit the new total must not exceed
type ConsumeOption struct {
	UserID  string
	Service spec.Service
	Delta   int64
	Limit   int64
}

// Consume atomically increments the counter iff the new total stays within
// Limit (or Limit is -1). It returns the new count when allowed. When not
// allowed, the counter is untouched; callers distinguish "over quota" from
// "no such counter" with a follow-up Get.
func (m *Manager) Consume(ctx context.Context, opt ConsumeOption) (int64, bool, error) {
	if opt.Delta <= 0 {
		return 0, false, fmt.Errorf("non-positive delta is invalid")
	}
	var newCount int64
	result := m.db.WithContext(ctx).
		Raw(consumeStmt, opt.Delta, opt.UserID, opt.Service, opt.Limit, opt.Delta, opt.Limit).
		Scan(&newCount)
	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return 0, false, extErrors.Wrap(result.Error, "Cannot consume quota")
	}
	if result.RowsAffected == 0 {
		return 0, false, nil
	}
	return newCount, true, nil
}

// ResetForPlan zeroes the counters for every service in a new plan and stamps
// the reset time, creating missing counters along the way. This is the only
// reset path: cycles are anchored to plan changes, there is no calendar-based
// monthly rollover.
func (m *Manager) ResetForPlan(ctx context.Context, userID string, services []spec.Service) error {
	if len(services) == 0 {
		return nil
	}
	now := time.Now()
	entries := make([]Entry, 0, len(services))
	for _, s := range services {
		entries = append(entries, Entry{
			UserID:    userID,
			Service:   s,
			Count:     0,
			LastReset: now,
		})
	}
	result := m.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}, {Name: "service"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"count":      0,
				"last_reset": now,
			}),
		}).
		Create(&entries)
	if result.Error != nil {
		m.logger.Error("Unable to reset usage entries in database",
			zap.Error(result.Error),
		)
		return extErrors.Wrap(result.Error, "Cannot reset usage entries")
	}
	return nil
}
