package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pdfmill/pdfmill/plan"
	"github.com/pdfmill/pdfmill/spec"
	"github.com/pdfmill/pdfmill/usage"
	"github.com/pdfmill/pdfmill/user"

	"github.com/lithammer/shortuuid/v3"
	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ManagerOptions contains the dependencies for Manager
type ManagerOptions struct {
	DB           *gorm.DB
	Logger       *zap.Logger
	UserManager  *user.Manager
	UsageManager *usage.Manager
}

// Manager drives the subscription lifecycle: it owns the historical records
// and performs the plan/date/usage transitions on the live user state
type Manager struct {
	ManagerOptions
}

// NewManager returns a new Manager for subscriptions
func NewManager(option ManagerOptions) (*Manager, error) {
	if option.DB == nil {
		return nil, fmt.Errorf("nil DB is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if option.UserManager == nil {
		return nil, fmt.Errorf("nil UserManager is invalid")
	}
	if option.UsageManager == nil {
		return nil, fmt.Errorf("nil UsageManager is invalid")
	}
	if err := option.DB.AutoMigrate(&Subscription{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initialize subscription.Manager")
	}
	return &Manager{
		ManagerOptions: option,
	}, nil
}

// applyToUser moves a user's live subscription fields onto a plan. Free
// subscriptions carry no end date; paid cycles are anchored at now, not at
// calendar boundaries.
func (m *Manager) applyToUser(ctx context.Context, userID string, p *plan.Plan, billingType spec.BillingType, now time.Time) (*user.User, error) {
	return m.UserManager.LambdaUpdate(ctx, userID, func(current *user.User, desired *user.User) bool {
		if current == nil {
			return false
		}
		desired.CurrentPlanID = p.ID
		desired.SubscriptionType = billingType
		start := now
		desired.SubscriptionStart = &start
		if billingType.Paid() {
			end := billingType.PeriodEnd(now)
			desired.SubscriptionEnd = &end
		} else {
			desired.SubscriptionEnd = nil
		}
		return true
	})
}

func planServices(p *plan.Plan) []spec.Service {
	services := make([]spec.Service, 0, len(p.ServiceQuotas))
	for _, q := range p.ServiceQuotas {
		services = append(services, q.Service)
	}
	return services
}

// SubscribeToPlan is the direct subscribe path: it moves the user onto the
// plan, zeroes the counters for the plan's services, and records an unpaid
// history row. The HTTP layer restricts this path to free tiers (or admins);
// paid tiers arrive only through checkout reconciliation.
func (m *Manager) SubscribeToPlan(ctx context.Context, userID string, p *plan.Plan, billingType spec.BillingType) (*user.User, error) {
	now := time.Now()

	updated, err := m.applyToUser(ctx, userID, p, billingType, now)
	if err != nil {
		return nil, extErrors.Wrap(err, "Cannot update user subscription state")
	}
	if updated == nil {
		return nil, nil
	}

	sub := &Subscription{
		ID:          shortuuid.New(),
		UserID:      userID,
		PlanID:      p.ID,
		Status:      StatusActive,
		BillingType: billingType,
		AmountPaid:  0,
		Currency:    p.Currency,
		StartDate:   now,
		EndDate:     updated.SubscriptionEnd,
	}
	if result := m.DB.WithContext(ctx).Create(sub); result.Error != nil {
		m.Logger.Error("Unable to create subscription record in database",
			zap.String("UserID", userID),
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot create subscription record")
	}

	if err := m.UsageManager.ResetForPlan(ctx, userID, planServices(p)); err != nil {
		return nil, err
	}

	return updated, nil
}

// ApplyCheckoutOption carries the billing facts extracted from a completed
// checkout event
type ApplyCheckoutOption struct {
	UserID            string
	Plan              *plan.Plan
	BillingType       spec.BillingType
	CheckoutSessionID string
	AmountPaid        float64
	Currency          string
	PaymentStatus     string
}

// ApplyCheckout reconciles a completed checkout onto the user. The insert is
// keyed by the checkout session id, so a webhook replay creates no second
// history row; the live user fields are re-applied on every delivery and end
// up reflecting the latest one.
func (m *Manager) ApplyCheckout(ctx context.Context, opt ApplyCheckoutOption) (*Subscription, bool, error) {
	if opt.Plan == nil {
		return nil, false, fmt.Errorf("nil Plan is invalid")
	}
	if len(opt.CheckoutSessionID) == 0 {
		return nil, false, fmt.Errorf("empty CheckoutSessionID is invalid")
	}

	now := time.Now()
	end := opt.BillingType.PeriodEnd(now)
	sessionID := opt.CheckoutSessionID

	sub := &Subscription{
		ID:                shortuuid.New(),
		UserID:            opt.UserID,
		PlanID:            opt.Plan.ID,
		Status:            StatusActive,
		BillingType:       opt.BillingType,
		AmountPaid:        opt.AmountPaid,
		Currency:          opt.Currency,
		PaymentStatus:     opt.PaymentStatus,
		CheckoutSessionID: &sessionID,
		StartDate:         now,
	}
	if opt.BillingType.Paid() {
		sub.EndDate = &end
	}

	result := m.DB.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "checkout_session_id"}},
			DoNothing: true,
		}).
		Create(sub)
	if result.Error != nil {
		m.Logger.Error("Unable to create subscription record in database",
			zap.String("UserID", opt.UserID),
			zap.Error(result.Error),
		)
		return nil, false, extErrors.Wrap(result.Error, "Cannot create subscription record")
	}
	created := result.RowsAffected > 0

	if !created {
		var existing Subscription
		lookup := m.DB.WithContext(ctx).First(&existing, "checkout_session_id = ?", sessionID)
		if lookup.Error != nil {
			return nil, false, extErrors.Wrap(lookup.Error, "Cannot look up existing subscription record")
		}
		sub = &existing
	}

	updated, err := m.applyToUser(ctx, opt.UserID, opt.Plan, opt.BillingType, now)
	if err != nil {
		return nil, created, extErrors.Wrap(err, "Cannot update user subscription state")
	}
	if updated == nil {
		return nil, created, fmt.Errorf("no user with id %s", opt.UserID)
	}

	// counters reset only on the first delivery; a replay must not hand the
	// user a fresh quota
	if created {
		if err := m.UsageManager.ResetForPlan(ctx, opt.UserID, planServices(opt.Plan)); err != nil {
			return nil, created, err
		}
	}

	return sub, created, nil
}

// Cancel marks the user's latest subscription record cancelled. The live plan
// fields stay put: the user keeps the plan's features until the cycle runs
// out and the lazy expiry check starts denying.
func (m *Manager) Cancel(ctx context.Context, userID string) (*Subscription, error) {
	var latest Subscription
	result := m.DB.WithContext(ctx).
		Order("created_at desc").
		First(&latest, "user_id = ?", userID)

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot look up subscription")
	}

	if latest.Status != StatusCancelled {
		update := m.DB.WithContext(ctx).
			Model(&Subscription{}).
			Where("id = ?", latest.ID).
			Update("status", StatusCancelled)
		if update.Error != nil {
			return nil, extErrors.Wrap(update.Error, "Cannot mark subscription as cancelled")
		}
		latest.Status = StatusCancelled
	}

	return &latest, nil
}

// ListOption is the filter for listing a user's subscription history
type ListOption struct {
	UserID string
	Before time.Time
	Limit  int
}

// List returns a user's subscription history, newest first
func (m *Manager) List(ctx context.Context, opt ListOption) ([]Subscription, error) {
	if len(opt.UserID) == 0 {
		return nil, fmt.Errorf("ListOption.UserID is required")
	}
	baseQuery := m.DB.WithContext(ctx).Order("created_at desc").Where("user_id = ?", opt.UserID)
	if opt.Limit > 0 {
		baseQuery = baseQuery.Limit(opt.Limit)
	}
	if !opt.Before.IsZero() {
		baseQuery = baseQuery.Where("created_at < ?", opt.Before)
	}

	results := make([]Subscription, 0, 1)
	result := baseQuery.Find(&results)
	if result.Error != nil {
		m.Logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, result.Error
	}
	return results, nil
}
