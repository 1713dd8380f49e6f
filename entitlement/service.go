package entitlement

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/pdfmill/pdfmill/auth"
	"github.com/pdfmill/pdfmill/plan"
	resp "github.com/pdfmill/pdfmill/response"
	"github.com/pdfmill/pdfmill/spec"
	"github.com/pdfmill/pdfmill/usage"
	"github.com/pdfmill/pdfmill/user"

	"github.com/go-chi/chi"
	"go.uber.org/zap"
)

// UserStore is the slice of user.Manager the resolver needs
type UserStore interface {
	GetByID(ctx context.Context, id string) (*user.User, error)
}

// PlanStore is the slice of plan.Manager the resolver needs
type PlanStore interface {
	GetByID(ctx context.Context, id string) (*plan.Plan, error)
	GetDefault(ctx context.Context) (*plan.Plan, error)
}

// UsageStore is the slice of usage.Manager the resolver needs
type UsageStore interface {
	Get(ctx context.Context, userID string, service spec.Service) (*usage.Entry, error)
	List(ctx context.Context, userID string) ([]usage.Entry, error)
	EnsureEntries(ctx context.Context, userID string, services []spec.Service) error
	Consume(ctx context.Context, opt usage.ConsumeOption) (int64, bool, error)
}

// ServiceOptions contains the configuration for Service router
type ServiceOptions struct {
	Auth   *auth.Auth
	Users  UserStore
	Plans  PlanStore
	Usages UsageStore
	Logger *zap.Logger
}

// Service is the entitlement API router
type Service struct {
	ServiceOptions
}

// NewService will create an instance of the entitlement API router
func NewService(option ServiceOptions) (*Service, error) {
	if option.Auth == nil {
		return nil, fmt.Errorf("nil Auth is invalid")
	}
	if option.Users == nil {
		return nil, fmt.Errorf("nil UserStore is invalid")
	}
	if option.Plans == nil {
		return nil, fmt.Errorf("nil PlanStore is invalid")
	}
	if option.Usages == nil {
		return nil, fmt.Errorf("nil UsageStore is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Service{
		ServiceOptions: option,
	}, nil
}

// effectivePlan resolves the plan a user meters against: their current plan,
// falling back to the default tier for accounts that predate the catalog
func (s *Service) effectivePlan(ctx context.Context, u *user.User) (*plan.Plan, error) {
	if u.CurrentPlanID != "" {
		p, err := s.Plans.GetByID(ctx, u.CurrentPlanID)
		if err != nil {
			return nil, err
		}
		if p != nil {
			return p, nil
		}
	}
	return s.Plans.GetDefault(ctx)
}

// CheckRequest asks how much of a service's quota is left
type CheckRequest struct {
	Service string `json:"service"`
}

func (s *Service) checkEntitlement(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := ctx.Value(auth.Context).(*auth.Claims)

	var req CheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		resp.WriteError(w, r, resp.ErrInvalidJson())
		return
	}
	if !spec.ValidService(req.Service) {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("Unknown service: "+req.Service))
		return
	}
	service := spec.Service(req.Service)

	logger := s.Logger.With(
		zap.String("UserID", claims.ID),
		zap.String("Service", req.Service),
	)

	u, p, entry, err := s.gather(ctx, claims.ID, service)
	if err != nil {
		logger.Error("Unable to resolve entitlement state",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Cannot check entitlement"))
		return
	}
	if u == nil {
		resp.WriteError(w, r, resp.ErrNotFound().AddMessages("Cannot find user"))
		return
	}

	decision := Authorize(u, p, entry, service, 0, time.Now())
	switch decision.Reason {
	case ReasonSubscriptionExpired:
		resp.WriteError(w, r, denyError(ReasonSubscriptionExpired))
		return
	case ReasonServiceNotInPlan:
		resp.WriteError(w, r, resp.ErrNotFound().AddMessages(string(ReasonServiceNotInPlan)))
		return
	case ReasonServiceUsageNotFound:
		resp.WriteError(w, r, resp.ErrNotFound().AddMessages(string(ReasonServiceUsageNotFound)))
		return
	}

	resp.WriteResponse(w, r, struct {
		Used      int64 `json:"used"`
		Quota     int64 `json:"quota"`
		Remaining int64 `json:"remaining"`
	}{
		Used:      decision.Used,
		Quota:     decision.Quota,
		Remaining: decision.Remaining,
	})
}

// ConsumeRequest meters an invocation of a service. Count defaults to 1.
type ConsumeRequest struct {
	Service string `json:"service"`
	Count   int64  `json:"count"`
}

func (s *Service) consumeEntitlement(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := ctx.Value(auth.Context).(*auth.Claims)

	var req ConsumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		resp.WriteError(w, r, resp.ErrInvalidJson())
		return
	}
	if !spec.ValidService(req.Service) {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("Unknown service: "+req.Service))
		return
	}
	if req.Count == 0 {
		req.Count = 1
	}
	if req.Count < 0 {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("Negative count is invalid"))
		return
	}
	service := spec.Service(req.Service)

	logger := s.Logger.With(
		zap.String("UserID", claims.ID),
		zap.String("Service", req.Service),
	)

	u, p, entry, err := s.gather(ctx, claims.ID, service)
	if err != nil {
		logger.Error("Unable to resolve entitlement state",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Cannot consume entitlement"))
		return
	}
	if u == nil {
		resp.WriteError(w, r, resp.ErrNotFound().AddMessages("Cannot find user"))
		return
	}

	now := time.Now()
	decision := Authorize(u, p, entry, service, req.Count, now)

	if !decision.Allowed && decision.Reason == ReasonServiceUsageNotFound {
		// self-heal a missing counter row once, then re-evaluate
		if err := s.Usages.EnsureEntries(ctx, u.ID, []spec.Service{service}); err != nil {
			logger.Error("Unable to create missing usage entry",
				zap.Error(err),
			)
			resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Cannot consume entitlement"))
			return
		}
		entry, err = s.Usages.Get(ctx, u.ID, service)
		if err != nil {
			resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Cannot consume entitlement"))
			return
		}
		decision = Authorize(u, p, entry, service, req.Count, now)
	}

	if !decision.Allowed {
		resp.WriteError(w, r, denyError(decision.Reason))
		return
	}

	// unlimited tiers allow without consulting the counter, so the row may
	// not exist yet; the guarded UPDATE below matches zero rows without it
	if entry == nil {
		if err := s.Usages.EnsureEntries(ctx, u.ID, []spec.Service{service}); err != nil {
			logger.Error("Unable to create missing usage entry",
				zap.Error(err),
			)
			resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Cannot consume entitlement"))
			return
		}
	}

	// The decision above is advisory: the UPDATE's own quota guard is what
	// prevents two racing requests from both getting through. The operation
	// must not run when this fails, otherwise metering drifts.
	newCount, allowed, err := s.Usages.Consume(ctx, usage.ConsumeOption{
		UserID:  u.ID,
		Service: service,
		Delta:   req.Count,
		Limit:   decision.Quota,
	})
	if err != nil {
		logger.Error("Unable to increment usage counter",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Cannot consume entitlement"))
		return
	}
	if !allowed {
		// lost the race to a concurrent consume
		resp.WriteError(w, r, denyError(ReasonQuotaExceeded))
		return
	}

	resp.WriteResponse(w, r, struct {
		Count int64 `json:"count"`
	}{
		Count: newCount,
	})
}

func (s *Service) listUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := ctx.Value(auth.Context).(*auth.Claims)

	logger := s.Logger.With(zap.String("UserID", claims.ID))

	u, err := s.Users.GetByID(ctx, claims.ID)
	if err != nil {
		logger.Error("Unable to query user",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Cannot get usage"))
		return
	}
	if u == nil {
		resp.WriteError(w, r, resp.ErrNotFound().AddMessages("Cannot find user"))
		return
	}

	p, err := s.effectivePlan(ctx, u)
	if err != nil {
		logger.Error("Unable to resolve plan",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Cannot get usage"))
		return
	}

	entries, err := s.Usages.List(ctx, u.ID)
	if err != nil {
		logger.Error("Unable to list usage entries",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Cannot get usage"))
		return
	}

	type usageLine struct {
		Service   spec.Service `json:"service"`
		Used      int64        `json:"used"`
		Quota     int64        `json:"quota"`
		Remaining int64        `json:"remaining"`
		LastReset time.Time    `json:"lastReset"`
	}
	lines := make([]usageLine, 0, len(entries))
	for _, e := range entries {
		line := usageLine{
			Service:   e.Service,
			Used:      e.Count,
			LastReset: e.LastReset,
		}
		if q := p.QuotaFor(e.Service); q != nil {
			line.Quota = q.Limit(u.SubscriptionType)
			if line.Quota == plan.Unlimited {
				line.Remaining = plan.Unlimited
			} else if line.Remaining = line.Quota - e.Count; line.Remaining < 0 {
				line.Remaining = 0
			}
		}
		lines = append(lines, line)
	}

	resp.WriteResponse(w, r, lines)
}

func (s *Service) gather(ctx context.Context, userID string, service spec.Service) (*user.User, *plan.Plan, *usage.Entry, error) {
	u, err := s.Users.GetByID(ctx, userID)
	if err != nil {
		return nil, nil, nil, err
	}
	if u == nil {
		return nil, nil, nil, nil
	}
	p, err := s.effectivePlan(ctx, u)
	if err != nil {
		return nil, nil, nil, err
	}
	entry, err := s.Usages.Get(ctx, userID, service)
	if err != nil {
		return nil, nil, nil, err
	}
	return u, p, entry, nil
}

func denyError(reason Reason) *resp.Error {
	return resp.ErrForbidden().AddMessages(string(reason))
}

// Router will return the routes under the entitlement API
func (s *Service) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(s.Auth.Middleware())
	r.Post("/check", s.checkEntitlement)
	r.Post("/consume", s.consumeEntitlement)
	r.Get("/usage", s.listUsage)

	return r
}
