package subscription

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/pdfmill/pdfmill/auth"
	"github.com/pdfmill/pdfmill/plan"
	resp "github.com/pdfmill/pdfmill/response"
	"github.com/pdfmill/pdfmill/spec"

	"github.com/go-chi/chi"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

var validate *validator.Validate = validator.New()

// ServiceOptions contains the configuration for Service router
type ServiceOptions struct {
	Auth                *auth.Auth
	PlanManager         *plan.Manager
	SubscriptionManager *Manager
	Logger              *zap.Logger
}

// Service is the subscription API router
type Service struct {
	ServiceOptions
}

// NewService will create an instance of the subscription API router
func NewService(option ServiceOptions) (*Service, error) {
	if option.Auth == nil {
		return nil, fmt.Errorf("nil Auth is invalid")
	}
	if option.PlanManager == nil {
		return nil, fmt.Errorf("nil PlanManager is invalid")
	}
	if option.SubscriptionManager == nil {
		return nil, fmt.Errorf("nil SubscriptionManager is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Service{
		ServiceOptions: option,
	}, nil
}

// SubscribeRequest is the model of a direct subscribe call
type SubscribeRequest struct {
	PlanID      string `json:"planId" validate:"required"`
	BillingType string `json:"billingType" validate:"required"`
}

func (s *Service) subscribe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := ctx.Value(auth.Context).(*auth.Claims)

	var req SubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		resp.WriteError(w, r, resp.ErrInvalidJson())
		return
	}
	if err := validate.Struct(&req); err != nil {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages(err.Error()))
		return
	}
	if !spec.ValidBillingType(req.BillingType) {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("Unknown billing type: "+req.BillingType))
		return
	}

	logger := s.Logger.With(
		zap.String("UserID", claims.ID),
		zap.String("PlanID", req.PlanID),
	)

	p, err := s.PlanManager.GetByID(ctx, req.PlanID)
	if err != nil {
		logger.Error("Unable to query plan",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Cannot subscribe to plan"))
		return
	}
	if p == nil || !p.IsActive {
		resp.WriteError(w, r, resp.ErrNotFound().AddMessages("Cannot find plan with specified ID"))
		return
	}

	// paid tiers only become live through checkout reconciliation: an
	// unpaid subscribe call can only land on a free plan
	if !p.Free() && !claims.Admin {
		resp.WriteError(w, r, resp.ErrForbidden().AddMessages("Paid plans require checkout"))
		return
	}

	updated, err := s.SubscriptionManager.SubscribeToPlan(ctx, claims.ID, p, spec.BillingType(req.BillingType))
	if err != nil {
		logger.Error("Unable to subscribe user to plan",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Cannot subscribe to plan"))
		return
	}
	if updated == nil {
		resp.WriteError(w, r, resp.ErrNotFound().AddMessages("Cannot find user"))
		return
	}

	resp.WriteResponse(w, r, updated)
}

func (s *Service) cancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := ctx.Value(auth.Context).(*auth.Claims)

	logger := s.Logger.With(zap.String("UserID", claims.ID))

	sub, err := s.SubscriptionManager.Cancel(ctx, claims.ID)
	if err != nil {
		logger.Error("Unable to cancel subscription",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Cannot cancel subscription"))
		return
	}
	if sub == nil {
		resp.WriteError(w, r, resp.ErrNotFound().AddMessages("No subscription to cancel"))
		return
	}

	resp.WriteResponse(w, r, sub)
}

func (s *Service) listHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := ctx.Value(auth.Context).(*auth.Claims)
	before := r.URL.Query().Get("before")

	var parsedTime time.Time
	if before != "" {
		var err error
		parsedTime, err = time.Parse(time.RFC3339Nano, before)
		if err != nil {
			resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("Invalid before param"))
			return
		}
	}

	results, err := s.SubscriptionManager.List(ctx, ListOption{
		UserID: claims.ID,
		Before: parsedTime,
		Limit:  10,
	})
	if err != nil {
		s.Logger.Error("Unable to list subscriptions",
			zap.String("UserID", claims.ID),
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Cannot get subscription history"))
		return
	}

	resp.WriteResponse(w, r, results)
}

// AssignRequest is the model of an admin plan override
type AssignRequest struct {
	UserID      string `json:"userId" validate:"required"`
	PlanID      string `json:"planId" validate:"required"`
	BillingType string `json:"billingType" validate:"required"`
}

func (s *Service) assign(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req AssignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		resp.WriteError(w, r, resp.ErrInvalidJson())
		return
	}
	if err := validate.Struct(&req); err != nil {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages(err.Error()))
		return
	}
	if !spec.ValidBillingType(req.BillingType) {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("Unknown billing type: "+req.BillingType))
		return
	}

	logger := s.Logger.With(
		zap.String("UserID", req.UserID),
		zap.String("PlanID", req.PlanID),
	)

	p, err := s.PlanManager.GetByID(ctx, req.PlanID)
	if err != nil {
		logger.Error("Unable to query plan",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Cannot assign plan"))
		return
	}
	if p == nil {
		resp.WriteError(w, r, resp.ErrNotFound().AddMessages("Cannot find plan with specified ID"))
		return
	}

	updated, err := s.SubscriptionManager.SubscribeToPlan(ctx, req.UserID, p, spec.BillingType(req.BillingType))
	if err != nil {
		logger.Error("Unable to assign plan to user",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Cannot assign plan"))
		return
	}
	if updated == nil {
		resp.WriteError(w, r, resp.ErrNotFound().AddMessages("Cannot find user"))
		return
	}

	resp.WriteResponse(w, r, updated)
}

// Router will return the routes under the subscription API
func (s *Service) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(s.Auth.Middleware())
	r.Get("/", s.listHistory)
	r.Post("/subscribe", s.subscribe)
	r.Post("/cancel", s.cancel)

	r.Group(func(r chi.Router) {
		r.Use(s.Auth.AdminOnly())
		r.Post("/assign", s.assign)
	})

	return r
}
