package plan

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/pdfmill/pdfmill/auth"
	resp "github.com/pdfmill/pdfmill/response"
	"github.com/pdfmill/pdfmill/spec"

	"github.com/go-chi/chi"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

var validate *validator.Validate = validator.New()

// ServiceOptions contains the configuration for Service router
type ServiceOptions struct {
	Auth        *auth.Auth
	PlanManager *Manager
	Logger      *zap.Logger
}

// Service is the plan catalog API router
type Service struct {
	ServiceOptions
}

// NewService will create an instance of the plan catalog API router
func NewService(option ServiceOptions) (*Service, error) {
	if option.Auth == nil {
		return nil, fmt.Errorf("nil Auth is invalid")
	}
	if option.PlanManager == nil {
		return nil, fmt.Errorf("nil PlanManager is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Service{
		ServiceOptions: option,
	}, nil
}

func (s *Service) listPlans(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	// inactive tiers are only visible on the admin listing
	includeInactive := r.Context().Value(auth.Context) != nil

	plans, err := s.PlanManager.List(ctx, includeInactive)
	if err != nil {
		s.Logger.Error("Unable to list plans",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Cannot get the plan catalog"))
		return
	}

	resp.WriteResponse(w, r, plans)
}

// QuotaRequest is a single quota entry in an admin plan mutation
type QuotaRequest struct {
	Service      string `json:"service" validate:"required"`
	MonthlyQuota int64  `json:"monthlyQuota" validate:"min=-1"`
	AnnualQuota  int64  `json:"annualQuota" validate:"min=-1"`
}

// CreateRequest is the admin request to define a new plan
type CreateRequest struct {
	Name          string         `json:"name" validate:"required"`
	Description   string         `json:"description"`
	MonthlyFee    float64        `json:"monthlyFee" validate:"min=0"`
	AnnualFee     float64        `json:"annualFee" validate:"min=0"`
	Currency      string         `json:"currency" validate:"required,len=3"`
	MaxFileSizeMB int64          `json:"maxFileSizeMb" validate:"min=1"`
	Services      []QuotaRequest `json:"services" validate:"required,dive"`
}

func quotasFromRequest(reqs []QuotaRequest) ([]ServiceQuota, *resp.Error) {
	quotas := make([]ServiceQuota, 0, len(reqs))
	for _, q := range reqs {
		if !spec.ValidService(q.Service) {
			return nil, resp.ErrBadRequest().AddMessages("Unknown service: " + q.Service)
		}
		quotas = append(quotas, ServiceQuota{
			Service:      spec.Service(q.Service),
			MonthlyQuota: q.MonthlyQuota,
			AnnualQuota:  q.AnnualQuota,
		})
	}
	return quotas, nil
}

func (s *Service) createPlan(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		resp.WriteError(w, r, resp.ErrInvalidJson())
		return
	}
	if err := validate.Struct(&req); err != nil {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages(err.Error()))
		return
	}
	if !spec.ValidTier(req.Name) {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("Unknown plan tier: "+req.Name))
		return
	}

	quotas, qErr := quotasFromRequest(req.Services)
	if qErr != nil {
		resp.WriteError(w, r, qErr)
		return
	}

	p := &Plan{
		ID:            newPlanID(),
		Name:          spec.Tier(req.Name),
		Description:   req.Description,
		MonthlyFee:    req.MonthlyFee,
		AnnualFee:     req.AnnualFee,
		Currency:      req.Currency,
		MaxFileSizeMB: req.MaxFileSizeMB,
		ServiceQuotas: quotas,
		IsActive:      true,
	}
	if err := p.Validate(); err != nil {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages(err.Error()))
		return
	}

	if err := s.PlanManager.Create(ctx, p); err != nil {
		s.Logger.Error("Unable to create plan",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Cannot create plan"))
		return
	}

	resp.WriteResponse(w, r, p)
}

// UpdateRequest is the admin request to patch an existing plan
type UpdateRequest struct {
	Description   *string        `json:"description"`
	MonthlyFee    *float64       `json:"monthlyFee"`
	AnnualFee     *float64       `json:"annualFee"`
	MaxFileSizeMB *int64         `json:"maxFileSizeMb"`
	Services      []QuotaRequest `json:"services" validate:"omitempty,dive"`
}

func (s *Service) updatePlan(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	planID := chi.URLParam(r, "id")

	var req UpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		resp.WriteError(w, r, resp.ErrInvalidJson())
		return
	}
	if err := validate.Struct(&req); err != nil {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages(err.Error()))
		return
	}

	opt := UpdateOption{
		Description:   req.Description,
		MonthlyFee:    req.MonthlyFee,
		AnnualFee:     req.AnnualFee,
		MaxFileSizeMB: req.MaxFileSizeMB,
	}
	if req.Services != nil {
		quotas, qErr := quotasFromRequest(req.Services)
		if qErr != nil {
			resp.WriteError(w, r, qErr)
			return
		}
		opt.ServiceQuotas = quotas
	}

	updated, err := s.PlanManager.Update(ctx, planID, opt)
	if err != nil {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages(err.Error()))
		return
	}
	if updated == nil {
		resp.WriteError(w, r, resp.ErrNotFound().AddMessages("Cannot find plan with specified ID"))
		return
	}

	resp.WriteResponse(w, r, updated)
}

func (s *Service) deactivatePlan(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	planID := chi.URLParam(r, "id")

	if err := s.PlanManager.Deactivate(ctx, planID); err != nil {
		resp.WriteError(w, r, resp.ErrNotFound().AddMessages("Cannot find plan with specified ID"))
		return
	}

	resp.WriteResponse(w, r, map[string]bool{"deactivated": true})
}

// Router will return the routes under the plan catalog API
func (s *Service) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/", s.listPlans)

	r.Group(func(r chi.Router) {
		r.Use(s.Auth.Middleware())
		r.Use(s.Auth.AdminOnly())
		r.Get("/all", s.listPlans)
		r.Post("/", s.createPlan)
		r.Patch("/{id}", s.updatePlan)
		r.Delete("/{id}", s.deactivatePlan)
	})

	return r
}
