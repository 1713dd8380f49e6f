package user

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/pdfmill/pdfmill/auth"
	"github.com/pdfmill/pdfmill/plan"
	resp "github.com/pdfmill/pdfmill/response"
	"github.com/pdfmill/pdfmill/spec"
	"github.com/pdfmill/pdfmill/usage"

	"github.com/go-chi/chi"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

var validate *validator.Validate = validator.New()

// ServiceOptions contains the configuration for Service router
type ServiceOptions struct {
	Auth         *auth.Auth
	UserManager  *Manager
	PlanManager  *plan.Manager
	UsageManager *usage.Manager
	Logger       *zap.Logger
}

// Service is the user API router
type Service struct {
	ServiceOptions
}

// LoginRequest is the model of user request for a login token
type LoginRequest struct {
	Email string `json:"email" validate:"required,email"`
}

// NewService will create an instance of the user API router
func NewService(option ServiceOptions) (*Service, error) {
	if option.Auth == nil {
		return nil, fmt.Errorf("nil Auth is invalid")
	}
	if option.UserManager == nil {
		return nil, fmt.Errorf("nil UserManager is invalid")
	}
	if option.PlanManager == nil {
		return nil, fmt.Errorf("nil PlanManager is invalid")
	}
	if option.UsageManager == nil {
		return nil, fmt.Errorf("nil UsageManager is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Service{
		ServiceOptions: option,
	}, nil
}

func (s *Service) requestLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		resp.WriteError(w, r, resp.ErrInvalidJson())
		return
	}
	logger := s.Logger.With(zap.String("Email", req.Email))

	if err := validate.Struct(&req); err != nil {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages(err.Error()))
		return
	}

	if err := s.Auth.Request(r.Context(), req.Email, req.Email); err != nil {
		logger.Error("Unable to send login token",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Unable to send login email"))
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	email := chi.URLParam(r, "uid")
	token := chi.URLParam(r, "token")

	logger := s.Logger.With(zap.String("Email", email))

	valid, err := s.Auth.Verify(ctx, email, token)
	if err != nil {
		logger.Error("Unable to verify login token",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrVerifyToken())
		return
	}

	if !valid {
		resp.WriteError(w, r, resp.ErrUnauthorized())
		return
	}

	// "upsert" a user: first login doubles as registration and puts the
	// account on the default tier with zeroed counters
	u, err := s.UserManager.GetByEmail(ctx, email)
	if err != nil {
		logger.Error("Unable to look up user",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Unable to log in"))
		return
	}

	if u == nil {
		starter, err := s.PlanManager.GetDefault(ctx)
		if err != nil {
			logger.Error("Unable to resolve default plan",
				zap.Error(err),
			)
			resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Unable to register"))
			return
		}
		u, err = s.UserManager.NewUser(ctx, email, starter.ID)
		if err != nil {
			logger.Error("Unable to create user",
				zap.Error(err),
			)
			resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Unable to register"))
			return
		}
		if err := s.UsageManager.EnsureEntries(ctx, u.ID, planServices(starter)); err != nil {
			logger.Error("Unable to create usage entries for new user",
				zap.Error(err),
			)
			resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Unable to register"))
			return
		}
	}

	jwtToken, err := s.Auth.CreateTokenFromClaims(auth.Claims{
		ID:    u.ID,
		Email: u.Email,
		Admin: u.Admin,
	})
	if err != nil {
		logger.Error("Unable to generate token",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected())
		return
	}

	resp.WriteResponse(w, r, struct {
		Token string `json:"token"`
	}{
		Token: jwtToken,
	})
}

func (s *Service) getProfile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := ctx.Value(auth.Context).(*auth.Claims)

	u, err := s.UserManager.GetByID(ctx, claims.ID)
	if err != nil {
		s.Logger.Error("Unable to query user",
			zap.String("UserID", claims.ID),
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Cannot get profile"))
		return
	}
	if u == nil {
		resp.WriteError(w, r, resp.ErrNotFound().AddMessages("Cannot find user"))
		return
	}

	resp.WriteResponse(w, r, u)
}

func planServices(p *plan.Plan) []spec.Service {
	services := make([]spec.Service, 0, len(p.ServiceQuotas))
	for _, q := range p.ServiceQuotas {
		services = append(services, q.Service)
	}
	return services
}

// Router will return the routes under the user API
func (s *Service) Router() http.Handler {
	r := chi.NewRouter()

	r.Post("/", s.requestLogin)
	r.Get("/{uid}/{token}", s.handleLogin)

	r.Group(func(r chi.Router) {
		r.Use(s.Auth.Middleware())
		r.Get("/me", s.getProfile)
	})

	return r
}
