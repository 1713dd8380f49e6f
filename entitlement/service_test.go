package entitlement

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pdfmill/pdfmill/auth"
	"github.com/pdfmill/pdfmill/plan"
	"github.com/pdfmill/pdfmill/spec"
	"github.com/pdfmill/pdfmill/usage"
	"github.com/pdfmill/pdfmill/user"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

type mockUserStore struct {
	getByIDFunc func(ctx context.Context, id string) (*user.User, error)
}

func (m *mockUserStore) GetByID(ctx context.Context, id string) (*user.User, error) {
	if m.getByIDFunc != nil {
		return m.getByIDFunc(ctx, id)
	}
	return nil, errors.New("not implemented")
}

type mockPlanStore struct {
	getByIDFunc    func(ctx context.Context, id string) (*plan.Plan, error)
	getDefaultFunc func(ctx context.Context) (*plan.Plan, error)
}

func (m *mockPlanStore) GetByID(ctx context.Context, id string) (*plan.Plan, error) {
	if m.getByIDFunc != nil {
		return m.getByIDFunc(ctx, id)
	}
	return nil, errors.New("not implemented")
}

func (m *mockPlanStore) GetDefault(ctx context.Context) (*plan.Plan, error) {
	if m.getDefaultFunc != nil {
		return m.getDefaultFunc(ctx)
	}
	return nil, errors.New("not implemented")
}

type mockUsageStore struct {
	getFunc           func(ctx context.Context, userID string, service spec.Service) (*usage.Entry, error)
	listFunc          func(ctx context.Context, userID string) ([]usage.Entry, error)
	ensureEntriesFunc func(ctx context.Context, userID string, services []spec.Service) error
	consumeFunc       func(ctx context.Context, opt usage.ConsumeOption) (int64, bool, error)
}

func (m *mockUsageStore) Get(ctx context.Context, userID string, service spec.Service) (*usage.Entry, error) {
	if m.getFunc != nil {
		return m.getFunc(ctx, userID, service)
	}
	return nil, errors.New("not implemented")
}

func (m *mockUsageStore) List(ctx context.Context, userID string) ([]usage.Entry, error) {
	if m.listFunc != nil {
		return m.listFunc(ctx, userID)
	}
	return nil, errors.New("not implemented")
}

func (m *mockUsageStore) EnsureEntries(ctx context.Context, userID string, services []spec.Service) error {
	if m.ensureEntriesFunc != nil {
		return m.ensureEntriesFunc(ctx, userID, services)
	}
	return errors.New("not implemented")
}

func (m *mockUsageStore) Consume(ctx context.Context, opt usage.ConsumeOption) (int64, bool, error) {
	if m.consumeFunc != nil {
		return m.consumeFunc(ctx, opt)
	}
	return 0, false, errors.New("not implemented")
}

func newTestService(users *mockUserStore, plans *mockPlanStore, usages *mockUsageStore) *Service {
	return &Service{
		ServiceOptions: ServiceOptions{
			Users:  users,
			Plans:  plans,
			Usages: usages,
			Logger: zap.NewNop(),
		},
	}
}

func authedRequest(t *testing.T, method, target string, body interface{}) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		assert.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	claims := &auth.Claims{
		ID:    "user-1",
		Email: "metered@example.com",
	}
	return req.WithContext(context.WithValue(req.Context(), auth.Context, claims))
}

type envelope struct {
	Result   json.RawMessage `json:"result"`
	Messages []string        `json:"messages"`
}

func TestCheckEntitlementReportsRemaining(t *testing.T) {
	users := &mockUserStore{
		getByIDFunc: func(ctx context.Context, id string) (*user.User, error) {
			return testUser(spec.BillingFree), nil
		},
	}
	plans := &mockPlanStore{
		getByIDFunc: func(ctx context.Context, id string) (*plan.Plan, error) {
			return testPlan(), nil
		},
	}
	usages := &mockUsageStore{
		getFunc: func(ctx context.Context, userID string, service spec.Service) (*usage.Entry, error) {
			return testEntry(service, 2), nil
		},
	}

	s := newTestService(users, plans, usages)
	w := httptest.NewRecorder()
	s.checkEntitlement(w, authedRequest(t, "POST", "/check", CheckRequest{Service: "merge-pdf"}))

	assert.Equal(t, http.StatusOK, w.Code)

	var env envelope
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	var result struct {
		Used      int64 `json:"used"`
		Quota     int64 `json:"quota"`
		Remaining int64 `json:"remaining"`
	}
	assert.NoError(t, json.Unmarshal(env.Result, &result))
	assert.Equal(t, int64(2), result.Used)
	assert.Equal(t, int64(3), result.Quota)
	assert.Equal(t, int64(1), result.Remaining)
}

func TestCheckEntitlementUnknownService(t *testing.T) {
	s := newTestService(&mockUserStore{}, &mockPlanStore{}, &mockUsageStore{})
	w := httptest.NewRecorder()
	s.checkEntitlement(w, authedRequest(t, "POST", "/check", CheckRequest{Service: "steal-pdf"}))

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCheckEntitlementExpiredSubscription(t *testing.T) {
	end := time.Now().Add(-time.Hour)
	users := &mockUserStore{
		getByIDFunc: func(ctx context.Context, id string) (*user.User, error) {
			u := testUser(spec.BillingMonthly)
			u.SubscriptionEnd = &end
			return u, nil
		},
	}
	plans := &mockPlanStore{
		getByIDFunc: func(ctx context.Context, id string) (*plan.Plan, error) {
			return testPlan(), nil
		},
	}
	usages := &mockUsageStore{
		getFunc: func(ctx context.Context, userID string, service spec.Service) (*usage.Entry, error) {
			return testEntry(service, 0), nil
		},
	}

	s := newTestService(users, plans, usages)
	w := httptest.NewRecorder()
	s.checkEntitlement(w, authedRequest(t, "POST", "/check", CheckRequest{Service: "merge-pdf"}))

	assert.Equal(t, http.StatusForbidden, w.Code)

	var env envelope
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	assert.Contains(t, env.Messages, string(ReasonSubscriptionExpired))
}

func TestConsumeEntitlementIncrements(t *testing.T) {
	var consumed usage.ConsumeOption
	users := &mockUserStore{
		getByIDFunc: func(ctx context.Context, id string) (*user.User, error) {
			return testUser(spec.BillingFree), nil
		},
	}
	plans := &mockPlanStore{
		getByIDFunc: func(ctx context.Context, id string) (*plan.Plan, error) {
			return testPlan(), nil
		},
	}
	usages := &mockUsageStore{
		getFunc: func(ctx context.Context, userID string, service spec.Service) (*usage.Entry, error) {
			return testEntry(service, 1), nil
		},
		consumeFunc: func(ctx context.Context, opt usage.ConsumeOption) (int64, bool, error) {
			consumed = opt
			return 2, true, nil
		},
	}

	s := newTestService(users, plans, usages)
	w := httptest.NewRecorder()
	s.consumeEntitlement(w, authedRequest(t, "POST", "/consume", ConsumeRequest{Service: "merge-pdf"}))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(1), consumed.Delta)
	assert.Equal(t, int64(3), consumed.Limit)
	assert.Equal(t, spec.ServiceMergePDF, consumed.Service)

	var env envelope
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	var result struct {
		Count int64 `json:"count"`
	}
	assert.NoError(t, json.Unmarshal(env.Result, &result))
	assert.Equal(t, int64(2), result.Count)
}

func TestConsumeEntitlementDeniedOverQuota(t *testing.T) {
	consumeCalled := false
	users := &mockUserStore{
		getByIDFunc: func(ctx context.Context, id string) (*user.User, error) {
			return testUser(spec.BillingFree), nil
		},
	}
	plans := &mockPlanStore{
		getByIDFunc: func(ctx context.Context, id string) (*plan.Plan, error) {
			return testPlan(), nil
		},
	}
	usages := &mockUsageStore{
		getFunc: func(ctx context.Context, userID string, service spec.Service) (*usage.Entry, error) {
			return testEntry(service, 3), nil
		},
		consumeFunc: func(ctx context.Context, opt usage.ConsumeOption) (int64, bool, error) {
			consumeCalled = true
			return 0, false, nil
		},
	}

	s := newTestService(users, plans, usages)
	w := httptest.NewRecorder()
	s.consumeEntitlement(w, authedRequest(t, "POST", "/consume", ConsumeRequest{Service: "merge-pdf"}))

	assert.Equal(t, http.StatusForbidden, w.Code)
	// counter must not move on a denial
	assert.False(t, consumeCalled)

	var env envelope
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	assert.Contains(t, env.Messages, string(ReasonQuotaExceeded))
}

func TestConsumeEntitlementRaceLoserDenied(t *testing.T) {
	users := &mockUserStore{
		getByIDFunc: func(ctx context.Context, id string) (*user.User, error) {
			return testUser(spec.BillingFree), nil
		},
	}
	plans := &mockPlanStore{
		getByIDFunc: func(ctx context.Context, id string) (*plan.Plan, error) {
			return testPlan(), nil
		},
	}
	usages := &mockUsageStore{
		getFunc: func(ctx context.Context, userID string, service spec.Service) (*usage.Entry, error) {
			// the advisory read still sees headroom
			return testEntry(service, 2), nil
		},
		consumeFunc: func(ctx context.Context, opt usage.ConsumeOption) (int64, bool, error) {
			// but the guarded increment lost to a concurrent request
			return 0, false, nil
		},
	}

	s := newTestService(users, plans, usages)
	w := httptest.NewRecorder()
	s.consumeEntitlement(w, authedRequest(t, "POST", "/consume", ConsumeRequest{Service: "merge-pdf"}))

	assert.Equal(t, http.StatusForbidden, w.Code)

	var env envelope
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	assert.Contains(t, env.Messages, string(ReasonQuotaExceeded))
}

func TestConsumeEntitlementSelfHealsMissingCounter(t *testing.T) {
	ensured := []spec.Service{}
	getCalls := 0
	users := &mockUserStore{
		getByIDFunc: func(ctx context.Context, id string) (*user.User, error) {
			return testUser(spec.BillingFree), nil
		},
	}
	plans := &mockPlanStore{
		getByIDFunc: func(ctx context.Context, id string) (*plan.Plan, error) {
			return testPlan(), nil
		},
	}
	usages := &mockUsageStore{
		getFunc: func(ctx context.Context, userID string, service spec.Service) (*usage.Entry, error) {
			getCalls++
			if getCalls == 1 {
				return nil, nil
			}
			return testEntry(service, 0), nil
		},
		ensureEntriesFunc: func(ctx context.Context, userID string, services []spec.Service) error {
			ensured = append(ensured, services...)
			return nil
		},
		consumeFunc: func(ctx context.Context, opt usage.ConsumeOption) (int64, bool, error) {
			return 1, true, nil
		},
	}

	s := newTestService(users, plans, usages)
	w := httptest.NewRecorder()
	s.consumeEntitlement(w, authedRequest(t, "POST", "/consume", ConsumeRequest{Service: "merge-pdf"}))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []spec.Service{spec.ServiceMergePDF}, ensured)
}

func TestConsumeEntitlementUnlimitedMissingCounter(t *testing.T) {
	ensured := []spec.Service{}
	var consumed usage.ConsumeOption
	users := &mockUserStore{
		getByIDFunc: func(ctx context.Context, id string) (*user.User, error) {
			return testUser(spec.BillingMonthly), nil
		},
	}
	plans := &mockPlanStore{
		getByIDFunc: func(ctx context.Context, id string) (*plan.Plan, error) {
			return testPlan(), nil
		},
	}
	usages := &mockUsageStore{
		getFunc: func(ctx context.Context, userID string, service spec.Service) (*usage.Entry, error) {
			// counter row was never created for this service
			return nil, nil
		},
		ensureEntriesFunc: func(ctx context.Context, userID string, services []spec.Service) error {
			ensured = append(ensured, services...)
			return nil
		},
		consumeFunc: func(ctx context.Context, opt usage.ConsumeOption) (int64, bool, error) {
			// the guarded increment only matches once the row exists
			if len(ensured) == 0 {
				return 0, false, nil
			}
			consumed = opt
			return 1, true, nil
		},
	}

	s := newTestService(users, plans, usages)
	w := httptest.NewRecorder()
	s.consumeEntitlement(w, authedRequest(t, "POST", "/consume", ConsumeRequest{Service: "compress-pdf"}))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []spec.Service{spec.ServiceCompressPDF}, ensured)
	assert.Equal(t, plan.Unlimited, consumed.Limit)

	var env envelope
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	var result struct {
		Count int64 `json:"count"`
	}
	assert.NoError(t, json.Unmarshal(env.Result, &result))
	assert.Equal(t, int64(1), result.Count)
}

func TestConsumeEntitlementExpiredSubscription(t *testing.T) {
	end := time.Now().Add(-time.Hour)
	users := &mockUserStore{
		getByIDFunc: func(ctx context.Context, id string) (*user.User, error) {
			u := testUser(spec.BillingMonthly)
			u.SubscriptionEnd = &end
			return u, nil
		},
	}
	plans := &mockPlanStore{
		getByIDFunc: func(ctx context.Context, id string) (*plan.Plan, error) {
			return testPlan(), nil
		},
	}
	usages := &mockUsageStore{
		getFunc: func(ctx context.Context, userID string, service spec.Service) (*usage.Entry, error) {
			return testEntry(service, 0), nil
		},
	}

	s := newTestService(users, plans, usages)
	w := httptest.NewRecorder()
	s.consumeEntitlement(w, authedRequest(t, "POST", "/consume", ConsumeRequest{Service: "merge-pdf"}))

	assert.Equal(t, http.StatusForbidden, w.Code)

	var env envelope
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	assert.Contains(t, env.Messages, string(ReasonSubscriptionExpired))
}

func TestConsumeEntitlementUnknownUser(t *testing.T) {
	users := &mockUserStore{
		getByIDFunc: func(ctx context.Context, id string) (*user.User, error) {
			return nil, nil
		},
	}

	s := newTestService(users, &mockPlanStore{}, &mockUsageStore{})
	w := httptest.NewRecorder()
	s.consumeEntitlement(w, authedRequest(t, "POST", "/consume", ConsumeRequest{Service: "merge-pdf"}))

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListUsageFallsBackToDefaultPlan(t *testing.T) {
	users := &mockUserStore{
		getByIDFunc: func(ctx context.Context, id string) (*user.User, error) {
			u := testUser(spec.BillingFree)
			u.CurrentPlanID = ""
			return u, nil
		},
	}
	plans := &mockPlanStore{
		getDefaultFunc: func(ctx context.Context) (*plan.Plan, error) {
			return testPlan(), nil
		},
	}
	usages := &mockUsageStore{
		listFunc: func(ctx context.Context, userID string) ([]usage.Entry, error) {
			return []usage.Entry{
				*testEntry(spec.ServiceMergePDF, 2),
				*testEntry(spec.ServiceCompressPDF, 500),
			}, nil
		},
	}

	s := newTestService(users, plans, usages)
	w := httptest.NewRecorder()
	s.listUsage(w, authedRequest(t, "GET", "/usage", nil))

	assert.Equal(t, http.StatusOK, w.Code)

	var env envelope
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	var lines []struct {
		Service   string `json:"service"`
		Used      int64  `json:"used"`
		Quota     int64  `json:"quota"`
		Remaining int64  `json:"remaining"`
	}
	assert.NoError(t, json.Unmarshal(env.Result, &lines))
	assert.Len(t, lines, 2)
	assert.Equal(t, int64(3), lines[0].Quota)
	assert.Equal(t, int64(1), lines[0].Remaining)
	assert.Equal(t, plan.Unlimited, lines[1].Quota)
	assert.Equal(t, plan.Unlimited, lines[1].Remaining)
}
