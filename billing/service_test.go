package billing

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pdfmill/pdfmill/broker"
	"github.com/pdfmill/pdfmill/mail"
	"github.com/pdfmill/pdfmill/plan"
	"github.com/pdfmill/pdfmill/spec"
	"github.com/pdfmill/pdfmill/subscription"
	"github.com/pdfmill/pdfmill/user"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

const testWebhookSecret = "whsec_test_secret"

type mockPlanStore struct {
	getByIDFunc func(ctx context.Context, id string) (*plan.Plan, error)
}

func (m *mockPlanStore) GetByID(ctx context.Context, id string) (*plan.Plan, error) {
	if m.getByIDFunc != nil {
		return m.getByIDFunc(ctx, id)
	}
	return nil, errors.New("not implemented")
}

type mockUserStore struct {
	getByIDFunc func(ctx context.Context, id string) (*user.User, error)
}

func (m *mockUserStore) GetByID(ctx context.Context, id string) (*user.User, error) {
	if m.getByIDFunc != nil {
		return m.getByIDFunc(ctx, id)
	}
	return nil, errors.New("not implemented")
}

type mockSubscriptionStore struct {
	applyCheckoutFunc func(ctx context.Context, opt subscription.ApplyCheckoutOption) (*subscription.Subscription, bool, error)
}

func (m *mockSubscriptionStore) ApplyCheckout(ctx context.Context, opt subscription.ApplyCheckoutOption) (*subscription.Subscription, bool, error) {
	if m.applyCheckoutFunc != nil {
		return m.applyCheckoutFunc(ctx, opt)
	}
	return nil, false, errors.New("not implemented")
}

type mockPaymentStore struct {
	recordFunc     func(ctx context.Context, p *Payment) (bool, error)
	listByUserFunc func(ctx context.Context, userID string, limit int) ([]Payment, error)
}

func (m *mockPaymentStore) Record(ctx context.Context, p *Payment) (bool, error) {
	if m.recordFunc != nil {
		return m.recordFunc(ctx, p)
	}
	return false, errors.New("not implemented")
}

func (m *mockPaymentStore) ListByUser(ctx context.Context, userID string, limit int) ([]Payment, error) {
	if m.listByUserFunc != nil {
		return m.listByUserFunc(ctx, userID, limit)
	}
	return nil, errors.New("not implemented")
}

type mockProducer struct {
	alerts []*broker.ReconcileAlert
}

func (m *mockProducer) Close() {}

func (m *mockProducer) PublishReconcileAlert(alert *broker.ReconcileAlert) error {
	m.alerts = append(m.alerts, alert)
	return nil
}

type mockMailer struct {
	confirmations []mail.ConfirmationOption
}

func (m *mockMailer) SendPaymentConfirmation(option mail.ConfirmationOption) {
	m.confirmations = append(m.confirmations, option)
}

func developerPlan() *plan.Plan {
	return &plan.Plan{
		ID:         "plan-dev",
		Name:       spec.TierDeveloper,
		MonthlyFee: 9,
		AnnualFee:  90,
		Currency:   "usd",
		IsActive:   true,
	}
}

func newWebhookService(plans *mockPlanStore, users *mockUserStore, subs *mockSubscriptionStore, payments *mockPaymentStore, producer *mockProducer, mailer *mockMailer) *Service {
	return &Service{
		ServiceOptions: ServiceOptions{
			Plans:         plans,
			Users:         users,
			Subscriptions: subs,
			Payments:      payments,
			Producer:      producer,
			Mailer:        mailer,
			WebhookSecret: testWebhookSecret,
			Logger:        zap.NewNop(),
		},
	}
}

// signedWebhookRequest signs payload the way the processor does: the v1
// scheme is hex(hmac-sha256(secret, "<unix ts>.<payload>"))
func signedWebhookRequest(payload []byte) *http.Request {
	ts := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(testWebhookSecret))
	fmt.Fprintf(mac, "%d.%s", ts, payload)
	sig := fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))

	req := httptest.NewRequest("POST", "/webhook", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", sig)
	return req
}

func checkoutCompletedPayload(metadata string) []byte {
	return []byte(`{
		"id": "evt_checkout_1",
		"object": "event",
		"api_version": "2020-08-27",
		"type": "checkout.session.completed",
		"data": {
			"object": {
				"id": "cs_test_1",
				"object": "checkout.session",
				"amount_total": 900,
				"currency": "usd",
				"payment_status": "paid",
				"metadata": ` + metadata + `
			}
		}
	}`)
}

func chargeSucceededPayload(metadata string) []byte {
	return []byte(`{
		"id": "evt_charge_1",
		"object": "event",
		"api_version": "2020-08-27",
		"type": "charge.succeeded",
		"data": {
			"object": {
				"id": "ch_test_1",
				"object": "charge",
				"amount": 900,
				"currency": "usd",
				"status": "succeeded",
				"receipt_url": "https://pay.example.com/receipts/ch_test_1",
				"billing_details": {"name": "Pat Doe", "email": "pat@example.com"},
				"payment_method_details": {"type": "card"},
				"metadata": ` + metadata + `
			}
		}
	}`)
}

const fullMetadata = `{"userId": "user-1", "planId": "plan-dev", "billingType": "monthly"}`

func TestWebhookRejectsBadSignature(t *testing.T) {
	applied := false
	subs := &mockSubscriptionStore{
		applyCheckoutFunc: func(ctx context.Context, opt subscription.ApplyCheckoutOption) (*subscription.Subscription, bool, error) {
			applied = true
			return nil, false, nil
		},
	}
	s := newWebhookService(&mockPlanStore{}, &mockUserStore{}, subs, &mockPaymentStore{}, &mockProducer{}, &mockMailer{})

	req := httptest.NewRequest("POST", "/webhook", bytes.NewReader(checkoutCompletedPayload(fullMetadata)))
	req.Header.Set("Stripe-Signature", "t=12345,v1=deadbeef")
	w := httptest.NewRecorder()
	s.handleWebhook(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	// a forged delivery must not touch any state
	assert.False(t, applied)
}

func TestWebhookCheckoutCompletedAppliesPlan(t *testing.T) {
	var applied subscription.ApplyCheckoutOption
	plans := &mockPlanStore{
		getByIDFunc: func(ctx context.Context, id string) (*plan.Plan, error) {
			assert.Equal(t, "plan-dev", id)
			return developerPlan(), nil
		},
	}
	subs := &mockSubscriptionStore{
		applyCheckoutFunc: func(ctx context.Context, opt subscription.ApplyCheckoutOption) (*subscription.Subscription, bool, error) {
			applied = opt
			return &subscription.Subscription{ID: "sub-1"}, true, nil
		},
	}
	producer := &mockProducer{}
	s := newWebhookService(plans, &mockUserStore{}, subs, &mockPaymentStore{}, producer, &mockMailer{})

	w := httptest.NewRecorder()
	s.handleWebhook(w, signedWebhookRequest(checkoutCompletedPayload(fullMetadata)))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "user-1", applied.UserID)
	assert.Equal(t, "cs_test_1", applied.CheckoutSessionID)
	assert.Equal(t, spec.BillingMonthly, applied.BillingType)
	assert.Equal(t, float64(9), applied.AmountPaid)
	assert.Equal(t, "paid", applied.PaymentStatus)
	assert.Empty(t, producer.alerts)
}

func TestWebhookCheckoutCompletedReplayIsIdempotent(t *testing.T) {
	calls := 0
	plans := &mockPlanStore{
		getByIDFunc: func(ctx context.Context, id string) (*plan.Plan, error) {
			return developerPlan(), nil
		},
	}
	subs := &mockSubscriptionStore{
		applyCheckoutFunc: func(ctx context.Context, opt subscription.ApplyCheckoutOption) (*subscription.Subscription, bool, error) {
			calls++
			// second delivery finds the existing row
			return &subscription.Subscription{ID: "sub-1"}, calls == 1, nil
		},
	}
	s := newWebhookService(plans, &mockUserStore{}, subs, &mockPaymentStore{}, &mockProducer{}, &mockMailer{})

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		s.handleWebhook(w, signedWebhookRequest(checkoutCompletedPayload(fullMetadata)))
		assert.Equal(t, http.StatusOK, w.Code)
	}
	assert.Equal(t, 2, calls)
}

func TestWebhookCheckoutCompletedMissingMetadata(t *testing.T) {
	s := newWebhookService(&mockPlanStore{}, &mockUserStore{}, &mockSubscriptionStore{}, &mockPaymentStore{}, &mockProducer{}, &mockMailer{})

	w := httptest.NewRecorder()
	s.handleWebhook(w, signedWebhookRequest(checkoutCompletedPayload(`{"userId": "user-1"}`)))

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWebhookCheckoutCompletedUnknownPlan(t *testing.T) {
	plans := &mockPlanStore{
		getByIDFunc: func(ctx context.Context, id string) (*plan.Plan, error) {
			return nil, nil
		},
	}
	s := newWebhookService(plans, &mockUserStore{}, &mockSubscriptionStore{}, &mockPaymentStore{}, &mockProducer{}, &mockMailer{})

	w := httptest.NewRecorder()
	s.handleWebhook(w, signedWebhookRequest(checkoutCompletedPayload(fullMetadata)))

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestWebhookCheckoutCompletedInternalErrorStillAcked(t *testing.T) {
	plans := &mockPlanStore{
		getByIDFunc: func(ctx context.Context, id string) (*plan.Plan, error) {
			return developerPlan(), nil
		},
	}
	subs := &mockSubscriptionStore{
		applyCheckoutFunc: func(ctx context.Context, opt subscription.ApplyCheckoutOption) (*subscription.Subscription, bool, error) {
			return nil, false, errors.New("database is down")
		},
	}
	producer := &mockProducer{}
	s := newWebhookService(plans, &mockUserStore{}, subs, &mockPaymentStore{}, producer, &mockMailer{})

	w := httptest.NewRecorder()
	s.handleWebhook(w, signedWebhookRequest(checkoutCompletedPayload(fullMetadata)))

	// the processor gets a 200 so it stops retrying, the operator gets an alert
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, producer.alerts, 1)
	assert.Equal(t, "evt_checkout_1", producer.alerts[0].EventID)
	assert.Equal(t, "user-1", producer.alerts[0].UserID)
	assert.Equal(t, "apply checkout failed", producer.alerts[0].Reason)
}

func TestWebhookChargeSucceededRecordsPayment(t *testing.T) {
	var recorded *Payment
	plans := &mockPlanStore{
		getByIDFunc: func(ctx context.Context, id string) (*plan.Plan, error) {
			return developerPlan(), nil
		},
	}
	users := &mockUserStore{
		getByIDFunc: func(ctx context.Context, id string) (*user.User, error) {
			return &user.User{ID: "user-1", Email: "account@example.com"}, nil
		},
	}
	payments := &mockPaymentStore{
		recordFunc: func(ctx context.Context, p *Payment) (bool, error) {
			recorded = p
			return true, nil
		},
	}
	mailer := &mockMailer{}
	s := newWebhookService(plans, users, &mockSubscriptionStore{}, payments, &mockProducer{}, mailer)

	w := httptest.NewRecorder()
	s.handleWebhook(w, signedWebhookRequest(chargeSucceededPayload(fullMetadata)))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotNil(t, recorded)
	assert.Equal(t, "ch_test_1", recorded.ChargeID)
	assert.Equal(t, "user-1", recorded.UserID)
	assert.Equal(t, int64(900), recorded.Amount)
	assert.Equal(t, "card", recorded.PaymentMethod)
	assert.Equal(t, "Pat Doe", recorded.BillingName)
	assert.NotNil(t, recorded.CycleEnd)

	// the account email wins over the card's billing email
	assert.Len(t, mailer.confirmations, 1)
	assert.Equal(t, "account@example.com", mailer.confirmations[0].To)
	assert.Equal(t, int64(900), mailer.confirmations[0].Amount)
}

func TestWebhookChargeSucceededDuplicateSkipsEmail(t *testing.T) {
	plans := &mockPlanStore{
		getByIDFunc: func(ctx context.Context, id string) (*plan.Plan, error) {
			return developerPlan(), nil
		},
	}
	payments := &mockPaymentStore{
		recordFunc: func(ctx context.Context, p *Payment) (bool, error) {
			// charge id already on file
			return false, nil
		},
	}
	mailer := &mockMailer{}
	s := newWebhookService(plans, &mockUserStore{}, &mockSubscriptionStore{}, payments, &mockProducer{}, mailer)

	w := httptest.NewRecorder()
	s.handleWebhook(w, signedWebhookRequest(chargeSucceededPayload(fullMetadata)))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, mailer.confirmations)
}

func TestWebhookChargeSucceededMissingMetadata(t *testing.T) {
	s := newWebhookService(&mockPlanStore{}, &mockUserStore{}, &mockSubscriptionStore{}, &mockPaymentStore{}, &mockProducer{}, &mockMailer{})

	w := httptest.NewRecorder()
	s.handleWebhook(w, signedWebhookRequest(chargeSucceededPayload(`{}`)))

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWebhookIgnoresUnhandledEventTypes(t *testing.T) {
	s := newWebhookService(&mockPlanStore{}, &mockUserStore{}, &mockSubscriptionStore{}, &mockPaymentStore{}, &mockProducer{}, &mockMailer{})

	payload := []byte(`{
		"id": "evt_other_1",
		"object": "event",
		"api_version": "2020-08-27",
		"type": "customer.created",
		"data": {"object": {"id": "cus_1", "object": "customer"}}
	}`)
	w := httptest.NewRecorder()
	s.handleWebhook(w, signedWebhookRequest(payload))

	assert.Equal(t, http.StatusOK, w.Code)
}
