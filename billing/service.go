package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"time"

	"github.com/pdfmill/pdfmill/auth"
	"github.com/pdfmill/pdfmill/broker"
	"github.com/pdfmill/pdfmill/mail"
	"github.com/pdfmill/pdfmill/plan"
	resp "github.com/pdfmill/pdfmill/response"
	"github.com/pdfmill/pdfmill/spec"
	"github.com/pdfmill/pdfmill/subscription"
	"github.com/pdfmill/pdfmill/user"

	"github.com/go-chi/chi"
	"github.com/go-playground/validator/v10"
	stripe "github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/client"
	"github.com/stripe/stripe-go/v72/webhook"
	"go.uber.org/zap"
)

var validate *validator.Validate = validator.New()

// PlanStore is the subset of plan.Manager used by the billing routes
type PlanStore interface {
	GetByID(ctx context.Context, id string) (*plan.Plan, error)
}

// UserStore is the subset of user.Manager used by the billing routes
type UserStore interface {
	GetByID(ctx context.Context, id string) (*user.User, error)
}

// SubscriptionStore reconciles a completed checkout onto a user
type SubscriptionStore interface {
	ApplyCheckout(ctx context.Context, opt subscription.ApplyCheckoutOption) (*subscription.Subscription, bool, error)
}

// PaymentStore persists and lists payment records
type PaymentStore interface {
	Record(ctx context.Context, p *Payment) (bool, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]Payment, error)
}

// PaymentNotifier sends the post-payment confirmation email
type PaymentNotifier interface {
	SendPaymentConfirmation(option mail.ConfirmationOption)
}

// ServiceOptions contains the configuration for Service router
type ServiceOptions struct {
	Auth          *auth.Auth
	Plans         PlanStore
	Users         UserStore
	Subscriptions SubscriptionStore
	Payments      PaymentStore
	Producer      broker.Producer
	Mailer        PaymentNotifier
	StripeClient  *client.API
	WebhookSecret string
	Logger        *zap.Logger
}

// Service is the billing API router
type Service struct {
	ServiceOptions
}

// NewService will create an instance of the billing API router
func NewService(option ServiceOptions) (*Service, error) {
	if option.Auth == nil {
		return nil, fmt.Errorf("nil Auth is invalid")
	}
	if option.Plans == nil {
		return nil, fmt.Errorf("nil Plans is invalid")
	}
	if option.Users == nil {
		return nil, fmt.Errorf("nil Users is invalid")
	}
	if option.Subscriptions == nil {
		return nil, fmt.Errorf("nil Subscriptions is invalid")
	}
	if option.Payments == nil {
		return nil, fmt.Errorf("nil Payments is invalid")
	}
	if option.Producer == nil {
		return nil, fmt.Errorf("nil Producer is invalid")
	}
	if option.Mailer == nil {
		return nil, fmt.Errorf("nil Mailer is invalid")
	}
	if option.StripeClient == nil {
		return nil, fmt.Errorf("nil StripeClient is invalid")
	}
	if len(option.WebhookSecret) == 0 {
		return nil, fmt.Errorf("empty WebhookSecret is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	return &Service{
		ServiceOptions: option,
	}, nil
}

type billingMetadata struct {
	UserID      string
	PlanID      string
	BillingType spec.BillingType
}

func metadataFrom(meta map[string]string) (*billingMetadata, bool) {
	userID := meta["userId"]
	planID := meta["planId"]
	billingType := meta["billingType"]
	if userID == "" || planID == "" || !spec.ValidBillingType(billingType) {
		return nil, false
	}
	return &billingMetadata{
		UserID:      userID,
		PlanID:      planID,
		BillingType: spec.BillingType(billingType),
	}, true
}

// acknowledge tells the payment processor the delivery was accepted. Events
// that verified but could not be applied are still acknowledged, with an alert
// published for manual reconciliation, because a retry would fail the same way.
func (s *Service) acknowledge(w http.ResponseWriter, r *http.Request) {
	resp.WriteResponse(w, r, struct {
		Received bool `json:"received"`
	}{
		Received: true,
	})
}

func (s *Service) alert(eventID, eventType, userID, reason string, err error) {
	detail := ""
	if err != nil {
		detail = err.Error()
	}
	publishErr := s.Producer.PublishReconcileAlert(&broker.ReconcileAlert{
		EventID:    eventID,
		EventType:  eventType,
		UserID:     userID,
		Reason:     reason,
		Detail:     detail,
		OccurredAt: time.Now(),
	})
	if publishErr != nil {
		s.Logger.Error("Unable to publish reconcile alert",
			zap.String("EventID", eventID),
			zap.Error(publishErr),
		)
	}
}

func (s *Service) handleWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := ioutil.ReadAll(r.Body)
	if err != nil {
		s.Logger.Error("Unable to read webhook payload",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("Cannot read payload"))
		return
	}

	event, err := webhook.ConstructEvent(payload, r.Header.Get("Stripe-Signature"), s.WebhookSecret)
	if err != nil {
		s.Logger.Error("Webhook signature verification failed",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("Invalid signature"))
		return
	}

	logger := s.Logger.With(
		zap.String("EventID", event.ID),
		zap.String("EventType", string(event.Type)),
	)

	switch event.Type {
	case "checkout.session.completed":
		s.handleCheckoutCompleted(w, r, &event, logger)
	case "charge.succeeded":
		s.handleChargeSucceeded(w, r, &event, logger)
	default:
		logger.Debug("Ignoring unhandled event type")
		s.acknowledge(w, r)
	}
}

func (s *Service) handleCheckoutCompleted(w http.ResponseWriter, r *http.Request, event *stripe.Event, logger *zap.Logger) {
	ctx := r.Context()

	var cs stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &cs); err != nil {
		logger.Error("Invalid checkout.session.completed payload",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("Invalid checkout session data"))
		return
	}

	meta, ok := metadataFrom(cs.Metadata)
	if !ok {
		logger.Error("Checkout session is missing billing metadata",
			zap.String("CheckoutSessionID", cs.ID),
		)
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("Missing billing metadata"))
		return
	}

	logger = logger.With(
		zap.String("UserID", meta.UserID),
		zap.String("PlanID", meta.PlanID),
	)

	p, err := s.Plans.GetByID(ctx, meta.PlanID)
	if err != nil {
		logger.Error("Unable to lookup plan for checkout",
			zap.Error(err),
		)
		s.alert(event.ID, string(event.Type), meta.UserID, "plan lookup failed", err)
		s.acknowledge(w, r)
		return
	}
	if p == nil {
		resp.WriteError(w, r, resp.ErrNotFound().AddMessages("Cannot find referenced plan"))
		return
	}

	_, created, err := s.Subscriptions.ApplyCheckout(ctx, subscription.ApplyCheckoutOption{
		UserID:            meta.UserID,
		Plan:              p,
		BillingType:       meta.BillingType,
		CheckoutSessionID: cs.ID,
		AmountPaid:        float64(cs.AmountTotal) / 100,
		Currency:          string(cs.Currency),
		PaymentStatus:     string(cs.PaymentStatus),
	})
	if err != nil {
		logger.Error("Unable to apply checkout to user",
			zap.Error(err),
		)
		s.alert(event.ID, string(event.Type), meta.UserID, "apply checkout failed", err)
		s.acknowledge(w, r)
		return
	}
	if !created {
		logger.Info("Duplicate checkout delivery absorbed",
			zap.String("CheckoutSessionID", cs.ID),
		)
	}

	s.acknowledge(w, r)
}

func (s *Service) handleChargeSucceeded(w http.ResponseWriter, r *http.Request, event *stripe.Event, logger *zap.Logger) {
	ctx := r.Context()

	var ch stripe.Charge
	if err := json.Unmarshal(event.Data.Raw, &ch); err != nil {
		logger.Error("Invalid charge.succeeded payload",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("Invalid charge data"))
		return
	}

	meta, ok := metadataFrom(ch.Metadata)
	if !ok && ch.PaymentIntent != nil && s.StripeClient != nil {
		// metadata set on the checkout session's payment intent lands on the
		// intent, not always on the charge itself
		pi, err := s.StripeClient.PaymentIntents.Get(ch.PaymentIntent.ID, nil)
		if err != nil {
			logger.Error("Unable to lookup payment intent for charge",
				zap.String("ChargeID", ch.ID),
				zap.Error(err),
			)
			s.alert(event.ID, string(event.Type), "", "payment intent lookup failed", err)
			s.acknowledge(w, r)
			return
		}
		meta, ok = metadataFrom(pi.Metadata)
	}
	if !ok {
		logger.Error("Charge is missing billing metadata",
			zap.String("ChargeID", ch.ID),
		)
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("Missing billing metadata"))
		return
	}

	logger = logger.With(
		zap.String("UserID", meta.UserID),
		zap.String("ChargeID", ch.ID),
	)

	p, err := s.Plans.GetByID(ctx, meta.PlanID)
	if err != nil {
		logger.Error("Unable to lookup plan for charge",
			zap.Error(err),
		)
		s.alert(event.ID, string(event.Type), meta.UserID, "plan lookup failed", err)
		s.acknowledge(w, r)
		return
	}
	if p == nil {
		resp.WriteError(w, r, resp.ErrNotFound().AddMessages("Cannot find referenced plan"))
		return
	}

	now := time.Now()
	payment := &Payment{
		ChargeID:    ch.ID,
		UserID:      meta.UserID,
		PlanID:      p.ID,
		BillingType: meta.BillingType,
		Amount:      ch.Amount,
		Currency:    string(ch.Currency),
		ReceiptURL:  ch.ReceiptURL,
		Status:      string(ch.Status),
		CycleStart:  now,
	}
	if end := meta.BillingType.PeriodEnd(now); !end.IsZero() {
		payment.CycleEnd = &end
	}
	if ch.PaymentMethodDetails != nil {
		payment.PaymentMethod = string(ch.PaymentMethodDetails.Type)
	}
	if ch.BillingDetails != nil {
		payment.BillingName = ch.BillingDetails.Name
		payment.BillingEmail = ch.BillingDetails.Email
	}

	created, err := s.Payments.Record(ctx, payment)
	if err != nil {
		logger.Error("Unable to record payment",
			zap.Error(err),
		)
		s.alert(event.ID, string(event.Type), meta.UserID, "payment record failed", err)
		s.acknowledge(w, r)
		return
	}
	if !created {
		// confirmation email was already sent on the first delivery
		logger.Info("Duplicate charge delivery absorbed")
		s.acknowledge(w, r)
		return
	}

	to := payment.BillingEmail
	if u, err := s.Users.GetByID(ctx, meta.UserID); err == nil && u != nil {
		to = u.Email
	}
	if to != "" {
		s.Mailer.SendPaymentConfirmation(mail.ConfirmationOption{
			To:          to,
			PlanName:    string(p.Name),
			Amount:      payment.Amount,
			Currency:    payment.Currency,
			ReceiptURL:  payment.ReceiptURL,
			BillingType: string(payment.BillingType),
		})
	}

	s.acknowledge(w, r)
}

// CheckoutRequest is the model of a checkout session creation call
type CheckoutRequest struct {
	PlanID      string `json:"planId" validate:"required"`
	BillingType string `json:"billingType" validate:"required"`
	SuccessURL  string `json:"successUrl" validate:"required,url"`
	CancelURL   string `json:"cancelUrl" validate:"required,url"`
}

func (s *Service) createCheckout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := ctx.Value(auth.Context).(*auth.Claims)

	logger := s.Logger.With(zap.String("UserID", claims.ID))

	var req CheckoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		resp.WriteError(w, r, resp.ErrInvalidJson())
		return
	}
	if err := validate.Struct(&req); err != nil {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("Invalid request"))
		return
	}
	if !spec.ValidBillingType(req.BillingType) {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("Unknown billing type: "+req.BillingType))
		return
	}
	billingType := spec.BillingType(req.BillingType)
	if !billingType.Paid() {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("Free billing does not require checkout"))
		return
	}

	p, err := s.Plans.GetByID(ctx, req.PlanID)
	if err != nil {
		logger.Error("Unable to lookup plan for checkout",
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Cannot create checkout session"))
		return
	}
	if p == nil || !p.IsActive {
		resp.WriteError(w, r, resp.ErrNotFound().AddMessages("Cannot find plan"))
		return
	}
	if p.Free() {
		resp.WriteError(w, r, resp.ErrBadRequest().AddMessages("Free plans do not require checkout"))
		return
	}

	fee := p.MonthlyFee
	if billingType == spec.BillingAnnual {
		fee = p.AnnualFee
	}
	unitAmount := int64(fee * 100)

	metadata := map[string]string{
		"userId":      claims.ID,
		"planId":      p.ID,
		"billingType": string(billingType),
	}

	params := &stripe.CheckoutSessionParams{
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		Mode:               stripe.String(string(stripe.CheckoutSessionModePayment)),
		CustomerEmail:      stripe.String(claims.Email),
		SuccessURL:         stripe.String(req.SuccessURL),
		CancelURL:          stripe.String(req.CancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Quantity: stripe.Int64(1),
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(p.Currency),
					UnitAmount: stripe.Int64(unitAmount),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(string(p.Name) + " (" + string(billingType) + ")"),
					},
				},
			},
		},
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: metadata,
		},
	}
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}

	sess, err := s.StripeClient.CheckoutSessions.New(params)
	if err != nil {
		logger.Error("Unable to create checkout session",
			zap.String("PlanID", p.ID),
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Cannot create checkout session"))
		return
	}

	resp.WriteResponse(w, r, struct {
		SessionID string `json:"sessionId"`
	}{
		SessionID: sess.ID,
	})
}

func (s *Service) listPayments(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := ctx.Value(auth.Context).(*auth.Claims)

	payments, err := s.Payments.ListByUser(ctx, claims.ID, 20)
	if err != nil {
		s.Logger.Error("Unable to list payments",
			zap.String("UserID", claims.ID),
			zap.Error(err),
		)
		resp.WriteError(w, r, resp.ErrUnexpected().AddMessages("Cannot list payments"))
		return
	}

	resp.WriteResponse(w, r, payments)
}

// Router will return the routes under billing API
func (s *Service) Router() http.Handler {
	router := chi.NewRouter()

	router.Post("/webhook", s.handleWebhook)

	router.Group(func(r chi.Router) {
		r.Use(s.Auth.Middleware())
		r.Post("/checkout", s.createCheckout)
		r.Get("/payments", s.listPayments)
	})

	return router
}
