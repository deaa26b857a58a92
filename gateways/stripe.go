package gateways

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v80"
	"github.com/stripe/stripe-go/v80/checkout/session"
	"github.com/stripe/stripe-go/v80/webhook"
	"go.uber.org/zap"
)

// SessionAPI is the slice of the Stripe checkout session API the gateway uses.
type SessionAPI interface {
	New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	Get(id string, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

type stripeSessions struct{}

func (stripeSessions) New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	return session.New(params)
}

func (stripeSessions) Get(id string, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	return session.Get(id, params)
}

// StripeGateway initiates payments as Stripe Checkout Sessions. The session
// ID is the authority; the session URL is the payment URL.
type StripeGateway struct {
	sessions   SessionAPI
	webhookKey string
	expiry     time.Duration
	logger     *zap.Logger
}

func NewStripeGateway(secretKey, webhookKey string, expiry time.Duration, logger *zap.Logger) *StripeGateway {
	stripe.Key = secretKey
	return NewStripeGatewayWithAPI(stripeSessions{}, webhookKey, expiry, logger)
}

func NewStripeGatewayWithAPI(api SessionAPI, webhookKey string, expiry time.Duration, logger *zap.Logger) *StripeGateway {
	// Stripe refuses sessions that expire in less than 30 minutes.
	if expiry < 30*time.Minute {
		expiry = 30 * time.Minute
	}
	return &StripeGateway{sessions: api, webhookKey: webhookKey, expiry: expiry, logger: logger}
}

func (g *StripeGateway) Name() string { return "stripe" }

// minorUnits converts a decimal amount to the integer cents Stripe expects.
func minorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}

func (g *StripeGateway) InitiatePayment(ctx context.Context, req PaymentRequest) (*PaymentInitiation, error) {
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(callbackURL(req.CallbackURL, "success")),
		CancelURL:         stripe.String(callbackURL(req.CallbackURL, "cancel")),
		ClientReferenceID: stripe.String(req.OrderID.String()),
		ExpiresAt:         stripe.Int64(time.Now().Add(g.expiry).Unix()),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			Quantity: stripe.Int64(1),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(strings.ToLower(req.Currency)),
				UnitAmount: stripe.Int64(minorUnits(req.Amount)),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(req.Description),
				},
			},
		}},
		Metadata: map[string]string{
			"order_id":     req.OrderID.String(),
			"order_number": req.OrderNumber,
		},
	}
	if req.Contact.Email != "" {
		params.CustomerEmail = stripe.String(req.Contact.Email)
	}
	params.Context = ctx
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	sess, err := g.sessions.New(params)
	if err != nil {
		return nil, classifyStripeError(err)
	}
	if sess.ID == "" || sess.URL == "" {
		return nil, fmt.Errorf("%w: empty checkout session", ErrGatewayUnavailable)
	}

	g.logger.Info("Stripe checkout session created",
		zap.String("order_number", req.OrderNumber),
		zap.String("session_id", sess.ID),
	)
	return &PaymentInitiation{PaymentURL: sess.URL, Authority: sess.ID}, nil
}

func (g *StripeGateway) VerifyPayment(ctx context.Context, authority string, amount decimal.Decimal) (*PaymentVerification, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	params.AddExpand("payment_intent.payment_method")

	sess, err := g.sessions.Get(authority, params)
	if err != nil {
		return nil, classifyStripeError(err)
	}

	result := &PaymentVerification{Status: string(sess.PaymentStatus)}
	if sess.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
		return result, nil
	}
	if sess.AmountTotal != minorUnits(amount) {
		g.logger.Warn("Stripe session amount mismatch",
			zap.String("session_id", authority),
			zap.Int64("expected", minorUnits(amount)),
			zap.Int64("actual", sess.AmountTotal),
		)
		result.Status = "amount_mismatch"
		return result, nil
	}

	result.Paid = true
	result.RefID = sess.ID
	if pi := sess.PaymentIntent; pi != nil {
		result.RefID = pi.ID
		if pm := pi.PaymentMethod; pm != nil && pm.Card != nil {
			result.CardMask = "**** " + pm.Card.Last4
		}
	}
	return result, nil
}

// ParseWebhook verifies a Stripe webhook and maps checkout session events to
// callback events. Unrelated event types return (nil, nil).
func (g *StripeGateway) ParseWebhook(payload []byte, signature string) (*CallbackEvent, error) {
	event, err := webhook.ConstructEvent(payload, signature, g.webhookKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	var status string
	switch event.Type {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded":
		status = "success"
	case "checkout.session.async_payment_failed", "checkout.session.expired":
		status = "failed"
	default:
		g.logger.Debug("Ignoring Stripe webhook", zap.String("event_type", string(event.Type)))
		return nil, nil
	}

	var sess stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		return nil, fmt.Errorf("decode checkout session: %w", err)
	}
	return &CallbackEvent{Authority: sess.ID, Status: status}, nil
}

func callbackURL(base, status string) string {
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + "status=" + status + "&authority={CHECKOUT_SESSION_ID}"
}

// classifyStripeError marks network failures and Stripe 5xx/429 answers as
// unavailability; card and request errors pass through unchanged.
func classifyStripeError(err error) error {
	var se *stripe.Error
	if errors.As(err, &se) {
		if se.HTTPStatusCode >= 500 || se.HTTPStatusCode == 429 {
			return fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
		}
		return err
	}
	return fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
}
