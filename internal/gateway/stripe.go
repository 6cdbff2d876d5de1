package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
	"github.com/stripe/stripe-go/v82/webhook"
)

// StripeGateway реализует PaymentGateway поверх Stripe Checkout.
type StripeGateway struct {
	api           *client.API
	webhookSecret string
}

// NewStripeGateway создаёт шлюз с указанными ключами Stripe.
func NewStripeGateway(secretKey, webhookSecret string) *StripeGateway {
	api := &client.API{}
	api.Init(secretKey, nil)

	return &StripeGateway{
		api:           api,
		webhookSecret: webhookSecret,
	}
}

func (g *StripeGateway) sessionParams(req SessionRequest) *stripe.CheckoutSessionParams {
	params := &stripe.CheckoutSessionParams{
		Mode:          stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:    stripe.String(req.SuccessURL),
		CancelURL:     stripe.String(req.CancelURL),
		CustomerEmail: stripe.String(req.CustomerEmail),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Quantity: stripe.Int64(1),
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(req.Currency),
					UnitAmount: stripe.Int64(req.AmountCents),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(req.Description),
					},
				},
			},
		},
	}

	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	// Ключ идемпотентности передаётся и шлюзу: повтор после сетевого сбоя
	// не создаёт вторую сессию на стороне провайдера.
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	return params
}

// CreateSession создаёт сессию, средства по которой остаются у платформы.
func (g *StripeGateway) CreateSession(ctx context.Context, req SessionRequest) (*Session, error) {
	params := g.sessionParams(req)
	params.Context = ctx

	s, err := g.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, &GatewayError{Op: "create session", Err: err}
	}

	return &Session{ID: s.ID, URL: s.URL}, nil
}

// CreateSplitSession создаёт сессию с переводом средств арендатору
// и удержанием комиссии платформы.
func (g *StripeGateway) CreateSplitSession(ctx context.Context, req SplitSessionRequest) (*Session, error) {
	params := g.sessionParams(req.SessionRequest)
	params.Context = ctx
	params.PaymentIntentData = &stripe.CheckoutSessionPaymentIntentDataParams{
		ApplicationFeeAmount: stripe.Int64(req.ApplicationFeeCents),
		TransferData: &stripe.CheckoutSessionPaymentIntentDataTransferDataParams{
			Destination: stripe.String(req.Destination),
		},
	}

	s, err := g.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, &GatewayError{Op: "create split session", Err: err}
	}

	return &Session{ID: s.ID, URL: s.URL}, nil
}

// Refund инициирует возврат по платёжной ссылке шлюза.
// amountCents <= 0 означает полный возврат.
func (g *StripeGateway) Refund(ctx context.Context, providerRef string, amountCents int64) (string, error) {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(providerRef),
	}
	params.Context = ctx
	if amountCents > 0 {
		params.Amount = stripe.Int64(amountCents)
	}

	ref, err := g.api.Refunds.New(params)
	if err != nil {
		return "", &GatewayError{Op: "refund", Err: err}
	}

	return ref.ID, nil
}

// VerifyConfirmation проверяет подпись входящего подтверждения платежа
// и извлекает завершённую платёжную сессию.
func (g *StripeGateway) VerifyConfirmation(payload []byte, signature string) (*PaymentConfirmation, error) {
	event, err := webhook.ConstructEvent(payload, signature, g.webhookSecret)
	if err != nil {
		return nil, &GatewayError{Op: "verify confirmation", Err: err}
	}

	if event.Type != "checkout.session.completed" {
		return nil, &GatewayError{Op: "verify confirmation", Err: fmt.Errorf("unexpected event type %q", event.Type)}
	}

	var s stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &s); err != nil {
		return nil, &GatewayError{Op: "verify confirmation", Err: fmt.Errorf("decode session: %w", err)}
	}

	providerRef := s.ID
	if s.PaymentIntent != nil {
		providerRef = s.PaymentIntent.ID
	}

	return &PaymentConfirmation{
		ProviderRef:   providerRef,
		AmountCents:   s.AmountTotal,
		CustomerEmail: s.CustomerEmail,
		Metadata:      s.Metadata,
	}, nil
}
