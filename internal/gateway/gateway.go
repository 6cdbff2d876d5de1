// Package gateway описывает порт платёжного шлюза и его реализацию поверх Stripe.
package gateway

import (
	"context"
	"fmt"
)

// GatewayError помечает сбой платёжного шлюза. Ядро различает сбои шлюза
// и хранилища по типу ошибки и не разбирает их текстовую форму.
type GatewayError struct {
	Op  string
	Err error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway: %s: %v", e.Op, e.Err)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// SessionRequest описывает запрос на создание платёжной сессии,
// средства по которой остаются у платформы.
type SessionRequest struct {
	AmountCents    int64
	Currency       string
	Description    string
	CustomerEmail  string
	SuccessURL     string
	CancelURL      string
	Metadata       map[string]string
	IdempotencyKey string
}

// SplitSessionRequest описывает сессию с маршрутизацией средств арендатору
// за вычетом комиссии платформы.
type SplitSessionRequest struct {
	SessionRequest
	Destination         string
	ApplicationFeeCents int64
}

// Session — созданная шлюзом платёжная сессия.
type Session struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// PaymentConfirmation — проверенное подтверждение платежа от шлюза.
type PaymentConfirmation struct {
	ProviderRef   string
	AmountCents   int64
	CustomerEmail string
	Metadata      map[string]string
}

// PaymentGateway описывает контракт платёжного шлюза, используемый ядром.
type PaymentGateway interface {
	CreateSession(ctx context.Context, req SessionRequest) (*Session, error)
	CreateSplitSession(ctx context.Context, req SplitSessionRequest) (*Session, error)
	Refund(ctx context.Context, providerRef string, amountCents int64) (string, error)
	VerifyConfirmation(payload []byte, signature string) (*PaymentConfirmation, error)
}
