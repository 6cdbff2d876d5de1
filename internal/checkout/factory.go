// Package checkout строит платёжные сессии с дедупликацией повторных запросов.
package checkout

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/booking-system/internal/commission"
	"github.com/mmeshcher/booking-system/internal/gateway"
	"github.com/mmeshcher/booking-system/internal/idempotency"
	"github.com/mmeshcher/booking-system/internal/model"
)

// raceRereadDelay — пауза проигравшего гонку за ключ идемпотентности
// перед единственным повторным чтением кэша.
const raceRereadDelay = 150 * time.Millisecond

// TenantSource описывает доступ к данным арендаторов, только чтение.
type TenantSource interface {
	GetTenant(ctx context.Context, id int64) (*model.Tenant, error)
}

// Ledger описывает журнал идемпотентности, используемый фабрикой.
type Ledger interface {
	CheckAndStore(ctx context.Context, key string) (bool, error)
	GetStoredResponse(ctx context.Context, key string) ([]byte, error)
	UpdateResponse(ctx context.Context, key string, payload []byte) error
}

// Input описывает запрос на создание платёжной сессии.
type Input struct {
	TenantID      int64
	AmountCents   int64
	Currency      string
	Description   string
	CustomerEmail string
	Metadata      map[string]string
	// FeeCents — комиссия платформы; ноль означает расчёт по ставке арендатора.
	FeeCents int64
	// IdentityParts задают идентичность операции для ключа идемпотентности.
	// Время в них не входит.
	IdentityParts []string
}

// Result — созданная или восстановленная из кэша платёжная сессия.
type Result struct {
	CheckoutURL string `json:"checkout_url"`
	SessionID   string `json:"session_id"`
}

// Factory создаёт платёжные сессии, маршрутизируя средства между платформой
// и арендатором и защищая шлюз от повторного исполнения запроса.
type Factory struct {
	tenants TenantSource
	ledger  Ledger
	gw      gateway.PaymentGateway
	baseURL string
	logger  *zap.Logger

	raceDelay time.Duration
}

// NewFactory создаёт фабрику платёжных сессий.
// baseURL — публичный адрес сервиса, используемый в return-ссылках.
func NewFactory(tenants TenantSource, ledger Ledger, gw gateway.PaymentGateway, baseURL string, logger *zap.Logger) *Factory {
	return &Factory{
		tenants:   tenants,
		ledger:    ledger,
		gw:        gw,
		baseURL:   baseURL,
		logger:    logger,
		raceDelay: raceRereadDelay,
	}
}

// CreateCheckout создаёт платёжную сессию. Повтор с той же идентичностью
// в пределах TTL возвращает кэшированный результат, шлюз вызывается не более
// одного раза.
func (f *Factory) CreateCheckout(ctx context.Context, in Input) (*Result, error) {
	key := idempotency.GenerateKey("checkout", in.IdentityParts...)

	// Арендатор и кэш запрашиваются параллельно; кэшированный ответ
	// возвращается до валидации арендатора, чтобы частый путь повтора
	// оставался быстрым.
	var (
		tenant    *model.Tenant
		tenantErr error
		cached    []byte
		cachedErr error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		tenant, tenantErr = f.tenants.GetTenant(gctx, in.TenantID)
		return nil
	})
	g.Go(func() error {
		cached, cachedErr = f.ledger.GetStoredResponse(gctx, key)
		return nil
	})
	_ = g.Wait()

	if cachedErr != nil {
		return nil, cachedErr
	}
	if cached != nil {
		return decodeResult(cached)
	}

	if tenantErr != nil {
		return nil, tenantErr
	}

	isNew, err := f.ledger.CheckAndStore(ctx, key)
	if err != nil {
		return nil, err
	}

	if !isNew {
		// Ключ уже зарезервирован конкурирующим запросом: ждём фиксированную
		// паузу и перечитываем кэш один раз. Если ответа всё ещё нет,
		// продолжаем самостоятельно — узкое окно двойной сессии принято
		// осознанно и ограничено идемпотентностью самого шлюза.
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(f.raceDelay):
		}

		cached, err := f.ledger.GetStoredResponse(ctx, key)
		if err != nil {
			return nil, err
		}
		if cached != nil {
			return decodeResult(cached)
		}

		f.logger.Warn("idempotency race re-read found no response, proceeding",
			zap.String("key", key),
			zap.Int64("tenantID", in.TenantID),
		)
	}

	session, err := f.createSession(ctx, tenant, in, key)
	if err != nil {
		return nil, err
	}

	res := &Result{
		CheckoutURL: session.URL,
		SessionID:   session.ID,
	}

	payload, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("encode checkout result: %w", err)
	}
	if err := f.ledger.UpdateResponse(ctx, key, payload); err != nil {
		// Сессия уже создана; потеря кэша лишь ослабляет дедупликацию.
		f.logger.Warn("failed to cache checkout response", zap.String("key", key), zap.Error(err))
	}

	return res, nil
}

func (f *Factory) createSession(ctx context.Context, tenant *model.Tenant, in Input, key string) (*gateway.Session, error) {
	metadata := make(map[string]string, len(in.Metadata)+2)
	for k, v := range in.Metadata {
		metadata[k] = v
	}
	metadata["tenant_id"] = fmt.Sprintf("%d", tenant.ID)

	req := gateway.SessionRequest{
		AmountCents:    in.AmountCents,
		Currency:       in.Currency,
		Description:    in.Description,
		CustomerEmail:  in.CustomerEmail,
		SuccessURL:     fmt.Sprintf("%s/t/%d/checkout/success?session_id={CHECKOUT_SESSION_ID}", f.baseURL, tenant.ID),
		CancelURL:      fmt.Sprintf("%s/t/%d/checkout/cancel", f.baseURL, tenant.ID),
		Metadata:       metadata,
		IdempotencyKey: key,
	}

	// Средства уходят арендатору только при настроенном направлении выплат;
	// иначе они остаются у платформы, комиссия удерживается при выплате.
	if tenant.PayoutDestination == nil || *tenant.PayoutDestination == "" {
		metadata["settlement"] = "platform"
		return f.gw.CreateSession(ctx, req)
	}

	fee := in.FeeCents
	if fee <= 0 {
		var clamped bool
		fee, clamped = commission.Calculate(tenant.FeePercent, in.AmountCents)
		if clamped {
			f.logger.Info("commission clamped to provider bounds",
				zap.Int64("tenantID", tenant.ID),
				zap.Float64("feePercent", tenant.FeePercent),
				zap.Int64("amountCents", in.AmountCents),
				zap.Int64("feeCents", fee),
			)
		}
	}

	metadata["settlement"] = "tenant"
	metadata["application_fee_cents"] = fmt.Sprintf("%d", fee)

	return f.gw.CreateSplitSession(ctx, gateway.SplitSessionRequest{
		SessionRequest:      req,
		Destination:         *tenant.PayoutDestination,
		ApplicationFeeCents: fee,
	})
}

func decodeResult(payload []byte) (*Result, error) {
	var res Result
	if err := json.Unmarshal(payload, &res); err != nil {
		return nil, fmt.Errorf("decode cached checkout result: %w", err)
	}
	return &res, nil
}
