// Package calendar предоставляет клиент внешнего календаря занятости.
package calendar

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mmeshcher/booking-system/internal/model"
)

// cacheTTL — время жизни кэша занятых блоков. Внешний календарь не пишется
// этим сервисом, поэтому инвалидация сверх истечения срока не требуется.
const cacheTTL = 5 * time.Minute

// Client запрашивает занятые интервалы из внешнего фида календаря.
// Результаты кэшируются в redis по ключу арендатор+дата.
type Client struct {
	baseURL    string
	httpClient *retryablehttp.Client
	cache      *redis.Client
	logger     *zap.Logger
}

// NewClient создаёт клиент фида по указанному адресу.
// cache может быть nil — тогда каждый запрос идёт в фид напрямую.
func NewClient(baseURL string, cache *redis.Client, logger *zap.Logger) *Client {
	httpClient := retryablehttp.NewClient()
	httpClient.RetryMax = 2
	httpClient.HTTPClient.Timeout = 5 * time.Second
	httpClient.Logger = nil

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		cache:      cache,
		logger:     logger,
	}
}

// GetBusyBlocks возвращает занятые интервалы арендатора в диапазоне [from, to).
func (c *Client) GetBusyBlocks(ctx context.Context, tenantID int64, from, to time.Time) ([]model.BusyBlock, error) {
	cacheKey := fmt.Sprintf("busy:%d:%s:%s", tenantID, from.UTC().Format("2006-01-02T15:04"), to.UTC().Format("2006-01-02T15:04"))

	if blocks, ok := c.fromCache(ctx, cacheKey); ok {
		return blocks, nil
	}

	blocks, err := c.fetch(ctx, tenantID, from, to)
	if err != nil {
		return nil, err
	}

	c.toCache(ctx, cacheKey, blocks)

	return blocks, nil
}

func (c *Client) fetch(ctx context.Context, tenantID int64, from, to time.Time) ([]model.BusyBlock, error) {
	url := fmt.Sprintf("%s/tenants/%d/busy?from=%s&to=%s",
		c.baseURL, tenantID,
		from.UTC().Format(time.RFC3339),
		to.UTC().Format(time.RFC3339),
	)

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch busy blocks: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var blocks []model.BusyBlock
	if err := json.NewDecoder(resp.Body).Decode(&blocks); err != nil {
		return nil, fmt.Errorf("decode busy blocks: %w", err)
	}

	return blocks, nil
}

func (c *Client) fromCache(ctx context.Context, key string) ([]model.BusyBlock, bool) {
	if c.cache == nil {
		return nil, false
	}

	raw, err := c.cache.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("busy block cache read error", zap.Error(err))
		}
		return nil, false
	}

	var blocks []model.BusyBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		c.logger.Warn("busy block cache decode error", zap.Error(err))
		return nil, false
	}

	return blocks, true
}

func (c *Client) toCache(ctx context.Context, key string, blocks []model.BusyBlock) {
	if c.cache == nil {
		return
	}

	raw, err := json.Marshal(blocks)
	if err != nil {
		return
	}

	// Кэш — побочное улучшение: сбой записи не влияет на ответ.
	if err := c.cache.Set(ctx, key, raw, cacheTTL).Err(); err != nil {
		c.logger.Warn("busy block cache write error", zap.Error(err))
	}
}
