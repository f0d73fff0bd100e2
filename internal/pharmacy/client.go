// Package pharmacy talks to the external supplier gateway that accepts
// replenishment orders.
package pharmacy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/medguard/stock-engine/internal/domain/reorder"
)

// Config holds gateway connection settings.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// DefaultConfig returns client defaults; BaseURL and APIKey come from
// the environment.
func DefaultConfig() Config {
	return Config{Timeout: 10 * time.Second}
}

// Client implements reorder.OrderingClient against the HTTP gateway.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  *zap.Logger
}

// NewClient creates a gateway client.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: cfg.Timeout},
		logger:  logger,
	}
}

type orderRequest struct {
	MedicationID string          `json:"medication_id"`
	Quantity     decimal.Decimal `json:"quantity"`
}

type orderResponse struct {
	OrderRef   string          `json:"order_ref"`
	Quantity   decimal.Decimal `json:"quantity"`
	AcceptedAt time.Time       `json:"accepted_at"`
}

// PlaceOrder posts a replenishment order and returns the supplier's
// confirmation. Transport failures and non-2xx responses wrap
// reorder.ErrExternalService so the trigger's retry and breaker logic
// can classify them.
func (c *Client) PlaceOrder(ctx context.Context, medicationID string, quantity decimal.Decimal) (*reorder.Confirmation, error) {
	payload, err := json.Marshal(orderRequest{MedicationID: medicationID, Quantity: quantity})
	if err != nil {
		return nil, fmt.Errorf("encode order: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/orders", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", reorder.ErrExternalService, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: gateway returned %d: %s",
			reorder.ErrExternalService, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed orderResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("%w: decode confirmation: %w", reorder.ErrExternalService, err)
	}
	if parsed.OrderRef == "" {
		return nil, fmt.Errorf("%w: confirmation missing order_ref", reorder.ErrExternalService)
	}
	if parsed.AcceptedAt.IsZero() {
		parsed.AcceptedAt = time.Now().UTC()
	}

	c.logger.Debug("order placed",
		zap.String("medication_id", medicationID),
		zap.String("order_ref", parsed.OrderRef),
		zap.String("quantity", parsed.Quantity.String()))

	return &reorder.Confirmation{
		OrderRef:   parsed.OrderRef,
		Quantity:   parsed.Quantity,
		AcceptedAt: parsed.AcceptedAt,
	}, nil
}
