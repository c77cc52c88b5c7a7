// Package payment предоставляет клиентов платёжного шлюза.
package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Client инкапсулирует HTTP-взаимодействие с платёжным шлюзом.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// ChargeRequest описывает запрос на списание средств по заказу.
type ChargeRequest struct {
	OrderID uuid.UUID       `json:"order_id"`
	Amount  decimal.Decimal `json:"amount"`
}

// ChargeResponse описывает решение шлюза.
type ChargeResponse struct {
	OrderID  uuid.UUID `json:"order_id"`
	Approved bool      `json:"approved"`
	Reason   string    `json:"reason,omitempty"`
}

// RetryAfterError возвращается, когда шлюз просит повторить запрос позже.
type RetryAfterError struct {
	After time.Duration
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("payment gateway rate limited, retry after %s", e.After)
}

// RetryDelay возвращает паузу, запрошенную шлюзом.
func (e *RetryAfterError) RetryDelay() time.Duration {
	return e.After
}

// NewClient создаёт HTTP-клиент для обращения к платёжному шлюзу по указанному адресу.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// AttemptPayment запрашивает списание суммы по заказу. Идентификатор заказа
// передаётся как ключ идемпотентности, поэтому повторный запрос не списывает средства дважды.
func (c *Client) AttemptPayment(ctx context.Context, orderID uuid.UUID, amount decimal.Decimal) (bool, error) {
	if c == nil || c.baseURL == "" {
		return false, fmt.Errorf("payment client not configured")
	}

	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	body, err := json.Marshal(ChargeRequest{OrderID: orderID, Amount: amount})
	if err != nil {
		return false, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/api/payments", bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", orderID.String())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		retryAfter := time.Duration(0)
		if v := resp.Header.Get("Retry-After"); v != "" {
			if seconds, parseErr := strconv.Atoi(v); parseErr == nil {
				retryAfter = time.Duration(seconds) * time.Second
			}
		}
		return false, &RetryAfterError{After: retryAfter}
	case http.StatusPaymentRequired:
		return false, nil
	case http.StatusOK, http.StatusCreated:
	default:
		return false, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var result ChargeResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return false, fmt.Errorf("decode response: %w", err)
	}

	return result.Approved, nil
}
