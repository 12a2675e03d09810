// Package http provides the HTTP client for the external wallet service.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/frankieli/game_tables/internal/modules/wallet/domain"
	"github.com/frankieli/game_tables/pkg/apperr"
	"github.com/frankieli/game_tables/pkg/logger"
	"github.com/frankieli/game_tables/pkg/money"
)

// Ensure Client implements domain.Ledger
var _ domain.Ledger = (*Client)(nil)

// IdempotencyHeader carries the operation key to the wallet service
const IdempotencyHeader = "Idempotency-Key"

// Client calls the wallet service over HTTP JSON
type Client struct {
	BaseURL    string
	Token      string
	Places     int32
	HTTPClient *http.Client
}

// NewClient creates a new wallet client
func NewClient(baseURL, token string, timeout time.Duration, places int32) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		Places:  places,
		HTTPClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type operationRequest struct {
	UserID         string `json:"user_id"`
	Amount         string `json:"amount"`
	IdempotencyKey string `json:"idempotency_key"`
}

type operationResponse struct {
	Success bool   `json:"success"`
	Balance string `json:"balance,omitempty"`
	Message string `json:"message,omitempty"`
}

func (c *Client) Debit(ctx context.Context, op domain.Operation) error {
	return c.post(ctx, "debit", op)
}

func (c *Client) Credit(ctx context.Context, op domain.Operation) error {
	return c.post(ctx, "credit", op)
}

func (c *Client) Refund(ctx context.Context, op domain.Operation) error {
	return c.post(ctx, "refund", op)
}

func (c *Client) post(ctx context.Context, action string, op domain.Operation) error {
	ctx = logger.WithRequestIDIfMissing(ctx)

	body, err := json.Marshal(operationRequest{
		UserID:         op.UserID,
		Amount:         money.String(op.Amount, c.Places),
		IdempotencyKey: op.Key,
	})
	if err != nil {
		return fmt.Errorf("marshal wallet %s: %w", action, err)
	}

	url := fmt.Sprintf("%s/api/v1/wallet/%s", c.BaseURL, action)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(IdempotencyHeader, op.Key)
	req.Header.Set(logger.RequestIDHeader, logger.GetRequestID(ctx))
	if c.Token != "" {
		req.Header.Set("X-Service-Token", c.Token)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s %s: %v", apperr.ErrLedgerUnavailable, action, op.Key, err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s %s: %v", apperr.ErrLedgerUnavailable, action, op.Key, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var parsed operationResponse
	_ = json.Unmarshal(raw, &parsed)

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		return nil
	case resp.StatusCode == http.StatusConflict:
		// already realized under this key
		logger.Debug(ctx).Str("idempotency_key", op.Key).Msg("wallet reported duplicate key")
		return nil
	case resp.StatusCode == http.StatusPaymentRequired:
		return apperr.ErrInsufficientBalance
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("%w: wallet returned status %d: %s", apperr.ErrLedgerUnavailable, resp.StatusCode, parsed.Message)
	default:
		return fmt.Errorf("wallet %s rejected %s with status %d: %s", action, op.Key, resp.StatusCode, string(raw))
	}
}
