// Package processor is the HTTP client for the external payment processor.
// Every call carries an idempotency key derived from the milestone id, so a
// retried call can never place a second hold or a second transfer.
package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"escrowengine/pkg/circuitbreaker"
	"escrowengine/pkg/metrics"
	"escrowengine/pkg/util"
)

// API is what the orchestrators need from the processor.
type API interface {
	PlaceHold(ctx context.Context, idempotencyKey string, amountCents int64, paymentMethodRef string) (string, error)
	Release(ctx context.Context, idempotencyKey string, holdID string) (string, error)
	CancelHold(ctx context.Context, idempotencyKey string, holdID string) error
	LookupOperation(ctx context.Context, idempotencyKey string) (*Operation, error)
}

// Operation is the processor-side record for an idempotency key, used to
// resolve "unknown outcome" after a timed-out call.
type Operation struct {
	IdempotencyKey string `json:"idempotency_key"`
	Status         string `json:"status"` // completed / pending / not_found
	HoldID         string `json:"hold_id,omitempty"`
	TransferID     string `json:"transfer_id,omitempty"`
}

// ErrOperationNotFound means the processor has no record for the key: the
// timed-out call never landed and a retry is safe.
var ErrOperationNotFound = errors.New("processor has no operation for idempotency key")

type Client struct {
	baseURL    string
	httpClient *http.Client
	breaker    *circuitbreaker.CircuitBreaker
	maxRetries int
	logger     *zap.Logger
}

func NewClient(baseURL string, timeout time.Duration, maxRetries int, logger *zap.Logger) *Client {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		breaker:    circuitbreaker.NewCircuitBreaker(circuitbreaker.DefaultConfig()),
		maxRetries: maxRetries,
		logger:     logger,
	}
}

type holdRequest struct {
	IdempotencyKey   string `json:"idempotency_key"`
	AmountCents      int64  `json:"amount_cents"`
	PaymentMethodRef string `json:"payment_method_ref"`
}

type holdResponse struct {
	HoldID string `json:"hold_id"`
}

type releaseRequest struct {
	IdempotencyKey string `json:"idempotency_key"`
	HoldID         string `json:"hold_id"`
}

type releaseResponse struct {
	TransferID string `json:"transfer_id"`
}

// PlaceHold asks the processor to hold amountCents on the client's payment
// method. Retries transient failures up to the configured bound; after a
// timeout it re-queries the idempotency key before retrying so a hold that
// landed is returned instead of re-placed.
func (c *Client) PlaceHold(ctx context.Context, idempotencyKey string, amountCents int64, paymentMethodRef string) (string, error) {
	var holdID string

	err := c.withRetries(ctx, "place_hold", idempotencyKey, func() error {
		var resp holdResponse
		err := c.post(ctx, "/holds", holdRequest{
			IdempotencyKey:   idempotencyKey,
			AmountCents:      amountCents,
			PaymentMethodRef: paymentMethodRef,
		}, &resp)
		if err != nil {
			return err
		}
		holdID = resp.HoldID
		return nil
	}, func(op *Operation) bool {
		if op.Status == "completed" && op.HoldID != "" {
			holdID = op.HoldID
			return true
		}
		return false
	})
	if err != nil {
		return "", err
	}

	return holdID, nil
}

// Release transfers the held funds to the professional.
func (c *Client) Release(ctx context.Context, idempotencyKey string, holdID string) (string, error) {
	var transferID string

	err := c.withRetries(ctx, "release", idempotencyKey, func() error {
		var resp releaseResponse
		err := c.post(ctx, "/releases", releaseRequest{
			IdempotencyKey: idempotencyKey,
			HoldID:         holdID,
		}, &resp)
		if err != nil {
			return err
		}
		transferID = resp.TransferID
		return nil
	}, func(op *Operation) bool {
		if op.Status == "completed" && op.TransferID != "" {
			transferID = op.TransferID
			return true
		}
		return false
	})
	if err != nil {
		return "", err
	}

	return transferID, nil
}

// CancelHold drops a hold whose local funding commit failed (saga compensation).
func (c *Client) CancelHold(ctx context.Context, idempotencyKey string, holdID string) error {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		fmt.Sprintf("%s/holds/%s", c.baseURL, holdID), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Idempotency-Key", idempotencyKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.RecordProcessorCall("cancel_hold", "error", time.Since(start))
		return fmt.Errorf("failed to call payment processor: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		metrics.RecordProcessorCall("cancel_hold", fmt.Sprintf("%d", resp.StatusCode), time.Since(start))
		if resp.StatusCode >= 500 {
			return fmt.Errorf("payment processor 5xx: %d", resp.StatusCode)
		}
		return fmt.Errorf("payment processor unexpected status: %d", resp.StatusCode)
	}

	metrics.RecordProcessorCall("cancel_hold", "ok", time.Since(start))
	return nil
}

// LookupOperation fetches the processor-side state of an idempotency key.
func (c *Client) LookupOperation(ctx context.Context, idempotencyKey string) (*Operation, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/operations/%s", c.baseURL, idempotencyKey), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call payment processor: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrOperationNotFound
	}
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("payment processor 5xx: %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("payment processor unexpected status: %d", resp.StatusCode)
	}

	var op Operation
	if err := json.NewDecoder(resp.Body).Decode(&op); err != nil {
		return nil, err
	}
	return &op, nil
}

// withRetries runs call under the circuit breaker with a bounded retry loop.
// After any failure whose outcome is ambiguous, resolved(op) gets a chance to
// recover the result from the processor's idempotency record.
func (c *Client) withRetries(ctx context.Context, operation, idempotencyKey string, call func() error, resolved func(*Operation) bool) error {
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
			}
		}

		start := time.Now()
		err := c.breaker.Execute(call)
		if err == nil {
			metrics.RecordProcessorCall(operation, "ok", time.Since(start))
			return nil
		}
		metrics.RecordProcessorCall(operation, "error", time.Since(start))
		lastErr = err

		if errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen) {
			break
		}

		retryable, errType := util.IsRetryableError(err)
		c.logger.Warn("Payment processor call failed",
			zap.String("operation", operation),
			zap.String("idempotency_key", idempotencyKey),
			zap.String("error_type", errType),
			zap.Bool("retryable", retryable),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)

		if !retryable {
			return err
		}

		// A timeout is an unknown outcome, not a failure: ask the processor
		// what actually happened before trying again.
		if errType == "network_timeout" || errType == "timeout" {
			op, lookupErr := c.LookupOperation(ctx, idempotencyKey)
			if lookupErr == nil && resolved(op) {
				metrics.RecordProcessorCall(operation, "recovered", time.Since(start))
				return nil
			}
			if lookupErr != nil && !errors.Is(lookupErr, ErrOperationNotFound) {
				c.logger.Warn("Failed to look up operation after timeout",
					zap.String("idempotency_key", idempotencyKey),
					zap.Error(lookupErr),
				)
			}
		}
	}

	return fmt.Errorf("processor %s exhausted retries: %w", operation, lastErr)
}

// post sends a JSON request and decodes a JSON response.
func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call payment processor: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("payment processor 5xx: %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("payment processor error: %d", resp.StatusCode)
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

// IdempotencyKey derives the processor idempotency key for a milestone. The
// milestone id is stable across retries, which is the whole point.
func IdempotencyKey(milestoneID int64) string {
	return fmt.Sprintf("milestone-%d", milestoneID)
}
