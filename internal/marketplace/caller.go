package marketplace

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"listing-repricer/internal/security"
)

// TokenSource yields a fresh access credential for an account. Implemented
// by TokenLifecycle; the caller uses it for the single re-refresh allowed
// after a mid-call credential rejection.
type TokenSource interface {
	AccessCredential(ctx context.Context, accountID string) (AccessCredential, error)
}

// CallerConfig configures the rate-limited call layer.
type CallerConfig struct {
	BaseURL string

	// GlobalMaxConcurrent caps concurrent outbound calls across all accounts.
	GlobalMaxConcurrent int

	// AccountRate / AccountBurst bound per-account call frequency,
	// independent of the remote service's own limits.
	AccountRate  rate.Limit
	AccountBurst int

	Retry RetryConfig
}

// Caller wraps all outbound marketplace item calls with per-account and
// global limits, bounded retry with backoff, and error classification.
// Price updates carry an absolute new price, so the remote treats a retried
// request as an idempotent replacement.
type Caller struct {
	log        *slog.Logger
	cfg        CallerConfig
	httpClient *http.Client
	tokens     TokenSource
	limiters   *security.LimiterStore
	sem        chan struct{}
	breaker    *CircuitBreaker
}

func NewCaller(log *slog.Logger, tokens TokenSource, cfg CallerConfig) *Caller {
	if cfg.GlobalMaxConcurrent <= 0 {
		cfg.GlobalMaxConcurrent = 20
	}
	if cfg.AccountRate <= 0 {
		cfg.AccountRate = rate.Limit(0.5) // 30/min
	}
	if cfg.AccountBurst <= 0 {
		cfg.AccountBurst = 5
	}
	if cfg.Retry.MaxRetries <= 0 {
		cfg.Retry = DefaultRetryConfig()
	}

	return &Caller{
		log:        log,
		cfg:        cfg,
		httpClient: NewHTTPClient(),
		tokens:     tokens,
		limiters:   security.NewLimiterStore(cfg.AccountRate, cfg.AccountBurst, 30*time.Minute),
		sem:        make(chan struct{}, cfg.GlobalMaxConcurrent),
		breaker:    NewCircuitBreaker(),
	}
}

type priceUpdateBody struct {
	Price struct {
		Value    string `json:"value"`
		Currency string `json:"currency"`
	} `json:"price"`
}

// UpdatePrice submits an absolute new price for one item. Retryable
// failures (Transient, RateLimited) are retried up to the configured bound
// with backoff; a 401 triggers exactly one token re-refresh and one retry
// before becoming a permanent AuthError.
func (c *Caller) UpdatePrice(ctx context.Context, accountID string, cred AccessCredential, itemID string, priceMinor int64, currency string) error {
	endpoint := fmt.Sprintf("%s/sell/items/%s/price", strings.TrimRight(c.cfg.BaseURL, "/"), itemID)

	var body priceUpdateBody
	body.Price.Value = FormatMinor(priceMinor)
	body.Price.Currency = currency

	payload, err := json.Marshal(body)
	if err != nil {
		return newCallError("update_price", ClassClientError, 0, err)
	}

	authRetried := false
	var lastErr error

	for attempt := 0; attempt <= c.cfg.Retry.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return newCallError("update_price", ClassTransient, 0, err)
		}

		ce := c.doOnce(ctx, accountID, cred.Token, endpoint, payload)
		if ce == nil {
			return nil
		}
		lastErr = ce

		switch ce.Class {
		case ClassAuthError:
			if authRetried {
				return ce
			}
			authRetried = true
			fresh, err := c.tokens.AccessCredential(ctx, accountID)
			if err != nil {
				return err
			}
			cred = fresh
			// retry immediately with the fresh credential; does not consume
			// a backoff attempt
			attempt--
			continue

		case ClassRateLimited, ClassTransient:
			if attempt == c.cfg.Retry.MaxRetries {
				return ce
			}
			wait := CalculateBackoff(c.cfg.Retry, attempt, ce.RetryAfter)
			c.log.Debug("update_price_retry",
				"account_id", accountID,
				"item_id", itemID,
				"class", string(ce.Class),
				"attempt", attempt+1,
				"backoff", wait.String(),
			)
			if err := sleepCtx(ctx, wait); err != nil {
				return newCallError("update_price", ClassTransient, 0, err)
			}
			continue

		default:
			return ce
		}
	}

	return lastErr
}

// doOnce performs one attempt: global slot, per-account pacing, breaker
// check, then the request itself.
func (c *Caller) doOnce(ctx context.Context, accountID, token, endpoint string, payload []byte) *CallError {
	select {
	case c.sem <- struct{}{}:
		defer func() { <-c.sem }()
	case <-ctx.Done():
		return newCallError("update_price", ClassTransient, 0, ctx.Err())
	}

	if err := c.limiters.Wait(ctx, accountID); err != nil {
		return newCallError("update_price", ClassTransient, 0, err)
	}

	if !c.breaker.Allow() {
		return newCallError("update_price", ClassTransient, 0, fmt.Errorf("circuit %s", c.breaker.StateString()))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(payload))
	if err != nil {
		return newCallError("update_price", ClassClientError, 0, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.breaker.RecordFailure()
		return newCallError("update_price", ClassTransient, 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		c.breaker.RecordSuccess()
		return nil
	}

	class := classifyStatus(resp.StatusCode)
	if class == ClassTransient {
		c.breaker.RecordFailure()
	} else {
		// 4xx means the service is answering; only server-side failures
		// should trip the breaker
		c.breaker.RecordSuccess()
	}

	ce := newCallError("update_price", class, resp.StatusCode, nil)
	if class == ClassRateLimited {
		ce.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
	}
	return ce
}

// FormatMinor renders minor units as a decimal string ("9000" -> "90.00").
// The marketplace price endpoints take decimal strings, never floats.
func FormatMinor(minor int64) string {
	neg := ""
	if minor < 0 {
		neg = "-"
		minor = -minor
	}
	return fmt.Sprintf("%s%d.%02d", neg, minor/100, minor%100)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
