package marketplace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"listing-repricer/internal/security"
)

// AccessCredential is a short-lived secret used to authorize individual
// remote calls. It lives in memory for the duration of a tick's calls for
// one account and is never persisted or logged.
type AccessCredential struct {
	Token     string
	ExpiresAt time.Time
}

// CredentialSource is the durable side of the token lifecycle: per-account
// encrypted refresh credentials plus the connection-status flag.
type CredentialSource interface {
	// EncryptedRefreshCredential returns the stored ciphertext for the
	// account, or ok=false when the account has no credential (never
	// connected, disconnected, or already invalidated).
	EncryptedRefreshCredential(ctx context.Context, accountID string) (enc string, ok bool, err error)

	// MarkInvalid flips the account to invalid and clears the stored
	// credential, permanently excluding it from scheduling until the user
	// re-authorizes.
	MarkInvalid(ctx context.Context, accountID string) error
}

// TokenLifecycle converts a long-lived refresh credential into short-lived
// access credentials on demand. Credentials are fetched fresh for every tick
// that touches an account; there is no cross-tick cache, so a stale
// credential can never be shared between concurrent runs.
type TokenLifecycle struct {
	log        *slog.Logger
	creds      CredentialSource
	key        []byte
	authURL    string
	httpClient *http.Client
}

func NewTokenLifecycle(log *slog.Logger, creds CredentialSource, encryptionKey []byte, authURL string) (*TokenLifecycle, error) {
	if len(encryptionKey) != 32 {
		return nil, errors.New("encryption key must be 32 bytes")
	}
	if strings.TrimSpace(authURL) == "" {
		return nil, errors.New("auth url required")
	}

	return &TokenLifecycle{
		log:        log,
		creds:      creds,
		key:        encryptionKey,
		authURL:    authURL,
		httpClient: NewHTTPClient(),
	}, nil
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	Error       string `json:"error"`
}

// AccessCredential exchanges the account's refresh credential for an access
// credential. Error classes:
//   - NotConnected: no stored credential
//   - DecryptionFailed: ciphertext unreadable with the current process key
//   - RefreshRejected: remote invalidated the refresh credential; the
//     account is marked invalid as a side effect
//   - RateLimited / Transient: remote throttling or outage, status untouched
func (t *TokenLifecycle) AccessCredential(ctx context.Context, accountID string) (AccessCredential, error) {
	enc, ok, err := t.creds.EncryptedRefreshCredential(ctx, accountID)
	if err != nil {
		return AccessCredential{}, newCallError("token_exchange", ClassTransient, 0, err)
	}
	if !ok {
		return AccessCredential{}, newCallError("token_exchange", ClassNotConnected, 0, nil)
	}

	refresh, err := security.DecryptCredential(enc, t.key)
	if err != nil {
		t.log.Error("credential_decrypt_failed", "account_id", accountID, "error", err)
		return AccessCredential{}, newCallError("token_exchange", ClassDecryptionFailed, 0, err)
	}

	cred, err := t.exchange(ctx, accountID, refresh)
	if err != nil {
		var ce *CallError
		if errors.As(err, &ce) && ce.Class == ClassRefreshRejected {
			if markErr := t.creds.MarkInvalid(ctx, accountID); markErr != nil {
				t.log.Error("mark_invalid_failed", "account_id", accountID, "error", markErr)
			} else {
				t.log.Warn("refresh_credential_rejected", "account_id", accountID)
			}
		}
		return AccessCredential{}, err
	}

	return cred, nil
}

func (t *TokenLifecycle) exchange(ctx context.Context, accountID, refresh string) (AccessCredential, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refresh)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.authURL, strings.NewReader(form.Encode()))
	if err != nil {
		return AccessCredential{}, newCallError("token_exchange", ClassTransient, 0, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return AccessCredential{}, newCallError("token_exchange", ClassTransient, 0, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return AccessCredential{}, newCallError("token_exchange", ClassTransient, resp.StatusCode, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		var tr tokenResponse
		if err := json.Unmarshal(body, &tr); err != nil || tr.AccessToken == "" {
			return AccessCredential{}, newCallError("token_exchange", ClassTransient, resp.StatusCode, fmt.Errorf("malformed token response"))
		}
		expires := time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
		return AccessCredential{Token: tr.AccessToken, ExpiresAt: expires}, nil

	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized:
		// invalid_grant means the refresh credential itself is dead, not a
		// transient auth hiccup
		var tr tokenResponse
		_ = json.Unmarshal(body, &tr)
		if tr.Error == "invalid_grant" || resp.StatusCode == http.StatusUnauthorized {
			return AccessCredential{}, newCallError("token_exchange", ClassRefreshRejected, resp.StatusCode, nil)
		}
		return AccessCredential{}, newCallError("token_exchange", ClassClientError, resp.StatusCode, fmt.Errorf("auth endpoint error %q", tr.Error))

	case resp.StatusCode == http.StatusTooManyRequests:
		ce := newCallError("token_exchange", ClassRateLimited, resp.StatusCode, nil)
		ce.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
		return AccessCredential{}, ce

	default:
		return AccessCredential{}, newCallError("token_exchange", ClassTransient, resp.StatusCode, nil)
	}
}

func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}
