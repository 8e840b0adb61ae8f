package marketplace

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestClassifyStatus(t *testing.T) {
	cases := []struct {
		code int
		want Class
	}{
		{http.StatusTooManyRequests, ClassRateLimited},
		{http.StatusUnauthorized, ClassAuthError},
		{http.StatusBadRequest, ClassClientError},
		{http.StatusNotFound, ClassClientError},
		{http.StatusConflict, ClassClientError},
		{http.StatusInternalServerError, ClassTransient},
		{http.StatusBadGateway, ClassTransient},
		{http.StatusServiceUnavailable, ClassTransient},
	}

	for _, tc := range cases {
		if got := classifyStatus(tc.code); got != tc.want {
			t.Errorf("status %d: expected %s, got %s", tc.code, tc.want, got)
		}
	}
}

func TestClassOf_WrappedCallError(t *testing.T) {
	inner := newCallError("update_price", ClassClientError, 400, nil)
	wrapped := fmt.Errorf("listing 42: %w", inner)

	if got := ClassOf(wrapped); got != ClassClientError {
		t.Errorf("expected client_error through wrapping, got %s", got)
	}
}

func TestClassOf_UntypedDefaultsToTransient(t *testing.T) {
	if got := ClassOf(errors.New("connection reset")); got != ClassTransient {
		t.Errorf("expected transient for untyped error, got %s", got)
	}
}

func TestIsPermanent(t *testing.T) {
	permanent := []Class{ClassClientError, ClassAuthError, ClassRefreshRejected, ClassNotConnected, ClassDecryptionFailed}
	for _, c := range permanent {
		if !IsPermanent(newCallError("op", c, 0, nil)) {
			t.Errorf("expected %s to be permanent", c)
		}
	}

	retryable := []Class{ClassTransient, ClassRateLimited}
	for _, c := range retryable {
		if IsPermanent(newCallError("op", c, 0, nil)) {
			t.Errorf("expected %s to be retryable", c)
		}
	}
}

func TestIsAccountLevel(t *testing.T) {
	if !IsAccountLevel(newCallError("token_exchange", ClassRefreshRejected, 400, nil)) {
		t.Error("refresh_rejected should be account-level")
	}
	if IsAccountLevel(newCallError("update_price", ClassClientError, 400, nil)) {
		t.Error("client_error should be listing-level")
	}
}
