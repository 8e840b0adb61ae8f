package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"listing-repricer/internal/config"
	"listing-repricer/internal/logging"
	"listing-repricer/internal/security"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testServer(adminKey string) *Server {
	return &Server{
		log: logging.New("error"),
		cfg: config.Config{
			AdminSecretKey: adminKey,
			CORSOrigins:    []string{"http://localhost:3000"},
		},
	}
}

func TestAdminAuth_MissingKey(t *testing.T) {
	s := testServer("sekret")
	router := gin.New()
	router.Use(s.adminAuthMiddleware())
	router.POST("/reprice", func(c *gin.Context) { c.JSON(200, gin.H{"ok": true}) })

	req, _ := http.NewRequest("POST", "/reprice", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without key, got %d", w.Code)
	}
}

func TestAdminAuth_InvalidKey(t *testing.T) {
	s := testServer("sekret")
	router := gin.New()
	router.Use(s.adminAuthMiddleware())
	router.POST("/reprice", func(c *gin.Context) { c.JSON(200, gin.H{"ok": true}) })

	req, _ := http.NewRequest("POST", "/reprice", nil)
	req.Header.Set("X-Admin-Key", "wrong")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403 for wrong key, got %d", w.Code)
	}
}

func TestAdminAuth_ValidKeyAndBearerFallback(t *testing.T) {
	s := testServer("sekret")
	router := gin.New()
	router.Use(s.adminAuthMiddleware())
	router.POST("/reprice", func(c *gin.Context) { c.JSON(200, gin.H{"ok": true}) })

	tests := []struct {
		name   string
		header string
		value  string
	}{
		{"x-admin-key header", "X-Admin-Key", "sekret"},
		{"bearer fallback", "Authorization", "Bearer sekret"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest("POST", "/reprice", nil)
			req.Header.Set(tt.header, tt.value)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			if w.Code != http.StatusOK {
				t.Errorf("expected 200, got %d: %s", w.Code, w.Body.String())
			}
		})
	}
}

func TestAdminAuth_UnconfiguredBackend(t *testing.T) {
	s := testServer("")
	router := gin.New()
	router.Use(s.adminAuthMiddleware())
	router.POST("/reprice", func(c *gin.Context) { c.JSON(200, gin.H{"ok": true}) })

	req, _ := http.NewRequest("POST", "/reprice", nil)
	req.Header.Set("X-Admin-Key", "anything")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("expected 500 when backend key unset, got %d", w.Code)
	}
}

func TestCORS_AllowedOriginAndPreflight(t *testing.T) {
	s := testServer("sekret")
	router := gin.New()
	router.Use(s.corsMiddleware())
	router.GET("/health", func(c *gin.Context) { c.JSON(200, gin.H{"ok": true}) })

	req, _ := http.NewRequest("GET", "/health", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("allow-origin = %q", got)
	}

	pre, _ := http.NewRequest("OPTIONS", "/health", nil)
	pre.Header.Set("Origin", "http://localhost:3000")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, pre)

	if w.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want 204", w.Code)
	}
}

func TestCORS_DisallowedOrigin(t *testing.T) {
	s := testServer("sekret")
	router := gin.New()
	router.Use(s.corsMiddleware())
	router.GET("/health", func(c *gin.Context) { c.JSON(200, gin.H{"ok": true}) })

	req, _ := http.NewRequest("GET", "/health", nil)
	req.Header.Set("Origin", "https://evil.example")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("allow-origin leaked for disallowed origin: %q", got)
	}
}

func TestRateLimit_InProcessFallback(t *testing.T) {
	// no redis wired: the per-IP token bucket takes over
	s := testServer("sekret")
	s.ipLimiters = security.NewLimiterStore(rate.Limit(1), 2, time.Minute)

	router := gin.New()
	router.Use(s.rateLimitMiddleware())
	router.GET("/health", func(c *gin.Context) { c.JSON(200, gin.H{"ok": true}) })

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req, _ := http.NewRequest("GET", "/health", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}

	if codes[0] != http.StatusOK || codes[1] != http.StatusOK {
		t.Errorf("burst requests = %v, first two should pass", codes)
	}
	if codes[2] != http.StatusTooManyRequests {
		t.Errorf("third request = %d, want 429", codes[2])
	}
}

func TestParseID(t *testing.T) {
	tests := []struct {
		raw     string
		want    int64
		wantErr bool
	}{
		{"42", 42, false},
		{" 7 ", 7, false},
		{"0", 0, true},
		{"-3", 0, true},
		{"abc", 0, true},
		{"", 0, true},
	}

	for _, tt := range tests {
		got, err := parseID(tt.raw)
		if tt.wantErr != (err != nil) {
			t.Errorf("parseID(%q) err = %v, wantErr %v", tt.raw, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("parseID(%q) = %d, want %d", tt.raw, got, tt.want)
		}
	}
}

func TestConnectAccount_RequiresCredential(t *testing.T) {
	// binding-level validation only; the store is not touched on bad input
	router := gin.New()
	router.POST("/accounts/:id/credential", func(c *gin.Context) {
		var req connectRequest
		if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.RefreshCredential) == "" {
			errJSON(c, http.StatusBadRequest, "invalid_request", "refresh_credential required")
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	tests := []struct {
		name     string
		body     string
		expected int
	}{
		{"empty body", ``, http.StatusBadRequest},
		{"empty credential", `{"refresh_credential":""}`, http.StatusBadRequest},
		{"whitespace credential", `{"refresh_credential":"   "}`, http.StatusBadRequest},
		{"valid", `{"refresh_credential":"rt-abc123"}`, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest("POST", "/accounts/acct-1/credential", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			if w.Code != tt.expected {
				t.Errorf("expected %d, got %d: %s", tt.expected, w.Code, w.Body.String())
			}
		})
	}
}
