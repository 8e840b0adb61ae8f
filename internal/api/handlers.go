package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5"

	"listing-repricer/internal/models"
	"listing-repricer/internal/scheduler"
)

const lastTickCacheKey = "repricer:last_tick"

func errJSON(c *gin.Context, status int, code, message string) {
	c.JSON(status, gin.H{"error": gin.H{"code": code, "message": message}})
}

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("id must be a positive integer")
	}
	return id, nil
}

func (s *Server) health(c *gin.Context) {
	ctx, cancel := s.ctx(c)
	defer cancel()

	dbStatus := "connected"
	if err := s.db.Pool.Ping(ctx); err != nil {
		dbStatus = "unreachable"
	}

	redisStatus := "connected"
	if s.redis == nil {
		redisStatus = "disabled"
	} else if err := s.redis.RDB().Ping(ctx).Err(); err != nil {
		redisStatus = "unreachable"
	}

	status := http.StatusOK
	overall := "healthy"
	if dbStatus != "connected" {
		status = http.StatusServiceUnavailable
		overall = "degraded"
	}

	c.JSON(status, gin.H{
		"status":   overall,
		"database": dbStatus,
		"redis":    redisStatus,
	})
}

func (s *Server) listAccounts(c *gin.Context) {
	ctx, cancel := s.ctx(c)
	defer cancel()

	accounts, err := s.accounts.List(ctx)
	if err != nil {
		s.log.Error("list_accounts_failed", "error", err)
		errJSON(c, http.StatusInternalServerError, "internal_error", "failed to list accounts")
		return
	}
	c.JSON(http.StatusOK, gin.H{"accounts": accounts})
}

func (s *Server) getListing(c *gin.Context) {
	id, err := parseID(c.Param("id"))
	if err != nil {
		errJSON(c, http.StatusBadRequest, "invalid_listing_id", err.Error())
		return
	}

	ctx, cancel := s.ctx(c)
	defer cancel()

	l, err := s.listings.Get(ctx, id)
	if errors.Is(err, pgx.ErrNoRows) {
		errJSON(c, http.StatusNotFound, "not_found", "listing not found")
		return
	}
	if err != nil {
		s.log.Error("get_listing_failed", "listing_id", id, "error", err)
		errJSON(c, http.StatusInternalServerError, "internal_error", "failed to load listing")
		return
	}
	c.JSON(http.StatusOK, l)
}

func (s *Server) listingHistory(c *gin.Context) {
	id, err := parseID(c.Param("id"))
	if err != nil {
		errJSON(c, http.StatusBadRequest, "invalid_listing_id", err.Error())
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))

	ctx, cancel := s.ctx(c)
	defer cancel()

	rows, err := s.ledger.History(ctx, id, limit)
	if err != nil {
		s.log.Error("listing_history_failed", "listing_id", id, "error", err)
		errJSON(c, http.StatusInternalServerError, "internal_error", "failed to load history")
		return
	}
	c.JSON(http.StatusOK, gin.H{"listing_id": id, "history": rows})
}

func (s *Server) listingErrors(c *gin.Context) {
	id, err := parseID(c.Param("id"))
	if err != nil {
		errJSON(c, http.StatusBadRequest, "invalid_listing_id", err.Error())
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))

	ctx, cancel := s.ctx(c)
	defer cancel()

	rows, err := s.ledger.Errors(ctx, id, limit)
	if err != nil {
		s.log.Error("listing_errors_failed", "listing_id", id, "error", err)
		errJSON(c, http.StatusInternalServerError, "internal_error", "failed to load errors")
		return
	}
	c.JSON(http.StatusOK, gin.H{"listing_id": id, "errors": rows})
}

func (s *Server) lastTick(c *gin.Context) {
	if s.redis == nil {
		errJSON(c, http.StatusNotFound, "not_found", "no tick summary available")
		return
	}

	ctx, cancel := s.ctx(c)
	defer cancel()

	cached, err := s.redis.Get(ctx, lastTickCacheKey)
	if err != nil || cached == "" {
		errJSON(c, http.StatusNotFound, "not_found", "no tick summary available")
		return
	}
	c.Data(http.StatusOK, "application/json", []byte(cached))
}

type connectRequest struct {
	RefreshCredential string `json:"refresh_credential"`
}

func (s *Server) connectAccount(c *gin.Context) {
	accountID := strings.TrimSpace(c.Param("id"))
	if accountID == "" {
		errJSON(c, http.StatusBadRequest, "invalid_account_id", "account id required")
		return
	}

	var req connectRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.RefreshCredential) == "" {
		errJSON(c, http.StatusBadRequest, "invalid_request", "refresh_credential required")
		return
	}

	ctx, cancel := s.ctx(c)
	defer cancel()

	if err := s.accounts.Connect(ctx, accountID, req.RefreshCredential); err != nil {
		s.log.Error("account_connect_failed", "account_id", accountID, "error", err)
		errJSON(c, http.StatusInternalServerError, "internal_error", "failed to store credential")
		return
	}
	c.JSON(http.StatusOK, gin.H{"account_id": accountID, "status": string(models.AccountConnected)})
}

func (s *Server) disconnectAccount(c *gin.Context) {
	accountID := strings.TrimSpace(c.Param("id"))
	if accountID == "" {
		errJSON(c, http.StatusBadRequest, "invalid_account_id", "account id required")
		return
	}

	ctx, cancel := s.ctx(c)
	defer cancel()

	err := s.accounts.Disconnect(ctx, accountID)
	if errors.Is(err, pgx.ErrNoRows) {
		errJSON(c, http.StatusNotFound, "not_found", "account not found")
		return
	}
	if err != nil {
		s.log.Error("account_disconnect_failed", "account_id", accountID, "error", err)
		errJSON(c, http.StatusInternalServerError, "internal_error", "failed to disconnect account")
		return
	}
	c.JSON(http.StatusOK, gin.H{"account_id": accountID, "status": string(models.AccountDisconnected)})
}

type upsertListingRequest struct {
	AccountID        string `json:"account_id"`
	ItemID           string `json:"item_id"`
	PriceMinor       int64  `json:"price_minor"`
	FloorMinor       int64  `json:"floor_minor"`
	Currency         string `json:"currency"`
	Strategy         string `json:"strategy"`
	PercentBP        int    `json:"percent_bp"`
	IntervalSeconds  int64  `json:"interval_seconds"`
	StepCapBP        int    `json:"step_cap_bp"`
	TargetPercentile int    `json:"target_percentile"`
	MoveBP           int    `json:"move_bp"`
	ReductionEnabled bool   `json:"reduction_enabled"`
	ListedAt         string `json:"listed_at"`
}

func (s *Server) upsertListing(c *gin.Context) {
	var req upsertListingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errJSON(c, http.StatusBadRequest, "invalid_request", "malformed body")
		return
	}
	if req.AccountID == "" || req.ItemID == "" {
		errJSON(c, http.StatusBadRequest, "invalid_request", "account_id and item_id required")
		return
	}
	if req.PriceMinor <= 0 || req.FloorMinor < 0 || req.FloorMinor > req.PriceMinor {
		errJSON(c, http.StatusBadRequest, "invalid_request", "price_minor must be positive and not below floor_minor")
		return
	}
	switch models.Strategy(req.Strategy) {
	case models.StrategyFixedPercentage, models.StrategyTimeBased, models.StrategyMarketBased:
	default:
		errJSON(c, http.StatusBadRequest, "invalid_request", "unknown strategy")
		return
	}

	l := models.Listing{
		AccountID:  req.AccountID,
		ItemID:     req.ItemID,
		PriceMinor: req.PriceMinor,
		FloorMinor: req.FloorMinor,
		Currency:   strings.ToUpper(strings.TrimSpace(req.Currency)),
		Strategy:   models.Strategy(req.Strategy),
		Params: models.StrategyParams{
			PercentBP:        req.PercentBP,
			Interval:         time.Duration(req.IntervalSeconds) * time.Second,
			StepCapBP:        req.StepCapBP,
			TargetPercentile: req.TargetPercentile,
			MoveBP:           req.MoveBP,
		},
		Status:           models.ListingActive,
		ReductionEnabled: req.ReductionEnabled,
	}
	if l.Currency == "" {
		l.Currency = "USD"
	}
	if req.ListedAt != "" {
		t, err := time.Parse(time.RFC3339, req.ListedAt)
		if err != nil {
			errJSON(c, http.StatusBadRequest, "invalid_request", "listed_at must be RFC 3339")
			return
		}
		l.ListedAt = t
	}

	ctx, cancel := s.ctx(c)
	defer cancel()

	id, err := s.listings.Upsert(ctx, l)
	if err != nil {
		s.log.Error("listing_upsert_failed", "account_id", req.AccountID, "item_id", req.ItemID, "error", err)
		errJSON(c, http.StatusInternalServerError, "internal_error", "failed to upsert listing")
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id})
}

func (s *Server) archiveListing(c *gin.Context) {
	id, err := parseID(c.Param("id"))
	if err != nil {
		errJSON(c, http.StatusBadRequest, "invalid_listing_id", err.Error())
		return
	}

	ctx, cancel := s.ctx(c)
	defer cancel()

	if err := s.listings.Archive(ctx, id); err != nil {
		errJSON(c, http.StatusNotFound, "not_found", "listing not found or already archived")
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "status": string(models.ListingArchived)})
}

type repriceRequest struct {
	AccountID string `json:"account_id"`
	ListingID int64  `json:"listing_id"`
}

// triggerReprice runs one tick inline and returns its summary. The tick
// deadline bounds the request; use the worker for full-scale runs.
func (s *Server) triggerReprice(c *gin.Context) {
	if s.sched == nil {
		errJSON(c, http.StatusServiceUnavailable, "scheduler_unavailable", "scheduler not configured")
		return
	}

	var req repriceRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			errJSON(c, http.StatusBadRequest, "invalid_request", "malformed body")
			return
		}
	}

	summary, err := s.sched.RunTick(c.Request.Context(), scheduler.Filter{
		AccountID: req.AccountID,
		ListingID: req.ListingID,
	})
	if err != nil {
		s.log.Error("manual_tick_failed", "error", err)
		errJSON(c, http.StatusInternalServerError, "internal_error", "tick failed")
		return
	}

	if s.redis != nil {
		if payload, err := json.Marshal(summary); err == nil {
			_ = s.redis.Set(c.Request.Context(), lastTickCacheKey, string(payload), 24*time.Hour)
		}
	}

	c.JSON(http.StatusOK, summary)
}
