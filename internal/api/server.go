package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"listing-repricer/internal/config"
	"listing-repricer/internal/db"
	"listing-repricer/internal/redis"
	"listing-repricer/internal/scheduler"
	"listing-repricer/internal/security"
	"listing-repricer/internal/store"
)

type Server struct {
	log      *slog.Logger
	db       *db.DB
	redis    *redis.Client
	cfg      config.Config
	router   *gin.Engine
	accounts *store.Accounts
	listings *store.Listings
	ledger   *store.Ledger
	sched    *scheduler.Scheduler

	// in-process per-IP fallback when redis is unavailable
	ipLimiters *security.LimiterStore
}

func NewServer(log *slog.Logger, dbConn *db.DB, redisClient *redis.Client, cfg config.Config, accounts *store.Accounts, listings *store.Listings, ledger *store.Ledger, sched *scheduler.Scheduler) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		log:        log,
		db:         dbConn,
		redis:      redisClient,
		cfg:        cfg,
		router:     gin.New(),
		accounts:   accounts,
		listings:   listings,
		ledger:     ledger,
		sched:      sched,
		ipLimiters: security.NewLimiterStore(rate.Limit(1), 60, 10*time.Minute),
	}

	r := s.router
	r.Use(gin.Recovery())
	r.Use(s.corsMiddleware())
	r.Use(s.loggingMiddleware())
	r.Use(s.rateLimitMiddleware())

	v1 := r.Group("/api/v1")
	{
		v1.GET("/health", s.health)
		v1.GET("/accounts", s.listAccounts)
		v1.GET("/listings/:id", s.getListing)
		v1.GET("/listings/:id/history", s.listingHistory)
		v1.GET("/listings/:id/errors", s.listingErrors)
		v1.GET("/ticks/last", s.lastTick)

		admin := v1.Group("/admin")
		admin.Use(s.adminAuthMiddleware())
		{
			admin.POST("/accounts/:id/credential", s.connectAccount)
			admin.POST("/accounts/:id/disconnect", s.disconnectAccount)
			admin.POST("/listings", s.upsertListing)
			admin.POST("/listings/:id/archive", s.archiveListing)
			admin.POST("/reprice", s.triggerReprice)
		}
	}

	r.GET("/healthz", func(c *gin.Context) { c.JSON(200, gin.H{"ok": true}) })

	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) ctx(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), 10*time.Second)
}
