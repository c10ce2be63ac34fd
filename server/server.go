package main

import (
	"context"
	"crypto/subtle"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/haasonsaas/dirsync/pkg/auth"
	"github.com/haasonsaas/dirsync/pkg/backoff"
	"github.com/haasonsaas/dirsync/pkg/ca"
	"github.com/haasonsaas/dirsync/pkg/config"
	"github.com/haasonsaas/dirsync/pkg/events"
	"github.com/haasonsaas/dirsync/pkg/heartbeat"
	"github.com/haasonsaas/dirsync/pkg/protocol"
	"github.com/haasonsaas/dirsync/pkg/registry"
	"github.com/haasonsaas/dirsync/pkg/store"
	"github.com/haasonsaas/dirsync/pkg/submission"
)

const peerThumbprintContextKey = "peer_thumbprint"

type Server struct {
	cfg         *config.ServerConfig
	db          *gorm.DB
	ca          *ca.Authority
	registry    *registry.Registry
	heartbeats  *heartbeat.Coordinator
	pipeline    *submission.Pipeline
	rateLimiter *RateLimiter
	logger      zerolog.Logger
	now         func() time.Time
}

// serverDeps are the collaborators shared by every service.
type serverDeps struct {
	db     *gorm.DB
	keys   *ca.KeyPair
	locker store.Locker
	events events.Publisher
	logger zerolog.Logger
	now    func() time.Time
}

func newServer(cfg *config.ServerConfig, deps serverDeps) (*Server, error) {
	if deps.locker == nil {
		deps.locker = store.NewMemoryLocker()
	}
	if deps.events == nil {
		deps.events = events.Nop{}
	}
	if deps.now == nil {
		deps.now = time.Now
	}

	enabled, err := config.ParseDataTypes(cfg.Agents.EnabledDataTypes)
	if err != nil {
		return nil, err
	}
	partial, err := config.ParseDataTypes(cfg.Agents.PartialSuccessTypes)
	if err != nil {
		return nil, err
	}

	secret := cfg.Agents.BootstrapSecret
	if secret == "" {
		// Tokens then only survive as long as this process.
		raw, err := auth.GenerateToken()
		if err != nil {
			return nil, err
		}
		secret = raw
		deps.logger.Warn().Msg("agents.bootstrap_secret not set, using an ephemeral secret")
	}

	authority := ca.New(deps.db, deps.keys, ca.Policy{
		MinValidityDays:     cfg.Policy.MinValidityDays,
		MaxValidityDays:     cfg.Policy.MaxValidityDays,
		DefaultValidityDays: cfg.Policy.DefaultValidityDays,
		RenewalThreshold:    cfg.Policy.RenewalThreshold.Std(),
	},
		ca.WithLocker(deps.locker),
		ca.WithPublisher(deps.events),
		ca.WithLogger(deps.logger.With().Str("component", "ca").Logger()),
		ca.WithClock(deps.now),
	)

	reg := registry.New(deps.db, auth.NewTokenHasher([]byte(secret)), protocol.AgentSettings{
		Version:                   1,
		HeartbeatIntervalSeconds:  cfg.Agents.HeartbeatIntervalS,
		CollectionIntervalSeconds: cfg.Agents.CollectionIntervalS,
		EnabledDataTypes:          enabled,
	},
		registry.WithLocker(deps.locker),
		registry.WithPublisher(deps.events),
		registry.WithLogger(deps.logger.With().Str("component", "registry").Logger()),
		registry.WithClock(deps.now),
		registry.WithBootstrapTTL(cfg.Agents.BootstrapTokenTTL.Std()),
	)

	coordinator := heartbeat.New(authority, reg,
		heartbeat.WithRelease(heartbeat.Release{Version: cfg.Agents.LatestRelease.Version, URL: cfg.Agents.LatestRelease.URL}),
		heartbeat.WithClockSkew(cfg.Agents.ClockSkew.Std()),
		heartbeat.WithLogger(deps.logger.With().Str("component", "heartbeat").Logger()),
		heartbeat.WithClock(deps.now),
	)

	pipeline := submission.New(deps.db, authority, reg, submission.Config{
		RecencyWindow:   cfg.Agents.RecencyWindow.Std(),
		MaxRetries:      cfg.Agents.MaxRetries,
		Backoff:         backoff.NewPolicy(cfg.Agents.RetryInitial.Std(), cfg.Agents.RetryMax.Std()),
		PartialSuccess:  partial,
		MaxPayloadBytes: cfg.Agents.MaxPayloadMB << 20,
	},
		submission.WithLocker(deps.locker),
		submission.WithPublisher(deps.events),
		submission.WithLogger(deps.logger.With().Str("component", "submission").Logger()),
		submission.WithClock(deps.now),
	)

	limiter := NewRateLimiter()
	limiter.now = deps.now

	return &Server{
		cfg:         cfg,
		db:          deps.db,
		ca:          authority,
		registry:    reg,
		heartbeats:  coordinator,
		pipeline:    pipeline,
		rateLimiter: limiter,
		logger:      deps.logger,
		now:         deps.now,
	}, nil
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(recovery(s.logger), withRequestContext(s.logger))

	r.GET("/health", s.handleHealth)

	agents := r.Group("/agents", s.peerIdentity)
	agents.POST("/register", s.rateLimited("register", s.cfg.Agents.RegisterRatePerMin, time.Minute, func(c *gin.Context) string {
		return c.ClientIP()
	}, s.handleRegister))
	agents.POST("/heartbeat", s.handleHeartbeat)
	agents.POST("/submit-data", s.handleSubmitData)

	certs := agents.Group("/certificates")
	certs.POST("/generate", s.rateLimited("generate", 10, time.Minute, func(c *gin.Context) string {
		return c.ClientIP()
	}, s.handleGenerateCertificate))
	certs.POST("/renew", s.handleRenewCertificate)
	certs.POST("/revoke", s.handleRevokeCertificate)
	certs.POST("/validate", s.handleValidateCertificate)
	certs.GET("/:agentId", s.handleListCertificates)

	s.registerAdminRoutes(r)
	return r
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	status := http.StatusOK
	db := "ok"
	if err := store.Ping(ctx, s.db); err != nil {
		requestLogger(c, s.logger).Error().Err(err).Msg("database ping failed")
		status = http.StatusServiceUnavailable
		db = "unavailable"
	}
	c.JSON(status, gin.H{
		"success":      status == http.StatusOK,
		"status":       db,
		"version":      Version,
		"time":         s.now().UTC(),
		"rate_limiter": s.rateLimiter.Stats(),
	})
}

// peerIdentity records the thumbprint of the client certificate: the TLS
// peer when present, else the proxy header when trusted.
func (s *Server) peerIdentity(c *gin.Context) {
	if tp := s.thumbprintFromRequest(c.Request); tp != "" {
		c.Set(peerThumbprintContextKey, tp)
	}
	c.Next()
}

func (s *Server) thumbprintFromRequest(r *http.Request) string {
	if r.TLS != nil && len(r.TLS.PeerCertificates) > 0 {
		return auth.Thumbprint(r.TLS.PeerCertificates[0])
	}
	if !s.cfg.TLS.TrustProxyHeader {
		return ""
	}
	raw := r.Header.Get(s.cfg.TLS.ProxyHeader)
	if raw == "" {
		return ""
	}
	decoded, err := url.QueryUnescape(raw)
	if err != nil {
		return ""
	}
	cert, err := auth.ParseCertificatePEM([]byte(decoded))
	if err != nil {
		return ""
	}
	return auth.Thumbprint(cert)
}

func peerThumbprint(c *gin.Context) string {
	return c.GetString(peerThumbprintContextKey)
}

func (s *Server) requireAdmin(c *gin.Context) {
	authz := c.GetHeader("Authorization")
	if s.cfg.Admin.Token == "" {
		c.AbortWithStatusJSON(http.StatusForbidden, protocol.ErrorResponse{
			Message: "admin API disabled", ErrorCode: "admin_disabled", RequestID: requestID(c),
		})
		return
	}
	if !strings.HasPrefix(authz, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, protocol.ErrorResponse{
			Message: "missing bearer token", ErrorCode: "unauthorized", RequestID: requestID(c),
		})
		return
	}
	token := strings.TrimPrefix(authz, "Bearer ")
	if !secureCompare(token, s.cfg.Admin.Token) {
		c.AbortWithStatusJSON(http.StatusUnauthorized, protocol.ErrorResponse{
			Message: "invalid bearer token", ErrorCode: "unauthorized", RequestID: requestID(c),
		})
		return
	}
	c.Next()
}

func secureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// runSweeper expires elapsed certificates every interval until ctx ends.
func (s *Server) runSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		s.sweepOnce(ctx)
		s.rateLimiter.Prune()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) sweepOnce(ctx context.Context) {
	result, err := s.ca.ExpireStale(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("certificate sweep failed")
		return
	}
	for _, cert := range result.Expiring {
		s.logger.Warn().Str("agent_id", cert.AgentID).Str("thumbprint", cert.Thumbprint).
			Time("not_after", cert.NotAfter).Msg("agent certificate nearing expiry")
	}
	if len(result.Expired) > 0 {
		s.logger.Info().Int("expired", len(result.Expired)).Msg("expired stale certificates")
	}
}
