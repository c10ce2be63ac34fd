// Package heartbeat processes agent liveness signals and answers with
// configuration and update notices.
package heartbeat

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/mod/semver"

	"github.com/haasonsaas/dirsync/pkg/apierr"
	"github.com/haasonsaas/dirsync/pkg/protocol"
	"github.com/haasonsaas/dirsync/pkg/registry"
	"github.com/haasonsaas/dirsync/pkg/store"
	"github.com/haasonsaas/dirsync/pkg/telemetry"
)

var tracer = otel.Tracer("github.com/haasonsaas/dirsync/pkg/heartbeat")

// Authenticator binds the caller's certificate to the claimed agent.
type Authenticator interface {
	Authenticate(ctx context.Context, agentID, thumbprint string) (*store.AgentCertificate, error)
}

// Release describes the newest published agent build.
type Release struct {
	Version string
	URL     string
}

// Coordinator handles heartbeats.
type Coordinator struct {
	auth     Authenticator
	registry *registry.Registry
	release  Release
	skew     time.Duration
	logger   zerolog.Logger
	now      func() time.Time
}

type Option func(*Coordinator)

func WithRelease(r Release) Option { return func(c *Coordinator) { c.release = r } }

// WithClockSkew bounds how far in the future a reported timestamp may be
// before it is clamped to server time.
func WithClockSkew(d time.Duration) Option { return func(c *Coordinator) { c.skew = d } }

func WithLogger(l zerolog.Logger) Option { return func(c *Coordinator) { c.logger = l } }

func WithClock(now func() time.Time) Option { return func(c *Coordinator) { c.now = now } }

func New(auth Authenticator, reg *registry.Registry, opts ...Option) *Coordinator {
	c := &Coordinator{
		auth:     auth,
		registry: reg,
		skew:     2 * time.Minute,
		logger:   zerolog.Nop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Heartbeat authenticates the channel, records liveness and builds the
// response. Nothing is written when authentication fails.
func (c *Coordinator) Heartbeat(ctx context.Context, peerThumbprint string, req protocol.HeartbeatRequest) (resp *protocol.HeartbeatResponse, err error) {
	ctx, span := tracer.Start(ctx, "heartbeat.Heartbeat")
	span.SetAttributes(attribute.String("agent.id", req.AgentID))
	defer func() { telemetry.Finish(span, err) }()

	if _, err := c.auth.Authenticate(ctx, req.AgentID, peerThumbprint); err != nil {
		return nil, err
	}

	now := c.now().UTC()
	ts := req.Timestamp.UTC()
	if ts.IsZero() || ts.After(now.Add(c.skew)) {
		if !ts.IsZero() {
			c.logger.Warn().Str("agent_id", req.AgentID).Time("reported", ts).Msg("heartbeat timestamp ahead of server clock, clamping")
		}
		ts = now
	}
	status := strings.TrimSpace(req.Status)
	if status == "" {
		status = "Online"
	}
	if len(req.StatusMessage) > 1024 {
		return nil, apierr.Validation("status_message exceeds 1024 characters")
	}

	agent, err := c.registry.RecordHeartbeat(ctx, req.AgentID, registry.HeartbeatUpdate{
		Status:        status,
		StatusMessage: req.StatusMessage,
		Timestamp:     ts,
		Version:       req.Version,
		ConfigVersion: req.ConfigVersion,
	})
	if err != nil {
		return nil, err
	}

	settings, err := c.registry.Settings(ctx)
	if err != nil {
		return nil, err
	}

	resp = &protocol.HeartbeatResponse{Success: true, Message: "heartbeat recorded", ServerTime: now}
	if req.ConfigVersion < settings.Version {
		cfg := settings
		resp.Config = &cfg
	}
	if UpdateAvailable(agent.Version, c.release.Version) {
		resp.UpdateAvailable = true
		resp.UpdateVersion = c.release.Version
		resp.UpdateURL = c.release.URL
	}

	event := c.logger.Debug().Str("agent_id", agent.ID).Str("status", status).Bool("config_sent", resp.Config != nil)
	if m := req.Metrics; m != nil {
		event = event.Int64("uptime_seconds", m.UptimeSeconds).Int("pending_submissions", m.PendingSubmissions)
	}
	event.Msg("heartbeat")
	return resp, nil
}

// UpdateAvailable reports whether latest is a newer semantic version than
// current. Unparseable versions never trigger an update.
func UpdateAvailable(current, latest string) bool {
	cur, lat := canonical(current), canonical(latest)
	if cur == "" || lat == "" {
		return false
	}
	return semver.Compare(lat, cur) > 0
}

func canonical(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return ""
	}
	return v
}
