package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/haasonsaas/dirsync/pkg/apierr"
	"github.com/haasonsaas/dirsync/pkg/auth"
	"github.com/haasonsaas/dirsync/pkg/backoff"
	"github.com/haasonsaas/dirsync/pkg/ca"
	"github.com/haasonsaas/dirsync/pkg/client"
	"github.com/haasonsaas/dirsync/pkg/collector"
	"github.com/haasonsaas/dirsync/pkg/config"
	"github.com/haasonsaas/dirsync/pkg/health"
	"github.com/haasonsaas/dirsync/pkg/hostinfo"
	"github.com/haasonsaas/dirsync/pkg/payload"
	"github.com/haasonsaas/dirsync/pkg/protocol"
)

const (
	healthInterval    = 5 * time.Minute
	maxSubmitAttempts = 10
	minCycleWait      = time.Second
)

// Runtime holds everything the agent knows between cycles. It is driven
// by a single goroutine and is not safe for concurrent use.
type Runtime struct {
	cfg     *config.AgentConfig
	api     *client.Client
	source  collector.Collector
	host    func(context.Context) *hostinfo.Info
	logger  zerolog.Logger
	now     func() time.Time
	sleep   func(context.Context, time.Duration) error
	retry   *retrier
	version string

	// failures spaces out cycles after an error; queue spaces out
	// resubmissions of a single batch.
	failures *backoff.Backoff
	queue    backoff.Policy

	identity       *auth.Identity
	registered     bool
	bootstrapToken string
	settings       protocol.AgentSettings

	startedAt      time.Time
	lastHeartbeat  time.Time
	lastCollection time.Time
	collectTook    time.Duration
	nextHealth     time.Time
	lastHealth     *health.HealthStatus
	noticedUpdate  string

	pending []pendingSubmission
}

type pendingSubmission struct {
	req       protocol.SubmitDataRequest
	attempts  int
	notBefore time.Time
}

type runtimeDeps struct {
	client  *client.Client
	source  collector.Collector
	host    func(context.Context) *hostinfo.Info
	logger  zerolog.Logger
	now     func() time.Time
	version string
}

func newRuntime(cfg *config.AgentConfig, deps runtimeDeps) *Runtime {
	now := deps.now
	if now == nil {
		now = time.Now
	}
	host := deps.host
	if host == nil {
		host = hostinfo.NewCollector(5 * time.Second).Collect
	}
	initial := time.Duration(cfg.Server.RetryInitialMs) * time.Millisecond
	maxDelay := time.Duration(cfg.Server.RetryMaxMs) * time.Millisecond
	return &Runtime{
		cfg:      cfg,
		api:      deps.client,
		source:   deps.source,
		host:     host,
		logger:   deps.logger,
		now:      now,
		sleep:    sleepContext,
		retry:    newRetrier(cfg.Server.RetryInitialMs, cfg.Server.RetryMaxMs, cfg.Server.RetryMaxRetries, deps.logger),
		version:  deps.version,
		failures: backoff.New(initial, maxDelay),
		queue:    backoff.NewPolicy(initial, time.Hour),
		identity: &auth.Identity{},
		settings: defaultSettings(),
	}
}

// defaultSettings applies until the server sends a configuration.
func defaultSettings() protocol.AgentSettings {
	return protocol.AgentSettings{
		HeartbeatIntervalSeconds:  60,
		CollectionIntervalSeconds: 3600,
		EnabledDataTypes:          append([]protocol.DataType(nil), protocol.AllDataTypes...),
	}
}

// Run loads the stored identity and advances the runtime until ctx is
// cancelled. A failed cycle is logged and retried; it never ends Run.
func (r *Runtime) Run(ctx context.Context) error {
	if err := r.loadIdentity(); err != nil {
		return err
	}
	r.startedAt = r.now()
	for {
		wait := r.cycle(ctx)
		if err := r.sleep(ctx, wait); err != nil {
			r.logger.Info().Int("pending_submissions", len(r.pending)).Msg("Agent stopping")
			return nil
		}
	}
}

func (r *Runtime) loadIdentity() error {
	id, err := auth.LoadIdentity(r.cfg.Identity.Path)
	if errors.Is(err, os.ErrNotExist) {
		r.logger.Info().Str("path", r.cfg.Identity.Path).Msg("No stored identity, agent will enroll")
		return nil
	}
	if err != nil {
		return err
	}
	r.identity = id
	if err := r.api.SetIdentity(id); err != nil {
		return fmt.Errorf("load client certificate: %w", err)
	}
	r.logger.Info().Str("agent_id", id.AgentID).Str("thumbprint", id.Thumbprint).Time("not_after", id.NotAfter).Msg("Loaded existing identity")
	return nil
}

// cycle runs one pass and returns how long to wait before the next.
func (r *Runtime) cycle(ctx context.Context) time.Duration {
	if err := r.step(ctx); err != nil {
		if ctx.Err() != nil {
			return 0
		}
		delay := r.failures.Next()
		r.logger.Error().Err(err).Int("failures", r.failures.Attempt()).Dur("retry_in", delay).Msg("Agent cycle failed")
		return delay
	}
	r.failures.Reset()
	return r.untilNextDue()
}

func (r *Runtime) step(ctx context.Context) error {
	if err := r.ensureEnrolled(ctx); err != nil {
		return err
	}

	if ca.NearExpiry(r.identity.NotAfter, r.now(), r.cfg.Identity.RenewBefore.Std()) {
		if err := r.renew(ctx); err != nil {
			// The current certificate still works until it expires.
			r.logger.Warn().Err(r.callFailed(err)).Time("not_after", r.identity.NotAfter).Msg("Certificate renewal failed")
			if !r.identity.HasCertificate() {
				return err
			}
		}
	}

	if r.due(r.lastHeartbeat, r.settings.HeartbeatIntervalSeconds) {
		if err := r.heartbeat(ctx); err != nil {
			return r.callFailed(err)
		}
	}

	if r.due(r.lastCollection, r.settings.CollectionIntervalSeconds) {
		r.collect(ctx)
	}
	r.flushPending(ctx)

	if !r.now().Before(r.nextHealth) {
		r.checkHealth(ctx)
	}
	return nil
}

func (r *Runtime) due(last time.Time, intervalSeconds int) bool {
	return last.IsZero() || !r.now().Before(last.Add(seconds(intervalSeconds)))
}

func (r *Runtime) untilNextDue() time.Duration {
	now := r.now()
	next := r.lastHeartbeat.Add(seconds(r.settings.HeartbeatIntervalSeconds))
	if c := r.lastCollection.Add(seconds(r.settings.CollectionIntervalSeconds)); c.Before(next) {
		next = c
	}
	for _, p := range r.pending {
		if p.notBefore.Before(next) {
			next = p.notBefore
		}
	}
	if r.identity.HasCertificate() {
		if renewAt := r.identity.NotAfter.Add(-r.cfg.Identity.RenewBefore.Std()); renewAt.After(now) && renewAt.Before(next) {
			next = renewAt
		}
	}
	wait := next.Sub(now)
	if wait < minCycleWait {
		wait = minCycleWait
	}
	return wait
}

func seconds(n int) time.Duration {
	if n <= 0 {
		n = 60
	}
	return time.Duration(n) * time.Second
}

// callFailed reacts to errors that invalidate local state and returns
// err unchanged.
func (r *Runtime) callFailed(err error) error {
	switch {
	case client.IsCode(err, apierr.CodeAuthenticationFailed):
		r.logger.Warn().Err(err).Msg("Server rejected the agent certificate, re-enrolling")
		r.dropCertificate()
	case client.IsCode(err, apierr.CodeAgentNotFound):
		r.logger.Warn().Str("agent_id", r.identity.AgentID).Msg("Server no longer knows this agent, registering again")
		r.identity.AgentID = ""
		r.dropCertificate()
	case client.IsCode(err, apierr.CodeAgentDeactivated):
		r.logger.Error().Str("agent_id", r.identity.AgentID).Msg("Agent is deactivated on the server")
	}
	return err
}

// dropCertificate forgets the in-memory certificate so the next cycle
// registers for a bootstrap token. The file on disk is replaced only once
// a new certificate arrives.
func (r *Runtime) dropCertificate() {
	r.identity.CertificatePEM = ""
	r.identity.PrivateKeyPEM = ""
	r.identity.ChainPEM = ""
	r.identity.Thumbprint = ""
	r.identity.NotAfter = time.Time{}
	r.registered = false
	_ = r.api.SetIdentity(r.identity)
}

func (r *Runtime) ensureEnrolled(ctx context.Context) error {
	if r.identity.HasCertificate() && !r.now().Before(r.identity.NotAfter) {
		r.logger.Warn().Time("not_after", r.identity.NotAfter).Msg("Client certificate expired, re-enrolling")
		r.dropCertificate()
	}
	if !r.registered {
		if err := r.register(ctx); err != nil {
			return err
		}
	}
	if r.identity.HasCertificate() {
		return nil
	}
	return r.bootstrap(ctx)
}

func (r *Runtime) register(ctx context.Context) error {
	host := r.host(ctx)
	req := protocol.RegisterRequest{
		Name:        firstNonEmpty(r.cfg.Agent.Name, host.Hostname),
		Type:        r.cfg.Agent.Type,
		Version:     r.version,
		MachineName: firstNonEmpty(r.cfg.Agent.MachineName, host.MachineName),
		IPAddress:   host.IPAddress,
		Domain:      firstNonEmpty(r.cfg.Agent.Domain, host.Domain),
		OSInfo:      host.OSInfo(),
	}
	var resp *protocol.RegisterResponse
	err := r.retry.do(ctx, "register", func(ctx context.Context) error {
		var err error
		resp, err = r.api.Register(ctx, req)
		return err
	})
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}

	if r.identity.AgentID != "" && r.identity.AgentID != resp.AgentID {
		r.logger.Warn().Str("old_agent_id", r.identity.AgentID).Str("agent_id", resp.AgentID).Msg("Server assigned a new agent id")
		r.identity.AgentID = resp.AgentID
		r.dropCertificate()
	}
	r.identity.AgentID = resp.AgentID
	r.bootstrapToken = resp.BootstrapToken
	r.registered = true
	if resp.Config != nil {
		r.applySettings(*resp.Config)
	}
	r.logger.Info().Str("agent_id", resp.AgentID).Str("machine", req.MachineName).Bool("created", resp.Created).Msg(resp.Message)
	return nil
}

func (r *Runtime) bootstrap(ctx context.Context) error {
	token := r.bootstrapToken
	r.bootstrapToken = ""
	if token == "" {
		// Register again next cycle; an operator may have revoked the
		// active certificate by then.
		r.registered = false
		return fmt.Errorf("agent %s has no usable certificate and the server issued no bootstrap token; revoke its active certificate to re-enroll", r.identity.AgentID)
	}
	resp, err := r.api.GenerateCertificate(ctx, protocol.GenerateCertificateRequest{
		AgentID:        r.identity.AgentID,
		Subject:        protocol.SubjectAttributes{CommonName: r.identity.AgentID},
		ValidityDays:   r.cfg.Identity.ValidityDays,
		BootstrapToken: token,
	})
	if err != nil {
		r.registered = false
		return fmt.Errorf("generate certificate: %w", err)
	}
	return r.installCertificate(resp, "Certificate issued")
}

func (r *Runtime) renew(ctx context.Context) error {
	resp, err := r.api.RenewCertificate(ctx, protocol.RenewCertificateRequest{
		AgentID:           r.identity.AgentID,
		CurrentThumbprint: r.identity.Thumbprint,
		ValidityDays:      r.cfg.Identity.ValidityDays,
	})
	if err != nil {
		return fmt.Errorf("renew certificate: %w", err)
	}
	return r.installCertificate(resp, "Certificate renewed")
}

// installCertificate switches to the new certificate before saving it:
// the server has already retired the previous one.
func (r *Runtime) installCertificate(resp *protocol.CertificateResponse, msg string) error {
	next := *r.identity
	if err := next.SetCertificate(resp.CertificatePEM, resp.PrivateKeyPEM, resp.ChainPEM); err != nil {
		return fmt.Errorf("install certificate: %w", err)
	}
	if err := r.api.SetIdentity(&next); err != nil {
		return fmt.Errorf("install certificate: %w", err)
	}
	r.identity = &next
	r.logger.Info().Str("agent_id", next.AgentID).Str("thumbprint", next.Thumbprint).Time("not_after", next.NotAfter).Msg(msg)
	if err := persistIdentity(r.cfg.Identity.Path, &next); err != nil {
		return fmt.Errorf("save identity: %w", err)
	}
	return nil
}

func (r *Runtime) heartbeat(ctx context.Context) error {
	status, message := "Online", ""
	if r.lastHealth != nil && !r.lastHealth.Healthy {
		status, message = "Degraded", strings.Join(r.lastHealth.Issues, "; ")
	}
	req := protocol.HeartbeatRequest{
		AgentID:       r.identity.AgentID,
		Status:        status,
		StatusMessage: message,
		Timestamp:     r.now().UTC(),
		Version:       r.version,
		ConfigVersion: r.settings.Version,
		Metrics:       r.metrics(),
	}
	var resp *protocol.HeartbeatResponse
	err := r.retry.do(ctx, "heartbeat", func(ctx context.Context) error {
		var err error
		resp, err = r.api.Heartbeat(ctx, req)
		return err
	})
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	r.lastHeartbeat = r.now()
	if resp.Config != nil {
		r.applySettings(*resp.Config)
	}
	if resp.UpdateAvailable && resp.UpdateVersion != r.noticedUpdate {
		r.noticedUpdate = resp.UpdateVersion
		r.logger.Warn().Str("current_version", r.version).Str("available_version", resp.UpdateVersion).
			Str("url", resp.UpdateURL).Msg("Agent update available")
	}
	r.logger.Debug().Str("status", status).Msg("Heartbeat sent")
	return nil
}

func (r *Runtime) metrics() *protocol.HeartbeatMetrics {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	m := &protocol.HeartbeatMetrics{
		PendingSubmissions: len(r.pending),
		LastCollectionMs:   r.collectTook.Milliseconds(),
		MemoryUsageBytes:   mem.Sys,
	}
	if !r.startedAt.IsZero() {
		m.UptimeSeconds = int64(r.now().Sub(r.startedAt) / time.Second)
	}
	return m
}

func (r *Runtime) applySettings(s protocol.AgentSettings) {
	if s.HeartbeatIntervalSeconds <= 0 {
		s.HeartbeatIntervalSeconds = r.settings.HeartbeatIntervalSeconds
	}
	if s.CollectionIntervalSeconds <= 0 {
		s.CollectionIntervalSeconds = r.settings.CollectionIntervalSeconds
	}
	if s.Version != r.settings.Version {
		r.logger.Info().Int64("version", s.Version).Int("heartbeat_interval_s", s.HeartbeatIntervalSeconds).
			Int("collection_interval_s", s.CollectionIntervalSeconds).Interface("data_types", s.EnabledDataTypes).
			Msg("Applied server configuration")
	}
	r.settings = s
}

func (r *Runtime) collect(ctx context.Context) {
	start := r.now()
	r.lastCollection = start
	for _, dt := range r.settings.EnabledDataTypes {
		batch, err := collector.Collect(ctx, r.source, dt, r.cfg.Collector.Encoding, r.cfg.Collector.Compression)
		if errors.Is(err, collector.ErrNotAvailable) {
			r.logger.Debug().Stringer("data_type", dt).Msg("Nothing to collect")
			continue
		}
		if err != nil {
			r.logger.Error().Err(err).Stringer("data_type", dt).Msg("Collection failed")
			continue
		}
		hash, err := payload.Sum(r.cfg.Collector.HashAlgorithm, batch.Payload)
		if err != nil {
			r.logger.Error().Err(err).Stringer("data_type", dt).Msg("Hashing payload failed")
			continue
		}
		r.submit(ctx, pendingSubmission{req: protocol.SubmitDataRequest{
			DataType:    dt,
			CollectedAt: start.UTC(),
			RecordCount: batch.RecordCount,
			Encoding:    batch.Encoding,
			Compression: batch.Compression,
			Payload:     batch.Payload,
			PayloadHash: hash,
		}})
	}
	r.collectTook = r.now().Sub(start)
}

func (r *Runtime) submit(ctx context.Context, p pendingSubmission) {
	p.req.AgentID = r.identity.AgentID
	var resp *protocol.SubmitDataResponse
	err := r.retry.do(ctx, "submit-data", func(ctx context.Context) error {
		var err error
		resp, err = r.api.SubmitData(ctx, p.req)
		return err
	})
	logger := r.logger.With().Stringer("data_type", p.req.DataType).Int("records", p.req.RecordCount).Logger()
	if err != nil {
		if client.IsRetryable(err) || client.IsCode(r.callFailed(err), apierr.CodeAuthenticationFailed) {
			r.enqueue(p, err)
			return
		}
		logger.Error().Err(err).Msg("Submission rejected, dropping batch")
		return
	}

	event := logger.Info()
	if !resp.Success {
		event = logger.Warn()
	}
	event.Str("submission_id", resp.SubmissionID).Str("status", resp.Status).Bool("duplicate", resp.Duplicate).
		Int("processed", resp.ProcessedCount).Int("errors", resp.ErrorCount).Msg("Submission finished")
}

// enqueue keeps a batch for a later attempt. A newer batch of the same
// data type replaces a queued one; the queue drops its oldest entry when
// full.
func (r *Runtime) enqueue(p pendingSubmission, cause error) {
	p.attempts++
	if p.attempts >= maxSubmitAttempts {
		r.logger.Error().Err(cause).Stringer("data_type", p.req.DataType).Int("attempts", p.attempts).Msg("Giving up on submission")
		return
	}
	p.notBefore = r.now().Add(r.queue.Delay(p.attempts - 1))
	if apiErr, ok := client.AsError(cause); ok && apiErr.RetryAfter.After(p.notBefore) {
		p.notBefore = apiErr.RetryAfter
	}

	kept := r.pending[:0]
	for _, q := range r.pending {
		if q.req.DataType != p.req.DataType {
			kept = append(kept, q)
		}
	}
	r.pending = append(kept, p)
	if limit := r.cfg.Collector.MaxPending; limit > 0 && len(r.pending) > limit {
		dropped := r.pending[0]
		r.pending = r.pending[1:]
		r.logger.Warn().Stringer("data_type", dropped.req.DataType).Msg("Pending queue full, dropping oldest submission")
	}
	r.logger.Warn().Err(cause).Stringer("data_type", p.req.DataType).Int("attempt", p.attempts).
		Time("retry_at", p.notBefore).Msg("Submission queued for retry")
}

func (r *Runtime) flushPending(ctx context.Context) {
	if len(r.pending) == 0 {
		return
	}
	now := r.now()
	var ready []pendingSubmission
	kept := r.pending[:0]
	for _, p := range r.pending {
		if now.Before(p.notBefore) {
			kept = append(kept, p)
		} else {
			ready = append(ready, p)
		}
	}
	r.pending = kept
	for _, p := range ready {
		if ctx.Err() != nil {
			r.pending = append(r.pending, p)
			continue
		}
		r.submit(ctx, p)
	}
}

func (r *Runtime) checkHealth(ctx context.Context) {
	r.nextHealth = r.now().Add(healthInterval)
	status := health.Check(ctx, health.Options{
		Client:              r.api.HTTPClient(),
		ServerURL:           r.api.BaseURL(),
		MaxTimeDrift:        time.Duration(r.cfg.Health.TimeDriftMaxS) * time.Second,
		CertificateNotAfter: r.identity.NotAfter,
		RenewBefore:         r.cfg.Identity.RenewBefore.Std(),
		Now:                 r.now,
	})
	r.lastHealth = status
	if !status.Healthy {
		r.logger.Warn().Strs("issues", status.Issues).Msg("Health check reported issues")
		return
	}
	r.logger.Debug().Int("time_drift_s", status.TimeDrift).Msg("Health check passed")
}

// persistIdentity keeps the previous identity as a backup until the new
// one is safely on disk.
func persistIdentity(path string, id *auth.Identity) error {
	backup := path + ".bak"
	if _, err := os.Stat(path); err == nil {
		if err := os.Rename(path, backup); err != nil {
			return err
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}

	if err := id.Save(path); err != nil {
		if _, restoreErr := os.Stat(backup); restoreErr == nil {
			_ = os.Rename(backup, path)
		}
		return err
	}

	if err := os.Remove(backup); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
