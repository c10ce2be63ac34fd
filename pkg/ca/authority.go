// Package ca issues, validates, renews and revokes agent client
// certificates and records every issuance in the certificate store.
package ca

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"

	"github.com/haasonsaas/dirsync/pkg/apierr"
	"github.com/haasonsaas/dirsync/pkg/auth"
	"github.com/haasonsaas/dirsync/pkg/events"
	"github.com/haasonsaas/dirsync/pkg/protocol"
	"github.com/haasonsaas/dirsync/pkg/store"
	"github.com/haasonsaas/dirsync/pkg/telemetry"
)

var tracer = otel.Tracer("github.com/haasonsaas/dirsync/pkg/ca")

// Certificate usages.
const (
	UsageClientAuth   = "client-auth"
	UsageClientServer = "client-server"
)

// agentURIPrefix marks the URI SAN that binds a certificate to an agent id.
const agentURIPrefix = "urn:dirsync:agent:"

// Policy bounds issuance.
type Policy struct {
	MinValidityDays     int
	MaxValidityDays     int
	DefaultValidityDays int
	// RenewalThreshold is how long before notAfter a certificate counts
	// as near expiry.
	RenewalThreshold time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		MinValidityDays:     1,
		MaxValidityDays:     365,
		DefaultValidityDays: 90,
		RenewalThreshold:    14 * 24 * time.Hour,
	}
}

// IssueRequest asks for a new certificate for an agent.
type IssueRequest struct {
	AgentID         string
	Subject         protocol.SubjectAttributes
	ValidityDays    int
	Usage           string
	SubjectAltNames []string
}

// IssuedCertificate is the result of Issue and Renew. PrivateKeyPEM is
// handed to the caller once and never stored.
type IssuedCertificate struct {
	Record         store.AgentCertificate
	CertificatePEM string
	PrivateKeyPEM  string
	ChainPEM       string
}

// RenewRequest replaces the agent's active certificate.
type RenewRequest struct {
	AgentID           string
	CurrentThumbprint string
	ValidityDays      int
	RevokeOld         bool
}

// Page is one page of List results.
type Page struct {
	Items    []store.AgentCertificate
	Total    int64
	Page     int
	PageSize int
}

// Authority is the certificate authority service.
type Authority struct {
	db     *gorm.DB
	keys   *KeyPair
	policy Policy
	locker store.Locker
	events events.Publisher
	logger zerolog.Logger
	now    func() time.Time
}

type Option func(*Authority)

func WithLocker(l store.Locker) Option { return func(a *Authority) { a.locker = l } }

func WithPublisher(p events.Publisher) Option { return func(a *Authority) { a.events = p } }

func WithLogger(l zerolog.Logger) Option { return func(a *Authority) { a.logger = l } }

func WithClock(now func() time.Time) Option { return func(a *Authority) { a.now = now } }

func New(db *gorm.DB, keys *KeyPair, policy Policy, opts ...Option) *Authority {
	if policy.MinValidityDays <= 0 {
		policy.MinValidityDays = 1
	}
	if policy.MaxValidityDays < policy.MinValidityDays {
		policy.MaxValidityDays = policy.MinValidityDays
	}
	if policy.DefaultValidityDays <= 0 {
		policy.DefaultValidityDays = policy.MaxValidityDays
	}
	a := &Authority{
		db:     db,
		keys:   keys,
		policy: policy,
		locker: store.NewMemoryLocker(),
		events: events.Nop{},
		logger: zerolog.Nop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Authority) Policy() Policy    { return a.policy }
func (a *Authority) KeyPair() *KeyPair { return a.keys }

func (a *Authority) clock() time.Time { return a.now().UTC() }

// ChainPEM is the PEM of the issuing CA.
func (a *Authority) ChainPEM() string { return string(a.keys.CertificatePEM) }

func (a *Authority) validityDays(days int) (int, error) {
	if days == 0 {
		days = a.policy.DefaultValidityDays
	}
	if days < a.policy.MinValidityDays || days > a.policy.MaxValidityDays {
		return 0, apierr.Validation("validity_days must be between %d and %d, got %d",
			a.policy.MinValidityDays, a.policy.MaxValidityDays, days)
	}
	return days, nil
}

func normalizeUsage(usage string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(usage)) {
	case "", UsageClientAuth:
		return UsageClientAuth, nil
	case UsageClientServer:
		return UsageClientServer, nil
	default:
		return "", apierr.Validation("unsupported key usage %q", usage)
	}
}

func (a *Authority) lock(ctx context.Context, agentID string) (func(), error) {
	unlock, err := a.locker.Lock(ctx, agentID)
	if err != nil {
		return nil, apierr.Transient(err, time.Time{}, "agent %s is busy", agentID)
	}
	return unlock, nil
}

func (a *Authority) activeAgent(ctx context.Context, agentID string) (*store.Agent, error) {
	if strings.TrimSpace(agentID) == "" {
		return nil, apierr.Validation("agent_id is required")
	}
	var agent store.Agent
	if err := a.db.WithContext(ctx).First(&agent, "id = ?", agentID).Error; err != nil {
		if store.IsNotFound(err) {
			return nil, apierr.AgentNotFound(agentID)
		}
		return nil, apierr.Transient(err, time.Time{}, "load agent")
	}
	if !agent.Active {
		return nil, apierr.AgentDeactivated(agentID)
	}
	return &agent, nil
}

// Issue creates and activates a certificate for the agent. Any previously
// active certificate is superseded in the same transaction.
func (a *Authority) Issue(ctx context.Context, req IssueRequest) (issued *IssuedCertificate, err error) {
	ctx, span := tracer.Start(ctx, "ca.Issue")
	span.SetAttributes(attribute.String("agent.id", req.AgentID))
	defer func() { telemetry.Finish(span, err) }()

	days, err := a.validityDays(req.ValidityDays)
	if err != nil {
		return nil, err
	}
	usage, err := normalizeUsage(req.Usage)
	if err != nil {
		return nil, err
	}

	unlock, err := a.lock(ctx, req.AgentID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	agent, err := a.activeAgent(ctx, req.AgentID)
	if err != nil {
		return nil, err
	}

	issued, err = a.sign(agent, req.Subject, days, usage, req.SubjectAltNames)
	if err != nil {
		return nil, err
	}

	err = a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := retireActive(tx, agent.ID, store.CertStatusSuperseded, "superseded by new issuance", issued.Record.IssuedAt); err != nil {
			return err
		}
		return tx.Create(&issued.Record).Error
	})
	if err != nil {
		return nil, apierr.Transient(err, time.Time{}, "record certificate")
	}

	a.logger.Info().Str("agent_id", agent.ID).Str("thumbprint", issued.Record.Thumbprint).
		Time("not_after", issued.Record.NotAfter).Msg("certificate issued")
	events.Emit(ctx, a.events, a.logger, events.New(events.CertificateIssued, agent.ID, map[string]string{
		"thumbprint": issued.Record.Thumbprint,
		"serial":     issued.Record.SerialNumber,
	}))
	return issued, nil
}

// Renew issues a new certificate for an agent whose current active
// certificate is currentThumbprint. The old certificate is revoked or
// superseded atomically with activating the new one.
func (a *Authority) Renew(ctx context.Context, req RenewRequest) (issued *IssuedCertificate, err error) {
	ctx, span := tracer.Start(ctx, "ca.Renew")
	span.SetAttributes(attribute.String("agent.id", req.AgentID), attribute.Bool("revoke_old", req.RevokeOld))
	defer func() { telemetry.Finish(span, err) }()

	unlock, err := a.lock(ctx, req.AgentID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	agent, err := a.activeAgent(ctx, req.AgentID)
	if err != nil {
		return nil, err
	}

	current, err := store.ActiveCertificate(ctx, a.db, agent.ID)
	if err != nil && !store.IsNotFound(err) {
		return nil, apierr.Transient(err, time.Time{}, "load active certificate")
	}
	if current == nil || !strings.EqualFold(current.Thumbprint, req.CurrentThumbprint) {
		return nil, apierr.CertificateNotFound(req.CurrentThumbprint)
	}

	days := req.ValidityDays
	if days == 0 {
		days = int(current.NotAfter.Sub(current.NotBefore).Hours() / 24)
	}
	if days, err = a.validityDays(days); err != nil {
		return nil, err
	}

	subject := protocol.SubjectAttributes{CommonName: agent.MachineName}
	if parsed, perr := auth.ParseCertificatePEM([]byte(current.CertificatePEM)); perr == nil {
		subject = subjectFromName(parsed.Subject)
	}
	issued, err = a.sign(agent, subject, days, current.Usage, nil)
	if err != nil {
		return nil, err
	}

	retired, reason := store.CertStatusSuperseded, "superseded by renewal"
	if req.RevokeOld {
		retired, reason = store.CertStatusRevoked, "revoked on renewal"
	}
	err = a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := retireActive(tx, agent.ID, retired, reason, issued.Record.IssuedAt); err != nil {
			return err
		}
		return tx.Create(&issued.Record).Error
	})
	if err != nil {
		return nil, apierr.Transient(err, time.Time{}, "record renewed certificate")
	}

	a.logger.Info().Str("agent_id", agent.ID).Str("old_thumbprint", current.Thumbprint).
		Str("thumbprint", issued.Record.Thumbprint).Str("old_status", retired).Msg("certificate renewed")
	events.Emit(ctx, a.events, a.logger, events.New(events.CertificateRenewed, agent.ID, map[string]string{
		"thumbprint":     issued.Record.Thumbprint,
		"old_thumbprint": current.Thumbprint,
		"old_status":     retired,
	}))
	return issued, nil
}

// Revoke marks a certificate revoked. Revoking an already revoked
// certificate returns it unchanged. An empty agentID matches any owner.
func (a *Authority) Revoke(ctx context.Context, agentID, thumbprint, reason string) (cert *store.AgentCertificate, err error) {
	ctx, span := tracer.Start(ctx, "ca.Revoke")
	span.SetAttributes(attribute.String("agent.id", agentID), attribute.String("certificate.thumbprint", thumbprint))
	defer func() { telemetry.Finish(span, err) }()

	thumbprint = strings.ToLower(strings.TrimSpace(thumbprint))
	if thumbprint == "" {
		return nil, apierr.Validation("thumbprint is required")
	}

	owner := agentID
	if owner == "" {
		found, err := store.CertificateByThumbprint(ctx, a.db, thumbprint)
		if err != nil {
			if store.IsNotFound(err) {
				return nil, apierr.CertificateNotFound(thumbprint)
			}
			return nil, apierr.Transient(err, time.Time{}, "load certificate")
		}
		owner = found.AgentID
	}

	unlock, err := a.lock(ctx, owner)
	if err != nil {
		return nil, err
	}
	defer unlock()

	cert, err = store.CertificateByThumbprint(ctx, a.db, thumbprint)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, apierr.CertificateNotFound(thumbprint)
		}
		return nil, apierr.Transient(err, time.Time{}, "load certificate")
	}
	if cert.AgentID != owner {
		return nil, apierr.CertificateNotFound(thumbprint)
	}
	if cert.Status == store.CertStatusRevoked {
		return cert, nil
	}

	if strings.TrimSpace(reason) == "" {
		reason = "unspecified"
	}
	now := a.clock()
	res := a.db.WithContext(ctx).Model(&store.AgentCertificate{}).
		Where("id = ? AND status <> ?", cert.ID, store.CertStatusRevoked).
		Updates(map[string]any{"status": store.CertStatusRevoked, "revocation_reason": reason, "revoked_at": now})
	if res.Error != nil {
		return nil, apierr.Transient(res.Error, time.Time{}, "revoke certificate")
	}
	cert.Status = store.CertStatusRevoked
	cert.RevocationReason = reason
	cert.RevokedAt = &now

	a.logger.Warn().Str("agent_id", cert.AgentID).Str("thumbprint", cert.Thumbprint).Str("reason", reason).Msg("certificate revoked")
	events.Emit(ctx, a.events, a.logger, events.New(events.CertificateRevoked, cert.AgentID, map[string]string{
		"thumbprint": cert.Thumbprint,
		"reason":     reason,
	}))
	return cert, nil
}

// List returns a page of certificates, newest issuance first.
func (a *Authority) List(ctx context.Context, filter store.CertificateFilter) (Page, error) {
	if filter.Now.IsZero() {
		filter.Now = a.clock()
	}
	filter.Normalize()
	items, total, err := store.ListCertificates(ctx, a.db, filter)
	if err != nil {
		return Page{}, apierr.Transient(err, time.Time{}, "list certificates")
	}
	return Page{Items: items, Total: total, Page: filter.Page, PageSize: filter.PageSize}, nil
}

// Authenticate checks that thumbprint is the active, unexpired certificate
// of agentID. It is the channel identity check for every agent call.
func (a *Authority) Authenticate(ctx context.Context, agentID, thumbprint string) (*store.AgentCertificate, error) {
	if thumbprint == "" {
		return nil, apierr.AuthenticationFailed("client certificate required")
	}
	if agentID == "" {
		return nil, apierr.AuthenticationFailed("agent id required")
	}
	cert, err := store.CertificateByThumbprint(ctx, a.db, strings.ToLower(thumbprint))
	if err != nil {
		if store.IsNotFound(err) {
			return nil, apierr.AuthenticationFailed("client certificate is not known")
		}
		return nil, apierr.Transient(err, time.Time{}, "load certificate")
	}
	if cert.AgentID != agentID {
		return nil, apierr.AuthenticationFailed("client certificate does not belong to agent %s", agentID)
	}
	if cert.Status != store.CertStatusActive {
		// Deactivation revokes the certificate; report the agent state
		// rather than a bare authentication failure.
		var agent store.Agent
		if err := a.db.WithContext(ctx).Select("id", "active").First(&agent, "id = ?", agentID).Error; err == nil && !agent.Active {
			return nil, apierr.AgentDeactivated(agentID)
		}
		return nil, apierr.AuthenticationFailed("client certificate is %s", cert.Status)
	}
	now := a.clock()
	if now.Before(cert.NotBefore) || !now.Before(cert.NotAfter) {
		return nil, apierr.AuthenticationFailed("client certificate is outside its validity window")
	}
	return cert, nil
}

// NearExpiry reports whether a certificate expiring at notAfter is due for
// renewal at now.
func NearExpiry(notAfter, now time.Time, threshold time.Duration) bool {
	return now.After(notAfter.Add(-threshold))
}

// SweepResult lists what ExpireStale changed or flagged.
type SweepResult struct {
	Expired  []store.AgentCertificate
	Expiring []store.AgentCertificate
}

// ExpireStale marks active certificates whose validity has elapsed as
// expired and reports active ones inside the renewal threshold.
func (a *Authority) ExpireStale(ctx context.Context) (result SweepResult, err error) {
	ctx, span := tracer.Start(ctx, "ca.ExpireStale")
	defer func() { telemetry.Finish(span, err) }()

	now := a.clock()
	var candidates []store.AgentCertificate
	err = a.db.WithContext(ctx).
		Where("status = ? AND not_after <= ?", store.CertStatusActive, now.Add(a.policy.RenewalThreshold)).
		Order("not_after asc").
		Find(&candidates).Error
	if err != nil {
		return result, apierr.Transient(err, time.Time{}, "load expiring certificates")
	}

	for _, cert := range candidates {
		if cert.NotAfter.After(now) {
			result.Expiring = append(result.Expiring, cert)
			continue
		}
		res := a.db.WithContext(ctx).Model(&store.AgentCertificate{}).
			Where("id = ? AND status = ?", cert.ID, store.CertStatusActive).
			Update("status", store.CertStatusExpired)
		if res.Error != nil {
			return result, apierr.Transient(res.Error, time.Time{}, "expire certificate")
		}
		if res.RowsAffected == 0 {
			continue
		}
		cert.Status = store.CertStatusExpired
		result.Expired = append(result.Expired, cert)
	}

	for _, cert := range result.Expired {
		events.Emit(ctx, a.events, a.logger, events.New(events.CertificateExpired, cert.AgentID, map[string]string{"thumbprint": cert.Thumbprint}))
	}
	for _, cert := range result.Expiring {
		events.Emit(ctx, a.events, a.logger, events.New(events.CertificateExpiring, cert.AgentID, map[string]string{
			"thumbprint": cert.Thumbprint,
			"not_after":  cert.NotAfter.Format(time.RFC3339),
		}))
	}
	if len(result.Expired) > 0 || len(result.Expiring) > 0 {
		a.logger.Info().Int("expired", len(result.Expired)).Int("expiring", len(result.Expiring)).Msg("certificate sweep")
	}
	return result, nil
}

func retireActive(tx *gorm.DB, agentID, status, reason string, at time.Time) error {
	updates := map[string]any{"status": status}
	if status == store.CertStatusRevoked {
		updates["revocation_reason"] = reason
		updates["revoked_at"] = at
	}
	return tx.Model(&store.AgentCertificate{}).
		Where("agent_id = ? AND status = ?", agentID, store.CertStatusActive).
		Updates(updates).Error
}

func (a *Authority) sign(agent *store.Agent, subject protocol.SubjectAttributes, days int, usage string, sans []string) (*IssuedCertificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, apierr.Internal(err, "generate key")
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, apierr.Internal(err, "generate serial")
	}

	if subject.CommonName == "" {
		subject.CommonName = agent.MachineName
	}
	now := a.clock().Truncate(time.Second)
	notAfter := now.AddDate(0, 0, days)
	if caExpiry := a.keys.Certificate.NotAfter; notAfter.After(caExpiry) {
		notAfter = caExpiry
	}

	agentURI, err := url.Parse(agentURIPrefix + agent.ID)
	if err != nil {
		return nil, apierr.Internal(err, "build agent uri")
	}
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      subjectName(subject),
		NotBefore:    now,
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		URIs:         []*url.URL{agentURI},
	}
	if usage == UsageClientServer {
		tmpl.ExtKeyUsage = append(tmpl.ExtKeyUsage, x509.ExtKeyUsageServerAuth)
	}
	for _, san := range sans {
		san = strings.TrimSpace(san)
		if san == "" {
			continue
		}
		if ip := net.ParseIP(san); ip != nil {
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
		} else {
			tmpl.DNSNames = append(tmpl.DNSNames, san)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, a.keys.Certificate, &key.PublicKey, a.keys.Signer)
	if err != nil {
		return nil, apierr.Internal(err, "sign certificate")
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, apierr.Internal(err, "parse issued certificate")
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, apierr.Internal(err, "marshal private key")
	}

	certPEM := string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))
	return &IssuedCertificate{
		Record: store.AgentCertificate{
			AgentID:        agent.ID,
			Thumbprint:     auth.Thumbprint(cert),
			SerialNumber:   cert.SerialNumber.String(),
			Subject:        cert.Subject.String(),
			Issuer:         cert.Issuer.String(),
			NotBefore:      cert.NotBefore.UTC(),
			NotAfter:       cert.NotAfter.UTC(),
			IssuedAt:       now,
			Status:         store.CertStatusActive,
			Usage:          usage,
			CertificatePEM: certPEM,
		},
		CertificatePEM: certPEM,
		PrivateKeyPEM:  string(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})),
		ChainPEM:       a.ChainPEM(),
	}, nil
}

func subjectName(s protocol.SubjectAttributes) pkix.Name {
	name := pkix.Name{CommonName: s.CommonName}
	if s.Organization != "" {
		name.Organization = []string{s.Organization}
	}
	if s.OrganizationalUnit != "" {
		name.OrganizationalUnit = []string{s.OrganizationalUnit}
	}
	if s.Country != "" {
		name.Country = []string{s.Country}
	}
	if s.Locality != "" {
		name.Locality = []string{s.Locality}
	}
	return name
}

func subjectFromName(n pkix.Name) protocol.SubjectAttributes {
	first := func(v []string) string {
		if len(v) == 0 {
			return ""
		}
		return v[0]
	}
	return protocol.SubjectAttributes{
		CommonName:         n.CommonName,
		Organization:       first(n.Organization),
		OrganizationalUnit: first(n.OrganizationalUnit),
		Country:            first(n.Country),
		Locality:           first(n.Locality),
	}
}

// AgentIDFromCertificate returns the agent id bound into cert, if any.
func AgentIDFromCertificate(cert *x509.Certificate) string {
	for _, u := range cert.URIs {
		if s := u.String(); strings.HasPrefix(s, agentURIPrefix) {
			return strings.TrimPrefix(s, agentURIPrefix)
		}
	}
	return ""
}

// Info converts a stored certificate to its wire form.
func Info(c store.AgentCertificate) protocol.CertificateInfo {
	return protocol.CertificateInfo{
		AgentID:          c.AgentID,
		Thumbprint:       c.Thumbprint,
		SerialNumber:     c.SerialNumber,
		Subject:          c.Subject,
		Issuer:           c.Issuer,
		NotBefore:        c.NotBefore,
		NotAfter:         c.NotAfter,
		IssuedAt:         c.IssuedAt,
		Status:           c.Status,
		Usage:            c.Usage,
		RevocationReason: c.RevocationReason,
		RevokedAt:        c.RevokedAt,
	}
}

func describeWindow(cert *x509.Certificate) string {
	return fmt.Sprintf("%s to %s", cert.NotBefore.UTC().Format(time.RFC3339), cert.NotAfter.UTC().Format(time.RFC3339))
}
