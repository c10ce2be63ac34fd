package ca

import (
	"context"
	"crypto/x509"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/haasonsaas/dirsync/pkg/apierr"
	"github.com/haasonsaas/dirsync/pkg/auth"
	"github.com/haasonsaas/dirsync/pkg/events"
	"github.com/haasonsaas/dirsync/pkg/protocol"
	"github.com/haasonsaas/dirsync/pkg/store"
	"github.com/haasonsaas/dirsync/pkg/store/storetest"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	db     *gorm.DB
	ca     *Authority
	clock  *fakeClock
	events *events.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := storetest.Open(t)
	keys, err := GenerateKeyPair(KeyPairOptions{})
	require.NoError(t, err)

	clock := &fakeClock{t: time.Now().UTC()}
	rec := events.NewRecorder()
	authority := New(db, keys, DefaultPolicy(), WithClock(clock.Now), WithPublisher(rec))
	return &fixture{db: db, ca: authority, clock: clock, events: rec}
}

func (f *fixture) agent(t *testing.T, id string, active bool) {
	t.Helper()
	require.NoError(t, f.db.Create(&store.Agent{
		ID:           id,
		Name:         id,
		Type:         string(protocol.AgentTypeDomainController),
		MachineName:  strings.ToUpper(id),
		Active:       true,
		RegisteredAt: f.clock.Now(),
	}).Error)
	if !active {
		require.NoError(t, f.db.Model(&store.Agent{}).Where("id = ?", id).Update("active", false).Error)
	}
}

func (f *fixture) activeCount(t *testing.T, agentID string) int64 {
	t.Helper()
	n, err := store.CountActiveCertificates(context.Background(), f.db, agentID)
	require.NoError(t, err)
	return n
}

func TestIssueProducesActiveCertificate(t *testing.T) {
	f := newFixture(t)
	f.agent(t, "dc01", true)

	issued, err := f.ca.Issue(context.Background(), IssueRequest{
		AgentID:         "dc01",
		Subject:         protocol.SubjectAttributes{Organization: "Corp"},
		ValidityDays:    365,
		SubjectAltNames: []string{"dc01.corp.local", "10.0.0.5"},
	})
	require.NoError(t, err)
	require.Equal(t, store.CertStatusActive, issued.Record.Status)
	require.Equal(t, 365*24*time.Hour, issued.Record.NotAfter.Sub(issued.Record.NotBefore))
	require.NotEmpty(t, issued.PrivateKeyPEM)

	cert, err := auth.ParseCertificatePEM([]byte(issued.CertificatePEM))
	require.NoError(t, err)
	require.Equal(t, "dc01", AgentIDFromCertificate(cert))
	require.Equal(t, "DC01", cert.Subject.CommonName)
	require.Equal(t, []string{"dc01.corp.local"}, cert.DNSNames)
	require.Len(t, cert.IPAddresses, 1)
	require.Equal(t, auth.Thumbprint(cert), issued.Record.Thumbprint)

	_, err = cert.Verify(x509.VerifyOptions{
		Roots:     f.ca.KeyPair().Pool(),
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	})
	require.NoError(t, err)

	var stored store.AgentCertificate
	require.NoError(t, f.db.First(&stored, "thumbprint = ?", issued.Record.Thumbprint).Error)
	require.NotContains(t, stored.CertificatePEM, "PRIVATE KEY")
	require.Equal(t, []string{events.CertificateIssued}, f.events.Types())
}

func TestIssueSupersedesPreviousActive(t *testing.T) {
	f := newFixture(t)
	f.agent(t, "dc01", true)
	ctx := context.Background()

	first, err := f.ca.Issue(ctx, IssueRequest{AgentID: "dc01", ValidityDays: 30})
	require.NoError(t, err)
	second, err := f.ca.Issue(ctx, IssueRequest{AgentID: "dc01", ValidityDays: 30})
	require.NoError(t, err)

	require.EqualValues(t, 1, f.activeCount(t, "dc01"))
	old, err := store.CertificateByThumbprint(ctx, f.db, first.Record.Thumbprint)
	require.NoError(t, err)
	require.Equal(t, store.CertStatusSuperseded, old.Status)
	require.NotEqual(t, first.Record.SerialNumber, second.Record.SerialNumber)
}

func TestIssueRejectsBadRequests(t *testing.T) {
	f := newFixture(t)
	f.agent(t, "dc01", true)
	f.agent(t, "ws01", false)
	ctx := context.Background()

	_, err := f.ca.Issue(ctx, IssueRequest{AgentID: "dc01", ValidityDays: 366})
	require.Equal(t, apierr.KindValidation, apierr.KindOf(err))

	_, err = f.ca.Issue(ctx, IssueRequest{AgentID: "dc01", ValidityDays: -1})
	require.Equal(t, apierr.KindValidation, apierr.KindOf(err))

	_, err = f.ca.Issue(ctx, IssueRequest{AgentID: "dc01", Usage: "code-signing"})
	require.Equal(t, apierr.KindValidation, apierr.KindOf(err))

	_, err = f.ca.Issue(ctx, IssueRequest{AgentID: "nope", ValidityDays: 30})
	require.True(t, apierr.IsCode(err, apierr.CodeAgentNotFound))

	_, err = f.ca.Issue(ctx, IssueRequest{AgentID: "ws01", ValidityDays: 30})
	require.True(t, apierr.IsCode(err, apierr.CodeAgentDeactivated))

	require.EqualValues(t, 0, f.activeCount(t, "dc01"))
}

func TestRenewRevokesOldAtomically(t *testing.T) {
	f := newFixture(t)
	f.agent(t, "dc01", true)
	ctx := context.Background()

	first, err := f.ca.Issue(ctx, IssueRequest{AgentID: "dc01", ValidityDays: 30, Usage: UsageClientServer})
	require.NoError(t, err)

	renewed, err := f.ca.Renew(ctx, RenewRequest{AgentID: "dc01", CurrentThumbprint: first.Record.Thumbprint, RevokeOld: true})
	require.NoError(t, err)
	require.EqualValues(t, 1, f.activeCount(t, "dc01"))
	require.Equal(t, UsageClientServer, renewed.Record.Usage)
	require.Equal(t, 30*24*time.Hour, renewed.Record.NotAfter.Sub(renewed.Record.NotBefore))

	old, err := store.CertificateByThumbprint(ctx, f.db, first.Record.Thumbprint)
	require.NoError(t, err)
	require.Equal(t, store.CertStatusRevoked, old.Status)
	require.NotNil(t, old.RevokedAt)

	again, err := f.ca.Renew(ctx, RenewRequest{AgentID: "dc01", CurrentThumbprint: renewed.Record.Thumbprint})
	require.NoError(t, err)
	prev, err := store.CertificateByThumbprint(ctx, f.db, renewed.Record.Thumbprint)
	require.NoError(t, err)
	require.Equal(t, store.CertStatusSuperseded, prev.Status)
	require.Equal(t, again.Record.Thumbprint, mustActive(t, f, "dc01").Thumbprint)
}

func mustActive(t *testing.T, f *fixture, agentID string) *store.AgentCertificate {
	t.Helper()
	cert, err := store.ActiveCertificate(context.Background(), f.db, agentID)
	require.NoError(t, err)
	return cert
}

func TestRenewRequiresCurrentActiveThumbprint(t *testing.T) {
	f := newFixture(t)
	f.agent(t, "dc01", true)
	f.agent(t, "dc02", true)
	ctx := context.Background()

	other, err := f.ca.Issue(ctx, IssueRequest{AgentID: "dc02", ValidityDays: 30})
	require.NoError(t, err)
	_, err = f.ca.Issue(ctx, IssueRequest{AgentID: "dc01", ValidityDays: 30})
	require.NoError(t, err)

	_, err = f.ca.Renew(ctx, RenewRequest{AgentID: "dc01", CurrentThumbprint: other.Record.Thumbprint})
	require.True(t, apierr.IsCode(err, apierr.CodeCertificateNotFound))
	_, err = f.ca.Renew(ctx, RenewRequest{AgentID: "dc01", CurrentThumbprint: "deadbeef"})
	require.True(t, apierr.IsCode(err, apierr.CodeCertificateNotFound))
}

func TestConcurrentRenewalsLeaveOneActive(t *testing.T) {
	f := newFixture(t)
	f.agent(t, "dc01", true)
	ctx := context.Background()

	first, err := f.ca.Issue(ctx, IssueRequest{AgentID: "dc01", ValidityDays: 30})
	require.NoError(t, err)

	const workers = 6
	errs := make(chan error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.ca.Renew(ctx, RenewRequest{AgentID: "dc01", CurrentThumbprint: first.Record.Thumbprint, RevokeOld: true})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	succeeded := 0
	for err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		require.True(t, apierr.IsCode(err, apierr.CodeCertificateNotFound), "unexpected error: %v", err)
	}
	require.Equal(t, 1, succeeded)
	require.EqualValues(t, 1, f.activeCount(t, "dc01"))
}

func TestRevokeIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.agent(t, "dc01", true)
	ctx := context.Background()

	issued, err := f.ca.Issue(ctx, IssueRequest{AgentID: "dc01", ValidityDays: 30})
	require.NoError(t, err)

	first, err := f.ca.Revoke(ctx, "dc01", issued.Record.Thumbprint, "key compromise")
	require.NoError(t, err)
	require.Equal(t, store.CertStatusRevoked, first.Status)

	f.clock.Advance(time.Hour)
	second, err := f.ca.Revoke(ctx, "dc01", strings.ToUpper(issued.Record.Thumbprint), "again")
	require.NoError(t, err)
	require.Equal(t, "key compromise", second.RevocationReason)
	require.WithinDuration(t, *first.RevokedAt, *second.RevokedAt, time.Second)

	require.Equal(t, []string{events.CertificateIssued, events.CertificateRevoked}, f.events.Types())

	_, err = f.ca.Revoke(ctx, "other", issued.Record.Thumbprint, "")
	require.True(t, apierr.IsCode(err, apierr.CodeCertificateNotFound))

	byAdmin, err := f.ca.Revoke(ctx, "", issued.Record.Thumbprint, "")
	require.NoError(t, err)
	require.Equal(t, "dc01", byAdmin.AgentID)
}

func TestValidateExpiredCertificateNamesWindow(t *testing.T) {
	f := newFixture(t)
	f.agent(t, "dc01", true)
	ctx := context.Background()

	issued, err := f.ca.Issue(ctx, IssueRequest{AgentID: "dc01", ValidityDays: 30})
	require.NoError(t, err)

	result, err := f.ca.Validate(ctx, ValidateRequest{CertificatePEM: []byte(issued.CertificatePEM), CheckChain: true, CheckRevocation: true})
	require.NoError(t, err)
	require.True(t, result.Valid, result.Reasons)
	require.Equal(t, store.CertStatusActive, result.Status)
	require.Equal(t, "dc01", result.AgentID)

	for _, checkRevocation := range []bool{false, true} {
		result, err = f.ca.Validate(ctx, ValidateRequest{
			CertificatePEM:  []byte(issued.CertificatePEM),
			CheckChain:      true,
			CheckRevocation: checkRevocation,
			At:              f.clock.Now().Add(31 * 24 * time.Hour),
		})
		require.NoError(t, err)
		require.False(t, result.Valid)
		require.Len(t, result.Reasons, 1)
		require.Contains(t, result.Reasons[0], "validity window")
	}

	result, err = f.ca.Validate(ctx, ValidateRequest{CertificatePEM: []byte(issued.CertificatePEM), At: f.clock.Now().Add(-time.Hour)})
	require.NoError(t, err)
	require.False(t, result.Valid)
	require.Contains(t, result.Reasons[0], "not yet valid")
}

func TestValidateRevokedAndForeign(t *testing.T) {
	f := newFixture(t)
	f.agent(t, "dc01", true)
	ctx := context.Background()

	issued, err := f.ca.Issue(ctx, IssueRequest{AgentID: "dc01", ValidityDays: 30})
	require.NoError(t, err)
	_, err = f.ca.Revoke(ctx, "dc01", issued.Record.Thumbprint, "decommissioned")
	require.NoError(t, err)

	result, err := f.ca.Validate(ctx, ValidateRequest{CertificatePEM: []byte(issued.CertificatePEM), CheckRevocation: true})
	require.NoError(t, err)
	require.False(t, result.Valid)
	require.Equal(t, []string{"certificate has been revoked: decommissioned"}, result.Reasons)

	result, err = f.ca.Validate(ctx, ValidateRequest{CertificatePEM: []byte(issued.CertificatePEM)})
	require.NoError(t, err)
	require.True(t, result.Valid)

	foreign := newFixture(t)
	foreign.agent(t, "dc01", true)
	other, err := foreign.ca.Issue(ctx, IssueRequest{AgentID: "dc01", ValidityDays: 30})
	require.NoError(t, err)
	result, err = f.ca.Validate(ctx, ValidateRequest{CertificatePEM: []byte(other.CertificatePEM), CheckChain: true, CheckRevocation: true})
	require.NoError(t, err)
	require.False(t, result.Valid)
	require.Contains(t, result.Reasons[0], "not trusted")
	require.Equal(t, "unknown", result.Status)

	result, err = f.ca.Validate(ctx, ValidateRequest{CertificatePEM: []byte("garbage")})
	require.NoError(t, err)
	require.False(t, result.Valid)
}

func TestAuthenticate(t *testing.T) {
	f := newFixture(t)
	f.agent(t, "dc01", true)
	f.agent(t, "dc02", true)
	ctx := context.Background()

	issued, err := f.ca.Issue(ctx, IssueRequest{AgentID: "dc01", ValidityDays: 1})
	require.NoError(t, err)
	tp := issued.Record.Thumbprint

	_, err = f.ca.Authenticate(ctx, "dc01", tp)
	require.NoError(t, err)

	for _, tc := range []struct{ agent, thumbprint string }{
		{"dc01", ""},
		{"dc02", tp},
		{"dc01", "00ff"},
	} {
		_, err = f.ca.Authenticate(ctx, tc.agent, tc.thumbprint)
		require.Equal(t, apierr.KindAuthentication, apierr.KindOf(err))
	}

	f.clock.Advance(25 * time.Hour)
	_, err = f.ca.Authenticate(ctx, "dc01", tp)
	require.Equal(t, apierr.KindAuthentication, apierr.KindOf(err))
}

func TestListClampsPageSize(t *testing.T) {
	f := newFixture(t)
	f.agent(t, "dc01", true)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := f.ca.Issue(ctx, IssueRequest{AgentID: "dc01", ValidityDays: 30})
		require.NoError(t, err)
		f.clock.Advance(time.Minute)
	}

	page, err := f.ca.List(ctx, store.CertificateFilter{AgentID: "dc01", PageSize: 5000})
	require.NoError(t, err)
	require.Equal(t, store.MaxCertificatePageSize, page.PageSize)
	require.EqualValues(t, 3, page.Total)
	require.True(t, page.Items[0].IssuedAt.After(page.Items[2].IssuedAt))
	require.Equal(t, store.CertStatusActive, page.Items[0].Status)
}

func TestExpireStale(t *testing.T) {
	f := newFixture(t)
	f.agent(t, "dc01", true)
	f.agent(t, "dc02", true)
	ctx := context.Background()

	short, err := f.ca.Issue(ctx, IssueRequest{AgentID: "dc01", ValidityDays: 1})
	require.NoError(t, err)
	soon, err := f.ca.Issue(ctx, IssueRequest{AgentID: "dc02", ValidityDays: 10})
	require.NoError(t, err)

	f.clock.Advance(48 * time.Hour)
	result, err := f.ca.ExpireStale(ctx)
	require.NoError(t, err)
	require.Len(t, result.Expired, 1)
	require.Equal(t, short.Record.Thumbprint, result.Expired[0].Thumbprint)
	require.Len(t, result.Expiring, 1)
	require.Equal(t, soon.Record.Thumbprint, result.Expiring[0].Thumbprint)
	require.EqualValues(t, 0, f.activeCount(t, "dc01"))

	again, err := f.ca.ExpireStale(ctx)
	require.NoError(t, err)
	require.Empty(t, again.Expired)
}

func TestNearExpiry(t *testing.T) {
	notAfter := time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC)
	threshold := 14 * 24 * time.Hour
	require.False(t, NearExpiry(notAfter, notAfter.Add(-15*24*time.Hour), threshold))
	require.True(t, NearExpiry(notAfter, notAfter.Add(-13*24*time.Hour), threshold))
	require.True(t, NearExpiry(notAfter, notAfter.Add(time.Hour), threshold))
}

func TestKeyPairPersistsAndServesTLS(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "ca.pem")
	keyPath := filepath.Join(dir, "private", "ca-key.pem")

	created, err := LoadOrGenerateKeyPair(certPath, keyPath, KeyPairOptions{CommonName: "test CA"})
	require.NoError(t, err)
	loaded, err := LoadOrGenerateKeyPair(certPath, keyPath, KeyPairOptions{})
	require.NoError(t, err)
	require.Equal(t, created.Certificate.Raw, loaded.Certificate.Raw)
	require.Equal(t, "test CA", loaded.Certificate.Subject.CommonName)

	serverCert, err := loaded.ServerCertificate([]string{"sync.corp.local", "127.0.0.1"}, 0)
	require.NoError(t, err)
	_, err = serverCert.Leaf.Verify(x509.VerifyOptions{
		DNSName:   "sync.corp.local",
		Roots:     created.Pool(),
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	})
	require.NoError(t, err)
}
