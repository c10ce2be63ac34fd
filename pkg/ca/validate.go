package ca

import (
	"context"
	"crypto/x509"
	"strings"
	"time"

	"github.com/haasonsaas/dirsync/pkg/apierr"
	"github.com/haasonsaas/dirsync/pkg/auth"
	"github.com/haasonsaas/dirsync/pkg/store"
	"github.com/haasonsaas/dirsync/pkg/telemetry"
)

// ValidateRequest asks whether a certificate is trustworthy at At (now when zero).
type ValidateRequest struct {
	CertificatePEM  []byte
	CheckRevocation bool
	CheckChain      bool
	At              time.Time
}

// ValidationResult is the verdict. Invalidity is reported through Reasons,
// never as an error.
type ValidationResult struct {
	Valid        bool
	Reasons      []string
	Thumbprint   string
	SerialNumber string
	AgentID      string
	Status       string
	NotBefore    time.Time
	NotAfter     time.Time
}

func (r *ValidationResult) fail(reason string) {
	r.Valid = false
	r.Reasons = append(r.Reasons, reason)
}

// Validate checks structure, validity window, chain of trust and
// optionally revocation state. The error return is reserved for store
// failures.
func (a *Authority) Validate(ctx context.Context, req ValidateRequest) (result ValidationResult, err error) {
	ctx, span := tracer.Start(ctx, "ca.Validate")
	defer func() { telemetry.Finish(span, err) }()

	at := req.At
	if at.IsZero() {
		at = a.clock()
	}
	result = ValidationResult{Valid: true, Reasons: []string{}}

	cert, perr := auth.ParseCertificatePEM(req.CertificatePEM)
	if perr != nil {
		result.fail("certificate is malformed: " + perr.Error())
		return result, nil
	}
	result.Thumbprint = auth.Thumbprint(cert)
	result.SerialNumber = cert.SerialNumber.String()
	result.AgentID = AgentIDFromCertificate(cert)
	result.NotBefore = cert.NotBefore.UTC()
	result.NotAfter = cert.NotAfter.UTC()

	switch {
	case at.Before(cert.NotBefore):
		result.fail("certificate is not yet valid: validity window " + describeWindow(cert))
	case at.After(cert.NotAfter):
		result.fail("certificate has expired: validity window " + describeWindow(cert))
	}

	if req.CheckChain {
		// Verify at a time inside the window so an expired certificate is
		// reported once, by the window check above.
		verifyAt := at
		if verifyAt.Before(cert.NotBefore) || verifyAt.After(cert.NotAfter) {
			verifyAt = cert.NotBefore
		}
		_, verr := cert.Verify(x509.VerifyOptions{
			Roots:       a.keys.Pool(),
			CurrentTime: verifyAt,
			KeyUsages:   []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		})
		if verr != nil {
			result.fail("certificate chain is not trusted: " + verr.Error())
		}
	}

	if req.CheckRevocation {
		record, lerr := store.CertificateByThumbprint(ctx, a.db, result.Thumbprint)
		if lerr != nil && store.IsNotFound(lerr) {
			record, lerr = store.CertificateBySerial(ctx, a.db, result.SerialNumber)
		}
		switch {
		case lerr == nil:
			result.Status = record.Status
			if result.AgentID == "" {
				result.AgentID = record.AgentID
			}
			if record.Status == store.CertStatusRevoked {
				reason := "certificate has been revoked"
				if r := strings.TrimSpace(record.RevocationReason); r != "" {
					reason += ": " + r
				}
				result.fail(reason)
			}
		case store.IsNotFound(lerr):
			result.Status = "unknown"
		default:
			return result, apierr.Transient(lerr, time.Time{}, "check revocation")
		}
	}

	return result, nil
}
