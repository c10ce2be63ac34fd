// Package health runs the agent's self checks: server reachability, clock
// drift against the server and certificate expiry.
package health

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/haasonsaas/dirsync/pkg/ca"
)

type HealthStatus struct {
	ServerReachable       bool       `json:"server_reachable"`
	TimeDrift             int        `json:"time_drift_seconds"`
	CertificateExpiresAt  *time.Time `json:"certificate_expires_at,omitempty"`
	CertificateNearExpiry bool       `json:"certificate_near_expiry"`
	CheckedAt             time.Time  `json:"checked_at"`
	Healthy               bool       `json:"healthy"`
	Issues                []string   `json:"issues,omitempty"`
}

type Options struct {
	Client       *http.Client
	ServerURL    string
	MaxTimeDrift time.Duration
	// CertificateNotAfter is the expiry of the agent certificate; zero
	// when the agent holds none yet.
	CertificateNotAfter time.Time
	RenewBefore         time.Duration
	Now                 func() time.Time
}

func Check(ctx context.Context, opts Options) *HealthStatus {
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	status := &HealthStatus{
		Healthy:   true,
		Issues:    []string{},
		CheckedAt: now().UTC(),
	}

	drift, err := probeServer(ctx, client, opts.ServerURL, now)
	if err != nil {
		status.Healthy = false
		status.Issues = append(status.Issues, err.Error())
	} else {
		status.ServerReachable = true
		status.TimeDrift = int(drift.Round(time.Second) / time.Second)
		if opts.MaxTimeDrift > 0 && drift > opts.MaxTimeDrift {
			status.Healthy = false
			status.Issues = append(status.Issues, fmt.Sprintf("time drift %ds exceeds max %ds",
				status.TimeDrift, int(opts.MaxTimeDrift/time.Second)))
		}
	}

	if !opts.CertificateNotAfter.IsZero() {
		notAfter := opts.CertificateNotAfter.UTC()
		status.CertificateExpiresAt = &notAfter
		switch {
		case !status.CheckedAt.Before(notAfter):
			status.Healthy = false
			status.Issues = append(status.Issues, "client certificate expired at "+notAfter.Format(time.RFC3339))
		case ca.NearExpiry(notAfter, status.CheckedAt, opts.RenewBefore):
			status.CertificateNearExpiry = true
			status.Issues = append(status.Issues, "client certificate expires at "+notAfter.Format(time.RFC3339))
		}
	}

	return status
}

// probeServer calls the server health endpoint and returns the absolute
// difference between the server's Date header and local time.
func probeServer(ctx context.Context, client *http.Client, serverURL string, now func() time.Time) (time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(serverURL, "/")+"/health", nil)
	if err != nil {
		return 0, fmt.Errorf("cannot reach server: %w", err)
	}
	sent := now()
	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("cannot reach server: %w", err)
	}
	resp.Body.Close()
	received := now()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("server unhealthy: %d", resp.StatusCode)
	}

	serverTime, err := http.ParseTime(resp.Header.Get("Date"))
	if err != nil {
		return 0, nil
	}
	local := sent.Add(received.Sub(sent) / 2)
	drift := serverTime.Sub(local)
	if drift < 0 {
		drift = -drift
	}
	// Date has one second resolution.
	if drift < time.Second {
		drift = 0
	}
	return drift, nil
}
