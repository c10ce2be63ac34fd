// Package client talks to the sync server on behalf of an agent or an
// operator. Agent calls authenticate with the agent's client certificate;
// admin calls carry a bearer token.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/dirsync/pkg/auth"
	"github.com/haasonsaas/dirsync/pkg/protocol"
)

type Options struct {
	BaseURL string
	// CAFile holds the PEM roots that sign the server certificate. The
	// system pool is used when both CAFile and RootCAs are empty.
	CAFile     string
	RootCAs    *x509.CertPool
	ServerName string
	Timeout    time.Duration
	AdminToken string
	UserAgent  string
}

// Client is safe for concurrent use. SetIdentity swaps the client
// certificate without rebuilding the transport.
type Client struct {
	baseURL    string
	http       *http.Client
	adminToken string
	userAgent  string

	mu   sync.RWMutex
	cert *tls.Certificate
}

func New(opts Options) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, errors.New("client: base URL is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("client: parse base URL: %w", err)
	}

	roots := opts.RootCAs
	if roots == nil && opts.CAFile != "" {
		data, err := os.ReadFile(opts.CAFile)
		if err != nil {
			return nil, fmt.Errorf("client: read CA file: %w", err)
		}
		roots = x509.NewCertPool()
		if !roots.AppendCertsFromPEM(data) {
			return nil, fmt.Errorf("client: no certificates in %s", opts.CAFile)
		}
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	userAgent := opts.UserAgent
	if userAgent == "" {
		userAgent = "dirsync-client"
	}

	c := &Client{
		baseURL:    base,
		adminToken: opts.AdminToken,
		userAgent:  userAgent,
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{
		MinVersion:           tls.VersionTLS12,
		RootCAs:              roots,
		ServerName:           opts.ServerName,
		GetClientCertificate: c.clientCertificate,
	}
	c.http = &http.Client{Timeout: timeout, Transport: transport}
	return c, nil
}

// SetIdentity presents id's certificate on new connections. A nil or
// certificate-less identity clears it.
func (c *Client) SetIdentity(id *auth.Identity) error {
	if !id.HasCertificate() {
		c.mu.Lock()
		c.cert = nil
		c.mu.Unlock()
		return nil
	}
	cert, err := id.TLSCertificate()
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.cert = &cert
	c.mu.Unlock()
	// Pooled connections keep the old certificate.
	c.http.CloseIdleConnections()
	return nil
}

func (c *Client) clientCertificate(*tls.CertificateRequestInfo) (*tls.Certificate, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.cert == nil {
		return &tls.Certificate{}, nil
	}
	return c.cert, nil
}

// HTTPClient exposes the configured transport for health probes.
func (c *Client) HTTPClient() *http.Client { return c.http }

func (c *Client) BaseURL() string { return c.baseURL }

func (c *Client) Register(ctx context.Context, req protocol.RegisterRequest) (*protocol.RegisterResponse, error) {
	var resp protocol.RegisterResponse
	if err := c.do(ctx, http.MethodPost, "/agents/register", req, &resp, false); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Heartbeat(ctx context.Context, req protocol.HeartbeatRequest) (*protocol.HeartbeatResponse, error) {
	var resp protocol.HeartbeatResponse
	if err := c.do(ctx, http.MethodPost, "/agents/heartbeat", req, &resp, false); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) SubmitData(ctx context.Context, req protocol.SubmitDataRequest) (*protocol.SubmitDataResponse, error) {
	var resp protocol.SubmitDataResponse
	if err := c.do(ctx, http.MethodPost, "/agents/submit-data", req, &resp, false); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) GenerateCertificate(ctx context.Context, req protocol.GenerateCertificateRequest) (*protocol.CertificateResponse, error) {
	var resp protocol.CertificateResponse
	if err := c.do(ctx, http.MethodPost, "/agents/certificates/generate", req, &resp, false); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) RenewCertificate(ctx context.Context, req protocol.RenewCertificateRequest) (*protocol.CertificateResponse, error) {
	var resp protocol.CertificateResponse
	if err := c.do(ctx, http.MethodPost, "/agents/certificates/renew", req, &resp, false); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) RevokeCertificate(ctx context.Context, req protocol.RevokeCertificateRequest) (*protocol.CertificateInfo, error) {
	var resp struct {
		Certificate protocol.CertificateInfo `json:"certificate"`
	}
	if err := c.do(ctx, http.MethodPost, "/agents/certificates/revoke", req, &resp, false); err != nil {
		return nil, err
	}
	return &resp.Certificate, nil
}

func (c *Client) ValidateCertificate(ctx context.Context, req protocol.ValidateCertificateRequest) (*protocol.ValidateCertificateResponse, error) {
	var resp protocol.ValidateCertificateResponse
	if err := c.do(ctx, http.MethodPost, "/agents/certificates/validate", req, &resp, false); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListOptions pages and filters list calls. Zero values use server defaults.
type ListOptions struct {
	Page           int
	PageSize       int
	Status         string
	Type           string
	AgentID        string
	IncludeExpired bool
	IncludeRevoked bool
	All            bool
}

func (o ListOptions) query() string {
	q := url.Values{}
	if o.Page > 0 {
		q.Set("page", strconv.Itoa(o.Page))
	}
	if o.PageSize > 0 {
		q.Set("page_size", strconv.Itoa(o.PageSize))
	}
	if o.Status != "" {
		q.Set("status", o.Status)
	}
	if o.Type != "" {
		q.Set("type", o.Type)
	}
	if o.AgentID != "" {
		q.Set("agent_id", o.AgentID)
	}
	if o.IncludeExpired {
		q.Set("include_expired", "true")
	}
	if o.IncludeRevoked {
		q.Set("include_revoked", "true")
	}
	if o.All {
		q.Set("all", "true")
	}
	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
}

func (c *Client) ListCertificates(ctx context.Context, agentID string, opts ListOptions) (*protocol.CertificateListResponse, error) {
	var resp protocol.CertificateListResponse
	path := "/agents/certificates/" + url.PathEscape(agentID) + opts.query()
	if err := c.do(ctx, http.MethodGet, path, nil, &resp, false); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health probes the unauthenticated health endpoint.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil, false)
}

func (c *Client) ListAgents(ctx context.Context, opts ListOptions) (*protocol.AgentListResponse, error) {
	var resp protocol.AgentListResponse
	if err := c.do(ctx, http.MethodGet, "/admin/agents"+opts.query(), nil, &resp, true); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) GetAgent(ctx context.Context, id string) (*protocol.AgentInfo, error) {
	var resp protocol.AgentResponse
	if err := c.do(ctx, http.MethodGet, "/admin/agents/"+url.PathEscape(id), nil, &resp, true); err != nil {
		return nil, err
	}
	return &resp.Agent, nil
}

func (c *Client) DeactivateAgent(ctx context.Context, id, reason string) (*protocol.AgentInfo, error) {
	var resp protocol.AgentResponse
	req := protocol.DeactivateAgentRequest{Reason: reason}
	if err := c.do(ctx, http.MethodPost, "/admin/agents/"+url.PathEscape(id)+"/deactivate", req, &resp, true); err != nil {
		return nil, err
	}
	return &resp.Agent, nil
}

// AdminRevokeCertificate revokes any agent's certificate by thumbprint.
func (c *Client) AdminRevokeCertificate(ctx context.Context, req protocol.RevokeCertificateRequest) (*protocol.CertificateInfo, error) {
	var resp struct {
		Certificate protocol.CertificateInfo `json:"certificate"`
	}
	if err := c.do(ctx, http.MethodPost, "/admin/certificates/revoke", req, &resp, true); err != nil {
		return nil, err
	}
	return &resp.Certificate, nil
}

func (c *Client) AdminListCertificates(ctx context.Context, opts ListOptions) (*protocol.CertificateListResponse, error) {
	var resp protocol.CertificateListResponse
	if err := c.do(ctx, http.MethodGet, "/admin/certificates"+opts.query(), nil, &resp, true); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) ListSubmissions(ctx context.Context, opts ListOptions) (*protocol.SubmissionListResponse, error) {
	var resp protocol.SubmissionListResponse
	if err := c.do(ctx, http.MethodGet, "/admin/submissions"+opts.query(), nil, &resp, true); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) GetSubmission(ctx context.Context, id string) (*protocol.SubmissionInfo, error) {
	var resp protocol.SubmissionResponse
	if err := c.do(ctx, http.MethodGet, "/admin/submissions/"+url.PathEscape(id), nil, &resp, true); err != nil {
		return nil, err
	}
	return &resp.Submission, nil
}

func (c *Client) GetSettings(ctx context.Context) (*protocol.AgentSettings, error) {
	var resp protocol.SettingsResponse
	if err := c.do(ctx, http.MethodGet, "/admin/settings", nil, &resp, true); err != nil {
		return nil, err
	}
	return &resp.Settings, nil
}

func (c *Client) UpdateSettings(ctx context.Context, req protocol.UpdateSettingsRequest) (*protocol.AgentSettings, error) {
	var resp protocol.SettingsResponse
	if err := c.do(ctx, http.MethodPut, "/admin/settings", req, &resp, true); err != nil {
		return nil, err
	}
	return &resp.Settings, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any, admin bool) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if admin && c.adminToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.adminToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// Error is a failed call as reported by the server.
type Error struct {
	Status     int
	Code       string
	Message    string
	RequestID  string
	Reasons    []string
	RetryAfter time.Time
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	if e.Code != "" {
		return fmt.Sprintf("%s (%d %s)", msg, e.Status, e.Code)
	}
	return fmt.Sprintf("%s (%d)", msg, e.Status)
}

// Retryable reports whether the same request may succeed later.
func (e *Error) Retryable() bool {
	return e.Status >= 500 || e.Status == http.StatusTooManyRequests
}

func decodeError(resp *http.Response) error {
	apiErr := &Error{Status: resp.StatusCode, RequestID: resp.Header.Get("X-Request-ID")}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var body protocol.ErrorResponse
	if err := json.Unmarshal(data, &body); err == nil {
		apiErr.Code = body.ErrorCode
		apiErr.Message = body.Message
		apiErr.Reasons = body.Reasons
		if body.RequestID != "" {
			apiErr.RequestID = body.RequestID
		}
		if body.RetryAfter != nil {
			apiErr.RetryAfter = *body.RetryAfter
		}
	} else {
		apiErr.Message = strings.TrimSpace(string(data))
	}
	if apiErr.RetryAfter.IsZero() {
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
			apiErr.RetryAfter = time.Now().Add(time.Duration(secs) * time.Second)
		}
	}
	return apiErr
}

// AsError returns the server error in err's chain, if any.
func AsError(err error) (*Error, bool) {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// IsCode reports whether err is a server error with the given code.
func IsCode(err error, code string) bool {
	apiErr, ok := AsError(err)
	return ok && apiErr.Code == code
}

// IsRetryable reports whether err is a network failure or a retryable
// server status.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if apiErr, ok := AsError(err); ok {
		return apiErr.Retryable()
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
