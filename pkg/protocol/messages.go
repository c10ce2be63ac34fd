package protocol

import "time"

// AgentSettings is the configuration snapshot pushed to agents.
type AgentSettings struct {
	Version                   int64      `json:"version"`
	HeartbeatIntervalSeconds  int        `json:"heartbeat_interval_seconds"`
	CollectionIntervalSeconds int        `json:"collection_interval_seconds"`
	EnabledDataTypes          []DataType `json:"enabled_data_types"`
}

type RegisterRequest struct {
	Name        string            `json:"name"`
	Type        string            `json:"type"`
	Version     string            `json:"version"`
	MachineName string            `json:"machine_name"`
	IPAddress   string            `json:"ip_address"`
	Domain      string            `json:"domain"`
	OSInfo      string            `json:"os_info"`
	ConfigHints map[string]string `json:"config_hints,omitempty"`
}

type RegisterResponse struct {
	Success bool           `json:"success"`
	Message string         `json:"message"`
	AgentID string         `json:"agent_id"`
	Created bool           `json:"created"`
	Config  *AgentSettings `json:"config,omitempty"`
	// BootstrapToken is present only while the agent holds no active
	// certificate. It authorizes one certificate issuance.
	BootstrapToken string `json:"bootstrap_token,omitempty"`
}

type HeartbeatMetrics struct {
	UptimeSeconds      int64   `json:"uptime_seconds,omitempty"`
	PendingSubmissions int     `json:"pending_submissions,omitempty"`
	LastCollectionMs   int64   `json:"last_collection_ms,omitempty"`
	MemoryUsageBytes   uint64  `json:"memory_usage_bytes,omitempty"`
	CPUUsage           float64 `json:"cpu_usage,omitempty"`
}

type HeartbeatRequest struct {
	AgentID       string            `json:"agent_id"`
	Status        string            `json:"status"`
	StatusMessage string            `json:"status_message"`
	Timestamp     time.Time         `json:"timestamp"`
	Version       string            `json:"version,omitempty"`
	ConfigVersion int64             `json:"config_version"`
	Metrics       *HeartbeatMetrics `json:"metrics,omitempty"`
}

type HeartbeatResponse struct {
	Success         bool           `json:"success"`
	Message         string         `json:"message,omitempty"`
	ServerTime      time.Time      `json:"server_time"`
	Config          *AgentSettings `json:"config,omitempty"`
	UpdateAvailable bool           `json:"update_available"`
	UpdateVersion   string         `json:"update_version,omitempty"`
	UpdateURL       string         `json:"update_url,omitempty"`
}

type SubmitDataRequest struct {
	AgentID     string    `json:"agent_id"`
	DataType    DataType  `json:"data_type"`
	CollectedAt time.Time `json:"collected_at"`
	RecordCount int       `json:"record_count"`
	Encoding    string    `json:"encoding,omitempty"`
	Compression string    `json:"compression,omitempty"`
	Payload     []byte    `json:"payload"`
	PayloadHash string    `json:"payload_hash"`
}

type SubmitDataResponse struct {
	Success        bool          `json:"success"`
	Message        string        `json:"message"`
	SubmissionID   string        `json:"submission_id"`
	Status         string        `json:"status"`
	Duplicate      bool          `json:"duplicate"`
	RecordCount    int           `json:"record_count"`
	ProcessedCount int           `json:"processed_count"`
	ErrorCount     int           `json:"error_count"`
	ProcessedAt    *time.Time    `json:"processed_at,omitempty"`
	RetryAfter     *time.Time    `json:"retry_after,omitempty"`
	ErrorDetails   []RecordError `json:"error_details,omitempty"`
}

type SubjectAttributes struct {
	CommonName         string `json:"common_name,omitempty"`
	Organization       string `json:"organization,omitempty"`
	OrganizationalUnit string `json:"organizational_unit,omitempty"`
	Country            string `json:"country,omitempty"`
	Locality           string `json:"locality,omitempty"`
}

type GenerateCertificateRequest struct {
	AgentID         string            `json:"agent_id"`
	Subject         SubjectAttributes `json:"subject"`
	ValidityDays    int               `json:"validity_days"`
	KeyUsage        string            `json:"key_usage,omitempty"`
	SubjectAltNames []string          `json:"subject_alt_names,omitempty"`
	BootstrapToken  string            `json:"bootstrap_token,omitempty"`
}

type RenewCertificateRequest struct {
	AgentID           string `json:"agent_id"`
	CurrentThumbprint string `json:"current_thumbprint"`
	ValidityDays      int    `json:"validity_days"`
	RevokeOld         bool   `json:"revoke_old"`
}

type RevokeCertificateRequest struct {
	AgentID    string `json:"agent_id"`
	Thumbprint string `json:"thumbprint"`
	Reason     string `json:"reason"`
}

type ValidateCertificateRequest struct {
	CertificatePEM  string     `json:"certificate_pem"`
	CheckRevocation bool       `json:"check_revocation"`
	CheckChain      bool       `json:"check_chain"`
	At              *time.Time `json:"at,omitempty"`
}

// CertificateInfo describes a stored certificate without key material.
type CertificateInfo struct {
	AgentID          string     `json:"agent_id"`
	Thumbprint       string     `json:"thumbprint"`
	SerialNumber     string     `json:"serial_number"`
	Subject          string     `json:"subject"`
	Issuer           string     `json:"issuer"`
	NotBefore        time.Time  `json:"not_before"`
	NotAfter         time.Time  `json:"not_after"`
	IssuedAt         time.Time  `json:"issued_at"`
	Status           string     `json:"status"`
	Usage            string     `json:"usage"`
	RevocationReason string     `json:"revocation_reason,omitempty"`
	RevokedAt        *time.Time `json:"revoked_at,omitempty"`
}

// CertificateResponse is returned by generate and renew. The private key
// appears here once and is never retrievable again.
type CertificateResponse struct {
	Success        bool            `json:"success"`
	Message        string          `json:"message"`
	Certificate    CertificateInfo `json:"certificate"`
	CertificatePEM string          `json:"certificate_pem"`
	PrivateKeyPEM  string          `json:"private_key_pem"`
	ChainPEM       string          `json:"chain_pem"`
}

type ValidateCertificateResponse struct {
	Success    bool       `json:"success"`
	Valid      bool       `json:"valid"`
	Reasons    []string   `json:"reasons"`
	Thumbprint string     `json:"thumbprint,omitempty"`
	Status     string     `json:"status,omitempty"`
	NotBefore  *time.Time `json:"not_before,omitempty"`
	NotAfter   *time.Time `json:"not_after,omitempty"`
}

type CertificateListResponse struct {
	Success  bool              `json:"success"`
	Items    []CertificateInfo `json:"items"`
	Total    int64             `json:"total"`
	Page     int               `json:"page"`
	PageSize int               `json:"page_size"`
}

// ErrorResponse is the body of every failed call.
type ErrorResponse struct {
	Success    bool       `json:"success"`
	Message    string     `json:"message"`
	ErrorCode  string     `json:"error_code"`
	RequestID  string     `json:"request_id,omitempty"`
	Reasons    []string   `json:"reasons,omitempty"`
	RetryAfter *time.Time `json:"retry_after,omitempty"`
}

// AgentInfo is the admin view of an agent with its derived state.
type AgentInfo struct {
	ID                 string     `json:"id"`
	Name               string     `json:"name"`
	Type               string     `json:"type"`
	Version            string     `json:"version"`
	MachineName        string     `json:"machine_name"`
	IPAddress          string     `json:"ip_address"`
	Domain             string     `json:"domain"`
	State              string     `json:"state"`
	Active             bool       `json:"active"`
	Online             bool       `json:"online"`
	Status             string     `json:"status"`
	StatusMessage      string     `json:"status_message"`
	RegisteredAt       time.Time  `json:"registered_at"`
	LastHeartbeat      *time.Time `json:"last_heartbeat,omitempty"`
	LastDataCollection *time.Time `json:"last_data_collection,omitempty"`
	ConfigVersion      int64      `json:"config_version"`
}

// SubmissionInfo is the admin view of a submission.
type SubmissionInfo struct {
	ID             string        `json:"id"`
	AgentID        string        `json:"agent_id"`
	DataType       string        `json:"data_type"`
	Status         string        `json:"status"`
	SubmittedAt    time.Time     `json:"submitted_at"`
	ProcessedAt    *time.Time    `json:"processed_at,omitempty"`
	RecordCount    int           `json:"record_count"`
	ProcessedCount int           `json:"processed_count"`
	ErrorCount     int           `json:"error_count"`
	PayloadSize    int           `json:"payload_size"`
	PayloadHash    string        `json:"payload_hash"`
	RetryCount     int           `json:"retry_count"`
	Message        string        `json:"message,omitempty"`
	ErrorDetails   []RecordError `json:"error_details,omitempty"`
}

// RecordError describes one rejected record of a submission.
type RecordError struct {
	Index    int    `json:"index"`
	ObjectID string `json:"object_id,omitempty"`
	Error    string `json:"error"`
}

type AgentResponse struct {
	Success bool      `json:"success"`
	Agent   AgentInfo `json:"agent"`
}

type AgentListResponse struct {
	Success  bool        `json:"success"`
	Items    []AgentInfo `json:"items"`
	Total    int64       `json:"total"`
	Page     int         `json:"page"`
	PageSize int         `json:"page_size"`
}

type DeactivateAgentRequest struct {
	Reason string `json:"reason"`
}

type SubmissionResponse struct {
	Success    bool           `json:"success"`
	Submission SubmissionInfo `json:"submission"`
}

type SubmissionListResponse struct {
	Success  bool             `json:"success"`
	Items    []SubmissionInfo `json:"items"`
	Total    int64            `json:"total"`
	Page     int              `json:"page"`
	PageSize int              `json:"page_size"`
}

// UpdateSettingsRequest changes the agent configuration. Nil fields keep
// their current value.
type UpdateSettingsRequest struct {
	HeartbeatIntervalSeconds  *int       `json:"heartbeat_interval_seconds,omitempty"`
	CollectionIntervalSeconds *int       `json:"collection_interval_seconds,omitempty"`
	EnabledDataTypes          []DataType `json:"enabled_data_types,omitempty"`
}

type SettingsResponse struct {
	Success  bool          `json:"success"`
	Settings AgentSettings `json:"settings"`
}
