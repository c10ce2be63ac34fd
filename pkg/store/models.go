package store

import "time"

// Agent is a registered collector agent. Rows are never deleted; Active
// false marks deactivation.
type Agent struct {
	ID                 string `gorm:"primaryKey;size:36"`
	Name               string
	Type               string `gorm:"uniqueIndex:agent_machine_type;size:32"`
	Version            string
	MachineName        string `gorm:"uniqueIndex:agent_machine_type;size:255"`
	IPAddress          string
	Domain             string
	OSInfo             string
	Active             bool `gorm:"index"`
	Online             bool
	RegisteredAt       time.Time
	LastHeartbeat      *time.Time
	LastDataCollection *time.Time
	Status             string
	StatusMessage      string
	ConfigVersion      int64
	ConfigHints        string `gorm:"type:text"`
	DeactivatedAt      *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Certificate statuses.
const (
	CertStatusActive     = "active"
	CertStatusRevoked    = "revoked"
	CertStatusExpired    = "expired"
	CertStatusSuperseded = "superseded"
)

// AgentCertificate is the audit record of an issued agent certificate.
// The private key is never stored.
type AgentCertificate struct {
	ID               uint   `gorm:"primaryKey"`
	AgentID          string `gorm:"index;size:36"`
	Thumbprint       string `gorm:"uniqueIndex;size:64"`
	SerialNumber     string `gorm:"uniqueIndex;size:64"`
	Subject          string
	Issuer           string
	NotBefore        time.Time
	NotAfter         time.Time `gorm:"index"`
	IssuedAt         time.Time `gorm:"index"`
	Status           string    `gorm:"index;size:16"`
	Usage            string    `gorm:"size:32"`
	RevocationReason string
	RevokedAt        *time.Time
	CertificatePEM   string `gorm:"type:text"`
}

// Submission statuses.
const (
	SubmissionPending    = "pending"
	SubmissionProcessing = "processing"
	SubmissionCompleted  = "completed"
	SubmissionFailed     = "failed"
)

// DataSubmission is one batch of records sent by an agent.
type DataSubmission struct {
	ID             string `gorm:"primaryKey;size:36"`
	AgentID        string `gorm:"index:submission_dedup,priority:1;size:36"`
	DataType       string `gorm:"index:submission_dedup,priority:2;size:16"`
	PayloadHash    string `gorm:"index:submission_dedup,priority:3;size:80"`
	CollectedAt    time.Time
	SubmittedAt    time.Time `gorm:"index"`
	ProcessedAt    *time.Time
	Status         string `gorm:"index;size:16"`
	RecordCount    int
	ProcessedCount int
	ErrorCount     int
	ErrorDetails   string `gorm:"type:text"`
	PayloadSize    int
	RetryCount     int
	MaxRetries     int
	RetryAfter     *time.Time
	Message        string
}

// BootstrapToken authorizes the first certificate issuance of an agent
// that holds no active certificate. Only the HMAC of the token is stored.
type BootstrapToken struct {
	ID        uint   `gorm:"primaryKey"`
	AgentID   string `gorm:"index;size:36"`
	TokenHash string `gorm:"uniqueIndex"`
	ExpiresAt time.Time
	UsedAt    *time.Time
	CreatedAt time.Time
}

// AgentSettings is the versioned configuration pushed to all agents.
// A single row with ID 1 exists.
type AgentSettings struct {
	ID                        uint `gorm:"primaryKey"`
	Version                   int64
	HeartbeatIntervalSeconds  int
	CollectionIntervalSeconds int
	EnabledDataTypes          string
	UpdatedAt                 time.Time
}

// DirectoryUser is the latest synchronized state of a directory user.
type DirectoryUser struct {
	ID                uint   `gorm:"primaryKey"`
	Domain            string `gorm:"uniqueIndex:user_object;size:255"`
	ObjectID          string `gorm:"uniqueIndex:user_object;size:128"`
	AgentID           string `gorm:"index;size:36"`
	SubmissionID      string `gorm:"size:36"`
	SamAccountName    string `gorm:"index"`
	UserPrincipalName string
	DisplayName       string
	Email             string
	DistinguishedName string
	Enabled           bool
	LastLogon         *time.Time
	PasswordLastSet   *time.Time
	MemberOf          string `gorm:"type:text"`
	SyncedAt          time.Time
}

// DirectoryGroup is the latest synchronized state of a directory group.
type DirectoryGroup struct {
	ID                uint   `gorm:"primaryKey"`
	Domain            string `gorm:"uniqueIndex:group_object;size:255"`
	ObjectID          string `gorm:"uniqueIndex:group_object;size:128"`
	AgentID           string `gorm:"index;size:36"`
	SubmissionID      string `gorm:"size:36"`
	Name              string `gorm:"index"`
	Description       string
	DistinguishedName string
	Scope             string
	Category          string
	Members           string `gorm:"type:text"`
	SyncedAt          time.Time
}

// DirectoryPolicy is the latest synchronized state of a group policy.
type DirectoryPolicy struct {
	ID           uint   `gorm:"primaryKey"`
	Domain       string `gorm:"uniqueIndex:policy_object;size:255"`
	ObjectID     string `gorm:"uniqueIndex:policy_object;size:128"`
	AgentID      string `gorm:"index;size:36"`
	SubmissionID string `gorm:"size:36"`
	Name         string
	Status       string
	Version      int
	LinkedTo     string `gorm:"type:text"`
	Settings     string `gorm:"type:text"`
	ModifiedTime *time.Time
	SyncedAt     time.Time
}
