// Package events publishes lifecycle notifications (agent registration,
// certificate changes, submission outcomes) to a message bus.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Event types.
const (
	AgentRegistered     = "agent.registered"
	AgentReactivated    = "agent.reactivated"
	AgentDeactivated    = "agent.deactivated"
	AgentSettingsChange = "agent.settings_changed"
	CertificateIssued   = "certificate.issued"
	CertificateRenewed  = "certificate.renewed"
	CertificateRevoked  = "certificate.revoked"
	CertificateExpired  = "certificate.expired"
	CertificateExpiring = "certificate.expiring"
	SubmissionCompleted = "submission.completed"
	SubmissionFailed    = "submission.failed"
	SubmissionRetrying  = "submission.retrying"
)

// Event is a single notification. Attributes carry type-specific detail
// such as a thumbprint or record counts.
type Event struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	AgentID    string            `json:"agent_id,omitempty"`
	Time       time.Time         `json:"time"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// New builds an event with a fresh id and timestamp.
func New(eventType, agentID string, attrs map[string]string) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		AgentID:    agentID,
		Time:       time.Now().UTC(),
		Attributes: attrs,
	}
}

func (e Event) marshal() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal event %s: %w", e.Type, err)
	}
	return data, nil
}

// Publisher delivers events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
	Close() error
}

// Emit publishes evt and logs instead of failing; event delivery never
// decides the outcome of the operation that produced it.
func Emit(ctx context.Context, pub Publisher, logger zerolog.Logger, evt Event) {
	if pub == nil {
		return
	}
	if err := pub.Publish(ctx, evt); err != nil {
		logger.Warn().Err(err).Str("event_type", evt.Type).Str("agent_id", evt.AgentID).Msg("event publish failed")
	}
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Publish(_ context.Context, evt Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return nil
}

func (r *Recorder) Close() error { return nil }

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Types returns the event types in publication order.
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

// Options selects and configures a backend.
type Options struct {
	Backend  string // none, nats or amqp
	URL      string
	Subject  string // NATS subject prefix
	Exchange string // AMQP topic exchange
	Name     string
}

// Open connects the backend named in opts.
func Open(ctx context.Context, opts Options, logger zerolog.Logger) (Publisher, error) {
	switch opts.Backend {
	case "", "none":
		return Nop{}, nil
	case "nats":
		return NewNATS(opts, logger)
	case "amqp":
		return NewAMQP(ctx, opts, logger)
	default:
		return nil, fmt.Errorf("unknown events backend %q", opts.Backend)
	}
}
