// Package registry tracks agent identity, liveness and the configuration
// pushed to agents.
package registry

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
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

var tracer = otel.Tracer("github.com/haasonsaas/dirsync/pkg/registry")

// State is the derived lifecycle state of an agent.
type State string

const (
	StateRegistered  State = "registered"
	StateOnline      State = "online"
	StateOffline     State = "offline"
	StateDeactivated State = "deactivated"
)

// StateOf derives an agent's state at now. An agent is offline once the
// heartbeat gap exceeds twice the heartbeat interval.
func StateOf(agent *store.Agent, now time.Time, heartbeatInterval time.Duration) State {
	switch {
	case !agent.Active:
		return StateDeactivated
	case agent.LastHeartbeat == nil:
		return StateRegistered
	case now.Sub(*agent.LastHeartbeat) > 2*heartbeatInterval:
		return StateOffline
	default:
		return StateOnline
	}
}

// RegisterResult is the outcome of Register.
type RegisterResult struct {
	Agent       store.Agent
	Created     bool
	Reactivated bool
	Settings    protocol.AgentSettings
	// BootstrapToken is set when the agent holds no active certificate.
	BootstrapToken string
}

// HeartbeatUpdate carries the fields a heartbeat writes.
type HeartbeatUpdate struct {
	Status        string
	StatusMessage string
	Timestamp     time.Time
	Version       string
	ConfigVersion int64
}

// ListFilter selects agents for List.
type ListFilter struct {
	Type            string
	IncludeInactive bool
	Page            int
	PageSize        int
}

const maxListPageSize = 200

// Registry is the agent registry service.
type Registry struct {
	db           *gorm.DB
	hasher       auth.TokenHasher
	defaults     protocol.AgentSettings
	bootstrapTTL time.Duration
	locker       store.Locker
	events       events.Publisher
	logger       zerolog.Logger
	now          func() time.Time
}

type Option func(*Registry)

func WithLocker(l store.Locker) Option { return func(r *Registry) { r.locker = l } }

func WithPublisher(p events.Publisher) Option { return func(r *Registry) { r.events = p } }

func WithLogger(l zerolog.Logger) Option { return func(r *Registry) { r.logger = l } }

func WithClock(now func() time.Time) Option { return func(r *Registry) { r.now = now } }

// WithBootstrapTTL sets how long a bootstrap token stays redeemable.
func WithBootstrapTTL(ttl time.Duration) Option {
	return func(r *Registry) {
		if ttl > 0 {
			r.bootstrapTTL = ttl
		}
	}
}

// DefaultSettings is the configuration used until an administrator
// changes it.
func DefaultSettings() protocol.AgentSettings {
	return protocol.AgentSettings{
		Version:                   1,
		HeartbeatIntervalSeconds:  60,
		CollectionIntervalSeconds: 3600,
		EnabledDataTypes:          append([]protocol.DataType(nil), protocol.AllDataTypes...),
	}
}

func New(db *gorm.DB, hasher auth.TokenHasher, defaults protocol.AgentSettings, opts ...Option) *Registry {
	if defaults.HeartbeatIntervalSeconds <= 0 {
		defaults = DefaultSettings()
	}
	r := &Registry{
		db:           db,
		hasher:       hasher,
		defaults:     defaults,
		bootstrapTTL: time.Hour,
		locker:       store.NewMemoryLocker(),
		events:       events.Nop{},
		logger:       zerolog.Nop(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) clock() time.Time { return r.now().UTC() }

func (r *Registry) lock(ctx context.Context, key string) (func(), error) {
	unlock, err := r.locker.Lock(ctx, key)
	if err != nil {
		return nil, apierr.Transient(err, time.Time{}, "agent is busy")
	}
	return unlock, nil
}

func validateRegistration(req *protocol.RegisterRequest) (protocol.AgentType, error) {
	agentType, err := protocol.ParseAgentType(req.Type)
	if err != nil {
		return "", apierr.Validation("%s", err.Error())
	}
	req.MachineName = strings.TrimSpace(req.MachineName)
	if req.MachineName == "" {
		return "", apierr.Validation("machine_name is required")
	}
	if len(req.MachineName) > 255 {
		return "", apierr.Validation("machine_name is too long")
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		req.Name = req.MachineName
	}
	return agentType, nil
}

// Register creates an agent or returns the existing one for the same
// (machine name, type). An inactive match is reactivated under its id.
func (r *Registry) Register(ctx context.Context, req protocol.RegisterRequest) (result *RegisterResult, err error) {
	ctx, span := tracer.Start(ctx, "registry.Register")
	defer func() { telemetry.Finish(span, err) }()

	agentType, err := validateRegistration(&req)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("agent.machine", req.MachineName), attribute.String("agent.type", string(agentType)))

	unlock, err := r.lock(ctx, "machine:"+string(agentType)+"/"+strings.ToLower(req.MachineName))
	if err != nil {
		return nil, err
	}
	defer unlock()

	// The machine lock fixes which row matches; the agent lock excludes
	// Deactivate, heartbeats and certificate changes on that row.
	var existing store.Agent
	lookup := r.db.WithContext(ctx).Select("id").
		Where("type = ? AND lower(machine_name) = lower(?)", string(agentType), req.MachineName).
		Limit(1).Find(&existing)
	if lookup.Error != nil {
		return nil, apierr.Transient(lookup.Error, time.Time{}, "look up agent")
	}
	if existing.ID != "" {
		unlockAgent, err := r.lock(ctx, existing.ID)
		if err != nil {
			return nil, err
		}
		defer unlockAgent()
	}

	settings, err := r.Settings(ctx)
	if err != nil {
		return nil, err
	}

	hints := ""
	if len(req.ConfigHints) > 0 {
		data, _ := json.Marshal(req.ConfigHints)
		hints = string(data)
	}

	now := r.clock()
	result = &RegisterResult{Settings: settings}
	var token string
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var agent store.Agent
		if existing.ID == "" {
			agent = store.Agent{
				ID:           uuid.NewString(),
				Name:         req.Name,
				Type:         string(agentType),
				Version:      req.Version,
				MachineName:  req.MachineName,
				IPAddress:    req.IPAddress,
				Domain:       req.Domain,
				OSInfo:       req.OSInfo,
				Active:       true,
				RegisteredAt: now,
				Status:       "registered",
				ConfigHints:  hints,
			}
			if err := tx.Create(&agent).Error; err != nil {
				return err
			}
			result.Created = true
		} else {
			if err := tx.First(&agent, "id = ?", existing.ID).Error; err != nil {
				return err
			}
			// Only registration columns are written; liveness and
			// activation belong to heartbeats and Deactivate.
			updates := map[string]any{
				"name":       req.Name,
				"version":    req.Version,
				"ip_address": req.IPAddress,
				"domain":     req.Domain,
				"os_info":    req.OSInfo,
			}
			if hints != "" {
				updates["config_hints"] = hints
			}
			if !agent.Active {
				result.Reactivated = true
				updates["active"] = true
				updates["online"] = false
				updates["deactivated_at"] = nil
				updates["last_heartbeat"] = nil
			}
			if err := tx.Model(&store.Agent{}).Where("id = ?", existing.ID).Updates(updates).Error; err != nil {
				return err
			}
			var saved store.Agent
			if err := tx.First(&saved, "id = ?", existing.ID).Error; err != nil {
				return err
			}
			agent = saved
		}
		result.Agent = agent

		var active int64
		if err := tx.Model(&store.AgentCertificate{}).
			Where("agent_id = ? AND status = ? AND not_after > ?", agent.ID, store.CertStatusActive, now).
			Count(&active).Error; err != nil {
			return err
		}
		if active > 0 {
			return nil
		}
		issued, terr := r.issueBootstrapToken(tx, agent.ID, now)
		token = issued
		return terr
	})
	if err != nil {
		return nil, apierr.Transient(err, time.Time{}, "register agent")
	}
	result.BootstrapToken = token

	logEvent := r.logger.Info().Str("agent_id", result.Agent.ID).Str("machine", req.MachineName).Str("type", string(agentType))
	switch {
	case result.Created:
		logEvent.Msg("agent registered")
		events.Emit(ctx, r.events, r.logger, events.New(events.AgentRegistered, result.Agent.ID, map[string]string{"machine_name": req.MachineName}))
	case result.Reactivated:
		logEvent.Msg("agent reactivated")
		events.Emit(ctx, r.events, r.logger, events.New(events.AgentReactivated, result.Agent.ID, map[string]string{"machine_name": req.MachineName}))
	default:
		logEvent.Msg("agent re-registered")
	}
	return result, nil
}

// issueBootstrapToken replaces any unredeemed token of the agent.
func (r *Registry) issueBootstrapToken(tx *gorm.DB, agentID string, now time.Time) (string, error) {
	if err := tx.Model(&store.BootstrapToken{}).
		Where("agent_id = ? AND used_at IS NULL AND expires_at > ?", agentID, now).
		Update("expires_at", now).Error; err != nil {
		return "", err
	}
	raw, err := auth.GenerateToken()
	if err != nil {
		return "", err
	}
	record := store.BootstrapToken{
		AgentID:   agentID,
		TokenHash: r.hasher.HashString(raw),
		ExpiresAt: now.Add(r.bootstrapTTL),
		CreatedAt: now,
	}
	if err := tx.Create(&record).Error; err != nil {
		return "", err
	}
	return raw, nil
}

// RedeemBootstrapToken consumes a bootstrap token of agentID. A token can
// be redeemed once, before it expires.
func (r *Registry) RedeemBootstrapToken(ctx context.Context, agentID, token string) error {
	if strings.TrimSpace(token) == "" {
		return apierr.AuthenticationFailed("bootstrap token required")
	}
	now := r.clock()
	res := r.db.WithContext(ctx).Model(&store.BootstrapToken{}).
		Where("agent_id = ? AND token_hash = ? AND used_at IS NULL AND expires_at > ?", agentID, r.hasher.HashString(token), now).
		Update("used_at", now)
	if res.Error != nil {
		return apierr.Transient(res.Error, time.Time{}, "redeem bootstrap token")
	}
	if res.RowsAffected != 1 {
		return apierr.AuthenticationFailed("bootstrap token is invalid, expired or already used")
	}
	r.logger.Info().Str("agent_id", agentID).Msg("bootstrap token redeemed")
	return nil
}

// HasActiveCertificate reports whether the agent currently holds an
// active certificate.
func (r *Registry) HasActiveCertificate(ctx context.Context, agentID string) (bool, error) {
	n, err := store.CountActiveCertificates(ctx, r.db, agentID)
	if err != nil {
		return false, apierr.Transient(err, time.Time{}, "count certificates")
	}
	return n > 0, nil
}

// Get loads an agent, marking it offline first when its heartbeat is stale.
func (r *Registry) Get(ctx context.Context, agentID string) (*store.Agent, error) {
	var agent store.Agent
	if err := r.db.WithContext(ctx).First(&agent, "id = ?", agentID).Error; err != nil {
		if store.IsNotFound(err) {
			return nil, apierr.AgentNotFound(agentID)
		}
		return nil, apierr.Transient(err, time.Time{}, "load agent")
	}
	settings, err := r.Settings(ctx)
	if err != nil {
		return nil, err
	}
	if err := r.refreshOnline(ctx, &agent, settings); err != nil {
		return nil, err
	}
	return &agent, nil
}

// List returns agents ordered by registration time, newest first.
func (r *Registry) List(ctx context.Context, filter ListFilter) ([]store.Agent, int64, error) {
	if filter.Page < 1 {
		filter.Page = 1
	}
	if filter.PageSize < 1 {
		filter.PageSize = 50
	}
	if filter.PageSize > maxListPageSize {
		filter.PageSize = maxListPageSize
	}

	q := r.db.WithContext(ctx).Model(&store.Agent{})
	if !filter.IncludeInactive {
		q = q.Where("active = ?", true)
	}
	if filter.Type != "" {
		q = q.Where("type = ?", filter.Type)
	}
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, apierr.Transient(err, time.Time{}, "count agents")
	}
	var agents []store.Agent
	if err := q.Order("registered_at desc").Offset((filter.Page - 1) * filter.PageSize).Limit(filter.PageSize).Find(&agents).Error; err != nil {
		return nil, 0, apierr.Transient(err, time.Time{}, "list agents")
	}

	settings, err := r.Settings(ctx)
	if err != nil {
		return nil, 0, err
	}
	for i := range agents {
		if err := r.refreshOnline(ctx, &agents[i], settings); err != nil {
			return nil, 0, err
		}
	}
	return agents, total, nil
}

// refreshOnline persists Online=false for an agent whose heartbeat went
// stale. The update is conditional so a concurrent heartbeat wins.
func (r *Registry) refreshOnline(ctx context.Context, agent *store.Agent, settings protocol.AgentSettings) error {
	if !agent.Online {
		return nil
	}
	if StateOf(agent, r.clock(), heartbeatInterval(settings)) != StateOffline {
		return nil
	}
	cutoff := r.clock().Add(-2 * heartbeatInterval(settings))
	res := r.db.WithContext(ctx).Model(&store.Agent{}).
		Where("id = ? AND online = ? AND last_heartbeat < ?", agent.ID, true, cutoff).
		Update("online", false)
	if res.Error != nil {
		return apierr.Transient(res.Error, time.Time{}, "mark agent offline")
	}
	if res.RowsAffected > 0 {
		r.logger.Info().Str("agent_id", agent.ID).Time("last_heartbeat", *agent.LastHeartbeat).Msg("agent went offline")
	}
	agent.Online = false
	return nil
}

// State derives the agent's state using the current heartbeat interval.
func (r *Registry) State(ctx context.Context, agent *store.Agent) (State, error) {
	settings, err := r.Settings(ctx)
	if err != nil {
		return "", err
	}
	return StateOf(agent, r.clock(), heartbeatInterval(settings)), nil
}

// Deactivate marks the agent inactive and revokes its active certificate.
// Deactivating an inactive agent is a no-op.
func (r *Registry) Deactivate(ctx context.Context, agentID, reason string) (agent *store.Agent, err error) {
	ctx, span := tracer.Start(ctx, "registry.Deactivate")
	span.SetAttributes(attribute.String("agent.id", agentID))
	defer func() { telemetry.Finish(span, err) }()

	unlock, err := r.lock(ctx, agentID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var row store.Agent
	if err := r.db.WithContext(ctx).First(&row, "id = ?", agentID).Error; err != nil {
		if store.IsNotFound(err) {
			return nil, apierr.AgentNotFound(agentID)
		}
		return nil, apierr.Transient(err, time.Time{}, "load agent")
	}
	if !row.Active {
		return &row, nil
	}
	if strings.TrimSpace(reason) == "" {
		reason = "agent deactivated"
	}

	now := r.clock()
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&row).Updates(map[string]any{
			"active":         false,
			"online":         false,
			"deactivated_at": now,
			"status_message": reason,
		}).Error; err != nil {
			return err
		}
		return tx.Model(&store.AgentCertificate{}).
			Where("agent_id = ? AND status = ?", agentID, store.CertStatusActive).
			Updates(map[string]any{"status": store.CertStatusRevoked, "revocation_reason": reason, "revoked_at": now}).Error
	})
	if err != nil {
		return nil, apierr.Transient(err, time.Time{}, "deactivate agent")
	}
	row.Active = false
	row.Online = false
	row.DeactivatedAt = &now
	row.StatusMessage = reason

	r.logger.Warn().Str("agent_id", agentID).Str("reason", reason).Msg("agent deactivated")
	events.Emit(ctx, r.events, r.logger, events.New(events.AgentDeactivated, agentID, map[string]string{"reason": reason}))
	return &row, nil
}

// RecordHeartbeat applies a heartbeat to the agent. lastHeartbeat never
// moves backward; status fields always take the reported values.
func (r *Registry) RecordHeartbeat(ctx context.Context, agentID string, hb HeartbeatUpdate) (*store.Agent, error) {
	unlock, err := r.lock(ctx, agentID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var agent store.Agent
	if err := r.db.WithContext(ctx).First(&agent, "id = ?", agentID).Error; err != nil {
		if store.IsNotFound(err) {
			return nil, apierr.AgentNotFound(agentID)
		}
		return nil, apierr.Transient(err, time.Time{}, "load agent")
	}
	if !agent.Active {
		return nil, apierr.AgentDeactivated(agentID)
	}

	last := hb.Timestamp.UTC()
	if agent.LastHeartbeat != nil && agent.LastHeartbeat.After(last) {
		last = *agent.LastHeartbeat
	}
	updates := map[string]any{
		"last_heartbeat": last,
		"online":         true,
		"status":         hb.Status,
		"status_message": hb.StatusMessage,
		"config_version": hb.ConfigVersion,
	}
	if hb.Version != "" {
		updates["version"] = hb.Version
	}
	if err := r.db.WithContext(ctx).Model(&agent).Updates(updates).Error; err != nil {
		return nil, apierr.Transient(err, time.Time{}, "record heartbeat")
	}
	agent.LastHeartbeat = &last
	agent.Online = true
	agent.Status = hb.Status
	agent.StatusMessage = hb.StatusMessage
	agent.ConfigVersion = hb.ConfigVersion
	if hb.Version != "" {
		agent.Version = hb.Version
	}
	return &agent, nil
}

// TouchCollection advances lastDataCollection inside tx. The caller holds
// the agent lock.
func TouchCollection(tx *gorm.DB, agentID string, at time.Time) error {
	return tx.Model(&store.Agent{}).
		Where("id = ? AND (last_data_collection IS NULL OR last_data_collection < ?)", agentID, at).
		Update("last_data_collection", at).Error
}

// Settings returns the current agent configuration, creating it from the
// defaults on first use.
func (r *Registry) Settings(ctx context.Context) (protocol.AgentSettings, error) {
	var row store.AgentSettings
	err := r.db.WithContext(ctx).First(&row, 1).Error
	if store.IsNotFound(err) {
		row = settingsRow(r.defaults, r.clock())
		err = r.db.WithContext(ctx).Where(store.AgentSettings{ID: 1}).FirstOrCreate(&row).Error
	}
	if err != nil {
		return protocol.AgentSettings{}, apierr.Transient(err, time.Time{}, "load settings")
	}
	return settingsFromRow(row), nil
}

// SettingsUpdate changes selected settings; nil fields are kept.
type SettingsUpdate struct {
	HeartbeatIntervalSeconds  *int                `json:"heartbeat_interval_seconds,omitempty"`
	CollectionIntervalSeconds *int                `json:"collection_interval_seconds,omitempty"`
	EnabledDataTypes          []protocol.DataType `json:"enabled_data_types,omitempty"`
}

// UpdateSettings applies update and bumps the configuration version so
// agents pick it up on their next heartbeat.
func (r *Registry) UpdateSettings(ctx context.Context, update SettingsUpdate) (protocol.AgentSettings, error) {
	unlock, err := r.lock(ctx, "settings")
	if err != nil {
		return protocol.AgentSettings{}, err
	}
	defer unlock()

	current, err := r.Settings(ctx)
	if err != nil {
		return protocol.AgentSettings{}, err
	}
	if v := update.HeartbeatIntervalSeconds; v != nil {
		if *v < 5 {
			return protocol.AgentSettings{}, apierr.Validation("heartbeat_interval_seconds must be at least 5")
		}
		current.HeartbeatIntervalSeconds = *v
	}
	if v := update.CollectionIntervalSeconds; v != nil {
		if *v < 60 {
			return protocol.AgentSettings{}, apierr.Validation("collection_interval_seconds must be at least 60")
		}
		current.CollectionIntervalSeconds = *v
	}
	if update.EnabledDataTypes != nil {
		for _, dt := range update.EnabledDataTypes {
			if !dt.Valid() {
				return protocol.AgentSettings{}, apierr.Validation("invalid data type %d", uint8(dt))
			}
		}
		current.EnabledDataTypes = update.EnabledDataTypes
	}
	current.Version++

	row := settingsRow(current, r.clock())
	if err := r.db.WithContext(ctx).Save(&row).Error; err != nil {
		return protocol.AgentSettings{}, apierr.Transient(err, time.Time{}, "save settings")
	}
	r.logger.Info().Int64("version", current.Version).Msg("agent settings updated")
	events.Emit(ctx, r.events, r.logger, events.New(events.AgentSettingsChange, "", map[string]string{
		"version": strconv.FormatInt(current.Version, 10),
	}))
	return current, nil
}

func heartbeatInterval(s protocol.AgentSettings) time.Duration {
	return time.Duration(s.HeartbeatIntervalSeconds) * time.Second
}

// HeartbeatInterval is the configured heartbeat cadence.
func (r *Registry) HeartbeatInterval(ctx context.Context) (time.Duration, error) {
	s, err := r.Settings(ctx)
	if err != nil {
		return 0, err
	}
	return heartbeatInterval(s), nil
}

func settingsRow(s protocol.AgentSettings, now time.Time) store.AgentSettings {
	names := make([]string, 0, len(s.EnabledDataTypes))
	for _, dt := range s.EnabledDataTypes {
		names = append(names, dt.String())
	}
	return store.AgentSettings{
		ID:                        1,
		Version:                   s.Version,
		HeartbeatIntervalSeconds:  s.HeartbeatIntervalSeconds,
		CollectionIntervalSeconds: s.CollectionIntervalSeconds,
		EnabledDataTypes:          strings.Join(names, ","),
		UpdatedAt:                 now,
	}
}

func settingsFromRow(row store.AgentSettings) protocol.AgentSettings {
	s := protocol.AgentSettings{
		Version:                   row.Version,
		HeartbeatIntervalSeconds:  row.HeartbeatIntervalSeconds,
		CollectionIntervalSeconds: row.CollectionIntervalSeconds,
		EnabledDataTypes:          []protocol.DataType{},
	}
	for _, name := range strings.Split(row.EnabledDataTypes, ",") {
		if dt, err := protocol.ParseDataType(name); err == nil {
			s.EnabledDataTypes = append(s.EnabledDataTypes, dt)
		}
	}
	return s
}

// Info converts an agent to its admin view.
func Info(agent store.Agent, state State) protocol.AgentInfo {
	return protocol.AgentInfo{
		ID:                 agent.ID,
		Name:               agent.Name,
		Type:               agent.Type,
		Version:            agent.Version,
		MachineName:        agent.MachineName,
		IPAddress:          agent.IPAddress,
		Domain:             agent.Domain,
		State:              string(state),
		Active:             agent.Active,
		Online:             agent.Online,
		Status:             agent.Status,
		StatusMessage:      agent.StatusMessage,
		RegisteredAt:       agent.RegisteredAt,
		LastHeartbeat:      agent.LastHeartbeat,
		LastDataCollection: agent.LastDataCollection,
		ConfigVersion:      agent.ConfigVersion,
	}
}

// Require loads an agent that must be active.
func (r *Registry) Require(ctx context.Context, agentID string) (*store.Agent, error) {
	if agentID == "" {
		return nil, apierr.Validation("agent_id is required")
	}
	agent, err := r.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if !agent.Active {
		return nil, apierr.AgentDeactivated(agentID)
	}
	return agent, nil
}
