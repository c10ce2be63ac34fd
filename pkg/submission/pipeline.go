// Package submission accepts, verifies and records batches of directory
// records sent by agents.
package submission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"

	"github.com/haasonsaas/dirsync/pkg/apierr"
	"github.com/haasonsaas/dirsync/pkg/backoff"
	"github.com/haasonsaas/dirsync/pkg/events"
	"github.com/haasonsaas/dirsync/pkg/payload"
	"github.com/haasonsaas/dirsync/pkg/protocol"
	"github.com/haasonsaas/dirsync/pkg/registry"
	"github.com/haasonsaas/dirsync/pkg/store"
	"github.com/haasonsaas/dirsync/pkg/telemetry"
)

var tracer = otel.Tracer("github.com/haasonsaas/dirsync/pkg/submission")

// MaxErrorDetails bounds the per-record errors kept on a submission.
const MaxErrorDetails = 20

// Authenticator binds the caller's certificate to the claimed agent.
type Authenticator interface {
	Authenticate(ctx context.Context, agentID, thumbprint string) (*store.AgentCertificate, error)
}

// Config tunes the pipeline.
type Config struct {
	// RecencyWindow is how far back a completed submission with the same
	// hash short-circuits a new one.
	RecencyWindow time.Duration
	MaxRetries    int
	Backoff       backoff.Policy
	// PartialSuccess lists the data types that complete with record errors
	// instead of failing. Nil means the defaults; an empty non-nil slice
	// makes every type fail on the first record error.
	PartialSuccess  []protocol.DataType
	MaxPayloadBytes int
}

func DefaultConfig() Config {
	return Config{
		RecencyWindow:   24 * time.Hour,
		MaxRetries:      5,
		Backoff:         backoff.NewPolicy(30*time.Second, 30*time.Minute),
		PartialSuccess:  []protocol.DataType{protocol.DataTypeUsers, protocol.DataTypeGroups},
		MaxPayloadBytes: 64 << 20,
	}
}

// ErrorDetail describes one rejected record.
type ErrorDetail = protocol.RecordError

// Result is the outcome of Submit.
type Result struct {
	Submission store.DataSubmission
	Duplicate  bool
}

// Pipeline is the data submission service.
type Pipeline struct {
	db       *gorm.DB
	auth     Authenticator
	registry *registry.Registry
	cfg      Config
	partial  map[protocol.DataType]bool
	handlers map[protocol.DataType]recordHandler
	locker   store.Locker
	events   events.Publisher
	logger   zerolog.Logger
	now      func() time.Time
}

type Option func(*Pipeline)

func WithLocker(l store.Locker) Option { return func(p *Pipeline) { p.locker = l } }

func WithPublisher(pub events.Publisher) Option { return func(p *Pipeline) { p.events = pub } }

func WithLogger(l zerolog.Logger) Option { return func(p *Pipeline) { p.logger = l } }

func WithClock(now func() time.Time) Option { return func(p *Pipeline) { p.now = now } }

func New(db *gorm.DB, auth Authenticator, reg *registry.Registry, cfg Config, opts ...Option) *Pipeline {
	def := DefaultConfig()
	if cfg.RecencyWindow <= 0 {
		cfg.RecencyWindow = def.RecencyWindow
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.Backoff.Initial <= 0 {
		cfg.Backoff = def.Backoff
	}
	if cfg.MaxPayloadBytes <= 0 {
		cfg.MaxPayloadBytes = def.MaxPayloadBytes
	}
	if cfg.PartialSuccess == nil {
		cfg.PartialSuccess = def.PartialSuccess
	}
	p := &Pipeline{
		db:       db,
		auth:     auth,
		registry: reg,
		cfg:      cfg,
		partial:  make(map[protocol.DataType]bool),
		handlers: defaultHandlers(),
		locker:   store.NewMemoryLocker(),
		events:   events.Nop{},
		logger:   zerolog.Nop(),
		now:      time.Now,
	}
	for _, dt := range cfg.PartialSuccess {
		p.partial[dt] = true
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Pipeline) clock() time.Time { return p.now().UTC() }

// errRejected rolls back a batch whose data type does not accept partial
// success.
var errRejected = errors.New("batch rejected")

// Submit runs a batch through authentication, integrity check,
// deduplication and per-record persistence.
func (p *Pipeline) Submit(ctx context.Context, peerThumbprint string, req protocol.SubmitDataRequest) (result *Result, err error) {
	ctx, span := tracer.Start(ctx, "submission.Submit")
	span.SetAttributes(
		attribute.String("agent.id", req.AgentID),
		attribute.String("submission.data_type", req.DataType.String()),
		attribute.Int("submission.record_count", req.RecordCount),
	)
	defer func() { telemetry.Finish(span, err) }()

	if _, err := p.auth.Authenticate(ctx, req.AgentID, peerThumbprint); err != nil {
		return nil, err
	}
	if err := p.validate(req); err != nil {
		return nil, err
	}
	if err := payload.Verify(req.PayloadHash, req.Payload); err != nil {
		if errors.Is(err, payload.ErrHashMismatch) {
			return nil, apierr.Integrity("payload hash does not match payload")
		}
		return nil, apierr.Validation("payload_hash: %s", err.Error())
	}
	hash, _ := payload.Canonical(req.PayloadHash)

	records, err := payload.Split(req.Payload, req.Encoding, req.Compression)
	if err != nil {
		return nil, apierr.Integrity("payload cannot be decoded: %s", err.Error())
	}
	if len(records) != req.RecordCount {
		return nil, apierr.Integrity("record_count is %d but payload holds %d records", req.RecordCount, len(records))
	}

	unlock, err := p.locker.Lock(ctx, req.AgentID)
	if err != nil {
		return nil, apierr.Transient(err, time.Time{}, "agent is busy")
	}
	defer unlock()

	if _, err := p.registry.Require(ctx, req.AgentID); err != nil {
		return nil, err
	}
	settings, err := p.registry.Settings(ctx)
	if err != nil {
		return nil, err
	}
	if !enabled(settings, req.DataType) {
		return nil, apierr.Validation("data type %s is not enabled", req.DataType)
	}

	now := p.clock()
	prior, err := p.findRecent(ctx, req.AgentID, req.DataType, hash, now)
	if err != nil {
		return nil, err
	}

	var sub store.DataSubmission
	switch {
	case prior == nil:
		sub = store.DataSubmission{
			ID:          uuid.NewString(),
			AgentID:     req.AgentID,
			DataType:    req.DataType.String(),
			PayloadHash: hash,
			CollectedAt: collectedAt(req.CollectedAt, now),
			SubmittedAt: now,
			Status:      store.SubmissionPending,
			RecordCount: req.RecordCount,
			PayloadSize: len(req.Payload),
			MaxRetries:  p.cfg.MaxRetries,
		}
		if err := p.db.WithContext(ctx).Create(&sub).Error; err != nil {
			return nil, apierr.Transient(err, now.Add(p.cfg.Backoff.Delay(0)), "record submission")
		}
	case prior.Status == store.SubmissionCompleted || prior.Status == store.SubmissionFailed:
		p.logger.Info().Str("agent_id", req.AgentID).Str("submission_id", prior.ID).Str("status", prior.Status).Msg("duplicate submission short-circuited")
		return &Result{Submission: *prior, Duplicate: true}, nil
	case prior.RetryAfter != nil && now.Before(*prior.RetryAfter):
		return nil, apierr.Transient(nil, *prior.RetryAfter, "submission %s is waiting to be retried", prior.ID)
	default:
		sub = *prior
	}

	span.SetAttributes(attribute.String("submission.id", sub.ID))
	return p.process(ctx, sub, req, records)
}

func (p *Pipeline) validate(req protocol.SubmitDataRequest) error {
	if req.AgentID == "" {
		return apierr.Validation("agent_id is required")
	}
	if !req.DataType.Valid() {
		return apierr.Validation("data_type is required")
	}
	if _, ok := p.handlers[req.DataType]; !ok {
		return apierr.Validation("data type %s is not supported", req.DataType)
	}
	if req.RecordCount < 0 {
		return apierr.Validation("record_count must not be negative")
	}
	if len(req.Payload) == 0 {
		return apierr.Validation("payload is required")
	}
	if len(req.Payload) > p.cfg.MaxPayloadBytes {
		return apierr.Validation("payload exceeds %d bytes", p.cfg.MaxPayloadBytes)
	}
	if req.PayloadHash == "" {
		return apierr.Validation("payload_hash is required")
	}
	if err := payload.ValidFormat(req.Encoding, req.Compression); err != nil {
		return apierr.Validation("%s", err.Error())
	}
	return nil
}

func enabled(s protocol.AgentSettings, dt protocol.DataType) bool {
	for _, e := range s.EnabledDataTypes {
		if e == dt {
			return true
		}
	}
	return false
}

func collectedAt(t, now time.Time) time.Time {
	if t.IsZero() {
		return now
	}
	return t.UTC()
}

// findRecent returns the newest submission with the same content inside
// the recency window.
func (p *Pipeline) findRecent(ctx context.Context, agentID string, dt protocol.DataType, hash string, now time.Time) (*store.DataSubmission, error) {
	var prior store.DataSubmission
	err := p.db.WithContext(ctx).
		Where("agent_id = ? AND data_type = ? AND payload_hash = ? AND submitted_at >= ?",
			agentID, dt.String(), hash, now.Add(-p.cfg.RecencyWindow)).
		Order("submitted_at desc").
		First(&prior).Error
	if err != nil {
		if store.IsNotFound(err) {
			return nil, nil
		}
		return nil, apierr.Transient(err, time.Time{}, "look up prior submission")
	}
	return &prior, nil
}

// process moves the submission through processing and persists records
// in a single transaction with a savepoint per record.
func (p *Pipeline) process(ctx context.Context, sub store.DataSubmission, req protocol.SubmitDataRequest, records []payload.Raw) (*Result, error) {
	if err := p.db.WithContext(ctx).Model(&sub).Update("status", store.SubmissionProcessing).Error; err != nil {
		return nil, p.retryLater(ctx, sub, err)
	}
	sub.Status = store.SubmissionProcessing

	handler := p.handlers[req.DataType]
	src := store.RecordSource{AgentID: sub.AgentID, SubmissionID: sub.ID, SyncedAt: p.clock()}
	var (
		processed int
		details   []ErrorDetail
		errCount  int
	)

	txErr := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		processed, errCount, details = 0, 0, nil
		for i, raw := range records {
			sp := "rec" + strconv.Itoa(i)
			if err := tx.SavePoint(sp).Error; err != nil {
				return err
			}
			err := handler(ctx, tx, src, raw, req.Encoding)
			if err == nil {
				processed++
				continue
			}
			re, ok := isRecordError(err)
			if !ok {
				return err
			}
			if err := tx.RollbackTo(sp).Error; err != nil {
				return err
			}
			errCount++
			if len(details) < MaxErrorDetails {
				details = append(details, ErrorDetail{Index: i, ObjectID: re.objectID, Error: re.Error()})
			}
		}
		if errCount > 0 && !p.partial[req.DataType] {
			return errRejected
		}
		return registry.TouchCollection(tx, sub.AgentID, sub.CollectedAt)
	})

	switch {
	case txErr == nil:
		status := store.SubmissionCompleted
		msg := fmt.Sprintf("processed %d of %d records", processed, len(records))
		return p.finish(ctx, sub, status, processed, errCount, details, msg)
	case errors.Is(txErr, errRejected):
		msg := fmt.Sprintf("%d of %d records rejected; %s does not accept partial batches", errCount, len(records), req.DataType)
		return p.finish(ctx, sub, store.SubmissionFailed, 0, errCount, details, msg)
	default:
		return nil, p.retryLater(ctx, sub, txErr)
	}
}

func (p *Pipeline) finish(ctx context.Context, sub store.DataSubmission, status string, processed, errCount int, details []ErrorDetail, msg string) (*Result, error) {
	now := p.clock()
	detailJSON := ""
	if len(details) > 0 {
		data, _ := json.Marshal(details)
		detailJSON = string(data)
	}
	updates := map[string]any{
		"status":          status,
		"processed_count": processed,
		"error_count":     errCount,
		"error_details":   detailJSON,
		"processed_at":    now,
		"retry_after":     nil,
		"message":         msg,
	}
	if err := p.db.WithContext(ctx).Model(&store.DataSubmission{}).Where("id = ?", sub.ID).Updates(updates).Error; err != nil {
		return nil, p.retryLater(ctx, sub, err)
	}
	sub.Status = status
	sub.ProcessedCount = processed
	sub.ErrorCount = errCount
	sub.ErrorDetails = detailJSON
	sub.ProcessedAt = &now
	sub.RetryAfter = nil
	sub.Message = msg

	evtType := events.SubmissionCompleted
	logEvent := p.logger.Info()
	if status == store.SubmissionFailed {
		evtType = events.SubmissionFailed
		logEvent = p.logger.Warn()
	}
	logEvent.Str("agent_id", sub.AgentID).Str("submission_id", sub.ID).Str("data_type", sub.DataType).
		Int("processed", processed).Int("errors", errCount).Str("status", status).Msg("submission processed")
	events.Emit(ctx, p.events, p.logger, events.New(evtType, sub.AgentID, map[string]string{
		"submission_id":   sub.ID,
		"data_type":       sub.DataType,
		"processed_count": strconv.Itoa(processed),
		"error_count":     strconv.Itoa(errCount),
	}))
	return &Result{Submission: sub}, nil
}

// retryLater records a transient failure. The submission stays pending
// with a retry deadline until MaxRetries is exhausted, then fails for good.
func (p *Pipeline) retryLater(ctx context.Context, sub store.DataSubmission, cause error) error {
	now := p.clock()
	sub.RetryCount++
	maxRetries := sub.MaxRetries
	if maxRetries <= 0 {
		maxRetries = p.cfg.MaxRetries
	}

	updates := map[string]any{"retry_count": sub.RetryCount}
	var retryAfter time.Time
	if sub.RetryCount < maxRetries {
		retryAfter = now.Add(p.cfg.Backoff.Delay(sub.RetryCount - 1))
		updates["status"] = store.SubmissionPending
		updates["retry_after"] = retryAfter
		updates["message"] = "transient failure: " + cause.Error()
	} else {
		updates["status"] = store.SubmissionFailed
		updates["retry_after"] = nil
		updates["processed_at"] = now
		updates["message"] = fmt.Sprintf("gave up after %d attempts: %s", sub.RetryCount, cause.Error())
	}
	if err := p.db.WithContext(ctx).Model(&store.DataSubmission{}).Where("id = ?", sub.ID).Updates(updates).Error; err != nil {
		p.logger.Error().Err(err).Str("submission_id", sub.ID).Msg("failed to record retry state")
	}

	p.logger.Warn().Err(cause).Str("agent_id", sub.AgentID).Str("submission_id", sub.ID).
		Int("retry_count", sub.RetryCount).Msg("submission persistence failed")

	if retryAfter.IsZero() {
		events.Emit(ctx, p.events, p.logger, events.New(events.SubmissionFailed, sub.AgentID, map[string]string{
			"submission_id": sub.ID,
			"retry_count":   strconv.Itoa(sub.RetryCount),
		}))
		return apierr.Conflict("submission %s failed permanently after %d attempts", sub.ID, sub.RetryCount)
	}
	events.Emit(ctx, p.events, p.logger, events.New(events.SubmissionRetrying, sub.AgentID, map[string]string{
		"submission_id": sub.ID,
		"retry_count":   strconv.Itoa(sub.RetryCount),
		"retry_after":   retryAfter.Format(time.RFC3339),
	}))
	return apierr.Transient(cause, retryAfter, "submission %s could not be stored, retry later", sub.ID)
}

// SubmissionFilter selects submissions for List.
type SubmissionFilter struct {
	AgentID  string
	Status   string
	Page     int
	PageSize int
}

// List returns submissions, newest first.
func (p *Pipeline) List(ctx context.Context, filter SubmissionFilter) ([]store.DataSubmission, int64, error) {
	if filter.Page < 1 {
		filter.Page = 1
	}
	if filter.PageSize < 1 {
		filter.PageSize = 50
	}
	if filter.PageSize > 100 {
		filter.PageSize = 100
	}
	q := p.db.WithContext(ctx).Model(&store.DataSubmission{})
	if filter.AgentID != "" {
		q = q.Where("agent_id = ?", filter.AgentID)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, apierr.Transient(err, time.Time{}, "count submissions")
	}
	var subs []store.DataSubmission
	if err := q.Order("submitted_at desc").Offset((filter.Page - 1) * filter.PageSize).Limit(filter.PageSize).Find(&subs).Error; err != nil {
		return nil, 0, apierr.Transient(err, time.Time{}, "list submissions")
	}
	return subs, total, nil
}

// Get loads a submission by id.
func (p *Pipeline) Get(ctx context.Context, id string) (*store.DataSubmission, error) {
	var sub store.DataSubmission
	if err := p.db.WithContext(ctx).First(&sub, "id = ?", id).Error; err != nil {
		if store.IsNotFound(err) {
			return nil, apierr.SubmissionNotFound(id)
		}
		return nil, apierr.Transient(err, time.Time{}, "load submission")
	}
	return &sub, nil
}

// Details decodes the stored per-record errors.
func Details(sub store.DataSubmission) []ErrorDetail {
	if sub.ErrorDetails == "" {
		return nil
	}
	var out []ErrorDetail
	if err := json.Unmarshal([]byte(sub.ErrorDetails), &out); err != nil {
		return nil
	}
	return out
}

// Response converts a result to its wire form.
func Response(r *Result) protocol.SubmitDataResponse {
	sub := r.Submission
	resp := protocol.SubmitDataResponse{
		Success:        sub.Status == store.SubmissionCompleted,
		Message:        sub.Message,
		SubmissionID:   sub.ID,
		Status:         sub.Status,
		Duplicate:      r.Duplicate,
		RecordCount:    sub.RecordCount,
		ProcessedCount: sub.ProcessedCount,
		ErrorCount:     sub.ErrorCount,
		ProcessedAt:    sub.ProcessedAt,
		RetryAfter:     sub.RetryAfter,
		ErrorDetails:   Details(sub),
	}
	if r.Duplicate {
		resp.Message = "duplicate of submission " + sub.ID
	}
	return resp
}

// Info converts a submission to its admin view.
func Info(sub store.DataSubmission) protocol.SubmissionInfo {
	return protocol.SubmissionInfo{
		ID:             sub.ID,
		AgentID:        sub.AgentID,
		DataType:       sub.DataType,
		Status:         sub.Status,
		SubmittedAt:    sub.SubmittedAt,
		ProcessedAt:    sub.ProcessedAt,
		RecordCount:    sub.RecordCount,
		ProcessedCount: sub.ProcessedCount,
		ErrorCount:     sub.ErrorCount,
		PayloadSize:    sub.PayloadSize,
		PayloadHash:    sub.PayloadHash,
		RetryCount:     sub.RetryCount,
		Message:        sub.Message,
		ErrorDetails:   Details(sub),
	}
}
