package submission

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/haasonsaas/dirsync/pkg/apierr"
	"github.com/haasonsaas/dirsync/pkg/auth"
	"github.com/haasonsaas/dirsync/pkg/ca"
	"github.com/haasonsaas/dirsync/pkg/directory"
	"github.com/haasonsaas/dirsync/pkg/events"
	"github.com/haasonsaas/dirsync/pkg/payload"
	"github.com/haasonsaas/dirsync/pkg/protocol"
	"github.com/haasonsaas/dirsync/pkg/registry"
	"github.com/haasonsaas/dirsync/pkg/store"
	"github.com/haasonsaas/dirsync/pkg/store/storetest"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	db         *gorm.DB
	pipeline   *Pipeline
	reg        *registry.Registry
	events     *events.Recorder
	clock      *clock
	agentID    string
	thumbprint string
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	db := storetest.Open(t)
	clk := &clock{t: time.Now().UTC().Truncate(time.Second)}
	locker := store.NewMemoryLocker()
	rec := events.NewRecorder()

	keys, err := ca.GenerateKeyPair(ca.KeyPairOptions{})
	require.NoError(t, err)
	authority := ca.New(db, keys, ca.DefaultPolicy(), ca.WithClock(clk.Now), ca.WithLocker(locker))
	reg := registry.New(db, auth.NewTokenHasher([]byte("s")), registry.DefaultSettings(),
		registry.WithClock(clk.Now), registry.WithLocker(locker))
	p := New(db, authority, reg, cfg,
		WithClock(clk.Now), WithLocker(locker), WithPublisher(rec))

	ctx := context.Background()
	res, err := reg.Register(ctx, protocol.RegisterRequest{Type: "domain-controller", MachineName: "DC01", Version: "1.0.0"})
	require.NoError(t, err)
	issued, err := authority.Issue(ctx, ca.IssueRequest{AgentID: res.Agent.ID, ValidityDays: 90})
	require.NoError(t, err)

	return &fixture{
		db:         db,
		pipeline:   p,
		reg:        reg,
		events:     rec,
		clock:      clk,
		agentID:    res.Agent.ID,
		thumbprint: issued.Record.Thumbprint,
	}
}

func users(n int, invalid ...int) []directory.User {
	bad := make(map[int]bool)
	for _, i := range invalid {
		bad[i] = true
	}
	out := make([]directory.User, n)
	for i := range out {
		out[i] = directory.User{
			ObjectID:       fmt.Sprintf("u-%03d", i),
			Domain:         "corp.local",
			SamAccountName: fmt.Sprintf("user%03d", i),
			Enabled:        true,
		}
		if bad[i] {
			out[i].ObjectID = ""
		}
	}
	return out
}

func request[T any](t *testing.T, agentID string, dt protocol.DataType, records []T) protocol.SubmitDataRequest {
	t.Helper()
	data, err := payload.Encode(records, protocol.EncodingJSON, protocol.CompressionNone)
	require.NoError(t, err)
	hash, err := payload.Sum(payload.AlgorithmSHA256, data)
	require.NoError(t, err)
	return protocol.SubmitDataRequest{
		AgentID:     agentID,
		DataType:    dt,
		RecordCount: len(records),
		Encoding:    protocol.EncodingJSON,
		Payload:     data,
		PayloadHash: hash,
	}
}

func countRows(t *testing.T, db *gorm.DB, model any) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(model).Count(&n).Error)
	return n
}

// loadOnly reads the single submission row into a fresh value; gorm leaves
// pointer fields untouched when scanning NULL into a reused struct.
func loadOnly(t *testing.T, db *gorm.DB) store.DataSubmission {
	t.Helper()
	var sub store.DataSubmission
	require.NoError(t, db.First(&sub).Error)
	return sub
}

func TestSubmitPartialSuccessForUsers(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	res, err := f.pipeline.Submit(ctx, f.thumbprint, request(t, f.agentID, protocol.DataTypeUsers, users(10, 2, 5, 8)))
	require.NoError(t, err)
	require.False(t, res.Duplicate)
	require.Equal(t, store.SubmissionCompleted, res.Submission.Status)
	require.Equal(t, 7, res.Submission.ProcessedCount)
	require.Equal(t, 3, res.Submission.ErrorCount)
	require.LessOrEqual(t, res.Submission.ProcessedCount+res.Submission.ErrorCount, res.Submission.RecordCount)

	details := Details(res.Submission)
	require.Len(t, details, 3)
	require.Equal(t, 2, details[0].Index)
	require.Equal(t, int64(7), countRows(t, f.db, &store.DirectoryUser{}))

	agent, err := f.reg.Get(ctx, f.agentID)
	require.NoError(t, err)
	require.NotNil(t, agent.LastDataCollection)
	require.Equal(t, []string{events.SubmissionCompleted}, f.events.Types())

	resp := Response(res)
	require.True(t, resp.Success)
	require.Equal(t, res.Submission.ID, resp.SubmissionID)
}

func TestSubmitHundredUsers(t *testing.T) {
	f := newFixture(t, Config{})

	res, err := f.pipeline.Submit(context.Background(), f.thumbprint, request(t, f.agentID, protocol.DataTypeUsers, users(100)))
	require.NoError(t, err)
	require.Equal(t, store.SubmissionCompleted, res.Submission.Status)
	require.Equal(t, 100, res.Submission.ProcessedCount)
	require.Zero(t, res.Submission.ErrorCount)
	require.Empty(t, res.Submission.ErrorDetails)
	require.Equal(t, int64(100), countRows(t, f.db, &store.DirectoryUser{}))
}

func TestSubmitErrorDetailsAreBounded(t *testing.T) {
	f := newFixture(t, Config{})
	invalid := make([]int, 30)
	for i := range invalid {
		invalid[i] = i
	}

	res, err := f.pipeline.Submit(context.Background(), f.thumbprint, request(t, f.agentID, protocol.DataTypeUsers, users(40, invalid...)))
	require.NoError(t, err)
	require.Equal(t, 30, res.Submission.ErrorCount)
	require.Len(t, Details(res.Submission), MaxErrorDetails)
}

func TestSubmitDuplicateWithinWindow(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	req := request(t, f.agentID, protocol.DataTypeUsers, users(5))

	first, err := f.pipeline.Submit(ctx, f.thumbprint, req)
	require.NoError(t, err)

	f.clock.Advance(time.Hour)
	second, err := f.pipeline.Submit(ctx, f.thumbprint, req)
	require.NoError(t, err)
	require.True(t, second.Duplicate)
	require.Equal(t, first.Submission.ID, second.Submission.ID)
	require.Equal(t, int64(1), countRows(t, f.db, &store.DataSubmission{}))
	require.Contains(t, Response(second).Message, first.Submission.ID)

	f.clock.Advance(24 * time.Hour)
	third, err := f.pipeline.Submit(ctx, f.thumbprint, req)
	require.NoError(t, err)
	require.False(t, third.Duplicate)
	require.NotEqual(t, first.Submission.ID, third.Submission.ID)
}

func TestSubmitHashMismatchRecordsNothing(t *testing.T) {
	f := newFixture(t, Config{})
	req := request(t, f.agentID, protocol.DataTypeUsers, users(3))
	req.Payload = append([]byte{}, req.Payload...)
	req.Payload[len(req.Payload)-1] = ' '

	_, err := f.pipeline.Submit(context.Background(), f.thumbprint, req)
	require.Error(t, err)
	require.Equal(t, apierr.KindIntegrity, apierr.KindOf(err))
	require.Zero(t, countRows(t, f.db, &store.DataSubmission{}))
	require.Zero(t, countRows(t, f.db, &store.DirectoryUser{}))
}

func TestSubmitRecordCountMismatch(t *testing.T) {
	f := newFixture(t, Config{})
	req := request(t, f.agentID, protocol.DataTypeUsers, users(3))
	req.RecordCount = 4

	_, err := f.pipeline.Submit(context.Background(), f.thumbprint, req)
	require.True(t, apierr.IsCode(err, apierr.CodeIntegrityError))
	require.Zero(t, countRows(t, f.db, &store.DataSubmission{}))
}

func TestSubmitPoliciesFailAtomically(t *testing.T) {
	f := newFixture(t, Config{})
	policies := []directory.Policy{
		{ObjectID: "p-1", Domain: "corp.local", Name: "Default Domain Policy"},
		{ObjectID: "p-2", Domain: "corp.local"},
		{ObjectID: "p-3", Domain: "corp.local", Name: "Workstations"},
	}

	res, err := f.pipeline.Submit(context.Background(), f.thumbprint, request(t, f.agentID, protocol.DataTypePolicies, policies))
	require.NoError(t, err)
	require.Equal(t, store.SubmissionFailed, res.Submission.Status)
	require.Zero(t, res.Submission.ProcessedCount)
	require.Equal(t, 1, res.Submission.ErrorCount)
	require.Zero(t, countRows(t, f.db, &store.DirectoryPolicy{}))
	require.False(t, Response(res).Success)
	require.Equal(t, []string{events.SubmissionFailed}, f.events.Types())
}

func TestSubmitWithoutPartialSuccessTypes(t *testing.T) {
	f := newFixture(t, Config{PartialSuccess: []protocol.DataType{}})

	res, err := f.pipeline.Submit(context.Background(), f.thumbprint, request(t, f.agentID, protocol.DataTypeUsers, users(10, 2, 5, 8)))
	require.NoError(t, err)
	require.Equal(t, store.SubmissionFailed, res.Submission.Status)
	require.Zero(t, res.Submission.ProcessedCount)
	require.Equal(t, 3, res.Submission.ErrorCount)
	require.Zero(t, countRows(t, f.db, &store.DirectoryUser{}))
}

func TestSubmitCBORZstdBlake3(t *testing.T) {
	f := newFixture(t, Config{})
	groups := []directory.Group{
		{ObjectID: "g-1", Domain: "corp.local", Name: "Domain Admins", Members: []string{"u-001"}},
		{ObjectID: "g-2", Domain: "corp.local", Name: "Helpdesk"},
	}
	data, err := payload.Encode(groups, protocol.EncodingCBOR, protocol.CompressionZstd)
	require.NoError(t, err)
	hash, err := payload.Sum(payload.AlgorithmBLAKE3, data)
	require.NoError(t, err)

	res, err := f.pipeline.Submit(context.Background(), f.thumbprint, protocol.SubmitDataRequest{
		AgentID:     f.agentID,
		DataType:    protocol.DataTypeGroups,
		RecordCount: 2,
		Encoding:    protocol.EncodingCBOR,
		Compression: protocol.CompressionZstd,
		Payload:     data,
		PayloadHash: hash,
	})
	require.NoError(t, err)
	require.Equal(t, 2, res.Submission.ProcessedCount)
	require.Equal(t, int64(2), countRows(t, f.db, &store.DirectoryGroup{}))
}

func TestSubmitRejectsUnauthenticatedChannel(t *testing.T) {
	f := newFixture(t, Config{})
	req := request(t, f.agentID, protocol.DataTypeUsers, users(1))

	_, err := f.pipeline.Submit(context.Background(), "deadbeef", req)
	require.Equal(t, apierr.KindAuthentication, apierr.KindOf(err))
	require.Zero(t, countRows(t, f.db, &store.DataSubmission{}))
}

func TestSubmitRejectsDeactivatedAgent(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	_, err := f.reg.Deactivate(ctx, f.agentID, "decommissioned")
	require.NoError(t, err)

	_, err = f.pipeline.Submit(ctx, f.thumbprint, request(t, f.agentID, protocol.DataTypeUsers, users(1)))
	require.True(t, apierr.IsCode(err, apierr.CodeAgentDeactivated))
	require.Zero(t, countRows(t, f.db, &store.DataSubmission{}))
}

func TestSubmitRejectsDisabledDataType(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	_, err := f.reg.UpdateSettings(ctx, registry.SettingsUpdate{EnabledDataTypes: []protocol.DataType{protocol.DataTypeUsers}})
	require.NoError(t, err)

	_, err = f.pipeline.Submit(ctx, f.thumbprint, request(t, f.agentID, protocol.DataTypeGroups, []directory.Group{{ObjectID: "g", Domain: "d", Name: "n"}}))
	require.Equal(t, apierr.KindValidation, apierr.KindOf(err))
}

func TestSubmitTransientFailureRetriesThenFails(t *testing.T) {
	f := newFixture(t, Config{MaxRetries: 2})
	ctx := context.Background()
	errDisk := errors.New("disk I/O error")
	f.pipeline.handlers[protocol.DataTypeUsers] = func(context.Context, *gorm.DB, store.RecordSource, payload.Raw, string) error {
		return errDisk
	}
	req := request(t, f.agentID, protocol.DataTypeUsers, users(2))

	_, err := f.pipeline.Submit(ctx, f.thumbprint, req)
	typed, ok := apierr.As(err)
	require.True(t, ok)
	require.Equal(t, apierr.KindTransient, typed.Kind)
	require.False(t, typed.RetryAfter.IsZero())
	require.ErrorIs(t, err, errDisk)

	sub := loadOnly(t, f.db)
	require.Equal(t, store.SubmissionPending, sub.Status)
	require.Equal(t, 1, sub.RetryCount)
	require.NotNil(t, sub.RetryAfter)
	require.Zero(t, countRows(t, f.db, &store.DirectoryUser{}))

	// Too early: the pending row is not retried.
	_, err = f.pipeline.Submit(ctx, f.thumbprint, req)
	require.Equal(t, apierr.KindTransient, apierr.KindOf(err))
	require.Equal(t, 1, loadOnly(t, f.db).RetryCount)

	f.clock.Advance(f.pipeline.cfg.Backoff.Ceiling(0) + time.Second)
	_, err = f.pipeline.Submit(ctx, f.thumbprint, req)
	require.Equal(t, apierr.KindConflict, apierr.KindOf(err))
	sub = loadOnly(t, f.db)
	require.Equal(t, store.SubmissionFailed, sub.Status)
	require.Equal(t, 2, sub.RetryCount)
	require.Nil(t, sub.RetryAfter)
	require.Equal(t, int64(1), countRows(t, f.db, &store.DataSubmission{}))

	require.Equal(t, []string{events.SubmissionRetrying, events.SubmissionFailed}, f.events.Types())

	// A terminally failed submission is returned as is.
	res, err := f.pipeline.Submit(ctx, f.thumbprint, req)
	require.NoError(t, err)
	require.True(t, res.Duplicate)
	require.Equal(t, store.SubmissionFailed, res.Submission.Status)
}

func TestSubmitRetrySucceedsOnReusedRow(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	fail := true
	persist := f.pipeline.handlers[protocol.DataTypeUsers]
	f.pipeline.handlers[protocol.DataTypeUsers] = func(ctx context.Context, tx *gorm.DB, src store.RecordSource, raw payload.Raw, enc string) error {
		if fail {
			return errors.New("database is locked")
		}
		return persist(ctx, tx, src, raw, enc)
	}
	req := request(t, f.agentID, protocol.DataTypeUsers, users(3))

	_, err := f.pipeline.Submit(ctx, f.thumbprint, req)
	require.Equal(t, apierr.KindTransient, apierr.KindOf(err))

	fail = false
	f.clock.Advance(time.Hour)
	res, err := f.pipeline.Submit(ctx, f.thumbprint, req)
	require.NoError(t, err)
	require.Equal(t, store.SubmissionCompleted, res.Submission.Status)
	require.Equal(t, 1, res.Submission.RetryCount)
	require.Nil(t, res.Submission.RetryAfter)
	require.Nil(t, loadOnly(t, f.db).RetryAfter)
	require.Equal(t, int64(1), countRows(t, f.db, &store.DataSubmission{}))
	require.Equal(t, int64(3), countRows(t, f.db, &store.DirectoryUser{}))
}

func TestListAndGet(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	res, err := f.pipeline.Submit(ctx, f.thumbprint, request(t, f.agentID, protocol.DataTypeUsers, users(2)))
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	_, err = f.pipeline.Submit(ctx, f.thumbprint, request(t, f.agentID, protocol.DataTypeUsers, users(4)))
	require.NoError(t, err)

	subs, total, err := f.pipeline.List(ctx, SubmissionFilter{AgentID: f.agentID})
	require.NoError(t, err)
	require.EqualValues(t, 2, total)
	require.Equal(t, 4, subs[0].RecordCount)

	got, err := f.pipeline.Get(ctx, res.Submission.ID)
	require.NoError(t, err)
	require.Equal(t, res.Submission.PayloadHash, got.PayloadHash)
	require.Equal(t, res.Submission.ID, Info(*got).ID)

	_, err = f.pipeline.Get(ctx, "missing")
	require.True(t, apierr.IsCode(err, apierr.CodeSubmissionNotFound))
}
