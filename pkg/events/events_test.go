package events

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type failingPublisher struct{ calls int }

func (f *failingPublisher) Publish(context.Context, Event) error {
	f.calls++
	return errors.New("bus down")
}

func (f *failingPublisher) Close() error { return nil }

func TestRecorderKeepsOrder(t *testing.T) {
	rec := NewRecorder()
	ctx := context.Background()
	Emit(ctx, rec, zerolog.Nop(), New(AgentRegistered, "a-1", nil))
	Emit(ctx, rec, zerolog.Nop(), New(CertificateIssued, "a-1", map[string]string{"thumbprint": "ab"}))

	require.Equal(t, []string{AgentRegistered, CertificateIssued}, rec.Types())
	evts := rec.Events()
	require.Equal(t, "ab", evts[1].Attributes["thumbprint"])
	require.NotEmpty(t, evts[0].ID)
	require.NotEqual(t, evts[0].ID, evts[1].ID)
}

func TestEmitSwallowsPublishErrors(t *testing.T) {
	pub := &failingPublisher{}
	Emit(context.Background(), pub, zerolog.Nop(), New(SubmissionFailed, "a-1", nil))
	Emit(context.Background(), nil, zerolog.Nop(), New(SubmissionFailed, "a-1", nil))
	require.Equal(t, 1, pub.calls)
}

func TestSubjectNaming(t *testing.T) {
	require.Equal(t, "dirsync.events.agent.registered", Subject("", AgentRegistered))
	require.Equal(t, "corp.sync.certificate.revoked", Subject("corp.sync", CertificateRevoked))
}

func TestOpenDefaultsToNop(t *testing.T) {
	pub, err := Open(context.Background(), Options{}, zerolog.Nop())
	require.NoError(t, err)
	require.IsType(t, Nop{}, pub)

	_, err = Open(context.Background(), Options{Backend: "kafka"}, zerolog.Nop())
	require.Error(t, err)
}
