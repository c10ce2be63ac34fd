package heartbeat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/haasonsaas/dirsync/pkg/apierr"
	"github.com/haasonsaas/dirsync/pkg/auth"
	"github.com/haasonsaas/dirsync/pkg/ca"
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

type harness struct {
	reg         *registry.Registry
	coordinator *Coordinator
	clock       *clock
	agentID     string
	thumbprint  string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := storetest.Open(t)
	clk := &clock{t: time.Now().UTC()}
	locker := store.NewMemoryLocker()

	keys, err := ca.GenerateKeyPair(ca.KeyPairOptions{})
	require.NoError(t, err)
	authority := ca.New(db, keys, ca.DefaultPolicy(), ca.WithClock(clk.Now), ca.WithLocker(locker))
	reg := registry.New(db, auth.NewTokenHasher([]byte("s")), registry.DefaultSettings(),
		registry.WithClock(clk.Now), registry.WithLocker(locker))
	coord := New(authority, reg, WithClock(clk.Now), WithRelease(Release{
		Version: "1.5.0",
		URL:     "https://downloads.example.com/agent/1.5.0",
	}))

	ctx := context.Background()
	res, err := reg.Register(ctx, protocol.RegisterRequest{Type: "domain-controller", MachineName: "DC01", Version: "1.4.0"})
	require.NoError(t, err)
	issued, err := authority.Issue(ctx, ca.IssueRequest{AgentID: res.Agent.ID, ValidityDays: 365})
	require.NoError(t, err)

	return &harness{
		reg:         reg,
		coordinator: coord,
		clock:       clk,
		agentID:     res.Agent.ID,
		thumbprint:  issued.Record.Thumbprint,
	}
}

func (h *harness) beat(ts time.Time, configVersion int64) (*protocol.HeartbeatResponse, error) {
	return h.coordinator.Heartbeat(context.Background(), h.thumbprint, protocol.HeartbeatRequest{
		AgentID:       h.agentID,
		Status:        "Online",
		Timestamp:     ts,
		ConfigVersion: configVersion,
	})
}

func TestHeartbeatRecordsLiveness(t *testing.T) {
	h := newHarness(t)
	now := h.clock.Now()

	resp, err := h.beat(now, 1)
	require.NoError(t, err)
	require.True(t, resp.Success)
	require.Nil(t, resp.Config)

	agent, err := h.reg.Get(context.Background(), h.agentID)
	require.NoError(t, err)
	require.True(t, agent.Online)
	require.Equal(t, "Online", agent.Status)
	require.WithinDuration(t, now, *agent.LastHeartbeat, time.Millisecond)
}

func TestHeartbeatAuthenticatesBeforeMutation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for _, thumbprint := range []string{"", "0011"} {
		_, err := h.coordinator.Heartbeat(ctx, thumbprint, protocol.HeartbeatRequest{AgentID: h.agentID, Status: "Online", Timestamp: h.clock.Now()})
		require.Equal(t, apierr.KindAuthentication, apierr.KindOf(err))
	}

	agent, err := h.reg.Get(ctx, h.agentID)
	require.NoError(t, err)
	require.Nil(t, agent.LastHeartbeat)
	require.False(t, agent.Online)
	require.Equal(t, "registered", agent.Status)
}

func TestHeartbeatNeverMovesBackward(t *testing.T) {
	h := newHarness(t)
	now := h.clock.Now()

	_, err := h.beat(now, 1)
	require.NoError(t, err)
	_, err = h.beat(now.Add(-10*time.Minute), 1)
	require.NoError(t, err)

	agent, err := h.reg.Get(context.Background(), h.agentID)
	require.NoError(t, err)
	require.WithinDuration(t, now, *agent.LastHeartbeat, time.Millisecond)
}

func TestHeartbeatClampsFutureTimestamps(t *testing.T) {
	h := newHarness(t)
	now := h.clock.Now()

	_, err := h.beat(now.Add(24*time.Hour), 1)
	require.NoError(t, err)
	agent, err := h.reg.Get(context.Background(), h.agentID)
	require.NoError(t, err)
	require.WithinDuration(t, now, *agent.LastHeartbeat, time.Millisecond)

	_, err = h.beat(time.Time{}, 1)
	require.NoError(t, err)
}

func TestHeartbeatSendsConfigWhenStale(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	interval := 30
	updated, err := h.reg.UpdateSettings(ctx, registry.SettingsUpdate{HeartbeatIntervalSeconds: &interval})
	require.NoError(t, err)

	resp, err := h.beat(h.clock.Now(), 1)
	require.NoError(t, err)
	require.NotNil(t, resp.Config)
	require.Equal(t, updated.Version, resp.Config.Version)
	require.Equal(t, 30, resp.Config.HeartbeatIntervalSeconds)

	resp, err = h.beat(h.clock.Now(), updated.Version)
	require.NoError(t, err)
	require.Nil(t, resp.Config)

	agent, err := h.reg.Get(ctx, h.agentID)
	require.NoError(t, err)
	require.Equal(t, updated.Version, agent.ConfigVersion)
}

func TestHeartbeatUpdateNotice(t *testing.T) {
	h := newHarness(t)

	resp, err := h.beat(h.clock.Now(), 1)
	require.NoError(t, err)
	require.True(t, resp.UpdateAvailable)
	require.Equal(t, "1.5.0", resp.UpdateVersion)
	require.NotEmpty(t, resp.UpdateURL)

	resp, err = h.coordinator.Heartbeat(context.Background(), h.thumbprint, protocol.HeartbeatRequest{
		AgentID: h.agentID, Status: "Online", Timestamp: h.clock.Now(), Version: "1.5.0", ConfigVersion: 1,
	})
	require.NoError(t, err)
	require.False(t, resp.UpdateAvailable)
}

func TestHeartbeatRejectsDeactivatedAgent(t *testing.T) {
	h := newHarness(t)
	_, err := h.reg.Deactivate(context.Background(), h.agentID, "retired")
	require.NoError(t, err)

	_, err = h.beat(h.clock.Now(), 1)
	require.True(t, apierr.IsCode(err, apierr.CodeAgentDeactivated))
}

func TestUpdateAvailable(t *testing.T) {
	require.True(t, UpdateAvailable("1.4.0", "1.5.0"))
	require.True(t, UpdateAvailable("v1.4.9", "1.10.0"))
	require.False(t, UpdateAvailable("1.5.0", "1.5.0"))
	require.False(t, UpdateAvailable("2.0.0", "1.5.0"))
	require.False(t, UpdateAvailable("dev", "1.5.0"))
	require.False(t, UpdateAvailable("1.4.0", ""))
	require.True(t, UpdateAvailable("1.5.0-rc.1", "1.5.0"))
}
