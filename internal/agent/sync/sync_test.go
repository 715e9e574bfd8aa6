package sync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nekoproxy/nekoproxy/internal/agent/proxy"
	"github.com/nekoproxy/nekoproxy/internal/types"
)

// fakeSource serves a mutable config and counts fetches.
type fakeSource struct {
	mu      sync.Mutex
	cfg     types.AgentConfig
	err     error
	fetches int
}

func (s *fakeSource) FetchConfig(_ context.Context, _ uint) (*types.AgentConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches++
	if s.err != nil {
		return nil, s.err
	}
	cfg := s.cfg
	return &cfg, nil
}

func (s *fakeSource) set(cfg types.AgentConfig) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

func newTestSynchronizer(source ConfigSource, onHB func(time.Duration)) (*Synchronizer, *proxy.Blocklist) {
	blocklist := proxy.NewBlocklist()
	cfg := proxy.Config{ListenIP: "127.0.0.1"}
	tcp := proxy.NewTCPManager(cfg, blocklist, nil, nil, zap.NewNop())
	udp := proxy.NewUDPManager(cfg, blocklist, nil, nil, zap.NewNop())

	s := New(Options{
		Source:              source,
		AgentID:             1,
		Interval:            10 * time.Millisecond,
		Blocklist:           blocklist,
		TCP:                 tcp,
		UDP:                 udp,
		OnHeartbeatInterval: onHB,
		Logger:              zap.NewNop(),
	})
	return s, blocklist
}

func TestForceSyncAppliesSnapshot(t *testing.T) {
	source := &fakeSource{}
	source.set(types.AgentConfig{
		AgentID:           1,
		ConfigVersion:     100,
		Blocklist:         []string{"198.51.100.7"},
		HeartbeatInterval: 15,
	})

	var hbInterval time.Duration
	s, blocklist := newTestSynchronizer(source, func(d time.Duration) { hbInterval = d })

	require.NoError(t, s.ForceSync(context.Background()))
	assert.Equal(t, int64(100), s.Version())
	assert.True(t, blocklist.Contains("198.51.100.7"))
	assert.Equal(t, 15*time.Second, hbInterval)
}

func TestForceSyncPropagatesFetchError(t *testing.T) {
	source := &fakeSource{err: errors.New("controller down")}
	s, _ := newTestSynchronizer(source, nil)
	assert.Error(t, s.ForceSync(context.Background()))
	assert.Zero(t, s.Version())
}

func TestPollAppliesOnlyOnVersionChange(t *testing.T) {
	source := &fakeSource{}
	source.set(types.AgentConfig{ConfigVersion: 1, Blocklist: []string{"192.0.2.1"}})

	s, blocklist := newTestSynchronizer(source, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	waitFor(t, func() bool { return s.Version() == 1 }, "initial apply")
	assert.True(t, blocklist.Contains("192.0.2.1"))

	// Same version: the blocklist swap must not happen again even though
	// polls continue.
	source.set(types.AgentConfig{ConfigVersion: 1, Blocklist: []string{"192.0.2.9"}})
	time.Sleep(50 * time.Millisecond)
	assert.False(t, blocklist.Contains("192.0.2.9"), "unchanged version must not re-apply")

	// New version: applied on the next poll.
	source.set(types.AgentConfig{ConfigVersion: 2, Blocklist: []string{"192.0.2.9"}})
	waitFor(t, func() bool { return s.Version() == 2 }, "version bump apply")
	assert.True(t, blocklist.Contains("192.0.2.9"))
	assert.False(t, blocklist.Contains("192.0.2.1"))
}

func TestPollSurvivesFetchFailures(t *testing.T) {
	source := &fakeSource{err: errors.New("flaky")}
	s, _ := newTestSynchronizer(source, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	// Let a few failing polls pass, then recover.
	time.Sleep(50 * time.Millisecond)
	source.mu.Lock()
	source.err = nil
	source.cfg = types.AgentConfig{ConfigVersion: 5}
	source.mu.Unlock()

	waitFor(t, func() bool { return s.Version() == 5 }, "recovery after failures")
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}
