package proxy

import (
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nekoproxy/nekoproxy/internal/types"
)

// flowCollector is a Recorder that stores flows for assertions.
type flowCollector struct {
	mu    sync.Mutex
	flows []Flow
}

func (c *flowCollector) record(f Flow) {
	c.mu.Lock()
	c.flows = append(c.flows, f)
	c.mu.Unlock()
}

func (c *flowCollector) snapshot() []Flow {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Flow(nil), c.flows...)
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

// startEchoBackend runs a TCP server that echoes everything back.
func startEchoBackend(t *testing.T) (host string, port int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				_, _ = io.Copy(conn, conn)
			}()
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return "127.0.0.1", addr.Port
}

// freePort reserves and releases an ephemeral port.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func testTCPManager(collector *flowCollector, blocklist *Blocklist) *TCPManager {
	var rec Recorder
	if collector != nil {
		rec = collector.record
	}
	return NewTCPManager(Config{
		ListenIP:    "127.0.0.1",
		DialTimeout: 2 * time.Second,
	}, blocklist, rec, nil, zap.NewNop())
}

func TestTCPProxyForwardsAndCounts(t *testing.T) {
	backendHost, backendPort := startEchoBackend(t)
	collector := &flowCollector{}
	mgr := testTCPManager(collector, NewBlocklist())
	defer mgr.StopAll()

	listenPort := freePort(t)
	mgr.Sync([]types.ServiceSpec{{
		ID:          1,
		Name:        "echo",
		ListenPort:  listenPort,
		BackendHost: backendHost,
		BackendPort: backendPort,
		Protocol:    types.ProtocolTCP,
	}})

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", listenPort))
	require.NoError(t, err)

	payload := []byte("hello through the proxy")
	_, err = conn.Write(payload)
	require.NoError(t, err)

	echo := make([]byte, len(payload))
	_, err = io.ReadFull(conn, echo)
	require.NoError(t, err)
	assert.Equal(t, payload, echo)

	require.NoError(t, conn.Close())
	waitFor(t, func() bool { return len(collector.snapshot()) == 1 }, "flow record")

	flow := collector.snapshot()[0]
	assert.Equal(t, types.ConnStatusCompleted, flow.Status)
	assert.Equal(t, uint(1), flow.ServiceID)
	assert.Equal(t, "127.0.0.1", flow.ClientIP)
	assert.Equal(t, int64(len(payload)), flow.BytesSent)
	assert.Equal(t, int64(len(payload)), flow.BytesReceived)
	assert.Zero(t, mgr.ActiveConnections())
}

func TestTCPProxyBlocksListedClients(t *testing.T) {
	backendHost, backendPort := startEchoBackend(t)
	blocklist := NewBlocklist()
	blocklist.Replace([]string{"127.0.0.1"})

	collector := &flowCollector{}
	mgr := testTCPManager(collector, blocklist)
	defer mgr.StopAll()

	listenPort := freePort(t)
	mgr.Sync([]types.ServiceSpec{{
		ID: 1, Name: "echo", ListenPort: listenPort,
		BackendHost: backendHost, BackendPort: backendPort, Protocol: types.ProtocolTCP,
	}})

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", listenPort))
	require.NoError(t, err)
	defer conn.Close()

	// The proxy closes immediately; the read observes EOF.
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = conn.Read(make([]byte, 1))
	assert.Error(t, err)

	waitFor(t, func() bool { return len(collector.snapshot()) == 1 }, "blocked flow record")
	assert.Equal(t, types.ConnStatusBlocked, collector.snapshot()[0].Status)
}

func TestTCPProxyReportsRefusedBackend(t *testing.T) {
	collector := &flowCollector{}
	mgr := testTCPManager(collector, NewBlocklist())
	defer mgr.StopAll()

	listenPort := freePort(t)
	// Point at a port nothing listens on.
	mgr.Sync([]types.ServiceSpec{{
		ID: 2, Name: "dead", ListenPort: listenPort,
		BackendHost: "127.0.0.1", BackendPort: freePort(t), Protocol: types.ProtocolTCP,
	}})

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", listenPort))
	require.NoError(t, err)
	defer conn.Close()

	waitFor(t, func() bool { return len(collector.snapshot()) == 1 }, "refused flow record")
	assert.Equal(t, types.ConnStatusRefused, collector.snapshot()[0].Status)
}

func TestTCPSyncReconcilesListeners(t *testing.T) {
	backendHost, backendPort := startEchoBackend(t)
	mgr := testTCPManager(nil, NewBlocklist())
	defer mgr.StopAll()

	portA := freePort(t)
	portB := freePort(t)
	specA := types.ServiceSpec{ID: 1, Name: "a", ListenPort: portA, BackendHost: backendHost, BackendPort: backendPort, Protocol: types.ProtocolTCP}
	specB := types.ServiceSpec{ID: 2, Name: "b", ListenPort: portB, BackendHost: backendHost, BackendPort: backendPort, Protocol: types.ProtocolTCP}

	mgr.Sync([]types.ServiceSpec{specA, specB})
	for _, port := range []int{portA, portB} {
		conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		require.NoError(t, err)
		conn.Close()
	}

	// Dropping specB stops its listener; specA keeps running.
	mgr.Sync([]types.ServiceSpec{specA})

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", portA))
	require.NoError(t, err)
	conn.Close()

	waitFor(t, func() bool {
		_, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", portB), 200*time.Millisecond)
		return err != nil
	}, "listener b to stop accepting")
}

func TestBlocklistSwap(t *testing.T) {
	b := NewBlocklist()
	assert.False(t, b.Contains("192.0.2.1"))

	b.Replace([]string{"192.0.2.1", "192.0.2.2"})
	assert.True(t, b.Contains("192.0.2.1"))
	assert.Equal(t, 2, b.Len())

	b.Replace(nil)
	assert.False(t, b.Contains("192.0.2.1"))
	assert.Zero(t, b.Len())
}
