package proxy

import (
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nekoproxy/nekoproxy/internal/types"
)

// startUDPEchoBackend runs a UDP server echoing each datagram to its sender.
func startUDPEchoBackend(t *testing.T) (host string, port int) {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	go func() {
		buf := make([]byte, 2048)
		for {
			n, addr, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			_, _ = conn.WriteToUDP(buf[:n], addr)
		}
	}()
	return "127.0.0.1", conn.LocalAddr().(*net.UDPAddr).Port
}

func freeUDPPort(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	port := conn.LocalAddr().(*net.UDPAddr).Port
	require.NoError(t, conn.Close())
	return port
}

func testUDPManager(collector *flowCollector, blocklist *Blocklist) *UDPManager {
	var rec Recorder
	if collector != nil {
		rec = collector.record
	}
	return NewUDPManager(Config{
		ListenIP:        "127.0.0.1",
		UDPIdleTimeout:  100 * time.Millisecond,
		UDPReapInterval: 50 * time.Millisecond,
	}, blocklist, rec, nil, zap.NewNop())
}

func TestUDPProxyForwardsDatagrams(t *testing.T) {
	backendHost, backendPort := startUDPEchoBackend(t)
	collector := &flowCollector{}
	// Generous idle timeout: this test must observe the session before any
	// reaping happens.
	mgr := NewUDPManager(Config{
		ListenIP:       "127.0.0.1",
		UDPIdleTimeout: time.Minute,
	}, NewBlocklist(), collector.record, nil, zap.NewNop())

	listenPort := freeUDPPort(t)
	mgr.Sync([]types.ServiceSpec{{
		ID: 3, Name: "dns", ListenPort: listenPort,
		BackendHost: backendHost, BackendPort: backendPort, Protocol: types.ProtocolUDP,
	}})

	conn, err := net.Dial("udp", fmt.Sprintf("127.0.0.1:%d", listenPort))
	require.NoError(t, err)
	defer conn.Close()

	payload := []byte("ping")
	_, err = conn.Write(payload)
	require.NoError(t, err)

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	echo := make([]byte, 16)
	n, err := conn.Read(echo)
	require.NoError(t, err)
	assert.Equal(t, payload, echo[:n])

	waitFor(t, func() bool { return mgr.ActiveConnections() == 1 }, "session to register")

	// Session counts bytes in both directions and is reaped once idle.
	mgr.StopAll()
	waitFor(t, func() bool { return len(collector.snapshot()) == 1 }, "session flow record")

	flow := collector.snapshot()[0]
	assert.Equal(t, types.ConnStatusClosed, flow.Status)
	assert.Equal(t, int64(len(payload)), flow.BytesSent)
	assert.Equal(t, int64(len(payload)), flow.BytesReceived)
	assert.Equal(t, int64(1), flow.PacketsSent)
	assert.Equal(t, int64(1), flow.PacketsReceived)
}

func TestUDPProxyReapsIdleSessions(t *testing.T) {
	backendHost, backendPort := startUDPEchoBackend(t)
	collector := &flowCollector{}
	mgr := testUDPManager(collector, NewBlocklist())
	defer mgr.StopAll()

	listenPort := freeUDPPort(t)
	mgr.Sync([]types.ServiceSpec{{
		ID: 3, Name: "dns", ListenPort: listenPort,
		BackendHost: backendHost, BackendPort: backendPort, Protocol: types.ProtocolUDP,
	}})

	conn, err := net.Dial("udp", fmt.Sprintf("127.0.0.1:%d", listenPort))
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("one"))
	require.NoError(t, err)

	// The reaper closes the session after the idle timeout.
	waitFor(t, func() bool {
		for _, f := range collector.snapshot() {
			if f.Status == types.ConnStatusTimeout {
				return true
			}
		}
		return false
	}, "idle session to be reaped")
	assert.Zero(t, mgr.ActiveConnections())
}

func TestUDPProxyDropsBlockedDatagrams(t *testing.T) {
	backendHost, backendPort := startUDPEchoBackend(t)
	blocklist := NewBlocklist()
	blocklist.Replace([]string{"127.0.0.1"})

	collector := &flowCollector{}
	mgr := testUDPManager(collector, blocklist)
	defer mgr.StopAll()

	listenPort := freeUDPPort(t)
	mgr.Sync([]types.ServiceSpec{{
		ID: 3, Name: "dns", ListenPort: listenPort,
		BackendHost: backendHost, BackendPort: backendPort, Protocol: types.ProtocolUDP,
	}})

	conn, err := net.Dial("udp", fmt.Sprintf("127.0.0.1:%d", listenPort))
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("blocked"))
	require.NoError(t, err)

	// No session forms and no reply comes back.
	_ = conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	_, err = conn.Read(make([]byte, 16))
	assert.Error(t, err)
	assert.Zero(t, mgr.ActiveConnections())
	assert.Empty(t, collector.snapshot())
}
