package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/nekoproxy/nekoproxy/internal/metrics"
	"github.com/nekoproxy/nekoproxy/internal/types"
)

// TCPManager runs one TCP listener per assigned TCP service.
type TCPManager struct {
	cfg       Config
	blocklist *Blocklist
	record    Recorder
	metrics   *metrics.Agent // may be nil
	logger    *zap.Logger

	mu        sync.Mutex
	listeners map[int]*tcpListener

	active atomic.Int64
}

// NewTCPManager creates a TCPManager. record may be nil when flows need no
// reporting (tests); m may be nil.
func NewTCPManager(cfg Config, blocklist *Blocklist, record Recorder, m *metrics.Agent, logger *zap.Logger) *TCPManager {
	return &TCPManager{
		cfg:       cfg.withDefaults(),
		blocklist: blocklist,
		record:    record,
		metrics:   m,
		logger:    logger.Named("tcp"),
		listeners: make(map[int]*tcpListener),
	}
}

// ActiveConnections returns the number of currently open proxied
// connections.
func (m *TCPManager) ActiveConnections() int {
	return int(m.active.Load())
}

// Sync reconciles the running listeners against the TCP services in the
// snapshot. Surviving ports are left untouched.
func (m *TCPManager) Sync(services []types.ServiceSpec) {
	m.mu.Lock()
	defer m.mu.Unlock()

	desired := make(map[int]types.ServiceSpec)
	for _, svc := range services {
		if svc.Protocol == types.ProtocolTCP {
			desired[svc.ListenPort] = svc
		}
	}

	for port, l := range m.listeners {
		if _, keep := desired[port]; !keep {
			m.logger.Info("removing tcp listener", zap.Int("port", port), zap.String("service", l.svc.Name))
			l.stop()
			delete(m.listeners, port)
		}
	}

	for port, svc := range desired {
		if _, running := m.listeners[port]; running {
			continue
		}
		l, err := m.startListener(svc)
		if err != nil {
			m.logger.Error("failed to start tcp listener",
				zap.Int("port", port), zap.String("service", svc.Name), zap.Error(err))
			continue
		}
		m.listeners[port] = l
	}
}

// StopAll stops every listener and waits for their accept loops to exit.
// In-flight connections are closed.
func (m *TCPManager) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for port, l := range m.listeners {
		l.stop()
		delete(m.listeners, port)
	}
}

func (m *TCPManager) startListener(svc types.ServiceSpec) (*tcpListener, error) {
	addr := fmt.Sprintf("%s:%d", m.cfg.ListenIP, svc.ListenPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}

	l := &tcpListener{
		mgr: m,
		svc: svc,
		ln:  ln,
	}
	l.wg.Add(1)
	go l.acceptLoop()

	m.logger.Info("tcp proxy listening",
		zap.String("service", svc.Name),
		zap.String("listen", addr),
		zap.String("backend", fmt.Sprintf("%s:%d", svc.BackendHost, svc.BackendPort)),
	)
	return l, nil
}

// tcpListener proxies one service's port.
type tcpListener struct {
	mgr *TCPManager
	svc types.ServiceSpec
	ln  net.Listener

	wg     sync.WaitGroup
	connMu sync.Mutex
	conns  map[net.Conn]struct{}
}

func (l *tcpListener) stop() {
	_ = l.ln.Close()

	// Cut in-flight connections so their copy loops unwind.
	l.connMu.Lock()
	for conn := range l.conns {
		_ = conn.Close()
	}
	l.connMu.Unlock()

	l.wg.Wait()
}

func (l *tcpListener) track(conn net.Conn) {
	l.connMu.Lock()
	if l.conns == nil {
		l.conns = make(map[net.Conn]struct{})
	}
	l.conns[conn] = struct{}{}
	l.connMu.Unlock()
}

func (l *tcpListener) untrack(conn net.Conn) {
	l.connMu.Lock()
	delete(l.conns, conn)
	l.connMu.Unlock()
}

func (l *tcpListener) acceptLoop() {
	defer l.wg.Done()
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			// Listener closed.
			return
		}
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.handle(conn)
		}()
	}
}

// handle proxies a single client connection end to end.
func (l *tcpListener) handle(client net.Conn) {
	m := l.mgr
	start := time.Now()

	clientIP, _, err := net.SplitHostPort(client.RemoteAddr().String())
	if err != nil {
		clientIP = client.RemoteAddr().String()
	}

	if m.blocklist != nil && m.blocklist.Contains(clientIP) {
		m.logger.Warn("blocked tcp connection",
			zap.String("service", l.svc.Name), zap.String("client_ip", clientIP))
		_ = client.Close()
		l.finish(Flow{
			ServiceID: l.svc.ID,
			ClientIP:  clientIP,
			Status:    types.ConnStatusBlocked,
			Duration:  time.Since(start).Seconds(),
		})
		return
	}

	m.active.Add(1)
	if m.metrics != nil {
		m.metrics.ActiveConnections.Inc()
	}
	l.track(client)
	defer func() {
		l.untrack(client)
		m.active.Add(-1)
		if m.metrics != nil {
			m.metrics.ActiveConnections.Dec()
		}
	}()

	backendAddr := net.JoinHostPort(l.svc.BackendHost, strconv.Itoa(l.svc.BackendPort))
	backend, err := net.DialTimeout("tcp", backendAddr, m.cfg.DialTimeout)
	if err != nil {
		status := classifyDialError(err)
		m.logger.Error("backend dial failed",
			zap.String("service", l.svc.Name),
			zap.String("backend", backendAddr),
			zap.String("status", string(status)),
			zap.Error(err))
		_ = client.Close()
		l.finish(Flow{
			ServiceID: l.svc.ID,
			ClientIP:  clientIP,
			Status:    status,
			Duration:  time.Since(start).Seconds(),
		})
		return
	}

	var sent, received atomic.Int64
	done := make(chan struct{}, 2)

	go func() {
		l.copyDirection(backend, client, &sent)
		done <- struct{}{}
	}()
	go func() {
		l.copyDirection(client, backend, &received)
		done <- struct{}{}
	}()

	// Either side finishing ends the flow; closing both connections unblocks
	// the other copier.
	<-done
	_ = client.Close()
	_ = backend.Close()
	<-done

	l.finish(Flow{
		ServiceID:     l.svc.ID,
		ClientIP:      clientIP,
		Status:        types.ConnStatusCompleted,
		Duration:      time.Since(start).Seconds(),
		BytesSent:     sent.Load(),
		BytesReceived: received.Load(),
	})
}

// copyDirection pumps bytes from src to dst, counting them as it goes.
func (l *tcpListener) copyDirection(dst, src net.Conn, counter *atomic.Int64) {
	buf := make([]byte, l.mgr.cfg.BufferSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			counter.Add(int64(n))
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// finish records a terminal flow.
func (l *tcpListener) finish(flow Flow) {
	m := l.mgr
	if m.metrics != nil {
		m.metrics.ConnectionsTotal.WithLabelValues("tcp", string(flow.Status)).Inc()
		m.metrics.BytesTotal.WithLabelValues("tcp", "sent").Add(float64(flow.BytesSent))
		m.metrics.BytesTotal.WithLabelValues("tcp", "received").Add(float64(flow.BytesReceived))
	}
	if m.record != nil {
		m.record(flow)
	}
}

// classifyDialError maps a backend dial failure to a flow status.
func classifyDialError(err error) types.ConnStatus {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return types.ConnStatusTimeout
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return types.ConnStatusRefused
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return types.ConnStatusTimeout
	}
	return types.ConnStatusError
}
