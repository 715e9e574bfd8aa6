package proxy

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/nekoproxy/nekoproxy/internal/metrics"
	"github.com/nekoproxy/nekoproxy/internal/types"
)

// UDPManager runs one UDP listener per assigned UDP service. UDP has no
// connections, so the proxy keeps a session per client address: datagrams
// from a client go out a dedicated backend socket, and replies on that
// socket come back to the client. Idle sessions are reaped.
type UDPManager struct {
	cfg       Config
	blocklist *Blocklist
	record    Recorder
	metrics   *metrics.Agent // may be nil
	logger    *zap.Logger

	mu        sync.Mutex
	listeners map[int]*udpListener
}

// NewUDPManager creates a UDPManager.
func NewUDPManager(cfg Config, blocklist *Blocklist, record Recorder, m *metrics.Agent, logger *zap.Logger) *UDPManager {
	return &UDPManager{
		cfg:       cfg.withDefaults(),
		blocklist: blocklist,
		record:    record,
		metrics:   m,
		logger:    logger.Named("udp"),
		listeners: make(map[int]*udpListener),
	}
}

// ActiveConnections returns the number of live UDP sessions.
func (m *UDPManager) ActiveConnections() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, l := range m.listeners {
		total += l.sessionCount()
	}
	return total
}

// Sync reconciles the running listeners against the UDP services in the
// snapshot.
func (m *UDPManager) Sync(services []types.ServiceSpec) {
	m.mu.Lock()
	defer m.mu.Unlock()

	desired := make(map[int]types.ServiceSpec)
	for _, svc := range services {
		if svc.Protocol == types.ProtocolUDP {
			desired[svc.ListenPort] = svc
		}
	}

	for port, l := range m.listeners {
		if _, keep := desired[port]; !keep {
			m.logger.Info("removing udp listener", zap.Int("port", port), zap.String("service", l.svc.Name))
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
			m.logger.Error("failed to start udp listener",
				zap.Int("port", port), zap.String("service", svc.Name), zap.Error(err))
			continue
		}
		m.listeners[port] = l
	}
}

// StopAll stops every listener, recording live sessions as closed.
func (m *UDPManager) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for port, l := range m.listeners {
		l.stop()
		delete(m.listeners, port)
	}
}

func (m *UDPManager) startListener(svc types.ServiceSpec) (*udpListener, error) {
	addr := &net.UDPAddr{IP: net.ParseIP(m.cfg.ListenIP), Port: svc.ListenPort}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}

	backendAddr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", svc.BackendHost, svc.BackendPort))
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("resolve backend for %s: %w", svc.Name, err)
	}

	l := &udpListener{
		mgr:      m,
		svc:      svc,
		conn:     conn,
		backend:  backendAddr,
		sessions: make(map[string]*udpSession),
		done:     make(chan struct{}),
	}
	l.wg.Add(2)
	go l.readLoop()
	go l.reapLoop()

	m.logger.Info("udp proxy listening",
		zap.String("service", svc.Name),
		zap.String("listen", conn.LocalAddr().String()),
		zap.String("backend", backendAddr.String()),
	)
	return l, nil
}

// udpListener proxies one service's port.
type udpListener struct {
	mgr     *UDPManager
	svc     types.ServiceSpec
	conn    *net.UDPConn
	backend *net.UDPAddr

	sessMu   sync.Mutex
	sessions map[string]*udpSession

	done chan struct{}
	wg   sync.WaitGroup
}

// udpSession tracks one client address and its backend socket.
type udpSession struct {
	clientAddr *net.UDPAddr
	clientIP   string
	backend    *net.UDPConn
	started    time.Time

	lastActivity atomic.Int64 // unix nanos
	bytesSent    atomic.Int64
	bytesRecv    atomic.Int64
	packetsSent  atomic.Int64
	packetsRecv  atomic.Int64
}

func (s *udpSession) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

func (l *udpListener) sessionCount() int {
	l.sessMu.Lock()
	defer l.sessMu.Unlock()
	return len(l.sessions)
}

func (l *udpListener) stop() {
	close(l.done)
	_ = l.conn.Close()

	l.sessMu.Lock()
	sessions := l.sessions
	l.sessions = map[string]*udpSession{}
	l.sessMu.Unlock()

	for _, sess := range sessions {
		l.closeSession(sess, types.ConnStatusClosed)
	}
	l.wg.Wait()
}

// readLoop receives client datagrams and routes them into sessions.
func (l *udpListener) readLoop() {
	defer l.wg.Done()
	buf := make([]byte, l.mgr.cfg.BufferSize)

	for {
		n, addr, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			// Listener closed.
			return
		}

		clientIP := addr.IP.String()
		if l.mgr.blocklist != nil && l.mgr.blocklist.Contains(clientIP) {
			// Blocked datagrams are silently dropped; no session, no stat.
			l.mgr.logger.Debug("blocked udp datagram",
				zap.String("service", l.svc.Name), zap.String("client_ip", clientIP))
			continue
		}

		sess, err := l.session(addr, clientIP)
		if err != nil {
			l.mgr.logger.Error("failed to open udp backend socket",
				zap.String("service", l.svc.Name), zap.Error(err))
			continue
		}

		if _, err := sess.backend.Write(buf[:n]); err != nil {
			l.mgr.logger.Debug("udp backend write failed",
				zap.String("service", l.svc.Name), zap.Error(err))
			continue
		}
		sess.bytesSent.Add(int64(n))
		sess.packetsSent.Add(1)
		sess.touch()
	}
}

// session returns the existing session for addr or creates one with a fresh
// backend socket and reply pump.
func (l *udpListener) session(addr *net.UDPAddr, clientIP string) (*udpSession, error) {
	key := addr.String()

	l.sessMu.Lock()
	if sess, ok := l.sessions[key]; ok {
		l.sessMu.Unlock()
		return sess, nil
	}
	l.sessMu.Unlock()

	backend, err := net.DialUDP("udp", nil, l.backend)
	if err != nil {
		return nil, err
	}

	sess := &udpSession{
		clientAddr: addr,
		clientIP:   clientIP,
		backend:    backend,
		started:    time.Now(),
	}
	sess.touch()

	l.sessMu.Lock()
	if existing, ok := l.sessions[key]; ok {
		// Lost the race with another datagram from the same client.
		l.sessMu.Unlock()
		_ = backend.Close()
		return existing, nil
	}
	l.sessions[key] = sess
	l.sessMu.Unlock()

	if l.mgr.metrics != nil {
		l.mgr.metrics.ActiveConnections.Inc()
	}
	l.mgr.logger.Info("new udp session",
		zap.String("service", l.svc.Name), zap.String("client", key))

	l.wg.Add(1)
	go l.replyLoop(sess)
	return sess, nil
}

// replyLoop pumps backend replies for one session back to the client.
func (l *udpListener) replyLoop(sess *udpSession) {
	defer l.wg.Done()
	buf := make([]byte, l.mgr.cfg.BufferSize)

	for {
		n, err := sess.backend.Read(buf)
		if err != nil {
			// Backend socket closed, by the reaper or by stop.
			return
		}
		if _, err := l.conn.WriteToUDP(buf[:n], sess.clientAddr); err != nil {
			return
		}
		sess.bytesRecv.Add(int64(n))
		sess.packetsRecv.Add(1)
		sess.touch()
	}
}

// reapLoop closes sessions that have been idle past the timeout.
func (l *udpListener) reapLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(l.mgr.cfg.UDPReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
		}

		cutoff := time.Now().Add(-l.mgr.cfg.UDPIdleTimeout).UnixNano()

		l.sessMu.Lock()
		var idle []*udpSession
		for key, sess := range l.sessions {
			if sess.lastActivity.Load() < cutoff {
				idle = append(idle, sess)
				delete(l.sessions, key)
			}
		}
		l.sessMu.Unlock()

		for _, sess := range idle {
			l.mgr.logger.Info("reaped idle udp session",
				zap.String("service", l.svc.Name),
				zap.String("client", sess.clientAddr.String()))
			l.closeSession(sess, types.ConnStatusTimeout)
		}
	}
}

// closeSession closes the backend socket and records the terminal flow.
func (l *udpListener) closeSession(sess *udpSession, status types.ConnStatus) {
	_ = sess.backend.Close()

	m := l.mgr
	if m.metrics != nil {
		m.metrics.ActiveConnections.Dec()
		m.metrics.ConnectionsTotal.WithLabelValues("udp", string(status)).Inc()
		m.metrics.BytesTotal.WithLabelValues("udp", "sent").Add(float64(sess.bytesSent.Load()))
		m.metrics.BytesTotal.WithLabelValues("udp", "received").Add(float64(sess.bytesRecv.Load()))
	}
	if m.record != nil {
		m.record(Flow{
			ServiceID:       l.svc.ID,
			ClientIP:        sess.clientIP,
			Status:          status,
			Duration:        time.Since(sess.started).Seconds(),
			BytesSent:       sess.bytesSent.Load(),
			BytesReceived:   sess.bytesRecv.Load(),
			PacketsSent:     sess.packetsSent.Load(),
			PacketsReceived: sess.packetsRecv.Load(),
		})
	}
}
