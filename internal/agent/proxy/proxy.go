// Package proxy implements the agent's data plane: one TCP or UDP listener
// per assigned service, forwarding client traffic to the service's backend
// with per-flow accounting and source-IP blocking.
//
// Listeners are keyed by listen port. Sync reconciles the running set
// against a config snapshot: listeners for vanished ports stop, listeners
// for new ports start, and a listener whose port survives keeps running
// untouched even if the backend address changed (established flows are never
// cut by a config change; the next listener restart picks up the new
// backend).
package proxy

import (
	"sync/atomic"
	"time"

	"github.com/nekoproxy/nekoproxy/internal/types"
)

// Flow is the record of one finished client flow, handed to the Recorder
// when the flow reaches a terminal status.
type Flow struct {
	ServiceID       uint
	ClientIP        string
	Status          types.ConnStatus
	Duration        float64 // seconds
	BytesSent       int64   // client -> backend
	BytesReceived   int64   // backend -> client
	PacketsSent     int64   // UDP only
	PacketsReceived int64   // UDP only
}

// Recorder receives finished flows. It must not block: the proxies call it
// from their connection goroutines.
type Recorder func(Flow)

// Blocklist is an atomically swappable set of blocked source IPs. Reads are
// lock-free so the per-packet and per-accept hot paths never contend with a
// config sync.
type Blocklist struct {
	set atomic.Value // map[string]struct{}
}

// NewBlocklist returns an empty blocklist.
func NewBlocklist() *Blocklist {
	b := &Blocklist{}
	b.set.Store(map[string]struct{}{})
	return b
}

// Replace swaps in a new set of blocked IPs.
func (b *Blocklist) Replace(ips []string) {
	set := make(map[string]struct{}, len(ips))
	for _, ip := range ips {
		set[ip] = struct{}{}
	}
	b.set.Store(set)
}

// Contains reports whether ip is blocked.
func (b *Blocklist) Contains(ip string) bool {
	_, ok := b.set.Load().(map[string]struct{})[ip]
	return ok
}

// Len returns the number of blocked IPs.
func (b *Blocklist) Len() int {
	return len(b.set.Load().(map[string]struct{}))
}

// Config holds the shared data-plane tunables.
type Config struct {
	// ListenIP is the local address listeners bind to, usually 0.0.0.0.
	ListenIP string

	// BufferSize is the copy buffer size for TCP and the datagram read size
	// for UDP.
	BufferSize int

	// DialTimeout bounds TCP backend connection attempts.
	DialTimeout time.Duration

	// UDPIdleTimeout is how long a UDP session may stay silent before the
	// reaper closes it.
	UDPIdleTimeout time.Duration

	// UDPReapInterval is how often the reaper scans for idle sessions.
	UDPReapInterval time.Duration
}

// withDefaults fills zero fields with the standard values.
func (c Config) withDefaults() Config {
	if c.ListenIP == "" {
		c.ListenIP = "0.0.0.0"
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 8192
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.UDPIdleTimeout <= 0 {
		c.UDPIdleTimeout = 5 * time.Minute
	}
	if c.UDPReapInterval <= 0 {
		c.UDPReapInterval = time.Minute
	}
	return c
}
