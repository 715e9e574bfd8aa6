package db

import (
	"time"

	"github.com/nekoproxy/nekoproxy/internal/types"
)

// Base contains the common fields shared by all models. IDs are plain
// autoincrement integers — they travel over the wire to agents and appear in
// stats rows, so they stay small and human-readable. CreatedAt and UpdatedAt
// are managed automatically by GORM; UpdatedAt feeds the config-version
// computation, so every mutation must go through GORM (raw SQL updates would
// leave it stale).
type Base struct {
	ID        uint      `gorm:"primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// -----------------------------------------------------------------------------
// Agents
// -----------------------------------------------------------------------------

// Agent is a registered proxy host. WireguardIP is the identity key: an
// agent that re-registers with a known overlay IP updates the existing row
// in place and keeps its ID. Status is mutated by heartbeats (promote to
// healthy) and by the health monitor (demote to unhealthy on silence).
type Agent struct {
	Base
	Hostname          string             `gorm:"size:255;not null"`
	WireguardIP       string             `gorm:"size:45;uniqueIndex;not null"`
	PublicIP          string             `gorm:"size:45;default:''"`
	Status            types.HealthStatus `gorm:"size:16;not null;default:'unknown'"`
	LastHeartbeat     *time.Time
	ActiveConnections int     `gorm:"not null;default:0"`
	CPUPercent        float64 `gorm:"not null;default:0"`
	MemoryPercent     float64 `gorm:"not null;default:0"`
	Version           string  `gorm:"size:20;not null;default:''"`
}

// HeartbeatUpdate carries the columns touched by a heartbeat. Updating only
// these columns keeps the frequent heartbeat writes cheap.
type HeartbeatUpdate struct {
	ActiveConnections int
	CPUPercent        float64
	MemoryPercent     float64
	At                time.Time
}

// -----------------------------------------------------------------------------
// Services
// -----------------------------------------------------------------------------

// Service is a forwarding definition: listen on ListenPort/Protocol, forward
// to BackendHost:BackendPort. (ListenPort, Protocol) is unique across all
// services — two services cannot claim the same listener.
type Service struct {
	Base
	Name        string         `gorm:"size:100;uniqueIndex;not null"`
	Description string         `gorm:"type:text;default:''"`
	ListenPort  int            `gorm:"not null;uniqueIndex:idx_services_port_proto"`
	BackendHost string         `gorm:"size:255;not null"`
	BackendPort int            `gorm:"not null"`
	Protocol    types.Protocol `gorm:"size:8;not null;default:'tcp';uniqueIndex:idx_services_port_proto"`
}

// ServiceAssignment binds a service to an agent. A nil AgentID means "all
// agents". (ServiceID, AgentID) is unique, with NULL treated as its own
// value, so a service can be assigned globally once plus per-agent overrides.
type ServiceAssignment struct {
	Base
	ServiceID uint  `gorm:"not null;index;uniqueIndex:idx_assignments_service_agent"`
	AgentID   *uint `gorm:"index;uniqueIndex:idx_assignments_service_agent"`
	// No gorm default tag: a default would make GORM drop explicit false
	// values on insert.
	Enabled bool `gorm:"not null"`
}

// -----------------------------------------------------------------------------
// Blocklist
// -----------------------------------------------------------------------------

// BlocklistEntry is a blocked source address. The full list ships to every
// agent with each AgentConfig.
type BlocklistEntry struct {
	Base
	IP     string `gorm:"size:45;uniqueIndex;not null"`
	Reason string `gorm:"type:text;default:''"`
}

// -----------------------------------------------------------------------------
// Firewall
// -----------------------------------------------------------------------------

// FirewallRule is a host packet-filter rule the agent reconciles into its
// iptables chain. Interface holds a symbolic name ("public", "wireguard") or
// a literal device name; resolution happens agent-side. A nil AgentID makes
// the rule visible to every agent.
type FirewallRule struct {
	Base
	Port        int                  `gorm:"not null;uniqueIndex:idx_firewall_port_proto_iface"`
	Protocol    types.Protocol       `gorm:"size:8;not null;default:'tcp';uniqueIndex:idx_firewall_port_proto_iface"`
	Interface   string               `gorm:"size:32;not null;uniqueIndex:idx_firewall_port_proto_iface"`
	Action      types.FirewallAction `gorm:"size:8;not null"`
	Description string               `gorm:"type:text;default:''"`
	Enabled     bool                 `gorm:"not null"`
	AgentID     *uint                `gorm:"index"`
}

// -----------------------------------------------------------------------------
// Connection statistics
// -----------------------------------------------------------------------------

// ConnectionStat is an append-only record of one completed flow. Rows are
// bulk-inserted by the stats intake and bulk-pruned by the health monitor
// after the retention window; they are never updated.
//
// ConnectionStat does not embed Base: it has no UpdatedAt (append-only) and
// its ordering column is the agent-reported Timestamp, not CreatedAt.
type ConnectionStat struct {
	ID            uint             `gorm:"primaryKey"`
	AgentID       uint             `gorm:"not null;index"`
	ServiceID     *uint            `gorm:"index"`
	Timestamp     time.Time        `gorm:"not null;index"`
	ClientIP      string           `gorm:"size:45;not null"`
	Status        types.ConnStatus `gorm:"size:20;not null"`
	Duration      *float64
	BytesSent     int64 `gorm:"not null;default:0"`
	BytesReceived int64 `gorm:"not null;default:0"`
}

// StatsAggregate is the result of a summary query over connection_stats.
type StatsAggregate struct {
	TotalConnections   int64
	BlockedConnections int64
	TotalBytesSent     int64
	TotalBytesReceived int64
}

// -----------------------------------------------------------------------------
// Alerts
// -----------------------------------------------------------------------------

// Alert records a condition worth an operator's attention, e.g. a firewall
// rule whose interface the agent could not resolve. Agents create alerts via
// the API; operators acknowledge them from the dashboard.
type Alert struct {
	Base
	AlertType    string              `gorm:"size:64;not null"`
	Severity     types.AlertSeverity `gorm:"size:16;not null;default:'warning'"`
	SourceIP     string              `gorm:"size:45;default:''"`
	Port         *int
	Interface    string `gorm:"size:32;default:''"`
	Description  string `gorm:"type:text;not null"`
	AgentID      *uint  `gorm:"index"`
	Acknowledged bool   `gorm:"not null;default:false"`
}
