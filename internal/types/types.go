// Package types defines the wire types shared by the controller and the agent.
package types

import "time"

// ─── Enums ───────────────────────────────────────────────────────────────────

// Protocol is the transport protocol of a service or firewall rule.
type Protocol string

const (
	ProtocolTCP Protocol = "tcp"
	ProtocolUDP Protocol = "udp"
)

// Valid reports whether p is a known protocol.
func (p Protocol) Valid() bool {
	return p == ProtocolTCP || p == ProtocolUDP
}

// HealthStatus represents the controller's view of an agent's liveness.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
	HealthStatusUnknown   HealthStatus = "unknown"
)

// FirewallAction is what a firewall rule does with matching packets.
type FirewallAction string

const (
	FirewallActionAllow FirewallAction = "allow"
	FirewallActionBlock FirewallAction = "block"
)

// Valid reports whether a is a known firewall action.
func (a FirewallAction) Valid() bool {
	return a == FirewallActionAllow || a == FirewallActionBlock
}

// ConnStatus is the terminal state of a proxied flow.
type ConnStatus string

const (
	ConnStatusCompleted ConnStatus = "completed"
	ConnStatusTimeout   ConnStatus = "timeout"
	ConnStatusRefused   ConnStatus = "refused"
	ConnStatusError     ConnStatus = "error"
	ConnStatusBlocked   ConnStatus = "blocked"
	ConnStatusClosed    ConnStatus = "closed"
)

// AlertSeverity ranks how urgent an alert is.
type AlertSeverity string

const (
	AlertSeverityInfo     AlertSeverity = "info"
	AlertSeverityWarning  AlertSeverity = "warning"
	AlertSeverityCritical AlertSeverity = "critical"
)

// ─── Agent lifecycle ─────────────────────────────────────────────────────────

// AgentRegistration is the body of POST /api/v1/agents/register.
// WireguardIP is the agent's identity key: re-registering with the same
// overlay IP updates the existing record instead of creating a new one.
type AgentRegistration struct {
	Hostname    string `json:"hostname"`
	WireguardIP string `json:"wireguard_ip"`
	PublicIP    string `json:"public_ip,omitempty"`
	Version     string `json:"version"`
}

// AgentHeartbeat is the body of POST /api/v1/agents/{id}/heartbeat.
type AgentHeartbeat struct {
	ActiveConnections int     `json:"active_connections"`
	CPUPercent        float64 `json:"cpu_percent"`
	MemoryPercent     float64 `json:"memory_percent"`
}

// AgentInfo is the controller's view of an agent, returned by the
// registration, heartbeat and listing endpoints.
type AgentInfo struct {
	ID                uint         `json:"id"`
	Hostname          string       `json:"hostname"`
	WireguardIP       string       `json:"wireguard_ip"`
	PublicIP          string       `json:"public_ip,omitempty"`
	Status            HealthStatus `json:"status"`
	LastHeartbeat     *time.Time   `json:"last_heartbeat"`
	ActiveConnections int          `json:"active_connections"`
	CPUPercent        float64      `json:"cpu_percent"`
	MemoryPercent     float64      `json:"memory_percent"`
	Version           string       `json:"version"`
	CreatedAt         time.Time    `json:"created_at"`
}

// ─── Agent configuration ─────────────────────────────────────────────────────

// ServiceSpec is one forwarding definition inside an AgentConfig.
type ServiceSpec struct {
	ID          uint     `json:"id"`
	Name        string   `json:"name"`
	ListenPort  int      `json:"listen_port"`
	BackendHost string   `json:"backend_host"`
	BackendPort int      `json:"backend_port"`
	Protocol    Protocol `json:"protocol"`
}

// FirewallRuleSpec is one firewall rule inside an AgentConfig.
// Interface is either a symbolic name ("public", "wireguard") or a literal
// device name; the agent resolves it at apply time.
type FirewallRuleSpec struct {
	ID        uint           `json:"id"`
	Port      int            `json:"port"`
	Protocol  Protocol       `json:"protocol"`
	Interface string         `json:"interface"`
	Action    FirewallAction `json:"action"`
	Enabled   bool           `json:"enabled"`
	AgentID   *uint          `json:"agent_id"`
}

// AgentConfig is the coherent desired-state view sent to an agent by
// GET /api/v1/agents/{id}/config. ConfigVersion is the agent's sole
// change-detection signal: the agent re-applies only when it changes.
type AgentConfig struct {
	AgentID           uint               `json:"agent_id"`
	ConfigVersion     int64              `json:"config_version"`
	Services          []ServiceSpec      `json:"services"`
	Blocklist         []string           `json:"blocklist"`
	FirewallRules     []FirewallRuleSpec `json:"firewall_rules"`
	HeartbeatInterval int                `json:"heartbeat_interval"`
}

// ─── Statistics ──────────────────────────────────────────────────────────────

// ConnectionRecord is one completed flow as reported by an agent.
// BytesSent counts client→backend bytes, BytesReceived backend→client.
// Timestamp is ISO-8601; the controller coerces it and falls back to the
// ingest time when it does not parse.
type ConnectionRecord struct {
	ServiceID     uint       `json:"service_id"`
	ClientIP      string     `json:"client_ip"`
	Status        ConnStatus `json:"status"`
	Duration      *float64   `json:"duration"`
	BytesSent     int64      `json:"bytes_sent"`
	BytesReceived int64      `json:"bytes_received"`
	Timestamp     string     `json:"timestamp"`
}

// StatsReport is the body of POST /api/v1/stats/connections.
type StatsReport struct {
	AgentID     uint               `json:"agent_id"`
	Connections []ConnectionRecord `json:"connections"`
}

// StatsSummary is the aggregate returned by GET /api/v1/stats/summary.
type StatsSummary struct {
	TotalConnections   int64 `json:"total_connections"`
	BlockedConnections int64 `json:"blocked_connections"`
	TotalBytesSent     int64 `json:"total_bytes_sent"`
	TotalBytesReceived int64 `json:"total_bytes_received"`
	PeriodHours        int   `json:"period_hours"`
}

// ─── Alerts ──────────────────────────────────────────────────────────────────

// AlertCreate is the body of POST /api/v1/alerts. Agents use it to surface
// host-side conditions the controller cannot observe, such as a firewall
// rule whose interface could not be resolved.
type AlertCreate struct {
	AlertType   string        `json:"alert_type"`
	Severity    AlertSeverity `json:"severity"`
	SourceIP    string        `json:"source_ip,omitempty"`
	Port        *int          `json:"port,omitempty"`
	Interface   string        `json:"interface,omitempty"`
	Description string        `json:"description"`
	AgentID     *uint         `json:"agent_id,omitempty"`
}
