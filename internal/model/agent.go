package model

import "time"

// AgentHealth classifies an agent by time since its last heartbeat.
// It is computed at read time and never stored.
type AgentHealth string

const (
	AgentHealthy AgentHealth = "HEALTHY"
	AgentWarning AgentHealth = "WARNING"
	AgentStale   AgentHealth = "STALE"
)

// AgentHeartbeat is the latest liveness report from a collector or validator
// process, keyed by agent id. Every heartbeat overwrites the previous row;
// no history is kept.
type AgentHeartbeat struct {
	AgentID     string    `json:"agent_id"`
	AgentType   string    `json:"agent_type"`
	Status      string    `json:"status"`
	CurrentTask string    `json:"current_task,omitempty"`
	LastSeen    time.Time `json:"last_seen"`
}

// AgentStatus is a heartbeat plus its read-time health classification.
type AgentStatus struct {
	AgentHeartbeat
	Health AgentHealth `json:"health"`
}
