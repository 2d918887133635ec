package ingest

import (
	"time"

	"github.com/sells-group/agstats-cli/internal/model"
)

// Heartbeat age thresholds for read-time agent health classification.
const (
	HealthyWithin = 2 * time.Minute
	WarningWithin = 10 * time.Minute
)

// ClassifyHealth buckets an agent by elapsed time since its last heartbeat.
// Classification is computed at read time; nothing is stored.
func ClassifyHealth(lastSeen, now time.Time) model.AgentHealth {
	elapsed := now.Sub(lastSeen)
	switch {
	case elapsed < HealthyWithin:
		return model.AgentHealthy
	case elapsed < WarningWithin:
		return model.AgentWarning
	default:
		return model.AgentStale
	}
}
