package ingest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/agstats-cli/internal/model"
)

func TestClassifyHealth(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		ago  time.Duration
		want model.AgentHealth
	}{
		{name: "just now", ago: 0, want: model.AgentHealthy},
		{name: "under two minutes", ago: 119 * time.Second, want: model.AgentHealthy},
		{name: "exactly two minutes", ago: 2 * time.Minute, want: model.AgentWarning},
		{name: "five minutes", ago: 5 * time.Minute, want: model.AgentWarning},
		{name: "just under ten minutes", ago: 10*time.Minute - time.Second, want: model.AgentWarning},
		{name: "exactly ten minutes", ago: 10 * time.Minute, want: model.AgentStale},
		{name: "hours stale", ago: 3 * time.Hour, want: model.AgentStale},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyHealth(now.Add(-tt.ago), now))
		})
	}
}
