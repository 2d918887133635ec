package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/agstats-cli/internal/ingest"
	"github.com/sells-group/agstats-cli/internal/model"
)

func TestTruncateID(t *testing.T) {
	assert.Equal(t, "12345678", truncateID("123456789abcdef"))
	assert.Equal(t, "short", truncateID("short"))
}

func TestRunDuration(t *testing.T) {
	started := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	completed := started.Add(95 * time.Second)

	closed := model.IngestRun{StartedAt: started, CompletedAt: &completed}
	assert.Equal(t, "1m35s", runDuration(closed))

	open := model.IngestRun{StartedAt: time.Now().Add(-10 * time.Second)}
	assert.Contains(t, runDuration(open), "s")
}

func TestFormatRunsList(t *testing.T) {
	started := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	completed := started.Add(2 * time.Minute)

	var buf bytes.Buffer
	formatRunsList(&buf, []model.IngestRun{
		{
			ID:          "0f5a2b18-aaaa-bbbb-cccc-000000000000",
			JobName:     "qs_sync",
			AgentID:     "collector-1",
			Status:      model.RunStatusSuccess,
			RowsFetched: 1200,
			RowsFailed:  3,
			StartedAt:   started,
			CompletedAt: &completed,
		},
	})

	out := buf.String()
	assert.Contains(t, out, "ID")
	assert.Contains(t, out, "0f5a2b18")
	assert.NotContains(t, out, "aaaa-bbbb")
	assert.Contains(t, out, "qs_sync")
	assert.Contains(t, out, "success")
	assert.Contains(t, out, "1200")
	assert.Contains(t, out, "2m0s")
}

func TestFormatRunErrorsTruncatesLongMessages(t *testing.T) {
	long := ""
	for range 10 {
		long += "0123456789"
	}

	var buf bytes.Buffer
	formatRunErrors(&buf, []model.IngestError{
		{ID: 7, ErrorType: "parse", RecordKey: "row-17", Message: long, CreatedAt: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)},
	})

	out := buf.String()
	assert.Contains(t, out, "parse")
	assert.Contains(t, out, "row-17")
	assert.Contains(t, out, "...")
	assert.NotContains(t, out, long)
}

func TestFormatAgents(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	var buf bytes.Buffer
	formatAgents(&buf, []model.AgentStatus{
		{
			AgentHeartbeat: model.AgentHeartbeat{
				AgentID:     "collector-1",
				AgentType:   "collector",
				Status:      "alive",
				CurrentTask: "qs_sync 2025-01",
				LastSeen:    now.Add(-30 * time.Second),
			},
			Health: model.AgentHealthy,
		},
	}, now)

	out := buf.String()
	assert.Contains(t, out, "collector-1")
	assert.Contains(t, out, "HEALTHY")
	assert.Contains(t, out, "30s ago")
}

func TestFormatViolations(t *testing.T) {
	var buf bytes.Buffer
	formatViolations(&buf, []ingest.InvariantViolation{
		{
			SeriesID:       42,
			ObsTime:        time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
			LatestCount:    2,
			LatestRevision: 1,
			MaxRevision:    3,
		},
	})

	out := buf.String()
	assert.Contains(t, out, "42")
	assert.Contains(t, out, "2025-01-01T00:00:00Z")
	assert.Contains(t, out, "SERIES")
}
