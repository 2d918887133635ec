package model

import "time"

// ValidationState is the outcome of a validation pass over an entity.
type ValidationState string

const (
	ValidationPending      ValidationState = "pending"
	ValidationInProgress   ValidationState = "in_progress"
	ValidationPassed       ValidationState = "passed"
	ValidationFailed       ValidationState = "failed"
	ValidationPassedWarn   ValidationState = "passed_with_warnings"
)

// Terminal reports whether the state is a final verdict. Only terminal
// states stamp validated_at.
func (s ValidationState) Terminal() bool {
	switch s {
	case ValidationPassed, ValidationFailed, ValidationPassedWarn:
		return true
	}
	return false
}

// CheckResult is one individual check inside a validation pass.
type CheckResult struct {
	Name     string `json:"name"`
	Passed   bool   `json:"passed"`
	Message  string `json:"message,omitempty"`
	Expected string `json:"expected,omitempty"`
	Actual   string `json:"actual,omitempty"`
}

// ValidationStatus is the recorded verdict for one entity, unique per
// (entity type, entity id, data source). Upserted by validator agents;
// never blocks ingestion.
type ValidationStatus struct {
	ID             int64           `json:"id"`
	EntityType     string          `json:"entity_type"`
	EntityID       string          `json:"entity_id"`
	DataSourceID   int64           `json:"data_source_id"`
	Status         ValidationState `json:"status"`
	CheckerAgentID string          `json:"checker_agent_id,omitempty"`
	ChecksPassed   int             `json:"checks_passed"`
	ChecksFailed   int             `json:"checks_failed"`
	CheckResults   []CheckResult   `json:"check_results,omitempty"`
	Discrepancies  map[string]any  `json:"discrepancies,omitempty"`
	Notes          string          `json:"notes,omitempty"`
	ValidatedAt    *time.Time      `json:"validated_at,omitempty"`
	UpdatedAt      time.Time       `json:"updated_at"`
}
