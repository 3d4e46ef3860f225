// Package storage persists the history of rotation runs.
package storage

import (
	"time"
)

// Storage defines the interface for rotation run history
type Storage interface {
	// SaveRun saves a finished run
	SaveRun(entry *HistoryEntry) error

	// GetRun retrieves a single run by ID
	GetRun(id string) (*HistoryEntry, error)

	// ListRuns retrieves the most recent runs, newest first. limit <= 0
	// returns all of them.
	ListRuns(limit int) ([]HistoryEntry, error)

	// CleanupOldEntries removes runs older than the specified duration
	CleanupOldEntries(olderThan time.Duration) error
}

// Run statuses.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusDryRun  = "dry_run"
)

// HistoryEntry represents a single rotation run
type HistoryEntry struct {
	ID        string        `json:"id"`
	Timestamp time.Time     `json:"timestamp"`
	Cluster   string        `json:"cluster"`
	Source    string        `json:"source"`
	Target    string        `json:"target"`
	Status    string        `json:"status"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`
	FailedAt  string        `json:"failed_at,omitempty"`
	User      string        `json:"user,omitempty"`
	Workers   int           `json:"workers,omitempty"`
	Retryable bool          `json:"retryable,omitempty"`
	Phases    []PhaseResult `json:"phases,omitempty"`
}

// PhaseResult summarizes one category of a run
type PhaseResult struct {
	Category    string        `json:"category"`
	Status      string        `json:"status"`
	Eligible    int           `json:"eligible"`
	Rotated     int           `json:"rotated"`
	Changed     int           `json:"changed"`
	Skipped     int           `json:"skipped,omitempty"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at"`
	Duration    time.Duration `json:"duration"`
	Error       string        `json:"error,omitempty"`
}

// Rotated returns the number of records persisted across all phases.
func (e *HistoryEntry) Rotated() int {
	n := 0
	for _, p := range e.Phases {
		n += p.Rotated
	}
	return n
}

// Eligible returns the number of eligible records across all phases.
func (e *HistoryEntry) Eligible() int {
	n := 0
	for _, p := range e.Phases {
		n += p.Eligible
	}
	return n
}
