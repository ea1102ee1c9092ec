package models

import (
	"time"

	"github.com/google/uuid"
)

// RunSummary is the per-run result handed to reporting.
// Stored in sync_runs table.
type RunSummary struct {
	RunID      uuid.UUID  `json:"run_id" yaml:"run_id"`
	Job        string     `json:"job" yaml:"job"`
	StartedAt  time.Time  `json:"started_at" yaml:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty" yaml:"finished_at,omitempty"`

	Created int `json:"created_count" yaml:"created_count"`
	Updated int `json:"updated_count" yaml:"updated_count"`
	Skipped int `json:"skipped_count" yaml:"skipped_count"`
	Failed  int `json:"failed_count" yaml:"failed_count"`
	// Aborted counts items that were fetched but never started because the
	// run deadline passed. They produce no outcome row.
	Aborted int `json:"aborted_count" yaml:"aborted_count"`

	// FailedLists names origins whose items could not be fetched at all.
	FailedLists []string `json:"failed_lists,omitempty" yaml:"failed_lists,omitempty"`
	Error       string   `json:"error,omitempty" yaml:"error,omitempty"`
}

// NewRunSummary starts a summary for job.
func NewRunSummary(job string) *RunSummary {
	return &RunSummary{
		RunID:     uuid.New(),
		Job:       job,
		StartedAt: time.Now(),
	}
}

// Add counts one outcome.
func (s *RunSummary) Add(status OutcomeStatus) {
	switch status {
	case OutcomeCreated:
		s.Created++
	case OutcomeUpdated:
		s.Updated++
	case OutcomeSkipped:
		s.Skipped++
	case OutcomeFailed:
		s.Failed++
	}
}

// Total returns the number of records that produced an outcome.
func (s *RunSummary) Total() int {
	return s.Created + s.Updated + s.Skipped + s.Failed
}

// Finish stamps the completion time.
func (s *RunSummary) Finish() {
	now := time.Now()
	s.FinishedAt = &now
}
