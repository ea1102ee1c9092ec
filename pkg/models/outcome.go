package models

import (
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// OutcomeStatus is the terminal state of one record's reconciliation.
type OutcomeStatus string

const (
	OutcomeCreated OutcomeStatus = "created"
	OutcomeUpdated OutcomeStatus = "updated"
	OutcomeSkipped OutcomeStatus = "skipped"
	OutcomeFailed  OutcomeStatus = "failed"
)

// Job identifies which reconciliation produced an outcome or run.
const (
	JobCatalog   = "catalog"
	JobDirectory = "directory"
	JobResync    = "resync"
)

// ReconciliationOutcome is one append-only audit row per processed record.
// Stored in sync_outcomes table. Never mutated after insert.
type ReconciliationOutcome struct {
	ID        uuid.UUID     `json:"id"`
	RunID     *uuid.UUID    `json:"run_id,omitempty"`
	Job       string        `json:"job"`
	OriginRef string        `json:"origin_ref"`
	SourceID  string        `json:"source_id"`
	Status    OutcomeStatus `json:"status"`

	// Failure detail: sanitized error text and the record as it was when the
	// failure happened, kept for replay and inspection.
	ErrorDetail string          `json:"error_detail,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Succeeded reports whether the outcome is anything but a failure.
func (o *ReconciliationOutcome) Succeeded() bool {
	return o.Status != OutcomeFailed
}
