package domain

import "time"

// Checkpoint records how far a job progressed so it can be resumed.
// Exhausted is set when the source had no more pages but the job was
// paused before it could be marked completed.
type Checkpoint struct {
	JobID           string    `json:"job_id"`
	Cursor          string    `json:"cursor"`
	BulkOperationID string    `json:"bulk_operation_id,omitempty"`
	ProcessedCount  int       `json:"processed_count"`
	LastProcessedID string    `json:"last_processed_id,omitempty"`
	Exhausted       bool      `json:"exhausted,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}
