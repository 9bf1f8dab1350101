package domain

import "time"

// IdempotencyStatus is the processing state of an idempotency record.
type IdempotencyStatus string

const (
	IdempotencyProcessing IdempotencyStatus = "processing"
	IdempotencyCompleted  IdempotencyStatus = "completed"
	IdempotencyFailed     IdempotencyStatus = "failed"
)

// IdempotencyRecord maps an external record to the artifact created from it.
type IdempotencyRecord struct {
	Key         string            `json:"key"`
	ExternalID  string            `json:"external_id"`
	ArtifactID  string            `json:"artifact_id,omitempty"`
	Status      IdempotencyStatus `json:"status"`
	Fingerprint string            `json:"fingerprint"`
	CreatedAt   time.Time         `json:"created_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	Error       string            `json:"error,omitempty"`
}
