package domain

import (
	"math"
	"time"
)

// JobType distinguishes job kinds.
type JobType string

const (
	JobTypeBulkImport    JobType = "bulk_import"
	JobTypeWebhookReplay JobType = "webhook_replay"
)

// JobStatus represents the lifecycle status of a job.
// Values include JobStatusPending, JobStatusRunning, JobStatusPaused,
// JobStatusCompleted, JobStatusFailed, and JobStatusCancelled.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusPaused    JobStatus = "paused"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether the status ends a job instance.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// ImportMode selects which orders a bulk import covers.
type ImportMode string

const (
	ImportModeAll   ImportMode = "all"
	ImportModeSince ImportMode = "since"
	ImportModeRange ImportMode = "range"
)

// OrderFilter narrows the orders fetched by an import.
type OrderFilter struct {
	Status          string     `json:"status,omitempty"`
	FinancialStatus string     `json:"financial_status,omitempty"`
	CreatedAtMin    *time.Time `json:"created_at_min,omitempty"`
	CreatedAtMax    *time.Time `json:"created_at_max,omitempty"`
}

// JobData is the job-specific payload.
type JobData struct {
	Mode            ImportMode  `json:"mode"`
	Filter          OrderFilter `json:"filter"`
	Source          string      `json:"source"`
	Cursor          string      `json:"cursor,omitempty"`
	BulkOperationID string      `json:"bulk_operation_id,omitempty"`
	BatchSize       int         `json:"batch_size,omitempty"`
	Limit           int         `json:"limit,omitempty"`
}

// Progress tracks how many items of a job have been handled.
type Progress struct {
	Current int `json:"current"`
	Total   int `json:"total"`
}

// Percentage returns Current/Total as a percentage rounded to two decimals.
func (p Progress) Percentage() float64 {
	if p.Total <= 0 {
		return 0
	}
	return math.Round(float64(p.Current)*10000/float64(p.Total)) / 100
}

// Results aggregates per-item outcomes of a job.
type Results struct {
	Imported   int      `json:"imported"`
	Failed     int      `json:"failed"`
	Duplicates int      `json:"duplicates"`
	Errors     []string `json:"errors"`
}

// Job represents one background run with trackable progress.
type Job struct {
	ID          string     `json:"id"`
	Type        JobType    `json:"type"`
	Status      JobStatus  `json:"status"`
	Progress    Progress   `json:"progress"`
	Data        JobData    `json:"data"`
	Results     Results    `json:"results"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// JobView is the API representation of a Job with the derived percentage.
type JobView struct {
	Job
	Percentage float64 `json:"percentage"`
}

// View returns the API representation of the job.
func (j Job) View() JobView {
	return JobView{Job: j, Percentage: j.Progress.Percentage()}
}
