package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/timmy/shopsync/internal/domain"
	"github.com/timmy/shopsync/internal/storage"
)

// JobReport is the archived summary of a finished job.
type JobReport struct {
	Job        domain.JobView `json:"job"`
	ArchivedAt time.Time      `json:"archived_at"`
}

// ReportArchiver uploads job reports to object storage.
type ReportArchiver struct {
	storage storage.ObjectStorage
	now     func() time.Time
}

// NewReportArchiver creates an archiver. A nil storage disables archiving.
func NewReportArchiver(st storage.ObjectStorage) *ReportArchiver {
	return &ReportArchiver{storage: st, now: time.Now}
}

// ReportKey returns reports/<yyyy>/<mm>/<job-id>.json for the job's end time.
func ReportKey(job *domain.Job) string {
	at := job.UpdatedAt
	if job.CompletedAt != nil {
		at = *job.CompletedAt
	}
	at = at.UTC()
	return fmt.Sprintf("reports/%04d/%02d/%s.json", at.Year(), int(at.Month()), job.ID)
}

// Archive uploads the report of job and returns its key. It is a no-op
// returning "" when no storage is configured.
func (a *ReportArchiver) Archive(ctx context.Context, job *domain.Job) (string, error) {
	if a == nil || a.storage == nil {
		return "", nil
	}

	body, err := json.MarshalIndent(JobReport{Job: job.View(), ArchivedAt: a.now().UTC()}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode report: %w", err)
	}

	key := ReportKey(job)
	if err := a.storage.Upload(ctx, key, bytes.NewReader(body), int64(len(body)), "application/json"); err != nil {
		return "", err
	}
	return key, nil
}

// Open returns the archived report of job and its storage URL. A job
// without a report, or an archiver without storage, yields
// storage.ErrObjectNotFound.
func (a *ReportArchiver) Open(ctx context.Context, job *domain.Job) (io.ReadCloser, string, error) {
	if a == nil || a.storage == nil {
		return nil, "", storage.ErrObjectNotFound
	}
	key := ReportKey(job)
	rc, err := a.storage.Download(ctx, key)
	if err != nil {
		return nil, "", err
	}
	return rc, a.storage.GetURL(key), nil
}

// Remove deletes the archived report of job if there is one.
func (a *ReportArchiver) Remove(ctx context.Context, job *domain.Job) (bool, error) {
	if a == nil || a.storage == nil {
		return false, nil
	}
	key := ReportKey(job)
	ok, err := a.storage.Exists(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := a.storage.Delete(ctx, key); err != nil {
		return false, err
	}
	return true, nil
}
