package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/timmy/shopsync/internal/domain"
	"github.com/timmy/shopsync/internal/jobs"
	"github.com/timmy/shopsync/internal/logger"
	"github.com/timmy/shopsync/internal/service"
)

// JobHandler exposes import jobs and their control surface.
type JobHandler struct {
	importer    *service.Importer
	manager     *jobs.Manager
	controller  *jobs.Controller
	checkpoints jobs.Checkpoints
	logger      *logger.Logger
}

// NewJobHandler creates a new job handler.
// Parameters:
//   - importer: creates and launches import jobs.
//   - manager: job state store.
//   - controller: validated pause/resume/cancel/retry/delete.
//   - checkpoints: checkpoint lookup for job details.
//   - log: logger instance.
// Returns:
//   - *JobHandler: initialized handler.
func NewJobHandler(importer *service.Importer, manager *jobs.Manager, controller *jobs.Controller, checkpoints jobs.Checkpoints, log *logger.Logger) *JobHandler {
	if log == nil {
		log = logger.GetDefault()
	}
	return &JobHandler{
		importer:    importer,
		manager:     manager,
		controller:  controller,
		checkpoints: checkpoints,
		logger:      log,
	}
}

// CreateJobRequest is the body of POST /api/v1/jobs.
type CreateJobRequest struct {
	Source    string             `json:"source" binding:"required"`
	Mode      domain.ImportMode  `json:"mode" binding:"omitempty,oneof=all since range"`
	Filter    domain.OrderFilter `json:"filter"`
	BatchSize int                `json:"batch_size" binding:"min=0,max=250"`
	Limit     int                `json:"limit" binding:"min=0"`
}

// JobListResponse is the body of GET /api/v1/jobs.
type JobListResponse struct {
	Jobs  []domain.JobView `json:"jobs"`
	Total int              `json:"total"`
}

// JobDetailResponse is the body of GET /api/v1/jobs/:id.
type JobDetailResponse struct {
	Job        domain.JobView     `json:"job"`
	Checkpoint *domain.Checkpoint `json:"checkpoint,omitempty"`
}

// CreateJob handles POST /api/v1/jobs. The job starts in the background
// and the reply carries its pending state.
func (h *JobHandler) CreateJob(c *gin.Context) {
	var req CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	ctx := c.Request.Context()
	job, err := h.importer.CreateJob(ctx, domain.JobData{
		Mode:      req.Mode,
		Filter:    req.Filter,
		Source:    req.Source,
		BatchSize: req.BatchSize,
		Limit:     req.Limit,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	view := job.View()
	if err := h.importer.Start(ctx, job); err != nil {
		respondError(c, err)
		return
	}

	log(c, h.logger).WithFields(logger.Fields{
		logger.FieldJobID:  job.ID,
		logger.FieldSource: job.Data.Source,
	}).Info("Import job created")
	c.JSON(http.StatusAccepted, view)
}

// ListJobs handles GET /api/v1/jobs with an optional ?status= filter.
func (h *JobHandler) ListJobs(c *gin.Context) {
	all, err := h.manager.GetAllJobs(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}

	status := domain.JobStatus(c.Query("status"))
	views := make([]domain.JobView, 0, len(all))
	for _, j := range all {
		if status != "" && j.Status != status {
			continue
		}
		views = append(views, j.View())
	}
	c.JSON(http.StatusOK, JobListResponse{Jobs: views, Total: len(views)})
}

// GetJob handles GET /api/v1/jobs/:id.
func (h *JobHandler) GetJob(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	job, err := h.manager.GetJob(ctx, id)
	if err != nil {
		respondError(c, err)
		return
	}

	resp := JobDetailResponse{Job: job.View()}
	cp, found, err := h.checkpoints.Get(ctx, id)
	if err != nil {
		respondError(c, err)
		return
	}
	if found {
		resp.Checkpoint = &cp
	}
	c.JSON(http.StatusOK, resp)
}

// PauseJob handles POST /api/v1/jobs/:id/pause.
func (h *JobHandler) PauseJob(c *gin.Context) { h.control(c, "pause", h.controller.Pause) }

// ResumeJob handles POST /api/v1/jobs/:id/resume.
func (h *JobHandler) ResumeJob(c *gin.Context) { h.control(c, "resume", h.controller.Resume) }

// CancelJob handles POST /api/v1/jobs/:id/cancel.
func (h *JobHandler) CancelJob(c *gin.Context) { h.control(c, "cancel", h.controller.Cancel) }

// RetryJob handles POST /api/v1/jobs/:id/retry.
func (h *JobHandler) RetryJob(c *gin.Context) { h.control(c, "retry", h.controller.Retry) }

// DeleteJob handles DELETE /api/v1/jobs/:id. The archived report goes with
// the job.
func (h *JobHandler) DeleteJob(c *gin.Context) {
	job, err := h.manager.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	res, ok := h.control(c, "delete", h.controller.Delete)
	if ok && res.Success {
		h.importer.RemoveReport(c.Request.Context(), job)
	}
}

// GetReport handles GET /api/v1/jobs/:id/report and streams the archived
// report. Content-Location carries its storage URL.
func (h *JobHandler) GetReport(c *gin.Context) {
	ctx := c.Request.Context()
	job, err := h.manager.GetJob(ctx, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	rc, url, err := h.importer.OpenReport(ctx, job)
	if err != nil {
		respondError(c, err)
		return
	}
	defer rc.Close()
	c.DataFromReader(http.StatusOK, -1, "application/json", rc, map[string]string{"Content-Location": url})
}

// control runs one control action. A refused action answers 409 with the
// ControlResult so the caller sees the current status.
func (h *JobHandler) control(c *gin.Context, action string, fn func(context.Context, string) (jobs.ControlResult, error)) (jobs.ControlResult, bool) {
	id := c.Param("id")
	ctx := logger.SetJobID(c.Request.Context(), id)

	res, err := fn(ctx, id)
	if err != nil {
		respondError(c, err)
		return res, false
	}

	l := logger.FromContext(ctx).WithFields(logger.Fields{
		"action":          action,
		"previous_status": res.PreviousStatus,
		"new_status":      res.NewStatus,
	})
	if !res.Success {
		l.Info("Job control refused: " + res.Message)
		c.JSON(http.StatusConflict, res)
		return res, true
	}
	l.Info("Job control applied")
	c.JSON(http.StatusOK, res)
	return res, true
}
