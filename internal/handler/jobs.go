package handler

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/mediascribe/pipeline/internal/model"
	"github.com/mediascribe/pipeline/internal/repository"
	"github.com/mediascribe/pipeline/internal/service"
	"github.com/mediascribe/pipeline/internal/worker"
	"github.com/mediascribe/pipeline/pkg/response"
)

type JobHandler struct {
	service   *service.JobService
	validator *validator.Validate
	logger    *zap.Logger
}

func NewJobHandler(svc *service.JobService, v *validator.Validate, logger *zap.Logger) *JobHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JobHandler{
		service:   svc,
		validator: v,
		logger:    logger,
	}
}

// Submit handles POST /api/jobs
func (h *JobHandler) Submit(c *fiber.Ctx) error {
	var req model.SubmitJobRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	job, err := h.service.Submit(c.UserContext(), &req, requestID(c))
	if err != nil {
		var conflict *repository.JobConflictError
		switch {
		case errors.As(err, &conflict):
			return response.Conflict(c, "Job already exists for this media", model.JobJSON{Job: conflict.Existing})
		case errors.Is(err, service.ErrUnsupportedMedia):
			return response.UnsupportedMedia(c, err.Error())
		case errors.Is(err, service.ErrInvalidMedia):
			return response.ValidationError(c, err.Error(), nil)
		}
		return h.serviceError(c, err)
	}

	return response.Accepted(c, model.JobJSON{Job: job})
}

// requestID prefers the id assigned by the requestid middleware.
func requestID(c *fiber.Ctx) string {
	if rid, ok := c.Locals("requestid").(string); ok && rid != "" {
		return rid
	}
	return c.Get(fiber.HeaderXRequestID)
}

// Get handles GET /api/jobs/:jobId
func (h *JobHandler) Get(c *fiber.Ctx) error {
	job, err := h.service.Get(c.UserContext(), c.Params("jobId"))
	if err != nil {
		return h.jobError(c, err)
	}
	return response.OK(c, model.JobJSON{Job: job})
}

// List handles GET /api/jobs?status=Queued
func (h *JobHandler) List(c *fiber.Ctx) error {
	status := model.JobStatus(c.Query("status", string(model.JobStatusQueued)))
	if !status.Valid() {
		return response.ValidationError(c, "Unknown status", fiber.Map{"status": string(status)})
	}

	jobs, err := h.service.List(c.UserContext(), status)
	if err != nil {
		return h.serviceError(c, err)
	}

	out := model.JobListResponse{Status: status, Jobs: make([]model.JobJSON, 0, len(jobs))}
	for _, j := range jobs {
		out.Jobs = append(out.Jobs, model.JobJSON{Job: j})
	}
	return response.OK(c, out)
}

// Events handles GET /api/jobs/:jobId/events
func (h *JobHandler) Events(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	events, err := h.service.Events(c.UserContext(), jobID)
	if err != nil {
		return h.jobError(c, err)
	}

	out := model.JobEventsResponse{JobID: jobID, Events: make([]model.EventEnvelope, 0, len(events))}
	for _, e := range events {
		env, err := model.NewEventEnvelope(e)
		if err != nil {
			return h.serviceError(c, err)
		}
		out.Events = append(out.Events, env)
	}
	return response.OK(c, out)
}

// Transcript handles GET /api/jobs/:jobId/transcript
func (h *JobHandler) Transcript(c *fiber.Ctx) error {
	result, err := h.service.Transcript(c.UserContext(), c.Params("jobId"))
	if err != nil {
		if errors.Is(err, service.ErrTranscriptNotReady) {
			return response.Conflict(c, "Transcript not ready", nil)
		}
		return h.jobError(c, err)
	}
	return response.OK(c, result)
}

// Cancel handles POST /api/jobs/:jobId/cancel
func (h *JobHandler) Cancel(c *fiber.Ctx) error {
	var req model.CancelJobRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return response.ValidationError(c, "Invalid request body", nil)
		}
	}
	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	job, err := h.service.Cancel(c.UserContext(), c.Params("jobId"), req.Reason)
	if err != nil {
		if errors.Is(err, model.ErrInvalidTransition) {
			return response.Conflict(c, "Job can no longer be cancelled", nil)
		}
		return h.jobError(c, err)
	}
	return response.OK(c, model.JobJSON{Job: job})
}

func (h *JobHandler) jobError(c *fiber.Ctx, err error) error {
	if errors.Is(err, repository.ErrJobNotFound) {
		return response.NotFound(c, "Job not found")
	}
	return h.serviceError(c, err)
}

func (h *JobHandler) serviceError(c *fiber.Ctx, err error) error {
	h.logger.Error("request failed", zap.String("path", c.Path()), zap.Error(err))
	return response.ServiceError(c, err.Error())
}

// StorageEventHandler receives object-finalized notifications pushed over
// HTTP and hands them to a worker
type StorageEventHandler struct {
	worker    worker.Handler
	validator *validator.Validate
	logger    *zap.Logger
}

func NewStorageEventHandler(w worker.Handler, v *validator.Validate, logger *zap.Logger) *StorageEventHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StorageEventHandler{worker: w, validator: v, logger: logger}
}

// Handle handles POST /internal/storage-events. Stale and foreign objects
// are answered with 200 so the sender does not redeliver them.
func (h *StorageEventHandler) Handle(c *fiber.Ctx) error {
	var t worker.Trigger
	if err := c.BodyParser(&t); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}
	if err := h.validator.Struct(&t); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	result, err := h.worker.Handle(c.UserContext(), t)
	if err != nil {
		h.logger.Error("storage event failed", zap.String("object", t.Name), zap.Error(err))
		return response.ServiceError(c, err.Error())
	}
	return response.OK(c, result)
}
