// Package trigger delivers object-finalized notifications to workers. The
// sources differ only in transport: asynq tasks, RabbitMQ deliveries of S3
// event records, and MinIO bucket notifications.
package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/minio/minio-go/v7/pkg/notification"
	"go.uber.org/zap"

	"github.com/mediascribe/pipeline/internal/messaging"
	"github.com/mediascribe/pipeline/internal/model"
	"github.com/mediascribe/pipeline/internal/storage"
	"github.com/mediascribe/pipeline/internal/worker"
)

// Router sends each trigger to the handler registered for the status
// prefix its object lives under.
type Router struct {
	handlers map[model.JobStatus]worker.Handler
	logger   *zap.Logger
}

// NewRouter creates an empty router.
func NewRouter(logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{handlers: make(map[model.JobStatus]worker.Handler), logger: logger}
}

// Handle registers h for objects under jobs/{status}/.
func (r *Router) Handle(status model.JobStatus, h worker.Handler) {
	r.handlers[status] = h
}

// Statuses lists the routed statuses.
func (r *Router) Statuses() []model.JobStatus {
	out := make([]model.JobStatus, 0, len(r.handlers))
	for _, s := range model.AllJobStatuses {
		if _, ok := r.handlers[s]; ok {
			out = append(out, s)
		}
	}
	return out
}

// Dispatch runs the matching handler. Objects no handler covers are ignored.
func (r *Router) Dispatch(ctx context.Context, t worker.Trigger) (worker.Result, error) {
	obj, err := storage.ParseJobKey(t.Name)
	if err != nil {
		return worker.Result{Outcome: worker.Ignored, Reason: err.Error()}, nil
	}
	h, ok := r.handlers[obj.Status]
	if !ok {
		return worker.Result{Outcome: worker.Ignored, JobID: obj.JobID, Reason: "no handler for " + string(obj.Status)}, nil
	}

	res, err := h.Handle(ctx, t)
	if err != nil {
		r.logger.Error("trigger handling failed",
			zap.String("object", t.Name),
			zap.Error(err),
		)
		return res, err
	}
	r.logger.Info("trigger handled",
		zap.String("object", t.Name),
		zap.String("outcome", string(res.Outcome)),
		zap.String("reason", res.Reason),
	)
	return res, nil
}

// ParseS3Event extracts object-created triggers from an S3 event document,
// the same records MinIO streams to bucket listeners.
func ParseS3Event(body []byte) ([]worker.Trigger, error) {
	var info notification.Info
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("decode s3 event: %w", err)
	}
	return TriggersFromNotification(info), nil
}

func isCreated(eventName string) bool {
	name := strings.TrimPrefix(eventName, "s3:")
	return strings.HasPrefix(name, "ObjectCreated:")
}

// FromWorkMessage converts a work message into the trigger its job object
// would have produced.
func FromWorkMessage(msg messaging.Message) (worker.Trigger, error) {
	job, err := messaging.DecodeWorkMessage(msg)
	if err != nil {
		return worker.Trigger{}, err
	}
	return worker.Trigger{Name: storage.JobKey(job.Status(), job.Base().ID)}, nil
}
