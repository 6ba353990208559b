package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/mediascribe/pipeline/internal/messaging"
	"github.com/mediascribe/pipeline/internal/model"
	"github.com/mediascribe/pipeline/internal/storage"
	"github.com/mediascribe/pipeline/internal/worker"
)

const (
	TaskTypeObjectFinalized = "storage:object-finalized"
	// QueueTriggers prefixes the per-status object-finalized queues.
	QueueTriggers = "triggers"
)

// TriggerQueue is the asynq queue for objects under jobs/{status}/. Each
// process consumes only the queues of the statuses it routes, so a trigger
// is never taken by a process that would ignore it.
func TriggerQueue(status model.JobStatus) string {
	return QueueTriggers + "-" + strings.ToLower(string(status))
}

// NewObjectFinalizedTask builds the asynq task for t.
func NewObjectFinalizedTask(t worker.Trigger) (*asynq.Task, error) {
	payload, err := json.Marshal(t)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeObjectFinalized, payload), nil
}

// AsynqSource feeds asynq tasks into a Router.
type AsynqSource struct {
	router *Router
	logger *zap.Logger
}

// NewAsynqSource creates a new asynq trigger source
func NewAsynqSource(router *Router, logger *zap.Logger) *AsynqSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AsynqSource{router: router, logger: logger}
}

// Register wires the object-finalized task and work messages on workTopic
// into mux.
func (s *AsynqSource) Register(mux *asynq.ServeMux, workTopic string) {
	mux.HandleFunc(TaskTypeObjectFinalized, s.ProcessTask)
	mux.HandleFunc(messaging.TaskType(workTopic), s.ProcessWorkTask)
}

// Queues returns the trigger queues for the router's statuses with the
// given priority, for asynq.Config.Queues.
func (s *AsynqSource) Queues(priority int) map[string]int {
	queues := make(map[string]int)
	for _, status := range s.router.Statuses() {
		queues[TriggerQueue(status)] = priority
	}
	return queues
}

// ProcessTask handles object-finalized tasks.
func (s *AsynqSource) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var trig worker.Trigger
	if err := json.Unmarshal(t.Payload(), &trig); err != nil || trig.Name == "" {
		s.logger.Warn("dropping malformed trigger task", zap.ByteString("payload", t.Payload()))
		return fmt.Errorf("malformed trigger task: %w", asynq.SkipRetry)
	}
	_, err := s.router.Dispatch(ctx, trig)
	return err
}

// ProcessWorkTask handles work messages published through AsynqSender.
func (s *AsynqSource) ProcessWorkTask(ctx context.Context, t *asynq.Task) error {
	msg, err := messaging.MessageFromTask(t)
	if err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	trig, err := FromWorkMessage(msg)
	if err != nil {
		s.logger.Warn("dropping undecodable work message", zap.Error(err))
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	_, err = s.router.Dispatch(ctx, trig)
	return err
}

// Enqueuer is the subset of *asynq.Client used by NotifyingStore.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// triggeredStatuses are the prefixes some worker reacts to. Objects under
// the other prefixes would sit in queues nobody consumes.
var triggeredStatuses = map[model.JobStatus]bool{
	model.JobStatusQueued:     true,
	model.JobStatusProcessing: true,
	model.JobStatusCompleted:  true,
}

// NotifyingStore decorates an object store with object-finalized
// notifications for job objects, for stores without native bucket events.
type NotifyingStore struct {
	storage.ObjectStore
	bucket   string
	enqueuer Enqueuer
	logger   *zap.Logger
}

// NewNotifyingStore wraps store.
func NewNotifyingStore(store storage.ObjectStore, bucket string, enqueuer Enqueuer, logger *zap.Logger) *NotifyingStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NotifyingStore{ObjectStore: store, bucket: bucket, enqueuer: enqueuer, logger: logger}
}

// Put writes the object and, for job objects, enqueues a trigger. A failed
// enqueue is logged; the object write already succeeded.
func (s *NotifyingStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	if err := s.ObjectStore.Put(ctx, key, data, contentType); err != nil {
		return err
	}
	obj, err := storage.ParseJobKey(key)
	if err != nil || !triggeredStatuses[obj.Status] {
		return nil
	}

	task, err := NewObjectFinalizedTask(worker.Trigger{Bucket: s.bucket, Name: key})
	if err == nil {
		_, err = s.enqueuer.EnqueueContext(ctx, task,
			asynq.Queue(TriggerQueue(obj.Status)),
			asynq.MaxRetry(5),
			asynq.Retention(24*time.Hour),
		)
	}
	if err != nil {
		s.logger.Error("failed to enqueue object trigger",
			zap.String("key", key),
			zap.Error(err),
		)
	}
	return nil
}

// SignedURL delegates to the wrapped store when it can sign.
func (s *NotifyingStore) SignedURL(ctx context.Context, key string) (string, error) {
	signer, ok := s.ObjectStore.(storage.URLSigner)
	if !ok {
		return "", storage.ErrSigningUnsupported
	}
	return signer.SignedURL(ctx, key)
}
