package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

// TaskTypePrefix prefixes the asynq task type of every published message.
const TaskTypePrefix = "message:"

// TaskType returns the asynq task type used for topic.
func TaskType(topic string) string {
	return TaskTypePrefix + topic
}

// Enqueuer is the subset of *asynq.Client used by AsynqSender.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// AsynqSender enqueues messages as asynq tasks, one queue per topic.
// Tasks that exhaust MaxRetry are archived by asynq, which serves as the
// dead-letter destination for this broker.
type AsynqSender struct {
	client    Enqueuer
	maxRetry  int
	retention time.Duration
}

// NewAsynqSender returns a sender enqueueing through client.
func NewAsynqSender(client Enqueuer, maxRetry int, retention time.Duration) *AsynqSender {
	return &AsynqSender{client: client, maxRetry: maxRetry, retention: retention}
}

// Send enqueues msg on the queue named topic.
func (s *AsynqSender) Send(ctx context.Context, topic string, msg Message) (string, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSchemaRejected, err)
	}

	info, err := s.client.EnqueueContext(ctx, asynq.NewTask(TaskType(topic), payload),
		asynq.TaskID(uuid.NewString()),
		asynq.Queue(topic),
		asynq.MaxRetry(s.maxRetry),
		asynq.Retention(s.retention),
	)
	if err != nil {
		return "", fmt.Errorf("enqueue to %s: %w", topic, err)
	}
	return info.ID, nil
}

// MessageFromTask decodes a task produced by AsynqSender.
func MessageFromTask(t *asynq.Task) (Message, error) {
	var msg Message
	if err := json.Unmarshal(t.Payload(), &msg); err != nil {
		return Message{}, &MessageEncodingError{
			Stage:   StageJSON,
			Message: "task payload is not a message envelope",
			Context: map[string]string{"taskType": t.Type()},
			Err:     err,
		}
	}
	return msg, nil
}
