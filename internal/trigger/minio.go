package trigger

import (
	"context"
	"fmt"
	"net/url"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/notification"
	"go.uber.org/zap"

	"github.com/mediascribe/pipeline/internal/storage"
	"github.com/mediascribe/pipeline/internal/worker"
)

// MinioListener subscribes to object-created notifications for job objects
// directly from a MinIO bucket.
type MinioListener struct {
	client *minio.Client
	bucket string
	router *Router
	logger *zap.Logger
}

// NewMinioListener creates a new MinIO trigger source
func NewMinioListener(client *minio.Client, bucket string, router *Router, logger *zap.Logger) *MinioListener {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MinioListener{client: client, bucket: bucket, router: router, logger: logger}
}

// Start listens until ctx is done. Handler errors are logged; MinIO does not
// redeliver notifications.
func (l *MinioListener) Start(ctx context.Context) error {
	infos := l.client.ListenBucketNotification(ctx, l.bucket, storage.JobsPrefix, ".json", []string{
		"s3:ObjectCreated:*",
	})
	l.logger.Info("listening for bucket notifications", zap.String("bucket", l.bucket))

	for info := range infos {
		if info.Err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("bucket notification stream: %w", info.Err)
		}
		for _, t := range TriggersFromNotification(info) {
			if _, err := l.router.Dispatch(ctx, t); err != nil {
				l.logger.Error("notification handling failed",
					zap.String("object", t.Name),
					zap.Error(err),
				)
			}
		}
	}
	return nil
}

// TriggersFromNotification converts MinIO notification records.
func TriggersFromNotification(info notification.Info) []worker.Trigger {
	out := make([]worker.Trigger, 0, len(info.Records))
	for _, rec := range info.Records {
		if rec.EventName != "" && !isCreated(rec.EventName) {
			continue
		}
		key, err := url.QueryUnescape(rec.S3.Object.Key)
		if err != nil {
			key = rec.S3.Object.Key
		}
		out = append(out, worker.Trigger{Bucket: rec.S3.Bucket.Name, Name: key})
	}
	return out
}
