package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"
)

const (
	taskTypeConvert = "epub:convert"
	asynqQueueName  = "epub"
)

// TaskPayload は変換タスクのペイロードです。
type TaskPayload struct {
	JobID string `json:"jobId"`
}

// AsynqQueue は Redis 上の Asynq キューでジョブ ID を受け渡します。
// 同時実行数は 1 に固定し、自動リトライは行いません。
type AsynqQueue struct {
	client *asynq.Client
	server *asynq.Server
	logger *slog.Logger
}

// NewAsynqQueue は redisURL に接続する AsynqQueue を作成します。
func NewAsynqQueue(redisURL string, logger *slog.Logger) (*AsynqQueue, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	server := asynq.NewServer(opt, asynq.Config{
		Concurrency: 1,
		Queues: map[string]int{
			asynqQueueName: 1,
		},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			logger.Error("asynq task failed", slog.String("type", task.Type()), slog.Any("error", err))
		}),
	})

	return &AsynqQueue{
		client: asynq.NewClient(opt),
		server: server,
		logger: logger,
	}, nil
}

// Enqueue はジョブ ID をタスクとして投入します。
func (q *AsynqQueue) Enqueue(ctx context.Context, jobID string) error {
	if jobID == "" {
		return fmt.Errorf("empty job id")
	}
	body, err := json.Marshal(&TaskPayload{JobID: jobID})
	if err != nil {
		return err
	}
	task := asynq.NewTask(taskTypeConvert, body, asynq.Queue(asynqQueueName))
	info, err := q.client.EnqueueContext(ctx, task, asynq.MaxRetry(0))
	if err != nil {
		return fmt.Errorf("enqueue job %s: %w", jobID, err)
	}
	q.logger.Debug("task enqueued", slog.String("job_id", jobID), slog.String("task_id", info.ID))
	return nil
}

// Run は Asynq サーバーを起動し、ctx が終了したら停止します。
func (q *AsynqQueue) Run(ctx context.Context, handle Handler) error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(taskTypeConvert, func(ctx context.Context, task *asynq.Task) error {
		var payload TaskPayload
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			return fmt.Errorf("decode payload: %w: %w", err, asynq.SkipRetry)
		}
		if payload.JobID == "" {
			return fmt.Errorf("missing jobId in payload: %w", asynq.SkipRetry)
		}
		handle(ctx, payload.JobID)
		return nil
	})

	if err := q.server.Start(mux); err != nil && !errors.Is(err, asynq.ErrServerClosed) {
		return fmt.Errorf("start asynq server: %w", err)
	}
	<-ctx.Done()
	q.server.Shutdown()
	return nil
}

// Close はクライアント接続を閉じます。
func (q *AsynqQueue) Close() error {
	return q.client.Close()
}
