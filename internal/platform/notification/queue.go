package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
)

const (
	// TypeDeliver is the asynq task type carrying one notification.
	TypeDeliver = "notification:deliver"
	// QueueName is the asynq queue notifications are enqueued on.
	QueueName = "notifications"
)

// NewDeliverTask wraps n in an asynq task. The task id is the notification
// id so a repeated enqueue of the same notification is rejected.
func NewDeliverTask(n *Notification, maxRetry int) (*asynq.Task, []asynq.Option, error) {
	b, err := json.Marshal(n)
	if err != nil {
		return nil, nil, err
	}
	task := asynq.NewTask(TypeDeliver, b)
	opts := []asynq.Option{
		asynq.Queue(QueueName),
		asynq.MaxRetry(maxRetry),
		asynq.TaskID(n.ID.String()),
		asynq.Timeout(30 * time.Second),
	}
	return task, opts, nil
}

// Enqueuer is the part of *asynq.Client the dispatcher uses.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// QueueDispatcher hands notifications to asynq. Delivery and retries happen
// in the worker process.
type QueueDispatcher struct {
	client   Enqueuer
	logger   zerolog.Logger
	maxRetry int
}

func NewQueueDispatcher(client Enqueuer, logger zerolog.Logger, maxRetry int) *QueueDispatcher {
	return &QueueDispatcher{
		client:   client,
		logger:   logger.With().Str("component", "notify-queue").Logger(),
		maxRetry: maxRetry,
	}
}

func (q *QueueDispatcher) Dispatch(ctx context.Context, n *Notification) {
	task, opts, err := NewDeliverTask(n, q.maxRetry)
	if err != nil {
		q.logger.Error().Err(err).Str("notification_id", n.ID.String()).Msg("encode notification task")
		return
	}
	// The request may already be finished; enqueue on a detached context.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if _, err := q.client.EnqueueContext(ctx, task, opts...); err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			return
		}
		q.logger.Error().Err(err).Str("notification_id", n.ID.String()).Msg("enqueue notification")
	}
}

// HandleDeliver returns the asynq handler for TypeDeliver. A payload that
// cannot be decoded is never retried.
func HandleDeliver(sink Sink, logger zerolog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, task *asynq.Task) error {
		var n Notification
		if err := json.Unmarshal(task.Payload(), &n); err != nil {
			logger.Error().Err(err).Msg("invalid notification payload")
			return fmt.Errorf("decode notification: %v: %w", err, asynq.SkipRetry)
		}
		if err := sink.Deliver(ctx, &n); err != nil {
			logger.Warn().Err(err).Str("notification_id", n.ID.String()).Msg("notification delivery failed, will retry")
			return err
		}
		return nil
	}
}

// Worker consumes the notification queue.
type Worker struct {
	srv *asynq.Server
	mux *asynq.ServeMux
}

func NewWorker(redis asynq.RedisConnOpt, sink Sink, logger zerolog.Logger, concurrency int) *Worker {
	logger = logger.With().Str("component", "notify-worker").Logger()
	srv := asynq.NewServer(redis, asynq.Config{
		Concurrency: concurrency,
		Queues:      map[string]int{QueueName: 1},
		Logger:      asynqLogger{logger},
	})
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeDeliver, HandleDeliver(sink, logger))
	return &Worker{srv: srv, mux: mux}
}

// Start begins processing in the background.
func (w *Worker) Start() error {
	return w.srv.Start(w.mux)
}

// Shutdown waits for in-flight tasks and stops the worker.
func (w *Worker) Shutdown() {
	w.srv.Shutdown()
}

// asynqLogger routes asynq's internal logging through zerolog.
type asynqLogger struct {
	l zerolog.Logger
}

func (a asynqLogger) Debug(args ...interface{}) { a.l.Debug().Msg(fmt.Sprint(args...)) }
func (a asynqLogger) Info(args ...interface{})  { a.l.Info().Msg(fmt.Sprint(args...)) }
func (a asynqLogger) Warn(args ...interface{})  { a.l.Warn().Msg(fmt.Sprint(args...)) }
func (a asynqLogger) Error(args ...interface{}) { a.l.Error().Msg(fmt.Sprint(args...)) }
func (a asynqLogger) Fatal(args ...interface{}) { a.l.Fatal().Msg(fmt.Sprint(args...)) }
