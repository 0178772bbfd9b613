package notification

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// AsyncOptions tunes the in-process dispatcher.
type AsyncOptions struct {
	Workers     int
	QueueSize   int
	MaxAttempts int
	Backoff     time.Duration
	// DeliverTimeout bounds a single delivery attempt.
	DeliverTimeout time.Duration
}

func DefaultAsyncOptions() AsyncOptions {
	return AsyncOptions{
		Workers:        2,
		QueueSize:      256,
		MaxAttempts:    3,
		Backoff:        500 * time.Millisecond,
		DeliverTimeout: 5 * time.Second,
	}
}

// AsyncDispatcher delivers notifications on background goroutines with a
// linear retry backoff. It is used when no Redis queue is configured.
type AsyncDispatcher struct {
	sink   Sink
	logger zerolog.Logger
	opts   AsyncOptions

	mu     sync.RWMutex
	closed bool
	queue  chan *Notification
	wg     sync.WaitGroup
}

func NewAsyncDispatcher(sink Sink, logger zerolog.Logger, opts AsyncOptions) *AsyncDispatcher {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	d := &AsyncDispatcher{
		sink:   sink,
		logger: logger.With().Str("component", "notify-async").Logger(),
		opts:   opts,
		queue:  make(chan *Notification, opts.QueueSize),
	}
	for i := 0; i < opts.Workers; i++ {
		d.wg.Add(1)
		go d.run()
	}
	return d
}

// Dispatch enqueues n. A full queue or a closed dispatcher drops n with a
// warning.
func (d *AsyncDispatcher) Dispatch(_ context.Context, n *Notification) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.logger.Warn().Str("notification_id", n.ID.String()).Msg("dispatcher closed, notification dropped")
		return
	}
	select {
	case d.queue <- n:
	default:
		d.logger.Warn().Str("notification_id", n.ID.String()).Msg("notification queue full, notification dropped")
	}
}

func (d *AsyncDispatcher) run() {
	defer d.wg.Done()
	for n := range d.queue {
		d.deliver(n)
	}
}

func (d *AsyncDispatcher) deliver(n *Notification) {
	var err error
	for attempt := 1; attempt <= d.opts.MaxAttempts; attempt++ {
		ctx, cancel := d.attemptContext()
		err = d.sink.Deliver(ctx, n)
		cancel()
		if err == nil {
			return
		}
		d.logger.Debug().Err(err).Int("attempt", attempt).Str("notification_id", n.ID.String()).Msg("delivery attempt failed")
		if attempt < d.opts.MaxAttempts {
			time.Sleep(d.opts.Backoff * time.Duration(attempt))
		}
	}
	d.logger.Error().Err(err).
		Str("notification_id", n.ID.String()).
		Str("action", string(n.ActionType)).
		Int("attempts", d.opts.MaxAttempts).
		Msg("notification delivery failed")
}

func (d *AsyncDispatcher) attemptContext() (context.Context, context.CancelFunc) {
	if d.opts.DeliverTimeout <= 0 {
		return context.WithCancel(context.Background())
	}
	return context.WithTimeout(context.Background(), d.opts.DeliverTimeout)
}

// Close stops accepting notifications and waits for queued ones to drain or
// for ctx to end.
func (d *AsyncDispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
