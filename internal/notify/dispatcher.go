// internal/notify/dispatcher.go
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	defaultQueueSize = 256
	defaultMaxTries  = 3
)

// Stats counts what happened to every message handed to the dispatcher.
type Stats struct {
	Queued    int64
	Delivered int64
	Failed    int64
	Rejected  int64
}

type envelope struct {
	ctx  context.Context
	msg  Message
	done chan error // nil for Post
}

// Dispatcher owns a bounded queue of messages drained by a single worker.
// Deliver waits for the outcome, Post only waits for a queue slot. No message
// leaves the dispatcher without being counted as delivered, failed or rejected.
type Dispatcher struct {
	sender   Sender
	logger   *slog.Logger
	queue    chan envelope
	closed   chan struct{}
	once     sync.Once
	mu       sync.RWMutex
	isClosed bool
	wg       sync.WaitGroup
	maxTries uint
	backoff  func() backoff.BackOff

	queued, delivered, failed, rejected atomic.Int64
	outcomes                            metric.Int64Counter
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

func WithQueueSize(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.queue = make(chan envelope, n)
		}
	}
}

func WithMaxTries(n uint) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.maxTries = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithRetryInterval replaces exponential backoff with a constant wait between tries.
func WithRetryInterval(interval time.Duration) Option {
	return func(d *Dispatcher) {
		d.backoff = func() backoff.BackOff { return backoff.NewConstantBackOff(interval) }
	}
}

func NewDispatcher(sender Sender, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		sender:   sender,
		logger:   slog.Default(),
		queue:    make(chan envelope, defaultQueueSize),
		closed:   make(chan struct{}),
		maxTries: defaultMaxTries,
		backoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			return b
		},
	}
	for _, opt := range opts {
		opt(d)
	}
	counter, err := otel.Meter("lendingdesk/notify").Int64Counter("notifications.outcomes",
		metric.WithDescription("Chat notifications by delivery outcome"))
	if err == nil {
		d.outcomes = counter
	}
	return d
}

// Start launches the worker. It stops when ctx is done or Close is called,
// after draining what is already queued.
func (d *Dispatcher) Start(ctx context.Context) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.run(ctx)
	}()
}

// Close stops accepting messages and waits for the worker to drain the queue.
// Messages still queued when no worker was started are delivered here.
func (d *Dispatcher) Close() {
	d.once.Do(func() {
		d.mu.Lock()
		d.isClosed = true
		close(d.closed)
		d.mu.Unlock()
	})
	d.wg.Wait()
	d.drain()
}

// Deliver queues m and waits until the worker reports the outcome.
func (d *Dispatcher) Deliver(ctx context.Context, m Message) error {
	done := make(chan error, 1)
	if err := d.enqueue(ctx, envelope{ctx: ctx, msg: m, done: done}, true); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Post queues m without waiting for delivery or for a free slot. The returned
// error only reports that m was rejected.
func (d *Dispatcher) Post(ctx context.Context, m Message) error {
	ctx = context.WithoutCancel(ctx)
	return d.enqueue(ctx, envelope{ctx: ctx, msg: m}, false)
}

// SendToUser makes the dispatcher usable wherever a Sender is expected.
func (d *Dispatcher) SendToUser(ctx context.Context, chatID int64, text string) error {
	return d.Deliver(ctx, ToUser(chatID, text))
}

func (d *Dispatcher) SendToAdminChannel(ctx context.Context, text string) error {
	return d.Deliver(ctx, ToAdmins(text))
}

func (d *Dispatcher) Stats() Stats {
	return Stats{
		Queued:    d.queued.Load(),
		Delivered: d.delivered.Load(),
		Failed:    d.failed.Load(),
		Rejected:  d.rejected.Load(),
	}
}

func (d *Dispatcher) enqueue(ctx context.Context, e envelope, wait bool) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.isClosed {
		d.count(ctx, &d.rejected, "rejected")
		return ErrDispatcherClosed
	}
	if !wait {
		select {
		case d.queue <- e:
			d.queued.Add(1)
			return nil
		default:
			d.count(ctx, &d.rejected, "rejected")
			return ErrQueueFull
		}
	}
	select {
	case d.queue <- e:
		d.queued.Add(1)
		return nil
	case <-ctx.Done():
		d.count(ctx, &d.rejected, "rejected")
		return fmt.Errorf("queue notification: %w", ctx.Err())
	}
}

func (d *Dispatcher) run(ctx context.Context) {
	for {
		select {
		case e := <-d.queue:
			d.handle(e)
		case <-ctx.Done():
			d.drain()
			return
		case <-d.closed:
			d.drain()
			return
		}
	}
}

func (d *Dispatcher) drain() {
	for {
		select {
		case e := <-d.queue:
			d.handle(e)
		default:
			return
		}
	}
}

func (d *Dispatcher) handle(e envelope) {
	_, err := backoff.Retry(e.ctx, func() (struct{}, error) {
		return struct{}{}, send(e.ctx, d.sender, e.msg)
	}, backoff.WithBackOff(d.backoff()), backoff.WithMaxTries(d.maxTries))

	if err != nil {
		d.count(e.ctx, &d.failed, "failed")
		d.logger.Warn("notification failed", "admin", e.msg.Admin, "chat_id", e.msg.ChatID, "err", err)
	} else {
		d.count(e.ctx, &d.delivered, "delivered")
	}
	if e.done != nil {
		e.done <- err
	}
}

func (d *Dispatcher) count(ctx context.Context, c *atomic.Int64, outcome string) {
	c.Add(1)
	if d.outcomes != nil {
		d.outcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}
