// Package sessions serializes work per conversation.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/haasonsaas/loanagent/internal/observability"
)

// ErrQueueClosed is returned by Enqueue after Close.
var ErrQueueClosed = errors.New("conversation queue closed")

// WorkItem is one unit of work for a conversation. Its error is logged and
// does not stop the queue.
type WorkItem func(ctx context.Context) error

// QueueOptions configures a Queue.
type QueueOptions struct {
	// ItemTimeout bounds each work item. Zero means no bound.
	ItemTimeout time.Duration

	Metrics *observability.Metrics
	Logger  *slog.Logger
}

type job struct {
	name string
	run  WorkItem
}

// lane is one conversation's FIFO. It exists only while it has work.
type lane struct {
	jobs     []job
	draining bool
}

// Queue runs work items one at a time per conversation key, in arrival
// order, while different keys run concurrently.
//
// Usage:
//
//	q := sessions.NewQueue(ctx, sessions.QueueOptions{Logger: logger})
//	defer q.Close(context.Background())
//	q.Enqueue(chatID, "message", func(ctx context.Context) error { ... })
type Queue struct {
	ctx     context.Context
	cancel  context.CancelFunc
	opts    QueueOptions
	logger  *slog.Logger
	metrics *observability.Metrics

	mu     sync.Mutex
	lanes  map[string]*lane
	closed bool
	wg     sync.WaitGroup
}

// NewQueue creates a queue. Work items receive a context derived from ctx.
func NewQueue(ctx context.Context, opts QueueOptions) *Queue {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Queue{
		ctx:     ctx,
		cancel:  cancel,
		opts:    opts,
		logger:  opts.Logger.With("component", "conversation-queue"),
		metrics: opts.Metrics,
		lanes:   make(map[string]*lane),
	}
}

// Enqueue appends item to key's FIFO and starts a drain loop for key if
// none is running. name labels the item in logs.
func (q *Queue) Enqueue(key, name string, item WorkItem) error {
	if item == nil {
		return errors.New("work item is required")
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	l, ok := q.lanes[key]
	if !ok {
		l = &lane{}
		q.lanes[key] = l
	}
	l.jobs = append(l.jobs, job{name: name, run: item})
	start := !l.draining
	if start {
		l.draining = true
		q.wg.Add(1)
	}
	q.mu.Unlock()

	q.metrics.QueueChanged(1)
	if start {
		go q.drain(key)
	}
	return nil
}

// Pending returns how many items wait or run for key.
func (q *Queue) Pending(key string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if l, ok := q.lanes[key]; ok {
		n := len(l.jobs)
		if l.draining {
			n++
		}
		return n
	}
	return 0
}

// Active returns how many conversations have work.
func (q *Queue) Active() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.lanes)
}

// Close stops accepting work and waits for queued items to finish or ctx to
// end. When ctx ends first, running items see their context cancelled.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.cancel()
		<-done
		return ctx.Err()
	}
}

func (q *Queue) drain(key string) {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		l := q.lanes[key]
		if len(l.jobs) == 0 {
			l.draining = false
			delete(q.lanes, key)
			q.mu.Unlock()
			return
		}
		next := l.jobs[0]
		l.jobs[0] = job{}
		l.jobs = l.jobs[1:]
		q.mu.Unlock()

		q.run(key, next)
		q.metrics.QueueChanged(-1)
	}
}

func (q *Queue) run(key string, j job) {
	ctx := observability.AddConversationKey(q.ctx, key)
	if q.opts.ItemTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.opts.ItemTimeout)
		defer cancel()
	}

	started := time.Now()
	err := safeRun(ctx, j.run)
	if err != nil {
		q.logger.ErrorContext(ctx, "work item failed",
			"item", j.name, "duration", time.Since(started), "error", err)
		return
	}
	q.logger.DebugContext(ctx, "work item done", "item", j.name, "duration", time.Since(started))
}

func safeRun(ctx context.Context, item WorkItem) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return item(ctx)
}
