package executor

import (
	"context"
	"sync"
	"time"

	"encore.app/pkg/wire"
)

// task is one inbound request traveling through the engine: the decoded wire
// request, the timestamps the pipeline stamps as it moves, and a one-shot
// reply slot the worker completes exactly once.
type task struct {
	req *wire.Request

	enqueued time.Time
	dequeued time.Time

	replyOnce sync.Once
	reply     chan *wire.ResponseBody
}

func newTask(req *wire.Request) *task {
	return &task{
		req:   req,
		reply: make(chan *wire.ResponseBody, 1),
	}
}

// deliver completes the task's reply slot. The worker is the only caller in
// the normal path; a second call (e.g. a redo racing a late handler) is a
// no-op so the result is marked delivered at most once per waiter.
func (t *task) deliver(resp *wire.ResponseBody) {
	t.replyOnce.Do(func() {
		t.reply <- resp
	})
}

// workQueue is the engine's single-consumer FIFO. Producers are the two
// transport paths (HTTP handler, TCP listener); the consumer is the one
// worker goroutine. Unbounded in spirit, capped at a safety limit so a
// misbehaving client cannot exhaust memory; a producer blocks briefly when
// the cap is hit rather than dropping the task.
type workQueue struct {
	tasks chan *task
}

func newWorkQueue(cap int) *workQueue {
	if cap <= 0 {
		cap = 4096
	}
	return &workQueue{tasks: make(chan *task, cap)}
}

// put enqueues t, stamping its enqueued time. Blocks while the queue is at
// its safety cap; gives up only when ctx is done.
func (q *workQueue) put(ctx context.Context, t *task) error {
	t.enqueued = time.Now()
	select {
	case q.tasks <- t:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// depth reports how many tasks are waiting.
func (q *workQueue) depth() int {
	return len(q.tasks)
}
