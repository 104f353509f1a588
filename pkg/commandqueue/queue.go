package commandqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harun/realty/internal/observability"
	"github.com/harun/realty/internal/tracing"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// ErrClosed is returned by Enqueue after Close.
var ErrClosed = errors.New("command queue is closed")

// Task represents an operation executed inside a lane
type Task func(ctx context.Context) (interface{}, error)

// TaskOptions provides configuration for task execution
type TaskOptions struct {
	// WarnAfter logs a warning, and calls OnWait, when the task is still
	// queued after this long.
	WarnAfter time.Duration
	OnWait    func(wait time.Duration, queuePos int)
}

// SessionLane returns the lane that serializes work for one session.
func SessionLane(sessionKey string) string {
	return "session:" + sessionKey
}

type taskRecord struct {
	id         string
	task       Task
	ctx        context.Context
	enqueuedAt time.Time
	options    TaskOptions
	result     chan taskResult
}

type taskResult struct {
	value interface{}
	err   error
}

type laneState struct {
	name        string
	concurrency int
	pinned      bool
	queue       []*taskRecord
	running     int
	mu          sync.Mutex
}

// CommandQueue provides lane-based task serialization with concurrency control
type CommandQueue struct {
	lanes  map[string]*laneState
	mu     sync.Mutex
	seq    atomic.Uint64
	closed atomic.Bool
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a queue with a pinned "main" lane of concurrency 1.
func New() *CommandQueue {
	observability.EnsureRegistered()

	ctx, cancel := context.WithCancel(context.Background())
	cq := &CommandQueue{
		lanes:  make(map[string]*laneState),
		ctx:    ctx,
		cancel: cancel,
	}
	cq.SetConcurrency("main", 1)
	return cq
}

// SetConcurrency sets the parallelism of a lane and keeps the lane alive
// while idle.
func (cq *CommandQueue) SetConcurrency(lane string, concurrency int) {
	if concurrency < 1 {
		concurrency = 1
	}

	cq.mu.Lock()
	ls, ok := cq.lanes[lane]
	if !ok {
		ls = &laneState{name: lane}
		cq.lanes[lane] = ls
	}
	cq.mu.Unlock()

	ls.mu.Lock()
	old := ls.concurrency
	ls.concurrency = concurrency
	ls.pinned = true
	ls.mu.Unlock()

	log.Debug().Str("lane", lane).Int("concurrency", concurrency).Msg("Lane configured")
	if concurrency > old {
		cq.processLane(ls)
	}
}

// Enqueue appends task to lane and waits for its result. If ctx ends while
// the task is still queued, the task is withdrawn and ctx.Err() returned;
// once started, Enqueue waits for the task to finish.
func (cq *CommandQueue) Enqueue(ctx context.Context, lane string, task Task, options *TaskOptions) (interface{}, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if cq.closed.Load() {
		return nil, ErrClosed
	}

	ctx, span := tracing.StartSpan(ctx, "realty.commandqueue", "commandqueue.enqueue",
		tracing.AttrLane.String(lane),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger)

	opts := TaskOptions{}
	if options != nil {
		opts = *options
	}
	record := &taskRecord{
		id:         fmt.Sprintf("%s-%d", lane, cq.seq.Add(1)),
		task:       task,
		ctx:        ctx,
		enqueuedAt: time.Now(),
		options:    opts,
		result:     make(chan taskResult, 1),
	}

	// Lane lookup and push happen under cq.mu so an idle lane cannot be
	// dropped between the two.
	cq.mu.Lock()
	ls, ok := cq.lanes[lane]
	if !ok {
		ls = &laneState{name: lane, concurrency: 1}
		cq.lanes[lane] = ls
	}
	ls.mu.Lock()
	ls.queue = append(ls.queue, record)
	queueSize := len(ls.queue)
	ls.mu.Unlock()
	cq.mu.Unlock()

	logger.Debug().Str("lane", lane).Str("task_id", record.id).Int("queue_size", queueSize).Msg("Task enqueued")
	observability.RecordQueueEnqueue(lane, queueSize)

	if opts.WarnAfter > 0 {
		go cq.warnIfWaiting(ls, record)
	}

	cq.processLane(ls)

	var res taskResult
	select {
	case res = <-record.result:
	case <-ctx.Done():
		if cq.withdraw(ls, record) {
			res = taskResult{err: ctx.Err()}
		} else {
			res = <-record.result
		}
	}

	tracing.RecordError(span, res.err)
	return res.value, res.err
}

func (cq *CommandQueue) withdraw(ls *laneState, record *taskRecord) bool {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	for i, r := range ls.queue {
		if r == record {
			ls.queue = append(ls.queue[:i], ls.queue[i+1:]...)
			observability.SetQueueSize(ls.name, len(ls.queue))
			return true
		}
	}
	return false
}

func (cq *CommandQueue) processLane(ls *laneState) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	for ls.running < ls.concurrency && len(ls.queue) > 0 {
		record := ls.queue[0]
		ls.queue = ls.queue[1:]

		ls.running++
		cq.wg.Add(1)
		go cq.executeTask(ls, record)
	}
}

func (cq *CommandQueue) executeTask(ls *laneState, record *taskRecord) {
	defer cq.wg.Done()

	taskCtx, span := tracing.StartSpan(record.ctx, "realty.commandqueue", "commandqueue.execute_task",
		tracing.AttrLane.String(ls.name),
		attribute.String("task_id", record.id),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(taskCtx, log.Logger)

	runCtx, cancel := context.WithCancel(taskCtx)
	stopCancel := context.AfterFunc(cq.ctx, cancel)

	start := time.Now()
	value, err := record.task(runCtx)
	duration := time.Since(start)

	stopCancel()
	cancel()

	ls.mu.Lock()
	ls.running--
	queueSize := len(ls.queue)
	ls.mu.Unlock()

	record.result <- taskResult{value: value, err: err}

	if err != nil {
		tracing.RecordError(span, err)
		logger.Debug().Str("lane", ls.name).Str("task_id", record.id).Dur("duration", duration).Err(err).Msg("Task failed")
	} else {
		logger.Debug().Str("lane", ls.name).Str("task_id", record.id).Dur("duration", duration).Msg("Task completed")
	}
	observability.RecordQueueCompletion(ls.name, duration, err == nil, queueSize)

	cq.processLane(ls)
	cq.dropIfIdle(ls)
}

func (cq *CommandQueue) dropIfIdle(ls *laneState) {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	ls.mu.Lock()
	defer ls.mu.Unlock()
	if ls.pinned || ls.running > 0 || len(ls.queue) > 0 {
		return
	}
	if cq.lanes[ls.name] == ls {
		delete(cq.lanes, ls.name)
	}
}

func (cq *CommandQueue) warnIfWaiting(ls *laneState, record *taskRecord) {
	timer := time.NewTimer(record.options.WarnAfter)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-record.ctx.Done():
		return
	case <-cq.ctx.Done():
		return
	}

	ls.mu.Lock()
	pos := -1
	for i, r := range ls.queue {
		if r == record {
			pos = i
			break
		}
	}
	ls.mu.Unlock()
	if pos < 0 {
		return
	}

	wait := time.Since(record.enqueuedAt)
	log.Warn().Str("lane", ls.name).Str("task_id", record.id).Dur("wait", wait).Int("queue_pos", pos).Msg("Task waiting longer than expected")
	if record.options.OnWait != nil {
		record.options.OnWait(wait, pos)
	}
}

// GetQueueSize returns the number of queued tasks for a lane
func (cq *CommandQueue) GetQueueSize(lane string) int {
	ls := cq.lane(lane)
	if ls == nil {
		return 0
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return len(ls.queue)
}

// GetRunningCount returns the number of currently executing tasks for a lane
func (cq *CommandQueue) GetRunningCount(lane string) int {
	ls := cq.lane(lane)
	if ls == nil {
		return 0
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.running
}

func (cq *CommandQueue) lane(name string) *laneState {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	return cq.lanes[name]
}

// LaneCount returns the number of lanes currently held, pinned or busy.
func (cq *CommandQueue) LaneCount() int {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	return len(cq.lanes)
}

// Stats sums queued and running tasks over all lanes.
func (cq *CommandQueue) Stats() (queued, running int) {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	for _, ls := range cq.lanes {
		ls.mu.Lock()
		queued += len(ls.queue)
		running += ls.running
		ls.mu.Unlock()
	}
	return queued, running
}

// WaitForActive waits until no task is queued or running, or timeout passes.
func (cq *CommandQueue) WaitForActive(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		if q, r := cq.Stats(); q == 0 && r == 0 {
			return true
		}
		if time.Now().After(deadline) {
			log.Warn().Dur("timeout", timeout).Msg("Timeout waiting for active tasks")
			return false
		}
		<-ticker.C
	}
}

// Close rejects new tasks, cancels running ones and waits for them.
func (cq *CommandQueue) Close() error {
	if !cq.closed.CompareAndSwap(false, true) {
		return nil
	}
	cq.cancel()
	cq.wg.Wait()
	return nil
}
