package queue

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/decloud-network/decloud-node/internal/utils"
)

// Job is a delayed task. Delivery is at-least-once after FireAt; a job that
// was cancelled may still fire if the cancel raced the dispatch, so handlers
// must detect staleness themselves.
type Job struct {
	ID         string
	Key        string
	Payload    []byte
	FireAt     time.Time
	Deliveries int
}

// Handler consumes a fired job. A non-nil error triggers redelivery until
// the delivery limit is reached.
type Handler func(job *Job) error

type jobHeap []*Job

func (h jobHeap) Len() int            { return len(h) }
func (h jobHeap) Less(i, j int) bool  { return h[i].FireAt.Before(h[j].FireAt) }
func (h jobHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *jobHeap) Push(x interface{}) { *h = append(*h, x.(*Job)) }
func (h *jobHeap) Pop() interface{} {
	old := *h
	n := len(old)
	job := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return job
}

// DelayedQueue schedules jobs to fire after a delay and hands them to a
// worker pool. Cancellation is best-effort: a job already dispatched to a
// worker cannot be recalled.
type DelayedQueue struct {
	ctx             context.Context
	cancel          context.CancelFunc
	mu              sync.Mutex
	pending         jobHeap
	cancelled       map[string]bool
	wake            chan struct{}
	pool            *WorkerPool
	handler         Handler
	logger          *utils.LogsManager
	now             func() time.Time
	maxDeliveries   int
	redeliveryDelay time.Duration
	wg              sync.WaitGroup
}

// NewDelayedQueue creates a delayed queue consuming with the given handler
func NewDelayedQueue(ctx context.Context, cm *utils.ConfigManager, logger *utils.LogsManager, handler Handler) *DelayedQueue {
	queueCtx, cancel := context.WithCancel(ctx)

	numWorkers := cm.GetConfigInt("queue_workers", 4, 1, 64)

	dq := &DelayedQueue{
		ctx:             queueCtx,
		cancel:          cancel,
		cancelled:       make(map[string]bool),
		wake:            make(chan struct{}, 1),
		pool:            NewWorkerPool(queueCtx, numWorkers, logger),
		handler:         handler,
		logger:          logger,
		now:             time.Now,
		maxDeliveries:   cm.GetConfigInt("queue_max_deliveries", 3, 1, 100),
		redeliveryDelay: cm.GetConfigDuration("queue_redelivery_delay", 10*time.Second),
	}

	heap.Init(&dq.pending)
	return dq
}

// SetNowFunc overrides the clock, used by tests
func (dq *DelayedQueue) SetNowFunc(now func() time.Time) {
	dq.now = now
}

// Start launches the worker pool and the scheduler loop
func (dq *DelayedQueue) Start() {
	dq.pool.Start()
	dq.wg.Add(1)
	go dq.schedulerLoop()
}

// Stop shuts the queue down and waits for in-flight handlers
func (dq *DelayedQueue) Stop() {
	dq.cancel()
	dq.wg.Wait()
	dq.pool.Stop()
}

// Enqueue schedules a job to fire after delay and returns its handle
func (dq *DelayedQueue) Enqueue(key string, payload []byte, delay time.Duration) string {
	job := &Job{
		ID:      uuid.NewString(),
		Key:     key,
		Payload: payload,
		FireAt:  dq.now().Add(delay),
	}
	return dq.enqueueJob(job)
}

// EnqueueWithID schedules a job under a caller-chosen handle, used to
// restore persisted jobs after a restart
func (dq *DelayedQueue) EnqueueWithID(jobID, key string, payload []byte, delay time.Duration) string {
	job := &Job{
		ID:      jobID,
		Key:     key,
		Payload: payload,
		FireAt:  dq.now().Add(delay),
	}
	return dq.enqueueJob(job)
}

func (dq *DelayedQueue) enqueueJob(job *Job) string {
	dq.mu.Lock()
	heap.Push(&dq.pending, job)
	dq.mu.Unlock()

	select {
	case dq.wake <- struct{}{}:
	default:
	}
	return job.ID
}

// Cancel marks a job cancelled. Best-effort: returns false if the job is
// unknown or already dispatched, in which case it may still fire.
func (dq *DelayedQueue) Cancel(jobID string) bool {
	dq.mu.Lock()
	defer dq.mu.Unlock()

	for _, job := range dq.pending {
		if job.ID == jobID {
			dq.cancelled[jobID] = true
			return true
		}
	}
	return false
}

// PendingCount returns the number of scheduled (not yet fired) jobs
func (dq *DelayedQueue) PendingCount() int {
	dq.mu.Lock()
	defer dq.mu.Unlock()
	return len(dq.pending)
}

func (dq *DelayedQueue) schedulerLoop() {
	defer dq.wg.Done()

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		dq.dispatchDue()

		dq.mu.Lock()
		var wait time.Duration
		if len(dq.pending) == 0 {
			wait = time.Hour
		} else {
			wait = dq.pending[0].FireAt.Sub(dq.now())
			if wait < 0 {
				wait = 0
			}
		}
		dq.mu.Unlock()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-timer.C:
		case <-dq.wake:
		case <-dq.ctx.Done():
			return
		}
	}
}

// dispatchDue pops every due job and submits it to the worker pool
func (dq *DelayedQueue) dispatchDue() {
	for {
		dq.mu.Lock()
		if len(dq.pending) == 0 || dq.pending[0].FireAt.After(dq.now()) {
			dq.mu.Unlock()
			return
		}
		job := heap.Pop(&dq.pending).(*Job)
		if dq.cancelled[job.ID] {
			delete(dq.cancelled, job.ID)
			dq.mu.Unlock()
			continue
		}
		dq.mu.Unlock()

		job.Deliveries++
		if err := dq.pool.Submit(func() { dq.deliver(job) }); err != nil {
			// Pool is shutting down
			return
		}
	}
}

// deliver runs the handler and either acks (drops) the job or requeues it
// for redelivery under the bounded retry policy
func (dq *DelayedQueue) deliver(job *Job) {
	err := dq.handler(job)
	if err == nil {
		return
	}

	if job.Deliveries >= dq.maxDeliveries {
		dq.logger.Error(fmt.Sprintf("Job %s (%s) failed after %d deliveries, dropping: %v",
			job.ID, job.Key, job.Deliveries, err), "queue")
		return
	}

	dq.logger.Warn(fmt.Sprintf("Job %s (%s) failed (delivery %d), requeueing: %v",
		job.ID, job.Key, job.Deliveries, err), "queue")

	job.FireAt = dq.now().Add(dq.redeliveryDelay)
	dq.enqueueJob(job)
}
