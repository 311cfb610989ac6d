package worker

import (
	"context"
	"sync"

	"github.com/golang/groupcache/lru"

	"github.com/aceteam-ai/meshdispatch/internal/proto"
)

// terminatedLimit bounds how many abandoned job ids are remembered. Ids are
// normally forgotten once the job's final status is reported.
const terminatedLimit = 1024

// JobQueue holds jobs the broker has assigned but the application has not
// taken yet, plus the ids of jobs the broker asked to abandon. The
// communicator produces, the application consumes.
type JobQueue struct {
	mu         sync.Mutex
	cond       *sync.Cond
	jobs       []proto.Job
	terminated *lru.Cache
	closed     bool
}

// NewJobQueue creates an empty queue.
func NewJobQueue() *JobQueue {
	q := &JobQueue{terminated: lru.New(terminatedLimit)}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue appends a job and wakes one waiter. Enqueue after Close is ignored.
func (q *JobQueue) Enqueue(job proto.Job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.jobs = append(q.jobs, job)
	q.cond.Signal()
}

// TakePendingJob removes and returns the oldest job without blocking.
func (q *JobQueue) TakePendingJob() (proto.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.popLocked()
}

func (q *JobQueue) popLocked() (proto.Job, bool) {
	if len(q.jobs) == 0 {
		return proto.Job{}, false
	}
	job := q.jobs[0]
	q.jobs[0] = proto.Job{}
	q.jobs = q.jobs[1:]
	return job, true
}

// Wait blocks until a job is available and returns it. It returns
// ErrQueueClosed once the queue is closed and drained, or the context error.
func (q *JobQueue) Wait(ctx context.Context) (proto.Job, error) {
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		q.cond.Broadcast()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if job, ok := q.popLocked(); ok {
			return job, nil
		}
		if q.closed {
			return proto.Job{}, ErrQueueClosed
		}
		if err := ctx.Err(); err != nil {
			return proto.Job{}, err
		}
		q.cond.Wait()
	}
}

// Len returns the number of pending jobs.
func (q *JobQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// MarkTerminated records that the broker asked to abandon a job. A pending
// copy of the job is dropped.
func (q *JobQueue) MarkTerminated(jobID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.terminated.Add(jobID, struct{}{})
	kept := q.jobs[:0]
	for _, j := range q.jobs {
		if j.ID != jobID {
			kept = append(kept, j)
		}
	}
	q.jobs = kept
}

// IsTerminated reports whether the broker asked to abandon the job.
func (q *JobQueue) IsTerminated(jobID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.terminated.Get(jobID)
	return ok
}

// Forget drops the abandon mark for a job that has reached a final status.
func (q *JobQueue) Forget(jobID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.terminated.Remove(jobID)
}

// TerminatedCount is the number of remembered abandoned jobs.
func (q *JobQueue) TerminatedCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.terminated.Len()
}

// Close releases every waiter. Jobs already queued can still be taken.
func (q *JobQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}
