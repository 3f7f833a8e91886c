package scheduler

import (
	"container/heap"
)

// jobQueue implements heap.Interface over jobs. The ordering is supplied by
// less so the same type backs both the ready queue (priority, then
// insertion order) and the delayed queue (visibility time).
type jobQueue struct {
	jobs []*Job
	less func(a, b *Job) bool
}

func newReadyQueue() *jobQueue {
	q := &jobQueue{less: byPriority}
	heap.Init(q)
	return q
}

func newDelayedQueue() *jobQueue {
	q := &jobQueue{less: byRunAt}
	heap.Init(q)
	return q
}

// byPriority orders by numeric priority (1 first), then by the sequence
// number assigned when the job entered the queue.
func byPriority(a, b *Job) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.seq < b.seq
}

func byRunAt(a, b *Job) bool {
	if !a.RunAt.Equal(b.RunAt) {
		return a.RunAt.Before(b.RunAt)
	}
	return a.seq < b.seq
}

// Len returns the length of the queue
func (q *jobQueue) Len() int { return len(q.jobs) }

func (q *jobQueue) Less(i, j int) bool { return q.less(q.jobs[i], q.jobs[j]) }

func (q *jobQueue) Swap(i, j int) {
	q.jobs[i], q.jobs[j] = q.jobs[j], q.jobs[i]
	q.jobs[i].index = i
	q.jobs[j].index = j
}

// Push adds a job to the queue
func (q *jobQueue) Push(x interface{}) {
	job := x.(*Job)
	job.index = len(q.jobs)
	q.jobs = append(q.jobs, job)
}

// Pop removes and returns the last job; use heap.Pop for the head
func (q *jobQueue) Pop() interface{} {
	old := q.jobs
	n := len(old)
	if n == 0 {
		return nil
	}
	job := old[n-1]
	old[n-1] = nil
	job.index = -1
	q.jobs = old[:n-1]
	return job
}

func (q *jobQueue) peek() *Job {
	if len(q.jobs) == 0 {
		return nil
	}
	return q.jobs[0]
}

// remove takes job out of the queue if it is queued here.
func (q *jobQueue) remove(job *Job) bool {
	if job.index < 0 || job.index >= len(q.jobs) || q.jobs[job.index] != job {
		return false
	}
	heap.Remove(q, job.index)
	return true
}
