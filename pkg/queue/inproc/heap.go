package inproc

import "github.com/dmitrymomot/jobqueue/pkg/queue"

// jobHeap is a container/heap of jobs ordered by less.
type jobHeap struct {
	less func(a, b queue.Job) bool
	jobs []queue.Job
}

func (h *jobHeap) Len() int           { return len(h.jobs) }
func (h *jobHeap) Less(i, j int) bool { return h.less(h.jobs[i], h.jobs[j]) }
func (h *jobHeap) Swap(i, j int)      { h.jobs[i], h.jobs[j] = h.jobs[j], h.jobs[i] }
func (h *jobHeap) Push(x any)         { h.jobs = append(h.jobs, x.(queue.Job)) }

func (h *jobHeap) Pop() any {
	n := len(h.jobs)
	job := h.jobs[n-1]
	h.jobs[n-1] = queue.Job{}
	h.jobs = h.jobs[:n-1]
	return job
}

func (h *jobHeap) peek() queue.Job { return h.jobs[0] }

func orderFor(m queue.Mode) func(a, b queue.Job) bool {
	if m == queue.ModePriority {
		return byPriority
	}
	return byArrival
}

func byArrival(a, b queue.Job) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.RequestID < b.RequestID
}

func byPriority(a, b queue.Job) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return byArrival(a, b)
}

func byNotBefore(a, b queue.Job) bool {
	if !a.NotBefore.Equal(b.NotBefore) {
		return a.NotBefore.Before(b.NotBefore)
	}
	return byArrival(a, b)
}
