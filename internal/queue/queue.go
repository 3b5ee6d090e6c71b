package queue

import (
	"probeflow/internal/domain"
)

// Queue holds pending tasks ordered by priority ascending, then creation time.
// It is not safe for concurrent use; the orchestrator serializes access.
type Queue struct {
	tasks []domain.Task
	max   int
}

// New returns an empty queue. max <= 0 means unbounded.
func New(max int) *Queue {
	return &Queue{max: max}
}

// Push inserts a fresh task behind every queued task of equal or higher
// priority that was created no later than it.
func (q *Queue) Push(t domain.Task) error {
	if q.max > 0 && len(q.tasks) >= q.max {
		return domain.ErrQueueFull
	}
	i := len(q.tasks)
	for i > 0 {
		prev := q.tasks[i-1]
		if prev.Priority < t.Priority || (prev.Priority == t.Priority && !t.CreatedAt.Before(prev.CreatedAt)) {
			break
		}
		i--
	}
	q.insert(i, t)
	return nil
}

// PushFront puts a task ahead of every queued task of the same or lower
// priority. Used for retries, which are admitted even when the queue is full.
func (q *Queue) PushFront(t domain.Task) {
	i := 0
	for i < len(q.tasks) && q.tasks[i].Priority < t.Priority {
		i++
	}
	q.insert(i, t)
}

func (q *Queue) insert(i int, t domain.Task) {
	q.tasks = append(q.tasks, domain.Task{})
	copy(q.tasks[i+1:], q.tasks[i:])
	q.tasks[i] = t
}

func (q *Queue) Pop() (domain.Task, bool) {
	if len(q.tasks) == 0 {
		return domain.Task{}, false
	}
	t := q.tasks[0]
	q.tasks[0] = domain.Task{}
	q.tasks = q.tasks[1:]
	return t, true
}

func (q *Queue) Len() int { return len(q.tasks) }

// Clear drops every queued task and returns how many were dropped.
func (q *Queue) Clear() int {
	n := len(q.tasks)
	q.tasks = nil
	return n
}

// Tasks returns a copy of the queue in dispatch order.
func (q *Queue) Tasks() []domain.Task {
	out := make([]domain.Task, len(q.tasks))
	copy(out, q.tasks)
	return out
}
