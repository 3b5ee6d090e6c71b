package events

import (
	"fmt"
	"sync"
	"time"

	"probeflow/internal/domain"
)

type Type string

const (
	TaskQueued    Type = "task_queued"
	TaskStarted   Type = "task_started"
	TaskCompleted Type = "task_completed"
	TaskFailed    Type = "task_failed"
	TaskRetrying  Type = "task_retrying"
	TasksStopped  Type = "tasks_stopped"
)

// Event is one lifecycle transition. Result is set on TaskCompleted and TaskFailed.
type Event struct {
	Type      Type
	TaskID    string
	TaskType  domain.TaskType
	Attempt   int
	Message   string
	Result    *domain.Result
	Timestamp time.Time
}

// Line renders the event the way the control channel shows it.
func (e Event) Line() string {
	switch e.Type {
	case TaskQueued:
		return fmt.Sprintf("queued %s task %s", e.TaskType, e.TaskID)
	case TaskStarted:
		return fmt.Sprintf("started %s task %s (attempt %d)", e.TaskType, e.TaskID, e.Attempt)
	case TaskCompleted:
		return fmt.Sprintf("completed %s task %s", e.TaskType, e.TaskID)
	case TaskFailed:
		return fmt.Sprintf("failed %s task %s: %s", e.TaskType, e.TaskID, e.Message)
	case TaskRetrying:
		return fmt.Sprintf("retrying %s task %s (attempt %d): %s", e.TaskType, e.TaskID, e.Attempt, e.Message)
	case TasksStopped:
		return e.Message
	}
	return string(e.Type)
}

// Bus fans lifecycle events out to channel subscribers.
// Publish never blocks: a subscriber whose buffer is full misses the event.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	next   int
	buffer int
	closed bool
}

func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 100
	}
	return &Bus{subs: make(map[int]chan Event), buffer: buffer}
}

// Subscribe returns a receive channel and a function that unsubscribes and closes it.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.next
	b.next++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Close closes every subscriber channel. Later subscriptions receive a closed channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}
