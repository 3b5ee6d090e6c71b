package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

type TaskType string

const (
	TypeHealth      TaskType = "health"
	TypeSecurity    TaskType = "security"
	TypePerformance TaskType = "performance"
	TypeContent     TaskType = "content"
	TypeVisual      TaskType = "visual"
	TypeAll         TaskType = "all"
)

// ProbeTypes are the concrete probe kinds, in the order the composite suite runs them.
var ProbeTypes = []TaskType{TypeHealth, TypeSecurity, TypePerformance, TypeContent, TypeVisual}

func (t TaskType) Valid() bool {
	if t == TypeAll {
		return true
	}
	for _, p := range ProbeTypes {
		if t == p {
			return true
		}
	}
	return false
}

func ParseTaskType(s string) (TaskType, error) {
	t := TaskType(s)
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownTaskType, s)
	}
	return t, nil
}

const (
	DefaultPriority   = 5
	DefaultMaxRetries = 3
	DefaultTimeout    = 300 * time.Second
)

// Options carries per-task overrides. Nil fields fall back to orchestrator defaults.
type Options struct {
	Priority   *int   `json:"priority,omitempty" yaml:"priority,omitempty"`
	TimeoutMs  *int64 `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	MaxRetries *int   `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	Target     string `json:"target,omitempty" yaml:"target,omitempty"`
}

func (o Options) Timeout(def time.Duration) time.Duration {
	if o.TimeoutMs != nil && *o.TimeoutMs > 0 {
		return time.Duration(*o.TimeoutMs) * time.Millisecond
	}
	return def
}

type Task struct {
	ID         string    `json:"id"`
	Type       TaskType  `json:"type"`
	Options    Options   `json:"options"`
	Priority   int       `json:"priority"`
	RetryCount int       `json:"retry_count"`
	MaxRetries int       `json:"max_retries"`
	CreatedAt  time.Time `json:"created_at"`
}

// CanRetry reports whether another attempt is allowed after a failure.
func (t Task) CanRetry() bool { return t.RetryCount < t.MaxRetries }

// Output is what a runner hands back: the machine-readable payload and the raw text it printed.
type Output struct {
	Payload json.RawMessage
	Log     string
}

type Result struct {
	TaskID     string          `json:"task_id"`
	Type       TaskType        `json:"type"`
	Success    bool            `json:"success"`
	Output     json.RawMessage `json:"output,omitempty"`
	Log        string          `json:"log,omitempty"`
	Error      string          `json:"error,omitempty"`
	RetryCount int             `json:"retry_count"`
	DurationMs int64           `json:"duration_ms"`
	Timestamp  time.Time       `json:"timestamp"`
}

type ScheduleEntry struct {
	IntervalSeconds int    `json:"interval_seconds" yaml:"interval_seconds"`
	Enabled         bool   `json:"enabled" yaml:"enabled"`
	Priority        int    `json:"priority" yaml:"priority"`
	Cron            string `json:"cron,omitempty" yaml:"cron,omitempty"`
}

func (e ScheduleEntry) Interval() time.Duration {
	return time.Duration(e.IntervalSeconds) * time.Second
}

// DefaultSchedule is used when the configuration carries no usable schedule table.
func DefaultSchedule() map[TaskType]ScheduleEntry {
	return map[TaskType]ScheduleEntry{
		TypeHealth:      {IntervalSeconds: 300, Enabled: true, Priority: 1},
		TypeSecurity:    {IntervalSeconds: 3600, Enabled: true, Priority: 2},
		TypePerformance: {IntervalSeconds: 1800, Enabled: true, Priority: 3},
		TypeContent:     {IntervalSeconds: 7200, Enabled: true, Priority: 4},
		TypeVisual:      {IntervalSeconds: 86400, Enabled: true, Priority: 5},
	}
}
