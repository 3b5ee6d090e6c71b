package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"probeflow/internal/domain"
)

type Enqueuer interface {
	Enqueue(tt domain.TaskType, opts domain.Options) (string, error)
}

// Entry describes one registered periodic job.
type Entry struct {
	Type     domain.TaskType `json:"type"`
	Spec     string          `json:"spec"`
	Priority int             `json:"priority"`
	Next     time.Time       `json:"next_run"`
	Prev     time.Time       `json:"prev_run,omitempty"`
}

// Service enqueues every enabled task type on its own interval or cron expression.
type Service struct {
	enq   Enqueuer
	table map[domain.TaskType]domain.ScheduleEntry
	cron  *cron.Cron

	mu  sync.Mutex
	ids map[domain.TaskType]cron.EntryID
}

func NewService(enq Enqueuer, table map[domain.TaskType]domain.ScheduleEntry) *Service {
	return &Service{
		enq:   enq,
		table: table,
		cron:  cron.New(cron.WithChain(cron.Recover(cronLogger{}))),
		ids:   make(map[domain.TaskType]cron.EntryID),
	}
}

// Start registers the jobs and runs them until ctx is done.
func (s *Service) Start(ctx context.Context) error {
	s.register()
	s.cron.Start()
	log.Info().Int("jobs", len(s.cron.Entries())).Msg("schedule service started")

	<-ctx.Done()
	<-s.cron.Stop().Done()
	log.Info().Msg("schedule service stopped")
	return nil
}

func (s *Service) register() {
	s.mu.Lock()
	defer s.mu.Unlock()

	types := make([]domain.TaskType, 0, len(s.table))
	for t := range s.table {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

	for _, t := range types {
		e := s.table[t]
		if !e.Enabled {
			log.Info().Str("task_type", string(t)).Msg("schedule disabled")
			continue
		}
		sched, spec, err := scheduleFor(e)
		if err != nil {
			log.Error().Err(err).Str("task_type", string(t)).Str("cron_expr", e.Cron).Msg("invalid cron expression")
			continue
		}
		id := s.cron.Schedule(sched, s.job(t, e.Priority))
		s.ids[t] = id
		log.Info().Str("task_type", string(t)).Str("spec", spec).Int("priority", e.Priority).Msg("schedule registered")
	}
}

func scheduleFor(e domain.ScheduleEntry) (cron.Schedule, string, error) {
	if e.Cron != "" {
		sched, err := cron.ParseStandard(e.Cron)
		if err != nil {
			return nil, "", err
		}
		return sched, e.Cron, nil
	}
	if e.IntervalSeconds <= 0 {
		return nil, "", fmt.Errorf("interval %ds must be positive", e.IntervalSeconds)
	}
	return cron.Every(e.Interval()), "@every " + e.Interval().String(), nil
}

func (s *Service) job(t domain.TaskType, priority int) cron.FuncJob {
	return func() {
		p := priority
		id, err := s.enq.Enqueue(t, domain.Options{Priority: &p})
		if err != nil {
			log.Error().Err(err).Str("task_type", string(t)).Msg("failed to enqueue scheduled task")
			return
		}
		log.Info().Str("task_type", string(t)).Str("task_id", id).Msg("scheduled task enqueued")
	}
}

// Entries lists the registered jobs ordered by type.
func (s *Service) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, 0, len(s.ids))
	for t, id := range s.ids {
		ce := s.cron.Entry(id)
		e := s.table[t]
		_, spec, _ := scheduleFor(e)
		out = append(out, Entry{Type: t, Spec: spec, Priority: e.Priority, Next: ce.Next, Prev: ce.Prev})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// ValidateCronExpression validates a cron expression
func ValidateCronExpression(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}

// NextRunTime calculates the next run time for a cron expression
func NextRunTime(expr string, from time.Time) (time.Time, error) {
	cronSchedule, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, err
	}
	return cronSchedule.Next(from), nil
}

// cronLogger routes cron's own messages into zerolog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	log.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	log.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
