package backend

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"probeflow/internal/domain"
)

// Runner performs one probe. Implementations should honor ctx cancellation.
type Runner interface {
	Run(ctx context.Context, t domain.Task) (domain.Output, error)
}

type RunnerFunc func(ctx context.Context, t domain.Task) (domain.Output, error)

func (f RunnerFunc) Run(ctx context.Context, t domain.Task) (domain.Output, error) { return f(ctx, t) }

// DefaultGrace bounds how long a runner may take to wind down after its
// deadline. It exceeds the shell runner's WaitDelay.
const DefaultGrace = 3 * time.Second

// Backend maps task types onto runners and enforces the per-task deadline.
type Backend struct {
	runners     map[domain.TaskType]Runner
	timeout     time.Duration
	grace       time.Duration
	artifactDir string
}

// New builds a backend. An empty artifactDir disables raw output artifacts.
func New(runners map[domain.TaskType]Runner, timeout time.Duration, artifactDir string) *Backend {
	if timeout <= 0 {
		timeout = domain.DefaultTimeout
	}
	rs := make(map[domain.TaskType]Runner, len(runners))
	for k, v := range runners {
		rs[k] = v
	}
	return &Backend{runners: rs, timeout: timeout, grace: DefaultGrace, artifactDir: artifactDir}
}

// Register adds or replaces the runner for a type. Not safe once Execute is in use.
func (b *Backend) Register(t domain.TaskType, r Runner) { b.runners[t] = r }

func (b *Backend) Runner(t domain.TaskType) (Runner, bool) {
	r, ok := b.runners[t]
	return r, ok
}

type outcome struct {
	out domain.Output
	err error
}

// Execute runs t to completion or until its deadline. After the deadline the
// runner gets a grace period to return its partial output; a runner that
// ignores ctx past that is abandoned.
func (b *Backend) Execute(ctx context.Context, t domain.Task) (domain.Output, error) {
	r, ok := b.runners[t.Type]
	if !ok {
		return domain.Output{}, fmt.Errorf("%w: %s", domain.ErrUnknownTaskType, t.Type)
	}

	timeout := t.Options.Timeout(b.timeout)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		out, err := r.Run(ctx, t)
		done <- outcome{out: out, err: err}
	}()

	var o outcome
	select {
	case o = <-done:
	case <-ctx.Done():
		grace := time.NewTimer(b.grace)
		select {
		case o = <-done:
		case <-grace.C:
			o.err = ctx.Err()
			log.Warn().Str("task_id", t.ID).Dur("grace", b.grace).Msg("runner ignored cancellation, abandoned")
		}
		grace.Stop()
		if o.err == nil {
			o.err = ctx.Err()
		}
	}
	b.writeArtifact(t, o.out)

	switch {
	case o.err == nil:
		return o.out, nil
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return o.out, fmt.Errorf("%w after %s: %v", domain.ErrTaskTimeout, timeout, o.err)
	case errors.Is(o.err, domain.ErrUnknownTaskType):
		return o.out, o.err
	default:
		return o.out, fmt.Errorf("%w: %w", domain.ErrExecutionFailure, o.err)
	}
}

func (b *Backend) writeArtifact(t domain.Task, out domain.Output) {
	if b.artifactDir == "" || out.Log == "" {
		return
	}
	if err := os.MkdirAll(b.artifactDir, 0o755); err != nil {
		log.Warn().Err(err).Str("dir", b.artifactDir).Msg("create artifact dir")
		return
	}
	name := fmt.Sprintf("%s_%s_%d.log", t.Type, t.ID, t.RetryCount)
	if err := os.WriteFile(filepath.Join(b.artifactDir, name), []byte(out.Log), 0o644); err != nil {
		log.Warn().Err(err).Str("task_id", t.ID).Msg("write artifact")
	}
}
