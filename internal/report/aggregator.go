package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"probeflow/internal/domain"
	"probeflow/internal/store"
)

// Placeholder stands in for a status field the latest payload did not carry.
const Placeholder = "N/A"

type Store interface {
	Append(ctx context.Context, r domain.Result) error
	Latest(ctx context.Context, t domain.TaskType) (domain.Result, error)
	Types(ctx context.Context) ([]domain.TaskType, error)
	All(ctx context.Context) ([]domain.Result, error)
}

// field names the payload keys surfaced per task type.
var fields = map[domain.TaskType][]string{
	domain.TypeHealth:      {"status", "responseTime"},
	domain.TypePerformance: {"score", "loadTime"},
	domain.TypeSecurity:    {"score", "vulnerabilities"},
	domain.TypeContent:     {"contentScore", "seoOptimized"},
	domain.TypeVisual:      {"diffPercentage", "baselineMatch"},
	domain.TypeAll:         {"passed", "failed"},
}

type Summary struct {
	TaskID    string         `json:"task_id"`
	Success   bool           `json:"success"`
	Error     string         `json:"error,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Fields    map[string]any `json:"fields"`
}

type Report struct {
	GeneratedAt time.Time                           `json:"generated_at"`
	Types       []domain.TaskType                   `json:"types"`
	Reports     map[domain.TaskType][]domain.Result `json:"reports"`
}

// Aggregator derives status views from the result log on every call; it keeps no state of its own.
type Aggregator struct {
	store Store
	now   func() time.Time
}

func NewAggregator(s Store) *Aggregator {
	return &Aggregator{store: s, now: time.Now}
}

func (a *Aggregator) Record(ctx context.Context, r domain.Result) error {
	if len(r.Output) > 0 && !json.Valid(r.Output) {
		r.Output, _ = json.Marshal(string(r.Output))
	}
	if err := a.store.Append(ctx, r); err != nil {
		return fmt.Errorf("record %s result for %s: %w", r.Type, r.TaskID, err)
	}
	return nil
}

// LatestStatus summarizes the most recent result of every type that has one.
func (a *Aggregator) LatestStatus(ctx context.Context) (map[domain.TaskType]Summary, error) {
	types, err := a.store.Types(ctx)
	if err != nil {
		return nil, fmt.Errorf("list result types: %w", err)
	}
	out := make(map[domain.TaskType]Summary, len(types))
	for _, t := range types {
		r, err := a.store.Latest(ctx, t)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("latest %s result: %w", t, err)
		}
		out[t] = summarize(r)
	}
	return out, nil
}

func summarize(r domain.Result) Summary {
	s := Summary{TaskID: r.TaskID, Success: r.Success, Error: r.Error, Timestamp: r.Timestamp, Fields: map[string]any{}}

	var payload map[string]any
	if len(r.Output) > 0 {
		_ = json.Unmarshal(r.Output, &payload)
	}
	for _, name := range fields[r.Type] {
		v, ok := payload[name]
		if !ok || v == nil {
			s.Fields[name] = Placeholder
			continue
		}
		if list, isList := v.([]any); isList && name == "vulnerabilities" {
			v = len(list)
		}
		s.Fields[name] = v
	}
	return s
}

// CompileReport groups the whole result log by type, newest first.
func (a *Aggregator) CompileReport(ctx context.Context) (Report, error) {
	results, err := a.store.All(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("load results: %w", err)
	}
	rep := Report{
		GeneratedAt: a.now().UTC(),
		Types:       []domain.TaskType{},
		Reports:     make(map[domain.TaskType][]domain.Result),
	}
	for _, r := range results {
		if _, ok := rep.Reports[r.Type]; !ok {
			rep.Types = append(rep.Types, r.Type)
		}
		rep.Reports[r.Type] = append(rep.Reports[r.Type], r)
	}
	sort.Slice(rep.Types, func(i, j int) bool { return rep.Types[i] < rep.Types[j] })
	for _, group := range rep.Reports {
		sort.SliceStable(group, func(i, j int) bool { return group[i].Timestamp.After(group[j].Timestamp) })
	}
	return rep, nil
}
