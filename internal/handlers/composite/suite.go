package composite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"probeflow/internal/backend"
	"probeflow/internal/domain"
)

type Step struct {
	Type   domain.TaskType
	Runner backend.Runner
}

// Suite runs every step in order inside one task slot. It fails if any step fails.
type Suite struct {
	Steps []Step
}

type summary struct {
	Passed  int                                 `json:"passed"`
	Failed  int                                 `json:"failed"`
	Results map[domain.TaskType]json.RawMessage `json:"results"`
	Errors  map[domain.TaskType]string          `json:"errors,omitempty"`
}

func (s Suite) Run(ctx context.Context, t domain.Task) (domain.Output, error) {
	sum := summary{Results: make(map[domain.TaskType]json.RawMessage, len(s.Steps))}
	var logs strings.Builder
	var errs []error

	for _, step := range s.Steps {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		sub := t
		sub.Type = step.Type
		out, err := step.Runner.Run(ctx, sub)

		fmt.Fprintf(&logs, "== %s ==\n%s", step.Type, out.Log)
		if len(out.Payload) > 0 {
			sum.Results[step.Type] = out.Payload
		} else {
			sum.Results[step.Type] = json.RawMessage("null")
		}
		if err != nil {
			sum.Failed++
			if sum.Errors == nil {
				sum.Errors = make(map[domain.TaskType]string)
			}
			sum.Errors[step.Type] = err.Error()
			errs = append(errs, fmt.Errorf("%s: %w", step.Type, err))
			continue
		}
		sum.Passed++
	}

	payload, err := json.Marshal(sum)
	if err != nil {
		return domain.Output{Log: logs.String()}, err
	}
	return domain.Output{Payload: payload, Log: logs.String()}, errors.Join(errs...)
}
