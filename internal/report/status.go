package report

import (
	"context"

	"probeflow/internal/domain"
	"probeflow/internal/orchestrator"
)

type Snapshotter interface {
	Snapshot() orchestrator.Snapshot
}

// Status is the combined live view: queue contents, occupied slots and the
// latest summary per task type.
type Status struct {
	Queued  []domain.Task               `json:"queued"`
	Running []domain.Task               `json:"running"`
	Latest  map[domain.TaskType]Summary `json:"latest"`
}

func (a *Aggregator) Status(ctx context.Context, orch Snapshotter) (Status, error) {
	latest, err := a.LatestStatus(ctx)
	if err != nil {
		return Status{}, err
	}
	snap := orch.Snapshot()
	return Status{Queued: snap.Queued, Running: snap.Running, Latest: latest}, nil
}
