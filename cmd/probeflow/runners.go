package main

import (
	"github.com/rs/zerolog/log"

	"probeflow/internal/backend"
	"probeflow/internal/config"
	"probeflow/internal/domain"
	"probeflow/internal/handlers/composite"
	httprunner "probeflow/internal/handlers/http"
	"probeflow/internal/handlers/shell"
)

// registerRunners turns the runner table into backend runners. The "all" type
// is always the composite of every configured check.
func registerRunners(be *backend.Backend, cfg *config.Config) {
	var steps []composite.Step

	for _, t := range domain.ProbeTypes {
		rc, ok := cfg.Runners[t]
		if !ok {
			log.Warn().Str("task_type", string(t)).Msg("no runner configured")
			continue
		}
		var r backend.Runner
		switch rc.Kind {
		case "http":
			url := rc.URL
			if url == "" {
				url = cfg.Target("health")
			}
			r = httprunner.Runner{
				URL:                url,
				Method:             rc.Method,
				Headers:            rc.Headers,
				InsecureSkipVerify: rc.InsecureSkipVerify,
				Client:             httprunner.NewClient(rc.InsecureSkipVerify),
			}
		default:
			r = shell.Runner{Command: rc.Command, Args: rc.Args, Dir: rc.Dir, Target: cfg.Target("local")}
		}
		be.Register(t, r)
		steps = append(steps, composite.Step{Type: t, Runner: r})
		log.Debug().Str("task_type", string(t)).Str("kind", rc.Kind).Msg("runner registered")
	}

	be.Register(domain.TypeAll, composite.Suite{Steps: steps})
}
