package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"probeflow/internal/backend"
	"probeflow/internal/config"
	"probeflow/internal/domain"
	"probeflow/internal/handlers/composite"
	httprunner "probeflow/internal/handlers/http"
	"probeflow/internal/handlers/shell"
)

func newBackend(cfg *config.Config) *backend.Backend {
	be := backend.New(nil, 0, "")
	registerRunners(be, cfg)
	return be
}

func TestRegisterRunners_Defaults(t *testing.T) {
	be := newBackend(config.Default())

	r, ok := be.Runner(domain.TypeHealth)
	require.True(t, ok)
	h, ok := r.(httprunner.Runner)
	require.True(t, ok)
	assert.Equal(t, "https://localhost:8443/health", h.URL)
	assert.True(t, h.InsecureSkipVerify)
	assert.NotNil(t, h.Client)

	r, ok = be.Runner(domain.TypeSecurity)
	require.True(t, ok)
	sec, ok := r.(shell.Runner)
	require.True(t, ok)
	assert.Equal(t, "node", sec.Command)
	assert.Equal(t, "https://localhost:8443", sec.Target)

	r, ok = be.Runner(domain.TypeAll)
	require.True(t, ok)
	all, ok := r.(composite.Suite)
	require.True(t, ok)
	require.Len(t, all.Steps, len(domain.ProbeTypes))
	assert.Equal(t, domain.TypeHealth, all.Steps[0].Type)
}

func TestRegisterRunners_PartialTable(t *testing.T) {
	cfg := config.Default()
	cfg.Runners = map[domain.TaskType]config.RunnerConfig{
		domain.TypeHealth: {Kind: "http"},
		domain.TypeVisual: {Kind: "command", Command: "true"},
	}
	cfg.Targets["health"] = "http://example.test/up"

	be := newBackend(cfg)
	_, ok := be.Runner(domain.TypeSecurity)
	assert.False(t, ok)

	r, ok := be.Runner(domain.TypeHealth)
	require.True(t, ok)
	assert.Equal(t, "http://example.test/up", r.(httprunner.Runner).URL)

	r, ok = be.Runner(domain.TypeAll)
	require.True(t, ok)
	all := r.(composite.Suite)
	require.Len(t, all.Steps, 2)
	assert.Equal(t, domain.TypeVisual, all.Steps[1].Type)
}

func TestRegisterRunners_HTTPClientBuiltOnce(t *testing.T) {
	be := newBackend(config.Default())

	r, _ := be.Runner(domain.TypeHealth)
	h := r.(httprunner.Runner)
	all, _ := be.Runner(domain.TypeAll)
	step := all.(composite.Suite).Steps[0].Runner.(httprunner.Runner)
	assert.Same(t, h.Client, step.Client)
}
