package shell

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"probeflow/internal/domain"
)

func requireSh(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestRunner_PayloadFromLastLine(t *testing.T) {
	requireSh(t)
	r := Runner{Command: "sh", Args: []string{"-c", `echo "scanning {{type}}"; echo '{"score":88,"vulnerabilities":[]}'`}}

	out, err := r.Run(context.Background(), domain.Task{ID: "tsk_1", Type: domain.TypeSecurity})
	require.NoError(t, err)
	assert.JSONEq(t, `{"score":88,"vulnerabilities":[]}`, string(out.Payload))
	assert.Contains(t, out.Log, "scanning security")
}

func TestRunner_TargetOverride(t *testing.T) {
	requireSh(t)
	r := Runner{Command: "sh", Args: []string{"-c", `echo "$PROBE_TARGET {{target}}"`}, Target: "https://localhost:8443"}

	out, err := r.Run(context.Background(), domain.Task{Type: domain.TypeHealth, Options: domain.Options{Target: "https://example.test"}})
	require.NoError(t, err)
	assert.Equal(t, "https://example.test https://example.test\n", out.Log)
	assert.Nil(t, out.Payload)
}

func TestRunner_NonZeroExit(t *testing.T) {
	requireSh(t)
	r := Runner{Command: "sh", Args: []string{"-c", "echo broken >&2; exit 3"}}

	out, err := r.Run(context.Background(), domain.Task{Type: domain.TypeContent})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
	assert.Contains(t, out.Log, "broken")
}

func TestRunner_KilledOnCancel(t *testing.T) {
	requireSh(t)
	r := Runner{Command: "sh", Args: []string{"-c", "sleep 10"}}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := r.Run(ctx, domain.Task{Type: domain.TypeVisual})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRunner_CommandRequired(t *testing.T) {
	_, err := Runner{}.Run(context.Background(), domain.Task{})
	require.Error(t, err)
}

func TestExtractPayload(t *testing.T) {
	assert.Nil(t, extractPayload(nil))
	assert.Nil(t, extractPayload([]byte("plain text\n")))
	assert.JSONEq(t, `[1,2]`, string(extractPayload([]byte(" [1,2] \n"))))
	assert.JSONEq(t, `{"a":1}`, string(extractPayload([]byte("log line\n{\"a\":1}\n\n"))))
}
