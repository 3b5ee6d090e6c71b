package shell

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"probeflow/internal/domain"
)

// Runner invokes an external check command, e.g. `node automation.js security`.
// Args may contain the placeholders {{type}}, {{id}} and {{target}}.
type Runner struct {
	Command string
	Args    []string
	Dir     string
	Target  string
}

func (r Runner) Run(ctx context.Context, t domain.Task) (domain.Output, error) {
	if r.Command == "" {
		return domain.Output{}, fmt.Errorf("command is required")
	}
	target := r.Target
	if t.Options.Target != "" {
		target = t.Options.Target
	}
	repl := strings.NewReplacer("{{type}}", string(t.Type), "{{id}}", t.ID, "{{target}}", target)
	args := make([]string, len(r.Args))
	for i, a := range r.Args {
		args[i] = repl.Replace(a)
	}

	var stdout, combined bytes.Buffer
	cmd := exec.CommandContext(ctx, r.Command, args...)
	cmd.Dir = r.Dir
	cmd.Env = append(os.Environ(),
		"PROBE_TYPE="+string(t.Type),
		"PROBE_TASK_ID="+t.ID,
		"PROBE_TARGET="+target,
	)
	cmd.Stdout = io.MultiWriter(&stdout, &combined)
	cmd.Stderr = &combined
	cmd.WaitDelay = 2 * time.Second

	err := cmd.Run()
	out := domain.Output{Payload: extractPayload(stdout.Bytes()), Log: combined.String()}
	if err != nil {
		return out, fmt.Errorf("shell error: %v; out=%s", err, tail(out.Log, 512))
	}
	return out, nil
}

// extractPayload picks the machine-readable result: the last non-empty stdout
// line when it is a JSON object, otherwise the whole stdout when it is JSON.
func extractPayload(stdout []byte) json.RawMessage {
	trimmed := bytes.TrimSpace(stdout)
	if len(trimmed) == 0 {
		return nil
	}
	lines := bytes.Split(trimmed, []byte("\n"))
	last := bytes.TrimSpace(lines[len(lines)-1])
	if len(last) > 0 && last[0] == '{' && json.Valid(last) {
		return json.RawMessage(last)
	}
	if json.Valid(trimmed) {
		return json.RawMessage(trimmed)
	}
	return nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
