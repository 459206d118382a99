package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Runner executes task payloads through per-type executor commands. The
// payload is opaque to the agent: it goes to the executor's stdin untouched,
// and whatever the executor writes to stdout is reported as the result.
type Runner struct {
	executors map[string]string
	timeout   time.Duration
}

func NewRunner(executors map[string]string) *Runner {
	return &Runner{
		executors: executors,
		timeout:   10 * time.Minute,
	}
}

// Run dispatches the payload to the executor configured for agentType.
func (r *Runner) Run(agentType string, payload json.RawMessage) ([]byte, error) {
	command, ok := r.executors[agentType]
	if !ok {
		return nil, fmt.Errorf("no executor configured for agent type %q", agentType)
	}

	parts := strings.Fields(command)
	if len(parts) == 0 {
		return nil, fmt.Errorf("empty executor command for agent type %q", agentType)
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)
	cmd.Stdin = bytes.NewReader(payload)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail != "" {
			return nil, fmt.Errorf("executor %q: %w: %s", agentType, err, detail)
		}
		return nil, fmt.Errorf("executor %q: %w", agentType, err)
	}
	return stdout.Bytes(), nil
}
