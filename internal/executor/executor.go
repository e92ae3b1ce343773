// Package executor runs the external coding agent as a subprocess for one
// workflow step, streaming its output into an observable buffer and
// enforcing a wall-clock timeout.
package executor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/forgeloop/forge-orchestrator/internal/domain"
)

// sessionNamespace is a fixed UUID namespace for deterministic session ids:
// the same work order always maps to the same agent session, so a resumed
// order continues where the previous run stopped.
var sessionNamespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

// SessionID returns the deterministic agent session id for a work order
func SessionID(orderID string) string {
	return uuid.NewSHA1(sessionNamespace, []byte(orderID)).String()
}

// StepResult is the outcome of one agent step
type StepResult struct {
	Success  bool
	ExitCode int
	TimedOut bool

	// Detail carries a recognizable failure marker extracted from output,
	// empty when none was found.
	Detail string
}

// Executor spawns the coding agent subprocess. The agent contract: working
// directory is the sandbox path, the step name is the last argument, the
// prompt arrives on stdin, exit code zero means success.
type Executor struct {
	Command     string
	ExtraArgs   []string
	GracePeriod time.Duration
}

// New creates an Executor for the given agent command
func New(command string, extraArgs []string, gracePeriod time.Duration) *Executor {
	if gracePeriod <= 0 {
		gracePeriod = 10 * time.Second
	}
	return &Executor{Command: command, ExtraArgs: extraArgs, GracePeriod: gracePeriod}
}

// Execute runs one step in the sandbox, appending output to buf as it
// arrives. A context cancellation or an elapsed timeout terminates the
// subprocess gracefully, then forcefully after the grace period. A failed
// step returns a *domain.AgentExecutionError alongside the result.
func (e *Executor) Execute(ctx context.Context, stepName, prompt string, sb *domain.Sandbox, sessionID string, timeout time.Duration, buf *LogBuffer) (*StepResult, error) {
	args := append(append([]string(nil), e.ExtraArgs...), stepName)

	cmd := exec.Command(e.Command, args...)
	cmd.Dir = sb.Path
	cmd.Stdin = strings.NewReader(prompt)
	cmd.Env = append(os.Environ(),
		"FORGE_STEP="+stepName,
		"FORGE_SESSION_ID="+sessionID,
		"FORGE_ORDER_ID="+sb.OrderID,
	)
	// Own process group so a force-kill reaches the agent's children too
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", e.Command, err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go e.readLines(&wg, stdout, domain.StreamStdout, buf)
	go e.readLines(&wg, stderr, domain.StreamStderr, buf)

	done := make(chan error, 1)
	go func() {
		wg.Wait()
		done <- cmd.Wait()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var waitErr error
	timedOut := false
	select {
	case waitErr = <-done:
	case <-ctx.Done():
		e.terminate(cmd)
		waitErr = <-done
	case <-timer.C:
		timedOut = true
		e.terminate(cmd)
		waitErr = <-done
	}

	res := &StepResult{ExitCode: exitCode(waitErr), TimedOut: timedOut}
	res.Detail = failureMarker(buf)

	if timedOut {
		return res, &domain.AgentExecutionError{Step: stepName, ExitCode: res.ExitCode, TimedOut: true}
	}
	if ctx.Err() != nil {
		return res, ctx.Err()
	}
	if waitErr != nil || res.Detail != "" {
		return res, &domain.AgentExecutionError{Step: stepName, ExitCode: res.ExitCode, Detail: res.Detail}
	}

	res.Success = true
	return res, nil
}

func (e *Executor) readLines(wg *sync.WaitGroup, r io.Reader, stream domain.Stream, buf *LogBuffer) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	// Agents emit long JSON lines; grow the scanner buffer accordingly
	b := make([]byte, 0, 64*1024)
	scanner.Buffer(b, 1024*1024)
	for scanner.Scan() {
		buf.Append(stream, scanner.Text())
	}
}

// terminate asks the process group to exit, then force-kills after the grace
// period
func (e *Executor) terminate(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pgid := -cmd.Process.Pid
	syscall.Kill(pgid, syscall.SIGTERM)

	deadline := time.After(e.GracePeriod)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-deadline:
			syscall.Kill(pgid, syscall.SIGKILL)
			return
		case <-tick.C:
			// Signal 0 probes liveness without delivering anything
			if syscall.Kill(cmd.Process.Pid, 0) != nil {
				return
			}
		}
	}
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	if exit, ok := err.(*exec.ExitError); ok {
		return exit.ExitCode()
	}
	return -1
}

// agentMessage matches the failure markers agents emit in stream-json output
type agentMessage struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype"`
	IsError bool   `json:"is_error"`
	Error   string `json:"error"`
	Result  string `json:"result"`
}

// failureMarker scans the output tail for a recognizable failure message.
// Errors usually sit at the end, so only the last lines are inspected.
func failureMarker(buf *LogBuffer) string {
	lines := buf.Snapshot()
	start := len(lines) - 20
	if start < 0 {
		start = 0
	}
	for i := len(lines) - 1; i >= start; i-- {
		text := lines[i].Text
		if !strings.HasPrefix(text, "{") {
			continue
		}
		var msg agentMessage
		if err := json.Unmarshal([]byte(text), &msg); err != nil {
			continue
		}
		if msg.Type == "error" {
			if msg.Error != "" {
				return msg.Error
			}
			return "agent reported an error"
		}
		if msg.Type == "result" && (msg.IsError || strings.HasPrefix(msg.Subtype, "error")) {
			if msg.Result != "" {
				return msg.Result
			}
			return "agent result marked as error"
		}
	}
	return ""
}
