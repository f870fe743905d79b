package agent

import (
	"bufio"
	"errors"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/markus-barta/roomrelay/internal/protocol"
)

// handleRun processes an incoming preset.run.
func (a *Agent) handleRun(run protocol.PresetRunPayload) {
	if run.ExecutionID == "" || run.Command == "" {
		// The relay's debug broadcast reuses preset.run without an execution.
		a.log.Info().Msg("received preset.run without execution, ignoring")
		return
	}

	a.mu.Lock()
	if _, dup := a.running[run.ExecutionID]; dup {
		a.mu.Unlock()
		a.log.Warn().Str("execution", run.ExecutionID).Msg("execution already running, ignoring duplicate")
		return
	}
	a.running[run.ExecutionID] = nil
	a.mu.Unlock()

	a.log.Info().
		Str("execution", run.ExecutionID).
		Str("preset", run.PresetID).
		Str("command", run.Command).
		Strs("args", run.Args).
		Str("requested_by", run.Meta.RequestedBy).
		Msg("received run")

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.executeRun(run)
	}()
}

// buildCommand turns a run into a process. Presets without args are a shell
// line; presets with args are exec'd directly.
func (a *Agent) buildCommand(run protocol.PresetRunPayload) *exec.Cmd {
	var cmd *exec.Cmd
	if len(run.Args) == 0 {
		cmd = exec.CommandContext(a.ctx, a.cfg.Shell, "-c", run.Command)
	} else {
		cmd = exec.CommandContext(a.ctx, run.Command, run.Args...)
	}
	if run.WorkDir != nil && *run.WorkDir != "" {
		cmd.Dir = *run.WorkDir
	}
	// Own process group so a shutdown reaches the whole tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	}
	cmd.WaitDelay = 3 * time.Second
	return cmd
}

// executeRun runs the command and reports its lifecycle.
func (a *Agent) executeRun(run protocol.PresetRunPayload) {
	defer func() {
		a.mu.Lock()
		delete(a.running, run.ExecutionID)
		a.mu.Unlock()
	}()

	cmd := a.buildCommand(run)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		a.sendFailed(run.ExecutionID, "failed to create stdout pipe: "+err.Error())
		return
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		a.sendFailed(run.ExecutionID, "failed to create stderr pipe: "+err.Error())
		return
	}

	if err := cmd.Start(); err != nil {
		a.log.Error().Err(err).Str("execution", run.ExecutionID).Msg("failed to start command")
		a.sendFailed(run.ExecutionID, err.Error())
		return
	}

	pid := cmd.Process.Pid
	if a.output != nil {
		if err := a.output.Open(run.ExecutionID, run.PresetID, run.Command); err != nil {
			a.log.Warn().Err(err).Str("execution", run.ExecutionID).Msg("failed to open output file")
		}
	}
	a.mu.Lock()
	a.running[run.ExecutionID] = cmd
	a.mu.Unlock()

	a.send(protocol.TypeExecutionStarted, protocol.ExecutionStartedPayload{
		ExecutionID: run.ExecutionID,
		ClientID:    a.clientID(),
		PID:         pid,
		StartedAt:   time.Now().UTC(),
	})
	a.log.Info().Str("execution", run.ExecutionID).Int("pid", pid).Msg("command started")

	// Stream output to the log
	var outputs sync.WaitGroup
	outputs.Add(2)
	go a.logOutput(&outputs, run.ExecutionID, "stdout", stdout)
	go a.logOutput(&outputs, run.ExecutionID, "stderr", stderr)
	outputs.Wait()

	exitCode := exitCodeOf(cmd.Wait())
	if a.output != nil {
		_ = a.output.Complete(run.ExecutionID, exitCode)
	}

	a.send(protocol.TypeExecutionFinished, protocol.ExecutionFinishedPayload{
		ExecutionID: run.ExecutionID,
		ClientID:    a.clientID(),
		ExitCode:    exitCode,
		FinishedAt:  time.Now().UTC(),
	})
	a.log.Info().
		Str("execution", run.ExecutionID).
		Int("exit_code", exitCode).
		Msg("command completed")
}

func (a *Agent) logOutput(wg *sync.WaitGroup, executionID, stream string, r io.Reader) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		a.log.Debug().
			Str("execution", executionID).
			Str("stream", stream).
			Msg(line)
		if a.output != nil {
			_ = a.output.Append(executionID, stream, line)
		}
	}
}

func (a *Agent) sendFailed(executionID, message string) {
	a.send(protocol.TypeExecutionFailed, protocol.ExecutionFailedPayload{
		ExecutionID: executionID,
		ClientID:    a.clientID(),
		Message:     message,
		FinishedAt:  time.Now().UTC(),
	})
}

func (a *Agent) send(msgType string, payload any) {
	if err := a.sender.SendMessage(msgType, payload); err != nil {
		a.log.Error().Err(err).Str("type", msgType).Msg("failed to report status")
	}
}

// exitCodeOf maps the result of Wait to a process exit code.
func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if code := exitErr.ExitCode(); code >= 0 {
			return code
		}
		// Killed by a signal
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			return 128 + int(status.Signal())
		}
	}
	return 1
}
