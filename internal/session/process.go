package session

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
)

// agentProcess wraps one running agent CLI subprocess. The agent is
// preferred under a PTY because many CLIs buffer stdout aggressively when
// not attached to a terminal; plain pipes are the fallback. Under a PTY
// stderr is merged into the PTY stream, so Stderr is nil.
type agentProcess struct {
	cmd    *exec.Cmd
	pty    ptyHandle
	stdin  io.Writer
	stdout io.Reader
	stderr io.Reader

	waitOnce sync.Once
	waitErr  error
}

// startAgentProcess launches the agent binary. When usePTY is set it
// tries a pseudo-terminal first and silently falls back to pipes.
func startAgentProcess(binary string, args []string, dir string, env []string, usePTY bool) (*agentProcess, error) {
	cmd := exec.Command(binary, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), env...)

	if usePTY {
		if handle, err := startPTY(cmd); err == nil {
			return &agentProcess{cmd: cmd, pty: handle, stdin: handle, stdout: handle}, nil
		}
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &agentProcess{cmd: cmd, stdin: stdin, stdout: stdout, stderr: stderr}, nil
}

// WriteStdin forwards data to the subprocess.
func (p *agentProcess) WriteStdin(data []byte) error {
	_, err := p.stdin.Write(data)
	return err
}

// Interrupt asks the subprocess to stop. Falls back to kill on platforms
// or processes that do not accept the signal.
func (p *agentProcess) Interrupt() {
	if p.cmd.Process == nil {
		return
	}
	if err := p.cmd.Process.Signal(os.Interrupt); err != nil {
		_ = p.cmd.Process.Kill()
	}
}

// Terminate kills the subprocess unconditionally.
func (p *agentProcess) Terminate() {
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
}

// Wait reaps the subprocess exactly once and releases the PTY.
func (p *agentProcess) Wait() error {
	p.waitOnce.Do(func() {
		p.waitErr = p.cmd.Wait()
		if p.pty != nil {
			_ = p.pty.Close()
		}
	})
	return p.waitErr
}

// ExitDescription renders the subprocess exit status for diagnostics,
// naming the signal for exit codes above 128.
func (p *agentProcess) ExitDescription() string {
	state := p.cmd.ProcessState
	if state == nil {
		return "unknown exit status"
	}
	code := state.ExitCode()
	if code > 128 {
		if name, ok := signalNames[code-128]; ok {
			return fmt.Sprintf("exit code %d (%s)", code, name)
		}
	}
	return fmt.Sprintf("exit code %d", code)
}

var signalNames = map[int]string{
	1:  "SIGHUP",
	2:  "SIGINT",
	3:  "SIGQUIT",
	6:  "SIGABRT",
	9:  "SIGKILL",
	11: "SIGSEGV",
	13: "SIGPIPE",
	15: "SIGTERM",
}
