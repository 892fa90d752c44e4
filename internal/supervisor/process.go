package supervisor

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"github.com/zjrosen/chamber/internal/log"
)

// ErrNoStdin indicates the child's stdin stream is closed or was never opened.
var ErrNoStdin = errors.New("stdin not available")

// ProcessSpec describes a child process to launch.
type ProcessSpec struct {
	Command string
	Args    []string
	Dir     string
	Env     []string
}

// ExitStatus captures how a child process ended.
type ExitStatus struct {
	Code   int    `json:"code"`
	Signal string `json:"signal,omitempty"`
	Err    error  `json:"-"`
}

// ChildProcess is the supervisor's handle on a spawned worker process.
// The real implementation wraps exec.Cmd; tests substitute a fake.
type ChildProcess interface {
	// PID returns the OS process id.
	PID() int

	// Wait blocks until the process exits and returns its status.
	Wait() ExitStatus

	// Terminate asks the process to exit gently.
	Terminate() error

	// Kill forcefully ends the process.
	Kill() error

	// WriteStdin writes raw bytes to the child's stdin.
	WriteStdin(p []byte) error
}

// Launcher starts a child process with piped stdio. Each stdout/stderr
// line is delivered to onLine tagged with its stream name.
type Launcher func(spec ProcessSpec, onLine func(stream, line string)) (ChildProcess, error)

// osProcess implements ChildProcess over exec.Cmd.
type osProcess struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdinMu sync.Mutex
	pipesWg sync.WaitGroup

	waitOnce sync.Once
	status   ExitStatus
}

// LaunchOS is the production Launcher. The returned process has already
// started; stdout and stderr are consumed line by line on background
// goroutines until the pipes close.
func LaunchOS(spec ProcessSpec, onLine func(stream, line string)) (ChildProcess, error) {
	//nolint:gosec // G204: command comes from the spawn request
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("opening stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("opening stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("opening stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	p := &osProcess{cmd: cmd, stdin: stdin}
	p.pipesWg.Add(2)
	log.SafeGo("proc-stdout", func() { defer p.pipesWg.Done(); scanLines("stdout", stdout, onLine) })
	log.SafeGo("proc-stderr", func() { defer p.pipesWg.Done(); scanLines("stderr", stderr, onLine) })
	return p, nil
}

func scanLines(stream string, r io.Reader, onLine func(stream, line string)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		onLine(stream, scanner.Text())
	}
}

func (p *osProcess) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *osProcess) Wait() ExitStatus {
	p.waitOnce.Do(func() {
		// Drain the pipes before Wait closes them under us.
		p.pipesWg.Wait()
		err := p.cmd.Wait()

		p.stdinMu.Lock()
		if p.stdin != nil {
			_ = p.stdin.Close()
			p.stdin = nil
		}
		p.stdinMu.Unlock()

		p.status = exitStatusFrom(p.cmd, err)
	})
	return p.status
}

func (p *osProcess) Terminate() error {
	if p.cmd.Process == nil {
		return errors.New("process not started")
	}
	return signalTerm(p.cmd.Process)
}

func (p *osProcess) Kill() error {
	if p.cmd.Process == nil {
		return errors.New("process not started")
	}
	return p.cmd.Process.Kill()
}

func (p *osProcess) WriteStdin(b []byte) error {
	p.stdinMu.Lock()
	defer p.stdinMu.Unlock()
	if p.stdin == nil {
		return ErrNoStdin
	}
	if _, err := p.stdin.Write(b); err != nil {
		return fmt.Errorf("%w: %v", ErrNoStdin, err)
	}
	return nil
}
