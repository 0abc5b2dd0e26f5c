// Package encoder spawns and supervises external encoder child processes
// (ffmpeg) and exposes their stdout as a chunk stream.
package encoder

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
)

const (
	// readBufSize is the stdout read granularity. Chunk sizes seen by
	// consumers are not guaranteed; this is just the read buffer.
	readBufSize = 8 * 1024

	// stderrTailSize is how much trailing stderr is retained for diagnostics.
	stderrTailSize = 2 * 1024
)

// ErrStartFailed reports that the child process could not be launched.
var ErrStartFailed = errors.New("encoder start failed")

// ErrAlreadyRunning reports a second Start on a running Process.
var ErrAlreadyRunning = errors.New("encoder already running")

// ExitReason classifies how the child ended.
type ExitReason int

const (
	// ExitNormal means the child exited with status 0.
	ExitNormal ExitReason = iota
	// ExitKilled means Stop terminated the child.
	ExitKilled
	// ExitCrashed means the child exited nonzero or the pipe failed.
	ExitCrashed
)

func (r ExitReason) String() string {
	switch r {
	case ExitNormal:
		return "normal"
	case ExitKilled:
		return "killed"
	default:
		return "crashed"
	}
}

// ExitStatus is delivered exactly once when the child ends.
type ExitStatus struct {
	Reason     ExitReason
	Err        error
	StderrTail string
}

// Process supervises one external encoder child. Start may be called once per
// Process; create a new Process for each run.
type Process struct {
	name string
	args []string
	log  *slog.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	running bool
	killed  bool

	out  chan []byte
	done chan ExitStatus
	tail tailBuffer
}

// New returns a Process that will run name with args when started.
func New(name string, args []string, log *slog.Logger) *Process {
	return &Process{
		name: name,
		args: args,
		log:  log,
		out:  make(chan []byte, 16),
		done: make(chan ExitStatus, 1),
	}
}

// Output returns the channel carrying stdout chunks. It is closed when the
// child's stdout reaches EOF.
func (p *Process) Output() <-chan []byte {
	return p.out
}

// Done returns the channel on which the single ExitStatus is delivered.
func (p *Process) Done() <-chan ExitStatus {
	return p.done
}

// Running reports whether the child is currently alive.
func (p *Process) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Start launches the child and begins draining stdout and stderr. The child
// is placed in its own process group so Stop can terminate the whole tree.
func (p *Process) Start() error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return ErrAlreadyRunning
	}

	cmd := exec.Command(p.name, p.args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		p.mu.Unlock()
		return fmt.Errorf("%w: stdout pipe: %v", ErrStartFailed, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		p.mu.Unlock()
		return fmt.Errorf("%w: stderr pipe: %v", ErrStartFailed, err)
	}

	if err := cmd.Start(); err != nil {
		p.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrStartFailed, err)
	}

	p.cmd = cmd
	p.running = true
	p.mu.Unlock()

	p.log.Debug("encoder started", slog.String("bin", p.name), slog.Int("pid", cmd.Process.Pid))

	var pumps sync.WaitGroup
	pumps.Add(2)

	go func() {
		defer pumps.Done()
		p.drainStderr(stderr)
	}()
	go func() {
		defer pumps.Done()
		p.pumpStdout(stdout)
	}()

	go func() {
		pumps.Wait()
		err := cmd.Wait()

		p.mu.Lock()
		p.running = false
		killed := p.killed
		p.mu.Unlock()

		status := ExitStatus{StderrTail: p.tail.String(), Err: err}
		switch {
		case killed:
			status.Reason = ExitKilled
		case err == nil:
			status.Reason = ExitNormal
		default:
			status.Reason = ExitCrashed
		}

		p.log.Debug("encoder exited",
			slog.String("bin", p.name),
			slog.String("reason", status.Reason.String()))

		p.done <- status
		close(p.done)
	}()

	return nil
}

// Stop terminates the child and its process group. It is idempotent and safe
// to call whether or not the child is running.
func (p *Process) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd == nil || !p.running || p.killed {
		return
	}
	p.killed = true
	// Negative pid signals the whole process group.
	if err := syscall.Kill(-p.cmd.Process.Pid, syscall.SIGKILL); err != nil {
		// Group kill can fail if the child already died; fall back to the
		// single process.
		_ = p.cmd.Process.Kill()
	}
}

func (p *Process) pumpStdout(stdout io.Reader) {
	defer close(p.out)
	buf := make([]byte, readBufSize)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			p.out <- chunk
		}
		if err != nil {
			return
		}
	}
}

func (p *Process) drainStderr(stderr io.Reader) {
	sc := bufio.NewScanner(stderr)
	sc.Buffer(make([]byte, 4096), 256*1024)
	for sc.Scan() {
		p.tail.Append(sc.Bytes())
	}
}

// tailBuffer retains the last stderrTailSize bytes of appended lines.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
}

func (t *tailBuffer) Append(line []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, line...)
	t.buf = append(t.buf, '\n')
	if len(t.buf) > stderrTailSize {
		t.buf = t.buf[len(t.buf)-stderrTailSize:]
	}
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
