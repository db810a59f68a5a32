package updatemodule

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

const (
	// waitDelay bounds how long Wait keeps draining output that a surviving
	// grandchild still holds open.
	waitDelay = 5 * time.Second

	spawnAttempts   = 5
	spawnRetryDelay = 10 * time.Millisecond

	outputTailLines = 20
	maxCaptured     = 64 * 1024
	maxLineLength   = 4096
)

// process is one running invocation of an update module, started in its own
// process group.
type process struct {
	cmd    *exec.Cmd
	stdout *lineLogger
	stderr *lineLogger
	tail   *outputTail
}

func startProcess(ctx context.Context, modulePath, workDir, verb string) (*process, error) {
	logger := moduleLogger(ctx, modulePath, verb)

	tail := &outputTail{max: outputTailLines}
	p := &process{
		tail:   tail,
		stdout: newLineLogger(ctx, logger, "stdout", tail, true),
		stderr: newLineLogger(ctx, logger, "stderr", tail, false),
	}

	var err error

	for attempt := 0; attempt < spawnAttempts; attempt++ {
		cmd := exec.Command(modulePath, verb)
		cmd.Dir = workDir
		cmd.Stdout = p.stdout
		cmd.Stderr = p.stderr
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
		cmd.WaitDelay = waitDelay

		if err = cmd.Start(); err == nil {
			p.cmd = cmd

			logger.DebugContext(ctx, "update module started", "pid", cmd.Process.Pid)

			return p, nil
		}

		// A module that was just written may still be open for writing elsewhere.
		if !errors.Is(err, syscall.ETXTBSY) {
			break
		}

		time.Sleep(spawnRetryDelay)
	}

	return nil, err
}

// wait reaps the process and returns its exit code, -1 when it died from a signal.
func (p *process) wait() (int, error) {
	err := p.cmd.Wait()

	p.stdout.flush()
	p.stderr.flush()

	if p.cmd.ProcessState == nil {
		return -1, err
	}

	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) && !errors.Is(err, exec.ErrWaitDelay) {
		return p.cmd.ProcessState.ExitCode(), err
	}

	return p.cmd.ProcessState.ExitCode(), nil
}

// terminate asks the whole process group to stop.
func (p *process) terminate() {
	p.signal(unix.SIGTERM)
}

// kill stops the whole process group.
func (p *process) kill() {
	p.signal(unix.SIGKILL)
}

func (p *process) signal(sig unix.Signal) {
	// The group may already be gone; nothing else can be done then.
	_ = unix.Kill(-p.cmd.Process.Pid, sig)
}

func (p *process) output() string {
	return p.tail.String()
}

func (p *process) capturedStdout() string {
	return p.stdout.captured()
}

// lineLogger logs everything a module prints, one record per line, and keeps the
// last lines for error reports.
type lineLogger struct {
	ctx    context.Context
	logger *slog.Logger
	stream string
	tail   *outputTail

	mu      sync.Mutex
	partial []byte
	capture *bytes.Buffer
}

func newLineLogger(ctx context.Context, logger *slog.Logger, stream string, tail *outputTail, capture bool) *lineLogger {
	l := &lineLogger{ctx: ctx, logger: logger, stream: stream, tail: tail}
	if capture {
		l.capture = &bytes.Buffer{}
	}

	return l
}

func (l *lineLogger) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.capture != nil && l.capture.Len() < maxCaptured {
		l.capture.Write(p[:min(len(p), maxCaptured-l.capture.Len())])
	}

	l.partial = append(l.partial, p...)

	for {
		i := bytes.IndexByte(l.partial, '\n')
		if i < 0 {
			break
		}

		l.emit(string(l.partial[:i]))
		l.partial = l.partial[i+1:]
	}

	if len(l.partial) > maxLineLength {
		l.emit(string(l.partial))
		l.partial = nil
	}

	return len(p), nil
}

func (l *lineLogger) flush() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.partial) > 0 {
		l.emit(string(l.partial))
		l.partial = nil
	}
}

func (l *lineLogger) captured() string {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.capture == nil {
		return ""
	}

	return l.capture.String()
}

func (l *lineLogger) emit(line string) {
	l.tail.add(line)
	l.logger.InfoContext(l.ctx, line, "stream", l.stream)
}

type outputTail struct {
	max int

	mu    sync.Mutex
	lines []string
}

func (t *outputTail) add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.lines = append(t.lines, line)
	if len(t.lines) > t.max {
		t.lines = t.lines[len(t.lines)-t.max:]
	}
}

func (t *outputTail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	return strings.Join(t.lines, "\n")
}
