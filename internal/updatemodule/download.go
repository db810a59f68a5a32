package updatemodule

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/italolelis/update_agent/internal/artifact"
	"github.com/italolelis/update_agent/internal/downloader"
	"github.com/italolelis/update_agent/internal/downloader/progress"
	"github.com/italolelis/update_agent/internal/pipe"
	"github.com/italolelis/update_agent/internal/telemetry"
)

const (
	streamNextName = "stream-next"
	streamsDir     = "streams"
	filesDir       = "files"

	chunkSize        = 32 * 1024
	progressInterval = 10 * 1024 * 1024
	killGracePeriod  = 5 * time.Second
	lateOpenWindow   = 100 * time.Millisecond
)

type eventKind int

const (
	streamNextOpened eventKind = iota
	streamNextWritten
	streamOpened
	streamWritten
	processExited
)

// event is the completion of one asynchronous step, handed back to the loop.
type event struct {
	kind eventKind
	code int
	err  error
}

// downloadSession is the state of one Download call. Only the goroutine running
// loop touches it; helper goroutines report back through events.
type downloadSession struct {
	m      *UpdateModule
	ctx    context.Context
	logger *slog.Logger

	buffer []byte
	proc   *process
	timer  *time.Timer

	streamNext *pipe.Session

	stream       *pipe.Session
	streamName   string
	streamReader *progress.ProgressReader

	result      error
	exited      bool
	terminating bool

	started  bool // the module opened stream-next at least once
	finished bool // the module was told there are no more streams
	toFiles  bool

	events    chan event
	done      chan struct{}
	group     errgroup.Group
	opCtx     context.Context
	cancelOps context.CancelFunc
	cleaned   bool
}

// Download runs the module's Download step, offering it every payload stream in
// order through named pipes in the working tree. A module that exits
// successfully without asking for any stream gets the streams stored as files
// under files/ instead.
func (m *UpdateModule) Download(ctx context.Context) error {
	m.enter()
	defer m.leave()

	return m.telemetry.InstrumentModuleCall(ctx, VerbDownload, m.download)
}

func (m *UpdateModule) download(ctx context.Context) error {
	s, err := m.newDownloadSession(ctx)
	if err != nil {
		return err
	}
	defer s.cleanup()

	if err := s.start(); err != nil {
		return err
	}

	s.loop()
	s.cleanup()

	if s.result != nil {
		return s.result
	}

	if s.toFiles {
		return s.storeFiles()
	}

	s.logger.InfoContext(ctx, "update module received all payload streams")

	return nil
}

func (m *UpdateModule) newDownloadSession(ctx context.Context) (*downloadSession, error) {
	streams := filepath.Join(m.workDir, streamsDir)
	if err := os.Mkdir(streams, 0o700); err != nil && !errors.Is(err, fs.ErrExist) {
		return nil, &FilesystemError{Op: "create", Path: streams, Err: err}
	}

	nextPath := filepath.Join(m.workDir, streamNextName)
	if err := os.Remove(nextPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, &FilesystemError{Op: "remove", Path: nextPath, Err: err}
	}

	streamNext, err := pipe.Create(nextPath)
	if err != nil {
		return nil, &FilesystemError{Op: "create", Path: nextPath, Err: err}
	}

	opCtx, cancel := context.WithCancel(ctx)

	return &downloadSession{
		m:          m,
		ctx:        ctx,
		logger:     moduleLogger(ctx, m.modulePath, VerbDownload),
		buffer:     make([]byte, chunkSize),
		streamNext: streamNext,
		events:     make(chan event),
		done:       make(chan struct{}),
		opCtx:      opCtx,
		cancelOps:  cancel,
	}, nil
}

func (s *downloadSession) start() error {
	proc, err := startProcess(s.ctx, s.m.modulePath, s.m.workDir, VerbDownload)
	if err != nil {
		return &SpawnError{Verb: VerbDownload, Module: s.m.modulePath, Err: err}
	}

	s.proc = proc
	s.timer = time.NewTimer(s.m.timeout)

	s.group.Go(func() error {
		code, err := proc.wait()
		s.post(event{kind: processExited, code: code, err: err})

		return nil
	})

	s.openAsync(s.streamNext, streamNextOpened)

	return nil
}

func (s *downloadSession) loop() {
	ctxDone := s.ctx.Done()

	for !s.exited {
		select {
		case ev := <-s.events:
			s.handle(ev)
		case <-s.timer.C:
			s.onTimer()
		case <-ctxDone:
			ctxDone = nil

			s.fail(s.ctx.Err())
			s.proc.kill()
		}
	}
}

func (s *downloadSession) post(ev event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

func (s *downloadSession) openAsync(p *pipe.Session, kind eventKind) {
	s.group.Go(func() error {
		err := p.Open(s.opCtx)
		s.post(event{kind: kind, err: err})

		return nil
	})
}

func (s *downloadSession) writeAsync(p *pipe.Session, data []byte, kind eventKind) {
	s.group.Go(func() error {
		_, err := p.Write(data)
		s.post(event{kind: kind, err: err})

		return nil
	})
}

func (s *downloadSession) handle(ev event) {
	if ev.kind == processExited {
		s.onExit(ev)
		return
	}

	if s.result != nil {
		if ev.err != nil {
			s.logger.DebugContext(s.ctx, "ignoring pipe error after download failed", "error", ev.err)
		}

		return
	}

	switch ev.kind {
	case streamNextOpened:
		s.onStreamNextOpened(ev.err)
	case streamNextWritten:
		s.onStreamNextWritten(ev.err)
	case streamOpened:
		s.onStreamOpened(ev.err)
	case streamWritten:
		s.onStreamWritten(ev.err)
	}
}

func (s *downloadSession) onStreamNextOpened(err error) {
	if err != nil {
		s.fail(&FilesystemError{Op: "open", Path: s.streamNext.Path(), Err: err})
		return
	}

	s.started = true
	s.progress()

	file, err := s.m.payload.Next()
	if errors.Is(err, io.EOF) {
		s.finished = true

		if err := s.streamNext.Close(); err != nil {
			s.fail(&FilesystemError{Op: "close", Path: s.streamNext.Path(), Err: err})
		}

		return
	}

	if err != nil {
		s.fail(fmt.Errorf("failed to read next payload stream: %w", err))
		return
	}

	if err := artifact.ValidateStreamName(file.Name); err != nil {
		s.fail(err)
		return
	}

	rel := path.Join(streamsDir, file.Name)
	full := filepath.Join(s.m.workDir, rel)

	stream, err := pipe.Create(full)
	if err != nil {
		s.fail(&FilesystemError{Op: "create", Path: full, Err: err})
		return
	}

	s.stream = stream
	s.streamName = file.Name
	s.streamReader = progress.NewReader(s.opCtx, file, file.Size, progressInterval, func(read, total int64) {
		s.logger.DebugContext(s.ctx, "streaming payload", "stream", file.Name,
			"read", humanize.Bytes(uint64(read)), "total", humanize.Bytes(uint64(max(total, 0))))
	})

	s.writeAsync(s.streamNext, []byte(rel+"\n"), streamNextWritten)
}

func (s *downloadSession) onStreamNextWritten(err error) {
	if err != nil {
		s.fail(s.writeError(s.streamNext, err))
		return
	}

	s.progress()

	if err := s.streamNext.Close(); err != nil {
		s.fail(&FilesystemError{Op: "close", Path: s.streamNext.Path(), Err: err})
		return
	}

	s.openAsync(s.stream, streamOpened)
}

func (s *downloadSession) onStreamOpened(err error) {
	if err != nil {
		s.fail(&FilesystemError{Op: "open", Path: s.stream.Path(), Err: err})
		return
	}

	s.progress()
	s.pump()
}

func (s *downloadSession) onStreamWritten(err error) {
	if err != nil {
		s.fail(s.writeError(s.stream, err))
		return
	}

	s.progress()
	s.pump()
}

// pump issues the next chunk write of the current stream, or finishes the
// stream once its reader is drained.
func (s *downloadSession) pump() {
	for {
		n, err := s.streamReader.Read(s.buffer)
		if n > 0 {
			s.writeAsync(s.stream, s.buffer[:n], streamWritten)
			return
		}

		if errors.Is(err, io.EOF) {
			s.endStream()
			return
		}

		if err != nil {
			s.fail(fmt.Errorf("failed to read payload stream %s: %w", s.streamName, err))
			return
		}
	}
}

func (s *downloadSession) endStream() {
	if err := s.stream.Remove(); err != nil {
		s.fail(&FilesystemError{Op: "remove", Path: s.stream.Path(), Err: err})
		return
	}

	written := s.streamReader.BytesRead()

	s.logger.InfoContext(s.ctx, "payload stream delivered",
		"stream", s.streamName, "size", humanize.Bytes(uint64(written)))
	s.m.telemetry.RecordPayloadStream(telemetry.PayloadModeStream, written)

	s.stream = nil
	s.streamReader = nil

	s.openAsync(s.streamNext, streamNextOpened)
}

func (s *downloadSession) writeError(p *pipe.Session, err error) error {
	if errors.Is(err, syscall.EPIPE) {
		return &BrokenPipeError{Verb: VerbDownload, Pipe: s.relative(p), Phase: PhaseAbandoned, Err: err}
	}

	return &FilesystemError{Op: "write", Path: p.Path(), Err: err}
}

func (s *downloadSession) relative(p *pipe.Session) string {
	rel, err := filepath.Rel(s.m.workDir, p.Path())
	if err != nil {
		return p.Path()
	}

	return rel
}

// progress restarts the timeout window.
func (s *downloadSession) progress() {
	if !s.terminating {
		s.timer.Reset(s.m.timeout)
	}
}

func (s *downloadSession) onTimer() {
	if s.terminating {
		s.logger.WarnContext(s.ctx, "update module ignored termination, killing it")
		s.proc.kill()

		return
	}

	s.fail(&TimeoutError{Verb: VerbDownload, Timeout: s.m.timeout})
	s.proc.kill()
}

// fail records the first failure, stops all pipe traffic and asks a still
// running module to terminate. Later failures are only logged.
func (s *downloadSession) fail(err error) {
	if s.result != nil {
		s.logger.DebugContext(s.ctx, "ignoring error after download failed", "error", err)
		return
	}

	s.result = err
	s.logger.WarnContext(s.ctx, "download failed", "error", err)

	s.closePipes()

	if !s.exited && !s.terminating {
		s.terminating = true
		s.proc.terminate()
		s.timer.Reset(min(s.m.timeout, killGracePeriod))
	}
}

func (s *downloadSession) closePipes() {
	s.cancelOps()

	if err := s.streamNext.Close(); err != nil {
		s.logger.DebugContext(s.ctx, "failed to close pipe", "pipe", streamNextName, "error", err)
	}

	if s.stream != nil {
		if err := s.stream.Close(); err != nil {
			s.logger.DebugContext(s.ctx, "failed to close pipe", "pipe", s.streamName, "error", err)
		}
	}
}

func (s *downloadSession) onExit(ev event) {
	s.exited = true

	switch {
	case s.result != nil:
		s.logger.DebugContext(s.ctx, "update module exited after download failed", "exit_code", ev.code)
	case ev.err != nil:
		s.result = fmt.Errorf("failed to wait for update module %s: %w", VerbDownload, ev.err)
	case ev.code != 0:
		s.result = &ExitError{Verb: VerbDownload, ExitCode: ev.code, Output: s.proc.output()}
	case !s.started && s.awaitLateOpen():
		s.result = &BrokenPipeError{Verb: VerbDownload, Pipe: streamNextName, Phase: PhaseAbandoned}
	case !s.started:
		s.toFiles = true
		s.logger.InfoContext(s.ctx, "update module does not read payload streams, storing them as files")
	case !s.finished:
		s.result = s.unfinished()
	}
}

// awaitLateOpen reports whether stream-next was opened by a module whose exit was
// noticed first.
func (s *downloadSession) awaitLateOpen() bool {
	window := time.NewTimer(lateOpenWindow)
	defer window.Stop()

	select {
	case ev := <-s.events:
		return ev.kind == streamNextOpened && ev.err == nil
	case <-window.C:
		return false
	}
}

// unfinished classifies a module that exited cleanly in the middle of the
// streaming protocol.
func (s *downloadSession) unfinished() error {
	if s.stream == nil {
		return &BrokenPipeError{Verb: VerbDownload, Pipe: streamNextName, Phase: PhaseNeverOpened}
	}

	phase := PhaseNeverOpened
	if s.stream.Opened() {
		phase = PhaseAbandoned
	}

	return &BrokenPipeError{Verb: VerbDownload, Pipe: s.relative(s.stream), Phase: phase}
}

// cleanup releases everything the session holds. It reaps the module if it is
// still around, so it is safe on every return path.
func (s *downloadSession) cleanup() {
	if s.cleaned {
		return
	}

	s.cleaned = true

	close(s.done)
	s.closePipes()

	if s.proc != nil && !s.exited {
		s.proc.kill()
	}

	_ = s.group.Wait()

	if s.timer != nil {
		s.timer.Stop()
	}

	if s.stream != nil {
		if err := s.stream.Remove(); err != nil {
			s.logger.WarnContext(s.ctx, "failed to remove payload pipe", "error", err)
		}
	}

	if err := s.streamNext.Remove(); err != nil {
		s.logger.WarnContext(s.ctx, "failed to remove pipe", "pipe", streamNextName, "error", err)
	}

	if err := os.RemoveAll(filepath.Join(s.m.workDir, streamsDir)); err != nil {
		s.logger.WarnContext(s.ctx, "failed to remove streams directory", "error", err)
	}
}

func (s *downloadSession) storeFiles() error {
	dir := filepath.Join(s.m.workDir, filesDir)

	count, size, err := downloader.NewDownloader(dir, s.m.telemetry).StoreAll(s.ctx, s.m.payload)
	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		return &FilesystemError{Op: "store payload in", Path: dir, Err: err}
	}

	if err != nil {
		return err
	}

	s.logger.InfoContext(s.ctx, "stored payload streams as files",
		"files", count, "size", humanize.Bytes(uint64(size)))

	return nil
}
