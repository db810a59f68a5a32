// Package updatemodule runs update modules: external programs that install one
// payload type on the device. It stages the module's working tree, streams
// payload data to it over named pipes and classifies the outcome of every call.
package updatemodule

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/italolelis/update_agent/internal/artifact"
	"github.com/italolelis/update_agent/internal/logctx"
	"github.com/italolelis/update_agent/internal/telemetry"
)

// Protocol verbs, passed to the module as its only argument.
const (
	VerbDownload                     = "Download"
	VerbArtifactInstall              = "ArtifactInstall"
	VerbNeedsReboot                  = "NeedsReboot"
	VerbArtifactReboot               = "ArtifactReboot"
	VerbArtifactVerifyReboot         = "ArtifactVerifyReboot"
	VerbArtifactCommit               = "ArtifactCommit"
	VerbSupportsRollback             = "SupportsRollback"
	VerbArtifactRollback             = "ArtifactRollback"
	VerbArtifactRollbackReboot       = "ArtifactRollbackReboot"
	VerbArtifactVerifyRollbackReboot = "ArtifactVerifyRollbackReboot"
	VerbArtifactFailure              = "ArtifactFailure"
	VerbCleanup                      = "Cleanup"
)

// ProtocolVersion is the module protocol spoken here, also the name of the
// module directory below the modules path.
const ProtocolVersion = "3"

// RebootAction is the answer of a module to NeedsReboot.
type RebootAction int

const (
	RebootNo RebootAction = iota
	RebootYes
	RebootAutomatic
)

func (a RebootAction) String() string {
	switch a {
	case RebootYes:
		return "Yes"
	case RebootAutomatic:
		return "Automatic"
	default:
		return "No"
	}
}

// DeviceState provides the current device facts written into the working tree.
// Missing values are reported with device.ErrNotFound.
type DeviceState interface {
	DeviceType() (string, error)
	ArtifactName() (string, error)
	ArtifactGroup() (string, error)
}

type Config struct {
	ModulesPath     string
	ModulesWorkPath string
	Timeout         time.Duration
}

// UpdateModule runs the module handling one payload. It must not be used from
// more than one goroutine at a time.
type UpdateModule struct {
	modulePath string
	workDir    string
	timeout    time.Duration

	device    DeviceState
	payload   artifact.Payload
	view      *artifact.View
	telemetry *telemetry.Telemetry

	busy atomic.Bool
}

type Option func(*UpdateModule)

// WithModulePath overrides the module program, which defaults to
// <modules path>/v3/<payload type>.
func WithModulePath(path string) Option {
	return func(m *UpdateModule) {
		m.modulePath = path
	}
}

// WithWorkDir overrides the working tree, which defaults to
// <modules work path>/payloads/0000/tree.
func WithWorkDir(path string) Option {
	return func(m *UpdateModule) {
		m.workDir = path
	}
}

func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(m *UpdateModule) {
		m.telemetry = tel
	}
}

// New returns an UpdateModule for the payload described by view. payload may be
// nil when Download is never called.
func New(cfg Config, device DeviceState, payload artifact.Payload, view *artifact.View, opts ...Option) *UpdateModule {
	m := &UpdateModule{
		modulePath: filepath.Join(cfg.ModulesPath, "v"+ProtocolVersion, view.PayloadType),
		workDir:    filepath.Join(cfg.ModulesWorkPath, "payloads", "0000", "tree"),
		timeout:    cfg.Timeout,
		device:     device,
		payload:    payload,
		view:       view,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

func (m *UpdateModule) ModulePath() string {
	return m.modulePath
}

func (m *UpdateModule) WorkDir() string {
	return m.workDir
}

func (m *UpdateModule) enter() {
	if !m.busy.CompareAndSwap(false, true) {
		panic("updatemodule: concurrent calls on one UpdateModule")
	}
}

func (m *UpdateModule) leave() {
	m.busy.Store(false)
}

func (m *UpdateModule) ArtifactInstall(ctx context.Context) error {
	_, err := m.call(ctx, VerbArtifactInstall)
	return err
}

func (m *UpdateModule) ArtifactReboot(ctx context.Context) error {
	_, err := m.call(ctx, VerbArtifactReboot)
	return err
}

func (m *UpdateModule) ArtifactVerifyReboot(ctx context.Context) error {
	_, err := m.call(ctx, VerbArtifactVerifyReboot)
	return err
}

func (m *UpdateModule) ArtifactCommit(ctx context.Context) error {
	_, err := m.call(ctx, VerbArtifactCommit)
	return err
}

func (m *UpdateModule) ArtifactRollback(ctx context.Context) error {
	_, err := m.call(ctx, VerbArtifactRollback)
	return err
}

func (m *UpdateModule) ArtifactRollbackReboot(ctx context.Context) error {
	_, err := m.call(ctx, VerbArtifactRollbackReboot)
	return err
}

func (m *UpdateModule) ArtifactVerifyRollbackReboot(ctx context.Context) error {
	_, err := m.call(ctx, VerbArtifactVerifyRollbackReboot)
	return err
}

// ArtifactFailure is best effort; callers run it even after earlier failures.
func (m *UpdateModule) ArtifactFailure(ctx context.Context) error {
	_, err := m.call(ctx, VerbArtifactFailure)
	return err
}

// Cleanup is best effort; callers run it even after earlier failures.
func (m *UpdateModule) Cleanup(ctx context.Context) error {
	_, err := m.call(ctx, VerbCleanup)
	return err
}

func (m *UpdateModule) NeedsReboot(ctx context.Context) (RebootAction, error) {
	out, err := m.call(ctx, VerbNeedsReboot)
	if err != nil {
		return RebootNo, err
	}

	answer, ok := singleLine(out)
	if !ok {
		return RebootNo, &ParseError{Verb: VerbNeedsReboot, Output: out}
	}

	switch answer {
	case "", "No":
		return RebootNo, nil
	case "Yes":
		return RebootYes, nil
	case "Automatic":
		return RebootAutomatic, nil
	default:
		return RebootNo, &ParseError{Verb: VerbNeedsReboot, Output: out}
	}
}

func (m *UpdateModule) SupportsRollback(ctx context.Context) (bool, error) {
	out, err := m.call(ctx, VerbSupportsRollback)
	if err != nil {
		return false, err
	}

	answer, ok := singleLine(out)
	if !ok {
		return false, &ParseError{Verb: VerbSupportsRollback, Output: out}
	}

	switch answer {
	case "", "No":
		return false, nil
	case "Yes":
		return true, nil
	default:
		return false, &ParseError{Verb: VerbSupportsRollback, Output: out}
	}
}

// singleLine returns out without its trailing newline, and false when out holds
// more than one line.
func singleLine(out string) (string, bool) {
	out = strings.TrimSuffix(out, "\n")

	return out, !strings.Contains(out, "\n")
}

func (m *UpdateModule) call(ctx context.Context, verb string) (string, error) {
	m.enter()
	defer m.leave()

	var out string

	err := m.telemetry.InstrumentModuleCall(ctx, verb, func(ctx context.Context) error {
		var err error
		out, err = m.run(ctx, verb)

		return err
	})

	return out, err
}

type exitResult struct {
	code int
	err  error
}

func (m *UpdateModule) run(ctx context.Context, verb string) (string, error) {
	logger := moduleLogger(ctx, m.modulePath, verb)
	logger.DebugContext(ctx, "calling update module")

	proc, err := startProcess(ctx, m.modulePath, m.workDir, verb)
	if err != nil {
		return "", &SpawnError{Verb: verb, Module: m.modulePath, Err: err}
	}

	exited := make(chan exitResult, 1)

	go func() {
		code, err := proc.wait()
		exited <- exitResult{code: code, err: err}
	}()

	timer := time.NewTimer(m.timeout)
	defer timer.Stop()

	var res exitResult

	select {
	case res = <-exited:
	case <-timer.C:
		proc.kill()
		<-exited

		return "", &TimeoutError{Verb: verb, Timeout: m.timeout}
	case <-ctx.Done():
		proc.kill()
		<-exited

		return "", ctx.Err()
	}

	if res.err != nil {
		return "", fmt.Errorf("failed to wait for update module %s: %w", verb, res.err)
	}

	if res.code != 0 {
		return "", &ExitError{Verb: verb, ExitCode: res.code, Output: proc.output()}
	}

	logger.DebugContext(ctx, "update module finished")

	return proc.capturedStdout(), nil
}

func moduleLogger(ctx context.Context, modulePath, verb string) *slog.Logger {
	return logctx.LoggerFromContext(ctx).With("verb", verb, "module", modulePath)
}
