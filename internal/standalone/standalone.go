// Package standalone installs a single local artifact through its update module,
// without a management server.
package standalone

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/italolelis/update_agent/internal/artifact"
	"github.com/italolelis/update_agent/internal/device"
	"github.com/italolelis/update_agent/internal/logctx"
	"github.com/italolelis/update_agent/internal/notifier"
	"github.com/italolelis/update_agent/internal/storage"
	"github.com/italolelis/update_agent/internal/telemetry"
	"github.com/italolelis/update_agent/internal/updatemodule"
)

var (
	ErrUpdateInProgress     = errors.New("an update is already in progress, commit or roll it back first")
	ErrNoUpdateInProgress   = errors.New("no update in progress")
	ErrRollbackNotSupported = errors.New("update module does not support rollback")
)

const stateVersion = 1

// State is what survives a reboot between Install and Commit or Rollback.
type State struct {
	Version      int           `json:"version"`
	DeploymentID string        `json:"deployment_id"`
	Header       artifact.View `json:"header"`
}

type Result struct {
	RebootRequired bool
	Reboot         updatemodule.RebootAction
}

// Installer runs the install, commit and rollback sequences. It is not safe for
// concurrent use.
type Installer struct {
	cfg       updatemodule.Config
	device    *device.State
	telemetry *telemetry.Telemetry
	notifier  notifier.Notifier
}

type Option func(*Installer)

func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(i *Installer) {
		i.telemetry = tel
	}
}

func WithNotifier(n notifier.Notifier) Option {
	return func(i *Installer) {
		i.notifier = n
	}
}

func NewInstaller(cfg updatemodule.Config, dev *device.State, opts ...Option) *Installer {
	i := &Installer{cfg: cfg, device: dev}

	for _, opt := range opts {
		opt(i)
	}

	return i
}

// Install stages, downloads and installs the artifact. When the module needs a
// reboot the update stays in progress and the result says so; otherwise it is
// committed right away.
func (i *Installer) Install(ctx context.Context, header *artifact.View, payload artifact.Payload) (Result, error) {
	if _, err := i.loadState(); err == nil {
		return Result{}, ErrUpdateInProgress
	} else if !errors.Is(err, ErrNoUpdateInProgress) {
		return Result{}, err
	}

	st := State{Version: stateVersion, DeploymentID: uuid.NewString(), Header: *header}
	ctx = logctx.WithDeploymentID(ctx, st.DeploymentID)

	var result Result

	err := i.telemetry.InstrumentDeployment(ctx, "install", func(ctx context.Context) error {
		var err error
		result, err = i.install(ctx, &st, payload)

		return err
	})

	switch {
	case err != nil:
		i.notify(ctx, fmt.Sprintf("Installing artifact %s failed: %v", header.ArtifactName, err))
	case result.RebootRequired:
		i.notify(ctx, fmt.Sprintf("Artifact %s installed, reboot required", header.ArtifactName))
	default:
		i.notify(ctx, fmt.Sprintf("Artifact %s installed and committed", header.ArtifactName))
	}

	return result, err
}

func (i *Installer) install(ctx context.Context, st *State, payload artifact.Payload) (Result, error) {
	logger := logctx.LoggerFromContext(ctx).With("artifact", st.Header.ArtifactName)
	m := i.module(&st.Header, payload)

	logger.InfoContext(ctx, "installing artifact", "payload_type", st.Header.PayloadType)

	if err := m.PrepareFileTree(ctx, m.WorkDir()); err != nil {
		return Result{}, errors.Join(err, deleteTree(m))
	}

	if err := m.Download(ctx); err != nil {
		return Result{}, errors.Join(err, m.Cleanup(ctx), deleteTree(m))
	}

	if err := m.ArtifactInstall(ctx); err != nil {
		return Result{}, i.recover(ctx, m, st, err)
	}

	reboot, err := m.NeedsReboot(ctx)
	if err != nil {
		return Result{}, i.recover(ctx, m, st, err)
	}

	if reboot != updatemodule.RebootNo {
		if err := i.saveState(st); err != nil {
			return Result{}, i.recover(ctx, m, st, err)
		}

		logger.InfoContext(ctx, "artifact installed, reboot required", "reboot", reboot.String())

		return Result{RebootRequired: true, Reboot: reboot}, nil
	}

	return Result{}, i.commit(ctx, m, st)
}

// Commit finishes an update left in progress by Install.
func (i *Installer) Commit(ctx context.Context) error {
	st, err := i.loadState()
	if err != nil {
		return err
	}

	ctx = logctx.WithDeploymentID(ctx, st.DeploymentID)

	err = i.telemetry.InstrumentDeployment(ctx, "commit", func(ctx context.Context) error {
		m := i.module(&st.Header, nil)

		if err := m.ArtifactVerifyReboot(ctx); err != nil {
			return i.recover(ctx, m, st, err)
		}

		return i.commit(ctx, m, st)
	})

	if err != nil {
		i.notify(ctx, fmt.Sprintf("Committing artifact %s failed: %v", st.Header.ArtifactName, err))
	} else {
		i.notify(ctx, fmt.Sprintf("Artifact %s committed", st.Header.ArtifactName))
	}

	return err
}

// Rollback reverts an update left in progress by Install.
func (i *Installer) Rollback(ctx context.Context) error {
	st, err := i.loadState()
	if err != nil {
		return err
	}

	ctx = logctx.WithDeploymentID(ctx, st.DeploymentID)

	err = i.telemetry.InstrumentDeployment(ctx, "rollback", func(ctx context.Context) error {
		m := i.module(&st.Header, nil)

		supported, err := m.SupportsRollback(ctx)
		if err != nil {
			return err
		}

		if !supported {
			return ErrRollbackNotSupported
		}

		if err := m.ArtifactRollback(ctx); err != nil {
			return i.recover(ctx, m, st, err)
		}

		return errors.Join(
			m.ArtifactFailure(ctx),
			m.Cleanup(ctx),
			i.removeState(),
			deleteTree(m),
		)
	})

	if err != nil {
		i.notify(ctx, fmt.Sprintf("Rolling back artifact %s failed: %v", st.Header.ArtifactName, err))
	} else {
		i.notify(ctx, fmt.Sprintf("Artifact %s rolled back", st.Header.ArtifactName))
	}

	return err
}

func (i *Installer) commit(ctx context.Context, m *updatemodule.UpdateModule, st *State) error {
	if err := m.ArtifactCommit(ctx); err != nil {
		return i.recover(ctx, m, st, err)
	}

	h := st.Header

	err := i.device.CommitArtifactData(h.ArtifactName, h.ArtifactGroup,
		h.TypeInfo.ArtifactProvides, h.TypeInfo.ClearsArtifactProvides, removeStateTx)
	if err != nil {
		return i.recover(ctx, m, st, fmt.Errorf("failed to commit artifact data: %w", err))
	}

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "artifact committed", "artifact", h.ArtifactName)

	return errors.Join(m.Cleanup(ctx), deleteTree(m))
}

// recover runs the failure sequence after cause. The device is marked
// inconsistent when the module could not roll back.
func (i *Installer) recover(ctx context.Context, m *updatemodule.UpdateModule, st *State, cause error) error {
	logger := logctx.LoggerFromContext(ctx)
	logger.ErrorContext(ctx, "update failed, trying to roll back", "err", cause)

	errs := []error{cause}
	rolledBack := false

	supported, err := m.SupportsRollback(ctx)

	switch {
	case err != nil:
		errs = append(errs, err)
	case !supported:
		logger.WarnContext(ctx, "update module cannot roll back")
	default:
		if err := m.ArtifactRollback(ctx); err != nil {
			errs = append(errs, err)
		} else {
			rolledBack = true
		}
	}

	errs = append(errs, m.ArtifactFailure(ctx), m.Cleanup(ctx))

	if rolledBack {
		errs = append(errs, i.removeState())
	} else {
		errs = append(errs, i.markInconsistent(ctx, &st.Header))
	}

	errs = append(errs, deleteTree(m))

	return errors.Join(errs...)
}

func (i *Installer) markInconsistent(ctx context.Context, h *artifact.View) error {
	name := h.ArtifactName + device.BrokenArtifactNameSuffix

	logctx.LoggerFromContext(ctx).ErrorContext(ctx, "device left in an inconsistent state", "artifact", name)

	return i.device.CommitArtifactData(name, h.ArtifactGroup,
		h.TypeInfo.ArtifactProvides, h.TypeInfo.ClearsArtifactProvides, removeStateTx)
}

func (i *Installer) module(h *artifact.View, payload artifact.Payload) *updatemodule.UpdateModule {
	return updatemodule.New(i.cfg, i.device, payload, h, updatemodule.WithTelemetry(i.telemetry))
}

func (i *Installer) notify(ctx context.Context, content string) {
	if i.notifier == nil {
		return
	}

	if err := i.notifier.Notify(ctx, content); err != nil {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed to send notification", "err", err)
	}
}

func (i *Installer) loadState() (*State, error) {
	data, err := i.device.Store().Read(device.StandaloneStateKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNoUpdateInProgress
	}

	if err != nil {
		return nil, fmt.Errorf("failed to read update state: %w", err)
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to decode update state: %w", err)
	}

	if st.Version != stateVersion {
		return nil, fmt.Errorf("unsupported update state version %d", st.Version)
	}

	return &st, nil
}

func (i *Installer) saveState(st *State) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to encode update state: %w", err)
	}

	if err := i.device.Store().Write(device.StandaloneStateKey, data); err != nil {
		return fmt.Errorf("failed to save update state: %w", err)
	}

	return nil
}

func (i *Installer) removeState() error {
	return i.device.Store().Remove(device.StandaloneStateKey)
}

func removeStateTx(tx storage.Transaction) error {
	return tx.Remove(device.StandaloneStateKey)
}

func deleteTree(m *updatemodule.UpdateModule) error {
	return updatemodule.DeleteFileTree(m.WorkDir())
}
