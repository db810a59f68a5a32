package updatemodule

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"

	"github.com/italolelis/update_agent/internal/device"
	"github.com/italolelis/update_agent/internal/logctx"
)

const headerDir = "header"

// PrepareFileTree writes the working tree the module reads its inputs from.
// Device facts that are not known yet are left out. A failed call may leave a
// partial tree behind; DeleteFileTree removes it.
func (m *UpdateModule) PrepareFileTree(ctx context.Context, path string) error {
	logger := logctx.LoggerFromContext(ctx).With("tree", path)

	header := filepath.Join(path, headerDir)
	if err := os.MkdirAll(header, 0o700); err != nil {
		return &FilesystemError{Op: "create", Path: header, Err: err}
	}

	if err := writeTreeFile(path, "version", ProtocolVersion+"\n"); err != nil {
		return err
	}

	facts := []struct {
		file string
		read func() (string, error)
	}{
		{file: "current_artifact_name", read: m.device.ArtifactName},
		{file: "current_artifact_group", read: m.device.ArtifactGroup},
		{file: "current_device_type", read: m.device.DeviceType},
	}

	for _, fact := range facts {
		value, err := fact.read()
		if errors.Is(err, device.ErrNotFound) {
			logger.DebugContext(ctx, "device fact not available, leaving it out", "file", fact.file)
			continue
		}

		if err != nil {
			return err
		}

		if err := writeTreeFile(path, fact.file, value+"\n"); err != nil {
			return err
		}
	}

	headerInfo, err := json.Marshal(m.view.HeaderInfo)
	if err != nil {
		return err
	}

	typeInfo, err := json.Marshal(m.view.TypeInfo)
	if err != nil {
		return err
	}

	var metaData []byte
	if len(m.view.MetaData) > 0 {
		if metaData, err = json.Marshal(m.view.MetaData); err != nil {
			return err
		}
	}

	files := map[string]string{
		"artifact_group": m.view.ArtifactGroup,
		"artifact_name":  m.view.ArtifactName,
		"payload_type":   m.view.PayloadType,
		"header_info":    string(headerInfo),
		"type_info":      string(typeInfo),
		"meta_data":      string(metaData),
	}

	for name, content := range files {
		if err := writeTreeFile(header, name, content); err != nil {
			return err
		}
	}

	logger.DebugContext(ctx, "prepared update module file tree")

	return nil
}

// DeleteFileTree removes a working tree. A tree that does not exist is an error.
func DeleteFileTree(path string) error {
	if _, err := os.Lstat(path); err != nil {
		return &FilesystemError{Op: "stat", Path: path, Err: err}
	}

	if err := os.RemoveAll(path); err != nil {
		return &FilesystemError{Op: "remove", Path: path, Err: err}
	}

	return nil
}

func writeTreeFile(dir, name, content string) error {
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return &FilesystemError{Op: "write", Path: path, Err: err}
	}

	return nil
}
