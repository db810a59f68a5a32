package updatemodule_test

import (
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/italolelis/update_agent/internal/artifact"
	"github.com/italolelis/update_agent/internal/device"
	"github.com/italolelis/update_agent/internal/updatemodule"
)

type fakeDevice struct {
	deviceType string
	name       string
	group      string
	typeErr    error
}

func (d fakeDevice) DeviceType() (string, error) {
	if d.typeErr != nil {
		return "", d.typeErr
	}

	return orNotFound(d.deviceType)
}

func (d fakeDevice) ArtifactName() (string, error) {
	return orNotFound(d.name)
}

func (d fakeDevice) ArtifactGroup() (string, error) {
	return orNotFound(d.group)
}

func orNotFound(v string) (string, error) {
	if v == "" {
		return "", device.ErrNotFound
	}

	return v, nil
}

func testView() *artifact.View {
	return &artifact.View{
		ArtifactName:  "artifact-name",
		ArtifactGroup: "artifact-group",
		PayloadType:   "test-module",
		HeaderInfo: artifact.HeaderInfo{
			Payloads:         []artifact.PayloadInfo{{Type: "test-module"}},
			ArtifactProvides: map[string]string{"artifact_name": "artifact-name"},
			ArtifactDepends:  map[string]any{"device_type": []any{"test-device"}},
		},
		TypeInfo: artifact.TypeInfo{
			Type:                   "test-module",
			ArtifactProvides:       map[string]string{"rootfs-image.version": "v2"},
			ClearsArtifactProvides: []string{"rootfs-image.*"},
		},
	}
}

// writeScript creates an executable /bin/sh module.
func writeScript(t *testing.T, dir, body string) string {
	t.Helper()

	path := filepath.Join(dir, "test-module")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))

	return path
}

// writePayload creates one file of random content per name, in order.
func writePayload(t *testing.T, size int, names ...string) ([]string, map[string][]byte) {
	t.Helper()

	dir := t.TempDir()
	paths := make([]string, 0, len(names))
	contents := make(map[string][]byte, len(names))

	for _, name := range names {
		data := make([]byte, size)
		_, err := rand.Read(data)
		require.NoError(t, err)

		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, data, 0o600))

		paths = append(paths, path)
		contents[name] = data
	}

	return paths, contents
}

type testModule struct {
	module  *updatemodule.UpdateModule
	workDir string
	payload *artifact.FilesPayload
}

func newTestModule(t *testing.T, script string, timeout time.Duration, payloadPaths ...string) *testModule {
	t.Helper()

	root := t.TempDir()
	workDir := filepath.Join(root, "tree")
	require.NoError(t, os.MkdirAll(workDir, 0o700))

	payload := artifact.NewFilesPayload(payloadPaths...)
	t.Cleanup(func() { _ = payload.Close() })

	m := updatemodule.New(
		updatemodule.Config{ModulesPath: root, ModulesWorkPath: root, Timeout: timeout},
		fakeDevice{deviceType: "test-device"},
		payload,
		testView(),
		updatemodule.WithModulePath(writeScript(t, root, script)),
		updatemodule.WithWorkDir(workDir),
	)

	return &testModule{module: m, workDir: workDir, payload: payload}
}
