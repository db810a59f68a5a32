package updatemodule_test

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/update_agent/internal/artifact"
	"github.com/italolelis/update_agent/internal/updatemodule"
)

const payloadSize = 1024 * 1024

func assertPipesRemoved(t *testing.T, workDir string) {
	t.Helper()

	assert.NoFileExists(t, filepath.Join(workDir, "stream-next"))
	assert.NoDirExists(t, filepath.Join(workDir, "streams"))
}

func assertFile(t *testing.T, path string, want []byte) {
	t.Helper()

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, len(got) == len(want) && string(got) == string(want),
		"content of %s differs: got %d bytes, want %d", path, len(got), len(want))
}

// TestDownload_Streaming checks that modules reading stream-next receive every payload stream in order.
func TestDownload_Streaming(t *testing.T) {
	tests := []struct {
		name    string
		streams []string
		script  string
		outputs map[string]string // stream name -> file written by the module
	}{
		{
			name:    "one stream",
			streams: []string{"rootfs"},
			script: `set -e
test "$1" = "Download" || exit 0
file="$(cat stream-next)"
test "$file" = "streams/rootfs"
cat "$file" > payload
file="$(cat stream-next)"
test "$file" = ""`,
			outputs: map[string]string{"rootfs": "payload"},
		},
		{
			name:    "two streams in order",
			streams: []string{"rootfs", "rootfs2"},
			script: `set -e
test "$1" = "Download" || exit 0
file="$(cat stream-next)"
test "$file" = "streams/rootfs"
cat "$file" > payload
file="$(cat stream-next)"
test "$file" = "streams/rootfs2"
test ! -e streams/rootfs
cat "$file" > payload2
file="$(cat stream-next)"
test "$file" = ""`,
			outputs: map[string]string{"rootfs": "payload", "rootfs2": "payload2"},
		},
		{
			name:    "no streams",
			streams: nil,
			script: `set -e
test "$1" = "Download" || exit 0
file="$(cat stream-next)"
test "$file" = ""`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			paths, contents := writePayload(t, payloadSize, tt.streams...)
			tm := newTestModule(t, tt.script, 10*time.Second, paths...)

			require.NoError(t, tm.module.Download(context.Background()))

			for stream, file := range tt.outputs {
				assertFile(t, filepath.Join(tm.workDir, file), contents[stream])
			}

			assert.NoDirExists(t, filepath.Join(tm.workDir, "files"))
			assertPipesRemoved(t, tm.workDir)
		})
	}
}

// TestDownload_StoreFiles checks the fallback that stores streams under files/ for modules that never open stream-next.
func TestDownload_StoreFiles(t *testing.T) {
	tests := []struct {
		name    string
		streams []string
	}{
		{name: "one file", streams: []string{"rootfs"}},
		{name: "two files", streams: []string{"rootfs", "rootfs2"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			paths, contents := writePayload(t, payloadSize, tt.streams...)
			tm := newTestModule(t, "exit 0", 10*time.Second, paths...)

			require.NoError(t, tm.module.Download(context.Background()))

			for _, stream := range tt.streams {
				assertFile(t, filepath.Join(tm.workDir, "files", stream), contents[stream])
			}

			assertPipesRemoved(t, tm.workDir)
		})
	}
}

// TestDownload_StoreFilesFailure checks that a directory in the way of a stored file fails with EISDIR.
func TestDownload_StoreFilesFailure(t *testing.T) {
	paths, _ := writePayload(t, payloadSize, "rootfs")
	tm := newTestModule(t, `mkdir -p files/rootfs
exit 0`, 10*time.Second, paths...)

	err := tm.module.Download(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, syscall.EISDIR), "unexpected error: %v", err)

	var fsErr *updatemodule.FilesystemError
	assert.ErrorAs(t, err, &fsErr)
}

// TestDownload_StoreFilesPayloadError verifies that a payload that cannot be
// read is not reported as a filesystem failure of the files directory.
func TestDownload_StoreFilesPayloadError(t *testing.T) {
	var buf bytes.Buffer

	tw := tar.NewWriter(&buf)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "link", Typeflag: tar.TypeSymlink, Linkname: "rootfs"}))
	require.NoError(t, tw.Close())

	tm := newTestModule(t, "exit 0", 10*time.Second)
	m := updatemodule.New(
		updatemodule.Config{Timeout: 10 * time.Second},
		fakeDevice{},
		artifact.NewTarPayload(&buf),
		testView(),
		updatemodule.WithModulePath(tm.module.ModulePath()),
		updatemodule.WithWorkDir(tm.workDir),
	)

	err := m.Download(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported payload entry")

	var fsErr *updatemodule.FilesystemError
	assert.False(t, errors.As(err, &fsErr), "unexpected filesystem error: %v", err)
	assertPipesRemoved(t, tm.workDir)
}

// TestDownload_Failures covers modules that exit or stop reading in the middle of the streaming protocol.
func TestDownload_Failures(t *testing.T) {
	tests := []struct {
		name     string
		script   string
		wantErr  error
		wantExit int
	}{
		{
			name:     "fails immediately",
			script:   "exit 2",
			wantExit: 2,
		},
		{
			name: "dies midway",
			script: `file="$(cat stream-next)"
dd if="$file" of=payload bs=4096 count=1`,
			wantErr: syscall.EPIPE,
		},
		{
			name:    "does not open stream",
			script:  `cat stream-next > /dev/null`,
			wantErr: syscall.EPIPE,
		},
		{
			name:    "opens stream-next but does not read it",
			script:  `dd if=stream-next of=/dev/null count=0`,
			wantErr: syscall.EPIPE,
		},
		{
			name: "crashes after reading stream-next",
			script: `cat stream-next > /dev/null
exit 2`,
			wantExit: 2,
		},
		{
			name: "reads everything except last entry",
			script: `file="$(cat stream-next)"
cat "$file" > payload`,
			wantErr: syscall.EPIPE,
		},
		{
			name: "crashes after reading everything",
			script: `file="$(cat stream-next)"
cat "$file" > payload
exit 3`,
			wantExit: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			paths, _ := writePayload(t, payloadSize, "rootfs")
			tm := newTestModule(t, tt.script, 10*time.Second, paths...)

			err := tm.module.Download(context.Background())
			require.Error(t, err)

			if tt.wantExit != 0 {
				var exitErr *updatemodule.ExitError
				require.ErrorAs(t, err, &exitErr)
				assert.Equal(t, tt.wantExit, exitErr.ExitCode)
				assert.Contains(t, err.Error(), " "+strconv.Itoa(tt.wantExit))
			}

			if tt.wantErr != nil {
				assert.True(t, errors.Is(err, tt.wantErr), "unexpected error: %v", err)
			}

			assertPipesRemoved(t, tm.workDir)
		})
	}
}

// TestDownload_BrokenPipePhase checks which pipe and phase a broken pipe error names.
func TestDownload_BrokenPipePhase(t *testing.T) {
	tests := []struct {
		name      string
		script    string
		wantPipe  string
		wantPhase updatemodule.Phase
	}{
		{
			name:      "announced stream never opened",
			script:    `cat stream-next > /dev/null`,
			wantPipe:  "streams/rootfs",
			wantPhase: updatemodule.PhaseNeverOpened,
		},
		{
			name: "final stream-next never opened",
			script: `file="$(cat stream-next)"
cat "$file" > /dev/null`,
			wantPipe:  "stream-next",
			wantPhase: updatemodule.PhaseNeverOpened,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			paths, _ := writePayload(t, 4096, "rootfs")
			tm := newTestModule(t, tt.script, 10*time.Second, paths...)

			err := tm.module.Download(context.Background())

			var pipeErr *updatemodule.BrokenPipeError
			require.ErrorAs(t, err, &pipeErr)
			assert.Equal(t, tt.wantPipe, pipeErr.Pipe)
			assert.Equal(t, tt.wantPhase, pipeErr.Phase)
			assert.Equal(t, updatemodule.VerbDownload, pipeErr.Verb)
		})
	}
}

// TestDownload_Timeout verifies that a module making no progress is killed with a timeout error.
func TestDownload_Timeout(t *testing.T) {
	paths, _ := writePayload(t, payloadSize, "rootfs")
	tm := newTestModule(t, `echo $$ > pid
cat stream-next > /dev/null
sleep 2`, time.Second, paths...)

	start := time.Now()
	err := tm.module.Download(context.Background())
	require.Error(t, err)

	assert.True(t, errors.Is(err, syscall.ETIMEDOUT), "unexpected error: %v", err)

	var timeoutErr *updatemodule.TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, time.Second, timeoutErr.Timeout)
	assert.Less(t, time.Since(start), 2*time.Second)

	pidText, err := os.ReadFile(filepath.Join(tm.workDir, "pid"))
	require.NoError(t, err)

	pid, err := strconv.Atoi(strings.TrimSpace(string(pidText)))
	require.NoError(t, err)
	assert.ErrorIs(t, syscall.Kill(pid, 0), syscall.ESRCH, "module is still running")

	assertPipesRemoved(t, tm.workDir)
}

// TestDownload_TimeoutResetsOnProgress verifies that the timeout bounds the gap
// between protocol steps, not the whole download.
func TestDownload_TimeoutResetsOnProgress(t *testing.T) {
	paths, contents := writePayload(t, 4096, "rootfs1", "rootfs2", "rootfs3", "rootfs4")
	tm := newTestModule(t, `set -e
test "$1" = "Download" || exit 0
n=0
while :; do
	sleep 0.6
	file="$(cat stream-next)"
	test -n "$file" || break
	sleep 0.6
	n=$((n + 1))
	cat "$file" > "payload$n"
done`, time.Second, paths...)

	start := time.Now()
	require.NoError(t, tm.module.Download(context.Background()))
	assert.Greater(t, time.Since(start), 3*time.Second)

	for i, stream := range []string{"rootfs1", "rootfs2", "rootfs3", "rootfs4"} {
		assertFile(t, filepath.Join(tm.workDir, "payload"+strconv.Itoa(i+1)), contents[stream])
	}

	assertPipesRemoved(t, tm.workDir)
}

// TestDownload_PartialReadThenExitCode verifies that a module closing its stream
// early is reported as an abandoned pipe even when it then exits non-zero.
func TestDownload_PartialReadThenExitCode(t *testing.T) {
	paths, _ := writePayload(t, payloadSize, "rootfs")
	tm := newTestModule(t, `file="$(cat stream-next)"
dd if="$file" of=/dev/null bs=4096 count=1 2>/dev/null
exit 7`, 10*time.Second, paths...)

	err := tm.module.Download(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, syscall.EPIPE), "unexpected error: %v", err)

	var pipeErr *updatemodule.BrokenPipeError
	require.ErrorAs(t, err, &pipeErr)
	assert.Equal(t, "streams/rootfs", pipeErr.Pipe)
	assert.Equal(t, updatemodule.PhaseAbandoned, pipeErr.Phase)

	var exitErr *updatemodule.ExitError
	assert.False(t, errors.As(err, &exitErr))

	assertPipesRemoved(t, tm.workDir)
}

// TestDownload_ContextCancelled verifies that cancelling the context stops the module and cleans up.
func TestDownload_ContextCancelled(t *testing.T) {
	paths, _ := writePayload(t, payloadSize, "rootfs")
	tm := newTestModule(t, `cat stream-next > /dev/null
sleep 30`, time.Minute, paths...)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := tm.module.Download(ctx)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 10*time.Second)
	assertPipesRemoved(t, tm.workDir)
}

// TestDownload_MissingModule verifies that a module that does not exist fails to spawn.
func TestDownload_MissingModule(t *testing.T) {
	tm := newTestModule(t, "exit 0", time.Second)
	missing := updatemodule.New(
		updatemodule.Config{ModulesPath: t.TempDir(), Timeout: time.Second},
		fakeDevice{},
		tm.payload,
		testView(),
		updatemodule.WithWorkDir(tm.workDir),
	)

	err := missing.Download(context.Background())

	var spawnErr *updatemodule.SpawnError
	require.ErrorAs(t, err, &spawnErr)
	assert.ErrorIs(t, err, os.ErrNotExist)
	assertPipesRemoved(t, tm.workDir)
}

// TestDownload_ConcurrentUsePanics verifies that a second call on a busy module panics.
func TestDownload_ConcurrentUsePanics(t *testing.T) {
	paths, _ := writePayload(t, 4096, "rootfs")
	tm := newTestModule(t, `touch started
sleep 1`, 10*time.Second, paths...)

	done := make(chan error, 1)

	go func() {
		done <- tm.module.Download(context.Background())
	}()

	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(tm.workDir, "started"))
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	assert.Panics(t, func() { _ = tm.module.ArtifactInstall(context.Background()) })

	require.NoError(t, <-done)
}
