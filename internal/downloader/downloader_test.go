package downloader_test

import (
	"context"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/update_agent/internal/artifact"
	"github.com/italolelis/update_agent/internal/downloader"
)

func writePayloadFiles(t *testing.T, contents map[string]string) []string {
	t.Helper()

	dir := t.TempDir()

	var paths []string

	for name, body := range contents {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
		paths = append(paths, p)
	}

	return paths
}

func TestDownloader_StoreAll(t *testing.T) {
	paths := writePayloadFiles(t, map[string]string{"rootfs": "first payload", "rootfs2": "second"})
	target := filepath.Join(t.TempDir(), "files")

	payload := artifact.NewFilesPayload(paths...)
	defer payload.Close()

	files, total, err := downloader.NewDownloader(target, nil).StoreAll(context.Background(), payload)
	require.NoError(t, err)
	assert.Equal(t, 2, files)
	assert.Equal(t, int64(len("first payload")+len("second")), total)

	data, err := os.ReadFile(filepath.Join(target, "rootfs"))
	require.NoError(t, err)
	assert.Equal(t, "first payload", string(data))

	data, err = os.ReadFile(filepath.Join(target, "rootfs2"))
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))
}

func TestDownloader_StoreAllConflicts(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(t *testing.T, target string)
		wantErr error
	}{
		{
			name: "directory in the way",
			prepare: func(t *testing.T, target string) {
				require.NoError(t, os.MkdirAll(filepath.Join(target, "rootfs"), 0o755))
			},
			wantErr: syscall.EISDIR,
		},
		{
			name: "existing file",
			prepare: func(t *testing.T, target string) {
				require.NoError(t, os.MkdirAll(target, 0o755))
				require.NoError(t, os.WriteFile(filepath.Join(target, "rootfs"), []byte("old"), 0o600))
			},
			wantErr: syscall.EEXIST,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			paths := writePayloadFiles(t, map[string]string{"rootfs": "new"})
			target := filepath.Join(t.TempDir(), "files")
			tt.prepare(t, target)

			payload := artifact.NewFilesPayload(paths...)
			defer payload.Close()

			_, _, err := downloader.NewDownloader(target, nil).StoreAll(context.Background(), payload)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestDownloader_StoreAllCancelled(t *testing.T) {
	paths := writePayloadFiles(t, map[string]string{"rootfs": "data"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	payload := artifact.NewFilesPayload(paths...)
	defer payload.Close()

	_, _, err := downloader.NewDownloader(filepath.Join(t.TempDir(), "files"), nil).StoreAll(ctx, payload)
	assert.ErrorIs(t, err, context.Canceled)
}
