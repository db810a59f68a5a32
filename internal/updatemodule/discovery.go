package updatemodule

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/samber/lo"
)

// DiscoverUpdateModules lists the executable files in the protocol directory
// below modulesPath. A missing directory yields an empty list.
func DiscoverUpdateModules(modulesPath string) ([]string, error) {
	dir := filepath.Join(modulesPath, "v"+ProtocolVersion)

	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return []string{}, nil
	}

	if err != nil {
		return nil, &FilesystemError{Op: "list", Path: dir, Err: err}
	}

	return lo.FilterMap(entries, func(entry os.DirEntry, _ int) (string, bool) {
		path := filepath.Join(dir, entry.Name())

		info, err := os.Stat(path)
		if err != nil {
			return "", false
		}

		return path, info.Mode().IsRegular() && info.Mode().Perm()&0o111 != 0
	}), nil
}
