package device

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/samber/lo"

	"github.com/italolelis/update_agent/internal/storage"
)

// Store keys.
const (
	ArtifactNameKey     = "artifact-name"
	ArtifactGroupKey    = "artifact-group"
	ArtifactProvidesKey = "artifact-provides"
	StandaloneStateKey  = "standalone-state"
)

// Provides keys that live in their own store keys instead of artifact-provides.
const (
	ProvidesArtifactName  = "artifact_name"
	ProvidesArtifactGroup = "artifact_group"
)

// BrokenArtifactNameSuffix marks an installed artifact whose update failed and
// could not be rolled back.
const BrokenArtifactNameSuffix = "_INCONSISTENT"

const deviceTypeFile = "device_type"

var (
	ErrNotFound = errors.New("not found")
	// ErrParse is returned for device_type files and stored provides that cannot be parsed.
	ErrParse = errors.New("parse error")
	// ErrValue is returned for well formed data holding unexpected values.
	ErrValue = errors.New("value error")
)

// State gives access to what is currently installed on the device.
type State struct {
	dataStoreDir string
	store        storage.KeyValueStore
}

func NewState(dataStoreDir string, store storage.KeyValueStore) *State {
	return &State{dataStoreDir: dataStoreDir, store: store}
}

// Store returns the underlying key-value store.
func (s *State) Store() storage.KeyValueStore {
	return s.store
}

// DeviceType reads the device type from the device_type file in the data store
// directory. The file must hold exactly one non-empty "device_type=<value>" line.
func (s *State) DeviceType() (string, error) {
	p := filepath.Join(s.dataStoreDir, deviceTypeFile)

	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%w: %w", ErrNotFound, err)
	}

	if err != nil {
		return "", fmt.Errorf("failed to read device type: %w", err)
	}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	if !scanner.Scan() {
		return "", fmt.Errorf("%w: %s is empty", ErrParse, p)
	}

	value, ok := strings.CutPrefix(scanner.Text(), "device_type=")
	if !ok {
		return "", fmt.Errorf("%w: %s does not start with device_type=", ErrParse, p)
	}

	for scanner.Scan() {
		if strings.TrimSpace(scanner.Text()) != "" {
			return "", fmt.Errorf("%w: trailing data in %s", ErrValue, p)
		}
	}

	return value, nil
}

// ArtifactName returns the name of the installed artifact.
func (s *State) ArtifactName() (string, error) {
	return readString(s.store, ArtifactNameKey)
}

// ArtifactGroup returns the group of the installed artifact.
func (s *State) ArtifactGroup() (string, error) {
	return readString(s.store, ArtifactGroupKey)
}

// LoadProvides returns every provide of the installed artifact, including
// artifact_name and artifact_group when they are set.
func (s *State) LoadProvides() (map[string]string, error) {
	return loadProvides(s.store)
}

// CommitArtifactData records a newly installed artifact in one transaction.
//
// Existing provides matching any pattern in clears are dropped before provides is
// merged on top. A nil clears means the artifact predates clears-provides and
// replaces every existing provide. An empty group keeps the current group unless
// clears removes it. extra, when not nil, runs inside the same transaction.
func (s *State) CommitArtifactData(
	name, group string,
	provides map[string]string,
	clears []string,
	extra func(tx storage.Transaction) error,
) error {
	return s.store.WriteTransaction(func(tx storage.Transaction) error {
		existing, err := loadProvides(tx)
		if err != nil {
			return err
		}

		kept := map[string]string{}
		if clears != nil {
			kept = lo.OmitBy(existing, func(key, _ string) bool {
				return matchesAny(clears, key)
			})
		}

		merged := lo.Assign(kept, provides)
		if name != "" {
			merged[ProvidesArtifactName] = name
		}

		if group != "" {
			merged[ProvidesArtifactGroup] = group
		}

		if err := writeOrRemove(tx, ArtifactNameKey, merged[ProvidesArtifactName]); err != nil {
			return err
		}

		if err := writeOrRemove(tx, ArtifactGroupKey, merged[ProvidesArtifactGroup]); err != nil {
			return err
		}

		rest := lo.OmitByKeys(merged, []string{ProvidesArtifactName, ProvidesArtifactGroup})
		if len(rest) == 0 {
			if err := tx.Remove(ArtifactProvidesKey); err != nil {
				return err
			}
		} else {
			data, err := json.Marshal(rest)
			if err != nil {
				return fmt.Errorf("failed to encode provides: %w", err)
			}

			if err := tx.Write(ArtifactProvidesKey, data); err != nil {
				return err
			}
		}

		if extra != nil {
			return extra(tx)
		}

		return nil
	})
}

func matchesAny(patterns []string, key string) bool {
	return lo.ContainsBy(patterns, func(pattern string) bool {
		ok, err := path.Match(pattern, key)
		return err == nil && ok
	})
}

func writeOrRemove(tx storage.Transaction, key, value string) error {
	if value == "" {
		return tx.Remove(key)
	}

	return tx.Write(key, []byte(value))
}

func readString(r storage.KeyValueReadRepository, key string) (string, error) {
	data, err := r.Read(key)
	if errors.Is(err, storage.ErrNotFound) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}

	if err != nil {
		return "", err
	}

	return string(data), nil
}

func loadProvides(r storage.KeyValueReadRepository) (map[string]string, error) {
	provides := map[string]string{}

	for key, provide := range map[string]string{
		ArtifactNameKey:  ProvidesArtifactName,
		ArtifactGroupKey: ProvidesArtifactGroup,
	} {
		value, err := readString(r, key)
		if errors.Is(err, ErrNotFound) {
			continue
		}

		if err != nil {
			return nil, err
		}

		provides[provide] = value
	}

	data, err := r.Read(ArtifactProvidesKey)
	if errors.Is(err, storage.ErrNotFound) {
		return provides, nil
	}

	if err != nil {
		return nil, err
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: stored provides: %w", ErrParse, err)
	}

	for key, value := range raw {
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("%w: provide %q is %T, not a string", ErrValue, key, value)
		}

		provides[key] = s
	}

	return provides, nil
}
