package artifact

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// View is the header metadata of the payload being installed, as exposed to
// update modules through the file tree.
type View struct {
	ArtifactName  string         `json:"artifact_name"`
	ArtifactGroup string         `json:"artifact_group"`
	PayloadType   string         `json:"payload_type"`
	HeaderInfo    HeaderInfo     `json:"header_info"`
	TypeInfo      TypeInfo       `json:"type_info"`
	MetaData      map[string]any `json:"meta_data,omitempty"`
}

type HeaderInfo struct {
	Payloads         []PayloadInfo     `json:"payloads"`
	ArtifactProvides map[string]string `json:"artifact_provides"`
	ArtifactDepends  map[string]any    `json:"artifact_depends"`
}

type PayloadInfo struct {
	Type string `json:"type"`
}

// TypeInfo holds the per-payload provides. A nil ClearsArtifactProvides marks an
// artifact written before clears-provides existed.
type TypeInfo struct {
	Type                   string            `json:"type"`
	ArtifactProvides       map[string]string `json:"artifact_provides"`
	ArtifactDepends        map[string]any    `json:"artifact_depends,omitempty"`
	ClearsArtifactProvides []string          `json:"clears_artifact_provides"`
}

// LoadView reads a View from a JSON file.
func LoadView(path string) (*View, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact header: %w", err)
	}

	var v View
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("failed to decode artifact header %s: %w", path, err)
	}

	if err := v.Validate(); err != nil {
		return nil, err
	}

	return &v, nil
}

func (v *View) Validate() error {
	if v.ArtifactName == "" {
		return errors.New("artifact header has no artifact_name")
	}

	if v.PayloadType == "" {
		return errors.New("artifact header has no payload_type")
	}

	return nil
}
