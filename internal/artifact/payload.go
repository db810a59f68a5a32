package artifact

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// PayloadFile is one named data stream of a payload.
type PayloadFile struct {
	io.Reader

	Name string
	// Size is the stream length in bytes, or -1 when unknown.
	Size int64
}

// Payload yields the data streams of an artifact payload in order. Next returns
// io.EOF once every stream was handed out. Streams are single pass: calling Next
// invalidates the reader of the previous stream.
type Payload interface {
	Next() (*PayloadFile, error)
}

// ValidateStreamName rejects names that would escape the directory the stream is
// exposed in.
func ValidateStreamName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, "/\x00") {
		return fmt.Errorf("invalid payload stream name %q", name)
	}

	return nil
}

// TarPayload reads payload streams from an uncompressed tar archive. Directory
// entries are skipped.
type TarPayload struct {
	tr *tar.Reader
}

func NewTarPayload(r io.Reader) *TarPayload {
	return &TarPayload{tr: tar.NewReader(r)}
}

func (p *TarPayload) Next() (*PayloadFile, error) {
	for {
		hdr, err := p.tr.Next()
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}

		if err != nil {
			return nil, fmt.Errorf("failed to read payload archive: %w", err)
		}

		if hdr.Typeflag == tar.TypeDir {
			continue
		}

		if hdr.Typeflag != tar.TypeReg {
			return nil, fmt.Errorf("unsupported payload entry %q of type %q", hdr.Name, hdr.Typeflag)
		}

		if err := ValidateStreamName(hdr.Name); err != nil {
			return nil, err
		}

		return &PayloadFile{Reader: p.tr, Name: hdr.Name, Size: hdr.Size}, nil
	}
}

// FilesPayload exposes local files as payload streams, named after their base name.
type FilesPayload struct {
	paths   []string
	current *os.File
}

func NewFilesPayload(paths ...string) *FilesPayload {
	return &FilesPayload{paths: paths}
}

func (p *FilesPayload) Next() (*PayloadFile, error) {
	if err := p.Close(); err != nil {
		return nil, err
	}

	if len(p.paths) == 0 {
		return nil, io.EOF
	}

	path := p.paths[0]
	p.paths = p.paths[1:]

	name := filepath.Base(path)
	if err := ValidateStreamName(name); err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open payload file: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()

		return nil, fmt.Errorf("failed to stat payload file: %w", err)
	}

	p.current = f

	return &PayloadFile{Reader: f, Name: name, Size: info.Size()}, nil
}

// Close releases the file of the current stream.
func (p *FilesPayload) Close() error {
	if p.current == nil {
		return nil
	}

	err := p.current.Close()
	p.current = nil

	return err
}
