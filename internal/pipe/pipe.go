// Package pipe owns the write side of named pipes shared with an update module.
package pipe

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// ErrNotOpen is returned by Write when the pipe has no open write handle.
var ErrNotOpen = errors.New("pipe is not open")

// Session is one named pipe on disk plus at most one open write handle on it.
// Open and Write block; Close may be called from another goroutine to abort them.
type Session struct {
	path string

	mu   sync.Mutex
	file *os.File
}

// Create makes a new named pipe at path, readable and writable by the owner only.
func Create(path string) (*Session, error) {
	if err := unix.Mkfifo(path, 0o600); err != nil {
		return nil, &fs.PathError{Op: "mkfifo", Path: path, Err: err}
	}

	return &Session{path: path}, nil
}

func (s *Session) Path() string {
	return s.path
}

type openResult struct {
	file *os.File
	err  error
}

// Open waits until a reader opens the pipe and keeps the resulting write handle.
//
// When ctx is done first, Open unblocks the pending open by briefly opening the
// pipe for reading itself, discards the handle and returns ctx.Err().
func (s *Session) Open(ctx context.Context) error {
	done := make(chan openResult, 1)

	go func() {
		f, err := os.OpenFile(s.path, os.O_WRONLY, 0)
		done <- openResult{file: f, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return fmt.Errorf("failed to open pipe: %w", res.err)
		}

		if ctx.Err() != nil {
			res.file.Close()

			return ctx.Err()
		}

		s.mu.Lock()
		defer s.mu.Unlock()

		if s.file != nil {
			s.file.Close()
		}

		s.file = res.file

		return nil
	case <-ctx.Done():
		rd, err := os.OpenFile(s.path, os.O_RDONLY|unix.O_NONBLOCK, 0)
		if err != nil {
			// Nothing can release the opener any more; let it clean up whenever it returns.
			go func() {
				if res := <-done; res.file != nil {
					res.file.Close()
				}
			}()

			return ctx.Err()
		}

		if res := <-done; res.file != nil {
			res.file.Close()
		}

		rd.Close()

		return ctx.Err()
	}
}

// Opened reports whether the pipe currently has an open write handle.
func (s *Session) Opened() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.file != nil
}

// Write writes all of p to the pipe. A reader that went away yields an error
// wrapping syscall.EPIPE.
func (s *Session) Write(p []byte) (int, error) {
	s.mu.Lock()
	f := s.file
	s.mu.Unlock()

	if f == nil {
		return 0, ErrNotOpen
	}

	return f.Write(p)
}

// Close releases the write handle, signalling end of data to the reader. It
// aborts a Write blocked in another goroutine. The pipe can be opened again
// afterwards.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return nil
	}

	err := s.file.Close()
	s.file = nil

	return err
}

// Remove closes the pipe and deletes it from disk. A pipe that is already gone is
// not an error.
func (s *Session) Remove() error {
	closeErr := s.Close()

	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return errors.Join(closeErr, err)
	}

	return closeErr
}
