package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"
)

// FileStore performs the local file operations of the download queue:
// temporary files, final moves and cleanup.
type FileStore struct {
	fs afero.Fs
}

func NewFileStore(fs afero.Fs) *FileStore {
	return &FileStore{fs: fs}
}

func (s *FileStore) Fs() afero.Fs {
	return s.fs
}

// CreateEmpty creates (or truncates) a zero-byte file with its parents.
func (s *FileStore) CreateEmpty(path string) error {
	if err := s.fs.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	f, err := s.fs.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	return f.Close()
}

// Move renames src to dst, copying across filesystems when rename fails.
func (s *FileStore) Move(src, dst string) error {
	if err := s.fs.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	if err := s.fs.Rename(src, dst); err == nil {
		return nil
	}

	in, err := s.fs.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open source: %w", err)
	}
	defer in.Close()

	out, err := s.fs.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to create target: %w", err)
	}
	buf := make([]byte, 32*1024)
	if _, err := io.CopyBuffer(out, in, buf); err != nil {
		out.Close()
		s.fs.Remove(dst)
		return fmt.Errorf("failed to copy file: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("failed to close target: %w", err)
	}
	return s.fs.Remove(src)
}

// Remove deletes path; a missing file is not an error.
func (s *FileStore) Remove(path string) error {
	if err := s.fs.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove file: %w", err)
	}
	return nil
}

func (s *FileStore) Exists(path string) bool {
	ok, err := afero.Exists(s.fs, path)
	return err == nil && ok
}

func (s *FileStore) Open(path string) (afero.File, error) {
	return s.fs.Open(path)
}

// QueueStore persists the serialized queue. Writes go to a temporary file
// that replaces the previous version atomically; the previous version is
// kept as a backup.
type QueueStore struct {
	fs   afero.Fs
	path string
	mu   sync.Mutex
}

func NewQueueStore(fs afero.Fs, path string) (*QueueStore, error) {
	if err := fs.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create queue directory: %w", err)
	}
	return &QueueStore{fs: fs, path: path}, nil
}

func (s *QueueStore) Path() string {
	return s.path
}

func (s *QueueStore) backupPath() string {
	return s.path + ".bak"
}

func (s *QueueStore) Write(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tmp := s.path + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, data, 0644); err != nil {
		s.fs.Remove(tmp)
		return fmt.Errorf("failed to write queue: %w", err)
	}

	if ok, _ := afero.Exists(s.fs, s.path); ok {
		s.fs.Remove(s.backupPath())
		if err := s.fs.Rename(s.path, s.backupPath()); err != nil {
			s.fs.Remove(tmp)
			return fmt.Errorf("failed to back up queue: %w", err)
		}
	}

	if err := s.fs.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace queue: %w", err)
	}
	return nil
}

// Read returns the current queue file, or os.ErrNotExist.
func (s *QueueStore) Read() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return afero.ReadFile(s.fs, s.path)
}

func (s *QueueStore) ReadBackup() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return afero.ReadFile(s.fs, s.backupPath())
}
