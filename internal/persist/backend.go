// Package persist stores opaque JSON snapshots under string keys. The entity
// store and the mutation queue each keep their state in one or more keys of
// the same backend.
package persist

import (
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
)

var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrUnsupportedScheme = errors.New("unsupported backend scheme")
)

// Backend loads and saves snapshots. Load returns nil, nil for a key that was
// never saved.
type Backend interface {
	Load(key string) ([]byte, error)
	Save(key string, data []byte) error
	Close() error
}

var validKey = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

func checkKey(key string) error {
	if !validKey.MatchString(key) {
		return ErrInvalidInput
	}
	return nil
}

type MemoryBackend struct {
	mu        sync.Mutex
	snapshots map[string][]byte
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{snapshots: map[string][]byte{}}
}

func (b *MemoryBackend) Load(key string) ([]byte, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.snapshots[key]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), data...), nil
}

func (b *MemoryBackend) Save(key string, data []byte) error {
	if err := checkKey(key); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snapshots[key] = append([]byte(nil), data...)
	return nil
}

func (b *MemoryBackend) Close() error {
	return nil
}

// FileBackend keeps each key in <dir>/<key>.json, replaced atomically on save.
type FileBackend struct {
	dir string
	mu  sync.Mutex
}

func NewFileBackend(dir string) (*FileBackend, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, ErrInvalidInput
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &FileBackend{dir: filepath.Clean(dir)}, nil
}

func (b *FileBackend) Dir() string {
	return b.dir
}

func (b *FileBackend) Load(key string) ([]byte, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	data, err := os.ReadFile(b.pathFor(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return data, nil
}

func (b *FileBackend) Save(key string, data []byte) error {
	if err := checkKey(key); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return writeFileAtomic(b.pathFor(key), data, 0o644)
}

func (b *FileBackend) Close() error {
	return nil
}

func (b *FileBackend) pathFor(key string) string {
	return filepath.Join(b.dir, key+".json")
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
