package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/hitoshi/japinait/internal/model"
)

// SessionStore はプロセスをまたいでセッションを保持する。
type SessionStore interface {
	// Load は保存済みセッションを返す。ない場合は nil。
	Load() (*model.Session, error)
	Save(session *model.Session) error
	Clear() error
}

// MemoryStore はプロセス内だけでセッションを保持する。
type MemoryStore struct {
	mu      sync.Mutex
	session *model.Session
}

func (m *MemoryStore) Load() (*model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session, nil
}

func (m *MemoryStore) Save(session *model.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session = session
	return nil
}

func (m *MemoryStore) Clear() error {
	return m.Save(nil)
}

// FileStore はセッションを所有者のみ読み書きできるJSONファイルに保存する。
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore はFileStoreを生成する。
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (f *FileStore) Load() (*model.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session file: %w", err)
	}

	var s model.Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse session file: %w", err)
	}
	return &s, nil
}

// Save は一時ファイルに書いてからリネームする。
func (f *FileStore) Save(session *model.Session) error {
	if session == nil {
		return f.Clear()
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".session-*")
	if err != nil {
		return fmt.Errorf("failed to create session file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to set session file mode: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write session file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write session file: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("failed to replace session file: %w", err)
	}
	return nil
}

func (f *FileStore) Clear() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove session file: %w", err)
	}
	return nil
}

// compile-time interface check
var (
	_ SessionStore = (*MemoryStore)(nil)
	_ SessionStore = (*FileStore)(nil)
)
