package tokenstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// FileStore keeps the refresh token in a JSON file readable only by the
// current user. Other keys in the file are preserved.
type FileStore struct {
	path string
	key  string
	mu   sync.Mutex
}

type fileContents struct {
	Tokens map[string]string `json:"tokens"`
}

// NewFileStore creates a file-backed store.
func NewFileStore(path, key string) *FileStore {
	if key == "" {
		key = DefaultKey
	}
	return &FileStore{path: path, key: key}
}

func (s *FileStore) Readable() bool { return true }

func (s *FileStore) Get(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	contents, err := s.load()
	if err != nil {
		return "", err
	}
	return contents.Tokens[s.key], nil
}

func (s *FileStore) Set(ctx context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// A corrupt file is replaced rather than blocking rotation.
	contents, err := s.load()
	if err != nil {
		contents = fileContents{}
	}
	if contents.Tokens == nil {
		contents.Tokens = make(map[string]string)
	}
	contents.Tokens[s.key] = token
	return s.write(contents)
}

func (s *FileStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	contents, err := s.load()
	if err != nil {
		// Nothing recoverable to keep; remove the file entirely.
		if rmErr := os.Remove(s.path); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			return fmt.Errorf("remove token file: %w", rmErr)
		}
		return nil
	}
	if _, ok := contents.Tokens[s.key]; !ok {
		return nil
	}
	delete(contents.Tokens, s.key)
	return s.write(contents)
}

func (s *FileStore) load() (fileContents, error) {
	var contents fileContents
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return contents, nil
		}
		return contents, fmt.Errorf("read token file: %w", err)
	}
	if err := json.Unmarshal(data, &contents); err != nil {
		return contents, fmt.Errorf("parse token file: %w", err)
	}
	return contents, nil
}

// write replaces the file atomically via a temp file and rename.
func (s *FileStore) write(contents fileContents) error {
	data, err := json.MarshalIndent(contents, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create token dir: %w", err)
	}

	tempFile := s.path + ".tmp"
	if err := os.WriteFile(tempFile, data, 0o600); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}

	if err := os.Rename(tempFile, s.path); err != nil {
		if removeErr := os.Remove(tempFile); removeErr != nil {
			return fmt.Errorf("rename temp file: %v; additionally failed to remove temp file: %w", err, removeErr)
		}
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
