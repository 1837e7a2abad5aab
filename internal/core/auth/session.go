package auth

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// FileStore persists the credential pair as JSON on disk, the daemon's
// equivalent of a config-entry store.
type FileStore struct {
	path string
}

// NewFileStore creates a session store at the given path
// (e.g. /data/session.json).
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load reads the stored credential. A missing file is not an error.
func (s *FileStore) Load() (Credential, bool, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Credential{}, false, nil
		}
		return Credential{}, false, fmt.Errorf("session: read %s: %w", s.path, err)
	}

	var cred Credential
	if err := json.Unmarshal(data, &cred); err != nil {
		return Credential{}, false, fmt.Errorf("session: parse %s: %w", s.path, err)
	}
	if cred.AccessToken == "" || cred.RefreshToken == "" {
		return Credential{}, false, nil
	}
	return cred, true, nil
}

// Save writes the credential pair, creating parent directories as needed.
// The file is written with owner-only permissions.
func (s *FileStore) Save(cred Credential) error {
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("session: create %s: %w", dir, err)
		}
	}

	data, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("session: marshal: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("session: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("session: rename %s: %w", tmp, err)
	}
	return nil
}

// Clear removes the stored credential. A missing file is not an error.
func (s *FileStore) Clear() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("session: remove %s: %w", s.path, err)
	}
	return nil
}

var _ SessionStore = (*FileStore)(nil)
