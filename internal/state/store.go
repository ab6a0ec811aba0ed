// Package state persists the OAuth token blob between process restarts.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// TokenStore keeps the token mapping in a JSON file. Contents are written
// whole on every save; a malformed or missing file degrades to "no token"
// rather than an error, forcing a clean full login.
type TokenStore struct {
	path string
}

func NewTokenStore(path string) *TokenStore {
	return &TokenStore{path: path}
}

// Load reads the stored token mapping. Returns nil when the file does not
// exist or does not parse.
func (s *TokenStore) Load() (map[string]any, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read token file: %w", err)
	}

	var blob map[string]any
	if err := json.Unmarshal(data, &blob); err != nil {
		return nil, nil
	}
	return blob, nil
}

// Save writes the token mapping, creating parent directories as needed. The
// file holds credentials, so it is not group or world readable.
func (s *TokenStore) Save(blob map[string]any) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create token directory: %w", err)
	}

	data, err := json.MarshalIndent(blob, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal token data: %w", err)
	}

	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write token file: %w", err)
	}
	return nil
}
