package auth

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ExpirySkew is subtracted from a credential's expiry so it is refreshed
// before the provider starts rejecting it.
const ExpirySkew = 60 * time.Second

type Credential struct {
	Access    string
	Refresh   string
	ExpiresAt time.Time
	Region    string
}

// Expired reports whether now >= ExpiresAt - ExpirySkew.
func (c *Credential) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt.Add(-ExpirySkew))
}

type Store interface {
	Load() (*Credential, error)
	Save(*Credential) error
}

// credentialFile is the on-disk form. Expires is the absolute expiry in Unix
// seconds.
type credentialFile struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
	Expires int64  `json:"expires"`
	Region  string `json:"region"`
}

// FileStore keeps one credential as JSON at a fixed path.
type FileStore struct {
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) Load() (*Credential, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoCredential
		}
		return nil, fmt.Errorf("read credential: %w", err)
	}

	var f credentialFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode credential %s: %w", s.path, err)
	}
	if f.Access == "" {
		return nil, fmt.Errorf("decode credential %s: missing access token", s.path)
	}

	return &Credential{
		Access:    f.Access,
		Refresh:   f.Refresh,
		ExpiresAt: time.Unix(f.Expires, 0),
		Region:    f.Region,
	}, nil
}

// Save writes c to a temp file in the same directory and renames it over the
// target, so readers never observe a partial record.
func (s *FileStore) Save(c *Credential) error {
	if c == nil {
		return fmt.Errorf("save credential: nil credential")
	}

	data, err := json.MarshalIndent(credentialFile{
		Access:  c.Access,
		Refresh: c.Refresh,
		Expires: c.ExpiresAt.Unix(),
		Region:  c.Region,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode credential: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create credential dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp credential: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp credential: %w", err)
	}
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp credential: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp credential: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp credential: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replace credential: %w", err)
	}
	return nil
}
