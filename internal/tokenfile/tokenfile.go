// Package tokenfile stores credentials as one JSON file per principal in a
// private directory. Writes are atomic (temp file + fsync + rename) so the
// access and refresh token on disk are always a matching pair.
package tokenfile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/chuanqiongzhr/eve-service/internal/credential"
	"github.com/chuanqiongzhr/eve-service/internal/principal"
)

// FilePerms restricts token files to owner-only read/write.
const FilePerms = 0o600

// DirPerms is used when creating the tokens directory.
const DirPerms = 0o700

const fileSuffix = ".json"

// File is the on-disk format. The version field lets a future layout change
// refuse old files instead of misreading them.
type File struct {
	Version    int                    `json:"version"`
	Credential *credential.Credential `json:"credential"`
}

const currentVersion = 1

// Store is a credential.Store backed by a directory of token files.
type Store struct {
	dir string
}

// New returns a Store rooted at dir. The directory is created on first Save.
func New(dir string) *Store {
	return &Store{dir: dir}
}

// Dir returns the directory the store writes to.
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the token file path for id, e.g. "<dir>/esi_2112625428.json".
func (s *Store) Path(id principal.ID) string {
	return filepath.Join(s.dir, fileName(id))
}

func fileName(id principal.ID) string {
	return id.Provider() + "_" + id.Subject() + fileSuffix
}

func parseFileName(name string) (principal.ID, bool) {
	base, ok := strings.CutSuffix(name, fileSuffix)
	if !ok {
		return principal.ID{}, false
	}

	provider, subject, ok := strings.Cut(base, "_")
	if !ok {
		return principal.ID{}, false
	}

	id, err := principal.New(provider, subject)
	if err != nil {
		return principal.ID{}, false
	}

	return id, true
}

// Load reads the credential for id. Returns credential.ErrNotFound if no
// file exists.
func (s *Store) Load(_ context.Context, id principal.ID) (*credential.Credential, error) {
	path := s.Path(id)

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, credential.ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("tokenfile: reading %s: %w", path, err)
	}

	var tf File
	if err := json.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("tokenfile: decoding %s: %w", path, err)
	}

	if tf.Version != currentVersion || tf.Credential == nil {
		return nil, fmt.Errorf("tokenfile: %s has unsupported layout (re-login required)", path)
	}

	if tf.Credential.Principal != id {
		return nil, fmt.Errorf("tokenfile: %s belongs to %s, not %s", path, tf.Credential.Principal, id)
	}

	return tf.Credential, nil
}

// Save writes the credential atomically with 0600 permissions. Never logs
// token values.
func (s *Store) Save(_ context.Context, c *credential.Credential) error {
	if err := c.Validate(); err != nil {
		return err
	}

	data, err := json.MarshalIndent(File{Version: currentVersion, Credential: c}, "", "  ")
	if err != nil {
		return fmt.Errorf("tokenfile: encoding: %w", err)
	}

	return writeAtomic(s.dir, s.Path(c.Principal), data)
}

// Delete removes the token file. Returns nil if it does not exist.
func (s *Store) Delete(_ context.Context, id principal.ID) error {
	err := os.Remove(s.Path(id))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("tokenfile: removing %s: %w", s.Path(id), err)
	}

	return nil
}

// List returns the principals that have a token file, sorted. Files that do
// not look like token files are ignored.
func (s *Store) List(_ context.Context) ([]principal.ID, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("tokenfile: listing %s: %w", s.dir, err)
	}

	var out []principal.ID

	for _, e := range entries {
		if e.IsDir() {
			continue
		}

		if id, ok := parseFileName(e.Name()); ok {
			out = append(out, id)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })

	return out, nil
}

// writeAtomic writes data to a temp file in dir and renames it over path.
// Same directory guarantees same filesystem for rename(2).
func writeAtomic(dir, path string, data []byte) error {
	if mkErr := os.MkdirAll(dir, DirPerms); mkErr != nil {
		return fmt.Errorf("tokenfile: creating directory %s: %w", dir, mkErr)
	}

	tmp, err := os.CreateTemp(dir, ".token-*.tmp")
	if err != nil {
		return fmt.Errorf("tokenfile: creating temp file: %w", err)
	}

	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := os.Chmod(tmpPath, FilePerms); err != nil {
		tmp.Close()
		return fmt.Errorf("tokenfile: setting permissions: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("tokenfile: writing: %w", err)
	}

	// Flush before rename so a crash cannot leave a partial file at path.
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("tokenfile: syncing: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("tokenfile: closing: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("tokenfile: renaming: %w", err)
	}

	success = true

	return nil
}

var _ credential.Store = (*Store)(nil)
