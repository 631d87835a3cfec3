// Package credfile handles reading and writing the Cloud189 credential file.
// The file stores the session cookie string alongside the time it was saved
// and the login method that produced it. Operators may also drop a bare
// cookie string into the file by hand (the format browser extensions export),
// so Load accepts both shapes.
package credfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// FilePerms restricts credential files to owner-only read/write.
const FilePerms = 0o600

// DirPerms is used when creating the credential directory.
const DirPerms = 0o700

// File is the on-disk format written by Save.
type File struct {
	Cookies string    `json:"cookies"`
	Source  string    `json:"source,omitempty"`
	SavedAt time.Time `json:"saved_at"`
}

// Load reads a credential file from disk. Returns (nil, nil) if the file does
// not exist or holds only whitespace. A file that does not start with "{" is
// treated as a raw cookie string.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil //nolint:nilnil // sentinel for "not found"
	}

	if err != nil {
		return nil, fmt.Errorf("credfile: reading %s: %w", path, err)
	}

	text := strings.TrimSpace(string(data))
	if text == "" {
		return nil, nil //nolint:nilnil // empty file is the same as no file
	}

	if !strings.HasPrefix(text, "{") {
		return &File{Cookies: text, Source: "file"}, nil
	}

	var cf File
	if err := json.Unmarshal([]byte(text), &cf); err != nil {
		return nil, fmt.Errorf("credfile: decoding %s: %w", path, err)
	}

	if strings.TrimSpace(cf.Cookies) == "" {
		return nil, fmt.Errorf("credfile: %s has no cookies (re-login required)", path)
	}

	return &cf, nil
}

// Save writes a credential file atomically (write-to-temp + rename) with
// 0600 permissions. Never logs cookie values.
func Save(path string, cf *File) error {
	if cf == nil || strings.TrimSpace(cf.Cookies) == "" {
		return errors.New("credfile: refusing to save empty credentials")
	}

	data, err := json.MarshalIndent(cf, "", "  ")
	if err != nil {
		return fmt.Errorf("credfile: encoding: %w", err)
	}

	dir := filepath.Dir(path)
	if mkErr := os.MkdirAll(dir, DirPerms); mkErr != nil {
		return fmt.Errorf("credfile: creating directory %s: %w", dir, mkErr)
	}

	// Same directory guarantees same filesystem for rename(2).
	tmp, err := os.CreateTemp(dir, ".cookies-*.tmp")
	if err != nil {
		return fmt.Errorf("credfile: creating temp file: %w", err)
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
		return fmt.Errorf("credfile: setting permissions: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("credfile: writing: %w", err)
	}

	// Flush before rename so a power loss cannot leave a partial file behind.
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("credfile: syncing: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("credfile: closing: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("credfile: renaming: %w", err)
	}

	success = true

	return nil
}

// Remove deletes the credential file. A missing file is not an error.
func Remove(path string) error {
	err := os.Remove(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}

	return fmt.Errorf("credfile: removing %s: %w", path, err)
}
