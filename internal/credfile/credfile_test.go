package credfile

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_FileNotFound(t *testing.T) {
	cf, err := Load("/nonexistent/path/cookies.txt")
	assert.Nil(t, cf)
	assert.NoError(t, err)
}

func TestLoad_RawCookieString(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cookies.txt")
	require.NoError(t, os.WriteFile(path, []byte("COOKIE_LOGIN_USER=abc; JSESSIONID=xyz\n"), 0o600))

	cf, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "COOKIE_LOGIN_USER=abc; JSESSIONID=xyz", cf.Cookies)
	assert.Equal(t, "file", cf.Source)
}

func TestLoad_EmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cookies.txt")
	require.NoError(t, os.WriteFile(path, []byte("  \n"), 0o600))

	cf, err := Load(path)
	assert.Nil(t, cf)
	assert.NoError(t, err)
}

func TestLoad_InvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cookies.txt")
	require.NoError(t, os.WriteFile(path, []byte(`{not json}`), 0o600))

	cf, err := Load(path)
	assert.Nil(t, cf)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decoding")
}

func TestLoad_JSONWithoutCookies(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cookies.txt")
	require.NoError(t, os.WriteFile(path, []byte(`{"source":"qrcode"}`), 0o600))

	cf, err := Load(path)
	assert.Nil(t, cf)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no cookies")
}

func TestSave_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db", "cookies.txt")
	saved := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	require.NoError(t, Save(path, &File{Cookies: "a=1; b=2", Source: "qrcode", SavedAt: saved}))

	cf, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "a=1; b=2", cf.Cookies)
	assert.Equal(t, "qrcode", cf.Source)
	assert.True(t, cf.SavedAt.Equal(saved))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(FilePerms), info.Mode().Perm())
}

func TestSave_EmptyCookies(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cookies.txt")

	assert.Error(t, Save(path, &File{}))
	assert.Error(t, Save(path, nil))

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestSave_LeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cookies.txt")

	require.NoError(t, Save(path, &File{Cookies: "a=1"}))
	require.NoError(t, Save(path, &File{Cookies: "a=2"}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "cookies.txt", entries[0].Name())
}

func TestRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cookies.txt")
	require.NoError(t, Save(path, &File{Cookies: "a=1"}))

	require.NoError(t, Remove(path))
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	// Already gone.
	assert.NoError(t, Remove(path))
}
