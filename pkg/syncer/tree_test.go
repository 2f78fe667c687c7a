package syncer

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMirrorTreeWritesAtomically(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "tasks"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "tasks", "a.json"), []byte(`{"a":1}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "config.json"), []byte(`{}`), 0o644))

	// A torn temp file from an earlier interrupted copy is cleaned up.
	require.NoError(t, os.WriteFile(filepath.Join(dst, "config.json.tmp"), []byte("{ torn"), 0o644))

	changed, err := mirrorTree(src, dst, skipSecrets)
	require.NoError(t, err)
	assert.Contains(t, changed, "config.json")
	assert.Contains(t, changed, filepath.Join("tasks", "a.json"))

	got, err := os.ReadFile(filepath.Join(dst, "tasks", "a.json"))
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(got))

	// No temp files survive the mirror.
	require.NoError(t, filepath.WalkDir(dst, func(path string, d fs.DirEntry, err error) error {
		require.NoError(t, err)
		assert.False(t, strings.HasSuffix(path, ".tmp"), path)
		return nil
	}))
}

func TestMirrorTreeSkipsSecretsBothWays(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "human--camila.key"), []byte("secret"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(src, "config.json"), []byte(`{}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dst, "session.json"), []byte(`{}`), 0o600))

	changed, err := mirrorTree(src, dst, skipSecrets)
	require.NoError(t, err)
	assert.Equal(t, []string{"config.json"}, changed)

	_, err = os.Stat(filepath.Join(dst, "human--camila.key"))
	assert.True(t, os.IsNotExist(err), "key material must not be mirrored")
	_, err = os.Stat(filepath.Join(dst, "session.json"))
	assert.NoError(t, err, "local session must survive the mirror")
}
