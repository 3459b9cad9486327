package archive

import (
	"archive/zip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestBundle(t *testing.T) {
	src := t.TempDir()
	writeFile(t, src, "index.html", "<html></html>")
	writeFile(t, src, "notes/research.md", "# notes")
	writeFile(t, src, ".hidden", "skip me")
	writeFile(t, src, "node_modules/pkg/x.js", "skip me too")

	out := filepath.Join(t.TempDir(), "bundle.zip")
	meta, err := Bundle(src, out, "task-1")
	require.NoError(t, err)
	assert.Equal(t, 2, meta.FileCount)
	assert.Equal(t, "task-1", meta.TaskID)

	r, err := zip.OpenReader(out)
	require.NoError(t, err)
	defer r.Close()

	names := map[string]bool{}
	for _, f := range r.File {
		names[f.Name] = true
	}
	assert.True(t, names["index.html"])
	assert.True(t, names["notes/research.md"])
	assert.True(t, names["metadata.json"])
	assert.False(t, names[".hidden"])
	assert.False(t, names["node_modules/pkg/x.js"])
}

func TestBundleMissingSource(t *testing.T) {
	out := filepath.Join(t.TempDir(), "bundle.zip")
	_, err := Bundle(filepath.Join(t.TempDir(), "nope"), out, "t")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAssembly)
	_, statErr := os.Stat(out)
	assert.True(t, os.IsNotExist(statErr), "no partial bundle left behind")
}

func TestHasIndexHTML(t *testing.T) {
	dir := t.TempDir()
	assert.False(t, HasIndexHTML(dir))

	writeFile(t, dir, "deep/nested/index.html", "x")
	assert.True(t, HasIndexHTML(dir))
}
