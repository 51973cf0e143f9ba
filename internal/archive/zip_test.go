package archive

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thebtf/cohive/internal/envelope"
)

func readZip(t *testing.T, data []byte) map[string]string {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)

	out := make(map[string]string)
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		b, err := io.ReadAll(rc)
		require.NoError(t, err)
		rc.Close()
		out[f.Name] = string(b)
	}
	return out
}

func TestWriteTree(t *testing.T) {
	tree := envelope.NewFileTree()
	require.True(t, tree.Add("app.js", "console.log(1)"))
	require.True(t, tree.Add("src/util.js", "export {}"))

	var buf bytes.Buffer
	require.NoError(t, WriteTree(&buf, tree))

	assert.Equal(t, map[string]string{
		"app.js":      "console.log(1)",
		"src/util.js": "export {}",
	}, readZip(t, buf.Bytes()))
}

func TestWriteTree_Empty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteTree(&buf, envelope.NewFileTree()))
	assert.Empty(t, readZip(t, buf.Bytes()))
}

func TestWriteDir(t *testing.T) {
	root := t.TempDir()
	write := func(rel, contents string) {
		p := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(contents), 0o644))
	}
	write("package.json", "{}")
	write("src/index.js", "run()")
	write("node_modules/express/index.js", "big")
	write(".git/HEAD", "ref")

	var buf bytes.Buffer
	require.NoError(t, WriteDir(&buf, root))

	files := readZip(t, buf.Bytes())
	names := make([]string, 0, len(files))
	for n := range files {
		names = append(names, n)
	}
	sort.Strings(names)
	assert.Equal(t, []string{"package.json", "src/index.js"}, names)
	assert.Equal(t, "run()", files["src/index.js"])
}

func TestWriteDir_Missing(t *testing.T) {
	var buf bytes.Buffer
	err := WriteDir(&buf, filepath.Join(t.TempDir(), "nope"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"my-app", "my-app.zip"},
		{"my app.zip", "my_app.zip"},
		{"", "project.zip"},
		{"../../etc", ".._.._etc.zip"},
		{"..", "project.zip"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, FileName(tt.in, "project"))
		})
	}
}
