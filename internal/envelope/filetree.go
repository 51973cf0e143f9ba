// Package envelope parses and serializes the structured replies of the AI generator.
package envelope

import (
	"bytes"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/goccy/go-json"
)

// File is a single entry of a FileTree.
type File struct {
	Path     string
	Contents string
}

// FileTree is an insertion ordered collection of files keyed by relative path.
// The zero value is an empty tree ready to use.
type FileTree struct {
	files []File
	index map[string]int
}

// NewFileTree builds a tree from files, dropping entries with invalid paths.
// A later entry with the same path replaces the earlier contents in place.
func NewFileTree(files ...File) FileTree {
	var t FileTree
	for _, f := range files {
		t.Add(f.Path, f.Contents)
	}
	return t
}

// Add inserts or replaces a file. It reports false when the path is rejected.
func (t *FileTree) Add(p, contents string) bool {
	clean, ok := CleanPath(p)
	if !ok {
		return false
	}
	if t.index == nil {
		t.index = make(map[string]int)
	}
	if i, exists := t.index[clean]; exists {
		t.files[i].Contents = contents
		return true
	}
	t.index[clean] = len(t.files)
	t.files = append(t.files, File{Path: clean, Contents: contents})
	return true
}

// Get returns the contents stored at path.
func (t FileTree) Get(p string) (string, bool) {
	clean, ok := CleanPath(p)
	if !ok {
		return "", false
	}
	i, exists := t.index[clean]
	if !exists {
		return "", false
	}
	return t.files[i].Contents, true
}

// Len returns the number of files.
func (t FileTree) Len() int {
	return len(t.files)
}

// Files returns a copy of the entries in insertion order.
func (t FileTree) Files() []File {
	out := make([]File, len(t.files))
	copy(out, t.files)
	return out
}

// Paths returns the file paths in insertion order.
func (t FileTree) Paths() []string {
	out := make([]string, len(t.files))
	for i, f := range t.files {
		out[i] = f.Path
	}
	return out
}

// CleanPath normalizes a file tree path. Absolute paths and paths that
// escape the tree root are rejected.
func CleanPath(p string) (string, bool) {
	p = strings.ReplaceAll(strings.TrimSpace(p), "\\", "/")
	if p == "" || strings.HasPrefix(p, "/") || strings.ContainsRune(p, 0) {
		return "", false
	}
	// Windows drive letters
	if len(p) >= 2 && p[1] == ':' {
		return "", false
	}
	clean := path.Clean(p)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", false
	}
	return clean, true
}

type fileNode struct {
	Contents string `json:"contents"`
}

type treeNode struct {
	File fileNode `json:"file"`
}

// MarshalJSON writes the WebContainer layout {path: {file: {contents}}}
// keeping insertion order.
func (t FileTree) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range t.files {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(f.Path)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(treeNode{File: fileNode{Contents: f.Contents}})
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads a file tree keeping key order. Entries that do not
// resolve to a relative path with string contents are dropped one by one;
// only a payload that is not a JSON object at all is an error.
func (t *FileTree) UnmarshalJSON(data []byte) error {
	*t = FileTree{}
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil
	}
	return t.decodeObject(data, "")
}

func (t *FileTree) decodeObject(data []byte, prefix string) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return errors.New("file tree must be a JSON object")
	}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, _ := keyTok.(string)
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return err
		}
		name := key
		if prefix != "" {
			name = prefix + "/" + key
		}
		t.addNode(name, raw)
	}
	_, err = dec.Token()
	return err
}

// addNode accepts {file: {contents}}, {contents} and nested
// {directory: {...}} nodes.
func (t *FileTree) addNode(name string, raw json.RawMessage) {
	var node struct {
		File      *struct{ Contents *json.RawMessage } `json:"file"`
		Contents  *json.RawMessage                     `json:"contents"`
		Directory json.RawMessage                      `json:"directory"`
	}
	if err := json.Unmarshal(raw, &node); err != nil {
		return
	}

	if len(node.Directory) > 0 {
		if _, ok := CleanPath(name); !ok {
			return
		}
		var sub FileTree
		if err := sub.decodeObject(node.Directory, name); err != nil {
			return
		}
		for _, f := range sub.files {
			t.Add(f.Path, f.Contents)
		}
		return
	}

	var contentsRaw *json.RawMessage
	switch {
	case node.File != nil && node.File.Contents != nil:
		contentsRaw = node.File.Contents
	case node.Contents != nil:
		contentsRaw = node.Contents
	default:
		return
	}

	var contents string
	if err := json.Unmarshal(*contentsRaw, &contents); err != nil {
		return
	}
	t.Add(name, contents)
}

// String renders the tree paths for logging.
func (t FileTree) String() string {
	return fmt.Sprintf("FileTree%v", t.Paths())
}
