package envelope

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/goccy/go-json"
)

// TypeApp is the envelope type the generator is instructed to use.
const TypeApp = "app"

// TypeText marks an envelope degraded from a reply that was not valid JSON.
const TypeText = "text"

// ErrMalformed is returned when a generator reply is not a usable envelope.
var ErrMalformed = errors.New("malformed envelope")

var (
	// wrappedFenceRegex matches a reply that is entirely one fenced block.
	// The body match is greedy so fences inside file contents survive.
	wrappedFenceRegex = regexp.MustCompile("(?s)^```[a-zA-Z0-9_-]*[ \t]*\r?\n?(.*)```$")

	// embeddedFenceRegex matches the first fenced block anywhere in a reply.
	embeddedFenceRegex = regexp.MustCompile("(?s)```[a-zA-Z0-9_-]*[ \t]*\r?\n?(.*?)```")
)

// Envelope is the structured reply of the AI generator. It is never mutated
// after Parse returns it.
type Envelope struct {
	Text         string            `json:"Text"`
	Type         string            `json:"type,omitempty"`
	FileTree     FileTree          `json:"fileTree"`
	Dependencies map[string]string `json:"dependencies,omitempty"`
	BuildCommand string            `json:"buildCommand,omitempty"`
	StartCommand string            `json:"startCommand,omitempty"`
}

// HasFiles reports whether the envelope carries at least one file.
func (e *Envelope) HasFiles() bool {
	return e.FileTree.Len() > 0
}

// Marshal serializes the envelope into its wire form.
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// rawEnvelope is a reply decoded one level deep. Every field is reduced on
// its own so that one bad field never discards the others. Keys are matched
// exactly since "Text" and "text" are distinct spellings of the same field.
type rawEnvelope map[string]json.RawMessage

func decodeRaw(body string) (rawEnvelope, error) {
	var r rawEnvelope
	if err := json.Unmarshal([]byte(body), &r); err != nil {
		return nil, err
	}
	if r == nil {
		return nil, errors.New("reply is null")
	}
	return r, nil
}

// StripFence removes a markdown code fence wrapping the whole reply, if any.
func StripFence(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if m := wrappedFenceRegex.FindStringSubmatch(trimmed); m != nil {
		return strings.TrimSpace(m[1])
	}
	return trimmed
}

// Parse decodes a generator reply. The reply may be wrapped in a markdown
// fence. It must be a single JSON object carrying the explanatory text;
// the remaining fields fall back to their zero values when absent or of
// the wrong type.
func Parse(raw string) (*Envelope, error) {
	body := StripFence(raw)
	if body == "" {
		return nil, fmt.Errorf("%w: empty reply", ErrMalformed)
	}

	r, err := decodeRaw(body)
	if err != nil {
		// Chatty replies sometimes put the object in a fence after some prose.
		m := embeddedFenceRegex.FindStringSubmatch(body)
		if m == nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if r, err = decodeRaw(strings.TrimSpace(m[1])); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}

	text, ok := stringField(r["Text"])
	if !ok {
		text, ok = stringField(r["text"])
	}
	if !ok {
		return nil, fmt.Errorf("%w: missing Text field", ErrMalformed)
	}

	env := &Envelope{
		Text:         text,
		Type:         optionalString(r["type"]),
		Dependencies: dependencies(r["dependencies"]),
	}
	if len(r["fileTree"]) > 0 {
		// A file tree that is not an object is dropped as a whole; bad
		// entries inside a valid object are dropped individually.
		var tree FileTree
		if err := json.Unmarshal(r["fileTree"], &tree); err == nil {
			env.FileTree = tree
		}
	}
	env.BuildCommand = optionalString(r["buildCommand"])
	env.StartCommand = optionalString(r["startCommand"])

	return env, nil
}

// ParseOrDegrade parses a reply and falls back to a text-only envelope when
// the reply is malformed. The returned error, if any, is informational.
func ParseOrDegrade(raw string) (*Envelope, error) {
	env, err := Parse(raw)
	if err == nil {
		return env, nil
	}
	return Degraded(raw), err
}

// Degraded wraps free text in an envelope with an empty file tree.
func Degraded(text string) *Envelope {
	return &Envelope{
		Text: strings.TrimSpace(text),
		Type: TypeText,
	}
}

// stringField reports whether raw holds a JSON string. null does not count.
func stringField(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

func optionalString(raw json.RawMessage) string {
	s, _ := stringField(raw)
	return s
}

// dependencies keeps the name to version pairs whose version is a string.
// Anything that is not an object yields no dependencies.
func dependencies(raw json.RawMessage) map[string]string {
	if len(raw) == 0 {
		return nil
	}
	var entries map[string]json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil
	}
	var out map[string]string
	for name, v := range entries {
		version, ok := stringField(v)
		if name == "" || !ok {
			continue
		}
		if out == nil {
			out = make(map[string]string, len(entries))
		}
		out[name] = version
	}
	return out
}
