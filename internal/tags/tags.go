// Package tags maps proximity-tag UIDs to what the device should do with them.
//
// A tag library file maps UIDs to values. Two values are reserved control
// signals ([ValueBegin] starts a conversation, [ValueReload] reloads the
// configuration); every other value is a phrase injected into the conversation
// as if the user had said it. The file is YAML or JSON, either an object
// {"04:A2:19:7F": "Tell me a story"} or a list of [uid, value] pairs.
package tags

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Reserved tag values.
const (
	ValueBegin  = "AGENT_START"
	ValueReload = "TEST"
)

// Kind classifies a resolved tag.
type Kind int

const (
	// KindUnknown means the UID is not in the library; the read is a no-op.
	KindUnknown Kind = iota
	KindBegin
	KindReload
	KindPhrase
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindUnknown:
		return "unknown"
	case KindBegin:
		return "begin"
	case KindReload:
		return "reload"
	case KindPhrase:
		return "phrase"
	default:
		return "invalid"
	}
}

// Resolution is the result of looking up a UID.
type Resolution struct {
	UID    string
	Kind   Kind
	Phrase string
}

// Library is a UID lookup table. It is safe for concurrent use.
type Library struct {
	path string

	mu   sync.RWMutex
	tags map[string]string
}

// New creates a Library from an in-memory map. Keys are normalised.
func New(entries map[string]string) *Library {
	l := &Library{tags: make(map[string]string, len(entries))}
	for k, v := range entries {
		l.tags[NormalizeUID(k)] = strings.TrimSpace(v)
	}
	return l
}

// Load reads the library file at path. A missing file yields an empty library
// so the device still answers the reserved tags configured elsewhere.
func Load(path string) (*Library, error) {
	l := &Library{path: path, tags: map[string]string{}}
	if err := l.Reload(); err != nil {
		return nil, err
	}
	return l, nil
}

// Reload re-reads the library file. On error the previous entries are kept.
func (l *Library) Reload() error {
	if l.path == "" {
		return nil
	}
	data, err := os.ReadFile(l.path)
	if errors.Is(err, os.ErrNotExist) {
		l.mu.Lock()
		l.tags = map[string]string{}
		l.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("tags: read %q: %w", l.path, err)
	}
	entries, err := Parse(data)
	if err != nil {
		return fmt.Errorf("tags: parse %q: %w", l.path, err)
	}
	l.mu.Lock()
	l.tags = entries
	l.mu.Unlock()
	return nil
}

// Resolve looks up uid.
func (l *Library) Resolve(uid string) Resolution {
	key := NormalizeUID(uid)
	l.mu.RLock()
	v, ok := l.tags[key]
	l.mu.RUnlock()

	r := Resolution{UID: key}
	switch {
	case !ok || v == "":
		r.Kind = KindUnknown
	case strings.EqualFold(v, ValueBegin):
		r.Kind = KindBegin
	case strings.EqualFold(v, ValueReload):
		r.Kind = KindReload
	default:
		r.Kind = KindPhrase
		r.Phrase = v
	}
	return r
}

// Len returns the number of entries.
func (l *Library) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.tags)
}

// Parse decodes a library document in either supported shape. JSON input is
// accepted because it is valid YAML.
func Parse(data []byte) (map[string]string, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	out := map[string]string{}
	if doc.Kind == 0 {
		return out, nil
	}
	root := &doc
	if root.Kind == yaml.DocumentNode && len(root.Content) > 0 {
		root = root.Content[0]
	}

	switch root.Kind {
	case yaml.MappingNode:
		var m map[string]string
		if err := root.Decode(&m); err != nil {
			return nil, err
		}
		for k, v := range m {
			out[NormalizeUID(k)] = strings.TrimSpace(v)
		}
	case yaml.SequenceNode:
		var pairs [][]string
		if err := root.Decode(&pairs); err != nil {
			return nil, fmt.Errorf("expected a list of [uid, value] pairs: %w", err)
		}
		for i, p := range pairs {
			if len(p) != 2 {
				return nil, fmt.Errorf("entry %d: want 2 elements, got %d", i, len(p))
			}
			out[NormalizeUID(p[0])] = strings.TrimSpace(p[1])
		}
	default:
		return nil, errors.New("expected an object or a list of pairs")
	}
	return out, nil
}

// NormalizeUID formats a UID as upper-case hex bytes joined by colons
// ("04:A2:19:7F"). Accepted separators are ':', '-' and ' '; a bare hex string
// of even length is split into bytes. Anything else is only trimmed and
// upper-cased.
func NormalizeUID(uid string) string {
	s := strings.ToUpper(strings.TrimSpace(uid))
	if s == "" {
		return s
	}
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ':' || r == '-' || r == ' ' })
	if len(fields) == 1 {
		h := fields[0]
		if len(h)%2 != 0 || !isHex(h) {
			return s
		}
		fields = fields[:0]
		for i := 0; i < len(h); i += 2 {
			fields = append(fields, h[i:i+2])
		}
	}
	for i, f := range fields {
		if !isHex(f) || len(f) > 2 {
			return s
		}
		if len(f) == 1 {
			fields[i] = "0" + f
		}
	}
	return strings.Join(fields, ":")
}

func isHex(s string) bool {
	for _, r := range s {
		if !(r >= '0' && r <= '9' || r >= 'A' && r <= 'F') {
			return false
		}
	}
	return s != ""
}
