//go:build !no_automation

package automation

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/yuin/gopher-lua/parse"
	"gopkg.in/yaml.v3"
)

const (
	scriptExt = ".lua"
	// A script file opens with a block comment holding YAML metadata, so the
	// file stays valid Lua.
	headerOpen  = "--[[ script"
	headerClose = "]]"
	maxIDLen    = 32
)

// Library stores scripts as .lua files in one directory.
type Library struct {
	dir string
	mu  sync.RWMutex
}

// NewLibrary opens the library at dir, creating the directory if needed.
func NewLibrary(dir string) (*Library, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create scripts dir: %w", err)
	}
	return &Library{dir: dir}, nil
}

func (l *Library) path(id string) string {
	return filepath.Join(l.dir, id+scriptExt)
}

// List returns every readable script ordered by ID. Files with a broken
// header are skipped.
func (l *Library) List() ([]*Script, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("read scripts dir: %w", err)
	}
	scripts := make([]*Script, 0, len(entries))
	for _, e := range entries {
		id, ok := strings.CutSuffix(e.Name(), scriptExt)
		if e.IsDir() || !ok || checkID(id) != nil {
			continue
		}
		data, err := os.ReadFile(l.path(id))
		if err != nil {
			continue
		}
		s, err := decodeScript(id, data)
		if err != nil {
			continue
		}
		scripts = append(scripts, s)
	}
	slices.SortFunc(scripts, func(a, b *Script) int { return strings.Compare(a.ID, b.ID) })
	return scripts, nil
}

// Get loads one script.
func (l *Library) Get(id string) (*Script, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	data, err := os.ReadFile(l.path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrScriptNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("read script %s: %w", id, err)
	}
	return decodeScript(id, data)
}

// Save compiles and writes s. A script without an ID gets one derived from
// its name. Invalid Lua is rejected before anything is written.
func (l *Library) Save(s *Script) (*Script, error) {
	if s.ID != "" {
		if err := checkID(s.ID); err != nil {
			return nil, err
		}
	}
	if strings.Contains(s.Meta.Name, headerClose) || strings.Contains(s.Meta.Description, headerClose) {
		return nil, fmt.Errorf("%w: metadata must not contain %q", ErrInvalidScript, headerClose)
	}
	if _, err := parse.Parse(strings.NewReader(s.LuaCode), s.Meta.Name); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidScript, err)
	}
	data, err := encodeScript(s)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if s.ID == "" {
		s.ID = l.freeID(scriptID(s.Meta.Name))
	}
	if err := l.writeFile(l.path(s.ID), data); err != nil {
		return nil, fmt.Errorf("write script %s: %w", s.ID, err)
	}
	return s, nil
}

// Delete removes a script.
func (l *Library) Delete(id string) error {
	if err := checkID(id); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	err := os.Remove(l.path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrScriptNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("delete script %s: %w", id, err)
	}
	return nil
}

// freeID returns base, or base-N for the first unused N. Caller holds l.mu.
func (l *Library) freeID(base string) string {
	id := base
	for n := 2; ; n++ {
		if _, err := os.Stat(l.path(id)); errors.Is(err, fs.ErrNotExist) {
			return id
		}
		id = fmt.Sprintf("%s-%d", base, n)
	}
}

// writeFile replaces path through a temporary file in the same directory.
func (l *Library) writeFile(path string, data []byte) error {
	tmp, err := os.CreateTemp(l.dir, ".script-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func checkID(id string) error {
	if id == "" || len(id) > 64 {
		return fmt.Errorf("%w: id %q", ErrInvalidScript, id)
	}
	for _, r := range id {
		if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-' || r == '_') {
			return fmt.Errorf("%w: id %q", ErrInvalidScript, id)
		}
	}
	return nil
}

// scriptID derives a file-safe ID from a display name.
func scriptID(name string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(name) {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' {
			if dash && b.Len() > 0 {
				b.WriteByte('-')
			}
			dash = false
			b.WriteRune(r)
			continue
		}
		dash = true
	}
	id := b.String()
	if len(id) > maxIDLen {
		id = strings.TrimRight(id[:maxIDLen], "-")
	}
	if id == "" {
		return "script"
	}
	return id
}

func decodeScript(id string, data []byte) (*Script, error) {
	s := &Script{ID: id}
	code := string(data)
	if rest, ok := strings.CutPrefix(code, headerOpen); ok {
		header, body, found := strings.Cut(rest, headerClose)
		if !found {
			return nil, fmt.Errorf("%w: %s: unterminated header", ErrInvalidScript, id)
		}
		if err := yaml.Unmarshal([]byte(header), &s.Meta); err != nil {
			return nil, fmt.Errorf("%w: %s header: %w", ErrInvalidScript, id, err)
		}
		code = body
	}
	s.LuaCode = strings.TrimLeft(code, "\n")
	return s, nil
}

func encodeScript(s *Script) ([]byte, error) {
	meta, err := yaml.Marshal(s.Meta)
	if err != nil {
		return nil, fmt.Errorf("encode script metadata: %w", err)
	}
	var b bytes.Buffer
	b.WriteString(headerOpen + "\n")
	b.Write(meta)
	b.WriteString(headerClose + "\n")
	if s.LuaCode != "" {
		b.WriteString("\n")
		b.WriteString(s.LuaCode)
		if !strings.HasSuffix(s.LuaCode, "\n") {
			b.WriteString("\n")
		}
	}
	return b.Bytes(), nil
}
