// Package typemap loads and resolves the type-code to destination
// directory mapping.
//
// The mapping is a JSON object read once at startup and never mutated:
//
//	{"MOV": "/data/movies", "TV": "/data/tv", "ERR": "/data/unsorted"}
//
// The reserved key ERR is the fallback for unknown type codes.
package typemap

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/pithecene-io/q4d/log"
)

// FallbackCode is the reserved key used when a type code is unknown.
const FallbackCode = "ERR"

// ErrUnknownType is returned when neither the type code nor the fallback
// is mapped.
var ErrUnknownType = errors.New("unknown type code and no ERR fallback")

// Map is a read-only type-code to directory mapping.
type Map struct {
	dirs map[string]string
}

// New copies dirs into a Map.
func New(dirs map[string]string) *Map {
	m := &Map{dirs: make(map[string]string, len(dirs))}
	for code, dir := range dirs {
		m.dirs[code] = dir
	}
	return m
}

// Resolution is the outcome of resolving a type code.
type Resolution struct {
	// Dir is the destination directory.
	Dir string
	// Fallback is true when Dir came from the ERR entry.
	Fallback bool
}

// Resolve looks up code, falling back to the ERR entry.
func (m *Map) Resolve(code string) (Resolution, error) {
	if dir, ok := m.dirs[code]; ok && dir != "" {
		return Resolution{Dir: dir}, nil
	}
	if dir, ok := m.dirs[FallbackCode]; ok && dir != "" {
		return Resolution{Dir: dir, Fallback: true}, nil
	}
	return Resolution{}, fmt.Errorf("%w: %q", ErrUnknownType, code)
}

// Codes returns the mapped type codes in sorted order.
func (m *Map) Codes() []string {
	codes := make([]string, 0, len(m.dirs))
	for code := range m.dirs {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// Len returns the number of mapped type codes.
func (m *Map) Len() int {
	return len(m.dirs)
}

// Entries returns a copy of the mapping.
func (m *Map) Entries() map[string]string {
	out := make(map[string]string, len(m.dirs))
	for code, dir := range m.dirs {
		out[code] = dir
	}
	return out
}

// Load reads a JSON type mapping from path. Entries whose value is not a
// string are skipped with a warning; relative directories are kept but
// reported, since the transfer tool runs with the directory as its
// working directory.
func Load(path string, logger *log.Logger) (*Map, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("type mapping file not found: %s", path)
		}
		return nil, fmt.Errorf("cannot read type mapping file %q: %w", path, err)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid JSON in type mapping file %s: %w", path, err)
	}

	dirs := make(map[string]string, len(raw))
	for code, value := range raw {
		dir, ok := value.(string)
		if !ok {
			logger.Warn("invalid type mapping entry, should be string -> string", map[string]any{
				"code":  code,
				"value": value,
			})
			continue
		}
		if !filepath.IsAbs(dir) {
			logger.Warn("type mapping directory is not absolute", map[string]any{
				"code": code,
				"dir":  dir,
			})
		}
		dirs[code] = dir
	}

	m := New(dirs)
	logger.Info("loaded type mapping", map[string]any{
		"path":  path,
		"codes": m.Codes(),
	})
	if _, ok := dirs[FallbackCode]; !ok {
		logger.Warn("type mapping has no ERR fallback; unknown type codes will fail", map[string]any{
			"path": path,
		})
	}
	return m, nil
}
