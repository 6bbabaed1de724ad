package placeholder

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

type propertyRecord struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type entryRecord struct {
	Identity   string           `json:"identity,omitempty"`
	VersionTag string           `json:"versionTag,omitempty"`
	Directory  bool             `json:"directory,omitempty"`
	Offline    bool             `json:"offline,omitempty"`
	Properties []propertyRecord `json:"properties,omitempty"`
}

// mirrorState is the persisted side channel of the placeholder tree: item
// identities, version tags, offline markers, and property bags keyed by
// slash-separated path relative to the mirror root.
type mirrorState struct {
	Entries map[string]entryRecord `json:"entries"`
}

func newMirrorState() *mirrorState {
	return &mirrorState{Entries: map[string]entryRecord{}}
}

type StateBackend interface {
	Load() (*mirrorState, error)
	Save(state *mirrorState) error
	Close() error
}

type InMemoryStateBackend struct {
	mu       sync.Mutex
	snapshot *mirrorState
}

func NewInMemoryStateBackend() *InMemoryStateBackend {
	return &InMemoryStateBackend{}
}

func (b *InMemoryStateBackend) Load() (*mirrorState, error) {
	if b == nil {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.snapshot == nil {
		return nil, nil
	}
	return cloneMirrorState(b.snapshot)
}

func (b *InMemoryStateBackend) Save(state *mirrorState) error {
	if b == nil || state == nil {
		return nil
	}
	clone, err := cloneMirrorState(state)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snapshot = clone
	return nil
}

func (b *InMemoryStateBackend) Close() error {
	return nil
}

type JSONFileStateBackend struct {
	path string
}

func NewJSONFileStateBackend(path string) *JSONFileStateBackend {
	return &JSONFileStateBackend{path: filepath.Clean(strings.TrimSpace(path))}
}

func (b *JSONFileStateBackend) Load() (*mirrorState, error) {
	if b == nil {
		return nil, nil
	}
	data, err := os.ReadFile(b.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var state mirrorState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	if state.Entries == nil {
		state.Entries = map[string]entryRecord{}
	}
	return &state, nil
}

func (b *JSONFileStateBackend) Save(state *mirrorState) error {
	if b == nil || state == nil {
		return nil
	}
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(b.path), 0o755); err != nil {
		return err
	}
	return writeFileAtomic(b.path, data, 0o644)
}

func (b *JSONFileStateBackend) Close() error {
	return nil
}

// BuildStateBackendFromDSN resolves a backend from a DSN scheme: `memory:`
// for in-process snapshots, a bare path or `file:` for JSON file snapshots,
// `postgres://` for lib/pq. An empty DSN yields nil so callers can pick
// their own default.
func BuildStateBackendFromDSN(dsn string) (StateBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewJSONFileStateBackend(path), nil
	case "memory", "mem", "inmem":
		return NewInMemoryStateBackend(), nil
	case "postgres", "postgresql":
		return NewPostgresStateBackend(dsn)
	default:
		return nil, fmt.Errorf("unsupported state backend scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed.Scheme == "" {
		return raw, nil
	}
	if parsed.Opaque != "" {
		return parsed.Opaque, nil
	}
	path := parsed.Path
	if parsed.Host != "" {
		path = filepath.Join(parsed.Host, path)
	}
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("state backend dsn %q has no path", raw)
	}
	return path, nil
}

func cloneMirrorState(state *mirrorState) (*mirrorState, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return nil, err
	}
	var clone mirrorState
	if err := json.Unmarshal(data, &clone); err != nil {
		return nil, err
	}
	if clone.Entries == nil {
		clone.Entries = map[string]entryRecord{}
	}
	return &clone, nil
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
