package placeholder

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/tikobros/UserFileSystemSamples/internal/vfsmon"
)

type DiskStoreOptions struct {
	Root     string
	StateDSN string
	Backend  StateBackend
	Logger   vfsmon.Logger
}

// DiskStore keeps the local mirror as zero-length placeholder files and
// directories under a root, with identities, version tags, offline markers,
// and property bags persisted through a StateBackend. It is shared with
// other subsystems (local file operations, on-demand hydration), so callers
// must treat every read as possibly stale.
type DiskStore struct {
	root    string
	backend StateBackend
	logger  vfsmon.Logger

	mu     sync.Mutex
	state  *mirrorState
	loaded bool
}

func NewDiskStore(opts DiskStoreOptions) (*DiskStore, error) {
	root := strings.TrimSpace(opts.Root)
	if root == "" {
		return nil, fmt.Errorf("mirror root is required")
	}
	root = filepath.Clean(root)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	backend := opts.Backend
	if backend == nil {
		var err error
		backend, err = BuildStateBackendFromDSN(opts.StateDSN)
		if err != nil {
			return nil, err
		}
	}
	if backend == nil {
		backend = NewJSONFileStateBackend(filepath.Join(root, ".vfsmon-state.json"))
	}
	return &DiskStore{
		root:    root,
		backend: backend,
		logger:  opts.Logger,
	}, nil
}

func (s *DiskStore) Root() string {
	return s.root
}

func (s *DiskStore) Close() error {
	if s == nil || s.backend == nil {
		return nil
	}
	return s.backend.Close()
}

func (s *DiskStore) Exists(localPath string) bool {
	if _, err := s.key(localPath); err != nil {
		return false
	}
	_, err := os.Lstat(localPath)
	return err == nil
}

func (s *DiskStore) IsOffline(localPath string) bool {
	key, err := s.key(localPath)
	if err != nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		s.logf("mirror state load failed: %v", err)
		return false
	}
	record, ok := s.state.Entries[key]
	return ok && record.Offline
}

// MarkOffline flags a directory as an unhydrated subtree. The hydration
// side clears it once the subtree materializes.
func (s *DiskStore) MarkOffline(localPath string, offline bool) error {
	key, err := s.key(localPath)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return err
	}
	record := s.state.Entries[key]
	record.Offline = offline
	s.state.Entries[key] = record
	return s.persistLocked()
}

func (s *DiskStore) Create(parentPath string, info *vfsmon.PlaceholderInfo) (int, error) {
	if info == nil || strings.TrimSpace(info.Name) == "" {
		return 0, fmt.Errorf("placeholder info with a name is required")
	}
	if _, err := s.key(parentPath); err != nil {
		return 0, err
	}
	parentInfo, err := os.Stat(parentPath)
	if err != nil {
		return 0, err
	}
	if !parentInfo.IsDir() {
		return 0, fmt.Errorf("parent %s is not a directory", parentPath)
	}
	target := filepath.Join(parentPath, info.Name)
	key, err := s.key(target)
	if err != nil {
		return 0, err
	}
	if _, err := os.Lstat(target); err == nil {
		return 0, nil
	}

	if info.Directory {
		if err := os.Mkdir(target, 0o755); err != nil {
			return 0, err
		}
	} else {
		file, err := os.OpenFile(target, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err != nil {
			return 0, err
		}
		if err := file.Close(); err != nil {
			s.removeOrphan(target)
			return 0, err
		}
	}
	s.applyTimes(target, info)
	if info.ReadOnly {
		if err := s.SetReadOnly(target, true); err != nil {
			s.removeOrphan(target)
			return 0, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		s.removeOrphan(target)
		return 0, err
	}
	s.state.Entries[key] = recordFromInfo(info)
	if err := s.persistLocked(); err != nil {
		delete(s.state.Entries, key)
		s.removeOrphan(target)
		return 0, err
	}
	return 1, nil
}

// removeOrphan undoes a placeholder whose state could not be recorded, so a
// redelivered create starts from scratch instead of hitting a half-created
// entry.
func (s *DiskStore) removeOrphan(target string) {
	if err := os.Remove(target); err != nil {
		s.logf("orphaned placeholder %s not removed: %v", target, err)
	}
}

func (s *DiskStore) Update(localPath string, info *vfsmon.PlaceholderInfo) (bool, error) {
	if info == nil {
		return false, fmt.Errorf("placeholder info is required")
	}
	key, err := s.key(localPath)
	if err != nil {
		return false, err
	}
	if _, err := os.Lstat(localPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if err := probeExclusive(localPath); err != nil {
		return false, err
	}
	s.applyTimes(localPath, info)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return false, err
	}
	record := s.state.Entries[key]
	updated := recordFromInfo(info)
	updated.Offline = record.Offline
	s.state.Entries[key] = updated
	if err := s.persistLocked(); err != nil {
		return false, err
	}
	return true, nil
}

// MoveTo returns false when the destination cannot be created: the target
// parent is missing locally or marked offline.
func (s *DiskStore) MoveTo(localPath, newPath string) (bool, error) {
	key, err := s.key(localPath)
	if err != nil {
		return false, err
	}
	newKey, err := s.key(newPath)
	if err != nil {
		return false, err
	}
	if _, err := os.Lstat(localPath); err != nil {
		return false, nil
	}
	destParent := filepath.Dir(newPath)
	parentInfo, err := os.Stat(destParent)
	if err != nil || !parentInfo.IsDir() {
		return false, nil
	}
	if s.IsOffline(destParent) {
		return false, nil
	}
	if err := os.Rename(localPath, newPath); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return true, err
	}
	s.rekeyLocked(key, newKey)
	return true, s.persistLocked()
}

func (s *DiskStore) Delete(localPath string) (bool, error) {
	key, err := s.key(localPath)
	if err != nil {
		return false, err
	}
	if _, err := os.Lstat(localPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if err := os.RemoveAll(localPath); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return true, err
	}
	delete(s.state.Entries, key)
	prefix := key + "/"
	for entryKey := range s.state.Entries {
		if strings.HasPrefix(entryKey, prefix) {
			delete(s.state.Entries, entryKey)
		}
	}
	return true, s.persistLocked()
}

func (s *DiskStore) IsReadOnly(localPath string) (bool, error) {
	info, err := os.Stat(localPath)
	if err != nil {
		return false, err
	}
	return info.Mode().Perm()&0o200 == 0, nil
}

func (s *DiskStore) SetReadOnly(localPath string, readOnly bool) error {
	info, err := os.Stat(localPath)
	if err != nil {
		return err
	}
	mode := info.Mode().Perm()
	if readOnly {
		mode &^= 0o222
	} else {
		mode |= 0o200
	}
	return os.Chmod(localPath, mode)
}

func (s *DiskStore) Property(localPath, name string) (string, bool, error) {
	key, err := s.key(localPath)
	if err != nil {
		return "", false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return "", false, err
	}
	record, ok := s.state.Entries[key]
	if !ok {
		return "", false, nil
	}
	for _, prop := range record.Properties {
		if prop.Name == name {
			return prop.Value, true, nil
		}
	}
	return "", false, nil
}

func (s *DiskStore) SetProperty(localPath, name, value string) error {
	key, err := s.key(localPath)
	if err != nil {
		return err
	}
	if _, err := os.Lstat(localPath); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return err
	}
	record := s.state.Entries[key]
	replaced := false
	for i, prop := range record.Properties {
		if prop.Name == name {
			record.Properties[i].Value = value
			replaced = true
			break
		}
	}
	if !replaced {
		record.Properties = append(record.Properties, propertyRecord{Name: name, Value: value})
	}
	s.state.Entries[key] = record
	return s.persistLocked()
}

func (s *DiskStore) RemoveProperty(localPath, name string) (bool, error) {
	key, err := s.key(localPath)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return false, err
	}
	record, ok := s.state.Entries[key]
	if !ok {
		return false, nil
	}
	for i, prop := range record.Properties {
		if prop.Name == name {
			record.Properties = append(record.Properties[:i], record.Properties[i+1:]...)
			s.state.Entries[key] = record
			return true, s.persistLocked()
		}
	}
	return false, nil
}

func (s *DiskStore) key(localPath string) (string, error) {
	rel, err := filepath.Rel(s.root, filepath.Clean(localPath))
	if err != nil {
		return "", err
	}
	rel = filepath.ToSlash(rel)
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("path %s escapes mirror root %s", localPath, s.root)
	}
	return rel, nil
}

func (s *DiskStore) loadLocked() error {
	if s.loaded {
		return nil
	}
	state, err := s.backend.Load()
	if err != nil {
		return err
	}
	if state == nil {
		state = newMirrorState()
	}
	s.state = state
	s.loaded = true
	return nil
}

func (s *DiskStore) persistLocked() error {
	return s.backend.Save(s.state)
}

func (s *DiskStore) rekeyLocked(oldKey, newKey string) {
	if record, ok := s.state.Entries[oldKey]; ok {
		delete(s.state.Entries, oldKey)
		s.state.Entries[newKey] = record
	}
	prefix := oldKey + "/"
	for entryKey, record := range s.state.Entries {
		if strings.HasPrefix(entryKey, prefix) {
			delete(s.state.Entries, entryKey)
			s.state.Entries[newKey+"/"+strings.TrimPrefix(entryKey, prefix)] = record
		}
	}
}

func (s *DiskStore) clearOffline(localPath string) {
	key, err := s.key(localPath)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return
	}
	record, ok := s.state.Entries[key]
	if !ok || !record.Offline {
		return
	}
	record.Offline = false
	s.state.Entries[key] = record
	if err := s.persistLocked(); err != nil {
		s.logf("clearing offline marker for %s failed: %v", localPath, err)
	}
}

func (s *DiskStore) applyTimes(localPath string, info *vfsmon.PlaceholderInfo) {
	if info.ModifiedAt.IsZero() {
		return
	}
	accessed := info.AccessedAt
	if accessed.IsZero() {
		accessed = info.ModifiedAt
	}
	if err := os.Chtimes(localPath, accessed, info.ModifiedAt); err != nil {
		s.logf("setting times on %s failed: %v", localPath, err)
	}
}

func (s *DiskStore) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}

func recordFromInfo(info *vfsmon.PlaceholderInfo) entryRecord {
	record := entryRecord{
		Identity:   hex.EncodeToString(info.Identity),
		VersionTag: info.VersionTag,
		Directory:  info.Directory,
	}
	for _, prop := range info.Properties {
		record.Properties = append(record.Properties, propertyRecord{Name: prop.Name, Value: prop.Value})
	}
	return record
}

// probeExclusive detects a concurrent exclusive opener before touching a
// placeholder. EWOULDBLOCK maps to the transient local-conflict condition.
func probeExclusive(localPath string) error {
	info, err := os.Lstat(localPath)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return nil
	}
	file, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer file.Close()
	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		if errors.Is(err, unix.EWOULDBLOCK) {
			return fmt.Errorf("%w: %s", vfsmon.ErrLocalConflict, localPath)
		}
		return err
	}
	_ = unix.Flock(int(file.Fd()), unix.LOCK_UN)
	return nil
}
