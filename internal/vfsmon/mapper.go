package vfsmon

import (
	"fmt"
	"path/filepath"
	"strings"
)

// PathMapper translates between remote item paths and local mirror paths for
// one configured root pair. It is pure: no network or disk access.
type PathMapper struct {
	remoteRoot string
	localRoot  string
}

func NewPathMapper(remoteRoot, localRoot string) (*PathMapper, error) {
	localRoot = strings.TrimSpace(localRoot)
	if localRoot == "" {
		return nil, fmt.Errorf("local root is required")
	}
	return &PathMapper{
		remoteRoot: normalizeRemotePath(remoteRoot),
		localRoot:  filepath.Clean(localRoot),
	}, nil
}

func (m *PathMapper) RemoteRoot() string {
	return m.remoteRoot
}

func (m *PathMapper) LocalRoot() string {
	return m.localRoot
}

// ContainsRemote reports whether remotePath resolves under the configured
// remote root. Notifications outside the root are discarded before dispatch.
func (m *PathMapper) ContainsRemote(remotePath string) bool {
	return isUnderRemoteRoot(m.remoteRoot, remotePath)
}

func (m *PathMapper) LocalPath(remotePath string) (string, error) {
	remotePath = normalizeRemotePath(remotePath)
	if !isUnderRemoteRoot(m.remoteRoot, remotePath) {
		return "", fmt.Errorf("remote path %s is outside root %s", remotePath, m.remoteRoot)
	}
	rel := ""
	if m.remoteRoot == "/" {
		rel = strings.TrimPrefix(remotePath, "/")
	} else {
		rel = strings.TrimPrefix(remotePath, m.remoteRoot)
		rel = strings.TrimPrefix(rel, "/")
	}
	if rel == "" {
		return "", fmt.Errorf("remote path %s cannot map to local root", remotePath)
	}
	return filepath.Join(m.localRoot, filepath.FromSlash(rel)), nil
}

func (m *PathMapper) RemotePath(localPath string) (string, error) {
	rel, err := filepath.Rel(m.localRoot, localPath)
	if err != nil {
		return "", err
	}
	if rel == "." {
		return m.remoteRoot, nil
	}
	rel = filepath.ToSlash(rel)
	if strings.HasPrefix(rel, "../") || rel == ".." {
		return "", fmt.Errorf("path %s escapes local root", localPath)
	}
	if m.remoteRoot == "/" {
		return normalizeRemotePath("/" + rel), nil
	}
	return normalizeRemotePath(m.remoteRoot + "/" + rel), nil
}

// Placeholder converts remote item metadata into the local-mirror-facing
// shape applied to placeholder entries.
func (m *PathMapper) Placeholder(meta *ItemMetadata) *PlaceholderInfo {
	if meta == nil {
		return nil
	}
	return &PlaceholderInfo{
		Identity:   append([]byte(nil), meta.Identity...),
		Name:       meta.Name,
		Directory:  meta.Attributes.Has(AttrDirectory),
		Hidden:     meta.Attributes.Has(AttrHidden),
		ReadOnly:   meta.Attributes.Has(AttrReadOnly),
		CreatedAt:  meta.CreatedAt,
		ModifiedAt: meta.ModifiedAt,
		AccessedAt: meta.AccessedAt,
		ChangedAt:  meta.ChangedAt,
		VersionTag: meta.VersionTag,
		Locked:     meta.Locked,
		Properties: append([]ItemProperty(nil), meta.Properties...),
	}
}

func normalizeRemotePath(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return "/"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if len(path) > 1 {
		path = strings.TrimSuffix(path, "/")
	}
	return path
}

func isUnderRemoteRoot(remoteRoot, remotePath string) bool {
	remoteRoot = normalizeRemotePath(remoteRoot)
	remotePath = normalizeRemotePath(remotePath)
	if remoteRoot == "/" {
		return true
	}
	return remotePath == remoteRoot || strings.HasPrefix(remotePath, remoteRoot+"/")
}
