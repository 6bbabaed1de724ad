package vfsmon

import (
	"path/filepath"
	"testing"
	"time"
)

func TestLocalPathMapsUnderRoot(t *testing.T) {
	mapper, err := NewPathMapper("/remote", "/local")
	if err != nil {
		t.Fatalf("new mapper failed: %v", err)
	}
	localPath, err := mapper.LocalPath("/remote/docs/a.txt")
	if err != nil {
		t.Fatalf("local path failed: %v", err)
	}
	want := filepath.Join("/local", "docs", "a.txt")
	if localPath != want {
		t.Fatalf("expected %s, got %s", want, localPath)
	}
}

func TestLocalPathRejectsOutsideRoot(t *testing.T) {
	mapper, err := NewPathMapper("/remote", "/local")
	if err != nil {
		t.Fatalf("new mapper failed: %v", err)
	}
	if _, err := mapper.LocalPath("/other/docs/a.txt"); err == nil {
		t.Fatalf("expected error for path outside remote root")
	}
	if mapper.ContainsRemote("/other/docs/a.txt") {
		t.Fatalf("expected /other to be outside the remote root")
	}
	if !mapper.ContainsRemote("/remote/docs") {
		t.Fatalf("expected /remote/docs to be under the remote root")
	}
}

func TestRemotePathInvertsLocalPath(t *testing.T) {
	mapper, err := NewPathMapper("/remote", "/local")
	if err != nil {
		t.Fatalf("new mapper failed: %v", err)
	}
	localPath := filepath.Join("/local", "docs", "a.txt")
	remotePath, err := mapper.RemotePath(localPath)
	if err != nil {
		t.Fatalf("remote path failed: %v", err)
	}
	if remotePath != "/remote/docs/a.txt" {
		t.Fatalf("expected /remote/docs/a.txt, got %s", remotePath)
	}
	if _, err := mapper.RemotePath(filepath.Join("/elsewhere", "a.txt")); err == nil {
		t.Fatalf("expected error for local path escaping root")
	}
}

func TestPlaceholderConversion(t *testing.T) {
	mapper, err := NewPathMapper("/remote", "/local")
	if err != nil {
		t.Fatalf("new mapper failed: %v", err)
	}
	now := time.Now()
	meta := &ItemMetadata{
		Identity:   []byte{0x01, 0x02},
		Name:       "a.txt",
		Attributes: AttrReadOnly | AttrHidden,
		CreatedAt:  now,
		ModifiedAt: now,
		VersionTag: "v1",
		Locked:     true,
		Properties: []ItemProperty{{Name: "owner", Value: "alice"}},
	}
	info := mapper.Placeholder(meta)
	if info == nil {
		t.Fatalf("expected placeholder info")
	}
	if info.Directory {
		t.Fatalf("expected file placeholder")
	}
	if !info.ReadOnly || !info.Hidden {
		t.Fatalf("expected read-only and hidden flags to carry over")
	}
	if info.VersionTag != "v1" || !info.Locked {
		t.Fatalf("expected version tag and lock state to carry over")
	}
	if len(info.Properties) != 1 || info.Properties[0].Name != "owner" {
		t.Fatalf("expected custom properties to carry over, got %+v", info.Properties)
	}
	// The conversion must not alias the source metadata.
	info.Identity[0] = 0xFF
	if meta.Identity[0] != 0x01 {
		t.Fatalf("expected identity to be copied, not aliased")
	}
	if mapper.Placeholder(nil) != nil {
		t.Fatalf("expected nil placeholder for nil metadata")
	}
}

func TestNormalizeRemotePath(t *testing.T) {
	cases := map[string]string{
		"":              "/",
		"  ":            "/",
		"docs":          "/docs",
		"/docs/":        "/docs",
		"/docs/a.txt":   "/docs/a.txt",
		"/remote/a.md/": "/remote/a.md",
	}
	for input, want := range cases {
		if got := normalizeRemotePath(input); got != want {
			t.Fatalf("normalizeRemotePath(%q) = %q, want %q", input, got, want)
		}
	}
}
