package vfsmon

import "time"

type Attr uint32

const (
	AttrDirectory Attr = 1 << iota
	AttrHidden
	AttrReadOnly
	AttrOffline
)

func (a Attr) Has(flag Attr) bool {
	return a&flag != 0
}

type ItemProperty struct {
	Name  string
	Value string
}

// ItemMetadata is the remote-side view of one item as returned by a
// RemoteFetcher. Instances are never mutated after construction; a fresh
// fetch always yields a new one.
type ItemMetadata struct {
	Identity   []byte
	Name       string
	Attributes Attr
	CreatedAt  time.Time
	ModifiedAt time.Time
	AccessedAt time.Time
	ChangedAt  time.Time
	VersionTag string
	Locked     bool
	Properties []ItemProperty
}

// PlaceholderInfo is the local-mirror-facing metadata shape consumed by a
// MirrorStore when creating or updating a placeholder entry.
type PlaceholderInfo struct {
	Identity   []byte
	Name       string
	Directory  bool
	Hidden     bool
	ReadOnly   bool
	CreatedAt  time.Time
	ModifiedAt time.Time
	AccessedAt time.Time
	ChangedAt  time.Time
	VersionTag string
	Locked     bool
	Properties []ItemProperty
}
