package models

import "time"

// Inode is the primary record cached by the Metadata Cache. It mirrors
// the subset of namespace metadata the core cares about for routing,
// invalidation, and dedup; the authoritative fields live in the external
// relational metadata store, which this core treats as an external collaborator.
type Inode struct {
	ModTime    time.Time
	ID         int64
	ParentID   int64
	Name       string
	Path       string
	IsDir      bool
	Size       int64
}

// ACLEntry is a single ACL record dependent on an Inode's lifecycle: it is
// invalidated whenever its owning inode is invalidated.
type ACLEntry struct {
	Type       string // "user", "group", "mask", "other"
	Name       string
	Permission uint16
}

// EncryptionZone is dependent on its owning Inode, same cascade rule as
// ACLEntry.
type EncryptionZone struct {
	KeyName string
	Version int
}
