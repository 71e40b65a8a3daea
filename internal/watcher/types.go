package watcher

import (
	"errors"
	"time"
)

var (
	// ErrRootGone reports that the watched root was removed, renamed or unmounted.
	ErrRootGone           = errors.New("watch root is gone")
	ErrMaxWatchesExceeded = errors.New("max watches exceeded")
	ErrRestartsExhausted  = errors.New("watch restarts exhausted")
)

// RawKind is the kind of a single translated filesystem notification.
type RawKind int

const (
	RawCreated RawKind = iota + 1
	RawModified
	RawRemoved
	RawRenamedFrom
	RawRenamedTo
)

func (kind RawKind) String() string {
	switch kind {
	case RawCreated:
		return "created"
	case RawModified:
		return "modified"
	case RawRemoved:
		return "removed"
	case RawRenamedFrom:
		return "renamed_from"
	case RawRenamedTo:
		return "renamed_to"
	default:
		return "unknown"
	}
}

// Identity is the stable file identity used to pair the halves of a rename.
// The zero value means identity is unavailable.
type Identity struct {
	Dev uint64
	Ino uint64
}

func (id Identity) Valid() bool {
	return id.Ino != 0
}

// RawEvent is one notification with Path relative to the root in slash form.
type RawEvent struct {
	Path       string
	Kind       RawKind
	Identity   Identity
	IsDir      bool
	ObservedAt time.Time
}

// ChangeKind is the kind of a coalesced change.
type ChangeKind string

const (
	ChangeCreated  ChangeKind = "created"
	ChangeModified ChangeKind = "modified"
	ChangeDeleted  ChangeKind = "deleted"
	ChangeRenamed  ChangeKind = "renamed"
)

// ChangeEvent is the debounced result for one path. For renames Path equals To.
type ChangeEvent struct {
	VaultID     string
	Path        string
	Kind        ChangeKind
	From        string
	To          string
	IsDir       bool
	CoalescedAt time.Time
}
