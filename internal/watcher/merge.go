package watcher

// pendingState is the coalesced state of one path inside a window.
type pendingState int

const (
	stateNone pendingState = iota
	stateCreated
	stateModified
	stateDeleted
	stateRenamed
	stateRenamedFrom
	stateRenamedTo
)

// pending is a debounce slot value. from carries the rename origin so a file
// renamed twice in one window still reports its first path.
type pending struct {
	state    pendingState
	identity Identity
	from     string
	isDir    bool
}

// merge folds next into prev following the coalescing table:
//
//	Created + Modified          -> Created
//	any + Removed               -> Deleted, and Deleted absorbs everything after it
//	any + paired rename         -> Renamed
//	Renamed + Modified/Created  -> Renamed
//	Modified + Modified/Created -> Modified
//	any + RenamedFrom           -> RenamedFrom (the path was vacated)
//	RenamedFrom + Created       -> Modified
func merge(prev, next pending) pending {
	if prev.state == stateNone {
		return next
	}
	if prev.state == stateDeleted {
		return prev
	}
	switch next.state {
	case stateDeleted:
		return pending{state: stateDeleted, identity: prev.identity, isDir: prev.isDir}
	case stateRenamed:
		return next
	case stateRenamedFrom:
		if prev.state == stateRenamed {
			next.from = prev.from
		}
		return next
	}

	if prev.state == stateRenamedFrom {
		// Something appeared where a file was renamed away.
		return pending{state: stateModified, identity: next.identity, isDir: next.isDir}
	}
	return keepIdentity(prev, next)
}

func keepIdentity(prev, next pending) pending {
	if next.identity.Valid() {
		prev.identity = next.identity
	}
	return prev
}

func (p pending) change(path string) (ChangeKind, string, string) {
	switch p.state {
	case stateCreated, stateRenamedTo:
		return ChangeCreated, "", ""
	case stateModified:
		return ChangeModified, "", ""
	case stateDeleted, stateRenamedFrom:
		return ChangeDeleted, "", ""
	case stateRenamed:
		return ChangeRenamed, p.from, path
	}
	return "", "", ""
}

func pendingFromRaw(event RawEvent) pending {
	next := pending{identity: event.Identity, isDir: event.IsDir}
	switch event.Kind {
	case RawCreated:
		next.state = stateCreated
	case RawModified:
		next.state = stateModified
	case RawRemoved:
		next.state = stateDeleted
	case RawRenamedFrom:
		next.state = stateRenamedFrom
	case RawRenamedTo:
		next.state = stateRenamedTo
	}
	return next
}
