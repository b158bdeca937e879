package fp

import (
	"context"
	"slices"
	"strconv"
	"sync"
)

// Signaler is the host callback used to announce that a container has
// pending changes. The host responds by calling EnumerateChanges.
type Signaler interface {
	SignalEnumerator(ctx context.Context, containerIdentifier string) error
}

// ChangeKind classifies a recorded change.
type ChangeKind int

const (
	// ChangeDelete is written to both delete collections.
	ChangeDelete ChangeKind = iota
	// ChangeUpdate is written to both update collections.
	ChangeUpdate
	// ChangeWorkingSetUpdate is written to the working-set update collection
	// only.
	ChangeWorkingSetUpdate
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeDelete:
		return "delete"
	case ChangeUpdate:
		return "update"
	case ChangeWorkingSetUpdate:
		return "working-set-update"
	default:
		return "unknown"
	}
}

// View selects which pair of collections a drain empties.
type View int

const (
	ViewFolder View = iota
	ViewWorkingSet
)

// SignalHub holds pending change notifications until the host drains them.
// Delete signals take priority: an identifier with a pending delete is never
// reported as updated in the same view.
type SignalHub struct {
	mu                sync.Mutex
	folderDeletes     map[string]struct{}
	workingSetDeletes map[string]struct{}
	folderUpdates     map[string]*Item
	workingSetUpdates map[string]*Item
	anchor            uint64

	signaler Signaler
	logger   Logger
}

// NewSignalHub creates an empty hub. signaler may be nil.
func NewSignalHub(signaler Signaler, logger Logger) *SignalHub {
	return &SignalHub{
		folderDeletes:     make(map[string]struct{}),
		workingSetDeletes: make(map[string]struct{}),
		folderUpdates:     make(map[string]*Item),
		workingSetUpdates: make(map[string]*Item),
		signaler:          signaler,
		logger:            logger,
	}
}

// Record stores a change for identifier and signals the affected folder
// container and the working set. item carries the refreshed state for updates
// and the parent to signal for deletes; it may be nil for deletes.
func (h *SignalHub) Record(ctx context.Context, kind ChangeKind, identifier string, item *Item) {
	h.mu.Lock()
	switch kind {
	case ChangeDelete:
		h.folderDeletes[identifier] = struct{}{}
		h.workingSetDeletes[identifier] = struct{}{}
		delete(h.folderUpdates, identifier)
		delete(h.workingSetUpdates, identifier)
	case ChangeUpdate:
		if item != nil {
			if _, ok := h.folderDeletes[identifier]; !ok {
				h.folderUpdates[identifier] = item
			}
			if _, ok := h.workingSetDeletes[identifier]; !ok {
				h.workingSetUpdates[identifier] = item
			}
		}
	case ChangeWorkingSetUpdate:
		if item != nil {
			if _, ok := h.workingSetDeletes[identifier]; !ok {
				h.workingSetUpdates[identifier] = item
			}
		}
	}
	h.anchor++
	h.mu.Unlock()

	h.logger.Debug("change recorded", "kind", kind.String(), "identifier", identifier)

	container := RootContainerIdentifier
	if item != nil && item.ParentIdentifier != "" {
		container = item.ParentIdentifier
	}
	h.signal(ctx, container)
	h.signal(ctx, WorkingSetIdentifier)
}

func (h *SignalHub) signal(ctx context.Context, container string) {
	if h.signaler == nil {
		return
	}
	if err := h.signaler.SignalEnumerator(ctx, container); err != nil {
		h.logger.Warn("signal enumerator failed", "container", container, "error", err)
	}
}

// Drain empties the delete and update collections of view and returns their
// contents, deletes first, along with a new anchor. Identifiers are sorted.
func (h *SignalHub) Drain(view View) ChangeSet {
	h.mu.Lock()
	defer h.mu.Unlock()

	deletes, updates := h.folderDeletes, h.folderUpdates
	if view == ViewWorkingSet {
		deletes, updates = h.workingSetDeletes, h.workingSetUpdates
	}

	var cs ChangeSet
	for id := range deletes {
		cs.Deleted = append(cs.Deleted, id)
	}
	slices.Sort(cs.Deleted)

	ids := make([]string, 0, len(updates))
	for id := range updates {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		cs.Updated = append(cs.Updated, updates[id])
	}

	if view == ViewWorkingSet {
		h.workingSetDeletes = make(map[string]struct{})
		h.workingSetUpdates = make(map[string]*Item)
	} else {
		h.folderDeletes = make(map[string]struct{})
		h.folderUpdates = make(map[string]*Item)
	}

	h.anchor++
	cs.Anchor = SyncAnchor(strconv.FormatUint(h.anchor, 10))
	return cs
}

// Pending reports the number of pending deletes and updates in view.
func (h *SignalHub) Pending(view View) (deletes, updates int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if view == ViewWorkingSet {
		return len(h.workingSetDeletes), len(h.workingSetUpdates)
	}
	return len(h.folderDeletes), len(h.folderUpdates)
}

// CurrentAnchor returns the current sync anchor.
func (h *SignalHub) CurrentAnchor() SyncAnchor {
	h.mu.Lock()
	defer h.mu.Unlock()
	return SyncAnchor(strconv.FormatUint(h.anchor, 10))
}
