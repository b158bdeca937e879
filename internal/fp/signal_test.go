package fp

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSignaler struct {
	mu        sync.Mutex
	container []string
	err       error
}

func (f *fakeSignaler) SignalEnumerator(ctx context.Context, container string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.container = append(f.container, container)
	return f.err
}

func (f *fakeSignaler) signals() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.container)
}

func ids(items []*Item) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, it.Identifier)
	}
	return out
}

func TestSignalHub_DeleteWins(t *testing.T) {
	ctx := context.Background()
	h := NewSignalHub(nil, NewNopLogger())

	h.Record(ctx, ChangeUpdate, "a", &Item{Identifier: "a"})
	h.Record(ctx, ChangeDelete, "a", nil)
	h.Record(ctx, ChangeUpdate, "a", &Item{Identifier: "a"})

	cs := h.Drain(ViewFolder)
	assert.Equal(t, []string{"a"}, cs.Deleted)
	assert.Empty(t, cs.Updated)

	cs = h.Drain(ViewWorkingSet)
	assert.Equal(t, []string{"a"}, cs.Deleted)
	assert.Empty(t, cs.Updated)
}

func TestSignalHub_DrainIsSortedAndEmpties(t *testing.T) {
	ctx := context.Background()
	h := NewSignalHub(nil, NewNopLogger())

	h.Record(ctx, ChangeUpdate, "c", &Item{Identifier: "c"})
	h.Record(ctx, ChangeUpdate, "a", &Item{Identifier: "a"})
	h.Record(ctx, ChangeDelete, "z", nil)
	h.Record(ctx, ChangeDelete, "b", nil)

	cs := h.Drain(ViewFolder)
	assert.Equal(t, []string{"b", "z"}, cs.Deleted)
	assert.Equal(t, []string{"a", "c"}, ids(cs.Updated))

	again := h.Drain(ViewFolder)
	assert.Empty(t, again.Deleted)
	assert.Empty(t, again.Updated)
	assert.NotEqual(t, cs.Anchor, again.Anchor)

	// The working-set view is drained separately.
	d, u := h.Pending(ViewWorkingSet)
	assert.Equal(t, 2, d)
	assert.Equal(t, 2, u)
}

func TestSignalHub_WorkingSetUpdate(t *testing.T) {
	ctx := context.Background()
	h := NewSignalHub(nil, NewNopLogger())

	h.Record(ctx, ChangeWorkingSetUpdate, "fav", &Item{Identifier: "fav"})

	d, u := h.Pending(ViewFolder)
	assert.Zero(t, d)
	assert.Zero(t, u)

	cs := h.Drain(ViewWorkingSet)
	assert.Equal(t, []string{"fav"}, ids(cs.Updated))
}

func TestSignalHub_AnchorAdvances(t *testing.T) {
	ctx := context.Background()
	h := NewSignalHub(nil, NewNopLogger())

	first := h.CurrentAnchor()
	h.Record(ctx, ChangeUpdate, "a", &Item{Identifier: "a"})
	second := h.CurrentAnchor()
	assert.NotEqual(t, first, second)

	cs := h.Drain(ViewFolder)
	assert.NotEqual(t, second, cs.Anchor)
	assert.Equal(t, cs.Anchor, h.CurrentAnchor())
}

func TestSignalHub_SignalsParentAndWorkingSet(t *testing.T) {
	ctx := context.Background()
	sig := &fakeSignaler{}
	h := NewSignalHub(sig, NewNopLogger())

	h.Record(ctx, ChangeUpdate, "a", &Item{Identifier: "a", ParentIdentifier: "dir1"})
	h.Record(ctx, ChangeDelete, "b", nil)

	assert.Equal(t, []string{
		"dir1", WorkingSetIdentifier,
		RootContainerIdentifier, WorkingSetIdentifier,
	}, sig.signals())
}

func TestSignalHub_SignalFailureDoesNotDropChange(t *testing.T) {
	ctx := context.Background()
	sig := &fakeSignaler{err: errors.New("host gone")}
	h := NewSignalHub(sig, NewNopLogger())

	h.Record(ctx, ChangeUpdate, "a", &Item{Identifier: "a"})

	cs := h.Drain(ViewFolder)
	require.Len(t, cs.Updated, 1)
	assert.Equal(t, "a", cs.Updated[0].Identifier)
}
