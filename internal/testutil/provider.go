package testutil

import (
	"context"
	"path/filepath"
	"testing"

	"fpsync/internal/database"
	"fpsync/internal/filecache"
	"fpsync/internal/fp"
	"fpsync/internal/remote"
)

// ProviderHarness bundles a Provider with the fakes it runs against.
type ProviderHarness struct {
	Provider *fp.Provider
	Store    *database.SQLiteStore
	Remote   *remote.MemoryRemote
	Signaler *RecordingSignaler
	Clock    *StubClock
	IDs      *StubIDGenerator
	CacheDir string
}

// NewProviderHarness creates a provider over an in-memory store with
// TestAccount active, an empty MemoryRemote and a file cache in a temp dir.
// Pending transfers are drained when the test completes.
func NewProviderHarness(t *testing.T, opts fp.Options) *ProviderHarness {
	t.Helper()

	h := &ProviderHarness{
		Store:    NewTestStoreWithAccount(t),
		Signaler: NewRecordingSignaler(),
		Clock:    FixedClock(),
		IDs:      NewStubIDGenerator("tmp"),
		CacheDir: filepath.Join(t.TempDir(), "cache"),
	}
	h.Remote = remote.NewMemoryRemote(h.Clock)
	h.Provider = fp.NewProvider(
		h.Store,
		h.Remote,
		filecache.NewFactory(h.CacheDir),
		h.Signaler,
		fp.NewNopLogger(),
		h.Clock,
		h.IDs,
		opts,
	)
	t.Cleanup(func() {
		h.Remote.ReleaseTransfers()
		h.Remote.Wait()
	})
	return h
}

// Home returns the server path of TestAccount's home folder.
func (h *ProviderHarness) Home() string {
	return TestAccount.HomeServerURL()
}

// Path joins name onto the home folder path.
func (h *ProviderHarness) Path(name string) string {
	return fp.JoinServerURL(h.Home(), name)
}

// Cache returns the file cache of the active account.
func (h *ProviderHarness) Cache(t *testing.T) fp.FileCache {
	t.Helper()
	s, err := h.Provider.Session(context.Background())
	if err != nil {
		t.Fatalf("Session() error = %v", err)
	}
	return s.Cache
}

// EnumerateAll follows every page of container and returns the items in
// order.
func (h *ProviderHarness) EnumerateAll(t *testing.T, container string) []*fp.Item {
	t.Helper()
	ctx := context.Background()
	var items []*fp.Item
	page := fp.Page{}
	for range 100 {
		res, err := h.Provider.EnumerateItems(ctx, container, page)
		if err != nil {
			t.Fatalf("EnumerateItems(%s, %s) error = %v", container, page, err)
		}
		items = append(items, res.Items...)
		if res.NextPage == nil {
			return items
		}
		page = *res.NextPage
	}
	t.Fatalf("EnumerateItems(%s) did not finish", container)
	return nil
}

// Names returns the file names of items.
func Names(items []*fp.Item) []string {
	names := make([]string, 0, len(items))
	for _, it := range items {
		names = append(names, it.Filename)
	}
	return names
}

// Find returns the item named name, or nil.
func Find(items []*fp.Item, name string) *fp.Item {
	for _, it := range items {
		if it.Filename == name {
			return it
		}
	}
	return nil
}
