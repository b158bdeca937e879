package fp

import (
	"context"
	"fmt"
	"sync"
)

// folderEnumerator remembers how many raw entries each page of one container
// returned, so that the offset of the next page can be computed. It also
// carries the ids purged by earlier pages until the final page is stored.
type folderEnumerator struct {
	mu         sync.Mutex
	pageCounts map[int]int
	purged     []string
}

func newFolderEnumerator() *folderEnumerator {
	return &folderEnumerator{pageCounts: make(map[int]int)}
}

// offset returns the listing offset for page.
func (e *folderEnumerator) offset(page int) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return PageOffset(e.pageCounts, page)
}

// record stores the raw entry count of page and returns the cumulative count
// through page. Page 0 resets the history.
func (e *folderEnumerator) record(page, count int) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if page == 0 {
		clear(e.pageCounts)
		e.purged = nil
	}
	e.pageCounts[page] = count
	total := 0
	for n, c := range e.pageCounts {
		if n <= page {
			total += c
		}
	}
	return total
}

// carried returns the purged ids waiting for the final page.
func (e *folderEnumerator) carried() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.purged...)
}

// stored folds the outcome of a stored page into the carried ids. The final
// page settles them all.
func (e *folderEnumerator) stored(res *ListingStored, final bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if final {
		e.purged = nil
		return
	}
	e.purged = append(e.purged, res.Purged...)
}

// PageOffset returns the listing offset of page given the entry counts of
// earlier pages. The listed folder itself occupies offset 0, so a nonzero sum
// is shifted by one.
func PageOffset(counts map[int]int, page int) int {
	sum := 0
	for n, c := range counts {
		if n < page {
			sum += c
		}
	}
	if sum > 0 {
		sum++
	}
	return sum
}

// morePages reports whether another page should be requested. When the remote
// reports no total, a full page is taken to mean more entries follow.
func morePages(h paginationHeader, count, cumulative, pageSize int) bool {
	if !h.paginate || count == 0 {
		return false
	}
	if h.total < 0 {
		return count >= pageSize
	}
	return cumulative < h.total
}

func (p *Provider) enumeratorFor(account, container string) *folderEnumerator {
	key := account + "|" + container
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.enumerators[key]
	if !ok {
		e = newFolderEnumerator()
		p.enumerators[key] = e
	}
	return e
}

// EnumerateItems returns one page of the container listing. The working set
// identifier is served from the local store; any other container is fetched
// from the remote and merged into the store. Concurrent requests for the same
// page share one remote call.
func (p *Provider) EnumerateItems(ctx context.Context, container string, page Page) (*EnumerationResult, error) {
	s, err := p.Session(ctx)
	if err != nil {
		return nil, err
	}
	if container == WorkingSetIdentifier {
		return p.enumerateWorkingSet(ctx, s)
	}

	// The shared call outlives any single caller; each caller still stops
	// waiting when its own context ends.
	key := s.Account.Account + "|" + container + "|" + page.String()
	ch := p.listings.DoChan(key, func() (any, error) {
		return p.enumerateFolder(context.WithoutCancel(ctx), s, container, page)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*EnumerationResult), nil
	}
}

func (p *Provider) enumerateFolder(ctx context.Context, s *Session, container string, page Page) (*EnumerationResult, error) {
	serverURL, err := s.ServerURLForContainer(ctx, container)
	if err != nil {
		return nil, err
	}

	enum := p.enumeratorFor(s.Account.Account, container)
	opts := ListOptions{
		Paginate: true,
		Offset:   enum.offset(page.Number),
		Count:    p.pageSize,
		Token:    page.Token,
	}

	res, err := p.remote.ReadFileOrFolder(ctx, s.Account, serverURL, DepthOne, opts)
	if err != nil {
		// TODO: distinguish offline from server errors before serving cache.
		p.logger.Warn("listing failed, serving cached entries",
			"server_url", serverURL,
			"page", page.String(),
			"error", TranslateRemoteError(err))
		return p.cachedListing(ctx, s, container, serverURL)
	}

	hdr := parsePaginationHeader(res.Header)
	var self *RemoteFile
	children := make([]RemoteFile, 0, len(res.Files))
	for i := range res.Files {
		f := res.Files[i]
		if f.Path() == serverURL {
			self = &f
			continue
		}
		children = append(children, f)
	}

	cumulative := enum.record(page.Number, len(children))
	more := morePages(hdr, len(children), cumulative, p.pageSize)

	listing := ListingPage{
		Account:   s.Account.Account,
		ServerURL: serverURL,
		Final:     !more,
		Carried:   enum.carried(),
		Items:     make([]Metadata, 0, len(children)+1),
	}
	if page.Number == 0 {
		listing.Purge = true
		dir, err := p.listedDirectory(ctx, s, container, serverURL, self)
		if err != nil {
			return nil, err
		}
		listing.Directory = dir
		if self != nil && serverURL != s.HomeServerURL() {
			listing.Items = append(listing.Items, metadataFromRemote(s.Account.Account, *self))
		}
	}
	// Offsets count every raw entry; hidden ones are just not stored.
	listed := make([]string, 0, len(children))
	for _, f := range children {
		m := metadataFromRemote(s.Account.Account, f)
		if !m.Listable() {
			continue
		}
		listing.Items = append(listing.Items, m)
		listed = append(listed, m.OcID)
	}
	stored, err := p.store.StoreListingPage(ctx, listing)
	if err != nil {
		return nil, fmt.Errorf("storing listing page: %w", err)
	}
	enum.stored(stored, listing.Final)
	for _, id := range stored.Dropped {
		if err := s.Cache.Delete(id); err != nil {
			p.logger.Warn("deleting cached bytes failed", "oc_id", id, "error", err)
		}
		p.ranks.remove(id)
	}

	result := &EnumerationResult{}
	for _, id := range listed {
		m, err := p.store.GetMetadata(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("reloading metadata: %w", err)
		}
		if m == nil {
			continue
		}
		if m, err = p.settleStaleTransfer(ctx, m); err != nil {
			return nil, err
		}
		item, err := s.itemWithParent(ctx, m, container, p.ranks.get(m.OcID))
		if err != nil {
			return nil, err
		}
		result.Items = append(result.Items, item)
	}

	if more {
		result.NextPage = &Page{Number: page.Number + 1, Token: hdr.token}
	}
	p.logger.Debug("listing page stored",
		"server_url", serverURL,
		"page", page.String(),
		"entries", len(children),
		"cumulative", cumulative,
		"total", hdr.total,
		"dropped", len(stored.Dropped),
		"more", more)
	return result, nil
}

// settleStaleTransfer returns an in-flight row that has no pending transfer
// behind it to the normal state. Such rows are left by stopped downloads and
// by transfers that never finished before a restart.
func (p *Provider) settleStaleTransfer(ctx context.Context, m *Metadata) (*Metadata, error) {
	switch m.Status {
	case StatusWaitDownload, StatusDownloading, StatusWaitUpload, StatusUploading:
	default:
		return m, nil
	}
	if p.transfers.ForItem(m.Session, m.OcID) != nil {
		return m, nil
	}
	settled, err := p.store.SetMetadataSession(ctx, m.OcID, SessionUpdate{
		Session:               ptr(""),
		SessionError:          ptr(""),
		SessionTaskIdentifier: ptr(0),
		Status:                ptr(StatusNormal),
		IfStatus:              ptr(m.Status),
	})
	if err != nil {
		return nil, fmt.Errorf("clearing stale transfer state: %w", err)
	}
	if settled == nil {
		return m, nil
	}
	p.logger.Info("stale transfer state cleared", "oc_id", m.OcID, "status", m.Status.String())
	return settled, nil
}

// listedDirectory builds the directory row written with page 0. Without a
// self entry the existing row is kept; for a folder never seen before the
// row is keyed by the container identifier.
func (p *Provider) listedDirectory(ctx context.Context, s *Session, container, serverURL string, self *RemoteFile) (*Directory, error) {
	now := p.clock.Now()
	if self != nil {
		dir := directoryFromRemote(s.Account.Account, serverURL, *self, now)
		return &dir, nil
	}
	existing, err := p.store.GetDirectoryByServerURL(ctx, s.Account.Account, serverURL)
	if err != nil {
		return nil, fmt.Errorf("finding directory: %w", err)
	}
	if existing != nil {
		existing.LastSyncDate = now
		return existing, nil
	}
	return &Directory{
		OcID:         container,
		Account:      s.Account.Account,
		ServerURL:    serverURL,
		LastSyncDate: now,
	}, nil
}

// cachedListing serves the stored children of serverURL as a single final
// page.
func (p *Provider) cachedListing(ctx context.Context, s *Session, container, serverURL string) (*EnumerationResult, error) {
	metas, err := p.store.FindMetadatas(ctx, MetadataQuery{
		Account:       s.Account.Account,
		ServerURL:     serverURL,
		Statuses:      []Status{StatusNormal},
		ExcludeHidden: true,
		Sort:          SortFileName,
	})
	if err != nil {
		return nil, fmt.Errorf("reading cached listing: %w", err)
	}
	result := &EnumerationResult{}
	for i := range metas {
		item, err := s.itemWithParent(ctx, &metas[i], container, p.ranks.get(metas[i].OcID))
		if err != nil {
			return nil, err
		}
		result.Items = append(result.Items, item)
	}
	return result, nil
}

// EnumerateChanges drains the pending changes of the view served by
// container.
func (p *Provider) EnumerateChanges(ctx context.Context, container string, anchor SyncAnchor) (ChangeSet, error) {
	if _, err := p.Session(ctx); err != nil {
		return ChangeSet{}, err
	}
	view := ViewFolder
	if container == WorkingSetIdentifier {
		view = ViewWorkingSet
	}
	cs := p.hub.Drain(view)
	p.logger.Debug("changes enumerated",
		"container", container,
		"from_anchor", string(anchor),
		"to_anchor", string(cs.Anchor),
		"deleted", len(cs.Deleted),
		"updated", len(cs.Updated))
	return cs, nil
}

// CurrentSyncAnchor returns the hub's current anchor.
func (p *Provider) CurrentSyncAnchor(ctx context.Context) SyncAnchor {
	return p.hub.CurrentAnchor()
}
