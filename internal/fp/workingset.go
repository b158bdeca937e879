package fp

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// FavoriteRankBase is the counter value favorite ranks are assigned above.
const FavoriteRankBase int64 = 10

// favoriteRanks caches the ranks computed by the last working-set
// enumeration. Ranks live in memory only.
type favoriteRanks struct {
	mu    sync.RWMutex
	ranks map[string]int64
}

func newFavoriteRanks() *favoriteRanks {
	return &favoriteRanks{ranks: make(map[string]int64)}
}

func (r *favoriteRanks) get(ocID string) *int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.ranks[ocID]
	if !ok {
		return nil
	}
	return &v
}

func (r *favoriteRanks) set(ocID string, rank int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ranks[ocID] = rank
}

func (r *favoriteRanks) remove(ocID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.ranks, ocID)
}

func (r *favoriteRanks) replace(ranks map[string]int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ranks = ranks
}

// ComputeFavoriteRanks assigns ranks to favorites ordered by display name.
// The first favorite gets FavoriteRankBase+1.
func ComputeFavoriteRanks(favorites []Metadata) map[string]int64 {
	sorted := make([]Metadata, len(favorites))
	copy(sorted, favorites)
	sort.SliceStable(sorted, func(i, j int) bool {
		return displayName(sorted[i]) < displayName(sorted[j])
	})
	ranks := make(map[string]int64, len(sorted))
	counter := FavoriteRankBase
	for _, m := range sorted {
		counter++
		ranks[m.OcID] = counter
	}
	return ranks
}

func displayName(m Metadata) string {
	if m.FileNameView != "" {
		return m.FileNameView
	}
	return m.FileName
}

// enumerateWorkingSet returns tagged rows, favorites and the children of
// favorited directories as one page.
func (p *Provider) enumerateWorkingSet(ctx context.Context, s *Session) (*EnumerationResult, error) {
	account := s.Account.Account
	seen := make(map[string]struct{})
	var rows []Metadata
	add := func(ms ...Metadata) {
		for _, m := range ms {
			if _, ok := seen[m.OcID]; ok || !m.Listable() {
				continue
			}
			seen[m.OcID] = struct{}{}
			rows = append(rows, m)
		}
	}

	tags, err := p.store.ListTags(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("listing tags: %w", err)
	}
	for _, tag := range tags {
		m, err := p.store.GetMetadata(ctx, tag.OcID)
		if err != nil {
			return nil, fmt.Errorf("finding tagged metadata: %w", err)
		}
		if m != nil {
			add(*m)
		}
	}

	favorite := true
	favorites, err := p.store.FindMetadatas(ctx, MetadataQuery{
		Account:  account,
		Favorite: &favorite,
		Sort:     SortFileNameView,
	})
	if err != nil {
		return nil, fmt.Errorf("finding favorites: %w", err)
	}
	ranks := ComputeFavoriteRanks(favorites)
	p.ranks.replace(ranks)
	add(favorites...)

	dirs, err := p.store.FindDirectories(ctx, DirectoryQuery{Account: account, Favorite: &favorite})
	if err != nil {
		return nil, fmt.Errorf("finding favorite directories: %w", err)
	}
	for _, dir := range dirs {
		children, err := p.store.FindMetadatas(ctx, MetadataQuery{
			Account:       account,
			ServerURL:     dir.ServerURL,
			ExcludeHidden: true,
			Sort:          SortFileName,
		})
		if err != nil {
			return nil, fmt.Errorf("finding favorite directory children: %w", err)
		}
		add(children...)
	}

	result := &EnumerationResult{}
	for i := range rows {
		var rank *int64
		if r, ok := ranks[rows[i].OcID]; ok {
			rank = &r
		}
		item, err := s.ItemFor(ctx, &rows[i], rank)
		if err != nil {
			return nil, err
		}
		if item == nil {
			p.logger.Debug("working set item not yet resolvable", "oc_id", rows[i].OcID)
			continue
		}
		result.Items = append(result.Items, item)
	}
	p.logger.Debug("working set enumerated", "items", len(result.Items), "favorites", len(ranks))
	return result, nil
}
