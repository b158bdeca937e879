package fp

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Default tuning values.
const (
	DefaultPageSize               = 200
	DefaultMaxConcurrentTransfers = 4
)

// CacheFactory opens the file cache of an account.
type CacheFactory func(account Account) (FileCache, error)

// Options tunes a Provider.
type Options struct {
	// PageSize is the number of entries requested per listing page.
	PageSize int
	// MaxConcurrentTransfers bounds the number of running transfers.
	MaxConcurrentTransfers int
}

// Provider is the entry point used by the host. It resolves the active account
// for every request and routes to the reconciliation engine, the transfer
// coordinator and the change signal hub.
type Provider struct {
	store  Store
	remote Remote
	caches CacheFactory
	hub    *SignalHub
	logger Logger
	clock  Clock
	idgen  IDGenerator

	pageSize  int
	listings  singleflight.Group
	ranks     *favoriteRanks
	transfers *TransferCoordinator

	mu          sync.Mutex
	cacheByAcct map[string]FileCache
	enumerators map[string]*folderEnumerator
}

// NewProvider creates a Provider. signaler may be nil.
func NewProvider(store Store, remote Remote, caches CacheFactory, signaler Signaler, logger Logger, clock Clock, idgen IDGenerator, opts Options) *Provider {
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.MaxConcurrentTransfers <= 0 {
		opts.MaxConcurrentTransfers = DefaultMaxConcurrentTransfers
	}
	return &Provider{
		store:       store,
		remote:      remote,
		caches:      caches,
		hub:         NewSignalHub(signaler, logger),
		logger:      logger,
		clock:       clock,
		idgen:       idgen,
		pageSize:    opts.PageSize,
		ranks:       newFavoriteRanks(),
		transfers:   NewTransferCoordinator(opts.MaxConcurrentTransfers, idgen, logger),
		cacheByAcct: make(map[string]FileCache),
		enumerators: make(map[string]*folderEnumerator),
	}
}

// Hub returns the change signal hub.
func (p *Provider) Hub() *SignalHub {
	return p.hub
}

// Transfers returns the transfer coordinator.
func (p *Provider) Transfers() *TransferCoordinator {
	return p.transfers
}

// Session builds the per-request context for the active account.
func (p *Provider) Session(ctx context.Context) (*Session, error) {
	account, err := p.store.GetActiveAccount(ctx)
	if err != nil {
		return nil, fmt.Errorf("finding active account: %w", err)
	}
	if account == nil {
		return nil, ErrNoActiveAccount
	}
	cache, err := p.cacheFor(*account)
	if err != nil {
		return nil, err
	}
	return &Session{
		Account: *account,
		Store:   p.store,
		Remote:  p.remote,
		Cache:   cache,
		Hub:     p.hub,
		Logger:  p.logger,
		Clock:   p.clock,
	}, nil
}

func (p *Provider) cacheFor(account Account) (FileCache, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.cacheByAcct[account.Account]; ok {
		return c, nil
	}
	c, err := p.caches(account)
	if err != nil {
		return nil, fmt.Errorf("opening file cache: %w", err)
	}
	p.cacheByAcct[account.Account] = c
	return c, nil
}

// Item returns the host-facing item for identifier.
func (p *Provider) Item(ctx context.Context, identifier string) (*Item, error) {
	s, err := p.Session(ctx)
	if err != nil {
		return nil, err
	}
	if identifier == RootContainerIdentifier {
		dir, err := p.store.GetDirectoryByServerURL(ctx, s.Account.Account, s.HomeServerURL())
		if err != nil {
			return nil, fmt.Errorf("finding home directory: %w", err)
		}
		return rootItem(dir), nil
	}
	m, err := p.store.GetMetadata(ctx, identifier)
	if err != nil {
		return nil, fmt.Errorf("finding metadata: %w", err)
	}
	if m == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, identifier)
	}
	item, err := s.ItemFor(ctx, m, p.ranks.get(m.OcID))
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, fmt.Errorf("%w: parent of %s", ErrNotFound, identifier)
	}
	return item, nil
}

// URLForItem returns the local cache path of identifier's bytes. Directories
// map to their cache slot.
func (p *Provider) URLForItem(ctx context.Context, identifier string) (string, error) {
	s, err := p.Session(ctx)
	if err != nil {
		return "", err
	}
	if identifier == RootContainerIdentifier {
		return s.Cache.Root(), nil
	}
	m, err := p.store.GetMetadata(ctx, identifier)
	if err != nil {
		return "", fmt.Errorf("finding metadata: %w", err)
	}
	if m == nil {
		return "", fmt.Errorf("%w: %s", ErrNotFound, identifier)
	}
	return s.Cache.Path(m.OcID, m.FileName), nil
}

// IdentifierForURL maps a cache path back to the item identifier.
func (p *Provider) IdentifierForURL(ctx context.Context, localPath string) (string, error) {
	s, err := p.Session(ctx)
	if err != nil {
		return "", err
	}
	if localPath == s.Cache.Root() {
		return RootContainerIdentifier, nil
	}
	return s.Cache.OcIDForPath(localPath)
}
