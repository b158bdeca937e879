package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"fpsync/internal/config"
	"fpsync/internal/database"
	"fpsync/internal/filecache"
	"fpsync/internal/fp"
	"fpsync/internal/remote"
)

// FPApp is the application layer between the CLI and the provider.
// It constructs all dependencies from config, exposes high-level operations
// that accept raw slash-separated paths relative to the account home, and
// manages the store lifecycle on Close.
type FPApp struct {
	cfg      *config.Config
	store    *database.SQLiteStore
	remote   fp.Remote
	provider *fp.Provider
	logger   fp.Logger
	op       *Operation
	logFile  *os.File
}

// NewFPApp creates a fully wired FPApp from the given config.
// operation identifies the CLI command being run (e.g. "List", "Get").
// The caller must call Close when done.
func NewFPApp(ctx context.Context, cfg *config.Config, operation string) (*FPApp, error) {
	op := NewOperation(operation, "", time.Now())

	level, err := ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	slogger, logFile, err := newLogger(cfg.LogDir, op.ID, level)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	logger := &slogAdapter{l: slogger}

	store, err := database.NewStoreFromConfig(cfg.Database, logger)
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("creating store: %w", err)
	}
	if err := store.CheckMigrations(); err != nil {
		store.Close()
		logFile.Close()
		return nil, fmt.Errorf("store schema out of date: %w", err)
	}

	r, err := remote.NewRemoteFromConfig(ctx, cfg.Remote, fp.RealClock{}, logger)
	if err != nil {
		store.Close()
		logFile.Close()
		return nil, fmt.Errorf("creating remote: %w", err)
	}

	provider := fp.NewProvider(
		store,
		r,
		filecache.NewFactory(cfg.Cache.Dir),
		&logSignaler{logger: logger},
		logger,
		fp.RealClock{},
		fp.UUIDGenerator{},
		fp.Options{
			PageSize:               cfg.Enumeration.EffectivePageSize(),
			MaxConcurrentTransfers: cfg.Transfers.EffectiveMaxConcurrent(),
		},
	)

	logger.Debug("operation started", "operation", op.Name, "remote", cfg.Remote.Type, "database", cfg.Database.Type)
	return &FPApp{
		cfg:      cfg,
		store:    store,
		remote:   r,
		provider: provider,
		logger:   logger,
		op:       op,
		logFile:  logFile,
	}, nil
}

// Provider exposes the wired provider.
func (a *FPApp) Provider() *fp.Provider {
	return a.provider
}

// Operation returns the operation record of this run.
func (a *FPApp) Operation() *Operation {
	return a.op
}

// track records err as the outcome of the operation and returns it.
func (a *FPApp) track(err error) error {
	if err != nil {
		a.op.Fail(err)
	}
	return err
}

// AddAccount registers an account, makes it active and warms its cache.
// Returns the number of rows seeded by the warm-up.
func (a *FPApp) AddAccount(ctx context.Context, urlBase, user, userID string) (int, error) {
	a.op.Parameters = user + "@" + urlBase
	if userID == "" {
		userID = user
	}
	account := fp.Account{
		Account: fp.AccountKey(user, urlBase),
		URLBase: strings.TrimRight(urlBase, "/"),
		User:    user,
		UserID:  userID,
		Active:  true,
	}
	if err := a.store.AddAccount(ctx, account); err != nil {
		return 0, a.track(err)
	}
	n, err := a.provider.WarmUp(ctx, fp.RootContainerIdentifier)
	if err != nil {
		return 0, a.track(fmt.Errorf("warming cache: %w", err))
	}
	return n, nil
}

// ListAccounts returns all known accounts.
func (a *FPApp) ListAccounts(ctx context.Context) ([]fp.Account, error) {
	accounts, err := a.store.ListAccounts(ctx)
	return accounts, a.track(err)
}

// UseAccount makes account the active one.
func (a *FPApp) UseAccount(ctx context.Context, account string) error {
	a.op.Parameters = account
	existing, err := a.store.GetAccount(ctx, account)
	if err != nil {
		return a.track(err)
	}
	if existing == nil {
		return a.track(fmt.Errorf("%w: account %s", fp.ErrNotFound, account))
	}
	return a.track(a.store.SetActiveAccount(ctx, account))
}

// RemoveAccount deletes an account row.
func (a *FPApp) RemoveAccount(ctx context.Context, account string) error {
	a.op.Parameters = account
	return a.track(a.store.DeleteAccount(ctx, account))
}

// Resolve maps a raw path relative to the account home onto an item
// identifier by listing each folder on the way. "" and "/" are the root.
func (a *FPApp) Resolve(ctx context.Context, rawPath string) (string, error) {
	clean := strings.Trim(path.Clean("/"+rawPath), "/")
	if clean == "" {
		return fp.RootContainerIdentifier, nil
	}
	container := fp.RootContainerIdentifier
	segments := strings.Split(clean, "/")
	for i, name := range segments {
		items, err := a.enumerateAll(ctx, container)
		if err != nil {
			return "", err
		}
		var found *fp.Item
		for _, it := range items {
			if it.Filename == name {
				found = it
				break
			}
		}
		if found == nil {
			return "", fmt.Errorf("%w: %s", fp.ErrNotFound, strings.Join(segments[:i+1], "/"))
		}
		if i < len(segments)-1 && !found.IsDirectory {
			return "", fmt.Errorf("%w: %s", fp.ErrNotDirectory, strings.Join(segments[:i+1], "/"))
		}
		container = found.Identifier
	}
	return container, nil
}

func (a *FPApp) enumerateAll(ctx context.Context, container string) ([]*fp.Item, error) {
	var items []*fp.Item
	page := fp.Page{}
	for {
		res, err := a.provider.EnumerateItems(ctx, container, page)
		if err != nil {
			return nil, err
		}
		items = append(items, res.Items...)
		if res.NextPage == nil {
			return items, nil
		}
		page = *res.NextPage
	}
}

// List returns every item inside the folder at rawPath.
func (a *FPApp) List(ctx context.Context, rawPath string) ([]*fp.Item, error) {
	a.op.Parameters = rawPath
	id, err := a.Resolve(ctx, rawPath)
	if err != nil {
		return nil, a.track(err)
	}
	items, err := a.enumerateAll(ctx, id)
	return items, a.track(err)
}

// WorkingSet returns the tagged and favorite items of the active account.
func (a *FPApp) WorkingSet(ctx context.Context) ([]*fp.Item, error) {
	items, err := a.enumerateAll(ctx, fp.WorkingSetIdentifier)
	return items, a.track(err)
}

// Changes drains the pending changes of the folder view, or of the working
// set when workingSet is true.
func (a *FPApp) Changes(ctx context.Context, workingSet bool) (fp.ChangeSet, error) {
	container := fp.RootContainerIdentifier
	if workingSet {
		container = fp.WorkingSetIdentifier
	}
	cs, err := a.provider.EnumerateChanges(ctx, container, a.provider.CurrentSyncAnchor(ctx))
	return cs, a.track(err)
}

// Get makes the file at rawPath available locally and, when dest is not
// empty, copies it there. Returns the item and the cache path of its bytes.
func (a *FPApp) Get(ctx context.Context, rawPath, dest string) (*fp.Item, string, error) {
	a.op.Parameters = rawPath
	id, err := a.Resolve(ctx, rawPath)
	if err != nil {
		return nil, "", a.track(err)
	}
	t, err := a.provider.StartProvidingItem(ctx, id)
	if err != nil {
		return nil, "", a.track(err)
	}
	item, err := t.Wait(ctx)
	if err != nil {
		return nil, "", a.track(fmt.Errorf("downloading %s: %w", rawPath, err))
	}
	local, err := a.provider.URLForItem(ctx, id)
	if err != nil {
		return nil, "", a.track(err)
	}
	if dest != "" && item != nil && !item.IsDirectory {
		if err := copyFile(local, dest); err != nil {
			return nil, "", a.track(err)
		}
	}
	return item, local, nil
}

// Put uploads the local file src into the folder at rawParent. name
// defaults to the base name of src.
func (a *FPApp) Put(ctx context.Context, src, rawParent, name string) (*fp.Item, error) {
	absSrc, err := filepath.Abs(src)
	if err != nil {
		return nil, a.track(fmt.Errorf("resolving path: %w", err))
	}
	if name == "" {
		name = filepath.Base(absSrc)
	}
	a.op.Parameters = absSrc + " -> " + path.Join("/", rawParent, name)

	parent, err := a.Resolve(ctx, rawParent)
	if err != nil {
		return nil, a.track(err)
	}
	t, err := a.provider.ImportDocument(ctx, absSrc, parent, name)
	if err != nil {
		return nil, a.track(err)
	}
	item, err := t.Wait(ctx)
	if err != nil {
		return nil, a.track(fmt.Errorf("uploading %s: %w", name, err))
	}
	return item, nil
}

// Push uploads the cached bytes of the file at rawPath after they were
// modified in place.
func (a *FPApp) Push(ctx context.Context, rawPath string) (*fp.Item, error) {
	a.op.Parameters = rawPath
	id, err := a.Resolve(ctx, rawPath)
	if err != nil {
		return nil, a.track(err)
	}
	t, err := a.provider.ItemChanged(ctx, id)
	if err != nil {
		return nil, a.track(err)
	}
	item, err := t.Wait(ctx)
	return item, a.track(err)
}

// Mkdir creates name inside the folder at rawParent.
func (a *FPApp) Mkdir(ctx context.Context, rawParent, name string) (*fp.Item, error) {
	a.op.Parameters = path.Join("/", rawParent, name)
	parent, err := a.Resolve(ctx, rawParent)
	if err != nil {
		return nil, a.track(err)
	}
	item, err := a.provider.CreateDirectory(ctx, parent, name)
	return item, a.track(err)
}

// Remove deletes the item at rawPath.
func (a *FPApp) Remove(ctx context.Context, rawPath string) error {
	a.op.Parameters = rawPath
	id, err := a.Resolve(ctx, rawPath)
	if err != nil {
		return a.track(err)
	}
	if id == fp.RootContainerIdentifier {
		return a.track(fmt.Errorf("%w: cannot remove the root", fp.ErrBadRequest))
	}
	return a.track(a.provider.DeleteItem(ctx, id))
}

// Move moves the item at rawPath into the folder at rawParent, optionally
// under a new name.
func (a *FPApp) Move(ctx context.Context, rawPath, rawParent, newName string) (*fp.Item, error) {
	a.op.Parameters = rawPath + " -> " + rawParent
	id, err := a.Resolve(ctx, rawPath)
	if err != nil {
		return nil, a.track(err)
	}
	parent, err := a.Resolve(ctx, rawParent)
	if err != nil {
		return nil, a.track(err)
	}
	item, err := a.provider.MoveItem(ctx, id, parent, newName)
	return item, a.track(err)
}

// Rename renames the item at rawPath within its folder.
func (a *FPApp) Rename(ctx context.Context, rawPath, newName string) (*fp.Item, error) {
	a.op.Parameters = rawPath + " -> " + newName
	id, err := a.Resolve(ctx, rawPath)
	if err != nil {
		return nil, a.track(err)
	}
	item, err := a.provider.RenameItem(ctx, id, newName)
	return item, a.track(err)
}

// Favorite sets or clears the favorite flag of the item at rawPath.
func (a *FPApp) Favorite(ctx context.Context, rawPath string, rank *int64) (*fp.Item, error) {
	a.op.Parameters = rawPath
	id, err := a.Resolve(ctx, rawPath)
	if err != nil {
		return nil, a.track(err)
	}
	item, err := a.provider.SetFavoriteRank(ctx, id, rank)
	return item, a.track(err)
}

// Tag stores tag data on the item at rawPath. Empty data clears it.
func (a *FPApp) Tag(ctx context.Context, rawPath string, data []byte) (*fp.Item, error) {
	a.op.Parameters = rawPath
	id, err := a.Resolve(ctx, rawPath)
	if err != nil {
		return nil, a.track(err)
	}
	item, err := a.provider.SetTagData(ctx, id, data)
	return item, a.track(err)
}

// StoreStatus describes the metadata store for the status command.
type StoreStatus struct {
	Path          string
	SchemaOK      bool
	ActiveAccount string
}

// Status reports the store location, schema state and active account.
func (a *FPApp) Status(ctx context.Context) (*StoreStatus, error) {
	st := &StoreStatus{Path: a.store.Path()}
	st.SchemaOK = a.store.CheckMigrations() == nil
	account, err := a.store.GetActiveAccount(ctx)
	if err != nil {
		return nil, a.track(err)
	}
	if account != nil {
		st.ActiveAccount = account.Account
	}
	return st, nil
}

// BackupDatabase writes a consistent snapshot of the store to dest.
func (a *FPApp) BackupDatabase(dest string) error {
	a.op.Parameters = dest
	return a.track(a.store.BackupTo(dest))
}

// Close logs the outcome of the operation and closes all resources.
func (a *FPApp) Close() error {
	var firstErr error

	a.logger.Info("operation finished",
		"operation", a.op.Name,
		"parameters", a.op.Parameters,
		"status", a.op.Status,
		"pending_transfers", a.provider.Transfers().Pending())

	// Completion callbacks write to the store.
	if w, ok := a.remote.(interface{ Wait() }); ok {
		w.Wait()
	}
	if err := a.store.Close(); err != nil {
		firstErr = fmt.Errorf("closing store: %w", err)
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
	return firstErr
}

// copyFile copies src to dest, replacing dest atomically.
func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening cached file: %w", err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("creating destination directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".fpsync-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("copying file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("placing file: %w", err)
	}
	return nil
}
