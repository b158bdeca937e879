package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"fpsync/internal/database/migrations"
	"fpsync/internal/fp"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// suspended is set for the whole process once a store fails its schema
// check. Every write then returns fp.ErrSchemaMismatch.
var suspended atomic.Bool

// Suspended reports whether the store layer refuses writes after a schema
// mismatch.
func Suspended() bool {
	return suspended.Load()
}

// SQLiteStore implements fp.Store using SQLite. Writes are serialized; reads
// run concurrently with each other but never observe an uncommitted write.
type SQLiteStore struct {
	mu      sync.RWMutex
	db      *sql.DB
	queries *Queries
	path    string
	logger  fp.Logger
}

// NewSQLiteStore opens the store at path, applies pending migrations and
// verifies the resulting schema version. path can be a file path or
// ":memory:". A version mismatch suspends all stores in the process.
func NewSQLiteStore(path string, logger fp.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = fp.NewNopLogger()
	}
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}

	if err := migrations.MigrateUp(db); err != nil {
		db.Close()
		suspended.Store(true)
		logger.Error("store suspended", "path", path, "phase", "migrate", "error", err)
		return nil, fmt.Errorf("%w: %v", fp.ErrSchemaMismatch, err)
	}
	if err := migrations.CheckDBMigrationStatus(db); err != nil {
		db.Close()
		suspended.Store(true)
		logger.Error("store suspended", "path", path, "phase", "check", "error", err)
		return nil, fmt.Errorf("%w: %v", fp.ErrSchemaMismatch, err)
	}

	return &SQLiteStore{
		db:      db,
		queries: New(db),
		path:    path,
		logger:  logger,
	}, nil
}

// OpenConnection opens and configures a SQLite connection. In-memory
// databases are pinned to a single connection so every caller sees the same
// data.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	} else {
		for _, pragma := range []string{
			"PRAGMA journal_mode = WAL",
			"PRAGMA busy_timeout = 5000",
			"PRAGMA synchronous = NORMAL",
		} {
			if _, err := db.Exec(pragma); err != nil {
				db.Close()
				return nil, fmt.Errorf("setting %q: %w", pragma, err)
			}
		}
	}
	return db, nil
}

// write runs fn in one transaction under the writer lock.
func (s *SQLiteStore) write(ctx context.Context, fn func(q *Queries) error) error {
	if suspended.Load() {
		return fp.ErrSchemaMismatch
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(s.queries.WithTx(tx)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// read runs fn under the reader lock.
func (s *SQLiteStore) read(fn func(q *Queries) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(s.queries)
}

// Account operations

func (s *SQLiteStore) AddAccount(ctx context.Context, account fp.Account) error {
	err := s.write(ctx, func(q *Queries) error {
		if account.Active {
			if _, err := q.db.ExecContext(ctx, "UPDATE accounts SET active = 0"); err != nil {
				return err
			}
		}
		return q.UpsertAccount(ctx, account)
	})
	if err != nil {
		return fmt.Errorf("adding account: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetAccount(ctx context.Context, account string) (*fp.Account, error) {
	var a fp.Account
	err := s.read(func(q *Queries) error {
		var err error
		a, err = q.GetAccount(ctx, account)
		return err
	})
	if missing, err := notFound(err); missing {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("finding account: %w", err)
	}
	return &a, nil
}

func (s *SQLiteStore) GetActiveAccount(ctx context.Context) (*fp.Account, error) {
	var a fp.Account
	err := s.read(func(q *Queries) error {
		var err error
		a, err = q.GetActiveAccount(ctx)
		return err
	})
	if missing, err := notFound(err); missing {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("finding active account: %w", err)
	}
	return &a, nil
}

func (s *SQLiteStore) ListAccounts(ctx context.Context) ([]fp.Account, error) {
	var out []fp.Account
	err := s.read(func(q *Queries) error {
		var err error
		out, err = q.ListAccounts(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("listing accounts: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) SetActiveAccount(ctx context.Context, account string) error {
	err := s.write(ctx, func(q *Queries) error {
		n, err := q.SetActiveAccount(ctx, account)
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: account %s", fp.ErrNotFound, account)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("setting active account: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteAccount(ctx context.Context, account string) error {
	err := s.write(ctx, func(q *Queries) error {
		return q.DeleteAccount(ctx, account)
	})
	if err != nil {
		return fmt.Errorf("deleting account: %w", err)
	}
	return nil
}

// Directory operations

func (s *SQLiteStore) GetDirectory(ctx context.Context, ocID string) (*fp.Directory, error) {
	var d fp.Directory
	err := s.read(func(q *Queries) error {
		var err error
		d, err = q.GetDirectory(ctx, ocID)
		return err
	})
	if missing, err := notFound(err); missing {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("finding directory: %w", err)
	}
	return &d, nil
}

func (s *SQLiteStore) GetDirectoryByServerURL(ctx context.Context, account, serverURL string) (*fp.Directory, error) {
	var d fp.Directory
	err := s.read(func(q *Queries) error {
		var err error
		d, err = q.GetDirectoryByServerURL(ctx, account, serverURL)
		return err
	})
	if missing, err := notFound(err); missing {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("finding directory by server url: %w", err)
	}
	return &d, nil
}

func (s *SQLiteStore) FindDirectories(ctx context.Context, dq fp.DirectoryQuery) ([]fp.Directory, error) {
	var out []fp.Directory
	err := s.read(func(q *Queries) error {
		var err error
		out, err = q.FindDirectories(ctx, dq)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("finding directories: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) AddDirectory(ctx context.Context, dir fp.Directory) error {
	err := s.write(ctx, func(q *Queries) error {
		return q.UpsertDirectory(ctx, dir)
	})
	if err != nil {
		return fmt.Errorf("adding directory: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteDirectoryTree(ctx context.Context, account, serverURL string) error {
	err := s.write(ctx, func(q *Queries) error {
		if _, err := q.DeleteMetadatas(ctx, fp.MetadataQuery{Account: account, ServerURLPrefix: serverURL}); err != nil {
			return fmt.Errorf("deleting metadata: %w", err)
		}
		return q.DeleteDirectoriesUnder(ctx, account, serverURL)
	})
	if err != nil {
		return fmt.Errorf("deleting directory tree: %w", err)
	}
	s.logger.Debug("directory tree deleted", "account", account, "server_url", serverURL)
	return nil
}

func (s *SQLiteStore) MoveDirectoryTree(ctx context.Context, account, oldServerURL, newServerURL string) error {
	err := s.write(ctx, func(q *Queries) error {
		dirs, err := q.FindDirectories(ctx, fp.DirectoryQuery{Account: account, ServerURLPrefix: oldServerURL})
		if err != nil {
			return fmt.Errorf("finding directories: %w", err)
		}
		for _, d := range dirs {
			if err := q.SetDirectoryServerURL(ctx, d.OcID, fp.Rebase(d.ServerURL, oldServerURL, newServerURL)); err != nil {
				return fmt.Errorf("moving directory %s: %w", d.ServerURL, err)
			}
		}
		metas, err := q.FindMetadatas(ctx, fp.MetadataQuery{Account: account, ServerURLPrefix: oldServerURL})
		if err != nil {
			return fmt.Errorf("finding metadata: %w", err)
		}
		for _, m := range metas {
			if err := q.SetMetadataServerURL(ctx, m.OcID, fp.Rebase(m.ServerURL, oldServerURL, newServerURL)); err != nil {
				return fmt.Errorf("moving metadata %s: %w", m.OcID, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("moving directory tree: %w", err)
	}
	return nil
}

// Metadata operations

func (s *SQLiteStore) GetMetadata(ctx context.Context, ocID string) (*fp.Metadata, error) {
	var m fp.Metadata
	err := s.read(func(q *Queries) error {
		var err error
		m, err = q.GetMetadata(ctx, ocID)
		return err
	})
	if missing, err := notFound(err); missing {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("finding metadata: %w", err)
	}
	return &m, nil
}

func (s *SQLiteStore) GetMetadataByPath(ctx context.Context, account, serverURL, fileName string) (*fp.Metadata, error) {
	var m fp.Metadata
	err := s.read(func(q *Queries) error {
		var err error
		m, err = q.GetMetadataByPath(ctx, account, serverURL, fileName)
		return err
	})
	if missing, err := notFound(err); missing {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("finding metadata by path: %w", err)
	}
	return &m, nil
}

func (s *SQLiteStore) FindMetadatas(ctx context.Context, mq fp.MetadataQuery) ([]fp.Metadata, error) {
	var out []fp.Metadata
	err := s.read(func(q *Queries) error {
		var err error
		out, err = q.FindMetadatas(ctx, mq)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("finding metadata: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) AddMetadata(ctx context.Context, m fp.Metadata) error {
	err := s.write(ctx, func(q *Queries) error {
		return q.UpsertMetadata(ctx, m)
	})
	if err != nil {
		return fmt.Errorf("adding metadata: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AddMetadatasIfNotExists(ctx context.Context, ms []fp.Metadata) (int, error) {
	inserted := 0
	err := s.write(ctx, func(q *Queries) error {
		for _, m := range ms {
			ok, err := q.InsertMetadataIfNotExists(ctx, m)
			if err != nil {
				return fmt.Errorf("inserting %s: %w", m.OcID, err)
			}
			if ok {
				inserted++
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("adding metadata: %w", err)
	}
	return inserted, nil
}

func (s *SQLiteStore) DeleteMetadata(ctx context.Context, ocID string) error {
	err := s.write(ctx, func(q *Queries) error {
		return q.DeleteMetadata(ctx, ocID)
	})
	if err != nil {
		return fmt.Errorf("deleting metadata: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteMetadatas(ctx context.Context, mq fp.MetadataQuery) (int, error) {
	var n int
	err := s.write(ctx, func(q *Queries) error {
		var err error
		n, err = q.DeleteMetadatas(ctx, mq)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("deleting metadata: %w", err)
	}
	return n, nil
}

// updateAndReload runs update in a transaction and returns the row as
// committed, or nil when update reports that nothing changed.
func (s *SQLiteStore) updateAndReload(ctx context.Context, ocID string, update func(q *Queries) (bool, error)) (*fp.Metadata, error) {
	var out *fp.Metadata
	err := s.write(ctx, func(q *Queries) error {
		changed, err := update(q)
		if err != nil || !changed {
			return err
		}
		m, err := q.GetMetadata(ctx, ocID)
		if missing, err := notFound(err); missing {
			return nil
		} else if err != nil {
			return err
		}
		out = &m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLiteStore) SetMetadataSession(ctx context.Context, ocID string, u fp.SessionUpdate) (*fp.Metadata, error) {
	m, err := s.updateAndReload(ctx, ocID, func(q *Queries) (bool, error) {
		return q.UpdateMetadataSession(ctx, ocID, u)
	})
	if err != nil {
		return nil, fmt.Errorf("setting metadata session: %w", err)
	}
	return m, nil
}

func (s *SQLiteStore) RenameMetadata(ctx context.Context, ocID, fileName string) (*fp.Metadata, error) {
	m, err := s.updateAndReload(ctx, ocID, func(q *Queries) (bool, error) {
		cur, err := q.GetMetadata(ctx, ocID)
		if missing, err := notFound(err); missing || err != nil {
			return false, err
		}
		if err := q.SetMetadataLocation(ctx, ocID, cur.ServerURL, fileName); err != nil {
			return false, err
		}
		return true, q.SetLocalFileName(ctx, ocID, fileName)
	})
	if err != nil {
		return nil, fmt.Errorf("renaming metadata: %w", err)
	}
	return m, nil
}

func (s *SQLiteStore) MoveMetadata(ctx context.Context, ocID, serverURL, fileName string) (*fp.Metadata, error) {
	m, err := s.updateAndReload(ctx, ocID, func(q *Queries) (bool, error) {
		_, err := q.GetMetadata(ctx, ocID)
		if missing, err := notFound(err); missing || err != nil {
			return false, err
		}
		if err := q.SetMetadataLocation(ctx, ocID, serverURL, fileName); err != nil {
			return false, err
		}
		return true, q.SetLocalFileName(ctx, ocID, fileName)
	})
	if err != nil {
		return nil, fmt.Errorf("moving metadata: %w", err)
	}
	return m, nil
}

func (s *SQLiteStore) SetMetadataFavorite(ctx context.Context, ocID string, favorite bool) (*fp.Metadata, error) {
	m, err := s.updateAndReload(ctx, ocID, func(q *Queries) (bool, error) {
		cur, err := q.GetMetadata(ctx, ocID)
		if missing, err := notFound(err); missing || err != nil {
			return false, err
		}
		if err := q.SetMetadataFavorite(ctx, ocID, favorite); err != nil {
			return false, err
		}
		if cur.Directory {
			if err := q.SetDirectoryFavorite(ctx, ocID, favorite); err != nil {
				return false, err
			}
		}
		return true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("setting favorite: %w", err)
	}
	return m, nil
}

func (s *SQLiteStore) StoreListingPage(ctx context.Context, page fp.ListingPage) (*fp.ListingStored, error) {
	stored := &fp.ListingStored{}
	err := s.write(ctx, func(q *Queries) error {
		if page.Purge {
			listed := make([]string, 0, len(page.Items))
			for _, m := range page.Items {
				listed = append(listed, m.OcID)
			}
			ids, err := q.PurgeMetadatas(ctx, fp.MetadataQuery{
				Account:      page.Account,
				ServerURL:    page.ServerURL,
				ExcludeOcIDs: listed,
				Statuses:     []fp.Status{fp.StatusNormal},
			})
			if err != nil {
				return fmt.Errorf("purging stale rows: %w", err)
			}
			stored.Purged = ids
		}
		if page.Directory != nil {
			if err := q.UpsertDirectory(ctx, *page.Directory); err != nil {
				return fmt.Errorf("storing directory: %w", err)
			}
		}
		for _, m := range page.Items {
			if err := q.MergeListedMetadata(ctx, m); err != nil {
				return fmt.Errorf("storing %s: %w", m.OcID, err)
			}
		}
		if page.Final {
			candidates := append(append([]string(nil), page.Carried...), stored.Purged...)
			dropped, err := q.DropOrphans(ctx, candidates)
			if err != nil {
				return fmt.Errorf("dropping orphans: %w", err)
			}
			stored.Dropped = dropped
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("storing listing page: %w", err)
	}
	s.logger.Debug("listing page merged",
		"account", page.Account,
		"server_url", page.ServerURL,
		"purged", len(stored.Purged),
		"dropped", len(stored.Dropped),
		"items", len(page.Items))
	return stored, nil
}

func (s *SQLiteStore) CompleteDownload(ctx context.Context, ocID, etag string, success bool, errText string) (*fp.Metadata, error) {
	m, err := s.updateAndReload(ctx, ocID, func(q *Queries) (bool, error) {
		cur, err := q.GetMetadata(ctx, ocID)
		if missing, err := notFound(err); missing || err != nil {
			return false, err
		}
		status := fp.StatusNormal
		if !success {
			status = fp.StatusDownloadError
		}
		empty, zero := "", 0
		if _, err := q.UpdateMetadataSession(ctx, ocID, fp.SessionUpdate{
			Session:               &empty,
			SessionError:          &errText,
			SessionTaskIdentifier: &zero,
			Status:                &status,
			Etag:                  &etag,
		}); err != nil {
			return false, err
		}
		if !success {
			return true, nil
		}
		return true, q.UpsertLocalFile(ctx, fp.LocalFile{
			OcID:     ocID,
			Account:  cur.Account,
			Etag:     etag,
			FileName: cur.FileName,
			Size:     cur.Size,
			Date:     cur.Date,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("completing download: %w", err)
	}
	return m, nil
}

func (s *SQLiteStore) PromoteMetadata(ctx context.Context, provisionalOcID string, final fp.Metadata) (*fp.Metadata, error) {
	m, err := s.updateAndReload(ctx, final.OcID, func(q *Queries) (bool, error) {
		if provisionalOcID != final.OcID {
			if err := q.DeleteMetadata(ctx, provisionalOcID); err != nil {
				return false, fmt.Errorf("deleting provisional row: %w", err)
			}
		}
		if err := q.UpsertMetadata(ctx, final); err != nil {
			return false, fmt.Errorf("storing final row: %w", err)
		}
		return true, q.UpsertLocalFile(ctx, fp.LocalFile{
			OcID:     final.OcID,
			Account:  final.Account,
			Etag:     final.Etag,
			FileName: final.FileName,
			Size:     final.Size,
			Date:     final.Date,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("promoting metadata: %w", err)
	}
	s.logger.Debug("metadata promoted", "provisional", provisionalOcID, "oc_id", final.OcID)
	return m, nil
}

// Local file operations

func (s *SQLiteStore) GetLocalFile(ctx context.Context, ocID string) (*fp.LocalFile, error) {
	var lf fp.LocalFile
	err := s.read(func(q *Queries) error {
		var err error
		lf, err = q.GetLocalFile(ctx, ocID)
		return err
	})
	if missing, err := notFound(err); missing {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("finding local file: %w", err)
	}
	return &lf, nil
}

func (s *SQLiteStore) AddLocalFile(ctx context.Context, lf fp.LocalFile) error {
	err := s.write(ctx, func(q *Queries) error {
		return q.UpsertLocalFile(ctx, lf)
	})
	if err != nil {
		return fmt.Errorf("adding local file: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteLocalFile(ctx context.Context, ocID string) error {
	err := s.write(ctx, func(q *Queries) error {
		return q.DeleteLocalFile(ctx, ocID)
	})
	if err != nil {
		return fmt.Errorf("deleting local file: %w", err)
	}
	return nil
}

// Tag operations

func (s *SQLiteStore) GetTag(ctx context.Context, ocID string) (*fp.Tag, error) {
	var t fp.Tag
	err := s.read(func(q *Queries) error {
		var err error
		t, err = q.GetTag(ctx, ocID)
		return err
	})
	if missing, err := notFound(err); missing {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("finding tag: %w", err)
	}
	return &t, nil
}

func (s *SQLiteStore) ListTags(ctx context.Context, account string) ([]fp.Tag, error) {
	var out []fp.Tag
	err := s.read(func(q *Queries) error {
		var err error
		out, err = q.ListTags(ctx, account)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("listing tags: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) SetTag(ctx context.Context, tag fp.Tag) error {
	err := s.write(ctx, func(q *Queries) error {
		if len(tag.TagData) == 0 {
			return q.DeleteTag(ctx, tag.OcID)
		}
		return q.UpsertTag(ctx, tag)
	})
	if err != nil {
		return fmt.Errorf("setting tag: %w", err)
	}
	return nil
}

// Path returns the database file path (or ":memory:" for in-memory databases).
func (s *SQLiteStore) Path() string {
	return s.path
}

// CheckMigrations verifies the database schema is up-to-date.
func (s *SQLiteStore) CheckMigrations() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return migrations.CheckDBMigrationStatus(s.db)
}

// BackupTo creates a complete copy of the database at destPath using VACUUM INTO.
func (s *SQLiteStore) BackupTo(destPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.Exec("VACUUM INTO ?", destPath); err != nil {
		return fmt.Errorf("backing up database: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	if errors.Is(err, sql.ErrConnDone) {
		return nil
	}
	return err
}

var _ fp.Store = (*SQLiteStore)(nil)
