package fp

import "context"

// SortKey selects the ordering of metadata query results.
type SortKey int

const (
	SortNone SortKey = iota
	SortFileName
	SortFileNameView
	SortDate
)

// MetadataQuery is the predicate used by metadata reads and bulk deletes.
// Zero-valued fields do not constrain the result. Account is required.
type MetadataQuery struct {
	Account         string
	ServerURL       string // exact parent path
	ServerURLPrefix string // parent path equal to or beneath this path
	FileName        string
	OcIDs           []string
	ExcludeOcIDs    []string
	Statuses        []Status
	Favorite        *bool
	Directory       *bool
	Session         string
	TaskIdentifier  int
	ExcludeHidden   bool // drop e2e-encrypted rows and live photo video halves
	Sort            SortKey
}

// DirectoryQuery is the predicate used by directory reads.
type DirectoryQuery struct {
	Account         string
	ServerURLPrefix string
	Favorite        *bool
}

// SessionUpdate is a partial update of a metadata row's transfer state.
// Only non-nil fields are written. IfStatus, when set, makes the update
// conditional on the row's current status.
type SessionUpdate struct {
	NewFileName           *string
	Session               *string
	SessionError          *string
	SessionTaskIdentifier *int
	Status                *Status
	Etag                  *string
	IfStatus              *Status
}

// ListingPage is one page of a remote folder listing to merge into the store.
type ListingPage struct {
	Account   string
	ServerURL string
	// Directory, when non-nil, is upserted for ServerURL. Set on page 0.
	Directory *Directory
	// Purge removes the normal-status rows under ServerURL that are not among
	// Items. Their local file and tag rows stay until the final page, since
	// a later page may list them again. Set on page 0.
	Purge bool
	// Final marks the last page of the listing. Local file and tag rows of
	// Carried and of this page's purge are dropped when no metadata row was
	// written back for them.
	Final   bool
	Carried []string
	Items   []Metadata
}

// ListingStored reports what merging a listing page removed.
type ListingStored struct {
	// Purged holds the ids of the stale rows removed by Purge.
	Purged []string
	// Dropped holds the ids left without a metadata row once the final page
	// was written. Their cached bytes are no longer referenced.
	Dropped []string
}

// Store provides transactional access to the metadata cache.
// Reads return detached copies; writes run in a single transaction and leave
// no partial state on failure. Lookups return (nil, nil) when nothing matches.
type Store interface {
	// Account operations

	AddAccount(ctx context.Context, account Account) error
	GetAccount(ctx context.Context, account string) (*Account, error)
	GetActiveAccount(ctx context.Context) (*Account, error)
	ListAccounts(ctx context.Context) ([]Account, error)
	// SetActiveAccount marks account active and every other account inactive.
	SetActiveAccount(ctx context.Context, account string) error
	DeleteAccount(ctx context.Context, account string) error

	// Directory operations

	GetDirectory(ctx context.Context, ocID string) (*Directory, error)
	GetDirectoryByServerURL(ctx context.Context, account, serverURL string) (*Directory, error)
	FindDirectories(ctx context.Context, q DirectoryQuery) ([]Directory, error)
	// AddDirectory upserts a directory, replacing any other row for the same
	// (account, serverURL).
	AddDirectory(ctx context.Context, dir Directory) error
	// DeleteDirectoryTree removes the directory at serverURL, every directory
	// beneath it, and every metadata and local file row whose parent path lies
	// within it.
	DeleteDirectoryTree(ctx context.Context, account, serverURL string) error
	// MoveDirectoryTree relocates directory and metadata rows from oldServerURL
	// to newServerURL, including the subtree.
	MoveDirectoryTree(ctx context.Context, account, oldServerURL, newServerURL string) error

	// Metadata operations

	GetMetadata(ctx context.Context, ocID string) (*Metadata, error)
	GetMetadataByPath(ctx context.Context, account, serverURL, fileName string) (*Metadata, error)
	FindMetadatas(ctx context.Context, q MetadataQuery) ([]Metadata, error)
	// AddMetadata inserts or replaces a row.
	AddMetadata(ctx context.Context, m Metadata) error
	// AddMetadatasIfNotExists inserts rows whose content id is not yet stored
	// and leaves existing rows untouched. Returns the number inserted.
	AddMetadatasIfNotExists(ctx context.Context, ms []Metadata) (int, error)
	DeleteMetadata(ctx context.Context, ocID string) error
	// DeleteMetadatas removes every row matching q. Returns the count removed.
	DeleteMetadatas(ctx context.Context, q MetadataQuery) (int, error)
	// SetMetadataSession applies a partial update and returns the updated row,
	// or nil when the row is missing or the IfStatus precondition failed.
	SetMetadataSession(ctx context.Context, ocID string, u SessionUpdate) (*Metadata, error)
	RenameMetadata(ctx context.Context, ocID, fileName string) (*Metadata, error)
	MoveMetadata(ctx context.Context, ocID, serverURL, fileName string) (*Metadata, error)
	SetMetadataFavorite(ctx context.Context, ocID string, favorite bool) (*Metadata, error)
	// StoreListingPage merges one page of a remote listing in one transaction.
	StoreListingPage(ctx context.Context, page ListingPage) (*ListingStored, error)
	// CompleteDownload clears the session fields of ocID, stores etag, and on
	// success refreshes the local file record. On failure the row is marked
	// StatusDownloadError with errText.
	CompleteDownload(ctx context.Context, ocID, etag string, success bool, errText string) (*Metadata, error)
	// PromoteMetadata replaces the provisional row with final, clears its
	// session fields and refreshes its local file record.
	PromoteMetadata(ctx context.Context, provisionalOcID string, final Metadata) (*Metadata, error)

	// Local file operations

	GetLocalFile(ctx context.Context, ocID string) (*LocalFile, error)
	AddLocalFile(ctx context.Context, lf LocalFile) error
	DeleteLocalFile(ctx context.Context, ocID string) error

	// Tag operations

	GetTag(ctx context.Context, ocID string) (*Tag, error)
	ListTags(ctx context.Context, account string) ([]Tag, error)
	// SetTag stores tag data; empty data removes the tag.
	SetTag(ctx context.Context, tag Tag) error

	// Close closes the store.
	Close() error
}
