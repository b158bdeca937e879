package fp

import (
	"context"
	"time"
)

// Pagination response headers reported by the remote listing call.
const (
	HeaderPaginate      = "x-nc-paginate"
	HeaderPaginateToken = "x-nc-paginate-token"
	HeaderPaginateTotal = "x-nc-paginate-total"
)

// Depth of a remote folder listing.
type Depth string

const (
	DepthZero Depth = "0"
	DepthOne  Depth = "1"
)

// RemoteFile is one entry returned by the remote listing.
type RemoteFile struct {
	OcID          string
	FileID        string
	ServerURL     string // parent path; for the listed folder itself, its own path with an empty FileName when it is the home folder
	FileName      string
	Directory     bool
	Etag          string
	Favorite      bool
	Size          int64
	ContentType   string
	ClassFile     string
	E2EEncrypted  bool
	LivePhotoFile string
	Permissions   string
	OwnerID       string
	RichWorkspace string
	CreationDate  time.Time
	Date          time.Time
}

// Path returns the server path of the entry.
func (f RemoteFile) Path() string {
	return JoinServerURL(f.ServerURL, f.FileName)
}

// ListOptions controls a paginated listing request.
type ListOptions struct {
	Paginate bool
	Offset   int
	Count    int
	Token    string
}

// ListResult is the outcome of a listing request.
type ListResult struct {
	Files []RemoteFile
	// Header carries the pagination response headers, keyed by the Header*
	// constants.
	Header map[string]string
}

// TransferOutcome is delivered when a background transfer finishes.
type TransferOutcome struct {
	OcID   string
	FileID string
	Etag   string
	Size   int64
	Date   time.Time
	Err    error
}

// Task is a running background transfer.
type Task interface {
	Identifier() int
	Cancel()
}

// Remote is the remote hierarchical file API. Paths are full server paths
// (home server URL plus relative path).
type Remote interface {
	// ReadFileOrFolder lists serverURL. With DepthOne and Offset 0 the first
	// entry is the folder itself.
	ReadFileOrFolder(ctx context.Context, account Account, serverURL string, depth Depth, opts ListOptions) (*ListResult, error)

	// CreateFolder creates serverURL and returns its entry.
	CreateFolder(ctx context.Context, account Account, serverURL string) (*RemoteFile, error)

	// Delete removes serverURL and everything beneath it.
	Delete(ctx context.Context, account Account, serverURL string) error

	// Move renames fromURL to toURL.
	Move(ctx context.Context, account Account, fromURL, toURL string, overwrite bool) error

	// SetFavorite marks serverURL as favorite or not.
	SetFavorite(ctx context.Context, account Account, serverURL string, favorite bool) error

	// StartDownload begins copying serverURL to localPath in the background.
	// done is called exactly once when the transfer ends.
	StartDownload(ctx context.Context, account Account, serverURL, localPath string, done func(TransferOutcome)) (Task, error)

	// StartUpload begins copying localPath to serverURL in the background.
	// done is called exactly once when the transfer ends.
	StartUpload(ctx context.Context, account Account, localPath, serverURL string, done func(TransferOutcome)) (Task, error)

	// Tasks returns the account's active transfer tasks.
	Tasks(ctx context.Context, account Account) []Task
}
