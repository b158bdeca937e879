package fp

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Well-known container identifiers used by the host.
const (
	RootContainerIdentifier = "NSFileProviderRootContainerItemIdentifier"
	WorkingSetIdentifier    = "NSFileProviderWorkingSetContainerItemIdentifier"
)

// Item is the host-facing view of a metadata row.
type Item struct {
	Identifier       string
	ParentIdentifier string
	Filename         string
	IsDirectory      bool
	Size             int64
	Etag             string
	ContentType      string
	CreationDate     time.Time
	ModificationDate time.Time
	FavoriteRank     *int64
	TagData          []byte
	IsDownloaded     bool
	IsDownloading    bool
	DownloadingError string
	IsUploaded       bool
	IsUploading      bool
	UploadingError   string
}

// newItem builds an Item from a metadata row. localFile may be nil.
func newItem(m *Metadata, parentIdentifier string, localFile *LocalFile, tag *Tag, rank *int64) *Item {
	item := &Item{
		Identifier:       m.OcID,
		ParentIdentifier: parentIdentifier,
		Filename:         m.FileNameView,
		IsDirectory:      m.Directory,
		Size:             m.Size,
		Etag:             m.Etag,
		ContentType:      m.ContentType,
		CreationDate:     m.CreationDate,
		ModificationDate: m.Date,
		FavoriteRank:     rank,
	}
	if item.Filename == "" {
		item.Filename = m.FileName
	}
	if tag != nil && len(tag.TagData) > 0 {
		item.TagData = append([]byte(nil), tag.TagData...)
	}

	if m.Directory {
		item.IsDownloaded = true
		item.IsUploaded = true
		return item
	}

	item.IsDownloaded = localFile.Valid(m)
	switch m.Status {
	case StatusWaitDownload, StatusDownloading:
		item.IsDownloading = true
		item.IsUploaded = true
	case StatusDownloadError:
		item.DownloadingError = m.SessionError
		item.IsUploaded = true
	case StatusWaitUpload, StatusUploading:
		item.IsUploading = true
	case StatusUploadError:
		item.UploadingError = m.SessionError
	default:
		item.IsUploaded = true
	}
	return item
}

// rootItem returns the synthetic item for the root container.
func rootItem(dir *Directory) *Item {
	item := &Item{
		Identifier:       RootContainerIdentifier,
		ParentIdentifier: RootContainerIdentifier,
		Filename:         "/",
		IsDirectory:      true,
		ContentType:      "public.folder",
		IsDownloaded:     true,
		IsUploaded:       true,
	}
	if dir != nil {
		item.Etag = dir.Etag
		item.ModificationDate = dir.LastSyncDate
	}
	return item
}

// Page is an enumeration page token.
type Page struct {
	Number int
	Token  string
}

// String encodes the page as "<number>" or "<number>:<token>".
func (p Page) String() string {
	if p.Token == "" {
		return strconv.Itoa(p.Number)
	}
	return strconv.Itoa(p.Number) + ":" + p.Token
}

// ParsePage decodes a page produced by Page.String. An empty string is page 0.
func ParsePage(s string) (Page, error) {
	if s == "" {
		return Page{}, nil
	}
	num, token, _ := strings.Cut(s, ":")
	n, err := strconv.Atoi(num)
	if err != nil || n < 0 {
		return Page{}, fmt.Errorf("invalid page %q", s)
	}
	return Page{Number: n, Token: token}, nil
}

// SyncAnchor is an opaque, monotonically advancing change token. Anchors are
// not comparable across process restarts.
type SyncAnchor string

// EnumerationResult is one page of a container listing.
type EnumerationResult struct {
	Items []*Item
	// NextPage is nil when the enumeration is finished.
	NextPage *Page
}

// ChangeSet is the result of a change enumeration. Deleted is reported
// before Updated.
type ChangeSet struct {
	Deleted []string
	Updated []*Item
	Anchor  SyncAnchor
}
