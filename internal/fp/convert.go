package fp

import (
	"strconv"
	"time"
)

// metadataFromRemote converts a remote listing entry into a metadata row with
// normal status.
func metadataFromRemote(account string, f RemoteFile) Metadata {
	m := Metadata{
		OcID:          f.OcID,
		FileID:        f.FileID,
		Account:       account,
		ServerURL:     f.ServerURL,
		FileName:      f.FileName,
		FileNameView:  f.FileName,
		ContentType:   f.ContentType,
		ClassFile:     f.ClassFile,
		Directory:     f.Directory,
		Etag:          f.Etag,
		Favorite:      f.Favorite,
		Size:          f.Size,
		Status:        StatusNormal,
		E2EEncrypted:  f.E2EEncrypted,
		LivePhotoFile: f.LivePhotoFile,
		Permissions:   f.Permissions,
		OwnerID:       f.OwnerID,
		CreationDate:  f.CreationDate,
		Date:          f.Date,
	}
	if m.Directory {
		m.ContentType = "httpd/unix-directory"
		m.ClassFile = ClassFileDirectory
	}
	if m.ContentType == "" {
		m.ContentType = contentTypeForName(m.FileName)
	}
	if m.ClassFile == "" {
		m.ClassFile = classFileForContentType(m.ContentType)
	}
	return m
}

// directoryFromRemote builds the directory row for a listed folder from its
// self entry.
func directoryFromRemote(account, serverURL string, self RemoteFile, now time.Time) Directory {
	return Directory{
		OcID:          self.OcID,
		Account:       account,
		ServerURL:     serverURL,
		Etag:          self.Etag,
		Favorite:      self.Favorite,
		Permissions:   self.Permissions,
		RichWorkspace: self.RichWorkspace,
		LastSyncDate:  now,
	}
}

// paginationHeader is the parsed pagination response headers.
type paginationHeader struct {
	paginate bool
	token    string
	total    int // -1 when the remote did not report a total
}

func parsePaginationHeader(h map[string]string) paginationHeader {
	ph := paginationHeader{total: -1}
	if h == nil {
		return ph
	}
	if v, err := strconv.ParseBool(h[HeaderPaginate]); err == nil {
		ph.paginate = v
	}
	ph.token = h[HeaderPaginateToken]
	if v, err := strconv.Atoi(h[HeaderPaginateTotal]); err == nil && v >= 0 {
		ph.total = v
	}
	return ph
}
