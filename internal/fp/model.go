package fp

import (
	"path"
	"strings"
	"time"
)

// Status is the transfer state of a metadata row.
type Status int

const (
	StatusNormal Status = iota
	StatusWaitDownload
	StatusDownloading
	StatusDownloadError
	StatusWaitUpload
	StatusUploading
	StatusUploadError
)

func (s Status) String() string {
	switch s {
	case StatusNormal:
		return "normal"
	case StatusWaitDownload:
		return "wait-download"
	case StatusDownloading:
		return "downloading"
	case StatusDownloadError:
		return "download-error"
	case StatusWaitUpload:
		return "wait-upload"
	case StatusUploading:
		return "uploading"
	case StatusUploadError:
		return "upload-error"
	default:
		return "unknown"
	}
}

// Session names stored on metadata rows while a transfer is in flight.
const (
	SessionDownload = "download"
	SessionUpload   = "upload"
)

// davFilesPath is appended to an account's URL base to form its home path.
const davFilesPath = "/remote.php/dav/files/"

// Account identifies a remote server session.
type Account struct {
	Account string // primary key: "<user> <urlBase>"
	URLBase string
	User    string
	UserID  string
	Active  bool
}

// AccountKey returns the primary key used for an account row.
func AccountKey(user, urlBase string) string {
	return user + " " + strings.TrimRight(urlBase, "/")
}

// HomeServerURL returns the server path of the account's home folder.
func (a Account) HomeServerURL() string {
	return strings.TrimRight(a.URLBase, "/") + davFilesPath + a.UserID
}

// Directory is one remote folder already observed locally.
// At most one Directory row exists per (Account, ServerURL).
type Directory struct {
	OcID          string
	Account       string
	ServerURL     string // the folder's own path
	Etag          string
	Favorite      bool
	Permissions   string
	RichWorkspace string
	Lock          bool
	LastSyncDate  time.Time
}

// Metadata is the local cache of one remote file or folder entry.
type Metadata struct {
	OcID                  string
	OcIDTransfer          string // provisional id assigned before the server replies
	FileID                string
	Account               string
	ServerURL             string // parent path
	FileName              string
	FileNameView          string
	ContentType           string
	ClassFile             string
	Directory             bool
	Etag                  string
	Favorite              bool
	Size                  int64
	Status                Status
	Session               string
	SessionError          string
	SessionTaskIdentifier int
	E2EEncrypted          bool
	LivePhotoFile         string
	Permissions           string
	OwnerID               string
	CreationDate          time.Time
	Date                  time.Time
	UploadDate            time.Time
}

// Path returns the server path of the entry itself.
func (m Metadata) Path() string {
	return JoinServerURL(m.ServerURL, m.FileName)
}

// IsLivePhotoVideo reports whether the row is the suppressed video half of a
// live photo pair.
func (m Metadata) IsLivePhotoVideo() bool {
	return m.ClassFile == ClassFileVideo && m.LivePhotoFile != ""
}

// Listable reports whether the row is shown to the host in listings.
func (m Metadata) Listable() bool {
	return !m.E2EEncrypted && !m.IsLivePhotoVideo()
}

// LocalFile records that file bytes are cached on disk for a content id.
type LocalFile struct {
	OcID     string
	Account  string
	Etag     string
	FileName string
	Size     int64
	Date     time.Time
}

// Valid reports whether the cached bytes match the given metadata version.
func (l *LocalFile) Valid(m *Metadata) bool {
	return l != nil && m != nil && l.Etag == m.Etag
}

// Tag holds host-provided tag data for an item.
type Tag struct {
	OcID    string
	Account string
	TagData []byte
}

// ClassFile values reported by the remote.
const (
	ClassFileImage     = "image"
	ClassFileVideo     = "video"
	ClassFileDirectory = "directory"
	ClassFileDocument  = "document"
)

// JoinServerURL joins a parent server path and a file name.
func JoinServerURL(serverURL, fileName string) string {
	if fileName == "" {
		return serverURL
	}
	return strings.TrimRight(serverURL, "/") + "/" + fileName
}

// SplitServerURL splits a server path into parent and file name.
func SplitServerURL(p string) (serverURL, fileName string) {
	p = strings.TrimRight(p, "/")
	i := strings.LastIndex(p, "/")
	if i < 0 {
		return "", p
	}
	return p[:i], p[i+1:]
}

// IsSubpath reports whether p equals root or lies beneath it.
func IsSubpath(p, root string) bool {
	root = strings.TrimRight(root, "/")
	return p == root || strings.HasPrefix(p, root+"/")
}

// Rebase replaces the oldRoot prefix of p with newRoot.
func Rebase(p, oldRoot, newRoot string) string {
	if p == oldRoot {
		return newRoot
	}
	return newRoot + strings.TrimPrefix(p, oldRoot)
}

// contentTypeForName guesses a content type from the file extension.
func contentTypeForName(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".heic":
		return "image/heic"
	case ".mov":
		return "video/quicktime"
	case ".mp4":
		return "video/mp4"
	case ".txt", ".md":
		return "text/plain"
	case ".pdf":
		return "application/pdf"
	default:
		return "application/octet-stream"
	}
}

// classFileForContentType maps a content type to a ClassFile value.
func classFileForContentType(ct string) string {
	switch {
	case strings.HasPrefix(ct, "image/"):
		return ClassFileImage
	case strings.HasPrefix(ct, "video/"):
		return ClassFileVideo
	default:
		return ClassFileDocument
	}
}
