package fp

// FileCache stores file bytes on disk, one directory per content id, beneath
// the account's domain root. Helpers check existence before mutating and are
// not transactional with the metadata store; the next listing reconciles any
// drift left by a crash.
type FileCache interface {
	// Root returns the domain root directory.
	Root() string

	// Path returns the location of the cached bytes for ocID and fileName.
	Path(ocID, fileName string) string

	// OcIDForPath extracts the content id from a path returned by Path.
	OcIDForPath(p string) (string, error)

	// Exists reports whether bytes are cached for ocID and fileName.
	Exists(ocID, fileName string) bool

	// Import copies srcPath into the cache slot for ocID and fileName.
	// Returns the number of bytes written.
	Import(srcPath, ocID, fileName string) (int64, error)

	// Move relocates the cache slot of fromOcID to toOcID, renaming the file
	// to fileName. A missing source is not an error.
	Move(fromOcID, toOcID, fileName string) error

	// Rename renames the cached file within the slot of ocID.
	Rename(ocID, oldFileName, newFileName string) error

	// Delete removes the cache slot of ocID. A missing slot is not an error.
	Delete(ocID string) error
}
