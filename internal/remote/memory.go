package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"fpsync/internal/fp"
)

// homePathMarker appears in every path beneath an account's home folder.
const homePathMarker = "/remote.php/dav/files/"

// node is one file or folder held by MemoryRemote.
type node struct {
	ocID          string
	fileID        string
	dir           bool
	data          []byte
	etag          string
	favorite      bool
	contentType   string
	e2e           bool
	livePhotoFile string
	created       time.Time
	modified      time.Time
}

// FileOption customizes a file seeded with AddFile.
type FileOption func(*node)

// WithE2EEncrypted marks the file as end-to-end encrypted.
func WithE2EEncrypted() FileOption {
	return func(n *node) { n.e2e = true }
}

// WithLivePhoto pairs the file with the named live photo counterpart.
func WithLivePhoto(counterpart string) FileOption {
	return func(n *node) { n.livePhotoFile = counterpart }
}

// WithContentType overrides the guessed content type.
func WithContentType(ct string) FileOption {
	return func(n *node) { n.contentType = ct }
}

// WithFavorite marks the entry as favorite.
func WithFavorite() FileOption {
	return func(n *node) { n.favorite = true }
}

// MemoryRemote is an in-memory implementation of the fp.Remote interface.
// It behaves like a paginating WebDAV server and is useful for testing.
// This implementation is safe for concurrent use.
type MemoryRemote struct {
	mu       sync.RWMutex
	nodes    map[string]*node // server path -> entry
	tokens   map[string]string
	failures map[string][]error
	nextID   int
	nextEtag int
	clock    fp.Clock

	held    chan struct{}
	tasks   *taskSet
	pending sync.WaitGroup
}

// NewMemoryRemote creates an empty remote.
func NewMemoryRemote(clock fp.Clock) *MemoryRemote {
	if clock == nil {
		clock = fp.RealClock{}
	}
	return &MemoryRemote{
		nodes:    make(map[string]*node),
		tokens:   make(map[string]string),
		failures: make(map[string][]error),
		clock:    clock,
		tasks:    newTaskSet(),
	}
}

// Remote operation names accepted by FailNext.
const (
	OpList     = "list"
	OpMkcol    = "mkcol"
	OpDelete   = "delete"
	OpMove     = "move"
	OpFavorite = "favorite"
	OpDownload = "download"
	OpUpload   = "upload"
)

// FailNext makes the next call of op fail with a RemoteError carrying code.
// Code 0 simulates a transport failure.
func (m *MemoryRemote) FailNext(op string, code int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op] = append(m.failures[op], fp.NewRemoteError(op, "", code, errors.New("injected failure")))
}

func (m *MemoryRemote) takeFailure(op, path string) error {
	queue := m.failures[op]
	if len(queue) == 0 {
		return nil
	}
	m.failures[op] = queue[1:]
	var re *fp.RemoteError
	if errors.As(queue[0], &re) {
		return fp.NewRemoteError(op, path, re.Code, re.Err)
	}
	return queue[0]
}

// HoldTransfers makes new transfers wait until ReleaseTransfers is called or
// they are cancelled.
func (m *MemoryRemote) HoldTransfers() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.held == nil {
		m.held = make(chan struct{})
	}
}

// ReleaseTransfers lets held transfers proceed.
func (m *MemoryRemote) ReleaseTransfers() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.held != nil {
		close(m.held)
		m.held = nil
	}
}

// Wait blocks until every started transfer has delivered its outcome.
func (m *MemoryRemote) Wait() {
	m.pending.Wait()
}

func (m *MemoryRemote) newID() (ocID, fileID string) {
	m.nextID++
	return fmt.Sprintf("%08doc", m.nextID), strconv.Itoa(m.nextID)
}

func (m *MemoryRemote) newEtag() string {
	m.nextEtag++
	return strconv.FormatInt(int64(m.nextEtag), 16)
}

// mkdirAll creates p and its missing ancestors. Caller holds m.mu.
func (m *MemoryRemote) mkdirAll(p string) *node {
	if n, ok := m.nodes[p]; ok {
		return n
	}
	if parent, name := fp.SplitServerURL(p); name != "" && strings.Contains(parent, homePathMarker) {
		m.mkdirAll(parent)
	}
	ocID, fileID := m.newID()
	now := m.clock.Now()
	n := &node{ocID: ocID, fileID: fileID, dir: true, etag: m.newEtag(), contentType: "httpd/unix-directory", created: now, modified: now}
	m.nodes[p] = n
	return n
}

// AddFolder seeds a folder at serverURL, creating missing parents. Returns
// its content id.
func (m *MemoryRemote) AddFolder(serverURL string, opts ...FileOption) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.mkdirAll(serverURL)
	for _, opt := range opts {
		opt(n)
	}
	return n.ocID
}

// AddFile seeds a file at serverURL, creating missing parents. Returns its
// content id.
func (m *MemoryRemote) AddFile(serverURL string, data []byte, opts ...FileOption) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	parent, _ := fp.SplitServerURL(serverURL)
	m.mkdirAll(parent)
	n := m.putFile(serverURL, data)
	for _, opt := range opts {
		opt(n)
	}
	return n.ocID
}

// putFile creates or replaces the file at p. Caller holds m.mu.
func (m *MemoryRemote) putFile(p string, data []byte) *node {
	now := m.clock.Now()
	n, ok := m.nodes[p]
	if !ok {
		ocID, fileID := m.newID()
		n = &node{ocID: ocID, fileID: fileID, created: now}
		m.nodes[p] = n
	}
	n.data = append([]byte(nil), data...)
	n.etag = m.newEtag()
	n.modified = now
	return n
}

// Content returns the bytes stored at serverURL.
func (m *MemoryRemote) Content(serverURL string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.nodes[serverURL]
	if !ok || n.dir {
		return nil, false
	}
	return append([]byte(nil), n.data...), true
}

// Exists reports whether serverURL exists.
func (m *MemoryRemote) Exists(serverURL string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.nodes[serverURL]
	return ok
}

// IsFavorite reports the favorite flag of serverURL.
func (m *MemoryRemote) IsFavorite(serverURL string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.nodes[serverURL]
	return ok && n.favorite
}

func (m *MemoryRemote) ensureHome(account fp.Account) {
	m.mkdirAll(account.HomeServerURL())
}

func (m *MemoryRemote) entry(p string, n *node) fp.RemoteFile {
	parent, name := fp.SplitServerURL(p)
	f := fp.RemoteFile{
		OcID:          n.ocID,
		FileID:        n.fileID,
		ServerURL:     parent,
		FileName:      name,
		Directory:     n.dir,
		Etag:          n.etag,
		Favorite:      n.favorite,
		Size:          int64(len(n.data)),
		ContentType:   n.contentType,
		E2EEncrypted:  n.e2e,
		LivePhotoFile: n.livePhotoFile,
		Permissions:   "RGDNVCK",
		CreationDate:  n.created,
		Date:          n.modified,
	}
	if n.dir {
		f.ClassFile = fp.ClassFileDirectory
	}
	return f
}

// children returns the direct children of p sorted by name. Caller holds
// m.mu.
func (m *MemoryRemote) children(p string) []string {
	var out []string
	for k := range m.nodes {
		if parent, _ := fp.SplitServerURL(k); parent == p && k != p {
			out = append(out, k)
		}
	}
	slices.Sort(out)
	return out
}

func (m *MemoryRemote) ReadFileOrFolder(ctx context.Context, account fp.Account, serverURL string, depth fp.Depth, opts fp.ListOptions) (*fp.ListResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensureHome(account)

	if err := m.takeFailure(OpList, serverURL); err != nil {
		return nil, err
	}
	self, ok := m.nodes[serverURL]
	if !ok {
		return nil, fp.NewRemoteError(OpList, serverURL, http.StatusNotFound, nil)
	}

	entries := []fp.RemoteFile{m.entry(serverURL, self)}
	if depth == fp.DepthZero || !self.dir {
		return &fp.ListResult{Files: entries}, nil
	}
	kids := m.children(serverURL)
	for _, k := range kids {
		entries = append(entries, m.entry(k, m.nodes[k]))
	}
	if !opts.Paginate {
		return &fp.ListResult{Files: entries}, nil
	}

	token := opts.Token
	if token == "" {
		token = m.tokens[serverURL]
		if token == "" {
			token = "tok-" + self.ocID
			m.tokens[serverURL] = token
		}
	}
	start := min(max(opts.Offset, 0), len(entries))
	end := len(entries)
	if opts.Count > 0 {
		end = min(start+opts.Count, len(entries))
	}
	return &fp.ListResult{
		Files: entries[start:end],
		Header: map[string]string{
			fp.HeaderPaginate:      "true",
			fp.HeaderPaginateToken: token,
			fp.HeaderPaginateTotal: strconv.Itoa(len(kids)),
		},
	}, nil
}

func (m *MemoryRemote) CreateFolder(ctx context.Context, account fp.Account, serverURL string) (*fp.RemoteFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensureHome(account)

	if err := m.takeFailure(OpMkcol, serverURL); err != nil {
		return nil, err
	}
	if _, ok := m.nodes[serverURL]; ok {
		return nil, fp.NewRemoteError(OpMkcol, serverURL, http.StatusMethodNotAllowed, nil)
	}
	parent, _ := fp.SplitServerURL(serverURL)
	if p, ok := m.nodes[parent]; !ok || !p.dir {
		return nil, fp.NewRemoteError(OpMkcol, serverURL, http.StatusConflict, nil)
	}
	n := m.mkdirAll(serverURL)
	f := m.entry(serverURL, n)
	return &f, nil
}

func (m *MemoryRemote) Delete(ctx context.Context, account fp.Account, serverURL string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensureHome(account)

	if err := m.takeFailure(OpDelete, serverURL); err != nil {
		return err
	}
	if _, ok := m.nodes[serverURL]; !ok {
		return fp.NewRemoteError(OpDelete, serverURL, http.StatusNotFound, nil)
	}
	for k := range m.nodes {
		if fp.IsSubpath(k, serverURL) {
			delete(m.nodes, k)
		}
	}
	return nil
}

func (m *MemoryRemote) Move(ctx context.Context, account fp.Account, fromURL, toURL string, overwrite bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensureHome(account)

	if err := m.takeFailure(OpMove, fromURL); err != nil {
		return err
	}
	if _, ok := m.nodes[fromURL]; !ok {
		return fp.NewRemoteError(OpMove, fromURL, http.StatusNotFound, nil)
	}
	if _, ok := m.nodes[toURL]; ok {
		if !overwrite {
			return fp.NewRemoteError(OpMove, toURL, http.StatusPreconditionFailed, nil)
		}
		for k := range m.nodes {
			if fp.IsSubpath(k, toURL) {
				delete(m.nodes, k)
			}
		}
	}
	parent, _ := fp.SplitServerURL(toURL)
	if p, ok := m.nodes[parent]; !ok || !p.dir {
		return fp.NewRemoteError(OpMove, toURL, http.StatusConflict, nil)
	}

	moved := make(map[string]*node)
	for k, n := range m.nodes {
		if fp.IsSubpath(k, fromURL) {
			moved[fp.Rebase(k, fromURL, toURL)] = n
			delete(m.nodes, k)
		}
	}
	for k, n := range moved {
		m.nodes[k] = n
	}
	return nil
}

func (m *MemoryRemote) SetFavorite(ctx context.Context, account fp.Account, serverURL string, favorite bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensureHome(account)

	if err := m.takeFailure(OpFavorite, serverURL); err != nil {
		return err
	}
	n, ok := m.nodes[serverURL]
	if !ok {
		return fp.NewRemoteError(OpFavorite, serverURL, http.StatusNotFound, nil)
	}
	n.favorite = favorite
	return nil
}

// startTransfer runs fn in the background as a cancellable task.
func (m *MemoryRemote) startTransfer(account fp.Account, fn func(ctx context.Context) fp.TransferOutcome, done func(fp.TransferOutcome)) fp.Task {
	t, ctx := m.tasks.start(account.Account)
	m.mu.RLock()
	held := m.held
	m.mu.RUnlock()

	m.pending.Add(1)
	go func() {
		defer m.pending.Done()
		var out fp.TransferOutcome
		if held != nil {
			select {
			case <-held:
			case <-ctx.Done():
			}
		}
		if err := ctx.Err(); err != nil {
			out = fp.TransferOutcome{Err: fmt.Errorf("transfer cancelled: %w", err)}
		} else {
			out = fn(ctx)
		}
		m.tasks.finish(t)
		done(out)
	}()
	return t
}

func (m *MemoryRemote) StartDownload(ctx context.Context, account fp.Account, serverURL, localPath string, done func(fp.TransferOutcome)) (fp.Task, error) {
	m.mu.Lock()
	m.ensureHome(account)
	injected := m.takeFailure(OpDownload, serverURL)
	m.mu.Unlock()

	return m.startTransfer(account, func(ctx context.Context) fp.TransferOutcome {
		if injected != nil {
			return fp.TransferOutcome{Err: injected}
		}
		m.mu.RLock()
		n, ok := m.nodes[serverURL]
		var data []byte
		var out fp.TransferOutcome
		if ok {
			data = append([]byte(nil), n.data...)
			out = fp.TransferOutcome{OcID: n.ocID, FileID: n.fileID, Etag: n.etag, Size: int64(len(n.data)), Date: n.modified}
		}
		m.mu.RUnlock()
		if !ok || n.dir {
			return fp.TransferOutcome{Err: fp.NewRemoteError(OpDownload, serverURL, http.StatusNotFound, nil)}
		}
		if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
			return fp.TransferOutcome{Err: fmt.Errorf("creating download directory: %w", err)}
		}
		if err := os.WriteFile(localPath, data, 0644); err != nil {
			return fp.TransferOutcome{Err: fmt.Errorf("writing download: %w", err)}
		}
		return out
	}, done), nil
}

func (m *MemoryRemote) StartUpload(ctx context.Context, account fp.Account, localPath, serverURL string, done func(fp.TransferOutcome)) (fp.Task, error) {
	m.mu.Lock()
	m.ensureHome(account)
	injected := m.takeFailure(OpUpload, serverURL)
	m.mu.Unlock()

	return m.startTransfer(account, func(ctx context.Context) fp.TransferOutcome {
		if injected != nil {
			return fp.TransferOutcome{Err: injected}
		}
		data, err := os.ReadFile(localPath)
		if err != nil {
			return fp.TransferOutcome{Err: fmt.Errorf("reading upload source: %w", err)}
		}

		m.mu.Lock()
		defer m.mu.Unlock()
		parent, _ := fp.SplitServerURL(serverURL)
		if p, ok := m.nodes[parent]; !ok || !p.dir {
			return fp.TransferOutcome{Err: fp.NewRemoteError(OpUpload, serverURL, http.StatusConflict, nil)}
		}
		if existing, ok := m.nodes[serverURL]; ok && existing.dir {
			return fp.TransferOutcome{Err: fp.NewRemoteError(OpUpload, serverURL, http.StatusMethodNotAllowed, nil)}
		}
		n := m.putFile(serverURL, data)
		return fp.TransferOutcome{OcID: n.ocID, FileID: n.fileID, Etag: n.etag, Size: int64(len(n.data)), Date: n.modified}
	}, done), nil
}

func (m *MemoryRemote) Tasks(ctx context.Context, account fp.Account) []fp.Task {
	return m.tasks.list(account.Account)
}

var _ fp.Remote = (*MemoryRemote)(nil)
