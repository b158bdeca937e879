package fp

import (
	"context"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
)

// Session is the per-request context threaded through the core: the active
// account plus the handles every operation needs. It is built once per host
// request and never shared across accounts.
type Session struct {
	Account Account
	Store   Store
	Remote  Remote
	Cache   FileCache
	Hub     *SignalHub
	Logger  Logger
	Clock   Clock
}

// HomeServerURL returns the server path of the session account's home folder.
func (s *Session) HomeServerURL() string {
	return s.Account.HomeServerURL()
}

// ParentIdentifier resolves the host-facing parent identifier of m. It returns
// false when the parent folder has not been cached yet; callers treat that as
// "not yet resolvable" rather than as a failure.
func (s *Session) ParentIdentifier(ctx context.Context, m *Metadata) (string, bool, error) {
	dir, err := s.Store.GetDirectoryByServerURL(ctx, m.Account, m.ServerURL)
	if err != nil {
		return "", false, fmt.Errorf("finding parent directory: %w", err)
	}
	if dir == nil {
		return "", false, nil
	}
	if dir.ServerURL == s.HomeServerURL() {
		return RootContainerIdentifier, true, nil
	}

	parent, err := s.Store.GetMetadata(ctx, dir.OcID)
	if err != nil {
		return "", false, fmt.Errorf("finding parent metadata: %w", err)
	}
	if parent == nil {
		return "", false, nil
	}
	return parent.OcID, true, nil
}

// ServerURLForContainer returns the folder path listed by a container
// identifier.
func (s *Session) ServerURLForContainer(ctx context.Context, identifier string) (string, error) {
	if identifier == RootContainerIdentifier {
		return s.HomeServerURL(), nil
	}
	m, err := s.Store.GetMetadata(ctx, identifier)
	if err != nil {
		return "", fmt.Errorf("finding container metadata: %w", err)
	}
	if m == nil {
		return "", fmt.Errorf("%w: %s", ErrNotFound, identifier)
	}
	if !m.Directory {
		return "", fmt.Errorf("%w: %s", ErrNotDirectory, identifier)
	}
	return m.Path(), nil
}

// ItemFor builds the host-facing item for m. It returns nil when the parent
// is not yet resolvable.
func (s *Session) ItemFor(ctx context.Context, m *Metadata, rank *int64) (*Item, error) {
	parent, ok, err := s.ParentIdentifier(ctx, m)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return s.itemWithParent(ctx, m, parent, rank)
}

func (s *Session) itemWithParent(ctx context.Context, m *Metadata, parent string, rank *int64) (*Item, error) {
	var lf *LocalFile
	if !m.Directory {
		var err error
		lf, err = s.Store.GetLocalFile(ctx, m.OcID)
		if err != nil {
			return nil, fmt.Errorf("finding local file: %w", err)
		}
	}
	tag, err := s.Store.GetTag(ctx, m.OcID)
	if err != nil {
		return nil, fmt.Errorf("finding tag: %w", err)
	}
	return newItem(m, parent, lf, tag, rank), nil
}

// DomainRoot returns the deterministic on-disk storage root for an account:
// <baseDir>/<host>[_<port>]/<user>. Two accounts on one host get distinct
// roots, and the same account maps to the same root across launches.
func DomainRoot(baseDir string, account Account) (string, error) {
	u, err := url.Parse(account.URLBase)
	if err != nil {
		return "", fmt.Errorf("parsing account url: %w", err)
	}
	host := u.Hostname()
	if host == "" {
		return "", fmt.Errorf("account url has no host: %s", account.URLBase)
	}
	if port := u.Port(); port != "" {
		host += "_" + port
	}
	segments := []string{baseDir, sanitizeSegment(host)}
	if p := strings.Trim(u.Path, "/"); p != "" {
		segments = append(segments, sanitizeSegment(strings.ReplaceAll(p, "/", "_")))
	}
	user := account.UserID
	if user == "" {
		user = account.User
	}
	segments = append(segments, sanitizeSegment(user))
	return filepath.Join(segments...), nil
}

// sanitizeSegment makes s safe to use as a single path element.
func sanitizeSegment(s string) string {
	r := strings.NewReplacer("/", "_", "\\", "_", ":", "_", "..", "_")
	s = r.Replace(s)
	if s == "" || s == "." {
		return "_"
	}
	return s
}
