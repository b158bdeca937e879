package fp

import (
	"context"
	"errors"
	"fmt"
)

// CreateDirectory creates name inside parentIdentifier on the remote and
// caches both its metadata and directory rows.
func (p *Provider) CreateDirectory(ctx context.Context, parentIdentifier, name string) (*Item, error) {
	s, err := p.Session(ctx)
	if err != nil {
		return nil, err
	}
	serverURL, err := s.ServerURLForContainer(ctx, parentIdentifier)
	if err != nil {
		return nil, err
	}
	existing, err := p.store.GetMetadataByPath(ctx, s.Account.Account, serverURL, name)
	if err != nil {
		return nil, fmt.Errorf("checking for existing item: %w", err)
	}
	if existing != nil {
		return nil, fmt.Errorf("%w: %s", ErrFilenameCollision, JoinServerURL(serverURL, name))
	}

	path := JoinServerURL(serverURL, name)
	rf, err := p.remote.CreateFolder(ctx, s.Account, path)
	if err != nil {
		return nil, TranslateRemoteError(err)
	}

	m := metadataFromRemote(s.Account.Account, *rf)
	m.ServerURL = serverURL
	m.FileName = name
	m.FileNameView = name
	m.Directory = true
	m.ContentType = "httpd/unix-directory"
	m.ClassFile = ClassFileDirectory
	if err := p.store.AddMetadata(ctx, m); err != nil {
		return nil, fmt.Errorf("adding directory metadata: %w", err)
	}
	dir := directoryFromRemote(s.Account.Account, path, *rf, p.clock.Now())
	if err := p.store.AddDirectory(ctx, dir); err != nil {
		return nil, fmt.Errorf("adding directory: %w", err)
	}

	item, err := s.itemWithParent(ctx, &m, parentIdentifier, nil)
	if err != nil {
		return nil, err
	}
	p.hub.Record(ctx, ChangeUpdate, m.OcID, item)
	p.logger.Info("directory created", "oc_id", m.OcID, "server_url", path)
	return item, nil
}

// DeleteItem removes identifier on the remote and from the cache. A remote
// not-found is treated as success. Directories take their subtree with them.
func (p *Provider) DeleteItem(ctx context.Context, identifier string) error {
	s, err := p.Session(ctx)
	if err != nil {
		return err
	}
	m, err := p.store.GetMetadata(ctx, identifier)
	if err != nil {
		return fmt.Errorf("finding metadata: %w", err)
	}
	if m == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, identifier)
	}

	if err := p.remote.Delete(ctx, s.Account, m.Path()); err != nil {
		if rerr := TranslateRemoteError(err); !errors.Is(rerr, ErrNotFound) {
			return rerr
		}
		p.logger.Debug("remote item already gone", "oc_id", m.OcID, "server_url", m.Path())
	}

	parent, _, err := s.ParentIdentifier(ctx, m)
	if err != nil {
		p.logger.Warn("resolving parent failed", "oc_id", m.OcID, "error", err)
	}

	if m.Directory {
		descendants, err := p.store.FindMetadatas(ctx, MetadataQuery{
			Account:         s.Account.Account,
			ServerURLPrefix: m.Path(),
		})
		if err != nil {
			return fmt.Errorf("finding descendants: %w", err)
		}
		if err := p.store.DeleteDirectoryTree(ctx, s.Account.Account, m.Path()); err != nil {
			return fmt.Errorf("deleting directory tree: %w", err)
		}
		for _, d := range descendants {
			if err := s.Cache.Delete(d.OcID); err != nil {
				p.logger.Warn("deleting cached bytes failed", "oc_id", d.OcID, "error", err)
			}
		}
	}
	if err := p.store.DeleteMetadata(ctx, m.OcID); err != nil {
		return fmt.Errorf("deleting metadata: %w", err)
	}
	if err := s.Cache.Delete(m.OcID); err != nil {
		p.logger.Warn("deleting cached bytes failed", "oc_id", m.OcID, "error", err)
	}
	p.ranks.remove(m.OcID)

	p.hub.Record(ctx, ChangeDelete, m.OcID, &Item{Identifier: m.OcID, ParentIdentifier: parent})
	p.logger.Info("item deleted", "oc_id", m.OcID, "server_url", m.Path(), "directory", m.Directory)
	return nil
}

// MoveItem moves identifier into newParentIdentifier under newName. An empty
// newName keeps the current name.
func (p *Provider) MoveItem(ctx context.Context, identifier, newParentIdentifier, newName string) (*Item, error) {
	s, err := p.Session(ctx)
	if err != nil {
		return nil, err
	}
	m, err := p.store.GetMetadata(ctx, identifier)
	if err != nil {
		return nil, fmt.Errorf("finding metadata: %w", err)
	}
	if m == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, identifier)
	}
	newServerURL, err := s.ServerURLForContainer(ctx, newParentIdentifier)
	if err != nil {
		return nil, err
	}
	if newName == "" {
		newName = m.FileName
	}
	return p.relocate(ctx, s, m, newServerURL, newName)
}

// RenameItem renames identifier within its current folder.
func (p *Provider) RenameItem(ctx context.Context, identifier, newName string) (*Item, error) {
	s, err := p.Session(ctx)
	if err != nil {
		return nil, err
	}
	m, err := p.store.GetMetadata(ctx, identifier)
	if err != nil {
		return nil, fmt.Errorf("finding metadata: %w", err)
	}
	if m == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, identifier)
	}
	return p.relocate(ctx, s, m, m.ServerURL, newName)
}

func (p *Provider) relocate(ctx context.Context, s *Session, m *Metadata, newServerURL, newName string) (*Item, error) {
	oldPath := m.Path()
	newPath := JoinServerURL(newServerURL, newName)
	if oldPath == newPath {
		return p.itemOrNotFound(ctx, s, m)
	}
	if m.Directory && IsSubpath(newPath, oldPath) {
		return nil, fmt.Errorf("%w: cannot move %s into itself", ErrBadRequest, oldPath)
	}
	clash, err := p.store.GetMetadataByPath(ctx, s.Account.Account, newServerURL, newName)
	if err != nil {
		return nil, fmt.Errorf("checking for existing item: %w", err)
	}
	if clash != nil && clash.OcID != m.OcID {
		return nil, fmt.Errorf("%w: %s", ErrFilenameCollision, newPath)
	}

	oldParent, _, err := s.ParentIdentifier(ctx, m)
	if err != nil {
		p.logger.Warn("resolving parent failed", "oc_id", m.OcID, "error", err)
	}

	if err := p.remote.Move(ctx, s.Account, oldPath, newPath, false); err != nil {
		return nil, TranslateRemoteError(err)
	}

	if m.Directory {
		if err := p.store.MoveDirectoryTree(ctx, s.Account.Account, oldPath, newPath); err != nil {
			return nil, fmt.Errorf("moving directory tree: %w", err)
		}
	}
	var updated *Metadata
	if newServerURL == m.ServerURL {
		updated, err = p.store.RenameMetadata(ctx, m.OcID, newName)
	} else {
		updated, err = p.store.MoveMetadata(ctx, m.OcID, newServerURL, newName)
	}
	if err != nil {
		return nil, fmt.Errorf("updating metadata: %w", err)
	}
	if updated == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, m.OcID)
	}
	if !m.Directory && newName != m.FileName {
		if err := s.Cache.Rename(m.OcID, m.FileName, newName); err != nil {
			p.logger.Warn("renaming cached bytes failed", "oc_id", m.OcID, "error", err)
		}
	}

	item, err := p.itemOrNotFound(ctx, s, updated)
	if err != nil {
		return nil, err
	}
	p.hub.Record(ctx, ChangeUpdate, updated.OcID, item)
	if oldParent != "" && oldParent != item.ParentIdentifier {
		p.hub.signal(ctx, oldParent)
	}
	p.logger.Info("item moved", "oc_id", m.OcID, "from", oldPath, "to", newPath)
	return item, nil
}

// SetFavoriteRank favorites identifier with rank, or clears the favorite
// when rank is nil.
func (p *Provider) SetFavoriteRank(ctx context.Context, identifier string, rank *int64) (*Item, error) {
	s, err := p.Session(ctx)
	if err != nil {
		return nil, err
	}
	m, err := p.store.GetMetadata(ctx, identifier)
	if err != nil {
		return nil, fmt.Errorf("finding metadata: %w", err)
	}
	if m == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, identifier)
	}

	favorite := rank != nil
	if m.Favorite != favorite {
		if err := p.remote.SetFavorite(ctx, s.Account, m.Path(), favorite); err != nil {
			return nil, TranslateRemoteError(err)
		}
		m, err = p.store.SetMetadataFavorite(ctx, m.OcID, favorite)
		if err != nil {
			return nil, fmt.Errorf("updating favorite: %w", err)
		}
		if m == nil {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, identifier)
		}
	}
	if favorite {
		p.ranks.set(m.OcID, *rank)
	} else {
		p.ranks.remove(m.OcID)
	}

	item, err := p.itemOrNotFound(ctx, s, m)
	if err != nil {
		return nil, err
	}
	p.hub.Record(ctx, ChangeWorkingSetUpdate, m.OcID, item)
	p.logger.Info("favorite updated", "oc_id", m.OcID, "favorite", favorite)
	return item, nil
}

// SetTagData stores host tag data on identifier. Empty data removes the tag.
func (p *Provider) SetTagData(ctx context.Context, identifier string, data []byte) (*Item, error) {
	s, err := p.Session(ctx)
	if err != nil {
		return nil, err
	}
	m, err := p.store.GetMetadata(ctx, identifier)
	if err != nil {
		return nil, fmt.Errorf("finding metadata: %w", err)
	}
	if m == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, identifier)
	}
	if err := p.store.SetTag(ctx, Tag{OcID: m.OcID, Account: m.Account, TagData: data}); err != nil {
		return nil, fmt.Errorf("setting tag: %w", err)
	}
	item, err := p.itemOrNotFound(ctx, s, m)
	if err != nil {
		return nil, err
	}
	p.hub.Record(ctx, ChangeUpdate, m.OcID, item)
	return item, nil
}

// WarmUp lists container once and inserts rows that are not cached yet.
// Existing rows are left untouched and nothing is purged. Returns the number
// of rows inserted.
func (p *Provider) WarmUp(ctx context.Context, container string) (int, error) {
	s, err := p.Session(ctx)
	if err != nil {
		return 0, err
	}
	serverURL, err := s.ServerURLForContainer(ctx, container)
	if err != nil {
		return 0, err
	}
	res, err := p.remote.ReadFileOrFolder(ctx, s.Account, serverURL, DepthOne, ListOptions{})
	if err != nil {
		return 0, TranslateRemoteError(err)
	}

	var rows []Metadata
	var self *RemoteFile
	for i := range res.Files {
		f := res.Files[i]
		if f.Path() == serverURL {
			self = &f
			continue
		}
		if m := metadataFromRemote(s.Account.Account, f); m.Listable() {
			rows = append(rows, m)
		}
	}

	existing, err := p.store.GetDirectoryByServerURL(ctx, s.Account.Account, serverURL)
	if err != nil {
		return 0, fmt.Errorf("finding directory: %w", err)
	}
	if existing == nil && self != nil {
		if serverURL != s.HomeServerURL() {
			rows = append(rows, metadataFromRemote(s.Account.Account, *self))
		}
	}
	n, err := p.store.AddMetadatasIfNotExists(ctx, rows)
	if err != nil {
		return 0, fmt.Errorf("seeding metadata: %w", err)
	}
	if existing == nil {
		dir, err := p.listedDirectory(ctx, s, container, serverURL, self)
		if err != nil {
			return n, err
		}
		if err := p.store.AddDirectory(ctx, *dir); err != nil {
			return n, fmt.Errorf("adding directory: %w", err)
		}
	}
	p.logger.Info("cache warmed", "server_url", serverURL, "inserted", n, "listed", len(rows))
	return n, nil
}

func (p *Provider) itemOrNotFound(ctx context.Context, s *Session, m *Metadata) (*Item, error) {
	item, err := s.ItemFor(ctx, m, p.ranks.get(m.OcID))
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, fmt.Errorf("%w: parent of %s", ErrNotFound, m.OcID)
	}
	return item, nil
}
