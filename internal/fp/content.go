package fp

import (
	"context"
	"errors"
	"fmt"
)

func ptr[T any](v T) *T { return &v }

// StartProvidingItem makes the bytes of identifier available in the file
// cache, downloading them when the cached copy is missing or stale.
func (p *Provider) StartProvidingItem(ctx context.Context, identifier string) (*Transfer, error) {
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

	if m.Directory {
		return completedTransfer(SessionDownload, m.OcID, nil, nil), nil
	}
	if t := p.transfers.ForItem(SessionDownload, m.OcID); t != nil {
		return t, nil
	}
	lf, err := p.store.GetLocalFile(ctx, m.OcID)
	if err != nil {
		return nil, fmt.Errorf("finding local file: %w", err)
	}
	if lf.Valid(m) && s.Cache.Exists(m.OcID, m.FileName) {
		item, err := s.ItemFor(ctx, m, p.ranks.get(m.OcID))
		return completedTransfer(SessionDownload, m.OcID, item, err), nil
	}

	// The transfer is registered before the row is marked, so a listing never
	// sees an in-flight status without a pending transfer behind it.
	t := p.transfers.register(SessionDownload, m.OcID)
	m, err = p.store.SetMetadataSession(ctx, m.OcID, SessionUpdate{
		Session:               ptr(SessionDownload),
		SessionError:          ptr(""),
		SessionTaskIdentifier: ptr(0),
		Status:                ptr(StatusWaitDownload),
	})
	if err == nil && m == nil {
		err = fmt.Errorf("%w: %s", ErrNotFound, identifier)
	} else if err != nil {
		err = fmt.Errorf("marking download: %w", err)
	}
	if err != nil {
		p.transfers.fulfill(t.ID, nil, err)
		return nil, err
	}
	p.recordUpdate(ctx, s, m)

	bg := context.WithoutCancel(ctx)
	if err := p.transfers.acquire(ctx); err != nil {
		p.downloadComplete(bg, s, t, m, TransferOutcome{OcID: m.OcID, Err: err}, false)
		return t, err
	}

	row := *m
	localPath := s.Cache.Path(m.OcID, m.FileName)
	task, err := p.remote.StartDownload(ctx, s.Account, m.Path(), localPath, func(out TransferOutcome) {
		p.downloadComplete(bg, s, t, &row, out, true)
	})
	if err != nil {
		p.downloadComplete(ctx, s, t, m, TransferOutcome{OcID: m.OcID, Err: err}, true)
		return t, TranslateRemoteError(err)
	}

	if _, err := p.store.SetMetadataSession(ctx, m.OcID, SessionUpdate{
		Status:                ptr(StatusDownloading),
		SessionTaskIdentifier: ptr(task.Identifier()),
		IfStatus:              ptr(StatusWaitDownload),
	}); err != nil {
		p.logger.Warn("marking download in progress failed", "oc_id", m.OcID, "error", err)
	}
	p.logger.Info("download started", "oc_id", m.OcID, "server_url", m.Path(), "task", task.Identifier(), "transfer_id", t.ID)
	return t, nil
}

// downloadComplete records the outcome of a download, fulfills its transfer
// and signals the item.
func (p *Provider) downloadComplete(ctx context.Context, s *Session, t *Transfer, m *Metadata, out TransferOutcome, release bool) {
	if release {
		defer p.transfers.release()
	}

	// A stopped download leaves the row as it is.
	if release && errors.Is(out.Err, context.Canceled) {
		p.logger.Info("download stopped", "oc_id", m.OcID)
		p.transfers.fulfill(t.ID, nil, out.Err)
		return
	}

	etag := m.Etag
	errText := ""
	if out.Err == nil {
		if out.Etag != "" {
			etag = out.Etag
		}
	} else {
		errText = out.Err.Error()
	}

	updated, err := p.store.CompleteDownload(ctx, m.OcID, etag, out.Err == nil, errText)
	if err != nil {
		p.logger.Error("recording download completion failed", "oc_id", m.OcID, "error", err)
		p.transfers.fulfill(t.ID, nil, fmt.Errorf("recording download completion: %w", err))
		return
	}
	if updated == nil {
		p.transfers.fulfill(t.ID, nil, fmt.Errorf("%w: %s", ErrNotFound, m.OcID))
		return
	}

	item := p.recordUpdate(ctx, s, updated)
	if out.Err != nil {
		p.logger.Warn("download failed", "oc_id", m.OcID, "error", out.Err)
		p.transfers.fulfill(t.ID, item, TranslateRemoteError(out.Err))
		return
	}
	p.logger.Info("download finished", "oc_id", m.OcID, "etag", etag)
	p.transfers.fulfill(t.ID, item, nil)
}

// StopProvidingItem cancels an in-flight download of identifier. The row
// keeps its in-flight status until the next listing of its folder settles it.
func (p *Provider) StopProvidingItem(ctx context.Context, identifier string) error {
	s, err := p.Session(ctx)
	if err != nil {
		return err
	}
	m, err := p.store.GetMetadata(ctx, identifier)
	if err != nil {
		return fmt.Errorf("finding metadata: %w", err)
	}
	if m == nil {
		return nil
	}
	if m.Status != StatusDownloading && m.Status != StatusWaitDownload {
		return nil
	}
	for _, task := range p.remote.Tasks(ctx, s.Account) {
		if task.Identifier() == m.SessionTaskIdentifier {
			task.Cancel()
			p.logger.Info("download cancelled", "oc_id", m.OcID, "task", task.Identifier())
			return nil
		}
	}
	return nil
}

// ItemChanged uploads the cached bytes of identifier after the host modified
// them.
func (p *Provider) ItemChanged(ctx context.Context, identifier string) (*Transfer, error) {
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
	if m.Directory {
		return completedTransfer(SessionUpload, m.OcID, nil, nil), nil
	}
	if t := p.transfers.ForItem(SessionUpload, m.OcID); t != nil {
		return t, nil
	}

	t := p.transfers.register(SessionUpload, m.OcID)
	m, err = p.store.SetMetadataSession(ctx, m.OcID, SessionUpdate{
		Session:               ptr(SessionUpload),
		SessionError:          ptr(""),
		SessionTaskIdentifier: ptr(0),
		Status:                ptr(StatusWaitUpload),
	})
	if err == nil && m == nil {
		err = fmt.Errorf("%w: %s", ErrNotFound, identifier)
	} else if err != nil {
		err = fmt.Errorf("marking upload: %w", err)
	}
	if err != nil {
		p.transfers.fulfill(t.ID, nil, err)
		return nil, err
	}
	p.recordUpdate(ctx, s, m)
	return p.upload(ctx, s, t, m, false)
}

// ImportDocument copies srcPath into the cache under a provisional id inside
// parentIdentifier and uploads it.
func (p *Provider) ImportDocument(ctx context.Context, srcPath, parentIdentifier, fileName string) (*Transfer, error) {
	s, err := p.Session(ctx)
	if err != nil {
		return nil, err
	}
	serverURL, err := s.ServerURLForContainer(ctx, parentIdentifier)
	if err != nil {
		return nil, err
	}
	existing, err := p.store.GetMetadataByPath(ctx, s.Account.Account, serverURL, fileName)
	if err != nil {
		return nil, fmt.Errorf("checking for existing item: %w", err)
	}
	if existing != nil {
		return nil, fmt.Errorf("%w: %s", ErrFilenameCollision, JoinServerURL(serverURL, fileName))
	}

	provisional := p.idgen.New()
	t := p.transfers.register(SessionUpload, provisional)
	size, err := s.Cache.Import(srcPath, provisional, fileName)
	if err != nil {
		err = fmt.Errorf("importing into cache: %w", err)
		p.transfers.fulfill(t.ID, nil, err)
		return nil, err
	}

	now := p.clock.Now()
	contentType := contentTypeForName(fileName)
	m := Metadata{
		OcID:         provisional,
		OcIDTransfer: provisional,
		Account:      s.Account.Account,
		ServerURL:    serverURL,
		FileName:     fileName,
		FileNameView: fileName,
		ContentType:  contentType,
		ClassFile:    classFileForContentType(contentType),
		Size:         size,
		Status:       StatusWaitUpload,
		Session:      SessionUpload,
		CreationDate: now,
		Date:         now,
	}
	if err := p.store.AddMetadata(ctx, m); err != nil {
		_ = s.Cache.Delete(provisional)
		err = fmt.Errorf("adding provisional metadata: %w", err)
		p.transfers.fulfill(t.ID, nil, err)
		return nil, err
	}
	p.logger.Info("document imported", "oc_id", provisional, "server_url", m.Path(), "size", size)
	p.recordUpdate(ctx, s, &m)
	return p.upload(ctx, s, t, &m, true)
}

// upload starts the transfer of m's cached bytes. t must already be
// registered for m.
func (p *Provider) upload(ctx context.Context, s *Session, t *Transfer, m *Metadata, provisional bool) (*Transfer, error) {
	bg := context.WithoutCancel(ctx)
	if err := p.transfers.acquire(ctx); err != nil {
		p.uploadComplete(bg, s, t, m.OcID, provisional, TransferOutcome{OcID: m.OcID, Err: err}, false)
		return t, err
	}

	ocID := m.OcID
	localPath := s.Cache.Path(m.OcID, m.FileName)
	task, err := p.remote.StartUpload(ctx, s.Account, localPath, m.Path(), func(out TransferOutcome) {
		p.uploadComplete(bg, s, t, ocID, provisional, out, true)
	})
	if err != nil {
		p.uploadComplete(ctx, s, t, ocID, provisional, TransferOutcome{OcID: ocID, Err: err}, true)
		return t, TranslateRemoteError(err)
	}

	if _, err := p.store.SetMetadataSession(ctx, ocID, SessionUpdate{
		Status:                ptr(StatusUploading),
		SessionTaskIdentifier: ptr(task.Identifier()),
		IfStatus:              ptr(StatusWaitUpload),
	}); err != nil {
		p.logger.Warn("marking upload in progress failed", "oc_id", ocID, "error", err)
	}
	p.logger.Info("upload started", "oc_id", ocID, "server_url", m.Path(), "task", task.Identifier(), "transfer_id", t.ID)
	return t, nil
}

// uploadComplete promotes a successful upload to its server-assigned id, or
// discards a failed provisional row.
func (p *Provider) uploadComplete(ctx context.Context, s *Session, t *Transfer, ocID string, provisional bool, out TransferOutcome, release bool) {
	if release {
		defer p.transfers.release()
	}

	m, err := p.store.GetMetadata(ctx, ocID)
	if err != nil || m == nil {
		if err == nil {
			err = fmt.Errorf("%w: %s", ErrNotFound, ocID)
		}
		p.logger.Error("upload completed for missing row", "oc_id", ocID, "error", err)
		p.transfers.fulfill(t.ID, nil, err)
		return
	}
	parent, _, err := s.ParentIdentifier(ctx, m)
	if err != nil {
		p.logger.Warn("resolving parent failed", "oc_id", ocID, "error", err)
	}

	if out.Err != nil {
		p.logger.Warn("upload failed", "oc_id", ocID, "provisional", provisional, "error", out.Err)
		if provisional {
			p.discardProvisional(ctx, s, ocID, parent)
			p.transfers.fulfill(t.ID, nil, TranslateRemoteError(out.Err))
			return
		}
		updated, err := p.store.SetMetadataSession(ctx, ocID, SessionUpdate{
			Session:               ptr(""),
			SessionError:          ptr(out.Err.Error()),
			SessionTaskIdentifier: ptr(0),
			Status:                ptr(StatusUploadError),
		})
		if err != nil {
			p.logger.Error("recording upload failure failed", "oc_id", ocID, "error", err)
		}
		var item *Item
		if updated != nil {
			item = p.recordUpdate(ctx, s, updated)
		}
		p.transfers.fulfill(t.ID, item, TranslateRemoteError(out.Err))
		return
	}

	finalID := out.OcID
	if finalID == "" {
		finalID = ocID
	}
	if finalID != ocID {
		if err := s.Cache.Move(ocID, finalID, m.FileName); err != nil {
			p.logger.Warn("moving cached bytes failed", "from", ocID, "to", finalID, "error", err)
		}
	}

	final := *m
	final.OcID = finalID
	final.OcIDTransfer = ""
	if out.FileID != "" {
		final.FileID = out.FileID
	}
	if out.Etag != "" {
		final.Etag = out.Etag
	}
	if out.Size > 0 {
		final.Size = out.Size
	}
	if !out.Date.IsZero() {
		final.Date = out.Date
	}
	final.UploadDate = p.clock.Now()
	final.Status = StatusNormal
	final.Session = ""
	final.SessionError = ""
	final.SessionTaskIdentifier = 0

	promoted, err := p.store.PromoteMetadata(ctx, ocID, final)
	if err != nil || promoted == nil {
		if err == nil {
			err = fmt.Errorf("%w: %s", ErrNotFound, ocID)
		}
		p.logger.Error("promoting uploaded metadata failed", "oc_id", ocID, "final_oc_id", finalID, "error", err)
		p.transfers.fulfill(t.ID, nil, fmt.Errorf("promoting uploaded metadata: %w", err))
		return
	}

	item, err := s.itemWithParent(ctx, promoted, parent, p.ranks.get(promoted.OcID))
	if err != nil {
		p.logger.Warn("building item failed", "oc_id", finalID, "error", err)
		item = &Item{Identifier: finalID, ParentIdentifier: parent}
	}
	if finalID != ocID {
		p.hub.Record(ctx, ChangeDelete, ocID, &Item{Identifier: ocID, ParentIdentifier: parent})
	}
	p.hub.Record(ctx, ChangeUpdate, finalID, item)
	p.logger.Info("upload finished", "oc_id", ocID, "final_oc_id", finalID, "etag", final.Etag)
	p.transfers.fulfill(t.ID, item, nil)
}

func (p *Provider) discardProvisional(ctx context.Context, s *Session, ocID, parent string) {
	if err := p.store.DeleteMetadata(ctx, ocID); err != nil {
		p.logger.Error("deleting provisional metadata failed", "oc_id", ocID, "error", err)
	}
	if err := s.Cache.Delete(ocID); err != nil {
		p.logger.Warn("deleting provisional bytes failed", "oc_id", ocID, "error", err)
	}
	p.hub.Record(ctx, ChangeDelete, ocID, &Item{Identifier: ocID, ParentIdentifier: parent})
}

// recordUpdate signals m as updated and returns its item. Rows whose parent is
// not yet resolvable are not signalled.
func (p *Provider) recordUpdate(ctx context.Context, s *Session, m *Metadata) *Item {
	item, err := s.ItemFor(ctx, m, p.ranks.get(m.OcID))
	if err != nil {
		p.logger.Warn("building item failed", "oc_id", m.OcID, "error", err)
		return nil
	}
	if item == nil {
		return nil
	}
	p.hub.Record(ctx, ChangeUpdate, m.OcID, item)
	return item
}
