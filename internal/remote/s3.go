package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"

	"fpsync/internal/fp"
)

// Object metadata keys used to carry attributes S3 has no native field for.
const (
	metaOcID     = "oc-id"
	metaFavorite = "favorite"
)

// deleteBatch is the DeleteObjects limit.
const deleteBatch = 1000

// S3Remote serves the remote file API from an S3 bucket. Server paths map to
// object keys beneath an optional prefix; folders are zero-byte marker
// objects whose key ends in "/".
type S3Remote struct {
	client     *s3.Client
	uploader   *manager.Uploader
	downloader *manager.Downloader
	bucket     string
	prefix     string
	clock      fp.Clock
	logger     fp.Logger

	tasks   *taskSet
	pending sync.WaitGroup
}

// NewS3Remote creates a remote backed by bucket.
func NewS3Remote(client *s3.Client, bucket, prefix string, clock fp.Clock, logger fp.Logger) *S3Remote {
	return &S3Remote{
		client:     client,
		uploader:   manager.NewUploader(client),
		downloader: manager.NewDownloader(client),
		bucket:     bucket,
		prefix:     strings.Trim(prefix, "/"),
		clock:      clock,
		logger:     logger,
		tasks:      newTaskSet(),
	}
}

// keyFor maps a server path to its object key. Host and path are kept so
// that accounts on different servers do not collide.
func (r *S3Remote) keyFor(serverURL string) string {
	p := serverURL
	if u, err := url.Parse(serverURL); err == nil && u.Host != "" {
		p = u.Host + u.Path
	}
	p = strings.Trim(p, "/")
	if r.prefix == "" {
		return p
	}
	return r.prefix + "/" + p
}

func markerKey(key string) string { return key + "/" }

// ocIDForKey derives a stable content id for objects that carry none.
func (r *S3Remote) ocIDForKey(key string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("s3://"+r.bucket+"/"+key)).String()
}

// translateS3Error wraps an SDK error into a RemoteError carrying the HTTP
// status of the failed request.
func translateS3Error(op, p string, err error) error {
	if err == nil {
		return nil
	}
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return fp.NewRemoteError(op, p, http.StatusNotFound, err)
	}
	var re *awshttp.ResponseError
	if errors.As(err, &re) {
		return fp.NewRemoteError(op, p, re.HTTPStatusCode(), err)
	}
	return fp.NewRemoteError(op, p, 0, err)
}

func isNotFound(err error) bool {
	var re *fp.RemoteError
	return errors.As(err, &re) && re.Code == http.StatusNotFound
}

// head fetches object attributes. A missing object yields (nil, nil).
func (r *S3Remote) head(ctx context.Context, key string) (*s3.HeadObjectOutput, error) {
	out, err := r.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		err = translateS3Error("head", key, err)
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return out, nil
}

// hasChildren reports whether any object lies beneath key.
func (r *S3Remote) hasChildren(ctx context.Context, key string) (bool, error) {
	out, err := r.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(r.bucket),
		Prefix:  aws.String(markerKey(key)),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return false, translateS3Error(OpList, key, err)
	}
	return len(out.Contents) > 0 || len(out.CommonPrefixes) > 0, nil
}

func (r *S3Remote) fileEntry(serverURL, key string, h *s3.HeadObjectOutput) fp.RemoteFile {
	parent, name := fp.SplitServerURL(serverURL)
	ocID := h.Metadata[metaOcID]
	if ocID == "" {
		ocID = r.ocIDForKey(key)
	}
	f := fp.RemoteFile{
		OcID:        ocID,
		FileID:      ocID,
		ServerURL:   parent,
		FileName:    name,
		Etag:        strings.Trim(aws.ToString(h.ETag), `"`),
		Favorite:    h.Metadata[metaFavorite] == "1",
		Size:        aws.ToInt64(h.ContentLength),
		ContentType: aws.ToString(h.ContentType),
		Permissions: "RGDNVW",
		Date:        aws.ToTime(h.LastModified),
	}
	if f.ContentType == "binary/octet-stream" {
		f.ContentType = ""
	}
	return f
}

func (r *S3Remote) dirEntry(serverURL, key string, marker *s3.HeadObjectOutput) fp.RemoteFile {
	parent, name := fp.SplitServerURL(serverURL)
	f := fp.RemoteFile{
		OcID:        r.ocIDForKey(markerKey(key)),
		ServerURL:   parent,
		FileName:    name,
		Directory:   true,
		Permissions: "RGDNVCK",
		ClassFile:   fp.ClassFileDirectory,
	}
	if marker != nil {
		if id := marker.Metadata[metaOcID]; id != "" {
			f.OcID = id
		}
		f.Favorite = marker.Metadata[metaFavorite] == "1"
		f.Etag = strings.Trim(aws.ToString(marker.ETag), `"`)
		f.Date = aws.ToTime(marker.LastModified)
	}
	f.FileID = f.OcID
	return f
}

// stat returns the entry at serverURL, or nil when nothing exists there.
// The account home always exists.
func (r *S3Remote) stat(ctx context.Context, account fp.Account, serverURL string) (*fp.RemoteFile, error) {
	key := r.keyFor(serverURL)
	h, err := r.head(ctx, key)
	if err != nil {
		return nil, err
	}
	if h != nil {
		f := r.fileEntry(serverURL, key, h)
		return &f, nil
	}
	marker, err := r.head(ctx, markerKey(key))
	if err != nil {
		return nil, err
	}
	if marker == nil && serverURL != account.HomeServerURL() {
		ok, err := r.hasChildren(ctx, key)
		if err != nil || !ok {
			return nil, err
		}
	}
	f := r.dirEntry(serverURL, key, marker)
	return &f, nil
}

func (r *S3Remote) ReadFileOrFolder(ctx context.Context, account fp.Account, serverURL string, depth fp.Depth, opts fp.ListOptions) (*fp.ListResult, error) {
	var entries []fp.RemoteFile
	if opts.Token == "" {
		self, err := r.stat(ctx, account, serverURL)
		if err != nil {
			return nil, err
		}
		if self == nil {
			return nil, fp.NewRemoteError(OpList, serverURL, http.StatusNotFound, nil)
		}
		entries = append(entries, *self)
		if depth == fp.DepthZero || !self.Directory {
			return &fp.ListResult{Files: entries}, nil
		}
	}

	key := r.keyFor(serverURL)
	in := &s3.ListObjectsV2Input{
		Bucket:    aws.String(r.bucket),
		Prefix:    aws.String(markerKey(key)),
		Delimiter: aws.String("/"),
	}
	if opts.Paginate {
		if opts.Count > 0 {
			in.MaxKeys = aws.Int32(int32(opts.Count))
		}
		if opts.Token != "" {
			in.ContinuationToken = aws.String(opts.Token)
		}
		out, err := r.client.ListObjectsV2(ctx, in)
		if err != nil {
			return nil, translateS3Error(OpList, serverURL, err)
		}
		children, err := r.listEntries(ctx, serverURL, key, out)
		if err != nil {
			return nil, err
		}
		res := &fp.ListResult{Files: append(entries, children...)}
		if aws.ToBool(out.IsTruncated) {
			res.Header = map[string]string{
				fp.HeaderPaginate:      "true",
				fp.HeaderPaginateToken: aws.ToString(out.NextContinuationToken),
			}
		}
		return res, nil
	}

	pages := s3.NewListObjectsV2Paginator(r.client, in)
	for pages.HasMorePages() {
		out, err := pages.NextPage(ctx)
		if err != nil {
			return nil, translateS3Error(OpList, serverURL, err)
		}
		children, err := r.listEntries(ctx, serverURL, key, out)
		if err != nil {
			return nil, err
		}
		entries = append(entries, children...)
	}
	return &fp.ListResult{Files: entries}, nil
}

// listEntries converts one listing page into entries. Each child is headed
// to read its stored attributes.
func (r *S3Remote) listEntries(ctx context.Context, serverURL, key string, out *s3.ListObjectsV2Output) ([]fp.RemoteFile, error) {
	prefix := markerKey(key)
	var entries []fp.RemoteFile
	for _, cp := range out.CommonPrefixes {
		name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), prefix), "/")
		if name == "" {
			continue
		}
		childKey := prefix + name
		marker, err := r.head(ctx, markerKey(childKey))
		if err != nil {
			return nil, err
		}
		entries = append(entries, r.dirEntry(fp.JoinServerURL(serverURL, name), childKey, marker))
	}
	for _, obj := range out.Contents {
		k := aws.ToString(obj.Key)
		name := strings.TrimPrefix(k, prefix)
		if name == "" || strings.Contains(name, "/") {
			continue
		}
		h, err := r.head(ctx, k)
		if err != nil {
			return nil, err
		}
		if h == nil {
			continue
		}
		entries = append(entries, r.fileEntry(fp.JoinServerURL(serverURL, name), k, h))
	}
	return entries, nil
}

func (r *S3Remote) CreateFolder(ctx context.Context, account fp.Account, serverURL string) (*fp.RemoteFile, error) {
	existing, err := r.stat(ctx, account, serverURL)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, fp.NewRemoteError(OpMkcol, serverURL, http.StatusMethodNotAllowed, nil)
	}
	parent, _ := fp.SplitServerURL(serverURL)
	p, err := r.stat(ctx, account, parent)
	if err != nil {
		return nil, err
	}
	if p == nil || !p.Directory {
		return nil, fp.NewRemoteError(OpMkcol, serverURL, http.StatusConflict, nil)
	}

	key := r.keyFor(serverURL)
	ocID := uuid.New().String()
	if _, err := r.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:   aws.String(r.bucket),
		Key:      aws.String(markerKey(key)),
		Body:     strings.NewReader(""),
		Metadata: map[string]string{metaOcID: ocID},
	}); err != nil {
		return nil, translateS3Error(OpMkcol, serverURL, err)
	}
	f := r.dirEntry(serverURL, key, &s3.HeadObjectOutput{Metadata: map[string]string{metaOcID: ocID}})
	f.Date = r.clock.Now()
	f.CreationDate = f.Date
	return &f, nil
}

// keysUnder returns key itself when it is an object, followed by everything
// beneath it.
func (r *S3Remote) keysUnder(ctx context.Context, key string) ([]string, error) {
	var keys []string
	h, err := r.head(ctx, key)
	if err != nil {
		return nil, err
	}
	if h != nil {
		keys = append(keys, key)
	}
	pages := s3.NewListObjectsV2Paginator(r.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(r.bucket),
		Prefix: aws.String(markerKey(key)),
	})
	for pages.HasMorePages() {
		out, err := pages.NextPage(ctx)
		if err != nil {
			return nil, translateS3Error(OpList, key, err)
		}
		for _, obj := range out.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}

func (r *S3Remote) deleteKeys(ctx context.Context, keys []string) error {
	for start := 0; start < len(keys); start += deleteBatch {
		end := min(start+deleteBatch, len(keys))
		ids := make([]types.ObjectIdentifier, 0, end-start)
		for _, k := range keys[start:end] {
			ids = append(ids, types.ObjectIdentifier{Key: aws.String(k)})
		}
		out, err := r.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(r.bucket),
			Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return translateS3Error(OpDelete, keys[start], err)
		}
		if len(out.Errors) > 0 {
			e := out.Errors[0]
			return fp.NewRemoteError(OpDelete, aws.ToString(e.Key), 0, errors.New(aws.ToString(e.Message)))
		}
	}
	return nil
}

func (r *S3Remote) Delete(ctx context.Context, account fp.Account, serverURL string) error {
	keys, err := r.keysUnder(ctx, r.keyFor(serverURL))
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return fp.NewRemoteError(OpDelete, serverURL, http.StatusNotFound, nil)
	}
	r.logger.Debug("deleting objects", "server_url", serverURL, "count", len(keys))
	return r.deleteKeys(ctx, keys)
}

func (r *S3Remote) copySource(key string) string {
	return (&url.URL{Path: r.bucket + "/" + key}).EscapedPath()
}

func (r *S3Remote) Move(ctx context.Context, account fp.Account, fromURL, toURL string, overwrite bool) error {
	fromKey, toKey := r.keyFor(fromURL), r.keyFor(toURL)
	keys, err := r.keysUnder(ctx, fromKey)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return fp.NewRemoteError(OpMove, fromURL, http.StatusNotFound, nil)
	}

	target, err := r.stat(ctx, account, toURL)
	if err != nil {
		return err
	}
	if target != nil {
		if !overwrite {
			return fp.NewRemoteError(OpMove, toURL, http.StatusPreconditionFailed, nil)
		}
		if err := r.Delete(ctx, account, toURL); err != nil {
			return err
		}
	}
	parent, _ := fp.SplitServerURL(toURL)
	if p, err := r.stat(ctx, account, parent); err != nil {
		return err
	} else if p == nil || !p.Directory {
		return fp.NewRemoteError(OpMove, toURL, http.StatusConflict, nil)
	}

	for _, k := range keys {
		if _, err := r.client.CopyObject(ctx, &s3.CopyObjectInput{
			Bucket:     aws.String(r.bucket),
			CopySource: aws.String(r.copySource(k)),
			Key:        aws.String(fp.Rebase(k, fromKey, toKey)),
		}); err != nil {
			return translateS3Error(OpMove, fromURL, err)
		}
	}
	return r.deleteKeys(ctx, keys)
}

func (r *S3Remote) SetFavorite(ctx context.Context, account fp.Account, serverURL string, favorite bool) error {
	key := r.keyFor(serverURL)
	h, err := r.head(ctx, key)
	if err != nil {
		return err
	}
	if h == nil {
		key = markerKey(key)
		if h, err = r.head(ctx, key); err != nil {
			return err
		}
	}
	if h == nil {
		self, err := r.stat(ctx, account, serverURL)
		if err != nil {
			return err
		}
		if self == nil {
			return fp.NewRemoteError(OpFavorite, serverURL, http.StatusNotFound, nil)
		}
		// Implied folder without a marker: create one to hold the flag.
		_, err = r.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:   aws.String(r.bucket),
			Key:      aws.String(key),
			Body:     strings.NewReader(""),
			Metadata: map[string]string{metaOcID: self.OcID, metaFavorite: favoriteValue(favorite)},
		})
		return translateS3Error(OpFavorite, serverURL, err)
	}

	meta := make(map[string]string, len(h.Metadata)+1)
	for k, v := range h.Metadata {
		meta[k] = v
	}
	meta[metaFavorite] = favoriteValue(favorite)
	_, err = r.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:            aws.String(r.bucket),
		CopySource:        aws.String(r.copySource(key)),
		Key:               aws.String(key),
		Metadata:          meta,
		MetadataDirective: types.MetadataDirectiveReplace,
		ContentType:       h.ContentType,
	})
	return translateS3Error(OpFavorite, serverURL, err)
}

func favoriteValue(favorite bool) string {
	if favorite {
		return "1"
	}
	return "0"
}

func (r *S3Remote) run(account fp.Account, fn func(ctx context.Context) fp.TransferOutcome, done func(fp.TransferOutcome)) fp.Task {
	t, ctx := r.tasks.start(account.Account)
	r.pending.Add(1)
	go func() {
		defer r.pending.Done()
		out := fn(ctx)
		if out.Err != nil && ctx.Err() != nil {
			out.Err = fmt.Errorf("transfer cancelled: %w", ctx.Err())
		}
		r.tasks.finish(t)
		done(out)
	}()
	return t
}

func (r *S3Remote) StartDownload(ctx context.Context, account fp.Account, serverURL, localPath string, done func(fp.TransferOutcome)) (fp.Task, error) {
	key := r.keyFor(serverURL)
	return r.run(account, func(ctx context.Context) fp.TransferOutcome {
		h, err := r.head(ctx, key)
		if err != nil {
			return fp.TransferOutcome{Err: err}
		}
		if h == nil {
			return fp.TransferOutcome{Err: fp.NewRemoteError(OpDownload, serverURL, http.StatusNotFound, nil)}
		}
		entry := r.fileEntry(serverURL, key, h)

		if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
			return fp.TransferOutcome{Err: fmt.Errorf("creating download directory: %w", err)}
		}
		tmp, err := os.CreateTemp(filepath.Dir(localPath), ".download-*")
		if err != nil {
			return fp.TransferOutcome{Err: fmt.Errorf("creating temp file: %w", err)}
		}
		tmpPath := tmp.Name()
		n, err := r.downloader.Download(ctx, tmp, &s3.GetObjectInput{
			Bucket:  aws.String(r.bucket),
			Key:     aws.String(key),
			IfMatch: h.ETag,
		})
		if closeErr := tmp.Close(); err == nil {
			err = closeErr
		}
		if err != nil {
			os.Remove(tmpPath)
			return fp.TransferOutcome{Err: translateS3Error(OpDownload, serverURL, err)}
		}
		if err := os.Rename(tmpPath, localPath); err != nil {
			os.Remove(tmpPath)
			return fp.TransferOutcome{Err: fmt.Errorf("renaming download: %w", err)}
		}
		r.logger.Debug("object downloaded", "key", key, "bytes", n)
		return fp.TransferOutcome{OcID: entry.OcID, FileID: entry.FileID, Etag: entry.Etag, Size: n, Date: entry.Date}
	}, done), nil
}

func (r *S3Remote) StartUpload(ctx context.Context, account fp.Account, localPath, serverURL string, done func(fp.TransferOutcome)) (fp.Task, error) {
	key := r.keyFor(serverURL)
	return r.run(account, func(ctx context.Context) fp.TransferOutcome {
		parent, _ := fp.SplitServerURL(serverURL)
		if p, err := r.stat(ctx, account, parent); err != nil {
			return fp.TransferOutcome{Err: err}
		} else if p == nil || !p.Directory {
			return fp.TransferOutcome{Err: fp.NewRemoteError(OpUpload, serverURL, http.StatusConflict, nil)}
		}

		ocID := uuid.New().String()
		meta := map[string]string{metaOcID: ocID}
		existing, err := r.head(ctx, key)
		if err != nil {
			return fp.TransferOutcome{Err: err}
		}
		if existing != nil {
			for k, v := range existing.Metadata {
				meta[k] = v
			}
			if id := existing.Metadata[metaOcID]; id != "" {
				ocID = id
			} else {
				ocID = r.ocIDForKey(key)
			}
			meta[metaOcID] = ocID
		}

		f, err := os.Open(localPath)
		if err != nil {
			return fp.TransferOutcome{Err: fmt.Errorf("opening upload source: %w", err)}
		}
		defer f.Close()
		info, err := f.Stat()
		if err != nil {
			return fp.TransferOutcome{Err: fmt.Errorf("reading upload source: %w", err)}
		}

		out, err := r.uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket:   aws.String(r.bucket),
			Key:      aws.String(key),
			Body:     f,
			Metadata: meta,
		})
		if err != nil {
			return fp.TransferOutcome{Err: translateS3Error(OpUpload, serverURL, err)}
		}
		r.logger.Debug("object uploaded", "key", key, "bytes", info.Size())
		return fp.TransferOutcome{
			OcID:   ocID,
			FileID: ocID,
			Etag:   strings.Trim(aws.ToString(out.ETag), `"`),
			Size:   info.Size(),
			Date:   r.clock.Now(),
		}
	}, done), nil
}

func (r *S3Remote) Tasks(ctx context.Context, account fp.Account) []fp.Task {
	return r.tasks.list(account.Account)
}

// Wait blocks until every started transfer has delivered its outcome.
func (r *S3Remote) Wait() {
	r.pending.Wait()
}

var _ fp.Remote = (*S3Remote)(nil)
