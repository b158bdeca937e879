package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"fpsync/internal/fp"
)

// DBTX is satisfied by both *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
	QueryContext(context.Context, string, ...any) (*sql.Rows, error)
	QueryRowContext(context.Context, string, ...any) *sql.Row
}

// Queries holds the SQL statements used by the store.
type Queries struct {
	db DBTX
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

// WithTx returns a Queries running on tx.
func (q *Queries) WithTx(tx *sql.Tx) *Queries {
	return &Queries{db: tx}
}

type scanner interface {
	Scan(dest ...any) error
}

func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnix(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// prefixClause matches column equal to prefix or beneath it. The range form
// lets sqlite use the (account, server_url) index.
func prefixClause(column, prefix string) (string, []any) {
	prefix = strings.TrimRight(prefix, "/")
	return fmt.Sprintf("(%s = ? OR (%s >= ? AND %s < ?))", column, column, column),
		[]any{prefix, prefix + "/", prefix + "0"}
}

// Accounts

const accountColumns = "account, url_base, user, user_id, active"

func scanAccount(r scanner) (fp.Account, error) {
	var a fp.Account
	err := r.Scan(&a.Account, &a.URLBase, &a.User, &a.UserID, &a.Active)
	return a, err
}

func (q *Queries) UpsertAccount(ctx context.Context, a fp.Account) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO accounts (`+accountColumns+`) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(account) DO UPDATE SET
			url_base = excluded.url_base,
			user = excluded.user,
			user_id = excluded.user_id,
			active = excluded.active`,
		a.Account, a.URLBase, a.User, a.UserID, a.Active)
	return err
}

func (q *Queries) GetAccount(ctx context.Context, account string) (fp.Account, error) {
	row := q.db.QueryRowContext(ctx, "SELECT "+accountColumns+" FROM accounts WHERE account = ?", account)
	return scanAccount(row)
}

func (q *Queries) GetActiveAccount(ctx context.Context) (fp.Account, error) {
	row := q.db.QueryRowContext(ctx, "SELECT "+accountColumns+" FROM accounts WHERE active = 1 ORDER BY account LIMIT 1")
	return scanAccount(row)
}

func (q *Queries) ListAccounts(ctx context.Context) ([]fp.Account, error) {
	rows, err := q.db.QueryContext(ctx, "SELECT "+accountColumns+" FROM accounts ORDER BY account")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []fp.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (q *Queries) SetActiveAccount(ctx context.Context, account string) (int64, error) {
	if _, err := q.db.ExecContext(ctx, "UPDATE accounts SET active = 0 WHERE account != ?", account); err != nil {
		return 0, err
	}
	res, err := q.db.ExecContext(ctx, "UPDATE accounts SET active = 1 WHERE account = ?", account)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (q *Queries) DeleteAccount(ctx context.Context, account string) error {
	for _, table := range []string{"accounts", "directories", "metadata", "local_files", "tags"} {
		if _, err := q.db.ExecContext(ctx, "DELETE FROM "+table+" WHERE account = ?", account); err != nil {
			return fmt.Errorf("deleting from %s: %w", table, err)
		}
	}
	return nil
}

// Directories

const directoryColumns = "oc_id, account, server_url, etag, favorite, permissions, rich_workspace, lock, last_sync_date"

func scanDirectory(r scanner) (fp.Directory, error) {
	var d fp.Directory
	var lastSync int64
	err := r.Scan(&d.OcID, &d.Account, &d.ServerURL, &d.Etag, &d.Favorite, &d.Permissions, &d.RichWorkspace, &d.Lock, &lastSync)
	d.LastSyncDate = fromUnix(lastSync)
	return d, err
}

func scanDirectories(rows *sql.Rows) ([]fp.Directory, error) {
	defer rows.Close()
	var out []fp.Directory
	for rows.Next() {
		d, err := scanDirectory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// UpsertDirectory replaces any row for the same (account, server_url) or the
// same oc_id.
func (q *Queries) UpsertDirectory(ctx context.Context, d fp.Directory) error {
	if _, err := q.db.ExecContext(ctx,
		"DELETE FROM directories WHERE account = ? AND server_url = ? AND oc_id != ?",
		d.Account, d.ServerURL, d.OcID); err != nil {
		return err
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO directories (`+directoryColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(oc_id) DO UPDATE SET
			account = excluded.account,
			server_url = excluded.server_url,
			etag = excluded.etag,
			favorite = excluded.favorite,
			permissions = excluded.permissions,
			rich_workspace = excluded.rich_workspace,
			lock = excluded.lock,
			last_sync_date = excluded.last_sync_date`,
		d.OcID, d.Account, d.ServerURL, d.Etag, d.Favorite, d.Permissions, d.RichWorkspace, d.Lock, toUnix(d.LastSyncDate))
	return err
}

func (q *Queries) GetDirectory(ctx context.Context, ocID string) (fp.Directory, error) {
	row := q.db.QueryRowContext(ctx, "SELECT "+directoryColumns+" FROM directories WHERE oc_id = ?", ocID)
	return scanDirectory(row)
}

func (q *Queries) GetDirectoryByServerURL(ctx context.Context, account, serverURL string) (fp.Directory, error) {
	row := q.db.QueryRowContext(ctx,
		"SELECT "+directoryColumns+" FROM directories WHERE account = ? AND server_url = ?",
		account, serverURL)
	return scanDirectory(row)
}

func (q *Queries) FindDirectories(ctx context.Context, dq fp.DirectoryQuery) ([]fp.Directory, error) {
	where := []string{"account = ?"}
	args := []any{dq.Account}
	if dq.ServerURLPrefix != "" {
		clause, a := prefixClause("server_url", dq.ServerURLPrefix)
		where = append(where, clause)
		args = append(args, a...)
	}
	if dq.Favorite != nil {
		where = append(where, "favorite = ?")
		args = append(args, *dq.Favorite)
	}
	rows, err := q.db.QueryContext(ctx,
		"SELECT "+directoryColumns+" FROM directories WHERE "+strings.Join(where, " AND ")+" ORDER BY server_url",
		args...)
	if err != nil {
		return nil, err
	}
	return scanDirectories(rows)
}

func (q *Queries) SetDirectoryFavorite(ctx context.Context, ocID string, favorite bool) error {
	_, err := q.db.ExecContext(ctx, "UPDATE directories SET favorite = ? WHERE oc_id = ?", favorite, ocID)
	return err
}

func (q *Queries) DeleteDirectoriesUnder(ctx context.Context, account, prefix string) error {
	clause, args := prefixClause("server_url", prefix)
	_, err := q.db.ExecContext(ctx, "DELETE FROM directories WHERE account = ? AND "+clause, append([]any{account}, args...)...)
	return err
}

func (q *Queries) SetDirectoryServerURL(ctx context.Context, ocID, serverURL string) error {
	_, err := q.db.ExecContext(ctx, "UPDATE directories SET server_url = ? WHERE oc_id = ?", serverURL, ocID)
	return err
}

// Metadata

const metadataColumns = `oc_id, oc_id_transfer, file_id, account, server_url, file_name, file_name_view,
	content_type, class_file, directory, etag, favorite, size, status, session, session_error,
	session_task_identifier, e2e_encrypted, live_photo_file, permissions, owner_id,
	creation_date, date, upload_date`

const metadataPlaceholders = "?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?"

func metadataArgs(m fp.Metadata) []any {
	return []any{
		m.OcID, m.OcIDTransfer, m.FileID, m.Account, m.ServerURL, m.FileName, m.FileNameView,
		m.ContentType, m.ClassFile, m.Directory, m.Etag, m.Favorite, m.Size, int(m.Status), m.Session, m.SessionError,
		m.SessionTaskIdentifier, m.E2EEncrypted, m.LivePhotoFile, m.Permissions, m.OwnerID,
		toUnix(m.CreationDate), toUnix(m.Date), toUnix(m.UploadDate),
	}
}

func scanMetadata(r scanner) (fp.Metadata, error) {
	var m fp.Metadata
	var status int
	var creation, date, upload int64
	err := r.Scan(
		&m.OcID, &m.OcIDTransfer, &m.FileID, &m.Account, &m.ServerURL, &m.FileName, &m.FileNameView,
		&m.ContentType, &m.ClassFile, &m.Directory, &m.Etag, &m.Favorite, &m.Size, &status, &m.Session, &m.SessionError,
		&m.SessionTaskIdentifier, &m.E2EEncrypted, &m.LivePhotoFile, &m.Permissions, &m.OwnerID,
		&creation, &date, &upload)
	m.Status = fp.Status(status)
	m.CreationDate = fromUnix(creation)
	m.Date = fromUnix(date)
	m.UploadDate = fromUnix(upload)
	return m, err
}

func scanMetadatas(rows *sql.Rows) ([]fp.Metadata, error) {
	defer rows.Close()
	var out []fp.Metadata
	for rows.Next() {
		m, err := scanMetadata(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (q *Queries) UpsertMetadata(ctx context.Context, m fp.Metadata) error {
	_, err := q.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO metadata ("+metadataColumns+") VALUES ("+metadataPlaceholders+")",
		metadataArgs(m)...)
	return err
}

// InsertMetadataIfNotExists reports whether a row was inserted.
func (q *Queries) InsertMetadataIfNotExists(ctx context.Context, m fp.Metadata) (bool, error) {
	res, err := q.db.ExecContext(ctx,
		"INSERT INTO metadata ("+metadataColumns+") VALUES ("+metadataPlaceholders+") ON CONFLICT(oc_id) DO NOTHING",
		metadataArgs(m)...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// MergeListedMetadata writes the listing fields of m. The transfer state of an
// existing row is preserved.
func (q *Queries) MergeListedMetadata(ctx context.Context, m fp.Metadata) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO metadata (`+metadataColumns+`) VALUES (`+metadataPlaceholders+`)
		ON CONFLICT(oc_id) DO UPDATE SET
			file_id = excluded.file_id,
			account = excluded.account,
			server_url = excluded.server_url,
			file_name = excluded.file_name,
			file_name_view = excluded.file_name_view,
			content_type = excluded.content_type,
			class_file = excluded.class_file,
			directory = excluded.directory,
			etag = excluded.etag,
			favorite = excluded.favorite,
			size = excluded.size,
			e2e_encrypted = excluded.e2e_encrypted,
			live_photo_file = excluded.live_photo_file,
			permissions = excluded.permissions,
			owner_id = excluded.owner_id,
			creation_date = excluded.creation_date,
			date = excluded.date`,
		metadataArgs(m)...)
	return err
}

func (q *Queries) GetMetadata(ctx context.Context, ocID string) (fp.Metadata, error) {
	row := q.db.QueryRowContext(ctx, "SELECT "+metadataColumns+" FROM metadata WHERE oc_id = ?", ocID)
	return scanMetadata(row)
}

func (q *Queries) GetMetadataByPath(ctx context.Context, account, serverURL, fileName string) (fp.Metadata, error) {
	row := q.db.QueryRowContext(ctx,
		"SELECT "+metadataColumns+" FROM metadata WHERE account = ? AND server_url = ? AND file_name = ? ORDER BY oc_id LIMIT 1",
		account, serverURL, fileName)
	return scanMetadata(row)
}

// metadataWhere builds the WHERE clause for q.
func metadataWhere(q fp.MetadataQuery) (string, []any) {
	where := []string{"account = ?"}
	args := []any{q.Account}
	if q.ServerURL != "" {
		where = append(where, "server_url = ?")
		args = append(args, q.ServerURL)
	}
	if q.ServerURLPrefix != "" {
		clause, a := prefixClause("server_url", q.ServerURLPrefix)
		where = append(where, clause)
		args = append(args, a...)
	}
	if q.FileName != "" {
		where = append(where, "file_name = ?")
		args = append(args, q.FileName)
	}
	if len(q.OcIDs) > 0 {
		where = append(where, "oc_id IN ("+strings.TrimSuffix(strings.Repeat("?, ", len(q.OcIDs)), ", ")+")")
		for _, id := range q.OcIDs {
			args = append(args, id)
		}
	}
	if len(q.ExcludeOcIDs) > 0 {
		where = append(where, "oc_id NOT IN ("+strings.TrimSuffix(strings.Repeat("?, ", len(q.ExcludeOcIDs)), ", ")+")")
		for _, id := range q.ExcludeOcIDs {
			args = append(args, id)
		}
	}
	if len(q.Statuses) > 0 {
		where = append(where, "status IN ("+strings.TrimSuffix(strings.Repeat("?, ", len(q.Statuses)), ", ")+")")
		for _, st := range q.Statuses {
			args = append(args, int(st))
		}
	}
	if q.Favorite != nil {
		where = append(where, "favorite = ?")
		args = append(args, *q.Favorite)
	}
	if q.Directory != nil {
		where = append(where, "directory = ?")
		args = append(args, *q.Directory)
	}
	if q.Session != "" {
		where = append(where, "session = ?")
		args = append(args, q.Session)
	}
	if q.TaskIdentifier != 0 {
		where = append(where, "session_task_identifier = ?")
		args = append(args, q.TaskIdentifier)
	}
	if q.ExcludeHidden {
		where = append(where, "e2e_encrypted = 0", "NOT (class_file = ? AND live_photo_file != '')")
		args = append(args, fp.ClassFileVideo)
	}
	return strings.Join(where, " AND "), args
}

func metadataOrder(k fp.SortKey) string {
	switch k {
	case fp.SortFileName:
		return " ORDER BY file_name, oc_id"
	case fp.SortFileNameView:
		return " ORDER BY file_name_view, oc_id"
	case fp.SortDate:
		return " ORDER BY date DESC, oc_id"
	default:
		return " ORDER BY oc_id"
	}
}

func (q *Queries) FindMetadatas(ctx context.Context, mq fp.MetadataQuery) ([]fp.Metadata, error) {
	where, args := metadataWhere(mq)
	rows, err := q.db.QueryContext(ctx,
		"SELECT "+metadataColumns+" FROM metadata WHERE "+where+metadataOrder(mq.Sort),
		args...)
	if err != nil {
		return nil, err
	}
	return scanMetadatas(rows)
}

func (q *Queries) DeleteMetadata(ctx context.Context, ocID string) error {
	for _, table := range []string{"metadata", "local_files", "tags"} {
		if _, err := q.db.ExecContext(ctx, "DELETE FROM "+table+" WHERE oc_id = ?", ocID); err != nil {
			return fmt.Errorf("deleting from %s: %w", table, err)
		}
	}
	return nil
}

// DeleteMetadatas removes every row matching mq together with its local file
// and tag rows.
func (q *Queries) DeleteMetadatas(ctx context.Context, mq fp.MetadataQuery) (int, error) {
	where, args := metadataWhere(mq)
	for _, table := range []string{"local_files", "tags"} {
		if _, err := q.db.ExecContext(ctx,
			"DELETE FROM "+table+" WHERE oc_id IN (SELECT oc_id FROM metadata WHERE "+where+")",
			args...); err != nil {
			return 0, fmt.Errorf("deleting from %s: %w", table, err)
		}
	}
	res, err := q.db.ExecContext(ctx, "DELETE FROM metadata WHERE "+where, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// PurgeMetadatas removes the metadata rows matching mq and returns their ids.
// Local file and tag rows are left in place.
func (q *Queries) PurgeMetadatas(ctx context.Context, mq fp.MetadataQuery) ([]string, error) {
	where, args := metadataWhere(mq)
	rows, err := q.db.QueryContext(ctx, "SELECT oc_id FROM metadata WHERE "+where+" ORDER BY oc_id", args...)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if _, err := q.db.ExecContext(ctx, "DELETE FROM metadata WHERE "+where, args...); err != nil {
		return nil, err
	}
	return ids, nil
}

// DropOrphans removes the local file and tag rows of every id in ocIDs that
// has no metadata row, and returns those ids.
func (q *Queries) DropOrphans(ctx context.Context, ocIDs []string) ([]string, error) {
	var dropped []string
	for _, id := range ocIDs {
		_, err := q.GetMetadata(ctx, id)
		if missing, err := notFound(err); err != nil {
			return nil, err
		} else if !missing {
			continue
		}
		for _, table := range []string{"local_files", "tags"} {
			if _, err := q.db.ExecContext(ctx, "DELETE FROM "+table+" WHERE oc_id = ?", id); err != nil {
				return nil, fmt.Errorf("deleting from %s: %w", table, err)
			}
		}
		dropped = append(dropped, id)
	}
	return dropped, nil
}

// UpdateMetadataSession applies the non-nil fields of u. It reports whether a
// row was changed.
func (q *Queries) UpdateMetadataSession(ctx context.Context, ocID string, u fp.SessionUpdate) (bool, error) {
	var sets []string
	var args []any
	if u.NewFileName != nil {
		sets = append(sets, "file_name = ?", "file_name_view = ?")
		args = append(args, *u.NewFileName, *u.NewFileName)
	}
	if u.Session != nil {
		sets = append(sets, "session = ?")
		args = append(args, *u.Session)
	}
	if u.SessionError != nil {
		sets = append(sets, "session_error = ?")
		args = append(args, *u.SessionError)
	}
	if u.SessionTaskIdentifier != nil {
		sets = append(sets, "session_task_identifier = ?")
		args = append(args, *u.SessionTaskIdentifier)
	}
	if u.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, int(*u.Status))
	}
	if u.Etag != nil {
		sets = append(sets, "etag = ?")
		args = append(args, *u.Etag)
	}
	if len(sets) == 0 {
		return true, nil
	}

	query := "UPDATE metadata SET " + strings.Join(sets, ", ") + " WHERE oc_id = ?"
	args = append(args, ocID)
	if u.IfStatus != nil {
		query += " AND status = ?"
		args = append(args, int(*u.IfStatus))
	}
	res, err := q.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (q *Queries) SetMetadataLocation(ctx context.Context, ocID, serverURL, fileName string) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE metadata SET server_url = ?, file_name = ?, file_name_view = ?,
			status = ?, session = '', session_error = '', session_task_identifier = 0
		WHERE oc_id = ?`,
		serverURL, fileName, fileName, int(fp.StatusNormal), ocID)
	return err
}

func (q *Queries) SetMetadataServerURL(ctx context.Context, ocID, serverURL string) error {
	_, err := q.db.ExecContext(ctx, "UPDATE metadata SET server_url = ? WHERE oc_id = ?", serverURL, ocID)
	return err
}

func (q *Queries) SetMetadataFavorite(ctx context.Context, ocID string, favorite bool) error {
	_, err := q.db.ExecContext(ctx, "UPDATE metadata SET favorite = ? WHERE oc_id = ?", favorite, ocID)
	return err
}

// Local files

const localFileColumns = "oc_id, account, etag, file_name, size, date"

func (q *Queries) UpsertLocalFile(ctx context.Context, lf fp.LocalFile) error {
	_, err := q.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO local_files ("+localFileColumns+") VALUES (?, ?, ?, ?, ?, ?)",
		lf.OcID, lf.Account, lf.Etag, lf.FileName, lf.Size, toUnix(lf.Date))
	return err
}

func (q *Queries) GetLocalFile(ctx context.Context, ocID string) (fp.LocalFile, error) {
	var lf fp.LocalFile
	var date int64
	err := q.db.QueryRowContext(ctx, "SELECT "+localFileColumns+" FROM local_files WHERE oc_id = ?", ocID).
		Scan(&lf.OcID, &lf.Account, &lf.Etag, &lf.FileName, &lf.Size, &date)
	lf.Date = fromUnix(date)
	return lf, err
}

func (q *Queries) DeleteLocalFile(ctx context.Context, ocID string) error {
	_, err := q.db.ExecContext(ctx, "DELETE FROM local_files WHERE oc_id = ?", ocID)
	return err
}

func (q *Queries) SetLocalFileName(ctx context.Context, ocID, fileName string) error {
	_, err := q.db.ExecContext(ctx, "UPDATE local_files SET file_name = ? WHERE oc_id = ?", fileName, ocID)
	return err
}

// Tags

func (q *Queries) UpsertTag(ctx context.Context, t fp.Tag) error {
	_, err := q.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO tags (oc_id, account, tag_data) VALUES (?, ?, ?)",
		t.OcID, t.Account, t.TagData)
	return err
}

func (q *Queries) GetTag(ctx context.Context, ocID string) (fp.Tag, error) {
	var t fp.Tag
	err := q.db.QueryRowContext(ctx, "SELECT oc_id, account, tag_data FROM tags WHERE oc_id = ?", ocID).
		Scan(&t.OcID, &t.Account, &t.TagData)
	return t, err
}

func (q *Queries) ListTags(ctx context.Context, account string) ([]fp.Tag, error) {
	rows, err := q.db.QueryContext(ctx, "SELECT oc_id, account, tag_data FROM tags WHERE account = ? ORDER BY oc_id", account)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []fp.Tag
	for rows.Next() {
		var t fp.Tag
		if err := rows.Scan(&t.OcID, &t.Account, &t.TagData); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (q *Queries) DeleteTag(ctx context.Context, ocID string) error {
	_, err := q.db.ExecContext(ctx, "DELETE FROM tags WHERE oc_id = ?", ocID)
	return err
}

// notFound converts sql.ErrNoRows into (false, nil).
func notFound(err error) (bool, error) {
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	return false, err
}
