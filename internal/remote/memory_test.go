package remote

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fpsync/internal/fp"
)

var testAccount = fp.Account{
	Account: fp.AccountKey("alice", "https://cloud.example.com"),
	URLBase: "https://cloud.example.com",
	User:    "alice",
	UserID:  "alice",
}

func home() string { return testAccount.HomeServerURL() }

func remoteCode(t *testing.T, err error) int {
	t.Helper()
	var re *fp.RemoteError
	require.True(t, errors.As(err, &re), "expected RemoteError, got %v", err)
	return re.Code
}

func waitOutcome(t *testing.T, ch <-chan fp.TransferOutcome) fp.TransferOutcome {
	t.Helper()
	select {
	case out := <-ch:
		return out
	case <-time.After(5 * time.Second):
		t.Fatal("transfer did not complete")
		return fp.TransferOutcome{}
	}
}

func TestMemoryRemote_ReadFileOrFolder(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRemote(nil)
	for _, name := range []string{"a.txt", "b.txt", "c.txt", "d.txt", "e.txt"} {
		r.AddFile(home()+"/"+name, []byte(name))
	}

	t.Run("first page starts with the folder itself", func(t *testing.T) {
		res, err := r.ReadFileOrFolder(ctx, testAccount, home(), fp.DepthOne, fp.ListOptions{Paginate: true, Offset: 0, Count: 3})
		require.NoError(t, err)
		require.Len(t, res.Files, 3)
		assert.Equal(t, home(), res.Files[0].Path())
		assert.Equal(t, "a.txt", res.Files[1].FileName)
		assert.Equal(t, "b.txt", res.Files[2].FileName)
		assert.Equal(t, "true", res.Header[fp.HeaderPaginate])
		assert.Equal(t, "5", res.Header[fp.HeaderPaginateTotal])
		assert.NotEmpty(t, res.Header[fp.HeaderPaginateToken])
	})

	t.Run("offset skips the folder entry and earlier children", func(t *testing.T) {
		res, err := r.ReadFileOrFolder(ctx, testAccount, home(), fp.DepthOne, fp.ListOptions{Paginate: true, Offset: 3, Count: 3})
		require.NoError(t, err)
		require.Len(t, res.Files, 3)
		assert.Equal(t, "c.txt", res.Files[0].FileName)
		assert.Equal(t, "e.txt", res.Files[2].FileName)
	})

	t.Run("unpaginated listing has no header", func(t *testing.T) {
		res, err := r.ReadFileOrFolder(ctx, testAccount, home(), fp.DepthOne, fp.ListOptions{})
		require.NoError(t, err)
		assert.Len(t, res.Files, 6)
		assert.Empty(t, res.Header)
	})

	t.Run("depth zero returns only the entry", func(t *testing.T) {
		res, err := r.ReadFileOrFolder(ctx, testAccount, home(), fp.DepthZero, fp.ListOptions{})
		require.NoError(t, err)
		require.Len(t, res.Files, 1)
		assert.True(t, res.Files[0].Directory)
	})

	t.Run("missing folder", func(t *testing.T) {
		_, err := r.ReadFileOrFolder(ctx, testAccount, home()+"/nope", fp.DepthOne, fp.ListOptions{})
		require.Error(t, err)
		assert.Equal(t, 404, remoteCode(t, err))
	})

	t.Run("injected failure", func(t *testing.T) {
		r.FailNext(OpList, 503)
		_, err := r.ReadFileOrFolder(ctx, testAccount, home(), fp.DepthOne, fp.ListOptions{})
		require.Error(t, err)
		assert.Equal(t, 503, remoteCode(t, err))

		_, err = r.ReadFileOrFolder(ctx, testAccount, home(), fp.DepthOne, fp.ListOptions{})
		assert.NoError(t, err)
	})
}

func TestMemoryRemote_EntryFlags(t *testing.T) {
	r := NewMemoryRemote(nil)
	r.AddFile(home()+"/secret.bin", nil, WithE2EEncrypted())
	r.AddFile(home()+"/IMG_1.MOV", nil, WithContentType("video/quicktime"), WithLivePhoto("IMG_1.HEIC"))
	r.AddFolder(home()+"/Photos", WithFavorite())

	res, err := r.ReadFileOrFolder(context.Background(), testAccount, home(), fp.DepthOne, fp.ListOptions{})
	require.NoError(t, err)
	byName := map[string]fp.RemoteFile{}
	for _, f := range res.Files {
		byName[f.FileName] = f
	}
	assert.True(t, byName["secret.bin"].E2EEncrypted)
	assert.Equal(t, "IMG_1.HEIC", byName["IMG_1.MOV"].LivePhotoFile)
	assert.True(t, byName["Photos"].Favorite)
	assert.True(t, byName["Photos"].Directory)
}

func TestMemoryRemote_CreateFolder(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRemote(nil)

	f, err := r.CreateFolder(ctx, testAccount, home()+"/Docs")
	require.NoError(t, err)
	assert.True(t, f.Directory)
	assert.NotEmpty(t, f.OcID)
	assert.Equal(t, home(), f.ServerURL)

	_, err = r.CreateFolder(ctx, testAccount, home()+"/Docs")
	assert.Equal(t, 405, remoteCode(t, err))

	_, err = r.CreateFolder(ctx, testAccount, home()+"/missing/child")
	assert.Equal(t, 409, remoteCode(t, err))
}

func TestMemoryRemote_MoveAndDelete(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRemote(nil)
	dirID := r.AddFolder(home() + "/A")
	fileID := r.AddFile(home()+"/A/x.txt", []byte("x"))
	r.AddFolder(home() + "/B")

	require.NoError(t, r.Move(ctx, testAccount, home()+"/A", home()+"/B/A2", false))
	assert.False(t, r.Exists(home()+"/A"))
	assert.False(t, r.Exists(home()+"/A/x.txt"))

	res, err := r.ReadFileOrFolder(ctx, testAccount, home()+"/B/A2", fp.DepthOne, fp.ListOptions{})
	require.NoError(t, err)
	require.Len(t, res.Files, 2)
	assert.Equal(t, dirID, res.Files[0].OcID)
	assert.Equal(t, fileID, res.Files[1].OcID)

	r.AddFile(home()+"/y.txt", []byte("y"))
	err = r.Move(ctx, testAccount, home()+"/y.txt", home()+"/B/A2/x.txt", false)
	assert.Equal(t, 412, remoteCode(t, err))

	err = r.Move(ctx, testAccount, home()+"/nope", home()+"/z", false)
	assert.Equal(t, 404, remoteCode(t, err))

	require.NoError(t, r.Delete(ctx, testAccount, home()+"/B"))
	assert.False(t, r.Exists(home()+"/B/A2/x.txt"))

	err = r.Delete(ctx, testAccount, home()+"/B")
	assert.Equal(t, 404, remoteCode(t, err))
}

func TestMemoryRemote_SetFavorite(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRemote(nil)
	r.AddFile(home()+"/a.txt", []byte("a"))

	require.NoError(t, r.SetFavorite(ctx, testAccount, home()+"/a.txt", true))
	assert.True(t, r.IsFavorite(home()+"/a.txt"))

	err := r.SetFavorite(ctx, testAccount, home()+"/b.txt", true)
	assert.Equal(t, 404, remoteCode(t, err))
}

func TestMemoryRemote_Download(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRemote(nil)
	ocID := r.AddFile(home()+"/a.txt", []byte("hello"))
	dst := filepath.Join(t.TempDir(), ocID, "a.txt")

	done := make(chan fp.TransferOutcome, 1)
	task, err := r.StartDownload(ctx, testAccount, home()+"/a.txt", dst, func(out fp.TransferOutcome) { done <- out })
	require.NoError(t, err)
	assert.NotZero(t, task.Identifier())

	out := waitOutcome(t, done)
	require.NoError(t, out.Err)
	assert.Equal(t, ocID, out.OcID)
	assert.NotEmpty(t, out.Etag)

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	done2 := make(chan fp.TransferOutcome, 1)
	_, err = r.StartDownload(ctx, testAccount, home()+"/gone.txt", dst, func(out fp.TransferOutcome) { done2 <- out })
	require.NoError(t, err)
	out = waitOutcome(t, done2)
	assert.Equal(t, 404, remoteCode(t, out.Err))
}

func TestMemoryRemote_Upload(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRemote(nil)
	src := filepath.Join(t.TempDir(), "new.txt")
	require.NoError(t, os.WriteFile(src, []byte("v1"), 0644))

	upload := func() fp.TransferOutcome {
		done := make(chan fp.TransferOutcome, 1)
		_, err := r.StartUpload(ctx, testAccount, src, home()+"/new.txt", func(out fp.TransferOutcome) { done <- out })
		require.NoError(t, err)
		return waitOutcome(t, done)
	}

	first := upload()
	require.NoError(t, first.Err)
	assert.NotEmpty(t, first.OcID)
	assert.Equal(t, int64(2), first.Size)

	require.NoError(t, os.WriteFile(src, []byte("v2!"), 0644))
	second := upload()
	require.NoError(t, second.Err)
	assert.Equal(t, first.OcID, second.OcID, "replacing a file keeps its id")
	assert.NotEqual(t, first.Etag, second.Etag)

	content, ok := r.Content(home() + "/new.txt")
	require.True(t, ok)
	assert.Equal(t, "v2!", string(content))

	r.FailNext(OpUpload, 507)
	failed := upload()
	assert.Equal(t, 507, remoteCode(t, failed.Err))
}

func TestMemoryRemote_CancelHeldTransfer(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRemote(nil)
	r.AddFile(home()+"/a.txt", []byte("hello"))
	r.HoldTransfers()

	done := make(chan fp.TransferOutcome, 1)
	task, err := r.StartDownload(ctx, testAccount, home()+"/a.txt", filepath.Join(t.TempDir(), "a.txt"), func(out fp.TransferOutcome) { done <- out })
	require.NoError(t, err)

	tasks := r.Tasks(ctx, testAccount)
	require.Len(t, tasks, 1)
	assert.Equal(t, task.Identifier(), tasks[0].Identifier())

	task.Cancel()
	out := waitOutcome(t, done)
	assert.ErrorIs(t, out.Err, context.Canceled)

	r.Wait()
	assert.Empty(t, r.Tasks(ctx, testAccount))
}
