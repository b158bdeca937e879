package fp_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fpsync/internal/fp"
	"fpsync/internal/remote"
	"fpsync/internal/testutil"
)

func TestCreateDirectory(t *testing.T) {
	ctx := context.Background()
	h := testutil.NewProviderHarness(t, fp.Options{})
	h.EnumerateAll(t, fp.RootContainerIdentifier)

	docs, err := h.Provider.CreateDirectory(ctx, fp.RootContainerIdentifier, "Docs")
	require.NoError(t, err)
	assert.True(t, docs.IsDirectory)
	assert.Equal(t, fp.RootContainerIdentifier, docs.ParentIdentifier)
	assert.True(t, h.Remote.Exists(h.Path("Docs")))

	dir, err := h.Store.GetDirectoryByServerURL(ctx, testutil.TestAccount.Account, h.Path("Docs"))
	require.NoError(t, err)
	require.NotNil(t, dir)
	assert.Equal(t, docs.Identifier, dir.OcID)

	sub, err := h.Provider.CreateDirectory(ctx, docs.Identifier, "Sub")
	require.NoError(t, err)
	assert.Equal(t, docs.Identifier, sub.ParentIdentifier)
	assert.True(t, h.Remote.Exists(h.Path("Docs/Sub")))

	_, err = h.Provider.CreateDirectory(ctx, fp.RootContainerIdentifier, "Docs")
	assert.ErrorIs(t, err, fp.ErrFilenameCollision)

	cs := h.Provider.Hub().Drain(fp.ViewFolder)
	assert.ElementsMatch(t, []string{docs.Identifier, sub.Identifier}, updatedIDs(cs))
}

func TestCreateDirectory_RemoteCollision(t *testing.T) {
	h := testutil.NewProviderHarness(t, fp.Options{})
	h.EnumerateAll(t, fp.RootContainerIdentifier)
	h.Remote.AddFolder(h.Path("Docs"))

	_, err := h.Provider.CreateDirectory(context.Background(), fp.RootContainerIdentifier, "Docs")
	assert.ErrorIs(t, err, fp.ErrFilenameCollision)
}

func TestDeleteItem_Directory(t *testing.T) {
	ctx := context.Background()
	h := testutil.NewProviderHarness(t, fp.Options{})
	docsID := h.Remote.AddFolder(h.Path("Docs"))
	fileID := h.Remote.AddFile(h.Path("Docs/x.txt"), []byte("x"))
	h.EnumerateAll(t, fp.RootContainerIdentifier)
	h.EnumerateAll(t, docsID)

	tr, err := h.Provider.StartProvidingItem(ctx, fileID)
	require.NoError(t, err)
	_, err = wait(t, tr)
	require.NoError(t, err)

	require.NoError(t, h.Provider.DeleteItem(ctx, docsID))

	assert.False(t, h.Remote.Exists(h.Path("Docs")))
	for _, id := range []string{docsID, fileID} {
		m, err := h.Store.GetMetadata(ctx, id)
		require.NoError(t, err)
		assert.Nil(t, m, "row %s survived delete", id)
	}
	dir, err := h.Store.GetDirectoryByServerURL(ctx, testutil.TestAccount.Account, h.Path("Docs"))
	require.NoError(t, err)
	assert.Nil(t, dir)
	assert.False(t, h.Cache(t).Exists(fileID, "x.txt"))

	h.Provider.Hub().Drain(fp.ViewFolder)
	cs := h.Provider.Hub().Drain(fp.ViewWorkingSet)
	assert.Contains(t, cs.Deleted, docsID)
}

func TestDeleteItem_RemoteAlreadyGone(t *testing.T) {
	ctx := context.Background()
	h := testutil.NewProviderHarness(t, fp.Options{})
	id := h.Remote.AddFile(h.Path("a.txt"), nil)
	h.EnumerateAll(t, fp.RootContainerIdentifier)
	require.NoError(t, h.Remote.Delete(ctx, testutil.TestAccount, h.Path("a.txt")))

	require.NoError(t, h.Provider.DeleteItem(ctx, id))

	m, err := h.Store.GetMetadata(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestDeleteItem_RemoteFailureKeepsRow(t *testing.T) {
	ctx := context.Background()
	h := testutil.NewProviderHarness(t, fp.Options{})
	id := h.Remote.AddFile(h.Path("a.txt"), nil)
	h.EnumerateAll(t, fp.RootContainerIdentifier)
	h.Remote.FailNext(remote.OpDelete, 503)

	err := h.Provider.DeleteItem(ctx, id)
	assert.ErrorIs(t, err, fp.ErrServerUnreachable)

	m, err := h.Store.GetMetadata(ctx, id)
	require.NoError(t, err)
	assert.NotNil(t, m)
}

func TestRenameAndMoveItem(t *testing.T) {
	ctx := context.Background()
	h := testutil.NewProviderHarness(t, fp.Options{})
	id := h.Remote.AddFile(h.Path("a.txt"), []byte("a"))
	boxID := h.Remote.AddFolder(h.Path("Box"))
	h.Remote.AddFile(h.Path("Box/taken.txt"), nil)
	h.EnumerateAll(t, fp.RootContainerIdentifier)
	h.EnumerateAll(t, boxID)

	tr, err := h.Provider.StartProvidingItem(ctx, id)
	require.NoError(t, err)
	_, err = wait(t, tr)
	require.NoError(t, err)

	renamed, err := h.Provider.RenameItem(ctx, id, "b.txt")
	require.NoError(t, err)
	assert.Equal(t, "b.txt", renamed.Filename)
	assert.Equal(t, fp.RootContainerIdentifier, renamed.ParentIdentifier)
	assert.True(t, h.Remote.Exists(h.Path("b.txt")))
	assert.True(t, h.Cache(t).Exists(id, "b.txt"), "cached bytes follow the rename")

	moved, err := h.Provider.MoveItem(ctx, id, boxID, "")
	require.NoError(t, err)
	assert.Equal(t, boxID, moved.ParentIdentifier)
	assert.Equal(t, "b.txt", moved.Filename)
	assert.True(t, h.Remote.Exists(h.Path("Box/b.txt")))
	assert.False(t, h.Remote.Exists(h.Path("b.txt")))

	m, err := h.Store.GetMetadata(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, h.Path("Box"), m.ServerURL)

	_, err = h.Provider.MoveItem(ctx, id, boxID, "taken.txt")
	assert.ErrorIs(t, err, fp.ErrFilenameCollision)

	_, err = h.Provider.MoveItem(ctx, boxID, boxID, "")
	assert.ErrorIs(t, err, fp.ErrBadRequest)
}

func TestMoveItem_DirectoryTree(t *testing.T) {
	ctx := context.Background()
	h := testutil.NewProviderHarness(t, fp.Options{})
	srcID := h.Remote.AddFolder(h.Path("Src"))
	fileID := h.Remote.AddFile(h.Path("Src/x.txt"), nil)
	dstID := h.Remote.AddFolder(h.Path("Dst"))
	h.EnumerateAll(t, fp.RootContainerIdentifier)
	h.EnumerateAll(t, srcID)
	h.EnumerateAll(t, dstID)

	moved, err := h.Provider.MoveItem(ctx, srcID, dstID, "")
	require.NoError(t, err)
	assert.Equal(t, dstID, moved.ParentIdentifier)

	child, err := h.Store.GetMetadata(ctx, fileID)
	require.NoError(t, err)
	assert.Equal(t, h.Path("Dst/Src"), child.ServerURL)

	item, err := h.Provider.Item(ctx, fileID)
	require.NoError(t, err)
	assert.Equal(t, srcID, item.ParentIdentifier)
}

func TestSetFavoriteRank(t *testing.T) {
	ctx := context.Background()
	h := testutil.NewProviderHarness(t, fp.Options{})
	id := h.Remote.AddFile(h.Path("a.txt"), nil)
	h.EnumerateAll(t, fp.RootContainerIdentifier)

	rank := int64(5)
	item, err := h.Provider.SetFavoriteRank(ctx, id, &rank)
	require.NoError(t, err)
	require.NotNil(t, item.FavoriteRank)
	assert.Equal(t, int64(5), *item.FavoriteRank)
	assert.True(t, h.Remote.IsFavorite(h.Path("a.txt")))

	m, err := h.Store.GetMetadata(ctx, id)
	require.NoError(t, err)
	assert.True(t, m.Favorite)

	deletes, updates := h.Provider.Hub().Pending(fp.ViewFolder)
	assert.Zero(t, deletes+updates, "favorite changes only touch the working set")
	_, updates = h.Provider.Hub().Pending(fp.ViewWorkingSet)
	assert.Equal(t, 1, updates)

	item, err = h.Provider.SetFavoriteRank(ctx, id, nil)
	require.NoError(t, err)
	assert.Nil(t, item.FavoriteRank)
	assert.False(t, h.Remote.IsFavorite(h.Path("a.txt")))
}

func TestSetFavoriteRank_RemoteFailure(t *testing.T) {
	ctx := context.Background()
	h := testutil.NewProviderHarness(t, fp.Options{})
	id := h.Remote.AddFile(h.Path("a.txt"), nil)
	h.EnumerateAll(t, fp.RootContainerIdentifier)
	h.Remote.FailNext(remote.OpFavorite, 500)

	rank := int64(1)
	_, err := h.Provider.SetFavoriteRank(ctx, id, &rank)
	assert.ErrorIs(t, err, fp.ErrServerUnreachable)

	m, err := h.Store.GetMetadata(ctx, id)
	require.NoError(t, err)
	assert.False(t, m.Favorite)
}

func TestSetTagData(t *testing.T) {
	ctx := context.Background()
	h := testutil.NewProviderHarness(t, fp.Options{})
	id := h.Remote.AddFile(h.Path("a.txt"), nil)
	h.EnumerateAll(t, fp.RootContainerIdentifier)

	item, err := h.Provider.SetTagData(ctx, id, []byte("red"))
	require.NoError(t, err)
	assert.Equal(t, []byte("red"), item.TagData)

	item, err = h.Provider.SetTagData(ctx, id, nil)
	require.NoError(t, err)
	assert.Empty(t, item.TagData)

	_, err = h.Provider.SetTagData(ctx, "missing", []byte("x"))
	assert.ErrorIs(t, err, fp.ErrNotFound)
}

func TestWarmUp(t *testing.T) {
	ctx := context.Background()
	h := testutil.NewProviderHarness(t, fp.Options{})
	aID := h.Remote.AddFile(h.Path("a.txt"), nil)
	h.Remote.AddFile(h.Path("b.txt"), nil)

	n, err := h.Provider.WarmUp(ctx, fp.RootContainerIdentifier)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	dir, err := h.Store.GetDirectoryByServerURL(ctx, testutil.TestAccount.Account, h.Home())
	require.NoError(t, err)
	assert.NotNil(t, dir)

	item, err := h.Provider.Item(ctx, aID)
	require.NoError(t, err)
	assert.Equal(t, fp.RootContainerIdentifier, item.ParentIdentifier)

	h.Remote.AddFile(h.Path("c.txt"), nil)
	n, err = h.Provider.WarmUp(ctx, fp.RootContainerIdentifier)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "existing rows are not re-inserted")
}
