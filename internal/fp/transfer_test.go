package fp

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) New() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return "t" + strconv.Itoa(s.n)
}

func TestTransferCoordinator_FulfillOnce(t *testing.T) {
	c := NewTransferCoordinator(1, &seqIDs{}, NewNopLogger())
	tr := c.register(SessionDownload, "oc1")

	assert.Same(t, tr, c.Get(tr.ID))
	assert.Same(t, tr, c.ForItem(SessionDownload, "oc1"))
	assert.Nil(t, c.ForItem(SessionUpload, "oc1"))
	assert.Equal(t, 1, c.Pending())

	item := &Item{Identifier: "oc1"}
	assert.True(t, c.fulfill(tr.ID, item, nil))
	assert.False(t, c.fulfill(tr.ID, nil, errors.New("late")))

	got, err := tr.Wait(context.Background())
	require.NoError(t, err)
	assert.Same(t, item, got)
	assert.Zero(t, c.Pending())
	assert.Nil(t, c.Get(tr.ID))
}

func TestTransfer_WaitHonorsContext(t *testing.T) {
	c := NewTransferCoordinator(1, &seqIDs{}, NewNopLogger())
	tr := c.register(SessionUpload, "oc1")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := tr.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	select {
	case <-tr.Done():
		t.Fatal("transfer finished without being fulfilled")
	default:
	}
}

func TestTransferCoordinator_BoundsConcurrency(t *testing.T) {
	c := NewTransferCoordinator(1, &seqIDs{}, NewNopLogger())
	require.NoError(t, c.acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.acquire(ctx), context.DeadlineExceeded)

	c.release()
	assert.NoError(t, c.acquire(context.Background()))
	c.release()
}

func TestCompletedTransfer(t *testing.T) {
	tr := completedTransfer(SessionDownload, "dir", nil, nil)
	item, err := tr.Wait(context.Background())
	assert.NoError(t, err)
	assert.Nil(t, item)
}
