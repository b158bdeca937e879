package fp

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Transfer is a single-use completion handle for one download or upload. It
// is fulfilled exactly once.
type Transfer struct {
	ID   string
	OcID string
	Kind string // SessionDownload or SessionUpload

	done chan struct{}
	item *Item
	err  error
}

// Done is closed when the transfer has finished.
func (t *Transfer) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the transfer finishes or ctx is done.
func (t *Transfer) Wait(ctx context.Context) (*Item, error) {
	select {
	case <-t.done:
		return t.item, t.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// completedTransfer returns a transfer that is already fulfilled.
func completedTransfer(kind, ocID string, item *Item, err error) *Transfer {
	t := &Transfer{OcID: ocID, Kind: kind, done: make(chan struct{}), item: item, err: err}
	close(t.done)
	return t
}

// TransferCoordinator tracks in-flight transfers by a locally generated
// transfer id and bounds how many run at once.
type TransferCoordinator struct {
	sem    *semaphore.Weighted
	idgen  IDGenerator
	logger Logger

	mu      sync.Mutex
	pending map[string]*Transfer
}

// NewTransferCoordinator creates a coordinator allowing maxConcurrent
// transfers.
func NewTransferCoordinator(maxConcurrent int, idgen IDGenerator, logger Logger) *TransferCoordinator {
	return &TransferCoordinator{
		sem:     semaphore.NewWeighted(int64(maxConcurrent)),
		idgen:   idgen,
		logger:  logger,
		pending: make(map[string]*Transfer),
	}
}

// register creates and tracks a pending transfer.
func (c *TransferCoordinator) register(kind, ocID string) *Transfer {
	t := &Transfer{
		ID:   c.idgen.New(),
		OcID: ocID,
		Kind: kind,
		done: make(chan struct{}),
	}
	c.mu.Lock()
	c.pending[t.ID] = t
	c.mu.Unlock()
	c.logger.Debug("transfer registered", "transfer_id", t.ID, "kind", kind, "oc_id", ocID)
	return t
}

// fulfill resolves and forgets the transfer with id. It reports false when
// the transfer was already fulfilled.
func (c *TransferCoordinator) fulfill(id string, item *Item, err error) bool {
	c.mu.Lock()
	t, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		c.logger.Warn("transfer already fulfilled", "transfer_id", id)
		return false
	}
	t.item, t.err = item, err
	close(t.done)
	c.logger.Debug("transfer fulfilled", "transfer_id", id, "kind", t.Kind, "oc_id", t.OcID, "error", err)
	return true
}

// Get returns the pending transfer with id, or nil.
func (c *TransferCoordinator) Get(id string) *Transfer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending[id]
}

// ForItem returns a pending transfer of kind for ocID, or nil.
func (c *TransferCoordinator) ForItem(kind, ocID string) *Transfer {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.pending {
		if t.Kind == kind && t.OcID == ocID {
			return t
		}
	}
	return nil
}

// Pending returns the number of unfulfilled transfers.
func (c *TransferCoordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *TransferCoordinator) acquire(ctx context.Context) error {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("waiting for transfer slot: %w", err)
	}
	return nil
}

func (c *TransferCoordinator) release() {
	c.sem.Release(1)
}
