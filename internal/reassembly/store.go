package reassembly

import (
	"context"
	"errors"
	"time"

	"Blockwise/internal/transfer"
)

// ErrTransferTooLarge is returned when a transfer grows past the configured cap.
// The offending transfer is dropped.
var ErrTransferTooLarge = errors.New("transfer too large")

// Store accumulates block payloads per transfer identity.
// Implementations must make the append-then-maybe-remove sequence for one
// identity atomic with respect to concurrent callers.
type Store interface {
	// Append adds payload to the transfer identified by id, creating it if needed.
	// When final is true the transfer is removed and its full body returned.
	// Otherwise the returned body is nil.
	Append(ctx context.Context, id transfer.Identity, payload []byte, final bool) ([]byte, error)

	// EvictStale drops transfers whose last activity is strictly before now-olderThan.
	// Stores that expire entries themselves may return 0 when olderThan is at
	// least their own expiry.
	EvictStale(ctx context.Context, olderThan time.Duration) (int, error)

	// Stats reports the current in-progress totals.
	Stats(ctx context.Context) (StoreStats, error)
}

// StoreStats summarizes in-progress transfers.
type StoreStats struct {
	InProgress int   `json:"inProgress"` // InProgress is the number of open transfers
	Bytes      int64 `json:"bytes"`      // Bytes is the total accumulated payload
}

// TransferInfo describes one in-progress transfer.
type TransferInfo struct {
	ID           transfer.Identity // ID is the transfer identity
	Size         int               // Size is the number of accumulated bytes
	Blocks       int               // Blocks is the number of appended blocks
	Created      time.Time         // Created is when the first block arrived
	LastActivity time.Time         // LastActivity is when the latest block arrived
}

// TransferLister is implemented by stores that can enumerate open transfers.
type TransferLister interface {
	Transfers() []TransferInfo
}
