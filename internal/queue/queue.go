// Package queue implements the persistent sync queue: a crash-safe
// FIFO-by-score of outpoint events with a claim/complete status machine and
// grouped claim by transaction. Two conforming backends are provided, an
// embedded SQL store and an embedded key-value store.
package queue

import (
	"context"

	"github.com/ordware/satsync/internal/models"
)

// Queue is the sync queue contract. Each operation is serializable with
// respect to the rows it touches. The orchestrator is the single writer;
// the read-only peek methods (GetStats, GetByStatus, GetByTxid) may be
// called concurrently from host code.
type Queue interface {
	// Enqueue upserts events: a row whose id already exists keeps its
	// attempts and createdAt; a row already done is skipped.
	Enqueue(ctx context.Context, items []models.SyncOutput) error

	// Claim selects up to count pending seed rows, expands each seed to all
	// pending rows of its transaction, atomically marks them processing
	// (incrementing attempts), and returns them grouped by txid.
	Claim(ctx context.Context, count int) (map[string][]models.QueueItem, error)

	// Complete marks one item done. Idempotent.
	Complete(ctx context.Context, id string) error

	// CompleteMany marks several items done. Idempotent.
	CompleteMany(ctx context.Context, ids []string) error

	// Fail marks one item failed and records the reason. Failed items do
	// not block progress; they return to pending only if the upstream
	// stream re-delivers the same id.
	Fail(ctx context.Context, id string, reason string) error

	// GetByTxid returns every row whose outpoint belongs to txid.
	GetByTxid(ctx context.Context, txid string) ([]models.QueueItem, error)

	// GetByStatus returns up to limit rows in the given status.
	GetByStatus(ctx context.Context, status models.QueueStatus, limit int) ([]models.QueueItem, error)

	// GetStats counts items per status, distinct by txid.
	GetStats(ctx context.Context) (models.QueueStats, error)

	// GetState loads the persisted sync state.
	GetState(ctx context.Context) (models.SyncState, error)

	// SetState applies a partial update to the sync state.
	SetState(ctx context.Context, patch models.SyncStatePatch) error

	// ResetProcessing flips every processing row back to pending, returning
	// the number of rows recovered. Run on every fresh start.
	ResetProcessing(ctx context.Context) (int, error)

	// Clear deletes all queue rows and the sync state; the next sync
	// restarts from score zero.
	Clear(ctx context.Context) error

	Close() error
}

// TxidOf extracts the transaction id from a queue item id or outpoint
// string (the first 64 characters).
func TxidOf(outpoint string) string {
	if len(outpoint) < 64 {
		return outpoint
	}
	return outpoint[:64]
}
