package queue

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/cockroachdb/pebble/v2"

	"github.com/ordware/satsync/internal/models"
)

// Key layout:
//
//	item:<id>                              -> JSON queueRow
//	status:<status>:<score-key>:<id>       -> empty (ordering index)
//	outpoint:<outpoint>:<id>               -> empty (txid-prefix index)
//	state:syncState                        -> JSON SyncState
const (
	prefixItem     = "item:"
	prefixStatus   = "status:"
	prefixOutpoint = "outpoint:"
	keyState       = "state:" + stateKey
)

// queueRow is the stored JSON form of a queue item.
type queueRow struct {
	ID        string             `json:"id"`
	Outpoint  string             `json:"outpoint"`
	Score     float64            `json:"score"`
	SpendTxid string             `json:"spendTxid,omitempty"`
	Status    models.QueueStatus `json:"status"`
	Attempts  int                `json:"attempts"`
	LastError string             `json:"lastError,omitempty"`
	CreatedAt time.Time          `json:"createdAt"`
	UpdatedAt time.Time          `json:"updatedAt"`
}

// PebbleQueue is the embedded key-value queue backend for restricted client
// runtimes.
type PebbleQueue struct {
	db   *pebble.DB
	path string

	// The orchestrator is the single writer; the mutex serializes its
	// read-modify-write cycles against host-side peeks.
	mu sync.Mutex
}

// NewPebble opens (or creates) a pebble-backed queue at the given directory.
func NewPebble(path string) (*PebbleQueue, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble queue %q: %w", path, err)
	}
	slog.Info("pebble queue opened", "path", path)
	return &PebbleQueue{db: db, path: path}, nil
}

// scoreKey encodes a float64 so lexicographic byte order matches numeric
// order (sign-flip trick).
func scoreKey(score float64) string {
	bits := math.Float64bits(score)
	if score >= 0 {
		bits |= 1 << 63
	} else {
		bits = ^bits
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], bits)
	return hex.EncodeToString(buf[:])
}

func itemKey(id string) []byte { return []byte(prefixItem + id) }

func statusKey(status models.QueueStatus, score float64, id string) []byte {
	return []byte(prefixStatus + string(status) + ":" + scoreKey(score) + ":" + id)
}

func outpointKey(outpoint, id string) []byte {
	return []byte(prefixOutpoint + outpoint + ":" + id)
}

func (q *PebbleQueue) getRow(id string) (*queueRow, error) {
	data, closer, err := q.db.Get(itemKey(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get queue item %s: %w", id, err)
	}
	defer closer.Close()

	var row queueRow
	if err := json.Unmarshal(data, &row); err != nil {
		return nil, fmt.Errorf("decode queue item %s: %w", id, err)
	}
	return &row, nil
}

// setRow writes a row and maintains both indexes; prev may be nil.
func setRow(batch *pebble.Batch, row *queueRow, prev *queueRow) error {
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("encode queue item %s: %w", row.ID, err)
	}
	if prev != nil && prev.Status != row.Status {
		if err := batch.Delete(statusKey(prev.Status, prev.Score, prev.ID), pebble.NoSync); err != nil {
			return err
		}
	}
	if err := batch.Set(itemKey(row.ID), data, pebble.NoSync); err != nil {
		return err
	}
	if err := batch.Set(statusKey(row.Status, row.Score, row.ID), nil, pebble.NoSync); err != nil {
		return err
	}
	return batch.Set(outpointKey(row.Outpoint, row.ID), nil, pebble.NoSync)
}

// Enqueue upserts events; rows already done are left untouched.
func (q *PebbleQueue) Enqueue(ctx context.Context, items []models.SyncOutput) error {
	if len(items) == 0 {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	batch := q.db.NewBatch()
	defer batch.Close()

	now := time.Now().UTC()
	for _, item := range items {
		id := models.QueueItemID(item.Outpoint, item.Score)
		prev, err := q.getRow(id)
		if err != nil {
			return err
		}
		if prev != nil && prev.Status == models.QueueDone {
			continue
		}

		row := &queueRow{
			ID:        id,
			Outpoint:  item.Outpoint.String(),
			Score:     item.Score,
			SpendTxid: item.SpendTxid,
			Status:    models.QueuePending,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if prev != nil {
			row.Attempts = prev.Attempts
			row.CreatedAt = prev.CreatedAt
		}
		if err := setRow(batch, row, prev); err != nil {
			return err
		}
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("commit enqueue: %w", err)
	}
	slog.Debug("events enqueued", "count", len(items))
	return nil
}

// Claim walks the pending status index in key order for seeds, expands each
// seed's transaction, and marks the set processing in one batch.
func (q *PebbleQueue) Claim(ctx context.Context, count int) (map[string][]models.QueueItem, error) {
	if count < 1 {
		return map[string][]models.QueueItem{}, nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	txids := make(map[string]struct{})
	seeds := 0
	pendingPrefix := prefixStatus + string(models.QueuePending) + ":"
	if err := q.iterPrefix(pendingPrefix, func(key []byte) (bool, error) {
		// status:pending:<score-key>:<id>; the id's first 64 chars are the txid.
		id := string(key[len(pendingPrefix)+16+1:])
		txids[TxidOf(id)] = struct{}{}
		seeds++
		return seeds < count, nil
	}); err != nil {
		return nil, err
	}
	if len(txids) == 0 {
		return map[string][]models.QueueItem{}, nil
	}

	batch := q.db.NewBatch()
	defer batch.Close()

	now := time.Now().UTC()
	byTxid := make(map[string][]models.QueueItem, len(txids))
	for txid := range txids {
		rows, err := q.rowsByOutpointPrefix(txid)
		if err != nil {
			return nil, err
		}
		var items []models.QueueItem
		for _, row := range rows {
			if row.Status != models.QueuePending {
				continue
			}
			prev := *row
			row.Status = models.QueueProcessing
			row.Attempts++
			row.UpdatedAt = now
			if err := setRow(batch, row, &prev); err != nil {
				return nil, err
			}
			items = append(items, rowToItem(row))
		}
		if len(items) > 0 {
			byTxid[txid] = items
		}
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return byTxid, nil
}

// Complete marks one item done.
func (q *PebbleQueue) Complete(ctx context.Context, id string) error {
	return q.CompleteMany(ctx, []string{id})
}

// CompleteMany marks items done.
func (q *PebbleQueue) CompleteMany(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	batch := q.db.NewBatch()
	defer batch.Close()

	now := time.Now().UTC()
	for _, id := range ids {
		row, err := q.getRow(id)
		if err != nil {
			return err
		}
		if row == nil || row.Status == models.QueueDone {
			continue
		}
		prev := *row
		row.Status = models.QueueDone
		row.UpdatedAt = now
		if err := setRow(batch, row, &prev); err != nil {
			return err
		}
	}
	return batch.Commit(pebble.Sync)
}

// Fail marks one item failed with the given reason.
func (q *PebbleQueue) Fail(ctx context.Context, id string, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	row, err := q.getRow(id)
	if err != nil || row == nil {
		return err
	}
	prev := *row
	row.Status = models.QueueFailed
	row.LastError = reason
	row.UpdatedAt = time.Now().UTC()

	batch := q.db.NewBatch()
	defer batch.Close()
	if err := setRow(batch, row, &prev); err != nil {
		return err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("fail item %s: %w", id, err)
	}
	slog.Warn("queue item failed", "id", id, "reason", reason)
	return nil
}

// GetByTxid returns every row of one transaction.
func (q *PebbleQueue) GetByTxid(ctx context.Context, txid string) ([]models.QueueItem, error) {
	rows, err := q.rowsByOutpointPrefix(txid)
	if err != nil {
		return nil, err
	}
	items := make([]models.QueueItem, 0, len(rows))
	for _, row := range rows {
		items = append(items, rowToItem(row))
	}
	return items, nil
}

// GetByStatus returns up to limit rows in one status, in score order.
func (q *PebbleQueue) GetByStatus(ctx context.Context, status models.QueueStatus, limit int) ([]models.QueueItem, error) {
	var items []models.QueueItem
	prefix := prefixStatus + string(status) + ":"
	err := q.iterPrefix(prefix, func(key []byte) (bool, error) {
		id := string(key[len(prefix)+16+1:])
		row, err := q.getRow(id)
		if err != nil {
			return false, err
		}
		if row != nil {
			items = append(items, rowToItem(row))
		}
		return len(items) < limit, nil
	})
	return items, err
}

// GetStats counts per status, distinct by txid.
func (q *PebbleQueue) GetStats(ctx context.Context) (models.QueueStats, error) {
	var stats models.QueueStats
	counts := map[models.QueueStatus]map[string]struct{}{
		models.QueuePending:    {},
		models.QueueProcessing: {},
		models.QueueDone:       {},
		models.QueueFailed:     {},
	}

	err := q.iterPrefix(prefixItem, func(key []byte) (bool, error) {
		id := string(key[len(prefixItem):])
		row, err := q.getRow(id)
		if err != nil {
			return false, err
		}
		if row != nil {
			if set, ok := counts[row.Status]; ok {
				set[TxidOf(row.Outpoint)] = struct{}{}
			}
		}
		return true, nil
	})
	if err != nil {
		return stats, err
	}

	stats.Pending = len(counts[models.QueuePending])
	stats.Processing = len(counts[models.QueueProcessing])
	stats.Done = len(counts[models.QueueDone])
	stats.Failed = len(counts[models.QueueFailed])
	return stats, nil
}

// GetState loads the persisted sync state; a missing key is the zero state.
func (q *PebbleQueue) GetState(ctx context.Context) (models.SyncState, error) {
	var state models.SyncState
	data, closer, err := q.db.Get([]byte(keyState))
	if errors.Is(err, pebble.ErrNotFound) {
		return state, nil
	}
	if err != nil {
		return state, fmt.Errorf("get sync state: %w", err)
	}
	defer closer.Close()

	if err := json.Unmarshal(data, &state); err != nil {
		return state, fmt.Errorf("decode sync state: %w", err)
	}
	return state, nil
}

// SetState applies a partial state update.
func (q *PebbleQueue) SetState(ctx context.Context, patch models.SyncStatePatch) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	state, err := q.GetState(ctx)
	if err != nil {
		return err
	}
	if patch.LastQueuedScore != nil {
		state.LastQueuedScore = *patch.LastQueuedScore
	}
	if patch.LastSyncedAt != nil {
		state.LastSyncedAt = *patch.LastSyncedAt
	}

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode sync state: %w", err)
	}
	return q.db.Set([]byte(keyState), data, pebble.Sync)
}

// ResetProcessing flips every processing row back to pending.
func (q *PebbleQueue) ResetProcessing(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var ids []string
	prefix := prefixStatus + string(models.QueueProcessing) + ":"
	if err := q.iterPrefix(prefix, func(key []byte) (bool, error) {
		ids = append(ids, string(key[len(prefix)+16+1:]))
		return true, nil
	}); err != nil {
		return 0, err
	}

	batch := q.db.NewBatch()
	defer batch.Close()

	now := time.Now().UTC()
	for _, id := range ids {
		row, err := q.getRow(id)
		if err != nil {
			return 0, err
		}
		if row == nil {
			continue
		}
		prev := *row
		row.Status = models.QueuePending
		row.UpdatedAt = now
		if err := setRow(batch, row, &prev); err != nil {
			return 0, err
		}
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return 0, fmt.Errorf("reset processing: %w", err)
	}
	if len(ids) > 0 {
		slog.Info("recovered processing items", "count", len(ids))
	}
	return len(ids), nil
}

// Clear deletes all queue rows and the sync state.
func (q *PebbleQueue) Clear(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.db.DeleteRange([]byte(""), []byte("\xff"), pebble.Sync); err != nil {
		return fmt.Errorf("clear queue: %w", err)
	}
	slog.Info("queue cleared", "path", q.path)
	return nil
}

// Close closes the store.
func (q *PebbleQueue) Close() error {
	slog.Info("closing pebble queue", "path", q.path)
	return q.db.Close()
}

// iterPrefix visits keys with the given prefix in ascending order until fn
// returns false.
func (q *PebbleQueue) iterPrefix(prefix string, fn func(key []byte) (bool, error)) error {
	iter, err := q.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: append([]byte(prefix), 0xff),
	})
	if err != nil {
		return fmt.Errorf("open iterator: %w", err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		cont, err := fn(iter.Key())
		if err != nil {
			return err
		}
		if !cont {
			break
		}
	}
	return iter.Error()
}

// rowsByOutpointPrefix loads all rows whose outpoint starts with the prefix
// (a txid matches all of its outpoints).
func (q *PebbleQueue) rowsByOutpointPrefix(prefix string) ([]*queueRow, error) {
	var rows []*queueRow
	err := q.iterPrefix(prefixOutpoint+prefix, func(key []byte) (bool, error) {
		// outpoint:<outpoint>:<id>; the outpoint contains no colon, so the
		// id starts after the first one.
		rest := string(key[len(prefixOutpoint):])
		id := rest
		for i := 0; i < len(rest); i++ {
			if rest[i] == ':' {
				id = rest[i+1:]
				break
			}
		}
		row, err := q.getRow(id)
		if err != nil {
			return false, err
		}
		if row != nil {
			rows = append(rows, row)
		}
		return true, nil
	})
	return rows, err
}

func rowToItem(row *queueRow) models.QueueItem {
	op, _ := models.ParseOutpoint(row.Outpoint)
	return models.QueueItem{
		ID:        row.ID,
		Outpoint:  op,
		Score:     row.Score,
		SpendTxid: row.SpendTxid,
		Status:    row.Status,
		Attempts:  row.Attempts,
		LastError: row.LastError,
		CreatedAt: row.CreatedAt,
		UpdatedAt: row.UpdatedAt,
	}
}
