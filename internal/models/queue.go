package models

import (
	"strconv"
	"time"
)

// QueueStatus is the lifecycle state of a sync queue item.
type QueueStatus string

const (
	QueuePending    QueueStatus = "pending"
	QueueProcessing QueueStatus = "processing"
	QueueDone       QueueStatus = "done"
	QueueFailed     QueueStatus = "failed"
)

// SyncOutput is one event delivered by the owner stream: an output that was
// created for (or spent from) one of the watched addresses.
type SyncOutput struct {
	Outpoint  Outpoint `json:"outpoint"`
	Score     float64  `json:"score"`
	SpendTxid string   `json:"spendTxid,omitempty"`
}

// QueueItem is one upstream event awaiting processing.
type QueueItem struct {
	ID        string
	Outpoint  Outpoint
	Score     float64
	SpendTxid string
	Status    QueueStatus
	Attempts  int
	LastError string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// QueueItemID derives the storage primary key "<outpoint>:<score>".
func QueueItemID(outpoint Outpoint, score float64) string {
	return outpoint.String() + ":" + strconv.FormatFloat(score, 'f', -1, 64)
}

// QueueStats counts queue items per status, distinct by txid: a 20-output
// transaction contributes 1 to the count of its current status.
type QueueStats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Done       int `json:"done"`
	Failed     int `json:"failed"`
}

// SyncState is the persisted resume point of the stream loop.
type SyncState struct {
	LastQueuedScore float64   `json:"lastQueuedScore"`
	LastSyncedAt    time.Time `json:"lastSyncedAt,omitzero"`
}

// SyncStatePatch is a partial update to SyncState; nil fields are left intact.
type SyncStatePatch struct {
	LastQueuedScore *float64
	LastSyncedAt    *time.Time
}
