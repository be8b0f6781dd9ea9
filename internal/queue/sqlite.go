package queue

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ordware/satsync/internal/models"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const stateKey = "syncState"

// SQLiteQueue is the embedded relational queue backend.
type SQLiteQueue struct {
	conn *sql.DB
	path string
}

// NewSQLite opens (or creates) a SQLite-backed queue at the given path with
// WAL mode and busy timeout, and applies pending migrations.
func NewSQLite(path string) (*SQLiteQueue, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create queue directory %q: %w", dir, err)
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path)
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue database %q: %w", path, err)
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping queue database: %w", err)
	}

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	q := &SQLiteQueue{conn: conn, path: path}
	if err := q.migrate(); err != nil {
		conn.Close()
		return nil, err
	}

	slog.Info("sqlite queue opened", "path", path)
	return q, nil
}

func (q *SQLiteQueue) migrate() error {
	if _, err := q.conn.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL DEFAULT (datetime('now'))
		)
	`); err != nil {
		return fmt.Errorf("failed to create schema_migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("failed to read migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		var version int
		if _, err := fmt.Sscanf(entry.Name(), "%d", &version); err != nil {
			slog.Warn("skipping migration with unparseable version", "file", entry.Name())
			continue
		}

		var count int
		if err := q.conn.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", version).Scan(&count); err != nil {
			return fmt.Errorf("failed to check migration status for version %d: %w", version, err)
		}
		if count > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", entry.Name(), err)
		}

		tx, err := q.conn.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to execute migration %s: %w", entry.Name(), err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", version, err)
		}

		slog.Info("queue migration applied", "version", version, "file", entry.Name())
	}

	return nil
}

// Enqueue upserts events; rows already done are left untouched, existing
// rows keep attempts and created_at.
func (q *SQLiteQueue) Enqueue(ctx context.Context, items []models.SyncOutput) error {
	if len(items) == 0 {
		return nil
	}

	tx, err := q.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin enqueue: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, item := range items {
		id := models.QueueItemID(item.Outpoint, item.Score)
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO queue (id, outpoint, score, spend_txid, status, attempts, created_at, updated_at)
			VALUES (?, ?, ?, ?, 'pending', 0, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				status = 'pending',
				spend_txid = excluded.spend_txid,
				last_error = NULL,
				updated_at = excluded.updated_at
			WHERE queue.status != 'done'`,
			id, item.Outpoint.String(), item.Score, nullable(item.SpendTxid), now, now,
		); err != nil {
			return fmt.Errorf("enqueue %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit enqueue: %w", err)
	}

	slog.Debug("events enqueued", "count", len(items))
	return nil
}

// Claim selects seeds lowest-score-first, expands each seed's transaction to
// completeness, and atomically marks the set processing.
func (q *SQLiteQueue) Claim(ctx context.Context, count int) (map[string][]models.QueueItem, error) {
	if count < 1 {
		return map[string][]models.QueueItem{}, nil
	}

	tx, err := q.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		"SELECT outpoint FROM queue WHERE status = 'pending' ORDER BY score, id LIMIT ?", count)
	if err != nil {
		return nil, fmt.Errorf("select claim seeds: %w", err)
	}
	txids := make(map[string]struct{})
	for rows.Next() {
		var outpoint string
		if err := rows.Scan(&outpoint); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan claim seed: %w", err)
		}
		txids[TxidOf(outpoint)] = struct{}{}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate claim seeds: %w", err)
	}
	if len(txids) == 0 {
		return map[string][]models.QueueItem{}, nil
	}

	byTxid := make(map[string][]models.QueueItem, len(txids))
	var ids []any
	for txid := range txids {
		itemRows, err := tx.QueryContext(ctx, `
			SELECT id, outpoint, score, spend_txid, status, attempts, last_error, created_at, updated_at
			FROM queue WHERE status = 'pending' AND outpoint LIKE ?`, txid+"%")
		if err != nil {
			return nil, fmt.Errorf("select claim group %s: %w", txid, err)
		}
		items, err := scanItems(itemRows)
		if err != nil {
			return nil, err
		}
		for i := range items {
			items[i].Status = models.QueueProcessing
			items[i].Attempts++
			ids = append(ids, items[i].ID)
		}
		byTxid[txid] = items
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := append([]any{now}, ids...)
	if _, err := tx.ExecContext(ctx,
		"UPDATE queue SET status = 'processing', attempts = attempts + 1, updated_at = ? WHERE id IN ("+placeholders+")",
		args...,
	); err != nil {
		return nil, fmt.Errorf("mark claim processing: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}

	slog.Debug("batch claimed", "groups", len(byTxid), "items", len(ids))
	return byTxid, nil
}

// Complete marks one item done.
func (q *SQLiteQueue) Complete(ctx context.Context, id string) error {
	return q.CompleteMany(ctx, []string{id})
}

// CompleteMany marks items done.
func (q *SQLiteQueue) CompleteMany(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids)+1)
	args = append(args, now)
	for _, id := range ids {
		args = append(args, id)
	}
	if _, err := q.conn.ExecContext(ctx,
		"UPDATE queue SET status = 'done', updated_at = ? WHERE id IN ("+placeholders+")",
		args...,
	); err != nil {
		return fmt.Errorf("complete items: %w", err)
	}
	return nil
}

// Fail marks one item failed with the given reason.
func (q *SQLiteQueue) Fail(ctx context.Context, id string, reason string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := q.conn.ExecContext(ctx,
		"UPDATE queue SET status = 'failed', last_error = ?, updated_at = ? WHERE id = ?",
		reason, now, id,
	); err != nil {
		return fmt.Errorf("fail item %s: %w", id, err)
	}
	slog.Warn("queue item failed", "id", id, "reason", reason)
	return nil
}

// GetByTxid returns every row of one transaction.
func (q *SQLiteQueue) GetByTxid(ctx context.Context, txid string) ([]models.QueueItem, error) {
	rows, err := q.conn.QueryContext(ctx, `
		SELECT id, outpoint, score, spend_txid, status, attempts, last_error, created_at, updated_at
		FROM queue WHERE outpoint LIKE ? ORDER BY score, id`, txid+"%")
	if err != nil {
		return nil, fmt.Errorf("query by txid: %w", err)
	}
	return scanItems(rows)
}

// GetByStatus returns up to limit rows in one status.
func (q *SQLiteQueue) GetByStatus(ctx context.Context, status models.QueueStatus, limit int) ([]models.QueueItem, error) {
	rows, err := q.conn.QueryContext(ctx, `
		SELECT id, outpoint, score, spend_txid, status, attempts, last_error, created_at, updated_at
		FROM queue WHERE status = ? ORDER BY score, id LIMIT ?`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("query by status: %w", err)
	}
	return scanItems(rows)
}

// GetStats counts per status, distinct by txid.
func (q *SQLiteQueue) GetStats(ctx context.Context) (models.QueueStats, error) {
	var stats models.QueueStats
	rows, err := q.conn.QueryContext(ctx,
		"SELECT status, COUNT(DISTINCT substr(outpoint, 1, 64)) FROM queue GROUP BY status")
	if err != nil {
		return stats, fmt.Errorf("query stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return stats, fmt.Errorf("scan stats row: %w", err)
		}
		switch models.QueueStatus(status) {
		case models.QueuePending:
			stats.Pending = count
		case models.QueueProcessing:
			stats.Processing = count
		case models.QueueDone:
			stats.Done = count
		case models.QueueFailed:
			stats.Failed = count
		}
	}
	return stats, rows.Err()
}

// GetState loads the persisted sync state; a missing row is the zero state.
func (q *SQLiteQueue) GetState(ctx context.Context) (models.SyncState, error) {
	var state models.SyncState
	var value string
	err := q.conn.QueryRowContext(ctx, "SELECT value FROM state WHERE key = ?", stateKey).Scan(&value)
	if err == sql.ErrNoRows {
		return state, nil
	}
	if err != nil {
		return state, fmt.Errorf("query sync state: %w", err)
	}
	if err := json.Unmarshal([]byte(value), &state); err != nil {
		return state, fmt.Errorf("decode sync state: %w", err)
	}
	return state, nil
}

// SetState applies a partial state update.
func (q *SQLiteQueue) SetState(ctx context.Context, patch models.SyncStatePatch) error {
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

	value, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode sync state: %w", err)
	}
	if _, err := q.conn.ExecContext(ctx, `
		INSERT INTO state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		stateKey, string(value),
	); err != nil {
		return fmt.Errorf("store sync state: %w", err)
	}
	return nil
}

// ResetProcessing recovers rows stranded by a crash between claim and
// complete.
func (q *SQLiteQueue) ResetProcessing(ctx context.Context) (int, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	result, err := q.conn.ExecContext(ctx,
		"UPDATE queue SET status = 'pending', updated_at = ? WHERE status = 'processing'", now)
	if err != nil {
		return 0, fmt.Errorf("reset processing: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reset processing rows affected: %w", err)
	}
	if n > 0 {
		slog.Info("recovered processing items", "count", n)
	}
	return int(n), nil
}

// Clear deletes all queue rows and the sync state.
func (q *SQLiteQueue) Clear(ctx context.Context) error {
	if _, err := q.conn.ExecContext(ctx, "DELETE FROM queue"); err != nil {
		return fmt.Errorf("clear queue: %w", err)
	}
	if _, err := q.conn.ExecContext(ctx, "DELETE FROM state"); err != nil {
		return fmt.Errorf("clear state: %w", err)
	}
	slog.Info("queue cleared", "path", q.path)
	return nil
}

// Close closes the database connection.
func (q *SQLiteQueue) Close() error {
	slog.Info("closing sqlite queue", "path", q.path)
	return q.conn.Close()
}

func scanItems(rows *sql.Rows) ([]models.QueueItem, error) {
	defer rows.Close()

	var items []models.QueueItem
	for rows.Next() {
		var item models.QueueItem
		var outpoint string
		var spendTxid, lastError sql.NullString
		var status, createdAt, updatedAt string

		if err := rows.Scan(&item.ID, &outpoint, &item.Score, &spendTxid, &status,
			&item.Attempts, &lastError, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan queue row: %w", err)
		}

		op, err := models.ParseOutpoint(outpoint)
		if err != nil {
			return nil, err
		}
		item.Outpoint = op
		item.Status = models.QueueStatus(status)
		item.SpendTxid = spendTxid.String
		item.LastError = lastError.String
		item.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		item.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queue rows: %w", err)
	}
	return items, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
