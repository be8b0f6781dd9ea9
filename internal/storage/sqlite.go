package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/ordware/satsync/internal/config"
	"github.com/ordware/satsync/internal/models"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// querier is the subset of database/sql shared by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DB is the SQLite-backed wallet store.
type DB struct {
	conn *sql.DB
	path string
	ops
}

// ops implements the Store query methods over either the connection or an
// open transaction.
type ops struct {
	q querier
}

// txStore is the Store view inside an open transaction.
type txStore struct {
	ops
}

// WithTransaction on an already-open transaction reuses it.
func (t *txStore) WithTransaction(ctx context.Context, fn func(Store) error) error {
	return fn(t)
}

// New opens (or creates) the wallet store at the given path with WAL mode
// and applies pending migrations.
func New(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory %q: %w", dir, err)
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL", path, config.DBBusyTimeout)
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open wallet storage %q: %w", path, err)
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping wallet storage: %w", err)
	}
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	d := &DB{conn: conn, path: path, ops: ops{q: conn}}
	if err := d.migrate(); err != nil {
		conn.Close()
		return nil, err
	}

	slog.Info("wallet storage opened", "path", path)
	return d, nil
}

// Close closes the store.
func (d *DB) Close() error {
	slog.Info("closing wallet storage", "path", d.path)
	return d.conn.Close()
}

// WithTransaction runs fn inside one storage transaction.
func (d *DB) WithTransaction(ctx context.Context, fn func(Store) error) error {
	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin storage transaction: %w", err)
	}

	if err := fn(&txStore{ops{q: tx}}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			slog.Error("storage rollback failed", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit storage transaction: %w", err)
	}
	return nil
}

func (d *DB) migrate() error {
	if _, err := d.conn.Exec(`
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
		if err := d.conn.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", version).Scan(&count); err != nil {
			return fmt.Errorf("failed to check migration status for version %d: %w", version, err)
		}
		if count > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", entry.Name(), err)
		}

		tx, err := d.conn.Begin()
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

		slog.Info("storage migration applied", "version", version, "file", entry.Name())
	}

	return nil
}

// FindTransaction looks up a wallet transaction row by txid.
func (s ops) FindTransaction(ctx context.Context, txid string) (*models.TransactionRecord, error) {
	var rec models.TransactionRecord
	var isOutgoing int
	err := s.q.QueryRowContext(ctx, `
		SELECT id, txid, status, reference, is_outgoing, satoshis, satoshis_spent, satoshis_received, raw_tx
		FROM transactions WHERE txid = ?`, txid,
	).Scan(&rec.ID, &rec.TxID, &rec.Status, &rec.Reference, &isOutgoing,
		&rec.Satoshis, &rec.SatoshisSpent, &rec.SatoshisReceived, &rec.RawTx)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find transaction %s: %w", txid, err)
	}
	rec.IsOutgoing = isOutgoing != 0
	return &rec, nil
}

// InsertTransaction inserts a wallet transaction row and returns its id.
func (s ops) InsertTransaction(ctx context.Context, rec *models.TransactionRecord) (int64, error) {
	result, err := s.q.ExecContext(ctx, `
		INSERT INTO transactions (txid, status, reference, is_outgoing, satoshis, satoshis_spent, satoshis_received, raw_tx)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.TxID, rec.Status, rec.Reference, boolInt(rec.IsOutgoing),
		rec.Satoshis, rec.SatoshisSpent, rec.SatoshisReceived, rec.RawTx,
	)
	if err != nil {
		return 0, fmt.Errorf("insert transaction %s: %w", rec.TxID, err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get transaction insert id: %w", err)
	}

	slog.Info("wallet transaction recorded",
		"id", id,
		"txid", rec.TxID,
		"status", rec.Status,
		"isOutgoing", rec.IsOutgoing,
		"satoshis", rec.Satoshis,
	)
	return id, nil
}

const outputColumns = `
	o.id, o.transaction_id, o.txid, o.vout, o.satoshis, o.locking_script,
	COALESCE(b.name, ''), o.spendable, o.spent_by, o.change, o.purpose,
	o.type, o.provided_by, COALESCE(o.custom_instructions, '')`

func scanOutput(row interface{ Scan(...any) error }) (*models.OutputRecord, error) {
	var rec models.OutputRecord
	var spendable, change int
	var spentBy sql.NullInt64
	err := row.Scan(&rec.ID, &rec.TransactionID, &rec.TxID, &rec.Vout, &rec.Satoshis,
		&rec.LockingScript, &rec.Basket, &spendable, &spentBy, &change,
		&rec.Purpose, &rec.Type, &rec.ProvidedBy, &rec.CustomInstructions)
	if err != nil {
		return nil, err
	}
	rec.Spendable = spendable != 0
	rec.Change = change != 0
	if spentBy.Valid {
		rec.SpentBy = &spentBy.Int64
	}
	return &rec, nil
}

// FindOutput looks up a wallet output by (txid, vout).
func (s ops) FindOutput(ctx context.Context, txid string, vout uint32) (*models.OutputRecord, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT `+outputColumns+`
		FROM outputs o LEFT JOIN baskets b ON b.id = o.basket_id
		WHERE o.txid = ? AND o.vout = ?`, txid, vout)
	rec, err := scanOutput(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find output %s:%d: %w", txid, vout, err)
	}
	return rec, nil
}

// FindOutputsByBasket returns all outputs in a basket.
func (s ops) FindOutputsByBasket(ctx context.Context, basket string) ([]models.OutputRecord, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+outputColumns+`
		FROM outputs o JOIN baskets b ON b.id = o.basket_id
		WHERE b.name = ? ORDER BY o.id`, basket)
	if err != nil {
		return nil, fmt.Errorf("query outputs by basket %s: %w", basket, err)
	}
	defer rows.Close()

	var records []models.OutputRecord
	for rows.Next() {
		rec, err := scanOutput(rows)
		if err != nil {
			return nil, fmt.Errorf("scan output row: %w", err)
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

// InsertOutput inserts a wallet output row and returns its id.
func (s ops) InsertOutput(ctx context.Context, rec *models.OutputRecord) (int64, error) {
	basketID, err := s.FindOrInsertBasket(ctx, rec.Basket)
	if err != nil {
		return 0, err
	}

	var spentBy any
	if rec.SpentBy != nil {
		spentBy = *rec.SpentBy
	}
	result, err := s.q.ExecContext(ctx, `
		INSERT INTO outputs (transaction_id, txid, vout, satoshis, locking_script, basket_id,
			spendable, spent_by, change, purpose, type, provided_by, custom_instructions)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.TransactionID, rec.TxID, rec.Vout, rec.Satoshis, rec.LockingScript, basketID,
		boolInt(rec.Spendable), spentBy, boolInt(rec.Change), rec.Purpose,
		rec.Type, rec.ProvidedBy, rec.CustomInstructions,
	)
	if err != nil {
		return 0, fmt.Errorf("insert output %s:%d: %w", rec.TxID, rec.Vout, err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get output insert id: %w", err)
	}

	slog.Debug("wallet output recorded",
		"id", id,
		"outpoint", fmt.Sprintf("%s_%d", rec.TxID, rec.Vout),
		"basket", rec.Basket,
		"satoshis", rec.Satoshis,
	)
	return id, nil
}

// MarkOutputSpent flips an output to non-spendable, recording the spending
// transaction when known.
func (s ops) MarkOutputSpent(ctx context.Context, outputID int64, spentBy *int64) error {
	var spender any
	if spentBy != nil {
		spender = *spentBy
	}
	if _, err := s.q.ExecContext(ctx,
		"UPDATE outputs SET spendable = 0, spent_by = ? WHERE id = ?", spender, outputID,
	); err != nil {
		return fmt.Errorf("mark output %d spent: %w", outputID, err)
	}
	return nil
}

// TagsForOutput returns the tag names linked to an output.
func (s ops) TagsForOutput(ctx context.Context, outputID int64) ([]string, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT t.name FROM output_tags ot JOIN tags t ON t.id = ot.tag_id
		WHERE ot.output_id = ? ORDER BY t.id`, outputID)
	if err != nil {
		return nil, fmt.Errorf("query tags for output %d: %w", outputID, err)
	}
	defer rows.Close()

	var tags []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan tag row: %w", err)
		}
		tags = append(tags, name)
	}
	return tags, rows.Err()
}

func (s ops) FindOrInsertBasket(ctx context.Context, name string) (int64, error) {
	return s.findOrInsertNamed(ctx, "baskets", name)
}

func (s ops) FindOrInsertTag(ctx context.Context, name string) (int64, error) {
	return s.findOrInsertNamed(ctx, "tags", name)
}

func (s ops) FindOrInsertLabel(ctx context.Context, name string) (int64, error) {
	return s.findOrInsertNamed(ctx, "labels", name)
}

func (s ops) FindOrInsertOutputTag(ctx context.Context, outputID, tagID int64) error {
	if _, err := s.q.ExecContext(ctx,
		"INSERT OR IGNORE INTO output_tags (output_id, tag_id) VALUES (?, ?)", outputID, tagID,
	); err != nil {
		return fmt.Errorf("link output %d tag %d: %w", outputID, tagID, err)
	}
	return nil
}

func (s ops) FindOrInsertTxLabel(ctx context.Context, transactionID, labelID int64) error {
	if _, err := s.q.ExecContext(ctx,
		"INSERT OR IGNORE INTO tx_labels (transaction_id, label_id) VALUES (?, ?)", transactionID, labelID,
	); err != nil {
		return fmt.Errorf("link transaction %d label %d: %w", transactionID, labelID, err)
	}
	return nil
}

func (s ops) findOrInsertNamed(ctx context.Context, table, name string) (int64, error) {
	if _, err := s.q.ExecContext(ctx,
		"INSERT OR IGNORE INTO "+table+" (name) VALUES (?)", name,
	); err != nil {
		return 0, fmt.Errorf("insert %s %q: %w", table, name, err)
	}
	var id int64
	if err := s.q.QueryRowContext(ctx,
		"SELECT id FROM "+table+" WHERE name = ?", name,
	).Scan(&id); err != nil {
		return 0, fmt.Errorf("find %s %q: %w", table, name, err)
	}
	return id, nil
}

// HasSource reports whether a source transaction is persisted.
func (s ops) HasSource(ctx context.Context, txid string) (bool, error) {
	var one int
	err := s.q.QueryRowContext(ctx, "SELECT 1 FROM sources WHERE txid = ?", txid).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check source %s: %w", txid, err)
	}
	return true, nil
}

// SaveSource persists a source transaction's raw bytes.
func (s ops) SaveSource(ctx context.Context, txid string, rawTx []byte) error {
	if _, err := s.q.ExecContext(ctx,
		"INSERT OR IGNORE INTO sources (txid, raw_tx) VALUES (?, ?)", txid, rawTx,
	); err != nil {
		return fmt.Errorf("save source %s: %w", txid, err)
	}
	return nil
}

// GetSource loads a persisted source transaction, or config.ErrNotFound.
func (s ops) GetSource(ctx context.Context, txid string) ([]byte, error) {
	var raw []byte
	err := s.q.QueryRowContext(ctx, "SELECT raw_tx FROM sources WHERE txid = ?", txid).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("source %s: %w", txid, config.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get source %s: %w", txid, err)
	}
	return raw, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
