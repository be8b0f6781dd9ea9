// Package wallet glues the engine together and exposes its public surface:
// parse, ingest, sync, broadcast, and the event bus.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/ordware/satsync/internal/config"
	"github.com/ordware/satsync/internal/events"
	"github.com/ordware/satsync/internal/indexer"
	"github.com/ordware/satsync/internal/models"
	"github.com/ordware/satsync/internal/parser"
	"github.com/ordware/satsync/internal/queue"
	"github.com/ordware/satsync/internal/storage"
	"github.com/ordware/satsync/internal/syncer"
	"github.com/ordware/satsync/internal/writer"
)

// Wallet is the engine facade.
type Wallet struct {
	cfg      *config.Config
	owners   *models.OwnerSet
	client   *indexer.Client
	store    *storage.DB
	queue    queue.Queue
	pipeline *parser.Pipeline
	writer   *writer.Writer
	syncer   *syncer.Syncer
	bus      *events.Bus
}

// New opens the per-account stores and wires the pipeline, writer and
// syncer.
func New(cfg *config.Config) (*Wallet, error) {
	owners := models.NewOwnerSet(cfg.OwnerList()...)
	client := indexer.New(cfg.IndexerURL)
	bus := events.NewBus()

	store, err := storage.New(filepath.Join(cfg.DataDir, "wallet-"+cfg.AccountID+".sqlite"))
	if err != nil {
		return nil, fmt.Errorf("open wallet storage: %w", err)
	}

	q, err := openQueue(cfg)
	if err != nil {
		store.Close()
		return nil, err
	}

	return build(cfg, owners, client, store, q, bus), nil
}

// NewWithDeps wires a wallet over caller-supplied collaborators; used by
// tests and embedders.
func NewWithDeps(cfg *config.Config, owners *models.OwnerSet, client *indexer.Client, store *storage.DB, q queue.Queue) *Wallet {
	return build(cfg, owners, client, store, q, events.NewBus())
}

func build(cfg *config.Config, owners *models.OwnerSet, client *indexer.Client, store *storage.DB, q queue.Queue, bus *events.Bus) *Wallet {
	pipeline := parser.New(client, owners, writer.NewSourceResolver(store, client))
	w := writer.New(store, pipeline, owners, client)

	return &Wallet{
		cfg:      cfg,
		owners:   owners,
		client:   client,
		store:    store,
		queue:    q,
		pipeline: pipeline,
		writer:   w,
		syncer:   syncer.New(q, client, w, bus, owners, cfg.BatchSize),
		bus:      bus,
	}
}

// openQueue opens the configured per-account queue backend, named
// sync-queue-<accountId>.
func openQueue(cfg *config.Config) (queue.Queue, error) {
	name := config.QueueStorePrefix + cfg.AccountID
	switch cfg.QueueBackend {
	case config.QueueBackendPebble:
		return queue.NewPebble(filepath.Join(cfg.DataDir, name))
	case config.QueueBackendSQLite:
		return queue.NewSQLite(filepath.Join(cfg.DataDir, name+".sqlite"))
	default:
		return nil, fmt.Errorf("%w: unknown queue backend %q", config.ErrInvalidConfig, cfg.QueueBackend)
	}
}

// Events returns the lifecycle event bus.
func (w *Wallet) Events() *events.Bus { return w.bus }

// Queue returns the sync queue for host-side peeks.
func (w *Wallet) Queue() queue.Queue { return w.queue }

// Storage returns the wallet store.
func (w *Wallet) Storage() storage.Store { return w.store }

// Owners returns the watched address set.
func (w *Wallet) Owners() *models.OwnerSet { return w.owners }

// AddOwner appends a watched address. It takes effect on the next stream
// subscription.
func (w *Wallet) AddOwner(addr string) {
	w.owners.Add(addr)
	slog.Info("owner added", "address", addr, "owners", w.owners.Len())
}

// ParseTransaction runs the parser pipeline without touching storage state.
func (w *Wallet) ParseTransaction(ctx context.Context, tx *models.Transaction) (*models.ParseContext, error) {
	return w.pipeline.Parse(ctx, tx, false)
}

// IngestTransaction parses and applies a transaction to wallet storage.
func (w *Wallet) IngestTransaction(ctx context.Context, tx *models.Transaction, isBroadcast bool, labels []string) (*writer.IngestResult, error) {
	return w.writer.IngestTransaction(ctx, tx, isBroadcast, labels)
}

// Sync runs one full sync epoch: stream plus processor, until caught up.
func (w *Wallet) Sync(ctx context.Context) error {
	return w.syncer.Sync(ctx)
}

// StartStream starts only the stream loop.
func (w *Wallet) StartStream(ctx context.Context) error { return w.syncer.StartStream(ctx) }

// StartProcessor starts only the processor loop.
func (w *Wallet) StartProcessor(ctx context.Context) error { return w.syncer.StartProcessor(ctx) }

// StopStream closes the owner subscription; queued work keeps processing.
func (w *Wallet) StopStream() { w.syncer.StopStream() }

// StopProcessor asks the processor loop to exit after the current batch.
func (w *Wallet) StopProcessor() { w.syncer.StopProcessor() }

// StopSync cooperatively stops both loops.
func (w *Wallet) StopSync() { w.syncer.StopSync() }

// IsStreamActive reports whether the stream loop is running.
func (w *Wallet) IsStreamActive() bool { return w.syncer.IsStreamActive() }

// IsStreamDone reports whether the stream finished its epoch.
func (w *Wallet) IsStreamDone() bool { return w.syncer.IsStreamDone() }

// IsProcessorActive reports whether the processor loop is running.
func (w *Wallet) IsProcessorActive() bool { return w.syncer.IsProcessorActive() }

// Broadcast posts a transaction to the arcade endpoint and, on acceptance,
// ingests it locally so its outputs land immediately.
func (w *Wallet) Broadcast(ctx context.Context, tx *models.Transaction, opts *indexer.BroadcastOptions) (*indexer.BroadcastResult, error) {
	raw, err := tx.Bytes()
	if err != nil {
		return nil, err
	}

	result, err := w.client.Broadcast(ctx, raw, opts)
	if err != nil {
		return nil, err
	}

	switch result.TxStatus {
	case indexer.TxStatusRejected, indexer.TxStatusDoubleSpend:
		return result, fmt.Errorf("%w: %s (%s)", config.ErrBroadcastRejected, result.TxStatus, result.ExtraInfo)
	}

	if _, err := w.writer.IngestTransaction(ctx, tx, true, nil); err != nil {
		slog.Error("post-broadcast ingest failed", "txid", result.TxID, "error", err)
		return result, err
	}
	return result, nil
}

// Close stops any running sync and closes both stores.
func (w *Wallet) Close() error {
	w.syncer.StopSync()

	var errs []error
	if err := w.queue.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := w.store.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
