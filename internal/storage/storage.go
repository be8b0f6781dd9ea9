// Package storage is the wallet's UTXO store: transactions, outputs,
// baskets, tags and labels, with a per-call serializable transaction scope
// the writer runs inside.
package storage

import (
	"context"

	"github.com/ordware/satsync/internal/models"
)

// Store is the wallet storage contract the writer and orchestrator depend
// on. Lookups that find nothing return (nil, nil); GetSource returns
// config.ErrNotFound so callers can fall back to the beef service.
type Store interface {
	FindTransaction(ctx context.Context, txid string) (*models.TransactionRecord, error)
	InsertTransaction(ctx context.Context, rec *models.TransactionRecord) (int64, error)

	FindOutput(ctx context.Context, txid string, vout uint32) (*models.OutputRecord, error)
	FindOutputsByBasket(ctx context.Context, basket string) ([]models.OutputRecord, error)
	InsertOutput(ctx context.Context, rec *models.OutputRecord) (int64, error)
	MarkOutputSpent(ctx context.Context, outputID int64, spentBy *int64) error

	TagsForOutput(ctx context.Context, outputID int64) ([]string, error)

	FindOrInsertBasket(ctx context.Context, name string) (int64, error)
	FindOrInsertTag(ctx context.Context, name string) (int64, error)
	FindOrInsertOutputTag(ctx context.Context, outputID, tagID int64) error
	FindOrInsertLabel(ctx context.Context, name string) (int64, error)
	FindOrInsertTxLabel(ctx context.Context, transactionID, labelID int64) error

	HasSource(ctx context.Context, txid string) (bool, error)
	SaveSource(ctx context.Context, txid string, rawTx []byte) error
	GetSource(ctx context.Context, txid string) ([]byte, error)

	// WithTransaction runs fn inside one storage transaction; every store
	// call made through the passed Store joins it. Nested calls reuse the
	// enclosing transaction.
	WithTransaction(ctx context.Context, fn func(Store) error) error
}
