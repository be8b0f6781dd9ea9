package writer

import (
	"context"
	"errors"

	"github.com/btcsuite/btcd/wire"

	"github.com/ordware/satsync/internal/config"
	"github.com/ordware/satsync/internal/indexer"
	"github.com/ordware/satsync/internal/models"
	"github.com/ordware/satsync/internal/storage"
)

// SourceResolver hydrates parser source transactions storage-first, falling
// back to the beef service.
type SourceResolver struct {
	store  storage.Store
	client *indexer.Client
}

// NewSourceResolver creates the storage-first source resolver.
func NewSourceResolver(store storage.Store, client *indexer.Client) *SourceResolver {
	return &SourceResolver{store: store, client: client}
}

// Source loads one source transaction by txid.
func (r *SourceResolver) Source(ctx context.Context, txid string) (*wire.MsgTx, error) {
	raw, err := r.store.GetSource(ctx, txid)
	if err == nil {
		tx, err := models.TransactionFromBytes(raw)
		if err != nil {
			return nil, err
		}
		return tx.MsgTx, nil
	}
	if !errors.Is(err, config.ErrNotFound) {
		return nil, err
	}

	tx, err := r.client.RawTx(ctx, txid)
	if err != nil {
		return nil, err
	}
	return tx.MsgTx, nil
}
