// Package writer maps parser output onto the wallet's UTXO store: one
// storage transaction per upstream transaction, marking spends and inserting
// owned outputs atomically.
package writer

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ordware/satsync/internal/config"
	"github.com/ordware/satsync/internal/indexer"
	"github.com/ordware/satsync/internal/models"
	"github.com/ordware/satsync/internal/parser"
	"github.com/ordware/satsync/internal/storage"
)

// SpendVerifier optionally SPV-checks a spending transaction before MarkSpent
// flips an owned output to non-spendable. A nil verifier skips the check.
// Outputs consumed by an ingested transaction are flipped without it.
type SpendVerifier func(ctx context.Context, spendTxid string) error

// IngestResult is the outcome of one ingest call.
type IngestResult struct {
	ParseContext      *models.ParseContext
	InternalizedCount int
}

// Writer applies parsed transactions to wallet storage.
type Writer struct {
	store    storage.Store
	pipeline *parser.Pipeline
	owners   *models.OwnerSet
	client   *indexer.Client
	verifier SpendVerifier
}

// New creates a writer.
func New(store storage.Store, pipeline *parser.Pipeline, owners *models.OwnerSet, client *indexer.Client) *Writer {
	return &Writer{
		store:    store,
		pipeline: pipeline,
		owners:   owners,
		client:   client,
	}
}

// SetSpendVerifier installs an optional SPV check for MarkSpent flips.
func (w *Writer) SetSpendVerifier(v SpendVerifier) { w.verifier = v }

// IngestTransaction parses a transaction and applies it to wallet storage
// inside a single storage transaction. Re-ingesting the same transaction is
// idempotent: no new rows, no new spend flips, InternalizedCount of zero.
func (w *Writer) IngestTransaction(ctx context.Context, tx *models.Transaction, isBroadcast bool, labels []string) (*IngestResult, error) {
	pc, err := w.pipeline.Parse(ctx, tx, isBroadcast)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", tx.TxID(), err)
	}

	result := &IngestResult{ParseContext: pc}
	tagOrder := w.pipeline.TagOrder()

	err = w.store.WithTransaction(ctx, func(s storage.Store) error {
		owned := w.ownedOutputs(pc)

		rec, err := s.FindTransaction(ctx, pc.Txid)
		if err != nil {
			return err
		}

		var txRowID int64
		inserted := false
		if rec != nil {
			txRowID = rec.ID
		} else {
			txRowID, err = w.insertTransactionRow(ctx, s, tx, pc, owned, isBroadcast)
			if err != nil {
				return err
			}
			inserted = true

			if err := w.persistSourceChain(ctx, s, tx); err != nil {
				return err
			}

			for _, label := range labels {
				labelID, err := s.FindOrInsertLabel(ctx, label)
				if err != nil {
					return err
				}
				if err := s.FindOrInsertTxLabel(ctx, txRowID, labelID); err != nil {
					return err
				}
			}

			// Spends are applied only the first time the transaction is
			// ingested.
			if err := w.applySpends(ctx, s, tx, txRowID); err != nil {
				return err
			}
		}

		for _, txo := range owned {
			existing, err := s.FindOutput(ctx, txo.Outpoint.Txid, txo.Outpoint.Vout)
			if err != nil {
				return err
			}
			if existing != nil {
				continue
			}
			if err := w.insertOwnedOutput(ctx, s, txo, txRowID, tagOrder); err != nil {
				return err
			}
			result.InternalizedCount++
		}

		if inserted || result.InternalizedCount > 0 {
			slog.Info("transaction ingested",
				"txid", pc.Txid,
				"inserted", inserted,
				"internalized", result.InternalizedCount,
			)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// IngestWithSpends loads a transaction by txid, ingests it, and additionally
// flips outputs of this transaction that the queue reported as spent.
func (w *Writer) IngestWithSpends(ctx context.Context, txid string, spendByVout map[uint32]string, labels []string) (*IngestResult, error) {
	tx, err := w.LoadTransaction(ctx, txid)
	if err != nil {
		return nil, err
	}

	result, err := w.IngestTransaction(ctx, tx, false, labels)
	if err != nil {
		return nil, err
	}

	for vout, spendTxid := range spendByVout {
		if spendTxid == "" {
			continue
		}
		if err := w.MarkSpent(ctx, models.Outpoint{Txid: txid, Vout: vout}, spendTxid); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// MarkSpent flips a stored output to non-spendable. Unknown outpoints are a
// no-op: a historical spend of an output we never owned needs no bookkeeping.
func (w *Writer) MarkSpent(ctx context.Context, outpoint models.Outpoint, spendTxid string) error {
	out, err := w.store.FindOutput(ctx, outpoint.Txid, outpoint.Vout)
	if err != nil {
		return err
	}
	if out == nil || !out.Spendable {
		return nil
	}

	if w.verifier != nil && spendTxid != "" {
		if err := w.verifier(ctx, spendTxid); err != nil {
			return fmt.Errorf("%w: spend %s of %s: %v", config.ErrVerification, spendTxid, outpoint.String(), err)
		}
	}

	if err := w.store.MarkOutputSpent(ctx, out.ID, nil); err != nil {
		return err
	}

	slog.Info("output marked spent",
		"outpoint", outpoint.String(),
		"spendTxid", spendTxid,
	)
	return nil
}

// LoadTransaction loads a transaction storage-first, then from the beef
// service.
func (w *Writer) LoadTransaction(ctx context.Context, txid string) (*models.Transaction, error) {
	raw, err := w.store.GetSource(ctx, txid)
	if err == nil {
		return models.TransactionFromBytes(raw)
	}
	if !errors.Is(err, config.ErrNotFound) {
		return nil, err
	}
	return w.client.RawTx(ctx, txid)
}

// ownedOutputs filters the parse context down to outputs we own.
func (w *Writer) ownedOutputs(pc *models.ParseContext) []*models.Txo {
	var owned []*models.Txo
	for _, txo := range pc.Txos {
		if w.owners.Has(txo.Owner) {
			owned = append(owned, txo)
		}
	}
	return owned
}

// insertTransactionRow creates the wallet transaction row with the satoshi
// accounting of §storage: spent from our own inputs, received into owned
// outputs.
func (w *Writer) insertTransactionRow(ctx context.Context, s storage.Store, tx *models.Transaction, pc *models.ParseContext, owned []*models.Txo, isBroadcast bool) (int64, error) {
	var spent int64
	isOutgoing := false
	for vin := range tx.MsgTx.TxIn {
		prev := tx.SourceOutpoint(vin)
		out, err := s.FindOutput(ctx, prev.Txid, prev.Vout)
		if err != nil {
			return 0, err
		}
		if out != nil {
			isOutgoing = true
			spent += int64(out.Satoshis)
		}
	}

	var received int64
	for _, txo := range owned {
		received += int64(txo.Satoshis)
	}

	raw, err := tx.Bytes()
	if err != nil {
		return 0, err
	}

	status := models.TxStatusUnproven
	if isBroadcast {
		status = models.TxStatusCompleted
	}

	return s.InsertTransaction(ctx, &models.TransactionRecord{
		TxID:             pc.Txid,
		Status:           status,
		Reference:        newReference(),
		IsOutgoing:       isOutgoing,
		Satoshis:         received - spent,
		SatoshisSpent:    spent,
		SatoshisReceived: received,
		RawTx:            raw,
	})
}

// persistSourceChain persists source transactions breadth-first: the new
// transaction's direct sources, then each just-inserted source's own
// sources, terminating wherever storage already has the row.
func (w *Writer) persistSourceChain(ctx context.Context, s storage.Store, tx *models.Transaction) error {
	queue := make([]string, 0, len(tx.MsgTx.TxIn))
	enqueued := make(map[string]struct{})
	for vin := range tx.MsgTx.TxIn {
		txid := tx.SourceOutpoint(vin).Txid
		if _, ok := enqueued[txid]; !ok {
			enqueued[txid] = struct{}{}
			queue = append(queue, txid)
		}
	}

	for len(queue) > 0 {
		txid := queue[0]
		queue = queue[1:]

		has, err := s.HasSource(ctx, txid)
		if err != nil {
			return err
		}
		if has {
			continue
		}

		src, err := w.loadSource(ctx, tx, txid)
		if err != nil {
			if errors.Is(err, config.ErrNotFound) {
				slog.Debug("source chain ends at unavailable transaction", "txid", txid)
				continue
			}
			return err
		}

		raw, err := src.Bytes()
		if err != nil {
			return err
		}
		if err := s.SaveSource(ctx, txid, raw); err != nil {
			return err
		}

		for vin := range src.MsgTx.TxIn {
			parent := src.SourceOutpoint(vin).Txid
			if _, ok := enqueued[parent]; !ok {
				enqueued[parent] = struct{}{}
				queue = append(queue, parent)
			}
		}
	}
	return nil
}

func (w *Writer) loadSource(ctx context.Context, tx *models.Transaction, txid string) (*models.Transaction, error) {
	if src, ok := tx.Source(txid); ok {
		return &models.Transaction{MsgTx: src}, nil
	}
	return w.client.RawTx(ctx, txid)
}

// applySpends flips every stored, still-spendable output consumed by the new
// transaction.
func (w *Writer) applySpends(ctx context.Context, s storage.Store, tx *models.Transaction, txRowID int64) error {
	for vin := range tx.MsgTx.TxIn {
		prev := tx.SourceOutpoint(vin)
		out, err := s.FindOutput(ctx, prev.Txid, prev.Vout)
		if err != nil {
			return err
		}
		if out == nil || !out.Spendable {
			continue
		}
		if err := s.MarkOutputSpent(ctx, out.ID, &txRowID); err != nil {
			return err
		}
		slog.Debug("consumed output marked spent",
			"outpoint", prev.String(),
			"spentBy", txRowID,
		)
	}
	return nil
}

// insertOwnedOutput creates the output row plus its basket and tag links.
func (w *Writer) insertOwnedOutput(ctx context.Context, s storage.Store, txo *models.Txo, txRowID int64, tagOrder []string) error {
	basket := txo.Basket
	if basket == "" {
		basket = parser.BasketDefault
	}
	change := basket == parser.BasketDefault
	purpose := ""
	if change {
		purpose = "change"
	}

	content := txo.FirstContent(tagOrder)
	if len(content) > config.MaxEagerContentBytes {
		content = content[:config.MaxEagerContentBytes]
	}

	outputID, err := s.InsertOutput(ctx, &models.OutputRecord{
		TransactionID:      txRowID,
		TxID:               txo.Outpoint.Txid,
		Vout:               txo.Outpoint.Vout,
		Satoshis:           txo.Satoshis,
		LockingScript:      txo.LockingScript,
		Basket:             basket,
		Spendable:          true,
		Change:             change,
		Purpose:            purpose,
		Type:               "custom",
		ProvidedBy:         "you",
		CustomInstructions: content,
	})
	if err != nil {
		return err
	}

	tags := append([]string{"own:" + txo.Owner}, txo.AllTags(tagOrder)...)
	for _, tag := range tags {
		tagID, err := s.FindOrInsertTag(ctx, tag)
		if err != nil {
			return err
		}
		if err := s.FindOrInsertOutputTag(ctx, outputID, tagID); err != nil {
			return err
		}
	}
	return nil
}

// newReference generates the 12-random-byte base64 reference of a wallet
// transaction row.
func newReference() string {
	buf := make([]byte, 12)
	rand.Read(buf)
	return base64.StdEncoding.EncodeToString(buf)
}
