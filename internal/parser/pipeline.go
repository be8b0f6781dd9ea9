package parser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/btcsuite/btcd/wire"

	"github.com/ordware/satsync/internal/config"
	"github.com/ordware/satsync/internal/indexer"
	"github.com/ordware/satsync/internal/models"
)

// SourceResolver loads a source transaction by txid. Implementations check
// wallet storage first and fall back to the beef service; a missing
// transaction returns config.ErrNotFound.
type SourceResolver interface {
	Source(ctx context.Context, txid string) (*wire.MsgTx, error)
}

// Pipeline runs the fixed, ordered decoder set against each output of a
// transaction, then the cross-cutting summarize phase over the whole
// transaction.
type Pipeline struct {
	decoders []Decoder
	tagOrder []string
	resolver SourceResolver
}

// New builds the pipeline with the fixed decoder order.
func New(client *indexer.Client, owners *models.OwnerSet, resolver SourceResolver) *Pipeline {
	decoders := []Decoder{
		NewFundDecoder(),
		NewLockDecoder(owners),
		NewInscriptionDecoder(),
		NewSigmaDecoder(),
		NewMapDecoder(),
		NewOriginDecoder(client, owners),
		NewBsv21Decoder(client, owners),
		NewOrdLockDecoder(),
		NewOpNSDecoder(owners),
		NewCosignDecoder(),
	}
	tags := make([]string, len(decoders))
	for i, d := range decoders {
		tags[i] = d.Tag()
	}
	return &Pipeline{decoders: decoders, tagOrder: tags, resolver: resolver}
}

// TagOrder returns the decoder tags in evaluation order.
func (p *Pipeline) TagOrder() []string { return p.tagOrder }

// Parse drives a transaction through the full pipeline: source hydration,
// per-input and per-output decoding, then the summarize phase.
func (p *Pipeline) Parse(ctx context.Context, tx *models.Transaction, isBroadcast bool) (*models.ParseContext, error) {
	if err := p.hydrateSources(ctx, tx); err != nil {
		return nil, err
	}

	pc := &models.ParseContext{
		Tx:      tx,
		Txid:    tx.TxID(),
		Summary: make(map[string]models.IndexSummary),
	}

	// Inputs: decode each spent source output so summarize phases can
	// correlate inputs and outputs.
	for vin := range tx.MsgTx.TxIn {
		spend := &models.Txo{
			Outpoint: tx.SourceOutpoint(vin),
			Data:     make(map[string]models.IndexData),
		}
		if out, ok := tx.SourceOutput(vin); ok {
			spend.LockingScript = out.PkScript
			spend.Satoshis = uint64(out.Value)
			p.decode(spend)
		}
		pc.Spends = append(pc.Spends, spend)
	}

	// Outputs.
	for vout, out := range tx.MsgTx.TxOut {
		txo := &models.Txo{
			Outpoint:      models.Outpoint{Txid: pc.Txid, Vout: uint32(vout)},
			LockingScript: out.PkScript,
			Satoshis:      uint64(out.Value),
			Data:          make(map[string]models.IndexData),
		}
		p.decode(txo)
		pc.Txos = append(pc.Txos, txo)
	}

	// Summarize runs after all parse calls so cross-output observations are
	// complete.
	for _, d := range p.decoders {
		summary, err := d.Summarize(ctx, pc, isBroadcast)
		if err != nil {
			return nil, fmt.Errorf("summarize %s: %w", d.Tag(), err)
		}
		if summary != nil {
			pc.Summary[d.Tag()] = *summary
		}
	}

	slog.Debug("transaction parsed",
		"txid", pc.Txid,
		"outputs", len(pc.Txos),
		"inputs", len(pc.Spends),
		"summaries", len(pc.Summary),
	)

	return pc, nil
}

// decode runs every decoder's parse on one output and merges the results.
func (p *Pipeline) decode(txo *models.Txo) {
	for _, d := range p.decoders {
		result := d.Parse(txo)
		if result == nil {
			continue
		}
		if result.Owner != "" {
			txo.Owner = result.Owner
		}
		if result.Basket != "" {
			txo.Basket = result.Basket
		}
		txo.Data[d.Tag()] = models.IndexData{
			Data:    result.Data,
			Tags:    result.Tags,
			Content: result.Content,
		}
		for tag, extra := range result.Extra {
			txo.Data[tag] = extra
		}
	}
}

// hydrateSources loads the source transaction for every input that lacks
// one, storage-first then the beef service, one level deep.
func (p *Pipeline) hydrateSources(ctx context.Context, tx *models.Transaction) error {
	seen := make(map[string]struct{})
	for vin := range tx.MsgTx.TxIn {
		txid := tx.SourceOutpoint(vin).Txid
		if _, ok := tx.Source(txid); ok {
			continue
		}
		if _, ok := seen[txid]; ok {
			continue
		}
		seen[txid] = struct{}{}

		src, err := p.resolver.Source(ctx, txid)
		if err != nil {
			if errors.Is(err, config.ErrNotFound) {
				slog.Debug("source transaction unavailable", "txid", txid)
				continue
			}
			return fmt.Errorf("hydrate source %s: %w", txid, err)
		}
		tx.SetSource(txid, src)
	}
	return nil
}
