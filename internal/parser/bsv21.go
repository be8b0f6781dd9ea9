package parser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/ordware/satsync/internal/config"
	"github.com/ordware/satsync/internal/indexer"
	"github.com/ordware/satsync/internal/models"
)

const bsv21ContentType = "application/bsv-20"

// Token statuses established during summarize.
const (
	Bsv21Valid   = "valid"
	Bsv21Invalid = "invalid"
	Bsv21Pending = "pending"
)

// Token operations.
const (
	Bsv21OpMint     = "deploy+mint"
	Bsv21OpTransfer = "transfer"
	Bsv21OpBurn     = "burn"
)

// Bsv21Data is the decoded fungible-token payload of a 1-sat output.
type Bsv21Data struct {
	ID     string
	Op     string
	Amt    uint64
	Sym    string
	Icon   string
	Dec    uint8
	Status string
}

// Bsv21TokenSummary aggregates one token id across a transaction.
type Bsv21TokenSummary struct {
	ID        string
	TokensIn  uint64
	TokensOut uint64
	Status    string
}

type bsv21Payload struct {
	P    string `json:"p"`
	Op   string `json:"op"`
	ID   string `json:"id,omitempty"`
	Amt  string `json:"amt"`
	Sym  string `json:"sym,omitempty"`
	Icon string `json:"icon,omitempty"`
	Dec  uint8  `json:"dec,omitempty"`
}

// bsv21Decoder decodes the fungible-token overlay on 1-sat outputs and
// validates transfers against the token overlay during summarize.
type bsv21Decoder struct {
	client *indexer.Client
	owners *models.OwnerSet
}

// NewBsv21Decoder creates the bsv21 decoder.
func NewBsv21Decoder(client *indexer.Client, owners *models.OwnerSet) Decoder {
	return &bsv21Decoder{client: client, owners: owners}
}

func (d *bsv21Decoder) Tag() string { return TagBsv21 }

func (d *bsv21Decoder) Parse(txo *models.Txo) *models.ParseResult {
	if txo.Satoshis != 1 {
		return nil
	}
	env, ok := parseEnvelope(txo.LockingScript)
	if !ok || env.contentType != bsv21ContentType {
		return nil
	}

	var payload bsv21Payload
	if err := json.Unmarshal(env.content, &payload); err != nil || payload.P != "bsv-20" {
		return nil
	}

	amt, err := strconv.ParseUint(payload.Amt, 10, 64)
	if err != nil {
		return nil
	}

	id := payload.ID
	if payload.Op == Bsv21OpMint {
		id = txo.Outpoint.String()
	}
	if id == "" {
		return nil
	}

	result := &models.ParseResult{
		Data: Bsv21Data{
			ID:   id,
			Op:   payload.Op,
			Amt:  amt,
			Sym:  payload.Sym,
			Icon: payload.Icon,
			Dec:  payload.Dec,
		},
		Basket: BasketBsv21,
	}
	if addr, ok := scanP2PKH(env.prefix); ok {
		result.Owner = addr
	} else if addr, ok := scanP2PKH(env.suffix); ok {
		result.Owner = addr
	}
	return result
}

// Summarize traverses inputs and outputs per token id: inputs are confirmed
// against the overlay (404 marks the token pending, which cascades to the
// outputs), totals decide valid/invalid, and outputs adopt the overlay's
// display metadata.
func (d *bsv21Decoder) Summarize(ctx context.Context, pc *models.ParseContext, _ bool) (*models.IndexSummary, error) {
	summaries := make(map[string]*Bsv21TokenSummary)
	tokenOf := func(id string) *Bsv21TokenSummary {
		s, ok := summaries[id]
		if !ok {
			s = &Bsv21TokenSummary{ID: id}
			summaries[id] = s
		}
		return s
	}

	// Inputs: confirm each token-carrying input exists on the overlay.
	pending := make(map[string]bool)
	for vin, spend := range pc.Spends {
		data, ok := bsv21Of(spend)
		if !ok {
			continue
		}
		s := tokenOf(data.ID)
		s.TokensIn += data.Amt

		sourceTxid := pc.Tx.SourceOutpoint(vin).Txid
		if _, err := d.client.Bsv21Tx(ctx, data.ID, sourceTxid); err != nil {
			if errors.Is(err, config.ErrNotFound) {
				// Not yet on the overlay; propagate pending to the outputs.
				pending[data.ID] = true
				slog.Debug("token input pending",
					"tokenId", data.ID,
					"sourceTxid", sourceTxid,
				)
				continue
			}
			return nil, fmt.Errorf("confirm token input %s: %w", data.ID, err)
		}
	}

	// Output totals.
	for _, txo := range pc.Txos {
		data, ok := bsv21Of(txo)
		if !ok {
			continue
		}
		s := tokenOf(data.ID)
		if data.Op == Bsv21OpTransfer || data.Op == Bsv21OpBurn {
			s.TokensOut += data.Amt
		}
	}

	// Settle a status per token id.
	for id, s := range summaries {
		switch {
		case pending[id]:
			s.Status = Bsv21Pending
		case s.TokensOut > 0 && s.TokensIn == 0:
			s.Status = Bsv21Invalid
		case s.TokensIn >= s.TokensOut:
			s.Status = Bsv21Valid
		default:
			s.Status = Bsv21Invalid
		}
	}

	// Apply status and overlay metadata to the outputs.
	details := make(map[string]*indexer.Bsv21Token)
	var first *Bsv21TokenSummary
	for _, txo := range pc.Txos {
		slot, ok := txo.Data[TagBsv21]
		if !ok {
			continue
		}
		data, ok := slot.Data.(Bsv21Data)
		if !ok {
			continue
		}

		s := tokenOf(data.ID)
		if first == nil {
			first = s
		}
		// Minted supply needs no inputs.
		if data.Op == Bsv21OpMint && !pending[data.ID] {
			data.Status = Bsv21Valid
		} else {
			data.Status = s.Status
		}

		token, fetched := details[data.ID]
		if !fetched {
			var err error
			token, err = d.client.Bsv21Token(ctx, data.ID)
			if err != nil {
				if !errors.Is(err, config.ErrNotFound) {
					return nil, fmt.Errorf("token details %s: %w", data.ID, err)
				}
				token = nil
			}
			details[data.ID] = token
		}
		if token != nil {
			data.Sym = token.Sym
			data.Icon = token.Icon
			data.Dec = token.Dec
		}

		slot.Data = data
		if d.owners.Has(txo.Owner) {
			slot.Tags = []string{
				"id:" + data.ID,
				"id:" + data.ID + ":" + data.Status,
				"amt:" + strconv.FormatUint(data.Amt, 10),
			}
		}
		txo.Data[TagBsv21] = slot
	}

	if len(summaries) == 0 {
		return nil, nil
	}

	summary := &models.IndexSummary{Data: summaries}
	if first != nil {
		summary.ID = first.ID
		summary.Amount = int64(first.TokensOut) - int64(first.TokensIn)
		if token := details[first.ID]; token != nil {
			summary.Icon = token.Icon
		}
	}
	return summary, nil
}

// bsv21Of returns the bsv21 slot data if the output carries one.
func bsv21Of(txo *models.Txo) (Bsv21Data, bool) {
	slot, ok := txo.Data[TagBsv21]
	if !ok {
		return Bsv21Data{}, false
	}
	data, ok := slot.Data.(Bsv21Data)
	return data, ok
}
