package parser

import (
	"context"

	"github.com/ordware/satsync/internal/models"
)

const opNSContentType = "application/op-ns"

// OpNSData is a claimed name record.
type OpNSData struct {
	Name string
}

// opNSDecoder recognises name-system inscriptions.
type opNSDecoder struct {
	owners *models.OwnerSet
}

// NewOpNSDecoder creates the opns decoder.
func NewOpNSDecoder(owners *models.OwnerSet) Decoder {
	return &opNSDecoder{owners: owners}
}

func (d *opNSDecoder) Tag() string { return TagOpNS }

func (d *opNSDecoder) Parse(txo *models.Txo) *models.ParseResult {
	if txo.Satoshis != 1 {
		return nil
	}
	env, ok := parseEnvelope(txo.LockingScript)
	if !ok || env.contentType != opNSContentType || len(env.content) == 0 {
		return nil
	}

	name := string(env.content)
	result := &models.ParseResult{
		Data:   OpNSData{Name: name},
		Basket: BasketOpNS,
	}
	if addr, ok := scanP2PKH(env.prefix); ok {
		result.Owner = addr
	} else if addr, ok := scanP2PKH(env.suffix); ok {
		result.Owner = addr
	}
	if d.owners.Has(result.Owner) {
		result.Tags = []string{"name:" + name}
	}
	return result
}

func (d *opNSDecoder) Summarize(context.Context, *models.ParseContext, bool) (*models.IndexSummary, error) {
	return nil, nil
}
