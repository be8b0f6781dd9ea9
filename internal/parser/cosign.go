package parser

import (
	"context"
	"encoding/hex"

	"github.com/btcsuite/btcd/txscript"

	"github.com/ordware/satsync/internal/models"
)

// CosignData describes a two-party cosigner output. Address is the primary
// spender; Cosigner the approving public key.
type CosignData struct {
	Address  string
	Cosigner string
}

// cosignDecoder recognises the cosigner template: a P2PKH check for the
// primary key followed by a pinned cosigner pubkey check.
type cosignDecoder struct{}

// NewCosignDecoder creates the cosign decoder.
func NewCosignDecoder() Decoder { return &cosignDecoder{} }

func (d *cosignDecoder) Tag() string { return TagCosign }

func (d *cosignDecoder) Parse(txo *models.Txo) *models.ParseResult {
	script := txo.LockingScript
	if len(script) != 60 ||
		script[0] != txscript.OP_DUP ||
		script[1] != txscript.OP_HASH160 ||
		script[2] != txscript.OP_DATA_20 ||
		script[23] != txscript.OP_EQUALVERIFY ||
		script[24] != txscript.OP_CHECKSIGVERIFY ||
		script[25] != txscript.OP_DATA_33 ||
		script[59] != txscript.OP_CHECKSIG {
		return nil
	}

	addr, ok := pkhAddress(script[3:23])
	if !ok {
		return nil
	}

	return &models.ParseResult{
		Data: CosignData{
			Address:  addr,
			Cosigner: hex.EncodeToString(script[26:59]),
		},
		Owner: addr,
	}
}

func (d *cosignDecoder) Summarize(context.Context, *models.ParseContext, bool) (*models.IndexSummary, error) {
	return nil, nil
}
