package parser

import (
	"context"

	"github.com/ordware/satsync/internal/models"
)

// FundData marks a standard spendable payment output.
type FundData struct {
	Address string
}

// fundDecoder recognises pay-to-pubkey-hash outputs above the 1-sat ordinal
// threshold.
type fundDecoder struct{}

// NewFundDecoder creates the fund decoder.
func NewFundDecoder() Decoder { return &fundDecoder{} }

func (d *fundDecoder) Tag() string { return TagFund }

func (d *fundDecoder) Parse(txo *models.Txo) *models.ParseResult {
	if txo.Satoshis <= 1 {
		return nil
	}
	addr, ok := p2pkhAddress(txo.LockingScript)
	if !ok {
		return nil
	}
	return &models.ParseResult{
		Data:   FundData{Address: addr},
		Owner:  addr,
		Basket: BasketFund,
	}
}

func (d *fundDecoder) Summarize(context.Context, *models.ParseContext, bool) (*models.IndexSummary, error) {
	return nil, nil
}
