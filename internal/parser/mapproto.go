package parser

import (
	"context"

	"github.com/ordware/satsync/internal/models"
)

// mapDecoder recognises standalone MAP protocol frames in OP_RETURN outputs.
type mapDecoder struct{}

// NewMapDecoder creates the MAP decoder.
func NewMapDecoder() Decoder { return &mapDecoder{} }

func (d *mapDecoder) Tag() string { return TagMap }

func (d *mapDecoder) Parse(txo *models.Txo) *models.ParseResult {
	tokens, ok := tokenize(txo.LockingScript)
	if !ok {
		return nil
	}
	for _, frame := range opReturnFrames(tokens) {
		if m := parseMapFrame(frame); len(m) > 0 {
			return &models.ParseResult{Data: m}
		}
	}
	return nil
}

func (d *mapDecoder) Summarize(context.Context, *models.ParseContext, bool) (*models.IndexSummary, error) {
	return nil, nil
}
