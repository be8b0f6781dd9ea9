package parser

import (
	"context"

	"github.com/ordware/satsync/internal/models"
)

// Decoder tags. Each decoder keys its slot in Txo.Data and
// ParseContext.Summary with its tag.
const (
	TagFund    = "fund"
	TagLock    = "lock"
	TagInsc    = "insc"
	TagSigma   = "sigma"
	TagMap     = "map"
	TagOrigin  = "origin"
	TagBsv21   = "bsv21"
	TagOrdLock = "ordlock"
	TagOpNS    = "opns"
	TagCosign  = "cosign"
)

// Baskets assigned by decoders.
const (
	BasketFund    = "fund"
	BasketLock    = "lock"
	Basket1Sat    = "1sat"
	BasketBsv21   = "bsv21"
	BasketOpNS    = "opns"
	BasketDefault = "default"
)

// A Decoder classifies a single output. Parse is pure: it must not mutate
// the Txo and performs no I/O. Summarize runs after all parse calls, may
// read the whole context, mutate its own slots, and perform limited indexer
// I/O; an HTTP 404 from the indexer is a domain signal the decoder recovers
// from locally, never an error.
type Decoder interface {
	Tag() string
	Parse(txo *models.Txo) *models.ParseResult
	Summarize(ctx context.Context, pc *models.ParseContext, isBroadcast bool) (*models.IndexSummary, error)
}
