package models

// IndexData is the per-decoder slot on a Txo: opaque decoder data plus the
// searchable tags the decoder attached and any eagerly fetched content.
type IndexData struct {
	Data    any
	Tags    []string
	Content string
}

// ParseResult is what a decoder returns when it recognises an output.
// Owner, Basket and Content are merged into the Txo; Data and Tags are stored
// under the decoder's tag. Extra carries explicit side-writes into other
// decoders' slots (the inscription decoder's embedded MAP payload).
type ParseResult struct {
	Data    any
	Tags    []string
	Owner   string
	Basket  string
	Content string
	Extra   map[string]IndexData
}

// Txo is one transaction output annotated during parsing.
type Txo struct {
	Outpoint      Outpoint
	LockingScript []byte
	Satoshis      uint64

	// Owner is set by a decoder iff the script exposes a recognisable
	// spender identity.
	Owner string

	// Basket is the logical bucket for the output. At most one per output;
	// last writer in the fixed decoder order wins.
	Basket string

	// Data holds one entry per decoder that matched, keyed by decoder tag.
	Data map[string]IndexData
}

// AllTags returns every tag collected across decoder slots, in decoder order
// given by the caller's tag list.
func (t *Txo) AllTags(order []string) []string {
	var tags []string
	for _, tag := range order {
		if d, ok := t.Data[tag]; ok {
			tags = append(tags, d.Tags...)
		}
	}
	return tags
}

// FirstContent returns the first non-empty eagerly fetched content across
// slots, in the given decoder order.
func (t *Txo) FirstContent(order []string) string {
	for _, tag := range order {
		if d, ok := t.Data[tag]; ok && d.Content != "" {
			return d.Content
		}
	}
	return ""
}

// IndexSummary is a transaction-level summary produced by a decoder's
// summarize phase (token balance deltas, listing lifecycle, etc.).
type IndexSummary struct {
	ID     string
	Amount int64
	Icon   string
	Data   any
}

// ParseContext is the per-transaction working set of the parser pipeline.
type ParseContext struct {
	Tx   *Transaction
	Txid string

	// Txos holds one annotated Txo per output of Tx, in order.
	Txos []*Txo

	// Spends holds one Txo per input of Tx, built by running the decoders
	// against the spent source outputs.
	Spends []*Txo

	// Summary holds one entry per decoder whose summarize phase returned one.
	Summary map[string]IndexSummary
}
