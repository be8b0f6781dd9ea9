package parser

import (
	"bytes"
	"context"

	"github.com/btcsuite/btcd/txscript"

	"github.com/ordware/satsync/internal/models"
)

// OrdLockData describes a marketplace listing output.
type OrdLockData struct {
	Seller string
	PayOut []byte
}

// Listing lifecycle values reported by the ordlock summary.
const (
	OrdLockCreated   = -1
	OrdLockCancelled = 0
	OrdLockPurchased = 1
)

// OrdLock contract template: prefix, 20-byte seller pubkey hash push,
// serialized payment output push, suffix.
var (
	ordLockPrefix = mustHex("2097dfd76851bf465e8f715593b217714858bbe9570ff3bd5e33840a34e20ff026210255044be4e18b8eb6aabb9a878d9498d9eae77c6014c0a71344f59d1cbc0d6b2a5e79")
	ordLockSuffix = mustHex("615179547a75537a537a537a0079537a75527a527a7575615579008763567901c161517957795779210ac407f0e4bd44bfc207355a778b046225a7068fc59ee7eda43ad905aadbffc8006868")
)

// ordLockDecoder recognises the marketplace listing template.
type ordLockDecoder struct{}

// NewOrdLockDecoder creates the ordlock decoder.
func NewOrdLockDecoder() Decoder { return &ordLockDecoder{} }

func (d *ordLockDecoder) Tag() string { return TagOrdLock }

func (d *ordLockDecoder) Parse(txo *models.Txo) *models.ParseResult {
	script := txo.LockingScript
	if !bytes.HasPrefix(script, ordLockPrefix) || !bytes.HasSuffix(script, ordLockSuffix) {
		return nil
	}

	body := script[len(ordLockPrefix) : len(script)-len(ordLockSuffix)]
	tokens, ok := tokenize(body)
	if !ok || len(tokens) != 2 || len(tokens[0].data) != 20 {
		return nil
	}

	seller, ok := pkhAddress(tokens[0].data)
	if !ok {
		return nil
	}

	return &models.ParseResult{
		Data: OrdLockData{
			Seller: seller,
			PayOut: append([]byte(nil), tokens[1].data...),
		},
		Owner: seller,
		Tags:  []string{"ordlock"},
	}
}

// Summarize distinguishes listing creation (a fresh ordlock output), cancel
// (an ordlock input unlocked by the seller path) and purchase (an ordlock
// input unlocked by the purchase path).
func (d *ordLockDecoder) Summarize(_ context.Context, pc *models.ParseContext, _ bool) (*models.IndexSummary, error) {
	var listed *models.Txo
	for _, txo := range pc.Txos {
		if _, ok := txo.Data[TagOrdLock]; ok {
			listed = txo
			break
		}
	}

	spentVin := -1
	for vin, spend := range pc.Spends {
		if _, ok := spend.Data[TagOrdLock]; ok {
			spentVin = vin
			break
		}
	}

	switch {
	case spentVin >= 0:
		summary := &models.IndexSummary{Amount: OrdLockCancelled}
		if isPurchaseUnlock(pc.Tx.MsgTx.TxIn[spentVin].SignatureScript) {
			summary.Amount = OrdLockPurchased
		}
		summary.ID = pc.Tx.SourceOutpoint(spentVin).String()
		return summary, nil
	case listed != nil:
		return &models.IndexSummary{
			ID:     listed.Outpoint.String(),
			Amount: OrdLockCreated,
		}, nil
	}
	return nil, nil
}

// isPurchaseUnlock reports whether an unlocking script takes the contract's
// purchase branch (trailing OP_0) rather than the seller cancel branch
// (trailing OP_1).
func isPurchaseUnlock(unlock []byte) bool {
	tokens, ok := tokenize(unlock)
	if !ok || len(tokens) == 0 {
		return false
	}
	last := tokens[len(tokens)-1]
	return last.op == txscript.OP_0 && len(last.data) == 0
}
