package parser

import (
	"bytes"
	"context"
	"log/slog"
	"strconv"

	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/ordware/satsync/internal/models"
)

// Sigma is one signature record extracted from an OP_RETURN sigma frame.
// Valid is established during summarize; parse always records false.
type Sigma struct {
	Algorithm string
	Address   string
	Signature []byte
	Vin       int
	Valid     bool

	// prefixEnd is the byte offset of the sigma frame within the locking
	// script; the signed message covers the script up to here.
	prefixEnd int
}

var sigmaMarker = []byte("SIGMA")

const bsmMagic = "Bitcoin Signed Message:\n"

// sigmaDecoder extracts sigma signature records and verifies them during
// summarize by recovering the signing key from the compact signature.
type sigmaDecoder struct{}

// NewSigmaDecoder creates the sigma decoder.
func NewSigmaDecoder() Decoder { return &sigmaDecoder{} }

func (d *sigmaDecoder) Tag() string { return TagSigma }

func (d *sigmaDecoder) Parse(txo *models.Txo) *models.ParseResult {
	tokens, ok := tokenize(txo.LockingScript)
	if !ok {
		return nil
	}

	var records []Sigma
	for _, frame := range opReturnFrames(tokens) {
		if len(frame) < 5 || !bytes.Equal(frame[0].data, sigmaMarker) {
			continue
		}
		vin, err := strconv.Atoi(string(frame[4].data))
		if err != nil || vin < 0 {
			continue
		}
		sig := frame[3].data
		if len(sig) != 65 {
			continue
		}
		records = append(records, Sigma{
			Algorithm: string(frame[1].data),
			Address:   string(frame[2].data),
			Signature: append([]byte(nil), sig...),
			Vin:       vin,
			prefixEnd: frame[0].start,
		})
	}
	if len(records) == 0 {
		return nil
	}
	return &models.ParseResult{Data: records}
}

// Summarize verifies each record: the signed message is the indicated
// input's outpoint followed by the output script prefix up to the sigma
// frame. The public key is recovered from the compact signature over all
// four recovery ids and must hash to the claimed address.
func (d *sigmaDecoder) Summarize(_ context.Context, pc *models.ParseContext, _ bool) (*models.IndexSummary, error) {
	for _, txo := range pc.Txos {
		slot, ok := txo.Data[TagSigma]
		if !ok {
			continue
		}
		records, ok := slot.Data.([]Sigma)
		if !ok {
			continue
		}

		for i := range records {
			rec := &records[i]
			if rec.Vin >= len(pc.Tx.MsgTx.TxIn) {
				continue
			}
			outpoint, err := pc.Tx.SourceOutpoint(rec.Vin).BigEndianBytes()
			if err != nil {
				continue
			}

			payload := append(outpoint, txo.LockingScript[:rec.prefixEnd]...)
			rec.Valid = verifySigma(rec, payload)

			if !rec.Valid {
				slog.Debug("sigma signature invalid",
					"outpoint", txo.Outpoint.String(),
					"address", rec.Address,
				)
			}
		}

		slot.Data = records
		txo.Data[TagSigma] = slot
	}
	return nil, nil
}

// verifySigma checks a compact signature over the BSM digest of payload,
// trying all four recovery ids.
func verifySigma(rec *Sigma, payload []byte) bool {
	digest := bsmDigest(payload)
	sig := make([]byte, 65)
	copy(sig[1:], rec.Signature[1:])

	for recID := byte(0); recID < 4; recID++ {
		// Compact header: 27 + recovery id, +4 for compressed keys.
		sig[0] = 27 + recID + 4
		pub, _, err := ecdsa.RecoverCompact(sig, digest)
		if err != nil {
			continue
		}
		if addr, ok := pkhAddress(btcutil.Hash160(pub.SerializeCompressed())); ok && addr == rec.Address {
			return true
		}
		if addr, ok := pkhAddress(btcutil.Hash160(pub.SerializeUncompressed())); ok && addr == rec.Address {
			return true
		}
	}
	return false
}

// bsmDigest computes the Bitcoin Signed Message double-SHA256 digest.
func bsmDigest(payload []byte) []byte {
	var buf bytes.Buffer
	wire.WriteVarString(&buf, 0, bsmMagic)
	wire.WriteVarBytes(&buf, 0, payload)
	return chainhash.DoubleHashB(buf.Bytes())
}
