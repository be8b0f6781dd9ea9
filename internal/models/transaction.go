package models

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/wire"
)

// Transaction wraps a wire transaction together with the source transactions
// hydrated for its inputs. Sources is keyed by big-endian txid hex.
type Transaction struct {
	MsgTx   *wire.MsgTx
	Sources map[string]*wire.MsgTx

	txid string
}

// NewTransaction wraps a deserialized wire transaction.
func NewTransaction(msgTx *wire.MsgTx) *Transaction {
	return &Transaction{
		MsgTx:   msgTx,
		Sources: make(map[string]*wire.MsgTx),
	}
}

// TransactionFromBytes deserializes raw transaction bytes.
func TransactionFromBytes(raw []byte) (*Transaction, error) {
	msgTx := wire.NewMsgTx(wire.TxVersion)
	if err := msgTx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("deserialize transaction: %w", err)
	}
	return NewTransaction(msgTx), nil
}

// TxID returns the big-endian hex transaction id.
func (t *Transaction) TxID() string {
	if t.txid == "" {
		h := t.MsgTx.TxHash()
		t.txid = h.String()
	}
	return t.txid
}

// Bytes returns the serialized transaction.
func (t *Transaction) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(t.MsgTx.SerializeSize())
	if err := t.MsgTx.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("serialize transaction: %w", err)
	}
	return buf.Bytes(), nil
}

// SetSource attaches a hydrated source transaction.
func (t *Transaction) SetSource(txid string, src *wire.MsgTx) {
	if t.Sources == nil {
		t.Sources = make(map[string]*wire.MsgTx)
	}
	t.Sources[txid] = src
}

// Source returns the hydrated source transaction for a txid, if present.
func (t *Transaction) Source(txid string) (*wire.MsgTx, bool) {
	src, ok := t.Sources[txid]
	return src, ok
}

// SourceOutpoint returns the outpoint spent by input vin.
func (t *Transaction) SourceOutpoint(vin int) Outpoint {
	prev := t.MsgTx.TxIn[vin].PreviousOutPoint
	return Outpoint{Txid: prev.Hash.String(), Vout: prev.Index}
}

// SourceOutput returns the spent output for input vin from the hydrated
// sources, or false if the source transaction is absent.
func (t *Transaction) SourceOutput(vin int) (*wire.TxOut, bool) {
	prev := t.MsgTx.TxIn[vin].PreviousOutPoint
	src, ok := t.Sources[prev.Hash.String()]
	if !ok || int(prev.Index) >= len(src.TxOut) {
		return nil, false
	}
	return src.TxOut[prev.Index], true
}
