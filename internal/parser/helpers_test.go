package parser

import (
	"bytes"
	"context"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/ordware/satsync/internal/config"
	"github.com/ordware/satsync/internal/models"
)

// testAddress derives a P2PKH address and locking script from a fill byte.
func testAddress(t *testing.T, fill byte) (string, []byte) {
	t.Helper()
	pkh := bytes.Repeat([]byte{fill}, 20)
	addr, err := btcutil.NewAddressPubKeyHash(pkh, &chaincfg.MainNetParams)
	if err != nil {
		t.Fatalf("NewAddressPubKeyHash() error = %v", err)
	}
	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		t.Fatalf("PayToAddrScript() error = %v", err)
	}
	return addr.EncodeAddress(), script
}

// inscribe builds an inscription envelope after the given spend template.
func inscribe(t *testing.T, template []byte, contentType string, content []byte, suffix []byte) []byte {
	t.Helper()
	b := txscript.NewScriptBuilder()
	b.AddOp(txscript.OP_0).AddOp(txscript.OP_IF)
	b.AddData([]byte("ord"))
	b.AddInt64(1).AddData([]byte(contentType))
	b.AddOp(txscript.OP_0)
	if len(content) > 0 {
		b.AddData(content)
	}
	b.AddOp(txscript.OP_ENDIF)
	env, err := b.Script()
	if err != nil {
		t.Fatalf("build envelope: %v", err)
	}

	script := append(append([]byte(nil), template...), env...)
	return append(script, suffix...)
}

// mapSuffix builds a trailing MAP SET frame.
func mapSuffix(t *testing.T, pairs ...string) []byte {
	t.Helper()
	if len(pairs)%2 != 0 {
		t.Fatal("mapSuffix needs key/value pairs")
	}
	b := txscript.NewScriptBuilder()
	b.AddData(mapPrefix).AddData([]byte("SET"))
	for _, p := range pairs {
		b.AddData([]byte(p))
	}
	script, err := b.Script()
	if err != nil {
		t.Fatalf("build map frame: %v", err)
	}
	return script
}

// newTxo wraps a script into a Txo for direct decoder tests.
func newTxo(script []byte, satoshis uint64) *models.Txo {
	return &models.Txo{
		Outpoint:      models.Outpoint{Txid: "ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff", Vout: 0},
		LockingScript: script,
		Satoshis:      satoshis,
		Data:          make(map[string]models.IndexData),
	}
}

// newTxWith builds a transaction with the given outputs and one input
// spending vout 0 of the given source transaction (hydrated).
func newTxWith(t *testing.T, source *wire.MsgTx, outs ...*wire.TxOut) *models.Transaction {
	t.Helper()
	msgTx := wire.NewMsgTx(wire.TxVersion)

	var prevHash chainhash.Hash
	if source != nil {
		prevHash = source.TxHash()
	}
	msgTx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&prevHash, 0), nil, nil))
	for _, out := range outs {
		msgTx.AddTxOut(out)
	}

	tx := models.NewTransaction(msgTx)
	if source != nil {
		tx.SetSource(prevHash.String(), source)
	}
	return tx
}

// sourceTx builds a standalone source transaction with the given outputs.
func sourceTx(outs ...*wire.TxOut) *wire.MsgTx {
	msgTx := wire.NewMsgTx(wire.TxVersion)
	var prevHash chainhash.Hash
	prevHash[0] = 0xee
	msgTx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&prevHash, 0), nil, nil))
	for _, out := range outs {
		msgTx.AddTxOut(out)
	}
	return msgTx
}

// mapResolver resolves sources from a fixed map.
type mapResolver struct {
	sources map[string]*wire.MsgTx
}

func (r *mapResolver) Source(_ context.Context, txid string) (*wire.MsgTx, error) {
	if src, ok := r.sources[txid]; ok {
		return src, nil
	}
	return nil, config.ErrNotFound
}
