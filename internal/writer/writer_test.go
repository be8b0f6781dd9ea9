package writer

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/ordware/satsync/internal/indexer"
	"github.com/ordware/satsync/internal/models"
	"github.com/ordware/satsync/internal/parser"
	"github.com/ordware/satsync/internal/storage"
)

type fixture struct {
	store  *storage.DB
	writer *Writer
	owners *models.OwnerSet
	addr   string
	script []byte
}

func setup(t *testing.T) *fixture {
	t.Helper()

	store, err := storage.New(filepath.Join(t.TempDir(), "wallet.sqlite"))
	if err != nil {
		t.Fatalf("storage.New() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	server := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(server.Close)
	client := indexer.NewWithHTTPClient(server.URL, server.Client())

	pkh := bytes.Repeat([]byte{0x11}, 20)
	addr, err := btcutil.NewAddressPubKeyHash(pkh, &chaincfg.MainNetParams)
	if err != nil {
		t.Fatalf("NewAddressPubKeyHash() error = %v", err)
	}
	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		t.Fatalf("PayToAddrScript() error = %v", err)
	}

	owners := models.NewOwnerSet(addr.EncodeAddress())
	pipeline := parser.New(client, owners, NewSourceResolver(store, client))

	return &fixture{
		store:  store,
		writer: New(store, pipeline, owners, client),
		owners: owners,
		addr:   addr.EncodeAddress(),
		script: script,
	}
}

func newTx(outs ...*wire.TxOut) *models.Transaction {
	msgTx := wire.NewMsgTx(wire.TxVersion)
	var prevHash chainhash.Hash
	prevHash[0] = 0xee
	msgTx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&prevHash, 0), nil, nil))
	for _, out := range outs {
		msgTx.AddTxOut(out)
	}
	return models.NewTransaction(msgTx)
}

func spendOf(source *models.Transaction, vout uint32, outs ...*wire.TxOut) *models.Transaction {
	msgTx := wire.NewMsgTx(wire.TxVersion)
	hash := source.MsgTx.TxHash()
	msgTx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&hash, vout), nil, nil))
	for _, out := range outs {
		msgTx.AddTxOut(out)
	}
	tx := models.NewTransaction(msgTx)
	tx.SetSource(source.TxID(), source.MsgTx)
	return tx
}

func TestIngestTransaction_OwnedOutput(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	tx := newTx(wire.NewTxOut(5000, f.script))
	result, err := f.writer.IngestTransaction(ctx, tx, false, []string{"sync"})
	if err != nil {
		t.Fatalf("IngestTransaction() error = %v", err)
	}
	if result.InternalizedCount != 1 {
		t.Errorf("expected 1 internalized output, got %d", result.InternalizedCount)
	}

	rec, err := f.store.FindTransaction(ctx, tx.TxID())
	if err != nil || rec == nil {
		t.Fatalf("FindTransaction() = %+v, %v", rec, err)
	}
	if rec.Status != models.TxStatusUnproven {
		t.Errorf("expected unproven status, got %s", rec.Status)
	}
	if rec.IsOutgoing {
		t.Error("incoming funds are not outgoing")
	}
	if rec.SatoshisReceived != 5000 || rec.Satoshis != 5000 {
		t.Errorf("unexpected accounting: %+v", rec)
	}
	if rec.Reference == "" {
		t.Error("expected random reference")
	}

	out, err := f.store.FindOutput(ctx, tx.TxID(), 0)
	if err != nil || out == nil {
		t.Fatalf("FindOutput() = %+v, %v", out, err)
	}
	if out.Basket != "fund" || !out.Spendable {
		t.Errorf("unexpected output: %+v", out)
	}

	tags, err := f.store.TagsForOutput(ctx, out.ID)
	if err != nil {
		t.Fatalf("TagsForOutput() error = %v", err)
	}
	if len(tags) == 0 || tags[0] != "own:"+f.addr {
		t.Errorf("expected own:%s tag first, got %v", f.addr, tags)
	}
}

func TestIngestTransaction_Idempotent(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	tx := newTx(wire.NewTxOut(5000, f.script))
	if _, err := f.writer.IngestTransaction(ctx, tx, false, nil); err != nil {
		t.Fatalf("first ingest error = %v", err)
	}

	result, err := f.writer.IngestTransaction(ctx, tx, false, nil)
	if err != nil {
		t.Fatalf("second ingest error = %v", err)
	}
	if result.InternalizedCount != 0 {
		t.Errorf("expected re-ingest to internalize nothing, got %d", result.InternalizedCount)
	}

	out, _ := f.store.FindOutput(ctx, tx.TxID(), 0)
	if out == nil || !out.Spendable {
		t.Errorf("re-ingest must not disturb the output: %+v", out)
	}
}

func TestIngestTransaction_BroadcastStatus(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	tx := newTx(wire.NewTxOut(5000, f.script))
	if _, err := f.writer.IngestTransaction(ctx, tx, true, nil); err != nil {
		t.Fatalf("IngestTransaction() error = %v", err)
	}
	rec, _ := f.store.FindTransaction(ctx, tx.TxID())
	if rec.Status != models.TxStatusCompleted {
		t.Errorf("expected completed status for broadcast, got %s", rec.Status)
	}
}

func TestIngestTransaction_SpendsOwnedInputs(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	funding := newTx(wire.NewTxOut(5000, f.script))
	if _, err := f.writer.IngestTransaction(ctx, funding, false, nil); err != nil {
		t.Fatalf("ingest funding error = %v", err)
	}

	// Spend the funding output to a foreign address.
	foreignPkh := bytes.Repeat([]byte{0x99}, 20)
	foreignAddr, _ := btcutil.NewAddressPubKeyHash(foreignPkh, &chaincfg.MainNetParams)
	foreignScript, _ := txscript.PayToAddrScript(foreignAddr)

	spender := spendOf(funding, 0, wire.NewTxOut(4500, foreignScript))
	if _, err := f.writer.IngestTransaction(ctx, spender, false, nil); err != nil {
		t.Fatalf("ingest spender error = %v", err)
	}

	rec, _ := f.store.FindTransaction(ctx, spender.TxID())
	if !rec.IsOutgoing {
		t.Error("expected outgoing transaction")
	}
	if rec.SatoshisSpent != 5000 || rec.Satoshis != -5000 {
		t.Errorf("unexpected accounting: %+v", rec)
	}

	out, _ := f.store.FindOutput(ctx, funding.TxID(), 0)
	if out.Spendable {
		t.Error("expected consumed output flipped to non-spendable")
	}
	if out.SpentBy == nil || *out.SpentBy != rec.ID {
		t.Errorf("expected spentBy %d, got %v", rec.ID, out.SpentBy)
	}

	// The hydrated source chain is persisted.
	has, _ := f.store.HasSource(ctx, funding.TxID())
	if !has {
		t.Error("expected funding transaction persisted as source")
	}
}

func TestMarkSpent(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	// Unknown outpoint: no-op.
	unknown := models.Outpoint{
		Txid: "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb",
		Vout: 0,
	}
	if err := f.writer.MarkSpent(ctx, unknown, "cccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccc"); err != nil {
		t.Fatalf("MarkSpent(unknown) error = %v", err)
	}

	// Known spendable outpoint flips.
	tx := newTx(wire.NewTxOut(5000, f.script))
	f.writer.IngestTransaction(ctx, tx, false, nil)

	outpoint := models.Outpoint{Txid: tx.TxID(), Vout: 0}
	if err := f.writer.MarkSpent(ctx, outpoint, "cccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccc"); err != nil {
		t.Fatalf("MarkSpent() error = %v", err)
	}
	out, _ := f.store.FindOutput(ctx, tx.TxID(), 0)
	if out.Spendable {
		t.Error("expected output flipped to non-spendable")
	}

	// Idempotent: flipping again is a no-op.
	if err := f.writer.MarkSpent(ctx, outpoint, ""); err != nil {
		t.Fatalf("second MarkSpent() error = %v", err)
	}
}

func TestMarkSpent_VerifierRejects(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	tx := newTx(wire.NewTxOut(5000, f.script))
	f.writer.IngestTransaction(ctx, tx, false, nil)

	f.writer.SetSpendVerifier(func(context.Context, string) error {
		return context.DeadlineExceeded
	})

	outpoint := models.Outpoint{Txid: tx.TxID(), Vout: 0}
	err := f.writer.MarkSpent(ctx, outpoint, "cccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccc")
	if err == nil {
		t.Fatal("expected verification failure")
	}

	out, _ := f.store.FindOutput(ctx, tx.TxID(), 0)
	if !out.Spendable {
		t.Error("a failed verification must not mark the output spent")
	}
}
