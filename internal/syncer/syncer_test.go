package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/ordware/satsync/internal/events"
	"github.com/ordware/satsync/internal/indexer"
	"github.com/ordware/satsync/internal/models"
	"github.com/ordware/satsync/internal/parser"
	"github.com/ordware/satsync/internal/queue"
	"github.com/ordware/satsync/internal/storage"
	"github.com/ordware/satsync/internal/writer"
)

type fixture struct {
	store  *storage.DB
	queue  queue.Queue
	bus    *events.Bus
	writer *writer.Writer
	syncer *Syncer
	addr   string
	script []byte

	mu       sync.Mutex
	received []events.Event
}

// newFixture wires a syncer against a fake indexer: a chaintracks tip, an
// owner SSE stream delivering the given events then done, and a raw-tx
// endpoint serving the given transactions.
func newFixture(t *testing.T, tipHeight uint32, stream []models.SyncOutput, txs ...*models.Transaction) *fixture {
	t.Helper()

	rawByTxid := make(map[string][]byte)
	for _, tx := range txs {
		raw, err := tx.Bytes()
		if err != nil {
			t.Fatalf("serialize tx: %v", err)
		}
		rawByTxid[tx.TxID()] = raw
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/chaintracks/tip", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(indexer.BlockHeader{Height: tipHeight, Hash: "00"})
	})
	mux.HandleFunc("/api/owner/sync", func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		for _, out := range stream {
			data, _ := json.Marshal(out)
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
		fmt.Fprint(w, "event: done\ndata: \n\n")
		flusher.Flush()
	})
	mux.HandleFunc("/api/beef/", func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/api/beef/")
		txid := strings.TrimSuffix(path, "/raw")
		if raw, ok := rawByTxid[txid]; ok {
			w.Write(raw)
			return
		}
		http.NotFound(w, r)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	store, err := storage.New(filepath.Join(t.TempDir(), "wallet.sqlite"))
	if err != nil {
		t.Fatalf("storage.New() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	q, err := queue.NewSQLite(filepath.Join(t.TempDir(), "queue.sqlite"))
	if err != nil {
		t.Fatalf("queue.NewSQLite() error = %v", err)
	}
	t.Cleanup(func() { q.Close() })

	client := indexer.NewWithHTTPClient(server.URL, server.Client())

	pkh := bytes.Repeat([]byte{0x11}, 20)
	address, err := btcutil.NewAddressPubKeyHash(pkh, &chaincfg.MainNetParams)
	if err != nil {
		t.Fatalf("NewAddressPubKeyHash() error = %v", err)
	}
	script, err := txscript.PayToAddrScript(address)
	if err != nil {
		t.Fatalf("PayToAddrScript() error = %v", err)
	}

	owners := models.NewOwnerSet(address.EncodeAddress())
	pipeline := parser.New(client, owners, writer.NewSourceResolver(store, client))
	wr := writer.New(store, pipeline, owners, client)
	bus := events.NewBus()

	f := &fixture{
		store:  store,
		queue:  q,
		bus:    bus,
		writer: wr,
		syncer: New(q, client, wr, bus, owners, 20),
		addr:   address.EncodeAddress(),
		script: script,
	}
	bus.Subscribe(func(e events.Event) {
		f.mu.Lock()
		f.received = append(f.received, e)
		f.mu.Unlock()
	})
	return f
}

func (f *fixture) eventCount(typ events.Type) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.received {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func p2pkhTx(script []byte, value int64) *models.Transaction {
	msgTx := wire.NewMsgTx(wire.TxVersion)
	var prevHash chainhash.Hash
	prevHash[0] = 0xee
	msgTx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&prevHash, 0), nil, nil))
	msgTx.AddTxOut(wire.NewTxOut(value, script))
	return models.NewTransaction(msgTx)
}

func runSync(t *testing.T, f *fixture) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := f.syncer.Sync(ctx); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
}

func TestSync_FreshUnspentOutput(t *testing.T) {
	f := newFixture(t, 200, nil)
	tx := p2pkhTx(f.script, 5000)

	// Recreate the fixture with the event now that the txid is known.
	f = newFixture(t, 200, []models.SyncOutput{
		{Outpoint: models.Outpoint{Txid: tx.TxID(), Vout: 0}, Score: 100.0},
	}, tx)

	runSync(t, f)

	ctx := context.Background()
	out, err := f.store.FindOutput(ctx, tx.TxID(), 0)
	if err != nil || out == nil {
		t.Fatalf("FindOutput() = %+v, %v", out, err)
	}
	if out.Basket != "fund" || !out.Spendable {
		t.Errorf("unexpected output: %+v", out)
	}
	tags, _ := f.store.TagsForOutput(ctx, out.ID)
	if len(tags) == 0 || tags[0] != "own:"+f.addr {
		t.Errorf("expected own tag, got %v", tags)
	}

	state, _ := f.queue.GetState(ctx)
	if state.LastQueuedScore != 100.0 {
		t.Errorf("expected lastQueuedScore 100, got %v", state.LastQueuedScore)
	}

	stats, _ := f.queue.GetStats(ctx)
	if stats.Done != 1 || stats.Pending != 0 || stats.Failed != 0 {
		t.Errorf("unexpected stats: %+v", stats)
	}

	if f.eventCount(events.SyncStart) != 1 {
		t.Error("expected sync:start")
	}
	if f.eventCount(events.SyncComplete) != 1 {
		t.Error("expected sync:complete")
	}
	if f.eventCount(events.SyncError) != 0 {
		t.Error("expected no sync:error")
	}
}

func TestSync_ReorgWindowHoldsProgress(t *testing.T) {
	f := newFixture(t, 200, nil)
	safeTx := p2pkhTx(f.script, 5000)
	tipTx := p2pkhTx(f.script, 6000)

	f = newFixture(t, 200, []models.SyncOutput{
		{Outpoint: models.Outpoint{Txid: safeTx.TxID(), Vout: 0}, Score: 100.0},
		// Inside the 6-block window: enqueued but not persisted as progress.
		{Outpoint: models.Outpoint{Txid: tipTx.TxID(), Vout: 0}, Score: 198.0},
	}, safeTx, tipTx)

	runSync(t, f)

	ctx := context.Background()
	state, _ := f.queue.GetState(ctx)
	if state.LastQueuedScore != 100.0 {
		t.Errorf("expected progress pinned at 100, got %v", state.LastQueuedScore)
	}

	// Both transactions were still processed.
	stats, _ := f.queue.GetStats(ctx)
	if stats.Done != 2 {
		t.Errorf("expected both transactions done, got %+v", stats)
	}
	if out, _ := f.store.FindOutput(ctx, tipTx.TxID(), 0); out == nil {
		t.Error("expected tip-window output ingested")
	}
}

func TestSync_HistoricalSpendSkipped(t *testing.T) {
	spendTxid := strings.Repeat("cc", 32)
	outpoint := models.Outpoint{Txid: strings.Repeat("bb", 32), Vout: 0}

	f := newFixture(t, 200, []models.SyncOutput{
		{Outpoint: outpoint, Score: 50.0, SpendTxid: spendTxid},
	})

	runSync(t, f)

	ctx := context.Background()
	stats, _ := f.queue.GetStats(ctx)
	if stats.Done != 1 || stats.Failed != 0 {
		t.Errorf("expected spend-only item done, got %+v", stats)
	}

	// No wallet rows were created.
	if rec, _ := f.store.FindTransaction(ctx, outpoint.Txid); rec != nil {
		t.Errorf("expected no transaction row, got %+v", rec)
	}
	if f.eventCount(events.SyncError) != 0 {
		t.Error("expected no sync:error for an unknown historical spend")
	}
}

func TestSync_LiveSpendFlipsOutput(t *testing.T) {
	f := newFixture(t, 200, nil)
	funding := p2pkhTx(f.script, 5000)

	spendTxid := strings.Repeat("cc", 32)
	f = newFixture(t, 200, []models.SyncOutput{
		{Outpoint: models.Outpoint{Txid: funding.TxID(), Vout: 0}, Score: 150.0, SpendTxid: spendTxid},
	}, funding)

	// Precondition: the wallet owns the funded output.
	ctx := context.Background()
	if _, err := f.writer.IngestTransaction(ctx, funding, false, nil); err != nil {
		t.Fatalf("precondition ingest error = %v", err)
	}

	runSync(t, f)

	out, _ := f.store.FindOutput(ctx, funding.TxID(), 0)
	if out == nil || out.Spendable {
		t.Errorf("expected owned output flipped by live spend, got %+v", out)
	}

	stats, _ := f.queue.GetStats(ctx)
	if stats.Done != 1 {
		t.Errorf("expected spend item done, got %+v", stats)
	}
}

func TestSync_RequiresOwners(t *testing.T) {
	f := newFixture(t, 200, nil)
	s := New(f.queue, indexer.New("http://127.0.0.1:0"), f.writer, f.bus, models.NewOwnerSet(), 20)
	if err := s.StartStream(context.Background()); err == nil {
		t.Fatal("expected error with no owners")
	}
}

func TestSync_StopSyncIsCooperative(t *testing.T) {
	f := newFixture(t, 200, nil)
	if err := f.syncer.StartProcessor(context.Background()); err != nil {
		t.Fatalf("StartProcessor() error = %v", err)
	}
	if !f.syncer.IsProcessorActive() {
		t.Fatal("expected processor active")
	}

	f.syncer.StopSync()
	if f.syncer.IsProcessorActive() {
		t.Error("expected processor stopped after StopSync")
	}
}
