package parser

import (
	"context"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/ordware/satsync/internal/indexer"
	"github.com/ordware/satsync/internal/models"
)

func notFoundClient(t *testing.T) *indexer.Client {
	t.Helper()
	server := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(server.Close)
	return indexer.NewWithHTTPClient(server.URL, server.Client())
}

func TestPipeline_HydratesSourcesFromResolver(t *testing.T) {
	addr, template := testAddress(t, 0x11)
	owners := models.NewOwnerSet(addr)

	source := sourceTx(wire.NewTxOut(5000, template))
	tx := newTxWith(t, nil, wire.NewTxOut(4000, template))
	// Point the input at the source without hydrating it.
	tx.MsgTx.TxIn[0].PreviousOutPoint = *wire.NewOutPoint(ptrHash(source.TxHash()), 0)
	tx.Sources = map[string]*wire.MsgTx{}

	resolver := &mapResolver{sources: map[string]*wire.MsgTx{
		source.TxHash().String(): source,
	}}

	pipeline := New(notFoundClient(t), owners, resolver)
	pc, err := pipeline.Parse(context.Background(), tx, false)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if len(pc.Spends) != 1 {
		t.Fatalf("expected 1 spend, got %d", len(pc.Spends))
	}
	if pc.Spends[0].Satoshis != 5000 {
		t.Errorf("expected hydrated spend of 5000 sats, got %d", pc.Spends[0].Satoshis)
	}
	if _, ok := pc.Spends[0].Data[TagFund]; !ok {
		t.Error("expected fund decode on the spent source output")
	}
}

func TestPipeline_MissingSourceIsTolerated(t *testing.T) {
	addr, template := testAddress(t, 0x22)
	owners := models.NewOwnerSet(addr)

	tx := newTxWith(t, nil, wire.NewTxOut(4000, template))

	pipeline := New(notFoundClient(t), owners, &mapResolver{})
	pc, err := pipeline.Parse(context.Background(), tx, false)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	// The spend exists but carries no annotation.
	if len(pc.Spends) != 1 || len(pc.Spends[0].Data) != 0 {
		t.Errorf("expected bare spend for missing source, got %+v", pc.Spends[0])
	}
	// Outputs still decode.
	if pc.Txos[0].Basket != BasketFund {
		t.Errorf("expected fund basket, got %s", pc.Txos[0].Basket)
	}
}

func TestPipeline_ParsePurity(t *testing.T) {
	addr, template := testAddress(t, 0x33)
	owners := models.NewOwnerSet(addr)

	build := func() *models.Transaction {
		source := sourceTx(wire.NewTxOut(5000, template))
		return newTxWith(t, source,
			wire.NewTxOut(4000, template),
			wire.NewTxOut(1, inscribe(t, template, "text/plain", []byte("pure"), nil)),
		)
	}

	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()
	client := indexer.NewWithHTTPClient(server.URL, server.Client())

	parseOnce := func() *models.ParseContext {
		pipeline := New(client, owners, &mapResolver{})
		pc, err := pipeline.Parse(context.Background(), build(), false)
		if err != nil {
			t.Fatalf("Parse() error = %v", err)
		}
		return pc
	}

	a, b := parseOnce(), parseOnce()
	if len(a.Txos) != len(b.Txos) {
		t.Fatalf("output counts differ: %d vs %d", len(a.Txos), len(b.Txos))
	}
	for i := range a.Txos {
		if a.Txos[i].Owner != b.Txos[i].Owner || a.Txos[i].Basket != b.Txos[i].Basket {
			t.Errorf("output %d owner/basket differ between isolated parses", i)
		}
		if !reflect.DeepEqual(a.Txos[i].Data, b.Txos[i].Data) {
			t.Errorf("output %d data differs between isolated parses", i)
		}
	}
	if !reflect.DeepEqual(a.Summary, b.Summary) {
		t.Error("summaries differ between isolated parses")
	}
}

func ptrHash(h chainhash.Hash) *chainhash.Hash { return &h }
