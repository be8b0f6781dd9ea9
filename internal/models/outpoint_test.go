package models

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/ordware/satsync/internal/config"
)

const testTxid = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

func TestParseOutpoint_RoundTrip(t *testing.T) {
	s := testTxid + "_7"
	op, err := ParseOutpoint(s)
	if err != nil {
		t.Fatalf("ParseOutpoint() error = %v", err)
	}
	if op.Txid != testTxid {
		t.Errorf("expected txid %s, got %s", testTxid, op.Txid)
	}
	if op.Vout != 7 {
		t.Errorf("expected vout 7, got %d", op.Vout)
	}
	if op.String() != s {
		t.Errorf("expected round-trip %s, got %s", s, op.String())
	}
}

func TestParseOutpoint_Malformed(t *testing.T) {
	cases := []string{
		"",
		"abc",
		testTxid,              // no separator
		testTxid + "_",        // no vout
		testTxid + "_-1",      // negative vout
		testTxid + "_1x",      // trailing garbage
		testTxid[:63] + "_0",  // short txid
		testTxid + "a_0",      // long txid
		strings.ToUpper(testTxid) + "_0", // uppercase hex
		strings.Replace(testTxid, "a", "g", 1) + "_0", // non-hex
	}
	for _, s := range cases {
		if _, err := ParseOutpoint(s); !errors.Is(err, config.ErrMalformedOutpoint) {
			t.Errorf("ParseOutpoint(%q) error = %v, want ErrMalformedOutpoint", s, err)
		}
	}
}

func TestOutpoint_BigEndianBytes(t *testing.T) {
	op := Outpoint{Txid: testTxid, Vout: 258}
	b, err := op.BigEndianBytes()
	if err != nil {
		t.Fatalf("BigEndianBytes() error = %v", err)
	}
	if len(b) != 36 {
		t.Fatalf("expected 36 bytes, got %d", len(b))
	}
	for i := 0; i < 32; i++ {
		if b[i] != 0xaa {
			t.Fatalf("expected txid byte 0xaa at %d, got %#x", i, b[i])
		}
	}
	if b[32] != 0 || b[33] != 0 || b[34] != 1 || b[35] != 2 {
		t.Errorf("expected big-endian vout 258, got % x", b[32:])
	}
}

func TestOutpoint_JSON(t *testing.T) {
	op := Outpoint{Txid: testTxid, Vout: 3}
	data, err := json.Marshal(op)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if string(data) != `"`+testTxid+`_3"` {
		t.Errorf("unexpected JSON form: %s", data)
	}

	var decoded Outpoint
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if decoded != op {
		t.Errorf("expected %v, got %v", op, decoded)
	}
}

func TestQueueItemID(t *testing.T) {
	op := Outpoint{Txid: testTxid, Vout: 0}
	id := QueueItemID(op, 100.5)
	if id != testTxid+"_0:100.5" {
		t.Errorf("unexpected id: %s", id)
	}
	if QueueItemID(op, 100) != testTxid+"_0:100" {
		t.Errorf("unexpected integral-score id: %s", QueueItemID(op, 100))
	}
}
