package parser

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"

	"github.com/ordware/satsync/internal/models"
)

// LockData describes a timelocked output.
type LockData struct {
	Address string
	Until   uint32
}

// Lock contract template. The locking script is the contract prefix, a
// 20-byte pubkey hash push, a minimally-encoded lock height push, and the
// contract suffix.
var (
	lockPrefix = mustHex("2097dfd76851bf465e8f715593b217714858bbe9570ff3bd5e33840a34e20ff0262102ba79df5f8ae7604a9830f03c7933028186aede0675a16f025dc4f8be8eec0382201008ce7480da41702918d1ec8e6849ba32b4d65b1e40dc669c31a1e6306b266c0000")
	lockSuffix = mustHex("610079040065cd1d9f690079547a75537a537a537a5179537a75527a527a7575615579014161517957795779210ac407f0e4bd44bfc207355a778b046225a7068fc59ee7eda43ad905aadbffc80079aa87")
)

func mustHex(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		panic(err)
	}
	return b
}

// lockDecoder recognises the lock contract template.
type lockDecoder struct {
	owners *models.OwnerSet
}

// NewLockDecoder creates the lock decoder.
func NewLockDecoder(owners *models.OwnerSet) Decoder {
	return &lockDecoder{owners: owners}
}

func (d *lockDecoder) Tag() string { return TagLock }

func (d *lockDecoder) Parse(txo *models.Txo) *models.ParseResult {
	script := txo.LockingScript
	if !bytes.HasPrefix(script, lockPrefix) || !bytes.HasSuffix(script, lockSuffix) {
		return nil
	}

	body := script[len(lockPrefix) : len(script)-len(lockSuffix)]
	tokens, ok := tokenize(body)
	if !ok || len(tokens) != 2 || len(tokens[0].data) != 20 {
		return nil
	}

	addr, ok := pkhAddress(tokens[0].data)
	if !ok {
		return nil
	}

	until := leUint32(tokens[1].data)

	result := &models.ParseResult{
		Data:   LockData{Address: addr, Until: until},
		Owner:  addr,
		Basket: BasketLock,
	}
	if d.owners.Has(addr) {
		result.Tags = []string{fmt.Sprintf("lock:until:%d", until)}
	}
	return result
}

func (d *lockDecoder) Summarize(context.Context, *models.ParseContext, bool) (*models.IndexSummary, error) {
	return nil, nil
}

// leUint32 decodes a minimally-encoded little-endian script number.
func leUint32(b []byte) uint32 {
	var n uint32
	for i := len(b) - 1; i >= 0; i-- {
		n = n<<8 | uint32(b[i])
	}
	return n
}
