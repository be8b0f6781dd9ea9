package models

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/ordware/satsync/internal/config"
)

// Outpoint identifies one output of one transaction.
// Txid is the 64-character lowercase hex transaction id, Vout the output index.
type Outpoint struct {
	Txid string
	Vout uint32
}

// NewOutpoint builds an outpoint from its pair form.
func NewOutpoint(txid string, vout uint32) Outpoint {
	return Outpoint{Txid: txid, Vout: vout}
}

// ParseOutpoint parses the canonical "<64 hex>_<decimal vout>" form.
// Returns ErrMalformedOutpoint unless the string is exactly 64 lowercase hex
// characters, an underscore, and a non-negative decimal.
func ParseOutpoint(s string) (Outpoint, error) {
	idx := strings.IndexByte(s, '_')
	if idx != 64 || len(s) < 66 {
		return Outpoint{}, fmt.Errorf("%w: %q", config.ErrMalformedOutpoint, s)
	}

	txid := s[:64]
	for _, c := range txid {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return Outpoint{}, fmt.Errorf("%w: non-hex txid in %q", config.ErrMalformedOutpoint, s)
		}
	}

	vout, err := strconv.ParseUint(s[65:], 10, 32)
	if err != nil {
		return Outpoint{}, fmt.Errorf("%w: bad vout in %q", config.ErrMalformedOutpoint, s)
	}

	return Outpoint{Txid: txid, Vout: uint32(vout)}, nil
}

// String returns the canonical "<txid>_<vout>" form.
func (o Outpoint) String() string {
	return o.Txid + "_" + strconv.FormatUint(uint64(o.Vout), 10)
}

// BigEndianBytes returns the 36-byte binary form: the txid bytes in display
// (big-endian) order followed by the vout as a big-endian uint32.
func (o Outpoint) BigEndianBytes() ([]byte, error) {
	txid, err := hex.DecodeString(o.Txid)
	if err != nil || len(txid) != 32 {
		return nil, fmt.Errorf("%w: %q", config.ErrMalformedOutpoint, o.Txid)
	}
	buf := make([]byte, 36)
	copy(buf, txid)
	binary.BigEndian.PutUint32(buf[32:], o.Vout)
	return buf, nil
}

// IsZero reports whether the outpoint is the zero value.
func (o Outpoint) IsZero() bool {
	return o.Txid == "" && o.Vout == 0
}

// MarshalJSON encodes the outpoint in its canonical string form.
func (o Outpoint) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(o.String())), nil
}

// UnmarshalJSON decodes the canonical string form.
func (o *Outpoint) UnmarshalJSON(data []byte) error {
	s, err := strconv.Unquote(string(data))
	if err != nil {
		return fmt.Errorf("%w: %s", config.ErrMalformedOutpoint, data)
	}
	parsed, err := ParseOutpoint(s)
	if err != nil {
		return err
	}
	*o = parsed
	return nil
}
