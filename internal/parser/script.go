package parser

import (
	"bytes"
	"encoding/binary"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"

	"github.com/ordware/satsync/internal/models"
)

// scriptToken is one parsed opcode with its data push (if any) and the byte
// range it occupies in the script.
type scriptToken struct {
	op    byte
	data  []byte
	start int
	end   int
}

// tokenize splits a script into tokens. Malformed scripts return the tokens
// parsed so far plus ok=false; decoders treat that as "no match".
func tokenize(script []byte) ([]scriptToken, bool) {
	var tokens []scriptToken
	tk := txscript.MakeScriptTokenizer(0, script)
	start := 0
	for tk.Next() {
		end := int(tk.ByteIndex())
		tokens = append(tokens, scriptToken{
			op:    tk.Opcode(),
			data:  tk.Data(),
			start: start,
			end:   end,
		})
		start = end
	}
	return tokens, tk.Err() == nil
}

// smallInt maps an opcode or 1-byte push to its numeric value, used for
// envelope field numbers. Returns -1 when the token is not a small int.
func smallInt(t scriptToken) int {
	switch {
	case t.op == txscript.OP_0 && len(t.data) == 0:
		return 0
	case t.op >= txscript.OP_1 && t.op <= txscript.OP_16:
		return int(t.op-txscript.OP_1) + 1
	case len(t.data) == 1:
		return int(t.data[0])
	}
	return -1
}

// isP2PKH reports whether script is a standard pay-to-pubkey-hash locking
// script and returns the pubkey hash.
func isP2PKH(script []byte) ([]byte, bool) {
	if len(script) == 25 &&
		script[0] == txscript.OP_DUP &&
		script[1] == txscript.OP_HASH160 &&
		script[2] == txscript.OP_DATA_20 &&
		script[23] == txscript.OP_EQUALVERIFY &&
		script[24] == txscript.OP_CHECKSIG {
		return script[3:23], true
	}
	return nil, false
}

// pkhAddress encodes a 20-byte pubkey hash as a base58check address.
func pkhAddress(pkh []byte) (string, bool) {
	addr, err := btcutil.NewAddressPubKeyHash(pkh, &chaincfg.MainNetParams)
	if err != nil {
		return "", false
	}
	return addr.EncodeAddress(), true
}

// p2pkhAddress returns the address of a standard P2PKH script.
func p2pkhAddress(script []byte) (string, bool) {
	pkh, ok := isP2PKH(script)
	if !ok {
		return "", false
	}
	return pkhAddress(pkh)
}

// scanP2PKH searches for the first embedded P2PKH pattern anywhere in the
// given script segment (inscription prefixes and suffixes place the spend
// template around the envelope).
func scanP2PKH(segment []byte) (string, bool) {
	for i := 0; i+25 <= len(segment); i++ {
		if addr, ok := p2pkhAddress(segment[i : i+25]); ok {
			return addr, true
		}
	}
	return "", false
}

// envelope is a parsed inscription payload: OP_FALSE OP_IF "ord" … OP_ENDIF.
type envelope struct {
	contentType string
	content     []byte
	fields      map[int][]byte
	parent      *models.Outpoint

	// prefix/suffix are the script segments before OP_FALSE and after
	// OP_ENDIF; the spend template and any trailing protocol frames live
	// there.
	prefix []byte
	suffix []byte
}

var ordMarker = []byte("ord")

// Inscription envelope field numbers.
const (
	envFieldBody        = 0
	envFieldContentType = 1
	envFieldParent      = 3
)

// parseEnvelope extracts the first inscription envelope from a locking
// script, or returns false when none is present.
func parseEnvelope(script []byte) (*envelope, bool) {
	tokens, ok := tokenize(script)
	if !ok {
		return nil, false
	}

	// Locate OP_FALSE OP_IF "ord".
	open := -1
	for i := 0; i+2 < len(tokens); i++ {
		if tokens[i].op == txscript.OP_0 && len(tokens[i].data) == 0 &&
			tokens[i+1].op == txscript.OP_IF &&
			bytes.Equal(tokens[i+2].data, ordMarker) {
			open = i
			break
		}
	}
	if open < 0 {
		return nil, false
	}

	env := &envelope{
		fields: make(map[int][]byte),
		prefix: script[:tokens[open].start],
	}

	i := open + 3
	inBody := false
	for ; i < len(tokens); i++ {
		t := tokens[i]
		if t.op == txscript.OP_ENDIF {
			env.suffix = script[t.end:]
			break
		}
		if inBody {
			env.content = append(env.content, t.data...)
			continue
		}

		field := smallInt(t)
		if field == envFieldBody {
			inBody = true
			continue
		}
		if field < 0 || i+1 >= len(tokens) {
			return nil, false
		}

		i++
		value := tokens[i].data
		switch field {
		case envFieldContentType:
			env.contentType = string(value)
		case envFieldParent:
			if op, ok := outpointFromBinary(value); ok {
				env.parent = &op
			}
		default:
			env.fields[field] = value
		}
	}
	if i >= len(tokens) {
		// Unterminated envelope.
		return nil, false
	}

	return env, true
}

// outpointFromBinary decodes the 36-byte envelope form of an outpoint:
// little-endian txid followed by a little-endian uint32 vout.
func outpointFromBinary(b []byte) (models.Outpoint, bool) {
	if len(b) != 36 {
		return models.Outpoint{}, false
	}
	var h chainhash.Hash
	if err := h.SetBytes(b[:32]); err != nil {
		return models.Outpoint{}, false
	}
	return models.Outpoint{
		Txid: h.String(),
		Vout: binary.LittleEndian.Uint32(b[32:]),
	}, true
}

// opReturnFrames splits the pushes after the first OP_RETURN into protocol
// frames separated by "|" pushes. Returns nil when the script carries no
// OP_RETURN.
func opReturnFrames(tokens []scriptToken) [][]scriptToken {
	start := -1
	for i, t := range tokens {
		if t.op == txscript.OP_RETURN {
			start = i + 1
			break
		}
	}
	if start < 0 {
		return nil
	}

	var frames [][]scriptToken
	var current []scriptToken
	for _, t := range tokens[start:] {
		if bytes.Equal(t.data, []byte("|")) {
			frames = append(frames, current)
			current = nil
			continue
		}
		current = append(current, t)
	}
	frames = append(frames, current)
	return frames
}

// isTextContent reports whether a MIME type carries text-ish content worth
// inlining (eager content fetch, customInstructions).
func isTextContent(contentType string) bool {
	base := baseMime(contentType)
	switch {
	case len(base) >= 5 && base[:5] == "text/":
		return true
	case base == "application/json", base == "application/op-ns":
		return true
	}
	return false
}

// baseMime strips any parameters from a MIME type.
func baseMime(contentType string) string {
	if i := bytes.IndexByte([]byte(contentType), ';'); i >= 0 {
		return string(bytes.TrimSpace([]byte(contentType[:i])))
	}
	return contentType
}

// mimeCategory returns the major type of a MIME type ("text/plain" → "text").
func mimeCategory(contentType string) string {
	base := baseMime(contentType)
	if i := bytes.IndexByte([]byte(base), '/'); i >= 0 {
		return base[:i]
	}
	return base
}
