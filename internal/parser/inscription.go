package parser

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/ordware/satsync/internal/config"
	"github.com/ordware/satsync/internal/models"
)

// InscriptionFile is the decoded payload of an inscription envelope.
type InscriptionFile struct {
	Hash    string
	Size    int
	Type    string
	Content []byte
}

// InscriptionData is the insc decoder's slot.
type InscriptionData struct {
	File   InscriptionFile
	Fields map[int][]byte
	Parent *models.Outpoint
}

// MapData holds MAP protocol key/value pairs.
type MapData map[string]string

// mapPrefix is the MAP protocol's bitcom address.
var mapPrefix = []byte("1PuQa7K62MiKCtssSLKy1kh56WWU7MtUR5")

// inscriptionDecoder recognises the inscription envelope inside 1-sat
// outputs. It also eagerly parses an embedded MAP frame in the script suffix
// and writes it into the map decoder's slot; that side-write is part of its
// contract and is applied explicitly by the pipeline via ParseResult.Extra.
type inscriptionDecoder struct{}

// NewInscriptionDecoder creates the inscription decoder.
func NewInscriptionDecoder() Decoder { return &inscriptionDecoder{} }

func (d *inscriptionDecoder) Tag() string { return TagInsc }

func (d *inscriptionDecoder) Parse(txo *models.Txo) *models.ParseResult {
	if txo.Satoshis != 1 {
		return nil
	}
	env, ok := parseEnvelope(txo.LockingScript)
	if !ok {
		return nil
	}

	hash := sha256.Sum256(env.content)
	data := InscriptionData{
		File: InscriptionFile{
			Hash:    hex.EncodeToString(hash[:]),
			Size:    len(env.content),
			Type:    env.contentType,
			Content: env.content,
		},
		Fields: env.fields,
		Parent: env.parent,
	}

	result := &models.ParseResult{Data: data}

	// The spend template wraps the envelope; a recognisable P2PKH pattern on
	// either side identifies the owner.
	if addr, ok := scanP2PKH(env.prefix); ok {
		result.Owner = addr
	} else if addr, ok := scanP2PKH(env.suffix); ok {
		result.Owner = addr
	}

	if isTextContent(env.contentType) && len(env.content) <= config.MaxEagerContentBytes {
		result.Content = string(env.content)
	}

	if m := parseMapTokens(env.suffix); len(m) > 0 {
		result.Extra = map[string]models.IndexData{
			TagMap: {Data: m},
		}
	}

	return result
}

func (d *inscriptionDecoder) Summarize(context.Context, *models.ParseContext, bool) (*models.IndexSummary, error) {
	return nil, nil
}

// parseMapTokens extracts MAP SET key/value pairs from a script segment.
func parseMapTokens(segment []byte) MapData {
	tokens, _ := tokenize(segment)
	return parseMapFrame(tokens)
}

// parseMapFrame extracts MAP SET pairs from a token list. The frame is the
// MAP bitcom address, the "SET" command, then alternating keys and values.
func parseMapFrame(tokens []scriptToken) MapData {
	start := -1
	for i, t := range tokens {
		if bytes.Equal(t.data, mapPrefix) {
			start = i
			break
		}
	}
	if start < 0 || start+1 >= len(tokens) || !bytes.Equal(tokens[start+1].data, []byte("SET")) {
		return nil
	}

	m := make(MapData)
	for i := start + 2; i+1 < len(tokens); i += 2 {
		key := tokens[i].data
		value := tokens[i+1].data
		if len(key) == 0 || bytes.Equal(key, []byte("|")) {
			break
		}
		m[string(key)] = string(value)
	}
	if len(m) == 0 {
		return nil
	}
	return m
}
