package parser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ordware/satsync/internal/config"
	"github.com/ordware/satsync/internal/indexer"
	"github.com/ordware/satsync/internal/models"
)

// OriginData tracks the provenance of a 1-sat ordinal output.
type OriginData struct {
	Outpoint models.Outpoint
	Nonce    uint64
	Map      MapData
	Parent   *models.Outpoint

	ContentType   string
	ContentLength int64
}

// originDecoder resolves each 1-sat output to its origin: either the output
// itself (a new mint) or, when a 1-sat input aligns with the output's
// cumulative satoshi position, the provenance chain of that input resolved
// through OrdFS.
type originDecoder struct {
	client *indexer.Client
	owners *models.OwnerSet
}

// NewOriginDecoder creates the origin decoder.
func NewOriginDecoder(client *indexer.Client, owners *models.OwnerSet) Decoder {
	return &originDecoder{client: client, owners: owners}
}

func (d *originDecoder) Tag() string { return TagOrigin }

// Parse records a preliminary slot for 1-sat outputs that are not fungible
// token payloads; the real work happens in Summarize once the whole
// transaction is visible.
func (d *originDecoder) Parse(txo *models.Txo) *models.ParseResult {
	if txo.Satoshis != 1 {
		return nil
	}
	if env, ok := parseEnvelope(txo.LockingScript); ok && env.contentType == bsv21ContentType {
		return nil
	}
	return &models.ParseResult{Data: OriginData{}, Basket: Basket1Sat}
}

func (d *originDecoder) Summarize(ctx context.Context, pc *models.ParseContext, _ bool) (*models.IndexSummary, error) {
	var outOffset uint64
	for i, txo := range pc.Txos {
		offset := outOffset
		outOffset += txo.Satoshis

		slot, ok := txo.Data[TagOrigin]
		if !ok {
			continue
		}

		data, err := d.resolve(ctx, pc, txo, offset)
		if err != nil {
			return nil, fmt.Errorf("resolve origin for output %d: %w", i, err)
		}

		slot.Data = *data
		slot.Tags = d.tags(txo, data)
		if content := d.eagerContent(ctx, pc, txo, data); content != "" {
			slot.Content = content
		}
		txo.Data[TagOrigin] = slot
	}
	return nil, nil
}

// resolve determines whether the output is a transfer (a 1-sat input aligns
// with its cumulative satoshi position) or a new origin.
func (d *originDecoder) resolve(ctx context.Context, pc *models.ParseContext, txo *models.Txo, offset uint64) (*OriginData, error) {
	data := OriginData{Outpoint: txo.Outpoint}

	if insc := inscriptionOf(txo); insc != nil {
		data.ContentType = insc.File.Type
		data.ContentLength = int64(insc.File.Size)
		data.Parent = insc.Parent
	}
	current := mapOf(txo)

	source, transfer := alignedInput(pc, offset)
	if transfer {
		meta, err := d.client.OrdfsMetadata(ctx, source.String())
		switch {
		case err == nil:
			if meta.Origin != "" {
				if op, perr := models.ParseOutpoint(meta.Origin); perr == nil {
					data.Outpoint = op
				}
			} else {
				data.Outpoint = source
			}
			data.Nonce = meta.Sequence + 1
			if data.ContentType == "" {
				data.ContentType = meta.ContentType
				data.ContentLength = meta.ContentLength
			}
			// Inherited MAP data merges under the current output's.
			data.Map = mergeMaps(meta.Map, current)
		case errors.Is(err, config.ErrNotFound):
			// The indexer does not know the source; treat as a new origin.
			slog.Debug("ordfs metadata absent, treating as new origin",
				"source", source.String(),
				"outpoint", txo.Outpoint.String(),
			)
			data.Map = current
		default:
			return nil, err
		}
	} else {
		data.Map = current
	}

	if data.Parent != nil {
		if err := d.validateParent(ctx, &data); err != nil {
			return nil, err
		}
	}

	return &data, nil
}

// validateParent checks the parent claim against fresh metadata; a 404
// clears the claim.
func (d *originDecoder) validateParent(ctx context.Context, data *OriginData) error {
	_, err := d.client.OrdfsMetadata(ctx, data.Parent.String())
	if errors.Is(err, config.ErrNotFound) {
		slog.Debug("parent claim cleared", "parent", data.Parent.String())
		data.Parent = nil
		return nil
	}
	return err
}

// eagerContent fetches text-ish content up to the inline cap. Inscribed
// content is already in the script; transfers fetch from OrdFS.
func (d *originDecoder) eagerContent(ctx context.Context, pc *models.ParseContext, txo *models.Txo, data *OriginData) string {
	if !isTextContent(data.ContentType) || data.ContentLength > config.MaxEagerContentBytes {
		return ""
	}

	if insc := inscriptionOf(txo); insc != nil && len(insc.File.Content) > 0 {
		return string(insc.File.Content)
	}
	if data.Outpoint == txo.Outpoint {
		return ""
	}

	content, err := d.client.Content(ctx, data.Outpoint.String())
	if err != nil {
		if !errors.Is(err, config.ErrNotFound) {
			slog.Warn("eager content fetch failed",
				"origin", data.Outpoint.String(),
				"error", err,
			)
		}
		return ""
	}
	if len(content.Data) > config.MaxEagerContentBytes {
		return ""
	}
	return string(content.Data)
}

// tags builds the origin tag set for owned outputs.
func (d *originDecoder) tags(txo *models.Txo, data *OriginData) []string {
	if !d.owners.Has(txo.Owner) {
		return nil
	}
	tags := []string{"origin:" + data.Outpoint.String()}
	if data.ContentType != "" {
		tags = append(tags,
			"type:"+mimeCategory(data.ContentType),
			"type:"+baseMime(data.ContentType),
		)
	}
	if name, ok := data.Map["name"]; ok && name != "" {
		tags = append(tags, "name:"+name)
	}
	return tags
}

// alignedInput walks the inputs' cumulative satoshi positions looking for a
// 1-sat input that starts exactly at offset.
func alignedInput(pc *models.ParseContext, offset uint64) (models.Outpoint, bool) {
	var inOffset uint64
	for vin, spend := range pc.Spends {
		if inOffset == offset && spend.Satoshis == 1 {
			return pc.Tx.SourceOutpoint(vin), true
		}
		if inOffset > offset {
			break
		}
		inOffset += spend.Satoshis
	}
	return models.Outpoint{}, false
}

// inscriptionOf returns the insc slot data if the output carries one.
func inscriptionOf(txo *models.Txo) *InscriptionData {
	if slot, ok := txo.Data[TagInsc]; ok {
		if insc, ok := slot.Data.(InscriptionData); ok {
			return &insc
		}
	}
	return nil
}

// mapOf returns the map slot data if the output carries one.
func mapOf(txo *models.Txo) MapData {
	if slot, ok := txo.Data[TagMap]; ok {
		if m, ok := slot.Data.(MapData); ok {
			return m
		}
	}
	return nil
}

// mergeMaps overlays current on top of inherited.
func mergeMaps(inherited map[string]string, current MapData) MapData {
	if len(inherited) == 0 && len(current) == 0 {
		return nil
	}
	merged := make(MapData, len(inherited)+len(current))
	for k, v := range inherited {
		merged[k] = v
	}
	for k, v := range current {
		merged[k] = v
	}
	return merged
}
