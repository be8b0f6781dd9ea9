package indexer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/ordware/satsync/internal/config"
	"github.com/ordware/satsync/internal/models"
)

// OrdfsMetadata is the OrdFS view of one 1-sat output.
type OrdfsMetadata struct {
	Outpoint      string            `json:"outpoint"`
	Origin        string            `json:"origin,omitempty"`
	Sequence      uint64            `json:"sequence"`
	ContentType   string            `json:"contentType"`
	ContentLength int64             `json:"contentLength"`
	Parent        string            `json:"parent,omitempty"`
	Map           map[string]string `json:"map,omitempty"`
}

// Content is a raw OrdFS content fetch together with the sidecar headers.
type Content struct {
	Data        []byte
	ContentType string
	Outpoint    string
	Origin      string
	Sequence    uint64
	Parent      string
	Map         map[string]string
}

// BlockHeader is the chaintracks view of one header.
type BlockHeader struct {
	Height     uint32 `json:"height"`
	Hash       string `json:"hash"`
	MerkleRoot string `json:"merkleRoot"`
	PrevHash   string `json:"prevHash,omitempty"`
	Time       int64  `json:"time,omitempty"`
}

// Bsv21Token is the immutable detail record of a fungible token.
type Bsv21Token struct {
	ID   string `json:"id"`
	Sym  string `json:"sym"`
	Icon string `json:"icon,omitempty"`
	Dec  uint8  `json:"dec"`
	Amt  uint64 `json:"amt,omitempty"`
}

// Bsv21TxEntry is one side of a token transfer within a transaction.
type Bsv21TxEntry struct {
	Vout uint32 `json:"vout"`
	Amt  uint64 `json:"amt"`
}

// Bsv21Tx is the overlay's per-transaction token data.
type Bsv21Tx struct {
	TxID    string         `json:"txid"`
	Inputs  []Bsv21TxEntry `json:"inputs"`
	Outputs []Bsv21TxEntry `json:"outputs"`
}

// Broadcast transaction statuses returned by the arcade endpoint.
const (
	TxStatusUnknown           = "UNKNOWN"
	TxStatusReceived          = "RECEIVED"
	TxStatusSentToNetwork     = "SENT_TO_NETWORK"
	TxStatusAcceptedByNetwork = "ACCEPTED_BY_NETWORK"
	TxStatusSeenOnNetwork     = "SEEN_ON_NETWORK"
	TxStatusDoubleSpend       = "DOUBLE_SPEND_ATTEMPTED"
	TxStatusRejected          = "REJECTED"
	TxStatusMined             = "MINED"
	TxStatusImmutable         = "IMMUTABLE"
)

// BroadcastResult is the arcade broadcast response.
type BroadcastResult struct {
	TxID        string `json:"txid"`
	TxStatus    string `json:"txStatus"`
	BlockHash   string `json:"blockHash,omitempty"`
	BlockHeight uint32 `json:"blockHeight,omitempty"`
	MerklePath  string `json:"merklePath,omitempty"`
	ExtraInfo   string `json:"extraInfo,omitempty"`
}

// BroadcastOptions carries the optional arcade callback headers.
type BroadcastOptions struct {
	CallbackURL   string
	CallbackToken string
}

// Client is a typed wrapper over the upstream indexer's HTTP and SSE
// endpoints. All calls respect the context; request/response calls also wait
// on the shared rate limiter, while opening the owner stream does not.
type Client struct {
	httpClient *http.Client
	baseURL    string
	rl         *RateLimiter
}

// New creates an indexer client for the given base URL.
func New(baseURL string) *Client {
	return NewWithHTTPClient(baseURL, &http.Client{Timeout: config.IndexerRequestTimeout})
}

// NewWithHTTPClient creates a client with a caller-supplied http.Client,
// used by tests to point at httptest servers.
func NewWithHTTPClient(baseURL string, httpClient *http.Client) *Client {
	slog.Info("indexer client created", "baseURL", baseURL)
	return &Client{
		httpClient: httpClient,
		baseURL:    baseURL,
		rl:         NewRateLimiter("indexer", config.IndexerRateLimit),
	}
}

// BaseURL returns the configured indexer base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// Beef fetches the self-contained transaction bytes (with merkle proofs).
func (c *Client) Beef(ctx context.Context, txid string) ([]byte, error) {
	return c.getBytes(ctx, fmt.Sprintf("%s%s/%s", c.baseURL, config.BeefPath, txid))
}

// RawTx fetches and deserializes the raw transaction bytes.
func (c *Client) RawTx(ctx context.Context, txid string) (*models.Transaction, error) {
	raw, err := c.getBytes(ctx, fmt.Sprintf("%s%s/%s/raw", c.baseURL, config.BeefPath, txid))
	if err != nil {
		return nil, err
	}
	tx, err := models.TransactionFromBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("decode raw tx %s: %w", txid, err)
	}
	return tx, nil
}

// Proof fetches the merkle-path bytes for a mined transaction.
func (c *Client) Proof(ctx context.Context, txid string) ([]byte, error) {
	return c.getBytes(ctx, fmt.Sprintf("%s%s/%s/proof", c.baseURL, config.BeefPath, txid))
}

// Tip returns the current chain tip header.
func (c *Client) Tip(ctx context.Context) (*BlockHeader, error) {
	var header BlockHeader
	if err := c.getJSON(ctx, c.baseURL+config.ChaintracksPath+"/tip", &header); err != nil {
		return nil, err
	}
	return &header, nil
}

// HeaderByHeight returns the header at the given height.
func (c *Client) HeaderByHeight(ctx context.Context, height uint32) (*BlockHeader, error) {
	var header BlockHeader
	url := fmt.Sprintf("%s%s/header/height/%d", c.baseURL, config.ChaintracksPath, height)
	if err := c.getJSON(ctx, url, &header); err != nil {
		return nil, err
	}
	return &header, nil
}

// Headers returns count raw 80-byte headers starting at height, concatenated.
func (c *Client) Headers(ctx context.Context, height uint32, count int) ([]byte, error) {
	url := fmt.Sprintf("%s%s/headers?height=%d&count=%d", c.baseURL, config.ChaintracksPath, height, count)
	return c.getBytes(ctx, url)
}

// OrdfsMetadata fetches OrdFS metadata for an outpoint, optionally at a
// specific sequence ("<outpoint>:<seq>").
func (c *Client) OrdfsMetadata(ctx context.Context, outpoint string) (*OrdfsMetadata, error) {
	var meta OrdfsMetadata
	url := fmt.Sprintf("%s%s/metadata/%s", c.baseURL, config.OrdfsPath, outpoint)
	if err := c.getJSON(ctx, url, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// Content fetches raw content bytes for an outpoint along with the sidecar
// X-* headers.
func (c *Client) Content(ctx context.Context, outpoint string) (*Content, error) {
	if err := c.rl.Wait(ctx); err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s%s/%s", c.baseURL, config.ContentPath, outpoint)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create content request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch content %s: %w", outpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read content %s: %w", outpoint, err)
	}

	content := &Content{
		Data:        data,
		ContentType: resp.Header.Get("Content-Type"),
		Outpoint:    resp.Header.Get("X-Outpoint"),
		Origin:      resp.Header.Get("X-Origin"),
		Parent:      resp.Header.Get("X-Parent"),
	}
	if seq := resp.Header.Get("X-Ord-Seq"); seq != "" {
		if n, err := strconv.ParseUint(seq, 10, 64); err == nil {
			content.Sequence = n
		}
	}
	if m := resp.Header.Get("X-Map"); m != "" {
		if err := json.Unmarshal([]byte(m), &content.Map); err != nil {
			slog.Warn("unparseable X-Map header", "outpoint", outpoint, "error", err)
		}
	}

	return content, nil
}

// Bsv21Token fetches the immutable token details for a token id.
func (c *Client) Bsv21Token(ctx context.Context, tokenID string) (*Bsv21Token, error) {
	var token Bsv21Token
	url := fmt.Sprintf("%s%s/%s", c.baseURL, config.Bsv21Path, tokenID)
	if err := c.getJSON(ctx, url, &token); err != nil {
		return nil, err
	}
	return &token, nil
}

// Bsv21Tx fetches the per-transaction token data for a token id.
func (c *Client) Bsv21Tx(ctx context.Context, tokenID, txid string) (*Bsv21Tx, error) {
	var data Bsv21Tx
	url := fmt.Sprintf("%s%s/%s/tx/%s", c.baseURL, config.Bsv21Path, tokenID, txid)
	if err := c.getJSON(ctx, url, &data); err != nil {
		return nil, err
	}
	return &data, nil
}

// Broadcast posts raw transaction bytes to the arcade endpoint.
func (c *Client) Broadcast(ctx context.Context, rawTx []byte, opts *BroadcastOptions) (*BroadcastResult, error) {
	if err := c.rl.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+config.ArcadePath, bytes.NewReader(rawTx))
	if err != nil {
		return nil, fmt.Errorf("create broadcast request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	if opts != nil {
		if opts.CallbackURL != "" {
			req.Header.Set("X-CallbackUrl", opts.CallbackURL)
		}
		if opts.CallbackToken != "" {
			req.Header.Set("X-CallbackToken", opts.CallbackToken)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("broadcast transaction: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	var result BroadcastResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode broadcast response: %w", err)
	}

	slog.Info("transaction broadcast",
		"txid", result.TxID,
		"txStatus", result.TxStatus,
	)

	return &result, nil
}

func (c *Client) getBytes(ctx context.Context, url string) ([]byte, error) {
	if err := c.rl.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response %s: %w", url, err)
	}
	return data, nil
}

func (c *Client) getJSON(ctx context.Context, url string, out any) error {
	if err := c.rl.Wait(ctx); err != nil {
		return err
	}

	slog.Debug("indexer request", "url", url)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response %s: %w", url, err)
	}
	return nil
}

func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &HTTPError{Status: resp.StatusCode, Message: string(bytes.TrimSpace(body))}
}

// ownerSyncURL builds the owner stream subscription URL.
func (c *Client) ownerSyncURL(owners []string, from float64) string {
	q := url.Values{}
	for _, o := range owners {
		q.Add("owner", o)
	}
	q.Set("from", strconv.FormatFloat(from, 'f', -1, 64))
	return c.baseURL + config.OwnerSyncPath + "?" + q.Encode()
}
