package indexer

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/ordware/satsync/internal/config"
	"github.com/ordware/satsync/internal/models"
)

// OwnerStream is a live SSE subscription on the owner sync endpoint. Events
// arrive on Events(); the server's terminal "done" event closes Done().
// After Events() is closed, Err() reports a transport error if the stream
// ended for any reason other than "done" or cancellation.
type OwnerStream struct {
	events chan models.SyncOutput
	done   chan struct{}
	cancel context.CancelFunc

	mu       sync.Mutex
	err      error
	doneSeen bool
}

// SubscribeOwnerEvents opens the owner SSE stream for the given addresses,
// resuming from the given score. The subscription lives until the server
// signals done, the stream errors, or Close is called.
func (c *Client) SubscribeOwnerEvents(ctx context.Context, owners []string, from float64) (*OwnerStream, error) {
	streamCtx, cancel := context.WithCancel(ctx)

	url := c.ownerSyncURL(owners, from)
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, url, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	// The SSE connection is long-lived; bypass the client's request timeout.
	streamClient := &http.Client{Transport: c.httpClient.Transport}
	resp, err := streamClient.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open owner stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		cancel()
		return nil, statusError(resp)
	}

	slog.Info("owner stream opened",
		"owners", len(owners),
		"from", from,
	)

	s := &OwnerStream{
		events: make(chan models.SyncOutput),
		done:   make(chan struct{}),
		cancel: cancel,
	}

	go s.read(streamCtx, resp)

	return s, nil
}

// Events returns the channel of delivered sync outputs. It is closed when
// the stream ends for any reason.
func (s *OwnerStream) Events() <-chan models.SyncOutput { return s.events }

// Done is closed when the server signals catch-up with the "done" event.
func (s *OwnerStream) Done() <-chan struct{} { return s.done }

// Err returns the transport error that ended the stream, if any.
func (s *OwnerStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close cancels the subscription. Safe to call more than once.
func (s *OwnerStream) Close() {
	s.cancel()
}

// read consumes the SSE wire format: "event:" lines name the next message,
// "data:" lines carry its payload, a blank line dispatches it.
func (s *OwnerStream) read(ctx context.Context, resp *http.Response) {
	defer resp.Body.Close()
	defer close(s.events)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	eventName := ""
	var data strings.Builder

	dispatch := func() bool {
		defer func() {
			eventName = ""
			data.Reset()
		}()

		if eventName == "done" {
			s.markDone()
			return false
		}
		if data.Len() == 0 {
			return true
		}

		var out models.SyncOutput
		if err := json.Unmarshal([]byte(data.String()), &out); err != nil {
			slog.Warn("unparseable stream event", "data", data.String(), "error", err)
			return true
		}

		select {
		case s.events <- out:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if !dispatch() {
				return
			}
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(line[len("event:"):])
		case strings.HasPrefix(line, "data:"):
			data.WriteString(strings.TrimSpace(line[len("data:"):]))
		case strings.HasPrefix(line, ":"):
			// keep-alive comment
		}
	}

	// Flush a trailing message without a terminating blank line.
	if eventName != "" || data.Len() > 0 {
		dispatch()
	}

	if ctx.Err() == nil && !s.isDone() {
		err := scanner.Err()
		if err == nil {
			// The body ended without the terminal "done" event.
			err = config.ErrStreamClosed
		}
		s.mu.Lock()
		s.err = fmt.Errorf("owner stream: %w", err)
		s.mu.Unlock()
		slog.Error("owner stream failed", "error", err)
	}
}

func (s *OwnerStream) markDone() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.doneSeen {
		s.doneSeen = true
		close(s.done)
		slog.Info("owner stream caught up")
	}
}

func (s *OwnerStream) isDone() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doneSeen
}
