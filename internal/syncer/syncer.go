// Package syncer is the dual-pipeline sync orchestrator: a stream loop that
// drains the owner event stream into the queue with re-org aware progress,
// and a processor loop that claims batches, groups by transaction, and
// drives each group through the parser and storage writer.
package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/ordware/satsync/internal/config"
	"github.com/ordware/satsync/internal/events"
	"github.com/ordware/satsync/internal/indexer"
	"github.com/ordware/satsync/internal/models"
	"github.com/ordware/satsync/internal/queue"
	"github.com/ordware/satsync/internal/writer"
)

// Syncer coordinates the stream and processor loops over one queue.
type Syncer struct {
	queue     queue.Queue
	client    *indexer.Client
	writer    *writer.Writer
	bus       *events.Bus
	owners    *models.OwnerSet
	batchSize int

	mu              sync.Mutex
	streamActive    bool
	streamDone      bool
	processorActive bool
	stopRequested   bool
	stream          *indexer.OwnerStream
	wg              sync.WaitGroup
}

// New creates a syncer. batchSize of zero falls back to the default.
func New(q queue.Queue, client *indexer.Client, w *writer.Writer, bus *events.Bus, owners *models.OwnerSet, batchSize int) *Syncer {
	if batchSize < 1 {
		batchSize = config.DefaultBatchSize
	}
	slog.Info("syncer created", "batchSize", batchSize)
	return &Syncer{
		queue:     q,
		client:    client,
		writer:    w,
		bus:       bus,
		owners:    owners,
		batchSize: batchSize,
	}
}

// Sync runs one full epoch: recover stranded items, open the stream, process
// the queue, and return once the stream has finished and the queue drained
// (or stop was requested).
func (s *Syncer) Sync(ctx context.Context) error {
	if err := s.StartStream(ctx); err != nil {
		return err
	}
	if err := s.StartProcessor(ctx); err != nil {
		s.StopStream()
		return err
	}
	s.wg.Wait()
	return nil
}

// StartStream opens the owner event stream and begins draining it into the
// queue. It first recovers any items stranded in processing by a crash.
func (s *Syncer) StartStream(ctx context.Context) error {
	if s.queue == nil {
		return config.ErrNoQueue
	}
	if s.owners.Len() == 0 {
		return config.ErrNoOwners
	}

	s.mu.Lock()
	if s.streamActive {
		s.mu.Unlock()
		return config.ErrSyncActive
	}
	s.streamActive = true
	s.streamDone = false
	s.stopRequested = false
	s.mu.Unlock()

	fail := func(err error) error {
		s.mu.Lock()
		s.streamActive = false
		s.mu.Unlock()
		return err
	}

	if _, err := s.queue.ResetProcessing(ctx); err != nil {
		return fail(fmt.Errorf("reset processing: %w", err))
	}

	state, err := s.queue.GetState(ctx)
	if err != nil {
		return fail(fmt.Errorf("load sync state: %w", err))
	}

	tip, err := s.client.Tip(ctx)
	if err != nil {
		return fail(fmt.Errorf("chain tip: %w", err))
	}

	stream, err := s.client.SubscribeOwnerEvents(ctx, s.owners.List(), state.LastQueuedScore)
	if err != nil {
		return fail(fmt.Errorf("open owner stream: %w", err))
	}

	s.mu.Lock()
	s.stream = stream
	s.mu.Unlock()

	s.bus.Emit(events.Event{
		Type: events.SyncStart,
		Data: events.SyncStartData{Addresses: s.owners.List()},
	})

	slog.Info("stream loop starting",
		"fromScore", state.LastQueuedScore,
		"tipHeight", tip.Height,
		"owners", s.owners.Len(),
	)

	s.wg.Add(1)
	go s.streamLoop(ctx, stream, tip.Height)
	return nil
}

// streamLoop drains the subscription. Progress advances only for events
// whose block is past the re-org window, so a disconnect never skips a
// reorganised tail.
func (s *Syncer) streamLoop(ctx context.Context, stream *indexer.OwnerStream, tipHeight uint32) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		s.streamActive = false
		s.streamDone = true
		s.stream = nil
		s.mu.Unlock()
	}()

	safeHeight := float64(tipHeight) - config.ReorgSafeDepth
	enqueued := 0

	for event := range stream.Events() {
		if err := s.queue.Enqueue(ctx, []models.SyncOutput{event}); err != nil {
			slog.Error("enqueue failed", "outpoint", event.Outpoint.String(), "error", err)
			s.emitError(err)
			continue
		}
		enqueued++

		if math.Floor(event.Score) <= safeHeight {
			now := time.Now().UTC()
			score := event.Score
			if err := s.queue.SetState(ctx, models.SyncStatePatch{
				LastQueuedScore: &score,
				LastSyncedAt:    &now,
			}); err != nil {
				slog.Error("persist sync state failed", "score", score, "error", err)
			}
		}
	}

	if err := stream.Err(); err != nil {
		s.emitError(err)
	}

	slog.Info("stream loop finished", "enqueued", enqueued)
}

// StartProcessor begins claiming and processing queue batches.
func (s *Syncer) StartProcessor(ctx context.Context) error {
	if s.queue == nil {
		return config.ErrNoQueue
	}

	s.mu.Lock()
	if s.processorActive {
		s.mu.Unlock()
		return config.ErrSyncActive
	}
	s.processorActive = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.processQueueLoop(ctx)
	return nil
}

// processQueueLoop claims batches until stop is requested or the stream has
// finished and the queue drained.
func (s *Syncer) processQueueLoop(ctx context.Context) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		s.processorActive = false
		s.mu.Unlock()
	}()

	slog.Info("processor loop starting", "batchSize", s.batchSize)

	for {
		if s.stopping() || ctx.Err() != nil {
			slog.Info("processor loop stopping", "reason", "stop requested")
			return
		}

		byTxid, err := s.queue.Claim(ctx, s.batchSize)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("claim failed", "error", err)
			s.emitError(err)
			if !s.sleep(ctx) {
				return
			}
			continue
		}

		if len(byTxid) == 0 {
			if s.IsStreamDone() {
				s.bus.Emit(events.Event{Type: events.SyncComplete, Data: events.SyncCompleteData{}})
				slog.Info("sync complete, queue drained")
				return
			}
			if !s.sleep(ctx) {
				return
			}
			continue
		}

		// Fan out one goroutine per transaction group; the claim size bounds
		// the concurrency.
		var wg sync.WaitGroup
		for txid, items := range byTxid {
			wg.Add(1)
			go func(txid string, items []models.QueueItem) {
				defer wg.Done()
				s.processGroup(ctx, txid, items)
			}(txid, items)
		}
		wg.Wait()

		stats, err := s.queue.GetStats(ctx)
		if err != nil {
			slog.Warn("stats query failed", "error", err)
			continue
		}
		s.bus.Emit(events.Event{
			Type: events.SyncProgress,
			Data: events.SyncProgressData{
				Pending: stats.Pending,
				Done:    stats.Done,
				Failed:  stats.Failed,
			},
		})
	}
}

// processGroup handles one transaction's claimed items: a spend-only group
// just flips stored outputs; anything else ingests the transaction.
func (s *Syncer) processGroup(ctx context.Context, txid string, items []models.QueueItem) {
	err := s.applyGroup(ctx, txid, items)
	if err != nil {
		for _, item := range items {
			if failErr := s.queue.Fail(ctx, item.ID, err.Error()); failErr != nil {
				slog.Error("mark failed failed", "id", item.ID, "error", failErr)
			}
		}
		s.emitError(err)
		return
	}

	ids := make([]string, len(items))
	for i, item := range items {
		ids[i] = item.ID
	}
	if err := s.queue.CompleteMany(ctx, ids); err != nil {
		slog.Error("complete batch failed", "txid", txid, "error", err)
		s.emitError(err)
	}
}

func (s *Syncer) applyGroup(ctx context.Context, txid string, items []models.QueueItem) error {
	spendOnly := true
	for _, item := range items {
		if item.SpendTxid == "" {
			spendOnly = false
			break
		}
	}

	if spendOnly {
		// Every event is a spend of an output of txid; no ingest needed.
		for _, item := range items {
			if err := s.writer.MarkSpent(ctx, item.Outpoint, item.SpendTxid); err != nil {
				return err
			}
		}
		return nil
	}

	spendByVout := make(map[uint32]string)
	for _, item := range items {
		if item.SpendTxid != "" {
			spendByVout[item.Outpoint.Vout] = item.SpendTxid
		}
	}
	_, err := s.writer.IngestWithSpends(ctx, txid, spendByVout, nil)
	return err
}

// StopStream closes the owner subscription; queued work keeps processing.
func (s *Syncer) StopStream() {
	s.mu.Lock()
	stream := s.stream
	s.mu.Unlock()
	if stream != nil {
		stream.Close()
	}
}

// StopProcessor asks the processor loop to exit after the current batch.
func (s *Syncer) StopProcessor() {
	s.mu.Lock()
	s.stopRequested = true
	s.mu.Unlock()
}

// StopSync cooperatively stops both loops and waits for in-flight batch work
// to settle; no claimed item is dropped.
func (s *Syncer) StopSync() {
	slog.Info("sync stop requested")
	s.StopProcessor()
	s.StopStream()
	s.wg.Wait()
	slog.Info("sync stopped")
}

// IsStreamActive reports whether the stream loop is running.
func (s *Syncer) IsStreamActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamActive
}

// IsStreamDone reports whether the stream has finished its epoch.
func (s *Syncer) IsStreamDone() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamDone
}

// IsProcessorActive reports whether the processor loop is running.
func (s *Syncer) IsProcessorActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processorActive
}

func (s *Syncer) stopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopRequested
}

// sleep yields while the queue is empty and the stream still open. Returns
// false when the context ends.
func (s *Syncer) sleep(ctx context.Context) bool {
	select {
	case <-time.After(config.QueueIdleInterval):
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Syncer) emitError(err error) {
	s.bus.Emit(events.Event{
		Type: events.SyncError,
		Data: events.SyncErrorData{Message: err.Error()},
	})
}
