package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ordware/satsync/internal/config"
	"github.com/ordware/satsync/internal/models"
	"github.com/ordware/satsync/internal/wallet"
)

// apiError is the standard error response shape.
type apiError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	var resp apiError
	resp.Error.Code = code
	resp.Error.Message = message
	writeJSON(w, status, resp)
}

// syncStatusResponse combines queue stats with orchestrator flags.
type syncStatusResponse struct {
	Stats           models.QueueStats `json:"stats"`
	State           models.SyncState  `json:"state"`
	StreamActive    bool              `json:"streamActive"`
	StreamDone      bool              `json:"streamDone"`
	ProcessorActive bool              `json:"processorActive"`
	Owners          []string          `json:"owners"`
}

// HealthHandler handles GET /api/health.
func HealthHandler(cfg *config.Config, version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":  "ok",
			"version": version,
			"indexer": cfg.IndexerURL,
			"account": cfg.AccountID,
		})
	}
}

// SyncStatus handles GET /api/sync/status.
func SyncStatus(wlt *wallet.Wallet) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := wlt.Queue().GetStats(r.Context())
		if err != nil {
			slog.Error("failed to query queue stats", "error", err)
			writeError(w, http.StatusInternalServerError, config.ErrorDatabase, "failed to query queue stats")
			return
		}
		state, err := wlt.Queue().GetState(r.Context())
		if err != nil {
			slog.Error("failed to query sync state", "error", err)
			writeError(w, http.StatusInternalServerError, config.ErrorDatabase, "failed to query sync state")
			return
		}

		writeJSON(w, http.StatusOK, syncStatusResponse{
			Stats:           stats,
			State:           state,
			StreamActive:    wlt.IsStreamActive(),
			StreamDone:      wlt.IsStreamDone(),
			ProcessorActive: wlt.IsProcessorActive(),
			Owners:          wlt.Owners().List(),
		})
	}
}

// StartSync handles POST /api/sync/start: it launches a sync epoch in the
// background.
func StartSync(wlt *wallet.Wallet) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		slog.Info("sync start requested", "remoteAddr", r.RemoteAddr)

		if err := wlt.StartStream(context.Background()); err != nil {
			if errors.Is(err, config.ErrSyncActive) {
				writeError(w, http.StatusConflict, config.ErrorSyncActive, "sync already active")
				return
			}
			slog.Error("failed to start stream", "error", err)
			writeError(w, http.StatusInternalServerError, config.ErrorSyncFailed, err.Error())
			return
		}
		if err := wlt.StartProcessor(context.Background()); err != nil && !errors.Is(err, config.ErrSyncActive) {
			slog.Error("failed to start processor", "error", err)
			writeError(w, http.StatusInternalServerError, config.ErrorSyncFailed, err.Error())
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{"message": "sync started"})
	}
}

// StopSync handles POST /api/sync/stop.
func StopSync(wlt *wallet.Wallet) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		slog.Info("sync stop requested", "remoteAddr", r.RemoteAddr)
		wlt.StopSync()
		writeJSON(w, http.StatusOK, map[string]any{"message": "sync stopped"})
	}
}

// SyncSSE handles GET /api/sync/sse — relays lifecycle events to the
// client as Server-Sent Events.
func SyncSSE(hub *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			slog.Error("SSE not supported: response writer does not implement http.Flusher")
			writeError(w, http.StatusInternalServerError, config.ErrorSyncFailed, "streaming not supported")
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		ch := hub.Subscribe()
		defer func() {
			hub.Unsubscribe(ch)
			slog.Info("SSE client disconnected", "remoteAddr", r.RemoteAddr)
		}()

		keepAlive := time.NewTicker(config.SSEKeepAliveInterval)
		defer keepAlive.Stop()

		for {
			select {
			case event, open := <-ch:
				if !open {
					return
				}
				data, err := json.Marshal(event.Data)
				if err != nil {
					slog.Error("failed to marshal event", "type", event.Type, "error", err)
					continue
				}
				fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
				flusher.Flush()
			case <-keepAlive.C:
				fmt.Fprint(w, ": keep-alive\n\n")
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	}
}
