package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/tessera/internal/coordinator"
	"github.com/dreamware/tessera/internal/ipc"
	"github.com/dreamware/tessera/internal/logging"
	"github.com/dreamware/tessera/internal/metrics"
	"github.com/dreamware/tessera/internal/shard"
)

// brain is the part of *coordinator.Brain the status API uses.
type brain interface {
	Topology(ctx context.Context) (coordinator.View, error)
	Status(ctx context.Context, timeout time.Duration) (ipc.StatusReply, error)
	Rebalance(ctx context.Context) ([]shard.Range, error)
	Shutdown(ctx context.Context, reason string) error
}

// api serves the Brain's human-facing view over HTTP. It is the only place
// in the tree where topology health is exposed.
type api struct {
	brain         brain
	statusTimeout time.Duration
	logger        *zap.Logger
}

func newAPI(b brain, statusTimeout time.Duration, logger *zap.Logger) *api {
	return &api{brain: b, statusTimeout: statusTimeout, logger: logging.OrNop(logger).Named("api")}
}

func (a *api) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("/topology", a.handleTopology)
	mux.HandleFunc("/shards", a.handleShards)
	mux.HandleFunc("/status", a.handleStatus)
	mux.HandleFunc("/rebalance", a.handleRebalance)
	mux.HandleFunc("/shutdown", a.handleShutdown)
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// brainError maps a failed Brain call to a response.
func (a *api) brainError(w http.ResponseWriter, err error) {
	if errors.Is(err, coordinator.ErrStopped) {
		http.Error(w, "brain stopped", http.StatusServiceUnavailable)
		return
	}
	a.logger.Warn("request failed", zap.Error(err))
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func (a *api) handleTopology(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	view, err := a.brain.Topology(r.Context())
	if err != nil {
		a.brainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// handleShards lists the range ledger.
func (a *api) handleShards(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	view, err := a.brain.Topology(r.Context())
	if err != nil {
		a.brainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		TotalShards int                       `json:"total_shards"`
		Ranges      []coordinator.RangeRecord `json:"ranges"`
	}{TotalShards: view.TotalShards, Ranges: view.Ranges})
}

// handleStatus fans a STATUS request out through the tree. An optional
// timeout query parameter, e.g. ?timeout=500ms, bounds the wait.
func (a *api) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	timeout := a.statusTimeout
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			http.Error(w, "bad timeout", http.StatusBadRequest)
			return
		}
		timeout = d
	}
	status, err := a.brain.Status(r.Context(), timeout)
	if err != nil {
		a.brainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (a *api) handleRebalance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	cleared, err := a.brain.Rebalance(r.Context())
	if err != nil {
		a.brainError(w, err)
		return
	}
	if cleared == nil {
		cleared = []shard.Range{}
	}
	writeJSON(w, http.StatusOK, struct {
		Cleared []shard.Range `json:"cleared"`
	}{Cleared: cleared})
}

// handleShutdown drains the whole tree and answers once it is done.
func (a *api) handleShutdown(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "requested"
	}
	a.logger.Info("shutdown requested", zap.String("reason", reason), zap.String("remote", r.RemoteAddr))
	if err := a.brain.Shutdown(r.Context(), reason); err != nil {
		a.brainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "drained"})
}
