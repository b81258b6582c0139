package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/tessera/internal/cluster"
	"github.com/dreamware/tessera/internal/coordinator"
	"github.com/dreamware/tessera/internal/ipc"
	"github.com/dreamware/tessera/internal/shard"
)

// fakeBrain records calls and returns canned answers.
type fakeBrain struct {
	view    coordinator.View
	status  ipc.StatusReply
	cleared []shard.Range
	err     error

	gotTimeout time.Duration
	gotReason  string
}

func (f *fakeBrain) Topology(ctx context.Context) (coordinator.View, error) {
	return f.view, f.err
}

func (f *fakeBrain) Status(ctx context.Context, timeout time.Duration) (ipc.StatusReply, error) {
	f.gotTimeout = timeout
	return f.status, f.err
}

func (f *fakeBrain) Rebalance(ctx context.Context) ([]shard.Range, error) {
	return f.cleared, f.err
}

func (f *fakeBrain) Shutdown(ctx context.Context, reason string) error {
	f.gotReason = reason
	return f.err
}

func sampleView() coordinator.View {
	return coordinator.View{
		Targets:     cluster.Targets{TotalServers: 1, ClustersPerServer: 2, ShardsPerCluster: 3},
		TotalShards: 6,
		Servers:     []coordinator.ServerRecord{{UID: 1, Session: "s", Connected: true}},
		Clusters:    []coordinator.ClusterRecord{{UID: 2, Server: 1, Range: shard.Range{Start: 0, Stop: 3}, Connected: true}},
		Ranges: []coordinator.RangeRecord{
			{Range: shard.Range{Start: 0, Stop: 3}, Server: 1, Cluster: 2, State: shard.StateAssigned},
			{Range: shard.Range{Start: 3, Stop: 6}, Server: 1, State: shard.StatePending},
		},
	}
}

// TestAPIRoutes tests method checks and status codes of every endpoint
func TestAPIRoutes(t *testing.T) {
	tests := []struct {
		name     string
		method   string
		path     string
		err      error
		wantCode int
		wantBody string
	}{
		{name: "health", method: http.MethodGet, path: "/health", wantCode: http.StatusOK, wantBody: `"ok"`},
		{name: "topology", method: http.MethodGet, path: "/topology", wantCode: http.StatusOK, wantBody: `"total_shards":6`},
		{name: "topology wrong method", method: http.MethodPost, path: "/topology", wantCode: http.StatusMethodNotAllowed},
		{name: "shards", method: http.MethodGet, path: "/shards", wantCode: http.StatusOK, wantBody: `"state":"pending"`},
		{name: "shards wrong method", method: http.MethodDelete, path: "/shards", wantCode: http.StatusMethodNotAllowed},
		{name: "status", method: http.MethodGet, path: "/status", wantCode: http.StatusOK, wantBody: `"state":"ACTIVE"`},
		{name: "status bad timeout", method: http.MethodGet, path: "/status?timeout=soon", wantCode: http.StatusBadRequest},
		{name: "rebalance", method: http.MethodPost, path: "/rebalance", wantCode: http.StatusOK, wantBody: `"cleared":[]`},
		{name: "rebalance wrong method", method: http.MethodGet, path: "/rebalance", wantCode: http.StatusMethodNotAllowed},
		{name: "shutdown wrong method", method: http.MethodGet, path: "/shutdown", wantCode: http.StatusMethodNotAllowed},
		{name: "stopped brain", method: http.MethodGet, path: "/topology", err: coordinator.ErrStopped, wantCode: http.StatusServiceUnavailable},
		{name: "failing brain", method: http.MethodPost, path: "/rebalance", err: errors.New("boom"), wantCode: http.StatusInternalServerError},
		{name: "metrics", method: http.MethodGet, path: "/metrics", wantCode: http.StatusOK, wantBody: "tessera_"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fb := &fakeBrain{
				view:   sampleView(),
				status: ipc.StatusReply{Identity: cluster.NodeIdentity{Role: cluster.RoleBrain}, State: "ACTIVE"},
				err:    tt.err,
			}
			handler := newAPI(fb, time.Second, nil).routes()

			req := httptest.NewRequest(tt.method, tt.path, nil)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantCode, rec.Code)
			if tt.wantBody != "" {
				assert.Contains(t, rec.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestStatusTimeoutParameter(t *testing.T) {
	fb := &fakeBrain{}
	handler := newAPI(fb, 3*time.Second, nil).routes()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 3*time.Second, fb.gotTimeout)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status?timeout=250ms", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 250*time.Millisecond, fb.gotTimeout)
}

func TestShutdownPassesReason(t *testing.T) {
	fb := &fakeBrain{}
	handler := newAPI(fb, time.Second, nil).routes()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/shutdown?reason=upgrade", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "upgrade", fb.gotReason)

	var body map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "drained", body["status"])

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/shutdown", nil))
	assert.Equal(t, "requested", fb.gotReason)
}

func TestRebalanceListsClearedRanges(t *testing.T) {
	fb := &fakeBrain{cleared: []shard.Range{{Start: 3, Stop: 6}}}
	handler := newAPI(fb, time.Second, nil).routes()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/rebalance", strings.NewReader("")))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Cleared []shard.Range `json:"cleared"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, []shard.Range{{Start: 3, Stop: 6}}, body.Cleared)
}
