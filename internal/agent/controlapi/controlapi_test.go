package controlapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeSyncer counts ForceSync calls and optionally fails.
type fakeSyncer struct {
	calls atomic.Int64
	err   error
}

func (s *fakeSyncer) ForceSync(_ context.Context) error {
	s.calls.Add(1)
	return s.err
}

func startTestServer(t *testing.T, syncer Syncer) *Server {
	t.Helper()
	srv := New("127.0.0.1", 0, syncer, nil, zap.NewNop())
	require.NoError(t, srv.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return srv
}

func postJSON(t *testing.T, url string) (int, map[string]string) {
	t.Helper()
	resp, err := http.Post(url, "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp.StatusCode, body
}

func TestTriggerSyncInvokesSyncer(t *testing.T) {
	syncer := &fakeSyncer{}
	srv := startTestServer(t, syncer)

	status, body := postJSON(t, fmt.Sprintf("http://%s/trigger-sync", srv.Addr()))
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "sync triggered", body["message"])
	assert.Equal(t, int64(1), syncer.calls.Load())
}

func TestTriggerSyncReportsFailure(t *testing.T) {
	syncer := &fakeSyncer{err: errors.New("controller unreachable")}
	srv := startTestServer(t, syncer)

	status, body := postJSON(t, fmt.Sprintf("http://%s/trigger-sync", srv.Addr()))
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, "error", body["status"])
	assert.Equal(t, "controller unreachable", body["message"])
}

func TestHealthEndpoint(t *testing.T) {
	srv := startTestServer(t, &fakeSyncer{})

	resp, err := http.Get(fmt.Sprintf("http://%s/health", srv.Addr()))
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", body["status"])
}
