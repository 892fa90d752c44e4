package server_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/chamber/internal/config"
	"github.com/zjrosen/chamber/internal/engine"
	"github.com/zjrosen/chamber/internal/server"
	"github.com/zjrosen/chamber/internal/supervisor"
	"github.com/zjrosen/chamber/internal/vcs"
)

type stubProc struct {
	mu       sync.Mutex
	stdin    [][]byte
	exitOnce sync.Once
	exited   chan struct{}
	status   supervisor.ExitStatus
}

func (p *stubProc) PID() int { return 9999 }

func (p *stubProc) Wait() supervisor.ExitStatus {
	<-p.exited
	return p.status
}

func (p *stubProc) Terminate() error {
	p.exitOnce.Do(func() { close(p.exited) })
	return nil
}

func (p *stubProc) Kill() error {
	p.exitOnce.Do(func() {
		p.status = supervisor.ExitStatus{Code: -1, Signal: "KILL"}
		close(p.exited)
	})
	return nil
}

func (p *stubProc) WriteStdin(b []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stdin = append(p.stdin, append([]byte(nil), b...))
	return nil
}

func stubLauncher(spec supervisor.ProcessSpec, onLine func(stream, line string)) (supervisor.ChildProcess, error) {
	onLine("stdout", "worker ready")
	return &stubProc{exited: make(chan struct{})}, nil
}

type env struct {
	srv  *httptest.Server
	eng  *engine.Engine
	fake *vcs.Fake
}

func newTestEnv(t *testing.T) *env {
	t.Helper()

	cfg := config.Defaults()
	cfg.StateDir = t.TempDir()

	fake := vcs.NewFake()
	eng, err := engine.New(engine.Options{
		Config:   cfg,
		RepoDir:  t.TempDir(),
		Executor: fake,
		Launcher: stubLauncher,
	})
	require.NoError(t, err)
	require.NoError(t, eng.Start())

	srv := httptest.NewServer(server.New(eng).Handler())
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = eng.Shutdown(ctx)
	})
	return &env{srv: srv, eng: eng, fake: fake}
}

func (e *env) do(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, e.srv.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	var decoded map[string]any
	if strings.Contains(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	}
	return resp, decoded
}

func (e *env) spawn(t *testing.T, name string) string {
	t.Helper()
	resp, body := e.do(t, http.MethodPost, "/api/workers", map[string]any{
		"name":        name,
		"base_branch": "main",
		"command":     "agent",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	workers := body["workers"].([]any)
	require.Len(t, workers, 1)
	worker := workers[0].(map[string]any)["worker"].(map[string]any)
	return worker["id"].(string)
}

func errorCode(t *testing.T, body map[string]any) string {
	t.Helper()
	envelope, ok := body["error"].(map[string]any)
	require.True(t, ok, "response has no error envelope: %v", body)
	return envelope["code"].(string)
}

func TestHealthz(t *testing.T) {
	e := newTestEnv(t)
	resp, body := e.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestSpawnValidation(t *testing.T) {
	e := newTestEnv(t)

	tests := []struct {
		name string
		body map[string]any
		code string
	}{
		{"missing name", map[string]any{"base_branch": "main", "command": "agent"}, "bad_request"},
		{"count too high", map[string]any{"name": "a", "base_branch": "main", "command": "agent", "count": 11}, "bad_request"},
		{"branch with count", map[string]any{"name": "a", "base_branch": "main", "command": "agent", "count": 2, "branch": "custom"}, "bad_request"},
		{"missing base", map[string]any{"name": "a", "command": "agent"}, "bad_request"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := e.do(t, http.MethodPost, "/api/workers", tc.body)
			require.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, tc.code, errorCode(t, body))
		})
	}
}

func TestSpawnGetListTerminate(t *testing.T) {
	e := newTestEnv(t)
	id := e.spawn(t, "alpha")

	resp, body := e.do(t, http.MethodGet, "/api/workers/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "alpha", body["name"])
	assert.Equal(t, "active", body["status"])

	resp, body = e.do(t, http.MethodGet, "/api/workers?status=active", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["count"])

	resp, body = e.do(t, http.MethodGet, "/api/workers?status=nonsense", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "bad_request", errorCode(t, body))

	resp, _ = e.do(t, http.MethodDelete, "/api/workers/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// The worker settled; a second terminate observes not_found.
	resp, body = e.do(t, http.MethodDelete, "/api/workers/"+id, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", errorCode(t, body))
}

func TestGetUnknownWorker(t *testing.T) {
	e := newTestEnv(t)
	resp, body := e.do(t, http.MethodGet, "/api/workers/nope", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", errorCode(t, body))
}

func TestSpawnCountCreatesSuffixedWorkers(t *testing.T) {
	e := newTestEnv(t)
	resp, body := e.do(t, http.MethodPost, "/api/workers", map[string]any{
		"name":        "crew",
		"base_branch": "main",
		"command":     "agent",
		"count":       3,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	workers := body["workers"].([]any)
	require.Len(t, workers, 3)

	names := make([]string, 0, 3)
	for _, raw := range workers {
		worker := raw.(map[string]any)["worker"].(map[string]any)
		names = append(names, worker["name"].(string))
	}
	assert.ElementsMatch(t, []string{"crew-1", "crew-2", "crew-3"}, names)
}

func TestWorkerLogsPaging(t *testing.T) {
	e := newTestEnv(t)
	id := e.spawn(t, "logger")

	resp, body := e.do(t, http.MethodGet, "/api/workers/"+id+"/logs?offset=0&limit=10", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	lines := body["lines"].([]any)
	require.NotEmpty(t, lines)
	first := lines[0].(map[string]any)
	assert.Equal(t, "worker ready", first["line"])
}

func TestWorkerStatsNotTracked(t *testing.T) {
	e := newTestEnv(t)
	resp, body := e.do(t, http.MethodGet, "/api/workers/ghost/stats", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", errorCode(t, body))
}

func TestWorktreeDiff(t *testing.T) {
	e := newTestEnv(t)
	id := e.spawn(t, "differ")

	worker, ok := e.eng.Registry.Get(id)
	require.True(t, ok)
	e.fake.SetDiff(worker.Branch, "diff --git a/x.go b/x.go\n")

	resp, err := e.srv.Client().Get(e.srv.URL + "/api/worktrees/" + id + "/diff")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	buf := new(bytes.Buffer)
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "diff --git a/x.go")
}

func TestListWorktreesFiltersToWorkerOwned(t *testing.T) {
	e := newTestEnv(t)
	id := e.spawn(t, "owner")

	resp, body := e.do(t, http.MethodGet, "/api/worktrees", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	trees := body["worktrees"].([]any)
	require.Len(t, trees, 1)
	assert.Equal(t, id, trees[0].(map[string]any)["worker_id"])
}

func TestBarrierLifecycle(t *testing.T) {
	e := newTestEnv(t)

	resp, body := e.do(t, http.MethodPost, "/api/coordination/barriers", map[string]any{
		"barrier_id":   "sync-1",
		"participants": []string{"w1", "w2"},
		"timeout_ms":   60000,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "sync-1", body["barrier_id"])

	// Duplicate registration conflicts.
	resp, body = e.do(t, http.MethodPost, "/api/coordination/barriers", map[string]any{
		"barrier_id":   "sync-1",
		"participants": []string{"w1"},
		"timeout_ms":   60000,
	})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "conflict", errorCode(t, body))

	resp, body = e.do(t, http.MethodPost, "/api/coordination/barriers/sync-1/signal", map[string]any{"worker": "w1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	arrived := body["arrived"].([]any)
	assert.Len(t, arrived, 1)

	resp, body = e.do(t, http.MethodGet, "/api/coordination/barriers/sync-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["expected"].([]any), 2)
}

func TestElectionLifecycle(t *testing.T) {
	e := newTestEnv(t)

	resp, _ := e.do(t, http.MethodPost, "/api/coordination/elections", map[string]any{
		"election_id": "leader-1",
		"candidates":  []string{"w1", "w2"},
		"timeout_ms":  60000,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body := e.do(t, http.MethodPost, "/api/coordination/elections/leader-1/vote", map[string]any{
		"voter": "w3", "candidate": "w2",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	votes := body["votes"].(map[string]any)
	assert.Equal(t, "w2", votes["w3"])

	// Revoting conflicts.
	resp, body = e.do(t, http.MethodPost, "/api/coordination/elections/leader-1/vote", map[string]any{
		"voter": "w3", "candidate": "w1",
	})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "conflict", errorCode(t, body))

	// Unknown candidate is a caller error.
	resp, body = e.do(t, http.MethodPost, "/api/coordination/elections/leader-1/vote", map[string]any{
		"voter": "w4", "candidate": "stranger",
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "bad_request", errorCode(t, body))
}

func TestPartitionEndpoint(t *testing.T) {
	e := newTestEnv(t)

	resp, body := e.do(t, http.MethodPost, "/api/coordination/partition", map[string]any{
		"task":  map[string]any{"id": "job-7"},
		"count": 4,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(4), body["count"])
	partitions := body["partitions"].([]any)
	first := partitions[0].(map[string]any)
	assert.Equal(t, "partition-0", first["partition_id"])

	resp, body = e.do(t, http.MethodPost, "/api/coordination/partition", map[string]any{
		"task":  map[string]any{},
		"count": 0,
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "bad_request", errorCode(t, body))
}

func TestConsolidationValidation(t *testing.T) {
	e := newTestEnv(t)

	resp, body := e.do(t, http.MethodPost, "/api/consolidations", map[string]any{
		"worker_ids": []string{},
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "bad_request", errorCode(t, body))

	resp, body = e.do(t, http.MethodGet, "/api/consolidations/ghost", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", errorCode(t, body))
}

func TestConsolidationAnalyzeRequiresPending(t *testing.T) {
	e := newTestEnv(t)
	id := e.spawn(t, "merge-a")

	resp, body := e.do(t, http.MethodPost, "/api/consolidations", map[string]any{
		"worker_ids": []string{id},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	consolidationID := body["id"].(string)

	resp, _ = e.do(t, http.MethodPost, "/api/consolidations/"+consolidationID+"/analyze", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Analyzing twice is a state conflict.
	resp, body = e.do(t, http.MethodPost, "/api/consolidations/"+consolidationID+"/analyze", nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "conflict", errorCode(t, body))

	resp, body = e.do(t, http.MethodGet, "/api/consolidations", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["count"])
}

func TestEventStreamFilter(t *testing.T) {
	e := newTestEnv(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		e.srv.URL+"/api/events?types=worker:spawning,worker:spawned", nil)
	require.NoError(t, err)

	resp, err := e.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	e.spawn(t, "streamed")

	reader := bufio.NewReader(resp.Body)
	var eventLine, dataLine string
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "event: ") {
			eventLine = strings.TrimPrefix(line, "event: ")
		}
		if strings.HasPrefix(line, "data: ") {
			dataLine = strings.TrimPrefix(line, "data: ")
			break
		}
	}
	assert.Equal(t, "worker:spawning", eventLine)

	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(dataLine), &payload))
	assert.Equal(t, "worker:spawning", payload["type"])
	assert.NotEmpty(t, payload["worker_id"])
}

func TestErrorEnvelopeShape(t *testing.T) {
	e := newTestEnv(t)
	resp, body := e.do(t, http.MethodGet, "/api/workers/missing", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	envelope := body["error"].(map[string]any)
	assert.Equal(t, "not_found", envelope["code"])
	assert.NotEmpty(t, envelope["message"])
}
