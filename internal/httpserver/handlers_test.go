package httpserver

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ronappleton/tracker/internal/command"
	"github.com/ronappleton/tracker/internal/config"
	"github.com/ronappleton/tracker/internal/progress"
	"github.com/ronappleton/tracker/internal/reconcile"
	"github.com/ronappleton/tracker/internal/tracker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeTracker struct {
	mu        sync.Mutex
	workflows map[string]reconcile.Snapshot
	sent      []command.Command
	sendErr   error
	resets    []string
}

func newFake() *fakeTracker {
	return &fakeTracker{workflows: map[string]reconcile.Snapshot{}}
}

func (f *fakeTracker) Track(_ context.Context, id string, kind progress.Kind) (reconcile.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := reconcile.Snapshot{Workflow: progress.New(id, kind, time.Now(), 0)}
	f.workflows[id] = s
	return s, nil
}

func (f *fakeTracker) Untrack(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.workflows[id]; !ok {
		return fmt.Errorf("untrack %s: %w", id, tracker.ErrNotTracked)
	}
	delete(f.workflows, id)
	return nil
}

func (f *fakeTracker) Get(_ context.Context, id string) (reconcile.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.workflows[id]
	if !ok {
		return s, fmt.Errorf("get %s: %w", id, tracker.ErrNotTracked)
	}
	return s, nil
}

func (f *fakeTracker) List(context.Context) ([]reconcile.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]reconcile.Snapshot, 0, len(f.workflows))
	for _, s := range f.workflows {
		out = append(out, s)
	}
	return out, nil
}

func (f *fakeTracker) Reset(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.workflows[id]; !ok {
		return tracker.ErrNotTracked
	}
	f.resets = append(f.resets, id)
	return nil
}

func (f *fakeTracker) Watch(_ context.Context, id string) (<-chan reconcile.Snapshot, func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.workflows[id]
	if !ok {
		return nil, nil, tracker.ErrNotTracked
	}
	ch := make(chan reconcile.Snapshot, 1)
	ch <- s
	return ch, func() {}, nil
}

func (f *fakeTracker) Send(_ context.Context, id string, cmd command.Command, _ command.Payload) (command.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, cmd)
	return command.Result{ID: id, Command: cmd, RequestID: "req-1"}, f.sendErr
}

func (f *fakeTracker) sentCommands() []command.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]command.Command(nil), f.sent...)
}

func (f *fakeTracker) resetIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.resets...)
}

func (f *fakeTracker) failWith(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr = err
}

func newTestServer(t *testing.T, f *fakeTracker) *httptest.Server {
	t.Helper()
	s := NewServer(config.Default(), f, zaptest.NewLogger(t))
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestWorkflowLifecycleRoutes(t *testing.T) {
	f := newFake()
	srv := newTestServer(t, f)

	resp, body := do(t, http.MethodPost, srv.URL+"/v1/workflows/wf-1", `{"kind":"discovery"}`)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "discovery", body["workflow"].(map[string]any)["kind"])

	resp, body = do(t, http.MethodGet, srv.URL+"/v1/workflows", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["items"], 1)

	resp, body = do(t, http.MethodGet, srv.URL+"/v1/workflows/wf-1", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "not_started", body["workflow"].(map[string]any)["status"])

	resp, _ = do(t, http.MethodPost, srv.URL+"/v1/workflows/wf-1/reset", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"wf-1"}, f.resetIDs())

	resp, _ = do(t, http.MethodDelete, srv.URL+"/v1/workflows/wf-1", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, body = do(t, http.MethodGet, srv.URL+"/v1/workflows/wf-1", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, false, body["ok"])

	resp, _ = do(t, http.MethodPost, srv.URL+"/v1/workflows/wf-1", `{`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, http.MethodPut, srv.URL+"/v1/workflows/wf-1", "")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp, _ = do(t, http.MethodGet, srv.URL+"/v1/workflows/wf-1/nope/deeper/still", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCommandRoutes(t *testing.T) {
	f := newFake()
	srv := newTestServer(t, f)

	resp, body := do(t, http.MethodPost, srv.URL+"/v1/workflows/wf-1/commands/select-sites", `{"sites":["a.com"]}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, []command.Command{command.SelectSites}, f.sentCommands())

	resp, _ = do(t, http.MethodPost, srv.URL+"/v1/workflows/wf-1/commands/reboot", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	f.failWith(command.ErrBusy)
	resp, _ = do(t, http.MethodPost, srv.URL+"/v1/workflows/wf-1/commands/pause", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	f.failWith(&command.CommandError{ID: "wf-1", Command: command.Stop, Reason: "already finished"})
	resp, body = do(t, http.MethodPost, srv.URL+"/v1/workflows/wf-1/commands/stop", "")
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Contains(t, body["error"], "already finished")

	resp, _ = do(t, http.MethodGet, srv.URL+"/v1/workflows/wf-1/commands/stop", "")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestStreamSendsSnapshots(t *testing.T) {
	f := newFake()
	_, _ = f.Track(context.Background(), "wf-1", progress.KindTraining)
	srv := newTestServer(t, f)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/workflows/wf-1/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(line, "data: "))
	var snap reconcile.Snapshot
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &snap))
	assert.Equal(t, "wf-1", snap.Workflow.ID)

	resp2, _ := do(t, http.MethodGet, srv.URL+"/v1/workflows/missing/stream", "")
	assert.Equal(t, http.StatusNotFound, resp2.StatusCode)
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, newFake())
	resp, body := do(t, http.MethodGet, srv.URL+"/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}
