package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/swarmd/internal/lane"
	"github.com/fyrsmithlabs/swarmd/internal/store"
	"github.com/fyrsmithlabs/swarmd/internal/supervisor"
)

type fakeOrchestrator struct {
	store        *store.Store
	decomposeErr error
	orchestrated chan string
}

func (f *fakeOrchestrator) Decompose(ctx context.Context, goal, sessionID, workspaceContext string) (*lane.Manifest, error) {
	if f.decomposeErr != nil {
		return nil, f.decomposeErr
	}
	m := &lane.Manifest{
		ID:   "m-run",
		Goal: goal,
		Nodes: []lane.SubtaskNode{
			{ID: "t1", Spec: lane.Spec{Title: "task one"}},
		},
	}
	if err := f.store.CreateManifest(m); err != nil {
		return nil, err
	}
	if err := f.store.CreateLane(&lane.Lane{ID: "l-run", ManifestID: m.ID, SubtaskNodeID: "t1", Spec: m.Nodes[0].Spec}); err != nil {
		return nil, err
	}
	return m, nil
}

func (f *fakeOrchestrator) Orchestrate(ctx context.Context, m *lane.Manifest, workspaceContext string) (*lane.Summary, error) {
	if f.orchestrated != nil {
		f.orchestrated <- m.ID
	}
	return &lane.Summary{ManifestID: m.ID, Success: true}, nil
}

func newTestServer(t *testing.T, orch *fakeOrchestrator) (*Server, *store.Store) {
	t.Helper()
	st := store.New(store.DefaultConfig(), zap.NewNop())
	if orch == nil {
		orch = &fakeOrchestrator{}
	}
	orch.store = st

	srv, err := NewServer(&Config{
		Host:              "localhost",
		Port:              0,
		KeepAliveInterval: 20 * time.Millisecond,
		Version:           "test",
	}, orch, st, zap.NewNop())
	require.NoError(t, err)
	return srv, st
}

func seedManifest(t *testing.T, st *store.Store) *lane.Manifest {
	t.Helper()
	m := &lane.Manifest{
		ID:   "m1",
		Goal: "ship it",
		Nodes: []lane.SubtaskNode{
			{ID: "t1", Spec: lane.Spec{Title: "build api"}},
			{ID: "t2", Spec: lane.Spec{Title: "add docs"}, DependsOn: []string{"t1"}},
		},
	}
	require.NoError(t, st.CreateManifest(m))
	require.NoError(t, st.CreateLane(&lane.Lane{ID: "l1", ManifestID: "m1", SubtaskNodeID: "t1", Spec: m.Nodes[0].Spec}))
	require.NoError(t, st.CreateLane(&lane.Lane{ID: "l2", ManifestID: "m1", SubtaskNodeID: "t2", Spec: m.Nodes[1].Spec}))
	return m
}

func doRequest(srv *Server, method, target, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	srv.Echo().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	rec := doRequest(srv, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "test", resp.Version)
}

func TestSubmitRun(t *testing.T) {
	orch := &fakeOrchestrator{orchestrated: make(chan string, 1)}
	srv, _ := newTestServer(t, orch)

	rec := doRequest(srv, http.MethodPost, "/api/v1/runs", `{"goal": "ship it"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp SubmitRunResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "m-run", resp.ManifestID)
	assert.Equal(t, 1, resp.Lanes)

	select {
	case id := <-orch.orchestrated:
		assert.Equal(t, "m-run", id)
	case <-time.After(2 * time.Second):
		t.Fatal("orchestration was never started")
	}
}

func TestSubmitRun_MissingGoal(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	rec := doRequest(srv, http.MethodPost, "/api/v1/runs", `{"goal": "  "}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitRun_DecompositionError(t *testing.T) {
	orch := &fakeOrchestrator{decomposeErr: &supervisor.DecompositionError{Reason: "unparseable plan"}}
	srv, _ := newTestServer(t, orch)

	rec := doRequest(srv, http.MethodPost, "/api/v1/runs", `{"goal": "ship it"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "unparseable plan")
}

func TestGetManifest(t *testing.T) {
	srv, st := newTestServer(t, nil)
	seedManifest(t, st)

	rec := doRequest(srv, http.MethodGet, "/api/v1/manifests/m1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var m lane.Manifest
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	assert.Equal(t, "ship it", m.Goal)
	assert.Len(t, m.Nodes, 2)
}

func TestGetManifest_NotFound(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	rec := doRequest(srv, http.MethodGet, "/api/v1/manifests/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetManifestLanes(t *testing.T) {
	srv, st := newTestServer(t, nil)
	seedManifest(t, st)

	rec := doRequest(srv, http.MethodGet, "/api/v1/manifests/m1/lanes", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var lanes []*lane.Lane
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &lanes))
	require.Len(t, lanes, 2)
	assert.Equal(t, lane.StatusPending, lanes[0].Status)
}

func TestGetManifestStats(t *testing.T) {
	srv, st := newTestServer(t, nil)
	seedManifest(t, st)

	rec := doRequest(srv, http.MethodGet, "/api/v1/manifests/m1/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var stats lane.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 2, stats.ByStatus[lane.StatusPending])
	assert.Equal(t, 2, stats.NonTerminal)
}

func TestGetLane(t *testing.T) {
	srv, st := newTestServer(t, nil)
	seedManifest(t, st)

	rec := doRequest(srv, http.MethodGet, "/api/v1/lanes/l1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var l lane.Lane
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &l))
	assert.Equal(t, "build api", l.Spec.Title)

	rec = doRequest(srv, http.MethodGet, "/api/v1/lanes/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListLanes(t *testing.T) {
	srv, st := newTestServer(t, nil)
	seedManifest(t, st)

	rec := doRequest(srv, http.MethodGet, "/api/v1/lanes?status=pending", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var lanes []*lane.Lane
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &lanes))
	assert.Len(t, lanes, 2)

	rec = doRequest(srv, http.MethodGet, "/api/v1/lanes", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(srv, http.MethodGet, "/api/v1/lanes?status=bogus", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEvents_StreamsUntilCompletion(t *testing.T) {
	srv, st := newTestServer(t, nil)
	m := seedManifest(t, st)

	ts := httptest.NewServer(srv.Echo())
	defer ts.Close()

	go func() {
		// Let the handler subscribe before publishing.
		time.Sleep(200 * time.Millisecond)
		if _, err := st.Transition("l1", lane.StatusRunning, "supervisor", "attempt started"); err != nil {
			return
		}
		st.PublishManifestCompleted(m.ID, lane.Summary{ManifestID: m.ID, Success: false})
	}()

	resp, err := http.Get(fmt.Sprintf("%s/api/v1/manifests/%s/events", ts.URL, m.ID))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	stream := string(body)

	snapshotIdx := strings.Index(stream, "event: snapshot")
	transitionIdx := strings.Index(stream, "event: lane.transitioned")
	completedIdx := strings.Index(stream, "event: manifest.completed")
	require.GreaterOrEqual(t, snapshotIdx, 0)
	require.Greater(t, transitionIdx, snapshotIdx)
	require.Greater(t, completedIdx, transitionIdx)
	assert.Contains(t, stream, `"to":"running"`)
}

// gatedWriter blocks every write until the gate opens, keeping the SSE
// pump from draining its event buffer.
type gatedWriter struct {
	gate    chan struct{}
	started chan struct{}
	once    sync.Once

	mu  sync.Mutex
	buf bytes.Buffer
	hdr http.Header
}

func newGatedWriter() *gatedWriter {
	return &gatedWriter{
		gate:    make(chan struct{}),
		started: make(chan struct{}),
		hdr:     make(http.Header),
	}
}

func (w *gatedWriter) Header() http.Header { return w.hdr }
func (w *gatedWriter) WriteHeader(int)     {}
func (w *gatedWriter) Flush()              {}

func (w *gatedWriter) Write(p []byte) (int, error) {
	w.once.Do(func() { close(w.started) })
	<-w.gate
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

func (w *gatedWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

func TestEvents_CompletionSurvivesFullBuffer(t *testing.T) {
	srv, st := newTestServer(t, nil)
	m := seedManifest(t, st)

	gw := newGatedWriter()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/manifests/m1/events", nil)
	c := srv.Echo().NewContext(req, gw)
	c.SetParamNames("id")
	c.SetParamValues(m.ID)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.handleEvents(c) }()

	// The snapshot write blocks on the gate, so the subscription is live
	// and the pump cannot drain while we overflow the buffer.
	select {
	case <-gw.started:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never wrote the snapshot")
	}

	for i := 0; i < 300; i++ {
		require.NoError(t, st.AttachWorkerOutput("l1", "chunk"))
	}
	st.PublishManifestCompleted(m.ID, lane.Summary{ManifestID: m.ID, Success: true})

	close(gw.gate)
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not terminate after completion")
	}

	stream := gw.String()
	lastEvent := strings.LastIndex(stream, "event: ")
	require.GreaterOrEqual(t, lastEvent, 0)
	assert.True(t, strings.HasPrefix(stream[lastEvent:], "event: manifest.completed"))
}

func TestEvents_UnknownManifest(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	rec := doRequest(srv, http.MethodGet, "/api/v1/manifests/nope/events", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestShutdown_CancelsBackgroundRuns(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	require.NoError(t, srv.Shutdown(context.Background()))
	assert.Error(t, srv.runCtx.Err())
}
