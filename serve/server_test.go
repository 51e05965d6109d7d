package serve

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/everydev1618/spikenet"
	"github.com/everydev1618/spikenet/archiver"
	"github.com/everydev1618/spikenet/store"
	"github.com/everydev1618/spikenet/transport"
	"github.com/everydev1618/spikenet/worker"
)

func newTestServer(t *testing.T, initialise bool) (*httptest.Server, *spikenet.Orchestrator, *store.Memory) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	db := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, db.AddGroup(ctx, 1, 1, "input"))
	require.NoError(t, db.AddGroup(ctx, 1, 2, "output"))
	require.NoError(t, db.InsertEdge(ctx, 1, spikenet.Edge{From: 1, To: 2}))

	bus := transport.NewLocal(
		transport.WithLocalLogger(logger),
		transport.WithProgram("worker", worker.Program(worker.NewNullModel, worker.WithLogger(logger))),
		transport.WithProgram("archiver", archiver.Program(db, archiver.WithLogger(logger))),
	)
	t.Cleanup(func() { bus.Close() })

	orch := spikenet.NewOrchestrator(bus, db, db,
		spikenet.WithLogger(logger),
		spikenet.WithReceiveTimeout(20*time.Millisecond),
		spikenet.WithPollSlice(10*time.Millisecond),
		spikenet.WithHandshakeTimeout(2*time.Second),
	)
	if initialise {
		_, err := orch.Initialize(ctx, spikenet.InitRequest{NetworkID: 1, ArchiveName: "api"})
		require.NoError(t, err)
		t.Cleanup(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			orch.Destroy(ctx)
		})
	}

	srv := httptest.NewServer(New(orch, db, logger, Config{}).Handler())
	t.Cleanup(srv.Close)
	return srv, orch, db
}

func post(t *testing.T, srv *httptest.Server, path, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(srv.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func getJSON(t *testing.T, srv *httptest.Server, path string, v any) {
	t.Helper()
	resp, err := http.Get(srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestStatusWhenIdle(t *testing.T) {
	srv, _, _ := newTestServer(t, false)

	var st StatusResponse
	getJSON(t, srv, "/api/status", &st)
	assert.Equal(t, "idle", st.State)
	assert.Empty(t, st.Workers)

	resp := post(t, srv, "/api/start", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestControlEndpoints(t *testing.T) {
	srv, orch, _ := newTestServer(t, true)

	var st StatusResponse
	getJSON(t, srv, "/api/status", &st)
	assert.Equal(t, "running", st.State)
	assert.Len(t, st.Workers, 2)
	assert.True(t, st.Archiver.Valid())

	assert.Equal(t, http.StatusOK, post(t, srv, "/api/start", "").StatusCode)
	assert.True(t, orch.IsRunning())
	assert.Equal(t, http.StatusOK, post(t, srv, "/api/stop", "").StatusCode)
	assert.False(t, orch.IsRunning())
	assert.Equal(t, http.StatusOK, post(t, srv, "/api/step", "").StatusCode)
	assert.Equal(t, spikenet.StateStepped, orch.State())

	assert.Equal(t, http.StatusOK, post(t, srv, "/api/timestep", `{"microseconds": 1500}`).StatusCode)
	assert.Equal(t, http.StatusOK, post(t, srv, "/api/firing-monitor", `{"on": true}`).StatusCode)
	assert.Equal(t, http.StatusOK, post(t, srv, "/api/archiving", `{"on": true}`).StatusCode)
	assert.True(t, orch.IsArchiving())

	assert.Equal(t, http.StatusOK, post(t, srv, "/api/groups/1/noise", `{"percent": 5}`).StatusCode)
	assert.Equal(t, http.StatusBadRequest, post(t, srv, "/api/groups/1/noise", `{"percent": 500}`).StatusCode)
	assert.Equal(t, http.StatusNotFound, post(t, srv, "/api/groups/9/fire", `{"neurons": [1]}`).StatusCode)
	assert.Equal(t, http.StatusBadRequest, post(t, srv, "/api/groups/x/fire", `{"neurons": [1]}`).StatusCode)
	assert.Equal(t, http.StatusBadRequest, post(t, srv, "/api/groups/1/fire", `not json`).StatusCode)
	assert.Equal(t, http.StatusOK, post(t, srv, "/api/groups/1/fire", `{"neurons": [3, 4]}`).StatusCode)
}

func TestWeightEndpoints(t *testing.T) {
	srv, orch, _ := newTestServer(t, true)

	assert.Equal(t, http.StatusOK, post(t, srv, "/api/weights/save", "").StatusCode)
	assert.Equal(t, http.StatusNotFound, post(t, srv, "/api/weights/shred", "").StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, orch.Await(ctx, spikenet.OpSaveWeights))

	var w WeightsResponse
	getJSON(t, srv, "/api/weights", &w)
	assert.True(t, w.Saved)
	assert.False(t, w.Loaded)
}

func TestArchiveEndpoints(t *testing.T) {
	srv, _, db := newTestServer(t, false)

	ctx := context.Background()
	require.NoError(t, db.CreateArchive(ctx, archiver.Archive{ID: "a1", Network: 1, Name: "first", Started: time.Now()}))
	require.NoError(t, db.AppendFiring(ctx, "a1", []archiver.Record{{Group: 1, Tick: 4, Neurons: []uint32{2}}}))

	var list []store.ArchiveInfo
	getJSON(t, srv, "/api/archives?network=1", &list)
	require.Len(t, list, 1)
	assert.Equal(t, "first", list[0].Name)
	assert.Equal(t, 1, list[0].Records)

	getJSON(t, srv, "/api/archives?network=2", &list)
	assert.Empty(t, list)

	var recs []RecordResponse
	getJSON(t, srv, "/api/archives/a1/records", &recs)
	assert.Equal(t, []RecordResponse{{Group: 1, Tick: 4, Neurons: []uint32{2}}}, recs)
}

func TestEventStream(t *testing.T) {
	srv, orch, _ := newTestServer(t, true)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := bufio.NewScanner(resp.Body)
	require.True(t, lines.Scan())
	assert.Equal(t, ": connected", lines.Text())

	require.NoError(t, orch.Step())

	for lines.Scan() {
		if lines.Text() == "event: state" {
			require.True(t, lines.Scan())
			assert.Contains(t, lines.Text(), `"state":"stepped"`)
			return
		}
	}
	t.Fatal("no state event received")
}

func TestEventStreamTypeFilter(t *testing.T) {
	srv, orch, _ := newTestServer(t, true)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events?type=ack", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	lines := bufio.NewScanner(resp.Body)
	require.True(t, lines.Scan())
	require.Equal(t, ": connected", lines.Text())

	require.NoError(t, orch.Step())
	require.NoError(t, orch.SaveWeights())

	var id string
	for lines.Scan() {
		line := lines.Text()
		if strings.HasPrefix(line, "id: ") {
			id = strings.TrimPrefix(line, "id: ")
			continue
		}
		if strings.HasPrefix(line, "event: ") {
			assert.Equal(t, "event: ack", line)
			assert.Equal(t, "1", id, "ids count delivered events only")
			return
		}
	}
	t.Fatal("no ack event received")
}
