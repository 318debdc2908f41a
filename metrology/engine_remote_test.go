package metrology

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEngine serves a SparseCloud over the engine HTTP API.
type fakeEngine struct {
	mu          sync.Mutex
	cloud       *SparseCloud
	failState   int32 // remaining /state requests to fail
	dropRemove  int32 // remaining /points/remove responses to drop after applying
	optimizeErr bool
	optimizes   int32
}

func (f *fakeEngine) state() engineState {
	return engineState{
		Points:         f.cloud.PointCount(),
		AlignedCameras: f.cloud.AlignedCameraCount(),
		ChunkScale:     f.cloud.ChunkScale(),
	}
}

func (f *fakeEngine) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	writeJSON := func(w http.ResponseWriter, v interface{}) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(v)
	}

	mux.HandleFunc("/state", func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&f.failState, -1) >= 0 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		writeJSON(w, f.state())
	})
	mux.HandleFunc("/markers", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		writeJSON(w, markersResponse{Markers: f.cloud.Snapshot().Markers})
	})
	mux.HandleFunc("/points/select", func(w http.ResponseWriter, r *http.Request) {
		var req filterRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		f.mu.Lock()
		defer f.mu.Unlock()
		ids, err := f.cloud.SelectPoints(r.Context(), req.Criterion, req.Threshold)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, selectResponse{IDs: ids})
	})
	mux.HandleFunc("/points/remove", func(w http.ResponseWriter, r *http.Request) {
		var req filterRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		f.mu.Lock()
		defer f.mu.Unlock()
		n, err := f.cloud.RemovePoints(r.Context(), req.Criterion, req.Threshold)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if atomic.AddInt32(&f.dropRemove, -1) >= 0 {
			http.Error(w, "gateway timeout", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, removeResponse{Removed: n, Remaining: f.cloud.PointCount()})
	})
	mux.HandleFunc("/optimize", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&f.optimizes, 1)
		if f.optimizeErr {
			http.Error(w, "diverged", http.StatusInternalServerError)
			return
		}
		var params OptimizationParameterSet
		require.NoError(t, json.NewDecoder(r.Body).Decode(&params))
		f.mu.Lock()
		defer f.mu.Unlock()
		_ = f.cloud.Optimize(r.Context(), params)
		writeJSON(w, f.state())
	})
	return mux
}

func newFakeEngine(t *testing.T) (*fakeEngine, *httptest.Server) {
	t.Helper()
	cloud := testCloud()
	cloud.snap.ChunkScale = 0.5
	cloud.snap.Markers = []Marker{
		{Label: "target 1", Position: [3]float64{0, 0, 0}},
		{Label: "target 10", Position: [3]float64{11.0386, 0, 0}},
	}
	f := &fakeEngine{cloud: cloud}
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)
	return f, srv
}

func TestRemoteReconstruction_Connect(t *testing.T) {
	_, srv := newFakeEngine(t)

	rec, err := NewRemoteReconstruction(context.Background(), srv.URL+"/", WithEngineHTTPClient(srv.Client()))
	require.NoError(t, err)

	assert.Equal(t, 48, rec.PointCount())
	assert.Equal(t, 2, rec.AlignedCameraCount())
	assert.Equal(t, 0.5, rec.ChunkScale())

	p, ok := rec.MarkerPosition("target 10")
	require.True(t, ok)
	assert.Equal(t, r3.Vector{X: 11.0386}, p)
}

func TestRemoteReconstruction_EmptyURL(t *testing.T) {
	_, err := NewRemoteReconstruction(context.Background(), "")
	assert.Error(t, err)
}

func TestRemoteReconstruction_RetriesState(t *testing.T) {
	f, srv := newFakeEngine(t)
	f.failState = 2

	_, err := NewRemoteReconstruction(context.Background(), srv.URL,
		WithEngineHTTPClient(srv.Client()),
		WithEngineRetries(3),
		WithEngineBackoff(time.Millisecond))
	require.NoError(t, err)
}

func TestRemoteReconstruction_RetriesExhausted(t *testing.T) {
	f, srv := newFakeEngine(t)
	f.failState = 10

	_, err := NewRemoteReconstruction(context.Background(), srv.URL,
		WithEngineHTTPClient(srv.Client()),
		WithEngineRetries(2),
		WithEngineBackoff(time.Millisecond))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all 2 attempts failed")
}

func TestRemoteReconstruction_RefineEndToEnd(t *testing.T) {
	f, srv := newFakeEngine(t)

	rec, err := NewRemoteReconstruction(context.Background(), srv.URL, WithEngineHTTPClient(srv.Client()))
	require.NoError(t, err)

	report, err := NewRefiner(nil).Refine(context.Background(), rec, smallSchedule(), RelaxedPreset())
	require.NoError(t, err)

	assert.Equal(t, 12, report.FinalPoints)
	assert.Equal(t, 12, rec.PointCount())
	assert.Equal(t, int32(5), atomic.LoadInt32(&f.optimizes))
	assert.True(t, f.cloud.CovarianceComputed())
}

func TestRemoteReconstruction_OptimizeNotRetried(t *testing.T) {
	f, srv := newFakeEngine(t)

	rec, err := NewRemoteReconstruction(context.Background(), srv.URL,
		WithEngineHTTPClient(srv.Client()),
		WithEngineBackoff(time.Millisecond))
	require.NoError(t, err)

	f.optimizeErr = true
	err = rec.Optimize(context.Background(), RigidPreset())
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&f.optimizes))
}

func TestRemoteReconstruction_ContextCancelledDuringBackoff(t *testing.T) {
	f, srv := newFakeEngine(t)
	f.failState = 10

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := NewRemoteReconstruction(ctx, srv.URL,
		WithEngineHTTPClient(srv.Client()),
		WithEngineRetries(5),
		WithEngineBackoff(time.Second))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRemoteReconstruction_RemoveCountSurvivesLostResponse(t *testing.T) {
	f, srv := newFakeEngine(t)
	rec, err := NewRemoteReconstruction(context.Background(), srv.URL,
		WithEngineHTTPClient(srv.Client()),
		WithEngineRetries(3),
		WithEngineBackoff(time.Millisecond))
	require.NoError(t, err)
	f.dropRemove = 1

	removed, err := rec.RemovePoints(context.Background(), ObservationCount, 2)
	require.NoError(t, err)

	// Observation count 2 is one of four levels: 12 of 48 points.
	assert.Equal(t, 12, removed, "the retry sees nothing left to remove")
	assert.Equal(t, 36, rec.PointCount())
}
