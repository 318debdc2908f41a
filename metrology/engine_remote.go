package metrology

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/golang/geo/r3"
)

const (
	// DefaultEngineTimeout bounds a single request to the photogrammetry engine.
	// Optimization of a few thousand tie points can take minutes.
	DefaultEngineTimeout = 10 * time.Minute

	// DefaultEngineRetries is the default number of attempts for idempotent calls.
	DefaultEngineRetries = 3

	defaultEngineBackoff = 500 * time.Millisecond

	// maxEngineResponseBytes limits a response body to 16 MB.
	maxEngineResponseBytes = 16 << 20
)

// EngineOption configures a RemoteReconstruction.
type EngineOption func(*engineConfig)

type engineConfig struct {
	timeout     time.Duration
	maxRetries  int
	baseBackoff time.Duration
	client      *http.Client
}

func defaultEngineConfig() engineConfig {
	return engineConfig{
		timeout:     DefaultEngineTimeout,
		maxRetries:  DefaultEngineRetries,
		baseBackoff: defaultEngineBackoff,
	}
}

// WithEngineTimeout sets the per-request timeout.
func WithEngineTimeout(d time.Duration) EngineOption {
	return func(c *engineConfig) {
		c.timeout = d
	}
}

// WithEngineRetries sets the number of attempts for idempotent calls.
func WithEngineRetries(n int) EngineOption {
	return func(c *engineConfig) {
		if n > 0 {
			c.maxRetries = n
		}
	}
}

// WithEngineBackoff sets the base delay for exponential backoff between retries.
func WithEngineBackoff(d time.Duration) EngineOption {
	return func(c *engineConfig) {
		c.baseBackoff = d
	}
}

// WithEngineHTTPClient overrides the HTTP client (useful for testing).
func WithEngineHTTPClient(client *http.Client) EngineOption {
	return func(c *engineConfig) {
		c.client = client
	}
}

type engineState struct {
	Points         int     `json:"points"`
	AlignedCameras int     `json:"alignedCameras"`
	ChunkScale     float64 `json:"chunkScale"`
}

type filterRequest struct {
	Criterion FilterCriterion `json:"criterion"`
	Threshold float64         `json:"threshold"`
}

type selectResponse struct {
	IDs []PointID `json:"ids"`
}

type removeResponse struct {
	Removed   int `json:"removed"`
	Remaining int `json:"remaining"`
}

type markersResponse struct {
	Markers []Marker `json:"markers"`
}

// RemoteReconstruction drives a reconstruction held by an external
// photogrammetry engine over its JSON HTTP API. Point and camera counts are
// cached from the engine's responses.
type RemoteReconstruction struct {
	baseURL string
	cfg     engineConfig
	client  *http.Client

	state   engineState
	markers map[string]r3.Vector
}

// NewRemoteReconstruction connects to the engine at baseURL and loads its
// current state and detected markers.
func NewRemoteReconstruction(ctx context.Context, baseURL string, opts ...EngineOption) (*RemoteReconstruction, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("remote reconstruction: base URL is empty")
	}

	cfg := defaultEngineConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	client := cfg.client
	if client == nil {
		client = &http.Client{Timeout: cfg.timeout}
	}

	r := &RemoteReconstruction{
		baseURL: strings.TrimRight(baseURL, "/"),
		cfg:     cfg,
		client:  client,
	}
	if err := r.Sync(ctx); err != nil {
		return nil, err
	}
	if err := r.RefreshMarkers(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// Sync reloads point, camera and scale state from the engine.
func (r *RemoteReconstruction) Sync(ctx context.Context) error {
	var st engineState
	if err := r.call(ctx, http.MethodGet, "/state", nil, &st, true); err != nil {
		return fmt.Errorf("loading engine state: %w", err)
	}
	r.state = st
	return nil
}

// RefreshMarkers reloads detected marker positions from the engine.
func (r *RemoteReconstruction) RefreshMarkers(ctx context.Context) error {
	var resp markersResponse
	if err := r.call(ctx, http.MethodGet, "/markers", nil, &resp, true); err != nil {
		return fmt.Errorf("loading markers: %w", err)
	}
	r.markers = make(map[string]r3.Vector, len(resp.Markers))
	for _, m := range resp.Markers {
		r.markers[m.Label] = r3.Vector{X: m.Position[0], Y: m.Position[1], Z: m.Position[2]}
	}
	return nil
}

// PointCount implements Reconstruction.
func (r *RemoteReconstruction) PointCount() int {
	return r.state.Points
}

// AlignedCameraCount implements Reconstruction.
func (r *RemoteReconstruction) AlignedCameraCount() int {
	return r.state.AlignedCameras
}

// SelectPoints implements Reconstruction.
func (r *RemoteReconstruction) SelectPoints(ctx context.Context, criterion FilterCriterion, threshold float64) ([]PointID, error) {
	var resp selectResponse
	req := filterRequest{Criterion: criterion, Threshold: threshold}
	if err := r.call(ctx, http.MethodPost, "/points/select", req, &resp, true); err != nil {
		return nil, err
	}
	return resp.IDs, nil
}

// RemovePoints implements Reconstruction. Removal at a fixed threshold is
// idempotent, so it is retried like a read. The removed count is taken from
// the drop in the point count, since a retry after a lost response reports
// nothing removed by itself.
func (r *RemoteReconstruction) RemovePoints(ctx context.Context, criterion FilterCriterion, threshold float64) (int, error) {
	var resp removeResponse
	req := filterRequest{Criterion: criterion, Threshold: threshold}
	before := r.state.Points
	if err := r.call(ctx, http.MethodPost, "/points/remove", req, &resp, true); err != nil {
		return 0, err
	}
	r.state.Points = resp.Remaining
	if removed := before - resp.Remaining; removed > resp.Removed {
		return removed, nil
	}
	return resp.Removed, nil
}

// Optimize implements Reconstruction. It is attempted once.
func (r *RemoteReconstruction) Optimize(ctx context.Context, params OptimizationParameterSet) error {
	var st engineState
	if err := r.call(ctx, http.MethodPost, "/optimize", params, &st, false); err != nil {
		return err
	}
	r.state = st
	return nil
}

// MarkerPosition implements MarkerSource.
func (r *RemoteReconstruction) MarkerPosition(label string) (r3.Vector, bool) {
	p, ok := r.markers[label]
	return p, ok
}

// ChunkScale implements MarkerSource.
func (r *RemoteReconstruction) ChunkScale() float64 {
	return r.state.ChunkScale
}

func (r *RemoteReconstruction) call(ctx context.Context, method, path string, in, out interface{}, retry bool) error {
	var payload []byte
	if in != nil {
		var err error
		payload, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshaling %s request: %w", path, err)
		}
	}

	attempts := 1
	if retry {
		attempts = r.cfg.maxRetries
	}

	var lastErr error
	for attempt := range attempts {
		if attempt > 0 {
			backoff := r.cfg.baseBackoff * time.Duration(math.Pow(2, float64(attempt-1)))
			select {
			case <-ctx.Done():
				return fmt.Errorf("%s %s: %w", method, path, ctx.Err())
			case <-time.After(backoff):
			}
		}

		body, err := r.do(ctx, method, path, payload)
		if err != nil {
			lastErr = err
			continue
		}

		if out == nil {
			return nil
		}
		if err := json.Unmarshal(body, out); err != nil {
			// Decode errors are not transient; do not retry.
			return fmt.Errorf("decoding %s response: %w", path, err)
		}
		return nil
	}

	if attempts == 1 {
		return lastErr
	}
	return fmt.Errorf("%s %s: all %d attempts failed: %w", method, path, attempts, lastErr)
}

func (r *RemoteReconstruction) do(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	url := r.baseURL + path

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP %s %s: %w", method, url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %s %s: status %d", method, url, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxEngineResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading response from %s: %w", url, err)
	}
	return data, nil
}
