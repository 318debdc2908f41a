package main

import (
	"bytes"
	"context"
	"encoding/json"
	"image/png"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/kwv/barscan/metrology"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func handlerConfig() *metrology.Config {
	return &metrology.Config{
		Thresholds: metrology.DefaultThresholds(),
		Refinement: metrology.RefinementConfig{Preset: metrology.PresetRigid},
		ScaleBars: []metrology.ScaleBarSpec{
			{Name: "Marker 1 to Marker 10", EndpointA: "target 1", EndpointB: "target 10", GroundTruthMeters: 5.5193},
			{Name: "Marker 2 to Marker 10", EndpointA: "target 2", EndpointB: "target 10", GroundTruthMeters: 5.6409},
		},
	}
}

func newTestServer(store metrology.ResultStore, publisher *metrology.Publisher) http.Handler {
	logger := logrus.New()
	logger.SetOutput(&bytes.Buffer{})
	return newHTTPServer(NewVerdictHandler(handlerConfig(), store, publisher, logger))
}

func verdictBody(serial string, factor float64) string {
	y := math.Sqrt(5.6409*5.6409 - 5.5193*5.5193)
	body, _ := json.Marshal(map[string]interface{}{
		"serial":     serial,
		"chunkScale": 0.5,
		"markers": map[string][3]float64{
			"target 1":  {0, 0, 0},
			"target 10": {2 * 5.5193 * factor, 0, 0},
			"target 2":  {0, 2 * y * factor, 0},
		},
	})
	return string(body)
}

func postVerdict(h http.Handler, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/verdicts", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func get(h http.Handler, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestHealth(t *testing.T) {
	w := get(newTestServer(metrology.NewMemoryResultStore(), nil), "/health")

	if w.Code != http.StatusOK {
		t.Fatalf("/health status = %d, want %d", w.Code, http.StatusOK)
	}
	var body struct {
		Status    string `json:"status"`
		ScaleBars int    `json:"scaleBars"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode /health response: %v", err)
	}
	if body.Status != "ok" || body.ScaleBars != 2 {
		t.Errorf("health = %+v", body)
	}
}

func TestListPresets(t *testing.T) {
	w := get(newTestServer(metrology.NewMemoryResultStore(), nil), "/api/v1/presets")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body map[string]struct {
		Free   []string                    `json:"free"`
		Stages []metrology.RefinementStage `json:"stages"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body["rigid"].Free) != 0 {
		t.Errorf("rigid free = %v, want none", body["rigid"].Free)
	}
	if len(body["relaxed"].Free) != 5 {
		t.Errorf("relaxed free = %v", body["relaxed"].Free)
	}
	if len(body["rigid"].Stages) != 4 || body["rigid"].Stages[3].Criterion != metrology.ReprojectionError {
		t.Errorf("rigid stages = %+v", body["rigid"].Stages)
	}
}

func TestListScaleBars(t *testing.T) {
	w := get(newTestServer(metrology.NewMemoryResultStore(), nil), "/api/v1/scale-bars")

	var body struct {
		ScaleBars  []metrology.ScaleBarSpec `json:"scaleBars"`
		Thresholds metrology.Thresholds     `json:"thresholds"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.ScaleBars) != 2 || body.Thresholds.AggregatePercent != 3 {
		t.Errorf("scale bars = %+v", body)
	}
}

func TestCreateVerdict(t *testing.T) {
	store := metrology.NewMemoryResultStore()
	client := metrology.NewMockClient()
	client.SetConnected(true)
	h := newTestServer(store, metrology.NewPublisher(client, "qa", nil))

	w := postVerdict(h, verdictBody("123456789", 1))
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	var result metrology.VerdictResult
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !result.Passed || result.SerialID != "123456789" {
		t.Errorf("result = %+v", result)
	}
	if result.RMSErrorPercent > 1e-9 {
		t.Errorf("RMS = %v, want 0", result.RMSErrorPercent)
	}

	if _, err := store.Latest(context.Background(), "123456789"); err != nil {
		t.Errorf("verdict not stored: %v", err)
	}
	msgs := client.GetPublishedMessages()
	if len(msgs) != 2 || msgs[0].Topic != "qa/123456789/verdict" {
		t.Errorf("published = %+v", msgs)
	}
}

func TestCreateVerdict_Errors(t *testing.T) {
	h := newTestServer(metrology.NewMemoryResultStore(), nil)

	tests := []struct {
		name   string
		body   string
		status int
		label  string
	}{
		{"malformed JSON", "{", http.StatusBadRequest, ""},
		{"missing serial", `{"chunkScale": 1, "markers": {}}`, http.StatusBadRequest, ""},
		{"missing marker", `{"serial": "1", "chunkScale": 1, "markers": {"target 1": [0,0,0], "target 10": [1,0,0]}}`, http.StatusUnprocessableEntity, "target 2"},
		{"negative chunk scale", strings.Replace(verdictBody("1", 1), `"chunkScale":0.5`, `"chunkScale":-1`, 1), http.StatusBadRequest, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := postVerdict(h, tt.body)
			if w.Code != tt.status {
				t.Fatalf("status = %d, want %d: %s", w.Code, tt.status, w.Body.String())
			}
			var body struct {
				Error string `json:"error"`
				Label string `json:"label"`
			}
			_ = json.NewDecoder(w.Body).Decode(&body)
			if body.Error == "" {
				t.Error("expected an error message")
			}
			if body.Label != tt.label {
				t.Errorf("label = %q, want %q", body.Label, tt.label)
			}
		})
	}
}

func TestListVerdicts(t *testing.T) {
	store := metrology.NewMemoryResultStore()
	h := newTestServer(store, nil)

	for _, serial := range []string{"111111111", "222222222", "333333333"} {
		if w := postVerdict(h, verdictBody(serial, 1)); w.Code != http.StatusCreated {
			t.Fatalf("seed %s: %d", serial, w.Code)
		}
		time.Sleep(time.Millisecond)
	}

	w := get(h, "/api/v1/verdicts?limit=2")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body struct {
		Verdicts []metrology.VerdictResult `json:"verdicts"`
		Count    int                       `json:"count"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Count != 2 || body.Verdicts[0].SerialID != "333333333" {
		t.Errorf("verdicts = %d, first %q", body.Count, body.Verdicts[0].SerialID)
	}

	for _, bad := range []string{"0", "-3", "many"} {
		if w := get(h, "/api/v1/verdicts?limit="+bad); w.Code != http.StatusBadRequest {
			t.Errorf("limit=%s status = %d, want 400", bad, w.Code)
		}
	}
}

func TestGetLatestVerdict(t *testing.T) {
	h := newTestServer(metrology.NewMemoryResultStore(), nil)
	postVerdict(h, verdictBody("123456789", 1))
	time.Sleep(time.Millisecond)
	postVerdict(h, verdictBody("123456789", 1.1))

	w := get(h, "/api/v1/verdicts/123456789")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var result metrology.VerdictResult
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.Passed {
		t.Error("latest verdict should be the failing rerun")
	}

	if w := get(h, "/api/v1/verdicts/999999999"); w.Code != http.StatusNotFound {
		t.Errorf("unknown serial status = %d, want 404", w.Code)
	}
}

func TestGetReportPNG(t *testing.T) {
	h := newTestServer(metrology.NewMemoryResultStore(), nil)
	postVerdict(h, verdictBody("123456789", 1))

	w := get(h, "/api/v1/verdicts/123456789/report.png")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("Content-Type = %q", ct)
	}
	if _, err := png.Decode(w.Body); err != nil {
		t.Errorf("body is not a PNG: %v", err)
	}

	if w := get(h, "/api/v1/verdicts/999999999/report.png"); w.Code != http.StatusNotFound {
		t.Errorf("unknown serial status = %d, want 404", w.Code)
	}
}
