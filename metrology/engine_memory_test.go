package metrology

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/golang/geo/r3"
)

func TestTiePoint_Fails(t *testing.T) {
	p := TiePoint{Observations: 3, ReconstructionUncertainty: 40, ProjectionAccuracy: 12, ReprojectionError: 0.8}

	tests := []struct {
		criterion FilterCriterion
		threshold float64
		want      bool
	}{
		{ObservationCount, 2, false},
		{ObservationCount, 3, true}, // count <= N is removed
		{ReconstructionUncertainty, 40, false},
		{ReconstructionUncertainty, 39.9, true},
		{ProjectionAccuracy, 20, false},
		{ReprojectionError, 0.6, true},
	}

	for _, tt := range tests {
		if got := p.Fails(tt.criterion, tt.threshold); got != tt.want {
			t.Errorf("Fails(%s, %v) = %v, want %v", tt.criterion, tt.threshold, got, tt.want)
		}
	}
}

func TestSparseCloud_SelectAndRemove(t *testing.T) {
	cloud := NewSparseCloud(Snapshot{
		Cameras: []Camera{{Label: "L", Aligned: true}, {Label: "R", Aligned: true}, {Label: "X"}},
		Points: []TiePoint{
			{ID: 3, Observations: 2},
			{ID: 1, Observations: 5},
			{ID: 2, Observations: 1},
		},
	})

	if got := cloud.AlignedCameraCount(); got != 2 {
		t.Errorf("AlignedCameraCount() = %d, want 2", got)
	}

	ids, err := cloud.SelectPoints(context.Background(), ObservationCount, 2)
	if err != nil {
		t.Fatalf("SelectPoints() error: %v", err)
	}
	if len(ids) != 2 || ids[0] != 2 || ids[1] != 3 {
		t.Errorf("SelectPoints() = %v, want [2 3]", ids)
	}
	if cloud.PointCount() != 3 {
		t.Error("SelectPoints() must not remove anything")
	}

	removed, err := cloud.RemovePoints(context.Background(), ObservationCount, 2)
	if err != nil {
		t.Fatalf("RemovePoints() error: %v", err)
	}
	if removed != 2 || cloud.PointCount() != 1 {
		t.Errorf("RemovePoints() removed %d leaving %d, want 2 leaving 1", removed, cloud.PointCount())
	}

	if _, err := cloud.SelectPoints(context.Background(), FilterCriterion(42), 1); err == nil {
		t.Error("SelectPoints() with unknown criterion should fail")
	}
}

func TestSparseCloud_Optimize(t *testing.T) {
	cloud := NewSparseCloud(Snapshot{Points: []TiePoint{{ID: 1}}})

	if err := cloud.Optimize(context.Background(), RelaxedPreset()); err != nil {
		t.Fatalf("Optimize() error: %v", err)
	}
	if cloud.CovarianceComputed() {
		t.Error("covariance should not be computed by a plain solve")
	}
	if err := cloud.Optimize(context.Background(), RelaxedPreset().WithCovariance()); err != nil {
		t.Fatalf("Optimize() error: %v", err)
	}
	if !cloud.CovarianceComputed() {
		t.Error("covariance should be marked after a covariance solve")
	}
	if n := len(cloud.OptimizeCalls()); n != 2 {
		t.Errorf("OptimizeCalls() = %d, want 2", n)
	}
	if !cloud.Snapshot().LastParameters.FitF {
		t.Error("snapshot should record the last parameter set")
	}
}

func TestSparseCloud_UpdatePoint(t *testing.T) {
	cloud := NewSparseCloud(Snapshot{Points: []TiePoint{{ID: 1, ReprojectionError: 2}}})

	if !cloud.UpdatePoint(TiePoint{ID: 1, ReprojectionError: 0.4}) {
		t.Fatal("UpdatePoint() on a surviving point should succeed")
	}
	if cloud.UpdatePoint(TiePoint{ID: 99}) {
		t.Error("UpdatePoint() must not resurrect unknown points")
	}
	if got := cloud.Points()[0].ReprojectionError; got != 0.4 {
		t.Errorf("ReprojectionError = %v, want 0.4", got)
	}
}

func TestSparseCloud_Markers(t *testing.T) {
	cloud := NewSparseCloud(Snapshot{
		ChunkScale: 0.5,
		Markers:    []Marker{{Label: "target 1", Position: [3]float64{1, 2, 3}}},
	})

	p, ok := cloud.MarkerPosition("target 1")
	if !ok || p != (r3.Vector{X: 1, Y: 2, Z: 3}) {
		t.Errorf("MarkerPosition() = %v, %v", p, ok)
	}
	if _, ok := cloud.MarkerPosition("target 2"); ok {
		t.Error("MarkerPosition() should miss unknown labels")
	}
	if cloud.ChunkScale() != 0.5 {
		t.Errorf("ChunkScale() = %v, want 0.5", cloud.ChunkScale())
	}
}

func TestSnapshot_SaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "123456789_snapshot.json")

	cloud := testCloud()
	if _, err := cloud.RemovePoints(context.Background(), ObservationCount, 3); err != nil {
		t.Fatal(err)
	}
	if err := SaveSnapshot(path, cloud.Snapshot()); err != nil {
		t.Fatalf("SaveSnapshot() error: %v", err)
	}

	snap, err := LoadSnapshot(path)
	if err != nil {
		t.Fatalf("LoadSnapshot() error: %v", err)
	}
	if len(snap.Points) != cloud.PointCount() {
		t.Errorf("loaded %d points, want %d", len(snap.Points), cloud.PointCount())
	}
	if len(snap.Cameras) != 3 {
		t.Errorf("loaded %d cameras, want 3", len(snap.Cameras))
	}
}

func TestLoadSnapshot_Errors(t *testing.T) {
	dir := t.TempDir()

	if _, err := LoadSnapshot(filepath.Join(dir, "missing.json")); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("missing file error = %v", err)
	}

	bad := filepath.Join(dir, "bad.json")
	_ = os.WriteFile(bad, []byte("{"), 0644)
	if _, err := LoadSnapshot(bad); err == nil {
		t.Error("invalid JSON should fail")
	}

	dup := filepath.Join(dir, "dup.json")
	_ = os.WriteFile(dup, []byte(`{"points":[{"id":1},{"id":1}]}`), 0644)
	if _, err := LoadSnapshot(dup); err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Errorf("duplicate id error = %v", err)
	}
}
