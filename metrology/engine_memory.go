package metrology

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/golang/geo/r3"
)

// TiePoint is a sparse point and its quality scores as last computed by the solver.
type TiePoint struct {
	ID                        PointID    `json:"id"`
	Position                  [3]float64 `json:"position"`
	Observations              int        `json:"observations"`
	ReconstructionUncertainty float64    `json:"reconstructionUncertainty"`
	ProjectionAccuracy        float64    `json:"projectionAccuracy"`
	ReprojectionError         float64    `json:"reprojectionError"`
}

// Score returns the point's value for criterion.
func (p TiePoint) Score(criterion FilterCriterion) float64 {
	switch criterion {
	case ObservationCount:
		return float64(p.Observations)
	case ReconstructionUncertainty:
		return p.ReconstructionUncertainty
	case ProjectionAccuracy:
		return p.ProjectionAccuracy
	case ReprojectionError:
		return p.ReprojectionError
	}
	return 0
}

// Fails reports whether the point is removable at threshold. Observation
// count removes points seen in threshold images or fewer; the other criteria
// remove points scoring above threshold.
func (p TiePoint) Fails(criterion FilterCriterion, threshold float64) bool {
	if criterion == ObservationCount {
		return p.Score(criterion) <= threshold
	}
	return p.Score(criterion) > threshold
}

// Camera is one image in the stereo network.
type Camera struct {
	Label   string `json:"label"`
	Sensor  string `json:"sensor,omitempty"` // "left" or "right"
	Aligned bool   `json:"aligned"`
}

// Marker is a detected target.
type Marker struct {
	Label    string     `json:"label"`
	Position [3]float64 `json:"position"`
}

// Snapshot is the exported state of a sparse reconstruction.
type Snapshot struct {
	ChunkScale         float64                  `json:"chunkScale"`
	Cameras            []Camera                 `json:"cameras"`
	Points             []TiePoint               `json:"points"`
	Markers            []Marker                 `json:"markers"`
	CovarianceComputed bool                     `json:"covarianceComputed,omitempty"`
	LastParameters     OptimizationParameterSet `json:"lastParameters"`
}

// Solver re-solves a SparseCloud in place. It may rescore or move points.
type Solver func(ctx context.Context, cloud *SparseCloud, params OptimizationParameterSet) error

// SparseCloud is an in-memory Reconstruction and MarkerSource. Without a
// Solver, Optimize only records the request.
type SparseCloud struct {
	snap   Snapshot
	points map[PointID]TiePoint
	solver Solver

	optimizeCalls []OptimizationParameterSet
}

// NewSparseCloud builds a cloud from a snapshot.
func NewSparseCloud(snap Snapshot) *SparseCloud {
	c := &SparseCloud{snap: snap, points: make(map[PointID]TiePoint, len(snap.Points))}
	for _, p := range snap.Points {
		c.points[p.ID] = p
	}
	return c
}

// SetSolver installs the function Optimize delegates to.
func (c *SparseCloud) SetSolver(s Solver) {
	c.solver = s
}

// PointCount implements Reconstruction.
func (c *SparseCloud) PointCount() int {
	return len(c.points)
}

// AlignedCameraCount implements Reconstruction.
func (c *SparseCloud) AlignedCameraCount() int {
	n := 0
	for _, cam := range c.snap.Cameras {
		if cam.Aligned {
			n++
		}
	}
	return n
}

// SelectPoints implements Reconstruction. IDs are returned in ascending order.
func (c *SparseCloud) SelectPoints(ctx context.Context, criterion FilterCriterion, threshold float64) ([]PointID, error) {
	if _, ok := criterionNames[criterion]; !ok {
		return nil, fmt.Errorf("unknown filter criterion %d", int(criterion))
	}
	var ids []PointID
	for id, p := range c.points {
		if p.Fails(criterion, threshold) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// RemovePoints implements Reconstruction.
func (c *SparseCloud) RemovePoints(ctx context.Context, criterion FilterCriterion, threshold float64) (int, error) {
	ids, err := c.SelectPoints(ctx, criterion, threshold)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		delete(c.points, id)
	}
	return len(ids), nil
}

// Optimize implements Reconstruction.
func (c *SparseCloud) Optimize(ctx context.Context, params OptimizationParameterSet) error {
	c.optimizeCalls = append(c.optimizeCalls, params)
	if c.solver != nil {
		if err := c.solver(ctx, c, params); err != nil {
			return err
		}
	}
	c.snap.LastParameters = params
	if params.ComputeCovariance {
		c.snap.CovarianceComputed = true
	}
	return nil
}

// OptimizeCalls returns the parameter sets passed to Optimize, in call order.
func (c *SparseCloud) OptimizeCalls() []OptimizationParameterSet {
	out := make([]OptimizationParameterSet, len(c.optimizeCalls))
	copy(out, c.optimizeCalls)
	return out
}

// CovarianceComputed reports whether a covariance-enabled solve has run.
func (c *SparseCloud) CovarianceComputed() bool {
	return c.snap.CovarianceComputed
}

// Points returns the surviving tie points ordered by ID.
func (c *SparseCloud) Points() []TiePoint {
	out := make([]TiePoint, 0, len(c.points))
	for _, p := range c.points {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// UpdatePoint replaces a surviving point's data, typically from a Solver.
func (c *SparseCloud) UpdatePoint(p TiePoint) bool {
	if _, ok := c.points[p.ID]; !ok {
		return false
	}
	c.points[p.ID] = p
	return true
}

// MarkerPosition implements MarkerSource.
func (c *SparseCloud) MarkerPosition(label string) (r3.Vector, bool) {
	for _, m := range c.snap.Markers {
		if m.Label == label {
			return r3.Vector{X: m.Position[0], Y: m.Position[1], Z: m.Position[2]}, true
		}
	}
	return r3.Vector{}, false
}

// ChunkScale implements MarkerSource.
func (c *SparseCloud) ChunkScale() float64 {
	return c.snap.ChunkScale
}

// Snapshot returns the current state for persistence.
func (c *SparseCloud) Snapshot() Snapshot {
	snap := c.snap
	snap.Points = c.Points()
	snap.Cameras = append([]Camera(nil), c.snap.Cameras...)
	snap.Markers = append([]Marker(nil), c.snap.Markers...)
	return snap
}

// LoadSnapshot reads a reconstruction snapshot from a JSON file.
func LoadSnapshot(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("snapshot file not found: %s", path)
		}
		return nil, fmt.Errorf("reading snapshot file: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parsing snapshot file: %w", err)
	}

	seen := make(map[PointID]bool, len(snap.Points))
	for _, p := range snap.Points {
		if seen[p.ID] {
			return nil, fmt.Errorf("snapshot has duplicate tie point id %d", p.ID)
		}
		seen[p.ID] = true
	}

	return &snap, nil
}

// SaveSnapshot writes a reconstruction snapshot as indented JSON.
func SaveSnapshot(path string, snap Snapshot) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating snapshot directory: %w", err)
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling snapshot: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing snapshot file: %w", err)
	}

	return nil
}
