package metrology

import (
	"encoding/json"
	"fmt"
	"image/color"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/tdewolff/canvas"
	"github.com/tdewolff/canvas/renderers/rasterizer"
	"github.com/tdewolff/canvas/renderers/svg"
)

// Layout is the plan view (X/Y in millimeters) of the detected markers and the
// scale bars evaluated between them.
type Layout struct {
	Markers map[string]orb.Point
	Bars    []LayoutBar
}

// LayoutBar is one evaluated scale bar in plan view.
type LayoutBar struct {
	Name         string
	A, B         orb.Point
	ErrorPercent float64
	Passed       bool
}

// NewLayout projects markers onto the X/Y plane in metric millimeters and
// attaches the outcome of every bar in result whose endpoints are present.
func NewLayout(markers MarkerPositions, scale ChunkScale, result *VerdictResult) *Layout {
	mm := float64(scale) * 1000
	l := &Layout{Markers: make(map[string]orb.Point, len(markers))}
	for label, p := range markers {
		l.Markers[label] = orb.Point{p.X * mm, p.Y * mm}
	}
	if result == nil {
		return l
	}
	for i, m := range result.Measurements {
		a, okA := l.Markers[m.EndpointA]
		b, okB := l.Markers[m.EndpointB]
		if !okA || !okB {
			continue
		}
		l.Bars = append(l.Bars, LayoutBar{
			Name:         m.Name,
			A:            a,
			B:            b,
			ErrorPercent: m.ErrorPercent(),
			Passed:       result.BarPassed(i),
		})
	}
	return l
}

// Labels returns the marker labels in sorted order.
func (l *Layout) Labels() []string {
	labels := make([]string, 0, len(l.Markers))
	for label := range l.Markers {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	return labels
}

// Bound returns the extent of all markers.
func (l *Layout) Bound() orb.Bound {
	mp := make(orb.MultiPoint, 0, len(l.Markers))
	for _, label := range l.Labels() {
		mp = append(mp, l.Markers[label])
	}
	return mp.Bound()
}

// FeatureCollection exports markers as Points and bars as LineStrings.
func (l *Layout) FeatureCollection() *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, label := range l.Labels() {
		f := geojson.NewFeature(l.Markers[label])
		f.Properties["kind"] = "marker"
		f.Properties["label"] = label
		fc.Append(f)
	}
	for _, bar := range l.Bars {
		f := geojson.NewFeature(orb.LineString{bar.A, bar.B})
		f.Properties["kind"] = "scaleBar"
		f.Properties["name"] = bar.Name
		f.Properties["errorPercent"] = bar.ErrorPercent
		f.Properties["passed"] = bar.Passed
		fc.Append(f)
	}
	return fc
}

// SaveGeoJSON writes the layout as a GeoJSON FeatureCollection.
func (l *Layout) SaveGeoJSON(path string) error {
	data, err := json.MarshalIndent(l.FeatureCollection(), "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling layout GeoJSON: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating layout directory: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// LayoutRenderer draws a Layout as SVG or PNG. Canvas units are millimeters.
type LayoutRenderer struct {
	Layout       *Layout
	Padding      float64 // Margin around the markers in mm
	MarkerRadius float64
	BarWidth     float64
	Resolution   canvas.Resolution
	PassColor    color.RGBA
	FailColor    color.RGBA
}

// NewLayoutRenderer creates a renderer with default settings.
func NewLayoutRenderer(l *Layout) *LayoutRenderer {
	return &LayoutRenderer{
		Layout:       l,
		Padding:      250,
		MarkerRadius: 40,
		BarWidth:     15,
		Resolution:   canvas.DPI(12.7),
		PassColor:    color.RGBA{R: 0, G: 170, B: 0, A: 255},
		FailColor:    color.RGBA{R: 220, G: 0, B: 0, A: 255},
	}
}

// canvasRenderer is implemented by both the svg and rasterizer renderers.
type canvasRenderer interface {
	RenderPath(path *canvas.Path, style canvas.Style, m canvas.Matrix)
}

// RenderToSVG writes the layout as an SVG to w.
func (r *LayoutRenderer) RenderToSVG(w io.Writer) error {
	bound := r.paddedBound()
	svgRenderer := svg.New(w, bound.Right()-bound.Left(), bound.Top()-bound.Bottom(), nil)
	r.renderToCanvas(svgRenderer, bound)
	return svgRenderer.Close()
}

// RenderToPNG writes the layout as a PNG to w.
func (r *LayoutRenderer) RenderToPNG(w io.Writer) error {
	bound := r.paddedBound()
	rast := rasterizer.New(bound.Right()-bound.Left(), bound.Top()-bound.Bottom(), r.Resolution, canvas.DefaultColorSpace)
	r.renderToCanvas(rast, bound)
	return png.Encode(w, rast)
}

// SaveSVG renders the layout to an SVG file.
func (r *LayoutRenderer) SaveSVG(path string) error {
	return r.save(path, r.RenderToSVG)
}

// SavePNG renders the layout to a PNG file.
func (r *LayoutRenderer) SavePNG(path string) error {
	return r.save(path, r.RenderToPNG)
}

func (r *LayoutRenderer) save(path string, render func(io.Writer) error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating layout directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	return render(f)
}

func (r *LayoutRenderer) paddedBound() orb.Bound {
	b := r.Layout.Bound()
	if len(r.Layout.Markers) == 0 {
		b = orb.Bound{}
	}
	return b.Pad(r.Padding)
}

func (r *LayoutRenderer) renderToCanvas(renderer canvasRenderer, bound orb.Bound) {
	width := bound.Right() - bound.Left()
	height := bound.Top() - bound.Bottom()

	bgStyle := canvas.DefaultStyle
	bgStyle.Fill = canvas.Paint{Color: canvas.White}
	renderer.RenderPath(canvas.Rectangle(width, height), bgStyle, canvas.Identity)

	toCanvas := func(p orb.Point) (float64, float64) {
		return p.X() - bound.Left(), p.Y() - bound.Bottom()
	}

	// Bars first so markers sit on top.
	for _, bar := range r.Layout.Bars {
		barStyle := canvas.DefaultStyle
		barStyle.Fill = canvas.Paint{Color: canvas.Transparent}
		barStyle.Stroke = canvas.Paint{Color: r.FailColor}
		if bar.Passed {
			barStyle.Stroke = canvas.Paint{Color: r.PassColor}
		}
		barStyle.StrokeWidth = r.BarWidth

		ax, ay := toCanvas(bar.A)
		bx, by := toCanvas(bar.B)
		barPath := &canvas.Path{}
		barPath.MoveTo(ax, ay)
		barPath.LineTo(bx, by)
		renderer.RenderPath(barPath, barStyle, canvas.Identity)
	}

	markerStyle := canvas.DefaultStyle
	markerStyle.Fill = canvas.Paint{Color: canvas.White}
	markerStyle.Stroke = canvas.Paint{Color: canvas.Black}
	markerStyle.StrokeWidth = 6.0

	for _, label := range r.Layout.Labels() {
		cx, cy := toCanvas(r.Layout.Markers[label])
		markerPath := canvas.Circle(r.MarkerRadius)
		markerPath = markerPath.Translate(cx, cy)
		renderer.RenderPath(markerPath, markerStyle, canvas.Identity)
	}
}
