package metrology

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// ReportColors are the fills used by VerdictRenderer.
type ReportColors struct {
	Background color.RGBA
	Text       color.RGBA
	Grid       color.RGBA
	Pass       color.RGBA
	Fail       color.RGBA
}

// DefaultReportColors returns black on white with green/red outcome cells.
func DefaultReportColors() ReportColors {
	return ReportColors{
		Background: color.RGBA{255, 255, 255, 255},
		Text:       color.RGBA{0, 0, 0, 255},
		Grid:       color.RGBA{0, 0, 0, 255},
		Pass:       color.RGBA{0, 200, 0, 255},
		Fail:       color.RGBA{230, 0, 0, 255},
	}
}

// VerdictRenderer draws the verdict table as a raster image.
type VerdictRenderer struct {
	Colors    ReportColors
	Padding   int // Margin around the page content in pixels
	RowHeight int
	CellPad   int // Horizontal padding inside each cell
}

// NewVerdictRenderer creates a renderer with default settings.
func NewVerdictRenderer() *VerdictRenderer {
	return &VerdictRenderer{
		Colors:    DefaultReportColors(),
		Padding:   30,
		RowHeight: 20,
		CellPad:   6,
	}
}

// Render lays out the title, the per-bar table and the aggregate lines.
func (r *VerdictRenderer) Render(result *VerdictResult) *image.RGBA {
	face := basicfont.Face7x13
	charW := face.Advance

	rows := append([][]string{verdictHeader}, verdictRows(result)...)
	widths := make([]int, len(verdictHeader))
	for _, row := range rows {
		for i, cell := range row {
			if w := len(cell)*charW + 2*r.CellPad; w > widths[i] {
				widths[i] = w
			}
		}
	}
	tableW := 0
	for _, w := range widths {
		tableW += w
	}

	title := "Verification Report"
	if result.SerialID != "" {
		title = fmt.Sprintf("%s Verification Report", result.SerialID)
	}
	footer := []string{
		fmt.Sprintf("Root Mean Square Error [%%]: %.4f", result.RMSErrorPercent),
		fmt.Sprintf("Passing Error [%%]: %g %%", result.AggregateThresholdPercent),
		result.Verdict(),
	}

	titleH := 2 * r.RowHeight
	tableH := len(rows) * r.RowHeight
	footerH := (len(footer) + 1) * r.RowHeight
	width := tableW + 2*r.Padding
	if w := len(title)*charW + 2*r.Padding; w > width {
		width = w
	}
	height := titleH + tableH + footerH + 2*r.Padding

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(img, img.Bounds(), image.NewUniform(r.Colors.Background), image.Point{}, draw.Src)

	left := (width - tableW) / 2
	y := r.Padding
	drawText(img, (width-len(title)*charW)/2, y+r.RowHeight, title, r.Colors.Text)
	y += titleH

	outcomeCol := len(verdictHeader) - 1
	for ri, row := range rows {
		x := left
		for ci, cell := range row {
			if ri > 0 && ci == outcomeCol {
				fill := r.Colors.Fail
				if cell == "Pass" {
					fill = r.Colors.Pass
				}
				draw.Draw(img, image.Rect(x, y, x+widths[ci], y+r.RowHeight), image.NewUniform(fill), image.Point{}, draw.Src)
			}
			strokeRect(img, x, y, widths[ci], r.RowHeight, r.Colors.Grid)
			drawText(img, x+r.CellPad, y+r.RowHeight-6, cell, r.Colors.Text)
			x += widths[ci]
		}
		y += r.RowHeight
	}

	y += r.RowHeight
	for _, line := range footer {
		drawText(img, left, y, line, r.Colors.Text)
		y += r.RowHeight
	}

	return img
}

// WritePNG renders result and encodes it to w.
func (r *VerdictRenderer) WritePNG(w io.Writer, result *VerdictResult) error {
	return png.Encode(w, r.Render(result))
}

// SavePNG renders result to a PNG file at path.
func (r *VerdictRenderer) SavePNG(path string, result *VerdictResult) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating report directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	return r.WritePNG(f, result)
}

// strokeRect draws a one pixel rectangle outline.
func strokeRect(img *image.RGBA, x, y, w, h int, c color.RGBA) {
	for dx := 0; dx <= w; dx++ {
		img.SetRGBA(x+dx, y, c)
		img.SetRGBA(x+dx, y+h, c)
	}
	for dy := 0; dy <= h; dy++ {
		img.SetRGBA(x, y+dy, c)
		img.SetRGBA(x+w, y+dy, c)
	}
}

// drawText renders text with its baseline at (x, y).
func drawText(img *image.RGBA, x, y int, text string, c color.RGBA) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(text)
}
