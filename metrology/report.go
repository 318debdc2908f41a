package metrology

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/samber/lo"
)

// SummaryFileName is <serial>_results.json.
func SummaryFileName(serial string) string {
	return fmt.Sprintf("%s_results.json", serial)
}

// ResultFileName is <serial>_verdict.json.
func ResultFileName(serial string) string {
	return fmt.Sprintf("%s_verdict.json", serial)
}

// WriteSummaryJSON writes the per-bar error percentages keyed by bar name
// for fleet tracking and returns the file path.
func WriteSummaryJSON(dir string, result *VerdictResult) (string, error) {
	return writeJSON(dir, SummaryFileName(result.SerialID), result.Summary())
}

// WriteResultJSON writes the full verdict and returns the file path.
func WriteResultJSON(dir string, result *VerdictResult) (string, error) {
	return writeJSON(dir, ResultFileName(result.SerialID), result)
}

// LoadResultJSON reads a verdict written by WriteResultJSON.
func LoadResultJSON(path string) (*VerdictResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading verdict file: %w", err)
	}
	var result VerdictResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("parsing verdict file: %w", err)
	}
	return &result, nil
}

func writeJSON(dir, name string, v interface{}) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating output directory: %w", err)
	}

	data, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return "", fmt.Errorf("marshaling %s: %w", name, err)
	}

	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("writing %s: %w", name, err)
	}
	return path, nil
}

// verdictRows formats the report table rows shared by the console and PNG renderers.
func verdictRows(result *VerdictResult) [][]string {
	return lo.Map(result.Measurements, func(m ScaleBarMeasurement, i int) []string {
		measured, _ := m.MeasuredDistance()
		outcome := "Fail"
		if result.BarPassed(i) {
			outcome = "Pass"
		}
		return []string{
			m.Name,
			fmt.Sprintf("%.4f", m.GroundTruthMeters),
			fmt.Sprintf("%.4f", measured),
			fmt.Sprintf("%.2f", m.SignedError()*1000),
			fmt.Sprintf("%.3f", m.ErrorPercent()),
			outcome,
		}
	})
}

var verdictHeader = []string{"Measurement", "GT [m]", "Measured [m]", "Error [mm]", "Error %", "Pass/Fail"}

// FormatVerdictTable renders the per-bar table and the aggregate verdict for
// a terminal. Colors follow fatih/color's NoColor detection.
func FormatVerdictTable(result *VerdictResult) string {
	pass := color.New(color.FgGreen, color.Bold).SprintFunc()
	fail := color.New(color.FgRed, color.Bold).SprintFunc()

	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	if result.SerialID != "" {
		t.SetTitle("%s Verification Report", result.SerialID)
	}
	t.AppendHeader(lo.Map(verdictHeader, func(h string, _ int) interface{} { return h }))

	for _, row := range verdictRows(result) {
		cells := make(table.Row, len(row))
		for i, c := range row {
			cells[i] = c
		}
		if row[len(row)-1] == "Pass" {
			cells[len(row)-1] = pass("Pass")
		} else {
			cells[len(row)-1] = fail("Fail")
		}
		t.AppendRow(cells)
	}

	verdict := fail(result.Verdict())
	if result.Passed {
		verdict = pass(result.Verdict())
	}
	t.AppendFooter(table.Row{"Root Mean Square Error [%]", fmt.Sprintf("%.4f", result.RMSErrorPercent), "", "", "Passing Error [%]", fmt.Sprintf("%g", result.AggregateThresholdPercent)})
	t.AppendFooter(table.Row{"Verdict", verdict})

	return t.Render()
}
