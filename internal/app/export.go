package app

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strconv"

	"github.com/xuri/excelize/v2"

	"github.com/relabs-tech/vibration_monitor/internal/imu"
)

// Export formats accepted by /api/download.
const (
	FormatCSV  = "csv"
	FormatJSON = "json"
	FormatXLSX = "xlsx"
)

// DefaultExportSamples is used when the request does not ask for a count.
const DefaultExportSamples = 100

var exportHeaders = []string{
	"timestamp_us", "sequence_id", "x_ms2", "y_ms2", "z_ms2", "magnitude_ms2", "fifo_level",
}

// ExportRow is one history sample converted to SI units.
type ExportRow struct {
	TimestampUS  uint64  `json:"timestamp_us"`
	SequenceID   uint32  `json:"sequence_id"`
	XMS2         float64 `json:"x_ms2"`
	YMS2         float64 `json:"y_ms2"`
	ZMS2         float64 `json:"z_ms2"`
	MagnitudeMS2 float64 `json:"magnitude_ms2"`
	FIFOLevel    uint16  `json:"fifo_level"`
}

// ExportRows converts raw samples (in g) to rows in m/s².
func ExportRows(samples []imu.RawSample) []ExportRow {
	rows := make([]ExportRow, 0, len(samples))
	for _, s := range samples {
		x, y, z := s.Accelerometer().MetersPerSecond2()
		rows = append(rows, ExportRow{
			TimestampUS:  s.TimestampUS,
			SequenceID:   s.SequenceID,
			XMS2:         x,
			YMS2:         y,
			ZMS2:         z,
			MagnitudeMS2: math.Sqrt(x*x + y*y + z*z),
			FIFOLevel:    s.FIFOLevel,
		})
	}
	return rows
}

func (r ExportRow) values() []any {
	return []any{r.TimestampUS, r.SequenceID, r.XMS2, r.YMS2, r.ZMS2, r.MagnitudeMS2, r.FIFOLevel}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 6, 64)
}

// WriteCSV writes a header line followed by one line per sample.
func WriteCSV(w io.Writer, samples []imu.RawSample) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(exportHeaders); err != nil {
		return fmt.Errorf("export: write csv header: %w", err)
	}
	for _, r := range ExportRows(samples) {
		rec := []string{
			strconv.FormatUint(r.TimestampUS, 10),
			strconv.FormatUint(uint64(r.SequenceID), 10),
			formatFloat(r.XMS2),
			formatFloat(r.YMS2),
			formatFloat(r.ZMS2),
			formatFloat(r.MagnitudeMS2),
			strconv.FormatUint(uint64(r.FIFOLevel), 10),
		}
		if err := cw.Write(rec); err != nil {
			return fmt.Errorf("export: write csv row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteJSON writes the rows as a JSON array.
func WriteJSON(w io.Writer, samples []imu.RawSample) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(ExportRows(samples)); err != nil {
		return fmt.Errorf("export: encode json: %w", err)
	}
	return nil
}

// WriteXLSX writes a single-sheet workbook with a frozen bold header row.
func WriteXLSX(w io.Writer, samples []imu.RawSample) error {
	const sheetName = "Samples"

	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(sheetName)
	if err != nil {
		return fmt.Errorf("export: create sheet: %w", err)
	}
	f.SetActiveSheet(index)
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return fmt.Errorf("export: delete default sheet: %w", err)
	}

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true},
		Alignment: &excelize.Alignment{Horizontal: "center"},
	})
	if err != nil {
		return fmt.Errorf("export: create header style: %w", err)
	}

	for col, h := range exportHeaders {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(sheetName, cell, h); err != nil {
			return fmt.Errorf("export: set header %s: %w", h, err)
		}
		if err := f.SetCellStyle(sheetName, cell, cell, headerStyle); err != nil {
			return fmt.Errorf("export: style header %s: %w", h, err)
		}
	}
	if err := f.SetColWidth(sheetName, "A", "G", 16); err != nil {
		return fmt.Errorf("export: set column width: %w", err)
	}

	for i, r := range ExportRows(samples) {
		for col, v := range r.values() {
			cell, err := excelize.CoordinatesToCellName(col+1, i+2)
			if err != nil {
				return err
			}
			if err := f.SetCellValue(sheetName, cell, v); err != nil {
				return fmt.Errorf("export: set cell %s: %w", cell, err)
			}
		}
	}

	if err := f.SetPanes(sheetName, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		return fmt.Errorf("export: freeze header: %w", err)
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("export: write workbook: %w", err)
	}
	return nil
}

// WriteExport dispatches on format.
func WriteExport(w io.Writer, format string, samples []imu.RawSample) error {
	switch format {
	case FormatCSV:
		return WriteCSV(w, samples)
	case FormatJSON:
		return WriteJSON(w, samples)
	case FormatXLSX:
		return WriteXLSX(w, samples)
	default:
		return fmt.Errorf("export: unknown format %q", format)
	}
}

// ExportContentType returns the MIME type for a format, or "" if unknown.
func ExportContentType(format string) string {
	switch format {
	case FormatCSV:
		return "text/csv"
	case FormatJSON:
		return "application/json"
	case FormatXLSX:
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	return ""
}
