package app

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/relabs-tech/vibration_monitor/internal/imu"
)

func TestExportRowsConvertToSI(t *testing.T) {
	rows := ExportRows(testSamples(7, 1000, 1, 0, 0, 1))
	require.Len(t, rows, 1)
	r := rows[0]
	assert.Equal(t, uint64(1000), r.TimestampUS)
	assert.Equal(t, uint32(7), r.SequenceID)
	assert.InDelta(t, 0, r.XMS2, 1e-9)
	assert.InDelta(t, imu.StandardGravity, r.ZMS2, 1e-6)
	assert.InDelta(t, imu.StandardGravity, r.MagnitudeMS2, 1e-6)
	assert.Equal(t, uint16(3), r.FIFOLevel)
}

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, testSamples(1, 5000, 3, 0, 0, 1)))

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 4)
	assert.Equal(t, exportHeaders, records[0])
	assert.Equal(t, []string{"5000", "1", "0.000000", "0.000000", "9.806650", "9.806650", "3"}, records[1])
	assert.Equal(t, "7000", records[3][0])
}

func TestWriteJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteJSON(&buf, testSamples(10, 0, 2, 1, 0, 0)))

	var rows []ExportRow
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rows))
	require.Len(t, rows, 2)
	assert.Equal(t, uint32(11), rows[1].SequenceID)
	assert.InDelta(t, imu.StandardGravity, rows[1].XMS2, 1e-6)
}

func TestWriteXLSX(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteXLSX(&buf, testSamples(1, 2000, 5, 0, 0, 1)))

	f, err := excelize.OpenReader(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, []string{"Samples"}, f.GetSheetList())
	rows, err := f.GetRows("Samples")
	require.NoError(t, err)
	require.Len(t, rows, 6)
	assert.Equal(t, exportHeaders, rows[0])
	assert.Equal(t, "2000", rows[1][0])
	assert.Equal(t, "5", rows[5][1])
}

func TestWriteExportFormats(t *testing.T) {
	samples := testSamples(1, 0, 1, 0, 0, 1)
	for _, format := range []string{FormatCSV, FormatJSON, FormatXLSX} {
		var buf bytes.Buffer
		assert.NoError(t, WriteExport(&buf, format, samples), format)
		assert.NotZero(t, buf.Len(), format)
		assert.NotEmpty(t, ExportContentType(format), format)
	}
	assert.Error(t, WriteExport(&bytes.Buffer{}, "pdf", samples))
	assert.Empty(t, ExportContentType("pdf"))
}
