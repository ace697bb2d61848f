package logger

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scopedash/scopedash/internal/scope"
)

func captureFiles(t *testing.T, dir string) []string {
	t.Helper()
	files, err := filepath.Glob(filepath.Join(dir, "captures_*.csv"))
	require.NoError(t, err)
	return files
}

func readRows(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}

func TestCaptureLogWritesRows(t *testing.T) {
	dir := t.TempDir()
	l, err := NewCaptureLog(dir)
	require.NoError(t, err)

	res := &scope.CaptureResult{
		Success:     true,
		Command:     scope.CommandWaveform,
		TimePerDiv:  scope.ValueUnitPair{Value: 1, UnitMult: 1e3, UnitName: "ms"},
		VoltsPerDiv: scope.ValueUnitPair{Value: 5, UnitMult: 1e3, UnitName: "mV"},
		Samples:     []float64{-5, 5, 10},
	}
	require.NoError(t, l.Log(scope.ChannelDisplay1, res))
	require.NoError(t, l.Close())

	files := captureFiles(t, dir)
	require.Len(t, files, 1)
	rows := readRows(t, files[0])
	require.Len(t, rows, 2)

	assert.Equal(t, captureHeader, rows[0])

	row := rows[1]
	assert.NotEmpty(t, row[0])
	assert.Equal(t, "waveform", row[1])
	assert.Equal(t, "true", row[2])
	assert.Equal(t, "1", row[3])
	assert.Equal(t, "1", row[4])
	assert.Equal(t, "ms", row[5])
	assert.Equal(t, "5", row[6])
	assert.Equal(t, "mV", row[7])
	assert.Equal(t, "3", row[8])
	assert.Equal(t, "-5", row[9])
	assert.Equal(t, "10", row[10])
	assert.Equal(t, strconv.FormatFloat(10.0/3.0, 'g', -1, 64), row[11])
}

func TestCaptureLogFailedCycleRow(t *testing.T) {
	dir := t.TempDir()
	l, err := NewCaptureLog(dir)
	require.NoError(t, err)

	res := &scope.CaptureResult{Success: false, Command: scope.CommandTest}
	require.NoError(t, l.Log(scope.ChannelDisplay2, res))
	require.NoError(t, l.Close())

	rows := readRows(t, captureFiles(t, dir)[0])
	require.Len(t, rows, 2)
	row := rows[1]
	assert.Equal(t, "test", row[1])
	assert.Equal(t, "false", row[2])
	assert.Equal(t, "2", row[3])
	assert.Equal(t, "0", row[8])
	assert.Equal(t, "0", row[9])
	assert.Equal(t, "0", row[10])
	assert.Equal(t, "0", row[11])
}

func TestCaptureLogRotates(t *testing.T) {
	dir := t.TempDir()
	l, err := NewCaptureLog(dir)
	require.NoError(t, err)
	defer l.Close()

	res := &scope.CaptureResult{Success: true, Command: scope.CommandTest}
	for i := 0; i <= captureMaxRows; i++ {
		require.NoError(t, l.Log(scope.ChannelDisplay1, res))
	}

	files := captureFiles(t, dir)
	require.Len(t, files, 2, "exceeding the row cap must open a fresh file")
}

func TestCaptureLogCloseIsIdempotent(t *testing.T) {
	l, err := NewCaptureLog(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())
}

func TestNewCaptureLogBadDir(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	_, err := NewCaptureLog(filepath.Join(blocker, "sub"))
	assert.Error(t, err)
}

func TestSummarize(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		samples  []float64
		wantLo   float64
		wantHi   float64
		wantMean float64
	}{
		{"empty", nil, 0, 0, 0},
		{"single", []float64{4}, 4, 4, 4},
		{"mixed", []float64{-5, 5, 10}, -5, 10, 10.0 / 3.0},
		{"all negative", []float64{-3, -1, -2}, -3, -1, -2},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			lo, hi, mean := summarize(tt.samples)
			assert.Equal(t, tt.wantLo, lo)
			assert.Equal(t, tt.wantHi, hi)
			assert.InDelta(t, tt.wantMean, mean, 1e-12)
		})
	}
}
