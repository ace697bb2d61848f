package logger

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/scopedash/scopedash/internal/scope"
)

const (
	captureMaxRows   = 10000
	captureFileStamp = "2006-01-02_150405"
)

var captureHeader = []string{
	"timestamp", "command", "success", "channel",
	"time_per_div", "time_unit", "volts_per_div", "volts_unit",
	"samples", "min", "max", "mean",
}

// CaptureLog appends one summary row per capture result to a CSV file in
// dir, rotating to a fresh timestamped file by row count.
type CaptureLog struct {
	mu     sync.Mutex
	dir    string
	file   *os.File
	writer *csv.Writer
	rows   int
}

// NewCaptureLog creates dir if needed and opens the first log file.
func NewCaptureLog(dir string) (*CaptureLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("logger: create %s: %w", dir, err)
	}
	l := &CaptureLog{dir: dir}
	if err := l.rotate(); err != nil {
		return nil, err
	}
	return l, nil
}

// Log appends one result row.
func (l *CaptureLog) Log(ch scope.Channel, result *scope.CaptureResult) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.rows >= captureMaxRows {
		if err := l.rotate(); err != nil {
			return err
		}
	}
	lo, hi, mean := summarize(result.Samples)
	row := []string{
		time.Now().Format(time.RFC3339),
		string(result.Command),
		strconv.FormatBool(result.Success),
		strconv.Itoa(int(ch)),
		formatFloat(result.TimePerDiv.Value),
		result.TimePerDiv.UnitName,
		formatFloat(result.VoltsPerDiv.Value),
		result.VoltsPerDiv.UnitName,
		strconv.Itoa(len(result.Samples)),
		formatFloat(lo),
		formatFloat(hi),
		formatFloat(mean),
	}
	if err := l.writer.Write(row); err != nil {
		return fmt.Errorf("logger: write row: %w", err)
	}
	l.writer.Flush()
	l.rows++
	return l.writer.Error()
}

// Close flushes and closes the current file.
func (l *CaptureLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	l.writer.Flush()
	err := l.file.Close()
	l.file = nil
	return err
}

func (l *CaptureLog) rotate() error {
	if l.file != nil {
		l.writer.Flush()
		_ = l.file.Close()
	}
	stamp := time.Now().Format(captureFileStamp)
	name := filepath.Join(l.dir, "captures_"+stamp+".csv")
	for i := 1; ; i++ {
		if _, err := os.Stat(name); os.IsNotExist(err) {
			break
		}
		name = filepath.Join(l.dir, fmt.Sprintf("captures_%s_%d.csv", stamp, i))
	}
	file, err := os.Create(name)
	if err != nil {
		return fmt.Errorf("logger: create %s: %w", name, err)
	}
	l.file = file
	l.writer = csv.NewWriter(file)
	l.rows = 0
	if err := l.writer.Write(captureHeader); err != nil {
		return fmt.Errorf("logger: write header: %w", err)
	}
	l.writer.Flush()
	log.Info().Str("file", name).Msg("logger: capture log opened")
	return l.writer.Error()
}

func summarize(samples []float64) (lo, hi, mean float64) {
	if len(samples) == 0 {
		return 0, 0, 0
	}
	lo, hi = samples[0], samples[0]
	sum := 0.0
	for _, s := range samples {
		if s < lo {
			lo = s
		}
		if s > hi {
			hi = s
		}
		sum += s
	}
	return lo, hi, sum / float64(len(samples))
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
