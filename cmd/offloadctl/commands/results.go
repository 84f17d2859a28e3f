package commands

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"runtime"
	"strconv"
	"time"
)

// benchResult is one row of bench output.
type benchResult struct {
	// Input Parameters
	Backend  string
	Keys     int
	Workers  int
	MeanKB   int
	Rounds   int
	Vectored bool

	// Observation Parameters
	WP99        time.Duration
	WP50        time.Duration
	WP25        time.Duration
	RP99        time.Duration
	RP50        time.Duration
	RP25        time.Duration
	WThroughput float64
	RThroughput float64
	MemoryMB    float64
}

var csvHeader = []string{
	"BACKEND", "KEYS", "WORKERS", "MEAN_KB", "ROUNDS", "VECTORED",
	"W_P99", "W_P50", "W_P25", "R_P99", "R_P50", "R_P25",
	"W_MBPS", "R_MBPS", "MEMORY", "TIME",
}

func (r benchResult) row() []string {
	return []string{
		r.Backend,
		strconv.Itoa(r.Keys),
		strconv.Itoa(r.Workers),
		strconv.Itoa(r.MeanKB),
		strconv.Itoa(r.Rounds),
		strconv.FormatBool(r.Vectored),
		r.WP99.String(),
		r.WP50.String(),
		r.WP25.String(),
		r.RP99.String(),
		r.RP50.String(),
		r.RP25.String(),
		fmt.Sprintf("%.2f", r.WThroughput),
		fmt.Sprintf("%.2f", r.RThroughput),
		fmt.Sprintf("%.2f", r.MemoryMB),
		time.Now().Format("2006-01-02 15:04:05"),
	}
}

func (r benchResult) print(w io.Writer) {
	fmt.Fprintf(w, "backend=%s keys=%d workers=%d mean=%dKiB rounds=%d vectored=%v\n",
		r.Backend, r.Keys, r.Workers, r.MeanKB, r.Rounds, r.Vectored)
	fmt.Fprintf(w, "write: %.2f MiB/s p25=%v p50=%v p99=%v\n", r.WThroughput, r.WP25, r.WP50, r.WP99)
	fmt.Fprintf(w, "read:  %.2f MiB/s p25=%v p50=%v p99=%v\n", r.RThroughput, r.RP25, r.RP50, r.RP99)
	fmt.Fprintf(w, "heap:  %.2f MiB\n", r.MemoryMB)
}

// appendCSV appends r to path, writing the header when the file is new.
func (r benchResult) appendCSV(path string) error {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open CSV file: %w", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	info, err := file.Stat()
	if err != nil {
		return err
	}
	if info.Size() == 0 {
		if err := writer.Write(csvHeader); err != nil {
			return fmt.Errorf("error writing CSV header: %w", err)
		}
	}
	if err := writer.Write(r.row()); err != nil {
		return fmt.Errorf("error writing CSV data row: %w", err)
	}
	writer.Flush()
	return writer.Error()
}

// getMemoryUsageMB returns the live heap of this process in MiB.
func getMemoryUsageMB() float64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return float64(m.Alloc) / 1024 / 1024
}
