// Package export writes stored utilization series to portable files for
// offline analysis. Three formats are supported: JSONL, CSV, and Parquet.
package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/cloudnap/pod-minder/pkg/podminder/store"
	"github.com/cloudnap/pod-minder/pkg/podminder/types"
)

// Row is one exported sample, flat so columnar formats can type every field.
// Timestamp is unix seconds, matching storage.
type Row struct {
	InstanceID string  `json:"instanceId" parquet:"instance_id"`
	Timestamp  int64   `json:"timestamp" parquet:"timestamp"`
	CPUPct     float64 `json:"cpuPct" parquet:"cpu_pct"`
	MemPct     float64 `json:"memPct" parquet:"mem_pct"`
	GPUPct     float64 `json:"gpuPct" parquet:"gpu_pct"`
	Status     string  `json:"status" parquet:"status"`
}

// Writer emits rows in one output format.
type Writer interface {
	Write(row Row) error
	Close() error
}

// NewWriter wraps w with a format-specific row writer. The caller owns the
// underlying writer; Close flushes format state but does not close files.
func NewWriter(format string, w io.Writer) (Writer, error) {
	switch strings.ToLower(format) {
	case "jsonl":
		return &jsonlWriter{enc: json.NewEncoder(w)}, nil
	case "csv":
		return &csvWriter{w: csv.NewWriter(w)}, nil
	case "parquet":
		return &parquetWriter{w: parquet.NewGenericWriter[Row](w)}, nil
	default:
		return nil, fmt.Errorf("unknown format: %s (supported: jsonl, csv, parquet)", format)
	}
}

// Extension returns the conventional file suffix for a format, empty when the
// format is unknown.
func Extension(format string) string {
	switch strings.ToLower(format) {
	case "jsonl":
		return ".jsonl"
	case "csv":
		return ".csv"
	case "parquet":
		return ".parquet"
	}
	return ""
}

// Series drains one instance's raw samples in [from, to] into the writer and
// reports how many rows were written.
func Series(st *store.Store, instanceID string, from, to time.Time, w Writer) (int, error) {
	cur, err := st.Range(instanceID, from, to)
	if err != nil {
		return 0, fmt.Errorf("failed to open series: %v", err)
	}
	defer cur.Close()

	n := 0
	for cur.Next() {
		if err := w.Write(rowFromSample(cur.Sample())); err != nil {
			return n, fmt.Errorf("failed to write row %d: %v", n, err)
		}
		n++
	}
	if err := cur.Err(); err != nil {
		return n, fmt.Errorf("failed to scan series: %v", err)
	}
	return n, nil
}

// Fleet exports every tracked instance's series, one instance after another.
func Fleet(st *store.Store, from, to time.Time, w Writer) (int, error) {
	ids, err := st.TrackedInstances()
	if err != nil {
		return 0, fmt.Errorf("failed to list instances: %v", err)
	}

	total := 0
	for _, id := range ids {
		n, err := Series(st, id, from, to, w)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func rowFromSample(sm types.Sample) Row {
	return Row{
		InstanceID: sm.InstanceID,
		Timestamp:  sm.Timestamp.Unix(),
		CPUPct:     sm.CPUPct,
		MemPct:     sm.MemPct,
		GPUPct:     sm.GPUPct,
		Status:     sm.Status,
	}
}

type jsonlWriter struct {
	enc *json.Encoder
}

func (w *jsonlWriter) Write(row Row) error {
	return w.enc.Encode(row)
}

func (w *jsonlWriter) Close() error {
	return nil
}

var csvHeader = []string{"instance_id", "timestamp", "cpu_pct", "mem_pct", "gpu_pct", "status"}

type csvWriter struct {
	w             *csv.Writer
	headerWritten bool
}

func (w *csvWriter) Write(row Row) error {
	if !w.headerWritten {
		if err := w.w.Write(csvHeader); err != nil {
			return fmt.Errorf("failed to write csv header: %v", err)
		}
		w.headerWritten = true
	}
	return w.w.Write([]string{
		row.InstanceID,
		strconv.FormatInt(row.Timestamp, 10),
		strconv.FormatFloat(row.CPUPct, 'f', -1, 64),
		strconv.FormatFloat(row.MemPct, 'f', -1, 64),
		strconv.FormatFloat(row.GPUPct, 'f', -1, 64),
		row.Status,
	})
}

func (w *csvWriter) Close() error {
	w.w.Flush()
	return w.w.Error()
}

type parquetWriter struct {
	w *parquet.GenericWriter[Row]
}

func (w *parquetWriter) Write(row Row) error {
	_, err := w.w.Write([]Row{row})
	return err
}

func (w *parquetWriter) Close() error {
	return w.w.Close()
}
