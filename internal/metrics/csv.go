package metrics

import (
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"vpnrelay/internal/model"
)

var header = []string{
	"id",
	"started_at",
	"duration_ms",
	"client",
	"upstream",
	"country",
	"bytes_up",
	"bytes_down",
	"outcome",
	"error",
}

// WriteCSV writes connection records to CSV with a fixed column order.
func WriteCSV(w io.Writer, items []model.ConnRecord) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(header); err != nil {
		return err
	}
	if err := writeRecords(writer, items); err != nil {
		return err
	}
	writer.Flush()
	return writer.Error()
}

// AppendCSV appends records to path, writing the header only when the file
// is new or empty.
func AppendCSV(path string, items []model.ConnRecord) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}

	writer := csv.NewWriter(file)
	if info.Size() == 0 {
		if err := writer.Write(header); err != nil {
			return err
		}
	}
	if err := writeRecords(writer, items); err != nil {
		return err
	}
	writer.Flush()
	return writer.Error()
}

func writeRecords(writer *csv.Writer, items []model.ConnRecord) error {
	for _, r := range items {
		record := []string{
			r.ID,
			r.StartedAt.UTC().Format(time.RFC3339Nano),
			strconv.FormatFloat(float64(r.Duration.Microseconds())/1000.0, 'f', 3, 64),
			r.Client,
			r.Upstream,
			r.Country,
			strconv.FormatInt(r.BytesUp, 10),
			strconv.FormatInt(r.BytesDown, 10),
			r.Outcome,
			r.Error,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	return nil
}
