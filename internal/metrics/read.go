package metrics

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"vpnrelay/internal/model"
)

// ReadCSV loads connection records from a CSV file.
func ReadCSV(path string) ([]model.ConnRecord, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return readCSV(file)
}

func readCSV(r io.Reader) ([]model.ConnRecord, error) {
	reader := csv.NewReader(r)
	records, err := reader.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}

	start := 0
	if len(records[0]) > 0 && records[0][0] == header[0] {
		start = 1
	}

	items := make([]model.ConnRecord, 0, len(records)-start)
	for i := start; i < len(records); i++ {
		rec := records[i]
		if len(rec) < len(header) {
			return nil, fmt.Errorf("invalid record at line %d", i+1)
		}
		ts, err := time.Parse(time.RFC3339Nano, rec[1])
		if err != nil {
			return nil, fmt.Errorf("invalid started_at at line %d: %w", i+1, err)
		}
		ms, _ := strconv.ParseFloat(rec[2], 64)
		up, _ := strconv.ParseInt(rec[6], 10, 64)
		down, _ := strconv.ParseInt(rec[7], 10, 64)
		items = append(items, model.ConnRecord{
			ID:        rec[0],
			StartedAt: ts,
			Duration:  time.Duration(ms * float64(time.Millisecond)),
			Client:    rec[3],
			Upstream:  rec[4],
			Country:   rec[5],
			BytesUp:   up,
			BytesDown: down,
			Outcome:   rec[8],
			Error:     rec[9],
		})
	}

	return items, nil
}
