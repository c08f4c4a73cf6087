package metrics

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"vpnrelay/internal/model"
)

func TestAppendCSV_WritesHeaderOnce(t *testing.T) {
	t.Parallel()

	tmp := t.TempDir()
	path := filepath.Join(tmp, "records.csv")

	r1 := model.ConnRecord{ID: "a", StartedAt: time.Unix(1, 0).UTC(), Country: "US", Outcome: model.OutcomeOK}
	r2 := model.ConnRecord{ID: "b", StartedAt: time.Unix(2, 0).UTC(), Country: "UK", Outcome: model.OutcomeError, Error: "transfer failed: reset"}

	if err := AppendCSV(path, []model.ConnRecord{r1}); err != nil {
		t.Fatalf("AppendCSV #1: %v", err)
	}
	if err := AppendCSV(path, []model.ConnRecord{r2}); err != nil {
		t.Fatalf("AppendCSV #2: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 3 {
		t.Fatalf("lines=%d\n%s", len(lines), string(data))
	}
	if !strings.HasPrefix(lines[0], "id,started_at,") {
		t.Fatalf("missing header: %q", lines[0])
	}
}

func TestReadCSV_ParsesWrittenRecords(t *testing.T) {
	t.Parallel()

	in := []model.ConnRecord{{
		ID:        "c1",
		StartedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Duration:  1500 * time.Millisecond,
		Client:    "127.0.0.1:50000",
		Upstream:  "10.8.0.1:1194",
		Country:   "US",
		BytesUp:   42,
		BytesDown: 4096,
		Outcome:   model.OutcomeOK,
	}}

	var buf bytes.Buffer
	if err := WriteCSV(&buf, in); err != nil {
		t.Fatalf("WriteCSV: %v", err)
	}
	out, err := readCSV(&buf)
	if err != nil {
		t.Fatalf("readCSV: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("records=%d", len(out))
	}
	got := out[0]
	if got.ID != "c1" || got.Duration != 1500*time.Millisecond || got.BytesDown != 4096 || !got.StartedAt.Equal(in[0].StartedAt) {
		t.Fatalf("record=%+v", got)
	}
}

func TestReadCSV_RejectsShortRecord(t *testing.T) {
	t.Parallel()

	if _, err := readCSV(strings.NewReader("id,started_at\nx,y\n")); err == nil {
		t.Fatalf("expected error")
	}
}
