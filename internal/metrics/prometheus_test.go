package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"vpnrelay/internal/logging"
	"vpnrelay/internal/model"
)

func TestRecorder_CountsConnections(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "records.csv")
	r := NewRecorder(path, logging.Discard())

	r.SessionStarted(model.Node{Country: "US"}, nil)
	r.ConnOpened()
	r.ConnOpened()
	if got := testutil.ToFloat64(r.active); got != 2 {
		t.Fatalf("active=%v", got)
	}

	r.ConnClosed(model.ConnRecord{ID: "1", StartedAt: time.Now().UTC(), Country: "US", BytesUp: 3, BytesDown: 7, Outcome: model.OutcomeOK})
	r.ConnClosed(model.ConnRecord{ID: "2", StartedAt: time.Now().UTC(), Country: "US", Outcome: model.OutcomeUnreachable})
	r.ConnClosed(model.ConnRecord{ID: "3", StartedAt: time.Now().UTC(), Country: "US", Outcome: model.OutcomeRejected})

	if got := testutil.ToFloat64(r.active); got != 0 {
		t.Fatalf("active=%v", got)
	}
	if got := testutil.ToFloat64(r.connections.WithLabelValues("US", model.OutcomeOK)); got != 1 {
		t.Fatalf("ok=%v", got)
	}
	if got := testutil.ToFloat64(r.bytes.WithLabelValues("down")); got != 7 {
		t.Fatalf("down=%v", got)
	}
	if got := testutil.ToFloat64(r.running); got != 1 {
		t.Fatalf("running=%v", got)
	}

	r.SessionStopped()
	if got := testutil.ToFloat64(r.running); got != 0 {
		t.Fatalf("running=%v", got)
	}

	records, err := ReadCSV(path)
	if err != nil {
		t.Fatalf("ReadCSV: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("records=%d", len(records))
	}
}

func TestRecorder_HandlerExposesSeries(t *testing.T) {
	t.Parallel()

	r := NewRecorder("", logging.Discard())
	r.SessionStarted(model.Node{}, io.EOF)

	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	res, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(res.Body)
	if !strings.Contains(string(body), `vpnrelay_session_starts_total{result="error"} 1`) {
		t.Fatalf("missing series:\n%s", body)
	}
}
