package metrics

import (
	"math"
	"sort"
	"time"

	"vpnrelay/internal/model"
)

// Summary is a basic statistics snapshot over connection records.
type Summary struct {
	Count         int
	From          time.Time
	To            time.Time
	AvgDurationMs float64
	P95DurationMs float64
	MaxDurationMs float64
	BytesUp       int64
	BytesDown     int64
	Outcomes      map[string]int
	ByCountry     map[string]int
}

// Summarize computes summary metrics for records started at or after since.
func Summarize(items []model.ConnRecord, since time.Time) Summary {
	filtered := make([]model.ConnRecord, 0, len(items))
	for _, r := range items {
		if !r.StartedAt.Before(since) {
			filtered = append(filtered, r)
		}
	}

	if len(filtered) == 0 {
		return Summary{Count: 0}
	}

	s := Summary{
		Count:     len(filtered),
		From:      filtered[0].StartedAt,
		To:        filtered[0].StartedAt,
		Outcomes:  make(map[string]int),
		ByCountry: make(map[string]int),
	}
	values := make([]float64, 0, len(filtered))
	var sum float64
	for _, r := range filtered {
		ms := float64(r.Duration.Microseconds()) / 1000.0
		values = append(values, ms)
		sum += ms
		s.MaxDurationMs = math.Max(s.MaxDurationMs, ms)
		s.BytesUp += r.BytesUp
		s.BytesDown += r.BytesDown
		s.Outcomes[r.Outcome]++
		if r.Country != "" {
			s.ByCountry[r.Country]++
		}
		if r.StartedAt.Before(s.From) {
			s.From = r.StartedAt
		}
		if r.StartedAt.After(s.To) {
			s.To = r.StartedAt
		}
	}

	sort.Float64s(values)
	s.AvgDurationMs = sum / float64(len(filtered))
	s.P95DurationMs = percentile(values, 0.95)
	return s
}

func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	if p <= 0 {
		return values[0]
	}
	if p >= 1 {
		return values[len(values)-1]
	}
	idx := int(math.Ceil(p*float64(len(values)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(values) {
		idx = len(values) - 1
	}
	return values[idx]
}
