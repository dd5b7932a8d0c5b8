package observability

import (
	"math"
	"sort"

	"github.com/zoff-tech/go-outbound/pkg/store"
)

// LatencyStats summarises creation-to-success latencies in seconds.
type LatencyStats struct {
	Count   int     `json:"count"`
	Average float64 `json:"average_seconds"`
	P50     float64 `json:"p50_seconds"`
	P95     float64 `json:"p95_seconds"`
	P99     float64 `json:"p99_seconds"`
}

// Percentile returns the nearest-rank percentile of ascending samples:
// index ceil(p/100 × n) − 1, clamped to the slice.
func Percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	idx := int(math.Ceil(p/100*float64(n))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	return sorted[idx]
}

func summarize(seconds []float64) LatencyStats {
	if len(seconds) == 0 {
		return LatencyStats{}
	}
	sorted := append([]float64(nil), seconds...)
	sort.Float64s(sorted)
	var sum float64
	for _, s := range sorted {
		sum += s
	}
	return LatencyStats{
		Count:   len(sorted),
		Average: sum / float64(len(sorted)),
		P50:     Percentile(sorted, 50),
		P95:     Percentile(sorted, 95),
		P99:     Percentile(sorted, 99),
	}
}

func latencyStats(samples []store.LatencySample) (LatencyStats, map[store.Channel]LatencyStats) {
	all := make([]float64, 0, len(samples))
	byChannel := map[store.Channel][]float64{}
	for _, s := range samples {
		all = append(all, s.Seconds)
		byChannel[s.Channel] = append(byChannel[s.Channel], s.Seconds)
	}
	perChannel := make(map[store.Channel]LatencyStats, len(byChannel))
	for ch, values := range byChannel {
		perChannel[ch] = summarize(values)
	}
	return summarize(all), perChannel
}
