package metrics

import (
	"math"
	"sort"
	"time"

	"awgctl/internal/model"
)

// Summary is a basic traffic statistics snapshot.
type Summary struct {
	Count      int
	Peers      int
	From       time.Time
	To         time.Time
	RxBytes    uint64
	TxBytes    uint64
	AvgRateBps float64 // bytes per second over [From, To]
	P95RateBps float64 // 95th percentile of per-tick peer rates
	MaxRateBps float64
}

// Summarize computes summary statistics for samples in a time window.
func Summarize(items []model.StatSample, since time.Time) Summary {
	filtered := make([]model.StatSample, 0, len(items))
	for _, s := range items {
		if s.Timestamp.After(since) || s.Timestamp.Equal(since) {
			filtered = append(filtered, s)
		}
	}

	if len(filtered) == 0 {
		return Summary{Count: 0}
	}

	sort.SliceStable(filtered, func(i, j int) bool {
		return filtered[i].Timestamp.Before(filtered[j].Timestamp)
	})

	sum := Summary{
		Count: len(filtered),
		From:  filtered[0].Timestamp,
		To:    filtered[len(filtered)-1].Timestamp,
	}

	// A rate needs the previous sample of the same peer.
	prev := map[string]time.Time{}
	rates := make([]float64, 0, len(filtered))
	for _, s := range filtered {
		sum.RxBytes += s.RxDelta
		sum.TxBytes += s.TxDelta
		if last, ok := prev[s.PublicKey]; ok {
			if dt := s.Timestamp.Sub(last).Seconds(); dt > 0 {
				rate := float64(s.RxDelta+s.TxDelta) / dt
				rates = append(rates, rate)
				if rate > sum.MaxRateBps {
					sum.MaxRateBps = rate
				}
			}
		}
		prev[s.PublicKey] = s.Timestamp
	}
	sum.Peers = len(prev)

	if span := sum.To.Sub(sum.From).Seconds(); span > 0 {
		sum.AvgRateBps = float64(sum.RxBytes+sum.TxBytes) / span
	}
	sort.Float64s(rates)
	sum.P95RateBps = percentile(rates, 0.95)
	return sum
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
