package classify

import (
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/netsentry/netsentry/internal/model"
)

const (
	// rateWindow is the span over which per-destination connection rates
	// are measured.
	rateWindow = time.Minute

	// geoBaselineTTL bounds how long an idle source's country baseline is
	// kept.
	geoBaselineTTL = time.Hour

	// geoBaselineCap caps the number of tracked sources.
	geoBaselineCap = 10000
)

// countryStats accumulates destination-country observations for one
// source.
type countryStats struct {
	counts map[string]int
	total  int
}

// History is the read-only view the classifier consults: per-destination
// connection rates over the last minute and per-source destination-country
// baselines with a TTL.
type History struct {
	mu        sync.Mutex
	destTimes map[string][]time.Time
	geo       *expirable.LRU[string, *countryStats]
}

// NewHistory creates an empty history.
func NewHistory() *History {
	return &History{
		destTimes: make(map[string][]time.Time),
		geo:       expirable.NewLRU[string, *countryStats](geoBaselineCap, nil, geoBaselineTTL),
	}
}

// Observe records an event into the history. Called by the ingestion path
// before classification.
func (h *History) Observe(e *model.Event, now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if e.DestinationIP != "" {
		times := pruneTimes(h.destTimes[e.DestinationIP], now.Add(-rateWindow))
		h.destTimes[e.DestinationIP] = append(times, now)
	}

	if e.SourceIP != "" && e.DestCountry != "" {
		stats, ok := h.geo.Get(e.SourceIP)
		if !ok {
			stats = &countryStats{counts: make(map[string]int)}
			h.geo.Add(e.SourceIP, stats)
		}
		stats.counts[e.DestCountry]++
		stats.total++
	}
}

// ConnectionRate returns the per-minute connection rate to a destination.
func (h *History) ConnectionRate(destIP string, now time.Time) float64 {
	if destIP == "" {
		return 0
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	times := pruneTimes(h.destTimes[destIP], now.Add(-rateWindow))
	if len(times) == 0 {
		delete(h.destTimes, destIP)
		return 0
	}
	h.destTimes[destIP] = times
	return float64(len(times))
}

// CountryShare returns the historical frequency of a destination country
// for a source, and whether any baseline exists for that source.
func (h *History) CountryShare(sourceIP, country string) (float64, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	stats, ok := h.geo.Get(sourceIP)
	if !ok || stats.total == 0 {
		return 0, false
	}
	return float64(stats.counts[country]) / float64(stats.total), true
}

// TopCountries returns the source's n most frequent destination countries.
func (h *History) TopCountries(sourceIP string, n int) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	stats, ok := h.geo.Get(sourceIP)
	if !ok {
		return nil
	}

	countries := make([]string, 0, len(stats.counts))
	for c := range stats.counts {
		countries = append(countries, c)
	}
	sort.Slice(countries, func(i, j int) bool {
		if stats.counts[countries[i]] != stats.counts[countries[j]] {
			return stats.counts[countries[i]] > stats.counts[countries[j]]
		}
		return countries[i] < countries[j]
	})
	if len(countries) > n {
		countries = countries[:n]
	}
	return countries
}

func pruneTimes(times []time.Time, cutoff time.Time) []time.Time {
	idx := 0
	for idx < len(times) && times[idx].Before(cutoff) {
		idx++
	}
	return times[idx:]
}
