package store

import (
	"container/ring"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/netsentry/netsentry/internal/model"
)

// MemoryStore keeps the most recent correlations in a ring buffer with an
// LRU cache suppressing re-insertion of already seen correlation IDs.
type MemoryStore struct {
	mu              sync.RWMutex
	correlations    *ring.Ring
	seen            *lru.Cache[string, bool]
	maxCorrelations int
}

// NewMemoryStore creates a store holding up to maxCorrelations entries.
func NewMemoryStore(maxCorrelations, seenCap int) *MemoryStore {
	seenCache, _ := lru.New[string, bool](seenCap)

	return &MemoryStore{
		correlations:    ring.New(maxCorrelations),
		seen:            seenCache,
		maxCorrelations: maxCorrelations,
	}
}

// Add inserts a correlation. Returns false when the ID was already seen.
func (s *MemoryStore) Add(c *model.Correlation) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.seen.Get(c.ID); exists {
		return false
	}
	s.seen.Add(c.ID, true)

	s.correlations.Value = c
	s.correlations = s.correlations.Next()
	return true
}

// All returns the stored correlations, oldest first.
func (s *MemoryStore) All() []*model.Correlation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.Correlation
	s.correlations.Do(func(value interface{}) {
		if c, ok := value.(*model.Correlation); ok {
			out = append(out, c)
		}
	})
	return out
}

// ByID returns the stored correlation with the given ID, or nil.
func (s *MemoryStore) ByID(id string) *model.Correlation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found *model.Correlation
	s.correlations.Do(func(value interface{}) {
		if c, ok := value.(*model.Correlation); ok && c.ID == id {
			found = c
		}
	})
	return found
}

// MinConfidence returns stored correlations at or above the threshold.
func (s *MemoryStore) MinConfidence(threshold float64) []*model.Correlation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.Correlation
	s.correlations.Do(func(value interface{}) {
		if c, ok := value.(*model.Correlation); ok && c.Confidence >= threshold {
			out = append(out, c)
		}
	})
	return out
}

// MinSeverity returns stored correlations at or above the severity level.
func (s *MemoryStore) MinSeverity(minSeverity string) []*model.Correlation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	minLevel := model.SeverityLevel(minSeverity)
	var out []*model.Correlation
	s.correlations.Do(func(value interface{}) {
		if c, ok := value.(*model.Correlation); ok && model.SeverityLevel(c.Severity) >= minLevel {
			out = append(out, c)
		}
	})
	return out
}

// Stats returns store statistics.
func (s *MemoryStore) Stats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	s.correlations.Do(func(value interface{}) {
		if value != nil {
			count++
		}
	})

	return map[string]interface{}{
		"stored_correlations": count,
		"max_correlations":    s.maxCorrelations,
		"seen_cache_size":     s.seen.Len(),
	}
}
