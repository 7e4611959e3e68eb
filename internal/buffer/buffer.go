package buffer

import (
	"sync"
	"time"

	"github.com/netsentry/netsentry/internal/model"
	"github.com/netsentry/netsentry/internal/rules"
)

// GeneralKey is the bucket key for events with no source IP, destination
// IP, or circuit ID.
const GeneralKey = "general"

// KeyFor derives the correlation bucket key for an event.
func KeyFor(e *model.Event) string {
	switch {
	case e.SourceIP != "":
		return e.SourceIP
	case e.DestinationIP != "":
		return e.DestinationIP
	case e.CircuitID != "":
		return e.CircuitID
	default:
		return GeneralKey
	}
}

// Buffer retains recent events in per-key ring buffers, capped at maxSize
// entries each with FIFO eviction. A periodic sweeper drops entries older
// than the correlation window.
type Buffer struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	maxSize int
	window  time.Duration

	sweepTicker *time.Ticker
	stopSweep   chan struct{}
}

// bucket is a fixed-capacity ring. The backing array grows geometrically
// until maxSize, after which the oldest entry is overwritten in place, so
// the size bound holds structurally.
type bucket struct {
	storage []*model.Event
	head    int
	count   int
}

// New creates a buffer with the given per-bucket capacity and retention
// window.
func New(maxSize int, window time.Duration) *Buffer {
	return &Buffer{
		buckets: make(map[string]*bucket),
		maxSize: maxSize,
		window:  window,
	}
}

// Insert appends an event to its bucket, evicting the oldest entry when
// the bucket is full. O(1) amortized.
func (b *Buffer) Insert(e *model.Event) {
	if e == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	key := KeyFor(e)
	bk, exists := b.buckets[key]
	if !exists {
		bk = &bucket{}
		b.buckets[key] = bk
	}
	bk.push(e, b.maxSize)
}

// Relevant returns the buffered events that fall inside the correlation
// window and pass the rule's per-event conditions, with the new event
// appended last. Only the new event's bucket and the general bucket are
// scanned. The caller is expected to have checked that the new event
// itself matches the rule.
func (b *Buffer) Relevant(rule *rules.Rule, e *model.Event, now time.Time) []*model.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	cutoff := now.Add(-b.window)
	var out []*model.Event

	collect := func(bk *bucket) {
		bk.each(func(buffered *model.Event) {
			if buffered.Timestamp.Before(cutoff) {
				return
			}
			if buffered.ID == e.ID {
				return
			}
			if rule.MatchesEvent(buffered) {
				out = append(out, buffered)
			}
		})
	}

	key := KeyFor(e)
	if bk, ok := b.buckets[key]; ok {
		collect(bk)
	}
	if key != GeneralKey {
		if bk, ok := b.buckets[GeneralKey]; ok {
			collect(bk)
		}
	}

	return append(out, e)
}

// SweepExpired drops every entry older than the correlation window and
// removes buckets that become empty. Idempotent for a fixed now.
func (b *Buffer) SweepExpired(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cutoff := now.Add(-b.window)
	for key, bk := range b.buckets {
		bk.dropBefore(cutoff)
		if bk.count == 0 {
			delete(b.buckets, key)
		}
	}
}

// StartSweeper starts the periodic sweep goroutine.
func (b *Buffer) StartSweeper(interval time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.sweepTicker != nil {
		return
	}

	b.sweepTicker = time.NewTicker(interval)
	b.stopSweep = make(chan struct{})

	go b.sweepLoop(b.sweepTicker, b.stopSweep)
}

// Stop stops the sweeper.
func (b *Buffer) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.sweepTicker != nil {
		b.sweepTicker.Stop()
		b.sweepTicker = nil
	}
	if b.stopSweep != nil {
		close(b.stopSweep)
		b.stopSweep = nil
	}
}

func (b *Buffer) sweepLoop(ticker *time.Ticker, stop chan struct{}) {
	for {
		select {
		case <-ticker.C:
			b.SweepExpired(time.Now())
		case <-stop:
			return
		}
	}
}

// BucketLen returns the number of retained events for a key.
func (b *Buffer) BucketLen(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if bk, ok := b.buckets[key]; ok {
		return bk.count
	}
	return 0
}

// Stats returns bucket and event counts for the stats endpoint.
func (b *Buffer) Stats() (bucketCount, eventCount int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, bk := range b.buckets {
		eventCount += bk.count
	}
	return len(b.buckets), eventCount
}

// Events returns the retained events for a key, oldest first.
func (b *Buffer) Events(key string) []*model.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	bk, ok := b.buckets[key]
	if !ok {
		return nil
	}
	out := make([]*model.Event, 0, bk.count)
	bk.each(func(e *model.Event) { out = append(out, e) })
	return out
}

func (bk *bucket) push(e *model.Event, max int) {
	if bk.count == len(bk.storage) {
		if bk.count < max {
			bk.grow(max)
		} else {
			// Full: overwrite oldest.
			bk.storage[bk.head] = e
			bk.head = (bk.head + 1) % len(bk.storage)
			return
		}
	}
	bk.storage[(bk.head+bk.count)%len(bk.storage)] = e
	bk.count++
}

func (bk *bucket) grow(max int) {
	newCap := len(bk.storage) * 2
	if newCap == 0 {
		newCap = 8
	}
	if newCap > max {
		newCap = max
	}
	storage := make([]*model.Event, newCap)
	for i := 0; i < bk.count; i++ {
		storage[i] = bk.storage[(bk.head+i)%len(bk.storage)]
	}
	bk.storage = storage
	bk.head = 0
}

// dropBefore removes every entry older than cutoff. Upstream timestamps
// can arrive out of order, so the whole bucket is compacted rather than
// popping from the head.
func (bk *bucket) dropBefore(cutoff time.Time) {
	if bk.count == 0 {
		return
	}

	kept := make([]*model.Event, 0, bk.count)
	bk.each(func(e *model.Event) {
		if !e.Timestamp.Before(cutoff) {
			kept = append(kept, e)
		}
	})
	if len(kept) == bk.count {
		return
	}

	for i := range bk.storage {
		bk.storage[i] = nil
	}
	copy(bk.storage, kept)
	bk.head = 0
	bk.count = len(kept)
}

func (bk *bucket) each(fn func(*model.Event)) {
	for i := 0; i < bk.count; i++ {
		fn(bk.storage[(bk.head+i)%len(bk.storage)])
	}
}
