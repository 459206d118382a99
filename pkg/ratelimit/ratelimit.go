package ratelimit

import (
	"hash/fnv"
	"sync"
	"time"
)

// Limiter admits or rejects a request for a key. Implementations must be safe
// for concurrent use; keys are independent and carry no ordering guarantees.
type Limiter interface {
	Allow(key string) bool
}

const shardCount = 32

// SlidingWindow counts request timestamps per key over a rolling window.
// State is sharded by key hash so devices hammering the endpoint concurrently
// never contend on a single lock.
type SlidingWindow struct {
	limit  int
	window time.Duration
	shards [shardCount]*shard

	stop chan struct{}
	once sync.Once
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	times    []time.Time
	lastSeen time.Time
}

// NewSlidingWindow builds a limiter allowing limit requests per window.
func NewSlidingWindow(limit int, window time.Duration) *SlidingWindow {
	sw := &SlidingWindow{
		limit:  limit,
		window: window,
		stop:   make(chan struct{}),
	}
	for i := range sw.shards {
		sw.shards[i] = &shard{entries: make(map[string]*entry)}
	}
	return sw
}

// Allow records the request if the key is under its quota and reports the
// admission decision. Timestamps that fell out of the window are pruned lazily
// on the key's next request.
func (sw *SlidingWindow) Allow(key string) bool {
	if sw.limit <= 0 {
		return true
	}
	now := time.Now()
	sh := sw.shardFor(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	e := sh.entries[key]
	if e == nil {
		e = &entry{}
		sh.entries[key] = e
	}
	e.lastSeen = now

	cutoff := now.Add(-sw.window)
	kept := e.times[:0]
	for _, t := range e.times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	e.times = kept

	if len(e.times) >= sw.limit {
		return false
	}
	e.times = append(e.times, now)
	return true
}

// StartEviction launches a janitor that drops keys idle for longer than ttl.
// Without it the map grows with every device identity ever seen.
func (sw *SlidingWindow) StartEviction(interval, ttl time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-sw.stop:
				return
			case <-ticker.C:
				sw.evict(time.Now().Add(-ttl))
			}
		}
	}()
}

// Stop terminates the eviction janitor.
func (sw *SlidingWindow) Stop() {
	sw.once.Do(func() { close(sw.stop) })
}

func (sw *SlidingWindow) evict(cutoff time.Time) {
	for _, sh := range sw.shards {
		sh.mu.Lock()
		for key, e := range sh.entries {
			if e.lastSeen.Before(cutoff) {
				delete(sh.entries, key)
			}
		}
		sh.mu.Unlock()
	}
}

func (sw *SlidingWindow) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return sw.shards[h.Sum32()%shardCount]
}

// Stats reports the number of tracked keys, for diagnostics endpoints.
type Stats struct {
	Keys int `json:"keys"`
}

func (sw *SlidingWindow) Stats() Stats {
	total := 0
	for _, sh := range sw.shards {
		sh.mu.Lock()
		total += len(sh.entries)
		sh.mu.Unlock()
	}
	return Stats{Keys: total}
}
