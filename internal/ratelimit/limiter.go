// ABOUTME: Per-key token bucket rate limiting for chat messages
// ABOUTME: Buckets live in a size-limited LRU and idle ones are dropped by a janitor

package ratelimit

import (
	"container/list"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// entry is one key's bucket and its position in the LRU.
type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
	element  *list.Element
}

// Limiter allows each key perMinute events per minute with bursts up to the same amount.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*entry
	order   *list.List // least recently used at front
	every   rate.Limit
	burst   int
	ttl     time.Duration
	maxKeys int
	done    chan struct{}
	closed  bool
}

// New creates a limiter. A non-positive perMinute disables limiting.
// Buckets unused for ttl are forgotten, and at most maxKeys are tracked.
func New(perMinute int, ttl time.Duration, maxKeys int) *Limiter {
	l := &Limiter{
		buckets: make(map[string]*entry),
		order:   list.New(),
		burst:   perMinute,
		ttl:     ttl,
		maxKeys: maxKeys,
		done:    make(chan struct{}),
	}
	if perMinute > 0 {
		l.every = rate.Every(time.Minute / time.Duration(perMinute))
	}
	go l.janitor()
	return l
}

// Allow reports whether key may send one more event now.
func (l *Limiter) Allow(key string) bool {
	if l.burst <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	e, ok := l.buckets[key]
	if ok {
		e.lastSeen = now
		l.order.MoveToBack(e.element)
	} else {
		if l.maxKeys > 0 && len(l.buckets) >= l.maxKeys {
			l.evictOldest()
		}
		e = &entry{
			limiter:  rate.NewLimiter(l.every, l.burst),
			lastSeen: now,
		}
		e.element = l.order.PushBack(key)
		l.buckets[key] = e
	}
	return e.limiter.AllowN(now, 1)
}

// evictOldest drops the least recently used bucket. Must be called with mu held.
func (l *Limiter) evictOldest() {
	front := l.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	l.order.Remove(front)
	delete(l.buckets, key)
}

func (l *Limiter) janitor() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.sweep()
		case <-l.done:
			return
		}
	}
}

// sweep forgets buckets idle longer than ttl.
func (l *Limiter) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	for key, e := range l.buckets {
		if now.Sub(e.lastSeen) > l.ttl {
			l.order.Remove(e.element)
			delete(l.buckets, key)
		}
	}
}

// Len returns how many keys are tracked.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Close stops the janitor. It is safe to call multiple times.
func (l *Limiter) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.closed {
		close(l.done)
		l.closed = true
	}
}
