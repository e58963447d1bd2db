package ratelimit

import (
	"container/list"
	"sync"

	"golang.org/x/time/rate"
)

// DefaultMaxKeys bounds the number of per-key limiters kept in memory when
// KeyedConfig.MaxKeys is unset.
const DefaultMaxKeys = 65536

type KeyedConfig struct {
	// PerSecond is the sustained rate per key. Zero or less disables
	// limiting and every Allow succeeds.
	PerSecond int
	// Burst defaults to PerSecond.
	Burst   int
	MaxKeys int
	Clock   Clock

	// OnEvict runs once per limiter dropped to stay under MaxKeys, outside
	// the limiter's lock.
	OnEvict func()
}

// Keyed applies an independent x/time/rate limiter to each key, e.g. each
// event recipient. Least recently used keys are evicted past MaxKeys, which
// at worst hands an evicted key a fresh burst.
type Keyed struct {
	clock   Clock
	limit   rate.Limit
	burst   int
	maxKeys int
	onEvict func()

	mu      sync.Mutex
	entries map[string]*keyedEntry
	lru     *list.List
}

type keyedEntry struct {
	limiter *rate.Limiter
	elem    *list.Element
}

func NewKeyed(cfg KeyedConfig) *Keyed {
	if cfg.Clock == nil {
		cfg.Clock = RealClock{}
	}
	if cfg.Burst <= 0 {
		cfg.Burst = cfg.PerSecond
	}
	if cfg.MaxKeys <= 0 {
		cfg.MaxKeys = DefaultMaxKeys
	}
	return &Keyed{
		clock:   cfg.Clock,
		limit:   rate.Limit(cfg.PerSecond),
		burst:   cfg.Burst,
		maxKeys: cfg.MaxKeys,
		onEvict: cfg.OnEvict,
		entries: make(map[string]*keyedEntry),
		lru:     list.New(),
	}
}

func (k *Keyed) Enabled() bool {
	return k != nil && k.limit > 0
}

// Burst is the most events a single AllowN call can ever be granted. It is
// zero when limiting is disabled.
func (k *Keyed) Burst() int {
	if !k.Enabled() {
		return 0
	}
	return k.burst
}

// Allow reports whether one more event for key fits its budget.
func (k *Keyed) Allow(key string) bool {
	return k.AllowN(key, 1)
}

func (k *Keyed) AllowN(key string, n int) bool {
	if !k.Enabled() {
		return true
	}
	limiter, evicted := k.limiterFor(key)
	if evicted && k.onEvict != nil {
		k.onEvict()
	}
	return limiter.AllowN(k.clock.Now(), n)
}

// Forget drops the limiter for key, e.g. when its session is deleted.
func (k *Keyed) Forget(key string) {
	if !k.Enabled() {
		return
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if e, ok := k.entries[key]; ok {
		k.lru.Remove(e.elem)
		delete(k.entries, key)
	}
}

func (k *Keyed) Len() int {
	if k == nil {
		return 0
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}

func (k *Keyed) limiterFor(key string) (*rate.Limiter, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if e, ok := k.entries[key]; ok {
		k.lru.MoveToFront(e.elem)
		return e.limiter, false
	}

	evicted := false
	if len(k.entries) >= k.maxKeys {
		if back := k.lru.Back(); back != nil {
			k.lru.Remove(back)
			delete(k.entries, back.Value.(string))
			evicted = true
		}
	}

	e := &keyedEntry{
		limiter: rate.NewLimiter(k.limit, k.burst),
		elem:    k.lru.PushFront(key),
	}
	k.entries[key] = e
	return e.limiter, evicted
}
