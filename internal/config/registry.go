package config

import (
	"sort"
	"sync"
)

// Registry hands each published Config to its subscribers in subscription
// order. Services subscribe at construction and unsubscribe on shutdown.
type Registry struct {
	mu      sync.Mutex
	current *Config
	nextID  int
	subs    map[int]func(*Config)
}

func NewRegistry(initial *Config) *Registry {
	return &Registry{current: initial, subs: make(map[int]func(*Config))}
}

// Current returns the last published config.
func (r *Registry) Current() *Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Subscribe registers fn for future publications and returns the function
// that removes it again.
func (r *Registry) Subscribe(fn func(*Config)) (unsubscribe func()) {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.subs[id] = fn
	r.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subs, id)
			r.mu.Unlock()
		})
	}
}

// Publish stores c and calls every subscriber with it. Calls happen outside
// the registry lock so subscribers may read Current.
func (r *Registry) Publish(c *Config) {
	r.mu.Lock()
	r.current = c
	ids := make([]int, 0, len(r.subs))
	for id := range r.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(*Config), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, r.subs[id])
	}
	r.mu.Unlock()
	for _, fn := range fns {
		fn(c)
	}
}

// Len reports the number of subscribers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}
