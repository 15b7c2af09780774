package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

type memoryEntry struct {
	data    []byte
	expires time.Time
}

// Memory is a process-local ViewCache used when no Redis is configured.
type Memory struct {
	mu          sync.Mutex
	ttl         time.Duration
	entries     map[string]map[string]memoryEntry
	generations map[string]Generation
	now         func() time.Time
}

func NewMemory(ttl time.Duration) *Memory {
	return &Memory{
		ttl:         ttl,
		entries:     make(map[string]map[string]memoryEntry),
		generations: make(map[string]Generation),
		now:         time.Now,
	}
}

func (c *Memory) Get(_ context.Context, scope, key string, dst interface{}) (Generation, error) {
	c.mu.Lock()
	gen := c.generations[scope]
	e, ok := c.entries[scope][key]
	if ok && !c.now().Before(e.expires) {
		delete(c.entries[scope], key)
		ok = false
	}
	c.mu.Unlock()
	if !ok {
		return gen, ErrMiss
	}
	if err := json.Unmarshal(e.data, dst); err != nil {
		return gen, ErrMiss
	}
	return gen, nil
}

// Set is a no-op when gen is no longer the scope's current generation.
func (c *Memory) Set(_ context.Context, scope string, gen Generation, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generations[scope] != gen {
		return nil
	}
	if c.entries[scope] == nil {
		c.entries[scope] = make(map[string]memoryEntry)
	}
	c.entries[scope][key] = memoryEntry{data: data, expires: c.now().Add(c.ttl)}
	return nil
}

func (c *Memory) Invalidate(_ context.Context, scope string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, scope)
	c.generations[scope]++
	return nil
}
