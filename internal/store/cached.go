package store

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	appLog "recurcal/internal/log"
	"recurcal/internal/model"
)

// Cached wraps an Instances store and memoizes ListByEvent per event id.
// Writes go straight through and invalidate the event's entry once they
// have committed.
type Cached struct {
	Instances

	cache *lru.Cache[string, []model.Instance]

	// versions is bumped on every write to an event. A miss-fill that raced
	// with a write is discarded instead of caching pre-write rows.
	mu       sync.Mutex
	versions map[string]uint64
}

// NewCached returns a caching decorator holding up to size events.
func NewCached(inner Instances, size int) (*Cached, error) {
	c, err := lru.New[string, []model.Instance](size)
	if err != nil {
		return nil, err
	}
	return &Cached{
		Instances: inner,
		cache:     c,
		versions:  make(map[string]uint64),
	}, nil
}

func (c *Cached) Replace(ctx context.Context, eventID string, instances []model.Instance) error {
	err := c.Instances.Replace(ctx, eventID, instances)
	c.invalidate(eventID)
	return err
}

func (c *Cached) RemoveAll(ctx context.Context, eventID string) error {
	err := c.Instances.RemoveAll(ctx, eventID)
	c.invalidate(eventID)
	return err
}

func (c *Cached) ListByEvent(ctx context.Context, eventID string) ([]model.Instance, error) {
	if hit, ok := c.cache.Get(eventID); ok {
		appLog.Debug("store cache hit", "event_id", eventID)
		return cloneInstances(hit), nil
	}

	before := c.version(eventID)
	out, err := c.Instances.ListByEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.versions[eventID] == before {
		c.cache.Add(eventID, cloneInstances(out))
	}
	c.mu.Unlock()

	return out, nil
}

func (c *Cached) version(eventID string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.versions[eventID]
}

func (c *Cached) invalidate(eventID string) {
	c.mu.Lock()
	c.versions[eventID]++
	c.cache.Remove(eventID)
	c.mu.Unlock()
}

func cloneInstances(in []model.Instance) []model.Instance {
	out := make([]model.Instance, len(in))
	copy(out, in)
	return out
}
