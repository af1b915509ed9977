package tracker

import (
	"context"
	"sync"
)

// Cache batches tracker reads for one invocation. Tracker calls are
// expensive, so display paths fetch all relevant epics in one call, their
// blockers in a second, and every later lookup hits the in-memory map.
// The cache never invalidates; it lives only as long as the invocation.
type Cache struct {
	client *Client
	mu     sync.Mutex
	issues map[string]*Issue
}

// NewCache wraps a client with a per-invocation read cache.
func NewCache(client *Client) *Cache {
	return &Cache{
		client: client,
		issues: make(map[string]*Issue),
	}
}

// Show returns the issue, fetching it on first access.
func (c *Cache) Show(ctx context.Context, id string) (*Issue, error) {
	c.mu.Lock()
	if issue, ok := c.issues[id]; ok {
		c.mu.Unlock()
		return issue, nil
	}
	c.mu.Unlock()

	issue, err := c.client.Show(ctx, id)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.issues[id] = issue
	c.mu.Unlock()
	return issue, nil
}

// Prefetch loads the given ids in a single batched call. Already-cached
// ids are skipped.
func (c *Cache) Prefetch(ctx context.Context, ids []string) error {
	c.mu.Lock()
	var missing []string
	for _, id := range ids {
		if _, ok := c.issues[id]; !ok {
			missing = append(missing, id)
		}
	}
	c.mu.Unlock()

	if len(missing) == 0 {
		return nil
	}
	fetched, err := c.client.ShowBatch(ctx, missing)
	if err != nil {
		return err
	}
	c.mu.Lock()
	for id, issue := range fetched {
		c.issues[id] = issue
	}
	c.mu.Unlock()
	return nil
}
