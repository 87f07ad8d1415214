package llmhttp

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/parley-ai/parley/pkg/config"
)

// Cache hands out one shared Client per model endpoint. Models in the
// catalog may point at different base URLs; entries idle past the TTL are
// evicted and their pooled connections released.
type Cache struct {
	cfg config.LLMConfig

	mu  sync.Mutex
	lru *expirable.LRU[string, *Client]
}

// NewCache builds a client cache with the given capacity and idle TTL.
func NewCache(cfg config.LLMConfig, size int, ttl time.Duration) *Cache {
	c := &Cache{cfg: cfg}
	c.lru = expirable.NewLRU[string, *Client](size, func(_ string, client *Client) {
		_ = client.Close()
	}, ttl)
	return c
}

// For returns the client for baseURL, creating it on first use. An empty
// baseURL selects the configured default endpoint.
func (c *Cache) For(baseURL string) *Client {
	if baseURL == "" {
		baseURL = c.cfg.BaseURL
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if client, ok := c.lru.Get(baseURL); ok {
		return client
	}
	client := NewClient(baseURL, c.cfg)
	c.lru.Add(baseURL, client)
	return client
}

// Close evicts every cached client, releasing their connection pools.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
}
