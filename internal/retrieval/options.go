package retrieval

import "time"

// SearchOption configures a Search call.
type SearchOption func(*searchConfig)

// searchConfig holds internal search configuration.
type searchConfig struct {
	topK    int
	owner   *int64
	timeout time.Duration
}

// WithTopK sets the maximum number of results to return.
// Default is 5 if not specified.
func WithTopK(k int) SearchOption {
	return func(c *searchConfig) {
		if k > 0 {
			c.topK = k
		}
	}
}

// WithOwner restricts results to documents owned by the given user.
// Without it, search spans all documents.
func WithOwner(owner int64) SearchOption {
	return func(c *searchConfig) {
		c.owner = &owner
	}
}

// WithTimeout bounds the embedding and query time for a search.
// Default is 10 seconds.
func WithTimeout(d time.Duration) SearchOption {
	return func(c *searchConfig) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// buildSearchConfig applies search options and returns the final configuration.
func buildSearchConfig(opts []SearchOption) *searchConfig {
	cfg := &searchConfig{
		topK:    5,
		timeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}
