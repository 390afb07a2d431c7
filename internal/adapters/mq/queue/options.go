package queue

type config struct {
	capacity int
	observed bool
}

// Option applies a configuration option to an InMemoryQueue.
type Option func(*config)

// WithCapacity sets the maximum number of queued items.
func WithCapacity(capacity int) Option {
	return func(c *config) {
		if capacity > 0 {
			c.capacity = capacity
		}
	}
}

// WithMetrics reports size and throughput to the scoring queue metrics.
func WithMetrics() Option {
	return func(c *config) { c.observed = true }
}
