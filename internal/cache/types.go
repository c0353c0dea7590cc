package cache

// Observer receives cache lookup events
type Observer interface {
	RecordCacheLookup(scope string, hit bool)
}

// Stats represents cache performance statistics
type Stats struct {
	Hits        int64   `json:"hits"`
	Misses      int64   `json:"misses"`
	HitRate     float64 `json:"hit_rate"`
	MemoryUsage int64   `json:"memory_usage_bytes"`
}
