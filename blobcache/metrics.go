package blobcache

import (
	"expvar"
	"sync/atomic"

	prometheus "github.com/twopence/twopence/metrics"
)

var (
	// hits is the number of blob reads served from the cache
	hits = prometheus.BlobCacheNamespace.NewCounter("hits", "The number of blob reads served from the local cache")
	// misses is the number of blob reads that had to be fetched
	misses = prometheus.BlobCacheNamespace.NewCounter("misses", "The number of blob reads missing the local cache")
	// cachedBytes is the size of blobs written to the cache
	cachedBytes = prometheus.BlobCacheNamespace.NewCounter("cached_bytes", "The size of blobs written to the local cache")
	// corrupt is the number of cached blobs dropped because their content did not match the digest
	corrupt = prometheus.BlobCacheNamespace.NewCounter("corrupt", "The number of cached blobs failing digest verification")
)

// Metrics holds the cache counters published through expvar.
type Metrics struct {
	Hits        uint64
	Misses      uint64
	BytesCached uint64
	Corrupt     uint64
}

var cacheMetrics Metrics

func init() {
	twopence := expvar.Get("twopence")
	if twopence == nil {
		twopence = expvar.NewMap("twopence")
	}
	twopence.(*expvar.Map).Set("blobcache", expvar.Func(func() interface{} {
		return Snapshot()
	}))
}

// Snapshot returns the current cache counters.
func Snapshot() Metrics {
	return Metrics{
		Hits:        atomic.LoadUint64(&cacheMetrics.Hits),
		Misses:      atomic.LoadUint64(&cacheMetrics.Misses),
		BytesCached: atomic.LoadUint64(&cacheMetrics.BytesCached),
		Corrupt:     atomic.LoadUint64(&cacheMetrics.Corrupt),
	}
}

func recordHit() {
	atomic.AddUint64(&cacheMetrics.Hits, 1)
	hits.Inc(1)
}

func recordMiss() {
	atomic.AddUint64(&cacheMetrics.Misses, 1)
	misses.Inc(1)
}

func recordPut(n int64) {
	atomic.AddUint64(&cacheMetrics.BytesCached, uint64(n))
	cachedBytes.Inc(float64(n))
}

func recordCorrupt() {
	atomic.AddUint64(&cacheMetrics.Corrupt, 1)
	corrupt.Inc(1)
}
