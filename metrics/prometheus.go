package metrics

import "github.com/docker/go-metrics"

const (
	// NamespacePrefix is the namespace of prometheus metrics
	NamespacePrefix = "twopence"
)

var (
	// BlobCacheNamespace is the prometheus namespace of local blob cache operations
	BlobCacheNamespace = metrics.NewNamespace(NamespacePrefix, "blobcache", nil)

	// TransportNamespace is the prometheus namespace of registry and image store traffic
	TransportNamespace = metrics.NewNamespace(NamespacePrefix, "transport", nil)
)
