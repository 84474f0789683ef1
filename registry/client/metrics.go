package client

import (
	prometheus "github.com/twopence/twopence/metrics"
)

var (
	// requests counts registry requests by method and response status
	requests = prometheus.TransportNamespace.NewLabeledCounter("registry_requests", "The number of requests sent to registries", "method", "status")
	// logins counts bearer token exchanges by outcome
	logins = prometheus.TransportNamespace.NewLabeledCounter("registry_logins", "The number of bearer token exchanges", "result")
	// pushedBytes is the size of blobs uploaded to registries
	pushedBytes = prometheus.TransportNamespace.NewCounter("registry_pushed_bytes", "The size of blobs uploaded to registries")
)
