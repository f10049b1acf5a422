// Package distcache abstracts the memcache cluster the core cache
// decision depends on: get/set/delete on opaque string keys with binary
// values, plus a best-effort failure event stream. Node distribution,
// failover, and connection pooling are delegated to the underlying
// memcache client library; this package only adapts its error surface
// to the contract the request handler and admitter consume.
package distcache

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
)

// FailureEvent reports that an operation against the cluster failed in
// a way that looks like a node outage rather than an ordinary cache
// miss.
type FailureEvent struct {
	Key string
	Op  string
	Err error
	At  time.Time
}

// Cache is the distributed cache interface the core consumes. All
// operations are best-effort: failures are surfaced to the caller (for
// Get) or swallowed after logging/event emission (for Set/Delete),
// per the cache's advisory-only error propagation policy.
type Cache interface {
	// Get returns (value, true, nil) on a hit, (nil, false, nil) on a
	// miss, or (nil, false, err) when the lookup itself failed.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	// Set stores value under key. ttl == 0 means "use the cluster's
	// default/indefinite" lifetime. Failures are never returned to the
	// caller; those that look like a node outage are emitted on the
	// failure stream, and any other failure is dropped.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)
	// Delete removes key; fire-and-forget.
	Delete(ctx context.Context, key string)
	// Failures streams node-outage-shaped errors observed by any
	// operation. Readers must not block the stream for long; the
	// channel is buffered and drops events under sustained backpressure
	// rather than stalling cache operations.
	Failures() <-chan FailureEvent
}

// memcacheCache wraps *memcache.Client to satisfy Cache.
type memcacheCache struct {
	client   *memcache.Client
	failures chan FailureEvent
}

// New builds a Cache backed by a memcache cluster. nodes is a list of
// "host:port" addresses, one per element (no comma splitting is done here);
// consistent-hash distribution across them is handled internally by the
// memcache client's server selector.
func New(nodes []string) Cache {
	client := memcache.New(nodes...)
	client.Timeout = 500 * time.Millisecond
	return &memcacheCache{
		client:   client,
		failures: make(chan FailureEvent, 64),
	}
}

func (c *memcacheCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	item, err := c.client.Get(key)
	switch {
	case err == nil:
		return item.Value, true, nil
	case errors.Is(err, memcache.ErrCacheMiss):
		return nil, false, nil
	default:
		c.emitFailure(key, "get", err)
		return nil, false, err
	}
}

// Set stores a value with an optional TTL. ttl <= 0 is sent to memcache
// as 0 (the server's own default/indefinite lifetime). Errors are never
// returned: node-outage-shaped ones go to the failure stream and the
// rest are dropped, since cache writes are strictly advisory.
func (c *memcacheCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) {
	item := &memcache.Item{Key: key, Value: value}
	if ttl > 0 {
		item.Expiration = int32(ttl.Seconds())
	}
	if err := c.client.Set(item); err != nil {
		c.emitFailure(key, "set", err)
	}
}

func (c *memcacheCache) Delete(_ context.Context, key string) {
	if err := c.client.Delete(key); err != nil && !errors.Is(err, memcache.ErrCacheMiss) {
		c.emitFailure(key, "delete", err)
	}
}

func (c *memcacheCache) Failures() <-chan FailureEvent { return c.failures }

// emitFailure classifies err and, when it looks like a node outage
// rather than a transient/protocol error, pushes a FailureEvent without
// blocking cache operations on a slow or absent reader.
func (c *memcacheCache) emitFailure(key, op string, err error) {
	if !looksLikeNodeFailure(err) {
		return
	}
	event := FailureEvent{Key: key, Op: op, Err: err, At: time.Now()}
	select {
	case c.failures <- event:
	default:
		// Best-effort stream; drop rather than block the caller.
	}
}

// looksLikeNodeFailure reports whether err indicates connectivity loss
// to a cluster node (dial/timeout/connection-reset), as opposed to a
// well-formed protocol response such as a cache miss.
func looksLikeNodeFailure(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connect") || strings.Contains(msg, "connection") || strings.Contains(msg, "no servers")
}
