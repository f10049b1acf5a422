// Package rampart implements the request-handling pipeline: URL
// canonicalisation, parallel cache lookup, the three-way fresh/stale/miss
// decision, origin forwarding, and the admitter that writes accepted
// responses back into the shared cache. This is the decision core the
// rest of the module exists to support.
package rampart

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"rampart/internal/canon"
	"rampart/internal/distcache"
	"rampart/internal/entry"
	applog "rampart/internal/log"
	"rampart/internal/metrics"
)

// Config controls handler behaviour beyond the collaborators it wraps.
type Config struct {
	// LockTTL is the expiration passed when writing the dogpile lock.
	// Zero means no TTL (cache default/indefinite) as the original
	// behaviour did; operators are expected to set a short TTL (e.g.
	// 30s) so a crashed updater cannot wedge a fingerprint forever.
	LockTTL time.Duration
	// ForwardTimeout bounds a single origin round trip.
	ForwardTimeout time.Duration
	// MaxConcurrentForwards bounds how many origin round trips this
	// instance will have in flight at once; requests beyond that queue
	// on the limiter rather than piling up unboundedly on the origin.
	MaxConcurrentForwards int
}

// Handler is the decision core: it canonicalises requests, classifies the
// cache state, serves from cache when possible, and otherwise forwards to
// the origin and hands the response to the admitter.
type Handler struct {
	canon   *canon.Canonicaliser
	cache   distcache.Cache
	origin  *originClient
	cfg     Config
	metrics *metrics.Metrics
	limiter *forwardLimiter
}

// New builds a Handler. originURL is the upstream base URL (scheme
// optional); transport, if nil, defaults to http.DefaultTransport.
func New(c *canon.Canonicaliser, cache distcache.Cache, originURL string, transport http.RoundTripper, cfg Config, m *metrics.Metrics) (*Handler, error) {
	oc, err := newOriginClient(originURL, transport, cfg.ForwardTimeout)
	if err != nil {
		return nil, err
	}
	if cfg.ForwardTimeout <= 0 {
		cfg.ForwardTimeout = 30 * time.Second
	}
	return &Handler{
		canon:   c,
		cache:   cache,
		origin:  oc,
		cfg:     cfg,
		metrics: m,
		limiter: newForwardLimiter(cfg.MaxConcurrentForwards),
	}, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	h.metrics.RequestReceived()

	result, err := h.canon.Canonicalise(r.URL.RequestURI())
	if err != nil {
		applog.LogInvalidURL(r, fmt.Errorf("%w: %v", ErrInvalidURL, err))
		http.Error(w, "invalid request url", http.StatusBadRequest)
		return
	}

	if !cacheable(r.Method) {
		h.metrics.Miss()
		h.forwardAndAdmit(w, r, result, entry.Keys{}, "miss", start)
		return
	}

	keys := entry.KeysFor(result.Fingerprint)
	data, dataOK, meta, metaOK, lockOK := h.fetchTriple(r.Context(), keys)

	switch {
	case dataOK && metaOK && meta.Fresh(time.Now()):
		h.serveFromCache(w, r, "hit", data, meta, start)
		return
	case dataOK && metaOK && lockOK:
		h.serveFromCache(w, r, "stale", data, meta, start)
		return
	case dataOK && metaOK:
		// expired, no lock: this request becomes the updater.
		h.cache.Set(context.Background(), keys.Lock, entry.LockValue(), h.cfg.LockTTL)
		h.metrics.Updating()
		h.forwardAndAdmit(w, r, result, keys, "updating", start)
		return
	default:
		h.metrics.Miss()
		h.forwardAndAdmit(w, r, result, keys, "miss", start)
		return
	}
}

// cacheable reports whether method is one the handler will consult or
// populate the cache for; everything else bypasses the cache entirely.
func cacheable(method string) bool {
	return method == http.MethodGet || method == http.MethodHead
}

// fetchTriple issues the three cache lookups concurrently and waits for
// all to complete; an error on any key is logged and treated as absent.
func (h *Handler) fetchTriple(ctx context.Context, keys entry.Keys) (data []byte, dataOK bool, meta entry.Meta, metaOK bool, lockOK bool) {
	type result struct {
		key string
		val []byte
		ok  bool
	}
	results := make(chan result, 3)
	lookup := func(key string) {
		val, ok, err := h.cache.Get(ctx, key)
		if err != nil {
			h.metrics.CacheError()
			applog.LogCacheError("get", key, fmt.Errorf("%w: %v", ErrCacheUnavailable, err))
			ok = false
		}
		results <- result{key: key, val: val, ok: ok}
	}
	go lookup(keys.Data)
	go lookup(keys.Meta)
	go lookup(keys.Lock)

	for i := 0; i < 3; i++ {
		res := <-results
		switch res.key {
		case keys.Data:
			data, dataOK = res.val, res.ok
		case keys.Meta:
			if res.ok {
				if m, err := entry.DecodeMeta(res.val); err == nil {
					meta, metaOK = m, true
				} else {
					applog.LogCacheError("decode-meta", keys.Meta, err)
				}
			}
		case keys.Lock:
			lockOK = res.ok
		}
	}
	return data, dataOK, meta, metaOK, lockOK
}

// serveFromCache writes the synthesised HIT/STALE response per the
// response-construction rules.
func (h *Handler) serveFromCache(w http.ResponseWriter, r *http.Request, outcome string, data []byte, meta entry.Meta, start time.Time) {
	now := time.Now()
	h.writeCommonHeaders(w, outcome)
	if meta.ContentType != "" {
		w.Header().Set("Content-Type", meta.ContentType)
	}
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(data)))
	if meta.Server != "" {
		w.Header().Set("Server", meta.Server)
	}
	if meta.ContentEncoding != "" {
		w.Header().Set("Content-Encoding", meta.ContentEncoding)
	}
	if meta.ETag != "" {
		w.Header().Set("ETag", meta.ETag)
	}
	if remaining := meta.ExpiresAt.Sub(now); remaining > 0 {
		w.Header().Set("Cache-Control", fmt.Sprintf("max-age=%d", ceilSeconds(remaining)))
	}

	if outcome == "hit" {
		h.metrics.Hit()
	} else {
		h.metrics.Stale()
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
	applog.LogOutcome(outcome, http.StatusOK, time.Since(start), r)
}

func (h *Handler) writeCommonHeaders(w http.ResponseWriter, outcome string) {
	w.Header().Set("Date", time.Now().UTC().Format(http.TimeFormat))
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Rampart", outcome)
}

func ceilSeconds(d time.Duration) int64 {
	secs := d / time.Second
	if d%time.Second != 0 {
		secs++
	}
	return int64(secs)
}
