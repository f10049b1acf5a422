package rampart_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"rampart/internal/canon"
	"rampart/internal/entry"
	"rampart/internal/metrics"
	"rampart/internal/rampart"
)

func newTestHandler(t *testing.T, origin *httptest.Server) (*rampart.Handler, *fakeCache) {
	t.Helper()
	c, err := canon.New(origin.URL, nil)
	if err != nil {
		t.Fatalf("canon.New: %v", err)
	}
	cache := newFakeCache()
	h, err := rampart.New(c, cache, origin.URL, origin.Client().Transport, rampart.Config{LockTTL: 30 * time.Second, ForwardTimeout: 2 * time.Second}, metrics.New())
	if err != nil {
		t.Fatalf("rampart.New: %v", err)
	}
	return h, cache
}

func fingerprintFor(t *testing.T, origin *httptest.Server, suffix string) uint64 {
	t.Helper()
	c, err := canon.New(origin.URL, nil)
	if err != nil {
		t.Fatalf("canon.New: %v", err)
	}
	res, err := c.Canonicalise(suffix)
	if err != nil {
		t.Fatalf("Canonicalise: %v", err)
	}
	return res.Fingerprint
}

// S1: cold MISS populates data+meta.
func TestServeHTTP_ColdMiss(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Header().Set("Cache-Control", "max-age=5")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("hello"))
	}))
	defer origin.Close()

	h, cache := newTestHandler(t, origin)
	req := httptest.NewRequest(http.MethodGet, "/a", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("X-Rampart"); got != "miss" {
		t.Errorf("X-Rampart = %q, want miss", got)
	}
	if rec.Body.String() != "hello" {
		t.Errorf("body = %q", rec.Body.String())
	}

	fp := fingerprintFor(t, origin, "/a")
	keys := entry.KeysFor(fp)
	if !cache.has(keys.Data) || !cache.has(keys.Meta) {
		t.Fatal("expected data and meta to be written after a successful admission")
	}
	if cache.has(keys.Lock) {
		t.Error("did not expect a lock key after a plain MISS")
	}
}

// S2: fresh HIT is served without contacting the origin.
func TestServeHTTP_FreshHit(t *testing.T) {
	var originHits int
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		originHits++
		w.Header().Set("Content-Type", "text/plain")
		w.Header().Set("Cache-Control", "max-age=5")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("hello"))
	}))
	defer origin.Close()

	h, _ := newTestHandler(t, origin)

	first := httptest.NewRequest(http.MethodGet, "/a", nil)
	h.ServeHTTP(httptest.NewRecorder(), first)

	second := httptest.NewRequest(http.MethodGet, "/a", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, second)

	if originHits != 1 {
		t.Fatalf("origin hit %d times, want 1 (second request should be served from cache)", originHits)
	}
	if got := rec.Header().Get("X-Rampart"); got != "hit" {
		t.Errorf("X-Rampart = %q, want hit", got)
	}
	if cc := rec.Header().Get("Cache-Control"); !strings.HasPrefix(cc, "max-age=") {
		t.Errorf("Cache-Control = %q, want max-age=...", cc)
	}
	if rec.Body.String() != "hello" {
		t.Errorf("body = %q", rec.Body.String())
	}
}

// S3: expired entry with a lock present is served stale, origin untouched.
func TestServeHTTP_StaleUnderLock(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("origin must not be contacted while a lock is held")
	}))
	defer origin.Close()

	h, cache := newTestHandler(t, origin)
	fp := fingerprintFor(t, origin, "/a")
	keys := entry.KeysFor(fp)
	seedExpired(t, cache, keys, "cached-body")
	cache.Set(context.Background(), keys.Lock, entry.LockValue(), 0)

	req := httptest.NewRequest(http.MethodGet, "/a", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Rampart"); got != "stale" {
		t.Errorf("X-Rampart = %q, want stale", got)
	}
	if rec.Header().Get("Cache-Control") != "" {
		t.Error("stale responses must not carry Cache-Control")
	}
	if rec.Body.String() != "cached-body" {
		t.Errorf("body = %q", rec.Body.String())
	}
}

// S4: expired entry with no lock becomes the updater; lock is written
// before the origin is contacted and deleted once admission completes.
func TestServeHTTP_Updating(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Header().Set("Cache-Control", "max-age=5")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("fresh-from-origin"))
	}))
	defer origin.Close()

	h, cache := newTestHandler(t, origin)
	fp := fingerprintFor(t, origin, "/a")
	keys := entry.KeysFor(fp)
	seedExpired(t, cache, keys, "stale-body")

	req := httptest.NewRequest(http.MethodGet, "/a", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Rampart"); got != "updating" {
		t.Errorf("X-Rampart = %q, want updating", got)
	}
	if rec.Body.String() != "fresh-from-origin" {
		t.Errorf("body = %q", rec.Body.String())
	}
	if cache.has(keys.Lock) {
		t.Error("lock should be deleted once the admission write-back completes")
	}
}

// S5: non-cacheable content-type passes through without writing the cache.
func TestServeHTTP_NonCacheableContentType(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "max-age=60")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("\x89PNG"))
	}))
	defer origin.Close()

	h, cache := newTestHandler(t, origin)
	req := httptest.NewRequest(http.MethodGet, "/img", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Rampart"); got != "miss" {
		t.Errorf("X-Rampart = %q, want miss", got)
	}
	fp := fingerprintFor(t, origin, "/img")
	keys := entry.KeysFor(fp)
	if cache.has(keys.Data) || cache.has(keys.Meta) {
		t.Error("non-cacheable content-type must not be admitted")
	}
}

// S6: an oversize body passes through unchanged but is never admitted.
func TestServeHTTP_Oversize(t *testing.T) {
	big := strings.Repeat("x", entry.MaxBodyBytes)
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Header().Set("Cache-Control", "max-age=60")
		w.WriteHeader(http.StatusOK)
		_, _ = io.Copy(w, strings.NewReader(big))
	}))
	defer origin.Close()

	h, cache := newTestHandler(t, origin)
	req := httptest.NewRequest(http.MethodGet, "/big", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Body.Len() != len(big) {
		t.Fatalf("client body length = %d, want %d (pass-through must be unaffected)", rec.Body.Len(), len(big))
	}
	fp := fingerprintFor(t, origin, "/big")
	keys := entry.KeysFor(fp)
	if cache.has(keys.Data) {
		t.Error("oversize body must not be admitted")
	}
}

func TestServeHTTP_NonGetBypassesCache(t *testing.T) {
	var originHits int
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		originHits++
		w.Header().Set("Content-Type", "text/plain")
		w.Header().Set("Cache-Control", "max-age=5")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("posted"))
	}))
	defer origin.Close()

	h, cache := newTestHandler(t, origin)
	req := httptest.NewRequest(http.MethodPost, "/a", strings.NewReader("body"))
	h.ServeHTTP(httptest.NewRecorder(), req)
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/a", strings.NewReader("body")))

	if originHits != 2 {
		t.Fatalf("origin hit %d times, want 2 (POST must never be served from cache)", originHits)
	}
	fp := fingerprintFor(t, origin, "/a")
	keys := entry.KeysFor(fp)
	if cache.has(keys.Data) {
		t.Error("POST responses must never be admitted")
	}
}

// A client that has already disconnected before origin forwarding even
// starts must not stop the UPDATING branch from completing its
// write-back: other instances may be serving stale copies under the
// lock this request is responsible for releasing.
func TestServeHTTP_ClientDisconnectDuringUpdating_CompletesWriteBack(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Header().Set("Cache-Control", "max-age=5")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("fresh-from-origin"))
	}))
	defer origin.Close()

	h, cache := newTestHandler(t, origin)
	fp := fingerprintFor(t, origin, "/a")
	keys := entry.KeysFor(fp)
	seedExpired(t, cache, keys, "stale-body")

	canceledCtx, cancel := context.WithCancel(context.Background())
	cancel() // simulate the client having already gone away
	req := httptest.NewRequest(http.MethodGet, "/a", nil).WithContext(canceledCtx)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Rampart"); got != "updating" {
		t.Fatalf("X-Rampart = %q, want updating", got)
	}
	if !cache.has(keys.Data) || !cache.has(keys.Meta) {
		t.Error("write-back must complete even though the inbound request context was already canceled")
	}
	if cache.has(keys.Lock) {
		t.Error("lock should be deleted once the admission write-back completes")
	}
}

// erroringBody simulates an origin body that ends in something other
// than a clean io.EOF: a reset connection, a canceled forward context.
type erroringBody struct {
	data []byte
	pos  int
	err  error
}

func (b *erroringBody) Read(p []byte) (int, error) {
	if b.pos >= len(b.data) {
		return 0, b.err
	}
	n := copy(p, b.data[b.pos:])
	b.pos += n
	return n, nil
}

func (b *erroringBody) Close() error { return nil }

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

// A body that is truncated mid-stream must never be admitted: the
// accumulator only ever holds a partial prefix, never "the exact
// response body as received from the origin".
func TestServeHTTP_TruncatedBodyNotAdmitted(t *testing.T) {
	const originBase = "http://origin.invalid"
	c, err := canon.New(originBase, nil)
	if err != nil {
		t.Fatalf("canon.New: %v", err)
	}
	cache := newFakeCache()

	transport := roundTripFunc(func(_ *http.Request) (*http.Response, error) {
		resp := &http.Response{
			StatusCode: http.StatusOK,
			Header: http.Header{
				"Content-Type":  {"text/plain"},
				"Cache-Control": {"max-age=5"},
			},
			Body: &erroringBody{data: []byte("partial-body"), err: errors.New("connection reset by peer")},
		}
		return resp, nil
	})

	h, err := rampart.New(c, cache, originBase, transport, rampart.Config{LockTTL: 30 * time.Second, ForwardTimeout: 2 * time.Second}, metrics.New())
	if err != nil {
		t.Fatalf("rampart.New: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/a", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Body.String() != "partial-body" {
		t.Errorf("body passed through to client = %q, want the partial bytes received so far", rec.Body.String())
	}
	res, err := c.Canonicalise("/a")
	if err != nil {
		t.Fatalf("Canonicalise: %v", err)
	}
	keys := entry.KeysFor(res.Fingerprint)
	if cache.has(keys.Data) || cache.has(keys.Meta) {
		t.Error("a truncated body must never be admitted into the cache")
	}
}

func seedExpired(t *testing.T, cache *fakeCache, keys entry.Keys, body string) {
	t.Helper()
	cache.Set(context.Background(), keys.Data, []byte(body), 0)
	encoded, err := entry.EncodeMeta(entry.Meta{
		ExpiresAt:   time.Now().Add(-time.Second),
		ContentType: "text/plain",
	})
	if err != nil {
		t.Fatalf("EncodeMeta: %v", err)
	}
	cache.Set(context.Background(), keys.Meta, encoded, 0)
}
