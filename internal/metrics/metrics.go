// Package metrics tracks the counters the core exposes: request
// outcomes (hit/stale/updating/miss), admission results and rejection
// reasons, and cache/origin error counts. Counters are monotonically
// non-decreasing for the lifetime of the process.
//
// Two surfaces are kept in step: a plain JSON object (the external
// contract on the optional metrics listener) and a set of Prometheus
// collectors registered on the default registry, for operators who
// already scrape it.
package metrics

import (
	"encoding/json"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the process-wide counters. All fields are touched only
// through atomic operations; there is no locking.
type Metrics struct {
	requestsTotal atomic.Int64
	hits          atomic.Int64
	stales        atomic.Int64
	updatings     atomic.Int64
	misses        atomic.Int64
	admissions    atomic.Int64

	rejectedNon200         atomic.Int64
	rejectedBadContentType atomic.Int64
	rejectedTTLZero        atomic.Int64
	rejectedOversize       atomic.Int64
	rejectedIncompleteBody atomic.Int64

	cacheErrors  atomic.Int64
	originErrors atomic.Int64
}

// New returns a zeroed Metrics instance.
func New() *Metrics {
	return &Metrics{}
}

var (
	outcomeTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rampart_outcomes_total",
			Help: "Total requests by cache decision outcome",
		},
		[]string{"outcome"},
	)
	admissionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rampart_admissions_total",
			Help: "Total origin responses admitted into the cache",
		},
	)
	admissionRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rampart_admission_rejected_total",
			Help: "Total origin responses rejected for admission, by reason",
		},
		[]string{"reason"},
	)
	cacheErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rampart_cache_errors_total",
			Help: "Total cache operation failures observed by the handler or admitter",
		},
	)
	originErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rampart_origin_errors_total",
			Help: "Total origin forwarding failures (unreachable, timeout, protocol error)",
		},
	)
)

func init() {
	prometheus.MustRegister(
		outcomeTotal,
		admissionsTotal,
		admissionRejectedTotal,
		cacheErrorsTotal,
		originErrorsTotal,
	)
}

// Rejection reasons, matching the admission predicate's failure modes.
const (
	ReasonNon200         = "non-200"
	ReasonBadContentType = "bad-content-type"
	ReasonTTLZero        = "ttl-zero"
	ReasonOversize       = "oversize"
	// ReasonIncompleteBody marks a response whose body stream ended
	// before a clean io.EOF (origin connection reset, forward context
	// cancelled or timed out) — the accumulated bytes
	// are a truncated prefix, never the exact body the origin sent, so
	// admission is skipped rather than writing back a corrupt entry.
	ReasonIncompleteBody = "incomplete-body"
)

// RequestReceived records that a request entered the handler.
func (m *Metrics) RequestReceived() { m.requestsTotal.Add(1) }

// Hit records a fresh cache hit.
func (m *Metrics) Hit() { m.hits.Add(1); outcomeTotal.WithLabelValues("hit").Inc() }

// Stale records a stale-under-lock response.
func (m *Metrics) Stale() { m.stales.Add(1); outcomeTotal.WithLabelValues("stale").Inc() }

// Updating records an UPDATING-branch request.
func (m *Metrics) Updating() { m.updatings.Add(1); outcomeTotal.WithLabelValues("updating").Inc() }

// Miss records a cache miss (including cache-bypassed requests).
func (m *Metrics) Miss() { m.misses.Add(1); outcomeTotal.WithLabelValues("miss").Inc() }

// Admitted records a successful admission write-back.
func (m *Metrics) Admitted() { m.admissions.Add(1); admissionsTotal.Inc() }

// Rejected records an admission rejection by reason.
func (m *Metrics) Rejected(reason string) {
	admissionRejectedTotal.WithLabelValues(reason).Inc()
	switch reason {
	case ReasonNon200:
		m.rejectedNon200.Add(1)
	case ReasonBadContentType:
		m.rejectedBadContentType.Add(1)
	case ReasonTTLZero:
		m.rejectedTTLZero.Add(1)
	case ReasonOversize:
		m.rejectedOversize.Add(1)
	case ReasonIncompleteBody:
		m.rejectedIncompleteBody.Add(1)
	}
}

// CacheError records a cache get/set/delete failure.
func (m *Metrics) CacheError() { m.cacheErrors.Add(1); cacheErrorsTotal.Inc() }

// OriginError records an origin forwarding failure.
func (m *Metrics) OriginError() { m.originErrors.Add(1); originErrorsTotal.Inc() }

// snapshot is the JSON shape served on the metrics listener.
type snapshot struct {
	RequestsTotal int64 `json:"requestsTotal"`
	Hits          int64 `json:"hits"`
	Stales        int64 `json:"stales"`
	Updatings     int64 `json:"updatings"`
	Misses        int64 `json:"misses"`
	Admissions    int64 `json:"admissions"`
	Rejections    struct {
		Non200         int64 `json:"non200"`
		BadContentType int64 `json:"badContentType"`
		TTLZero        int64 `json:"ttlZero"`
		Oversize       int64 `json:"oversize"`
		IncompleteBody int64 `json:"incompleteBody"`
	} `json:"admissionRejections"`
	CacheErrors  int64 `json:"cacheErrors"`
	OriginErrors int64 `json:"originErrors"`
}

// Snapshot returns a point-in-time copy of every counter.
func (m *Metrics) Snapshot() snapshot {
	s := snapshot{
		RequestsTotal: m.requestsTotal.Load(),
		Hits:          m.hits.Load(),
		Stales:        m.stales.Load(),
		Updatings:     m.updatings.Load(),
		Misses:        m.misses.Load(),
		Admissions:    m.admissions.Load(),
		CacheErrors:   m.cacheErrors.Load(),
		OriginErrors:  m.originErrors.Load(),
	}
	s.Rejections.Non200 = m.rejectedNon200.Load()
	s.Rejections.BadContentType = m.rejectedBadContentType.Load()
	s.Rejections.TTLZero = m.rejectedTTLZero.Load()
	s.Rejections.Oversize = m.rejectedOversize.Load()
	s.Rejections.IncompleteBody = m.rejectedIncompleteBody.Load()
	return s
}

// ServeHTTP implements the metrics endpoint: any path, any of the usual
// read methods, returns the JSON counter snapshot.
func (m *Metrics) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(m.Snapshot()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
