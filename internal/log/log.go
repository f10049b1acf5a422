// Package applog is the shared logging surface: a local stdlib logger plus
// a best-effort push of the same lines to Loki, labeled by level and by
// whatever per-event labels the caller supplies. Used by both the rampart
// handler/admitter and the demo upstream server.
package applog

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	lokiURL    string
	lokiOnce   sync.Once
	lokiClient = &http.Client{Timeout: 200 * time.Millisecond}

	// logging level toggles (defaults: INFO/ERROR on, DEBUG off)
	infoEnabled  = true
	debugEnabled = false
	errorEnabled = true
)

func initLoki() {
	lokiURL = ""

	cfgFile := ""
	for _, c := range []string{"configs/config.yaml", "configs/config.yml"} {
		if _, err := os.Stat(c); err == nil {
			cfgFile = c
			break
		}
	}
	if cfgFile != "" {
		var cfg struct {
			Metrics *struct {
				LokiURL string `yaml:"loki_url"`
			} `yaml:"metrics"`
			Logging *struct {
				InfoEnabled  *bool `yaml:"info_enabled"`
				DebugEnabled *bool `yaml:"debug_enabled"`
				ErrorEnabled *bool `yaml:"error_enabled"`
			} `yaml:"logging"`
		}
		if b, err := os.ReadFile(cfgFile); err == nil {
			if err := yaml.Unmarshal(b, &cfg); err == nil {
				if cfg.Metrics != nil && strings.TrimSpace(cfg.Metrics.LokiURL) != "" {
					lokiURL = strings.TrimSpace(cfg.Metrics.LokiURL)
				}
				if cfg.Logging != nil {
					if cfg.Logging.InfoEnabled != nil {
						infoEnabled = *cfg.Logging.InfoEnabled
					}
					if cfg.Logging.DebugEnabled != nil {
						debugEnabled = *cfg.Logging.DebugEnabled
					}
					if cfg.Logging.ErrorEnabled != nil {
						errorEnabled = *cfg.Logging.ErrorEnabled
					}
				}
			}
		}
	}

	if lokiURL != "" && !strings.Contains(lokiURL, "/loki/api/v1/push") {
		lokiURL = strings.TrimRight(lokiURL, "/") + "/loki/api/v1/push"
	}
}

func levelEnabled(level string) bool {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return debugEnabled
	case "error":
		return errorEnabled
	default:
		return infoEnabled
	}
}

// Emit prints locally (if enabled) and pushes the same line to Loki with a "level" label.
func Emit(level, app string, labels map[string]string, line string) {
	lvl := strings.ToLower(level)
	if logEnabled() && levelEnabled(lvl) {
		log.Print(line)
	}
	PushLokiWithLevel(lvl, app, labels, line)
}

// PushLokiWithLevel sends a single log line with labels to Loki, adding a "level" label.
// No-op if Loki is not configured or the level is disabled.
func PushLokiWithLevel(level, app string, labels map[string]string, line string) {
	lokiOnce.Do(initLoki)
	if lokiURL == "" || !levelEnabled(level) {
		return
	}

	lbls := map[string]string{
		"app":   app,
		"level": strings.ToLower(strings.TrimSpace(level)),
	}
	for k, v := range labels {
		if strings.TrimSpace(k) == "" {
			continue
		}
		lbls[k] = v
	}

	ts := strconv.FormatInt(time.Now().UnixNano(), 10)
	payload := struct {
		Streams []struct {
			Stream map[string]string `json:"stream"`
			Values [][2]string       `json:"values"`
		} `json:"streams"`
	}{
		Streams: []struct {
			Stream map[string]string `json:"stream"`
			Values [][2]string       `json:"values"`
		}{
			{Stream: lbls, Values: [][2]string{{ts, line}}},
		},
	}

	b, _ := json.Marshal(payload)
	req, err := http.NewRequest("POST", lokiURL, bytes.NewReader(b))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	_, _ = lokiClient.Do(req) // fire-and-forget
}

// PushLoki is a backward-compatible helper defaulting to INFO level.
func PushLoki(app string, labels map[string]string, line string) {
	PushLokiWithLevel("INFO", app, labels, line)
}

// MustHostname returns the current hostname or "unknown" on error.
func MustHostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "unknown"
	}
	return h
}

func logEnabled() bool {
	if flag.Lookup("test.v") != nil || flag.Lookup("test.run") != nil || flag.Lookup("test.bench") != nil {
		return false
	}
	return true
}

func parseCacheControlList(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(strings.ToLower(p))
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

func isMetricsScrape(r *http.Request) bool {
	if strings.Contains(r.Header.Get("User-Agent"), "Prometheus") {
		return true
	}
	if strings.Contains(r.Header.Get("Accept"), "openmetrics") {
		return true
	}
	return false
}

// ------------- rampart decision-core logging ------------

// LogOutcome records the cache decision made for a request: the outcome
// (hit/stale/updating/miss), status, and latency, as both an INFO summary
// and a DEBUG line carrying the full request headers.
func LogOutcome(outcome string, status int, dur time.Duration, r *http.Request) {
	url := r.URL.RequestURI()
	labels := map[string]string{
		"method":  r.Method,
		"status":  strconv.Itoa(status),
		"outcome": outcome,
		"host":    MustHostname(),
		"url":     url,
	}
	infoLine := fmt.Sprintf("outcome=%s method=%s url=%s status=%d dur=%s", outcome, r.Method, url, status, dur)
	Emit("info", "rampart", labels, infoLine)

	debugLine := fmt.Sprintf("outcome=%s method=%s url=%s status=%d dur=%s headers=%v", outcome, r.Method, url, status, dur, r.Header)
	Emit("debug", "rampart", labels, debugLine)
}

// LogInvalidURL records a request whose URL could not be canonicalised.
func LogInvalidURL(r *http.Request, err error) {
	labels := map[string]string{"method": r.Method, "status": "400", "host": MustHostname()}
	Emit("error", "rampart", labels, fmt.Sprintf("invalid url raw=%q err=%v", r.URL.RequestURI(), err))
}

// LogCacheError records a cache get/set/delete failure; always advisory,
// never surfaced to the client.
func LogCacheError(op, key string, err error) {
	labels := map[string]string{"op": op, "key": key, "host": MustHostname()}
	Emit("error", "rampart", labels, fmt.Sprintf("cache %s failed key=%s err=%v", op, key, err))
}

// LogOriginError records an origin forwarding failure.
func LogOriginError(stage string, r *http.Request, err error) {
	labels := map[string]string{"method": r.Method, "stage": stage, "host": MustHostname(), "url": r.URL.RequestURI()}
	Emit("error", "rampart", labels, fmt.Sprintf("origin %s failed method=%s url=%s err=%v", stage, r.Method, r.URL.RequestURI(), err))
}

// LogAdmissionRejected records why an eligible origin response was not admitted.
func LogAdmissionRejected(reason, canonicalURL string) {
	labels := map[string]string{"reason": reason, "host": MustHostname(), "url": canonicalURL}
	Emit("debug", "rampart", labels, fmt.Sprintf("admission rejected reason=%s url=%s", reason, canonicalURL))
}

// ------------- generic access-log middleware (used by the demo upstream) ------------

type loggingResponseWriter struct {
	http.ResponseWriter
	status     int
	n          int
	preview    []byte
	maxPreview int
}

func (w *loggingResponseWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *loggingResponseWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	if w.maxPreview > 0 && len(w.preview) < w.maxPreview {
		rem := w.maxPreview - len(w.preview)
		if rem > 0 {
			cp := len(b)
			if cp > rem {
				cp = rem
			}
			w.preview = append(w.preview, b[:cp]...)
		}
	}
	n, err := w.ResponseWriter.Write(b)
	w.n += n
	return n, err
}

// rcCombiner lets us restore a body while still closing the original.
type rcCombiner struct {
	io.Reader
	closer io.Closer
}

func (r rcCombiner) Close() error { return r.closer.Close() }

// WithRequestLogging logs request/response details for every request and
// pushes them to Loki, skipping metrics scrapes.
func WithRequestLogging(appName string, next http.Handler) http.Handler {
	const maxBodyPreview = 8 << 10 // 8KB
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isMetricsScrape(r) {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()

		var remote string
		if xf := r.Header.Get("X-Forwarded-For"); xf != "" {
			remote = strings.TrimSpace(strings.Split(xf, ",")[0])
		} else if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			remote = host
		} else {
			remote = r.RemoteAddr
		}

		var preview []byte
		if r.Body != nil {
			limited := io.LimitReader(r.Body, int64(maxBodyPreview+1))
			buf, _ := io.ReadAll(limited)
			truncated := len(buf) > maxBodyPreview
			if truncated {
				preview = buf[:maxBodyPreview]
				r.Body = rcCombiner{Reader: io.MultiReader(bytes.NewReader(preview), r.Body), closer: r.Body}
			} else {
				preview = buf
				r.Body = rcCombiner{Reader: bytes.NewReader(preview), closer: io.NopCloser(bytes.NewReader(nil))}
			}
		}

		bodyNote := ""
		if len(preview) > 0 {
			bodyNote = fmt.Sprintf(", req_body_preview=%q", string(preview))
		}

		reqLabels := map[string]string{
			"method": r.Method,
			"status": "pending",
			"host":   MustHostname(),
			"url":    r.URL.RequestURI(),
		}
		Emit("debug", appName, reqLabels, fmt.Sprintf(
			"REQ remote=%s method=%s url=%s proto=%s%s", remote, r.Method, r.URL.RequestURI(), r.Proto, bodyNote))

		lrw := &loggingResponseWriter{ResponseWriter: w, maxPreview: maxBodyPreview}
		next.ServeHTTP(lrw, r)

		dur := time.Since(start)
		status := lrw.status
		if status == 0 {
			status = http.StatusOK
		}
		respLabels := map[string]string{
			"method": r.Method,
			"status": strconv.Itoa(status),
			"host":   MustHostname(),
			"url":    r.URL.RequestURI(),
		}
		respBodyNote := ""
		if len(lrw.preview) > 0 {
			respBodyNote = fmt.Sprintf(", resp_body_preview=%q", string(lrw.preview))
		}
		Emit("info", appName, respLabels, fmt.Sprintf(
			"RESP status=%d bytes=%d dur=%s%s", status, lrw.n, dur, respBodyNote))
	})
}

var requestCounter int64

// WithRequestID assigns a unique X-Request-ID to each request lacking one.
func WithRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if reqID == "" {
			reqID = fmt.Sprintf("%d-%d", time.Now().UnixNano(), atomic.AddInt64(&requestCounter, 1))
			r.Header.Set("X-Request-ID", reqID)
		}
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r)
	})
}
