package rampart

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"rampart/internal/canon"
	"rampart/internal/entry"
	applog "rampart/internal/log"
	"rampart/internal/metrics"
)

// originClient forwards canonicalised requests to the configured origin
// base and returns the raw response; streaming and admission are handled
// by the caller.
type originClient struct {
	base   *url.URL
	client *http.Client
}

func newOriginClient(originURL string, transport http.RoundTripper, timeout time.Duration) (*originClient, error) {
	raw := originURL
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("rampart: invalid upstream base %q", originURL)
	}
	if transport == nil {
		transport = http.DefaultTransport
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &originClient{base: u, client: &http.Client{Transport: transport, Timeout: timeout}}, nil
}

// forwardAndAdmit forwards the request to the origin, streams the response
// back to the client as it arrives, and — for cacheable requests — hands
// the accumulated response to the admitter once the stream ends. keys is
// the zero value for method-bypassed requests, which skips admission.
func (h *Handler) forwardAndAdmit(w http.ResponseWriter, r *http.Request, result canon.Result, keys entry.Keys, outcome string, start time.Time) {
	// The outbound request and the forward itself are built against a
	// context detached from the client's connection, not r.Context():
	// per the cancellation requirement, a client disconnect must never
	// truncate or skip the origin round trip and the write-back that
	// follows it, since other instances may be waiting on this
	// request's dogpile lock. ForwardTimeout is the only bound.
	forwardCtx, cancel := context.WithTimeout(context.Background(), h.cfg.ForwardTimeout)
	defer cancel()

	outbound, err := newOutboundRequest(forwardCtx, r, h.origin.base, result.PathQuery)
	if err != nil {
		applog.LogOriginError("build-request", r, fmt.Errorf("%w: %v", ErrOriginProtocol, err))
		h.metrics.OriginError()
		http.Error(w, "bad upstream target", http.StatusBadGateway)
		return
	}

	if err := h.limiter.acquire(forwardCtx); err != nil {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
		applog.LogOutcome(outcome, http.StatusServiceUnavailable, time.Since(start), r)
		return
	}
	defer h.limiter.release()

	resp, err := h.origin.client.Do(outbound)
	if err != nil {
		h.metrics.OriginError()
		status := http.StatusBadGateway
		classified := fmt.Errorf("%w: %v", ErrOriginUnreachable, err)
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			status = http.StatusGatewayTimeout
			classified = fmt.Errorf("%w: %v", ErrOriginTimeout, err)
		}
		applog.LogOriginError("round-trip", r, classified)
		if outcome == "updating" {
			h.cache.Delete(context.Background(), keys.Lock)
		}
		http.Error(w, "origin unreachable", status)
		applog.LogOutcome(outcome, status, time.Since(start), r)
		return
	}
	defer resp.Body.Close()

	sanitized := sanitizeHeaders(resp.Header)
	copyHeader(w.Header(), sanitized)
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Rampart", outcome)
	w.WriteHeader(resp.StatusCode)

	acc := newAccumulator(entry.MaxBodyBytes)
	streamErr := streamToClient(w, io.TeeReader(resp.Body, acc))

	applog.LogOutcome(outcome, resp.StatusCode, time.Since(start), r)

	if keys.Data == "" {
		return // method-bypassed request: no cache entry to maintain
	}

	if streamErr != nil {
		// The accumulator holds a truncated prefix, never "the exact
		// response body as received from the origin" the data record
		// must be; admitting it would write back a corrupt entry.
		h.metrics.Rejected(metrics.ReasonIncompleteBody)
		applog.LogAdmissionRejected(metrics.ReasonIncompleteBody, result.Canonical.String())
		if outcome == "updating" {
			h.cache.Delete(context.Background(), keys.Lock)
		}
		return
	}

	admitCtx, admitCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer admitCancel()
	h.admit(admitCtx, keys, result.Canonical.String(), resp.StatusCode, resp.Header, acc.Bytes(), acc.Oversize())
}

// streamToClient copies src to w, tolerating client write failures so the
// read loop keeps draining src (and therefore keeps feeding any tee'd
// accumulator) even after the client has gone away. It returns nil only
// when src was drained to a clean io.EOF; any other Read error (a reset
// origin connection, a canceled forwardCtx) is returned so the caller
// can tell a truncated body apart from a complete one.
func streamToClient(w http.ResponseWriter, src io.Reader) error {
	buf := make([]byte, 32*1024)
	clientGone := false
	flusher, _ := w.(http.Flusher)
	for {
		n, rerr := src.Read(buf)
		if n > 0 && !clientGone {
			if _, werr := w.Write(buf[:n]); werr != nil {
				clientGone = true
			} else if flusher != nil {
				flusher.Flush()
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				return nil
			}
			return rerr
		}
	}
}

func isTimeout(err error) bool {
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}
