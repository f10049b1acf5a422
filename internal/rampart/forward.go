package rampart

import (
	"context"
	"net"
	"net/http"
	"net/url"
)

// hopHeaders lists headers that are connection-scoped and must never be
// forwarded or cached, per RFC 7230 section 6.1.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
}

// copyHeader appends every value from src into dst.
func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

// sanitizeHeaders returns a copy of headers with hop-by-hop headers removed.
func sanitizeHeaders(headers http.Header) http.Header {
	sanitized := make(http.Header, len(headers))
	copyHeader(sanitized, headers)
	for _, h := range hopHeaders {
		sanitized.Del(h)
	}
	return sanitized
}

// newOutboundRequest builds the request sent to the origin: target
// rewritten to the canonical path+query against the origin base, hop-by-hop
// headers stripped, and X-Forwarded-*/Host set per the forwarding contract.
// ctx is deliberately independent of clientReq's own context — see
// forwardAndAdmit's cancellation note.
func newOutboundRequest(ctx context.Context, clientReq *http.Request, origin *url.URL, pathQuery string) (*http.Request, error) {
	target := *origin
	u, err := url.Parse(pathQuery)
	if err != nil {
		return nil, err
	}
	target.Path = u.Path
	target.RawQuery = u.RawQuery

	outbound, err := http.NewRequestWithContext(ctx, clientReq.Method, target.String(), nil)
	if err != nil {
		return nil, err
	}
	copyHeader(outbound.Header, clientReq.Header)
	for _, h := range hopHeaders {
		outbound.Header.Del(h)
	}

	if clientIP, _, err := net.SplitHostPort(clientReq.RemoteAddr); err == nil && clientIP != "" {
		if xff := outbound.Header.Get("X-Forwarded-For"); xff != "" {
			outbound.Header.Set("X-Forwarded-For", xff+", "+clientIP)
		} else {
			outbound.Header.Set("X-Forwarded-For", clientIP)
		}
	}
	outbound.Header.Set("X-Forwarded-Proto", schemeOf(clientReq))
	outbound.Header.Set("X-Forwarded-Host", clientReq.Host)
	outbound.Host = origin.Host

	return outbound, nil
}

func schemeOf(req *http.Request) string {
	if req.TLS != nil {
		return "https"
	}
	if sch := req.Header.Get("X-Forwarded-Proto"); sch != "" {
		return sch
	}
	return "http"
}
