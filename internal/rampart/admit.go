package rampart

import (
	"context"
	"net/http"
	"time"

	"rampart/internal/cachecontrol"
	"rampart/internal/entry"
	applog "rampart/internal/log"
	"rampart/internal/mediatype"
	"rampart/internal/metrics"
)

// admissionReason evaluates the admission predicate (status 200, cacheable
// content-type, positive TTL, body under the size cap) and returns the
// rejection reason when it fails.
func admissionReason(status int, header http.Header, oversize bool) (reason string, admitted bool) {
	if status != http.StatusOK {
		return metrics.ReasonNon200, false
	}
	ct := header.Get("Content-Type")
	if ct == "" || !mediatype.Cacheable(ct) {
		return metrics.ReasonBadContentType, false
	}
	cc := header.Get("Cache-Control")
	if cc == "" || cachecontrol.TTLSeconds(cc) <= 0 {
		return metrics.ReasonTTLZero, false
	}
	if oversize {
		return metrics.ReasonOversize, false
	}
	return "", true
}

// admit applies the admission predicate to a completed origin response and,
// if it passes, performs the strictly sequential data -> meta -> delete-lock
// write-back. It is called with a context detached from the client request
// so that a client disconnect never aborts a write-back the rest of the
// cluster may be waiting on.
func (h *Handler) admit(ctx context.Context, keys entry.Keys, canonicalURL string, status int, header http.Header, body []byte, oversize bool) {
	reason, admitted := admissionReason(status, header, oversize)
	if !admitted {
		h.metrics.Rejected(reason)
		applog.LogAdmissionRejected(reason, canonicalURL)
		return
	}

	ttl := cachecontrol.TTLSeconds(header.Get("Cache-Control"))
	meta := entry.Meta{
		ExpiresAt:       time.Now().Add(time.Duration(ttl) * time.Second),
		ContentType:     header.Get("Content-Type"),
		Server:          header.Get("Server"),
		ContentEncoding: header.Get("Content-Encoding"),
		ETag:            header.Get("ETag"),
		URL:             canonicalURL,
	}
	encodedMeta, err := entry.EncodeMeta(meta)
	if err != nil {
		applog.LogCacheError("encode-meta", keys.Meta, err)
		return
	}

	h.cache.Set(ctx, keys.Data, body, 0)
	h.cache.Set(ctx, keys.Meta, encodedMeta, 0)
	h.cache.Delete(ctx, keys.Lock)
	h.metrics.Admitted()
}
