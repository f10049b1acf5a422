// Package canon canonicalises inbound request URLs against a configured
// upstream base and derives the stable 64-bit fingerprint used to key
// the distributed cache. A bounded LRU memoises raw-URL -> canonical-URL
// lookups; it is a performance aid only, never a correctness dependency.
package canon

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/cespare/xxhash/v2"
)

// memoCapacity is the bounded LRU capacity for raw->canonical memoisation.
const memoCapacity = 1000

// InvalidURLError reports that a raw request suffix could not be
// resolved against the upstream base into a hierarchical HTTP URL.
type InvalidURLError struct {
	Raw string
	Err error
}

func (e *InvalidURLError) Error() string {
	return fmt.Sprintf("canon: invalid url %q: %v", e.Raw, e.Err)
}

func (e *InvalidURLError) Unwrap() error { return e.Err }

// Result is a canonicalised request: the absolute canonical URL and the
// path+query portion used both as the rewritten upstream request target
// and as the fingerprint input.
type Result struct {
	Canonical  *url.URL
	PathQuery  string
	Fingerprint uint64
}

// Canonicaliser canonicalises request URLs against a fixed upstream
// base, with a per-instance memoisation cache and a configurable set of
// query-parameter keys to strip (e.g. analytics params).
type Canonicaliser struct {
	base       *url.URL
	removeKeys map[string]struct{}
	memo       *lru.Cache[string, Result]
}

// New builds a Canonicaliser for the given upstream base (scheme+host
// [+port][+basepath]; "http://" is prefixed if the scheme is missing)
// and a set of query-parameter keys to remove from every canonical URL.
func New(upstreamBase string, removeKeys []string) (*Canonicaliser, error) {
	baseStr := upstreamBase
	if !strings.Contains(baseStr, "://") {
		baseStr = "http://" + baseStr
	}
	base, err := url.Parse(baseStr)
	if err != nil || base.Host == "" {
		return nil, &InvalidURLError{Raw: upstreamBase, Err: fmt.Errorf("not a hierarchical http(s) base")}
	}

	removed := make(map[string]struct{}, len(removeKeys))
	for _, k := range removeKeys {
		if k == "" {
			continue
		}
		removed[k] = struct{}{}
	}

	memo, err := lru.New[string, Result](memoCapacity)
	if err != nil {
		return nil, fmt.Errorf("canon: building memo cache: %w", err)
	}

	return &Canonicaliser{base: base, removeKeys: removed, memo: memo}, nil
}

// Canonicalise normalises the inbound request URL suffix (path+query, as
// seen by the proxy's listener) into its canonical absolute form and
// computes the fingerprint used for the cache keys.
//
// Rules, applied in order: resolve the suffix against the upstream base;
// collapse "." / ".." segments and duplicate slashes; lowercase scheme
// and host; strip a default port; sort query parameters lexicographically
// by key (preserving the internal order of repeated keys); normalise
// percent-encoding to uppercase hex with unreserved characters decoded;
// and drop any query key present in the configured remove-keys set.
func (c *Canonicaliser) Canonicalise(rawSuffix string) (Result, error) {
	if cached, ok := c.memo.Get(rawSuffix); ok {
		return cached, nil
	}

	suffix, err := url.Parse(rawSuffix)
	if err != nil {
		return Result{}, &InvalidURLError{Raw: rawSuffix, Err: err}
	}

	resolved := c.base.ResolveReference(suffix)
	if resolved.Host == "" || !resolved.IsAbs() {
		return Result{}, &InvalidURLError{Raw: rawSuffix, Err: fmt.Errorf("does not resolve to an absolute URL")}
	}

	resolved.Path = cleanPath(resolved.Path)
	resolved.Scheme = strings.ToLower(resolved.Scheme)
	resolved.Host = stripDefaultPort(strings.ToLower(resolved.Host), resolved.Scheme)
	resolved.RawQuery = sortAndFilterQuery(resolved.RawQuery, c.removeKeys)
	resolved.Path = normalizeEscaping(resolved.Path)

	pathQuery := resolved.Path
	if resolved.RawQuery != "" {
		pathQuery += "?" + resolved.RawQuery
	}
	if pathQuery == "" {
		pathQuery = "/"
	}

	result := Result{
		Canonical:   resolved,
		PathQuery:   pathQuery,
		Fingerprint: Fingerprint(pathQuery),
	}
	c.memo.Add(rawSuffix, result)
	return result, nil
}

// Fingerprint derives the stable 64-bit identifier for a canonical
// path+query using a fixed, well-distributed non-cryptographic hash.
// Every proxy instance sharing the same cache cluster must agree on this
// function.
func Fingerprint(canonicalPathQuery string) uint64 {
	return xxhash.Sum64String(canonicalPathQuery)
}

// cleanPath resolves "." and ".." segments and collapses duplicate
// slashes, the same way path.Clean does, but preserves a trailing slash
// and guarantees a leading slash.
func cleanPath(p string) string {
	if p == "" {
		return "/"
	}
	trailingSlash := strings.HasSuffix(p, "/") && p != "/"

	segments := strings.Split(p, "/")
	out := make([]string, 0, len(segments))
	for _, seg := range segments {
		switch seg {
		case "", ".":
			// drop empty (duplicate slash) and current-dir segments
		case "..":
			if len(out) > 0 {
				out = out[:len(out)-1]
			}
		default:
			out = append(out, seg)
		}
	}
	cleaned := "/" + strings.Join(out, "/")
	if trailingSlash && cleaned != "/" {
		cleaned += "/"
	}
	return cleaned
}

// stripDefaultPort removes ":80" from an http host (the only default
// port the spec requires normalising).
func stripDefaultPort(host, scheme string) string {
	if scheme == "http" && strings.HasSuffix(host, ":80") {
		return strings.TrimSuffix(host, ":80")
	}
	return host
}

// sortAndFilterQuery sorts query parameters lexicographically by key
// (preserving multi-valued parameters' internal order) and removes any
// key present in removeKeys.
func sortAndFilterQuery(rawQuery string, removeKeys map[string]struct{}) string {
	if rawQuery == "" {
		return ""
	}
	values, _ := url.ParseQuery(rawQuery)
	keys := make([]string, 0, len(values))
	for k := range values {
		if _, removed := removeKeys[k]; removed {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		for j, v := range values[k] {
			if i > 0 || j > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	return b.String()
}

// normalizeEscaping re-escapes a path so that percent-encoded octets use
// uppercase hex digits and unreserved characters are decoded, matching
// canonicalisation rule 7.
func normalizeEscaping(p string) string {
	decoded, err := url.PathUnescape(p)
	if err != nil {
		return p
	}
	var b strings.Builder
	for i := 0; i < len(decoded); i++ {
		c := decoded[i]
		if isUnreserved(c) {
			b.WriteByte(c)
			continue
		}
		fmt.Fprintf(&b, "%%%02X", c)
	}
	return b.String()
}

func isUnreserved(c byte) bool {
	switch {
	case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		return true
	case c == '-' || c == '_' || c == '.' || c == '~' || c == '/':
		return true
	}
	return false
}
