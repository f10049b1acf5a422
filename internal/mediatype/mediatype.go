// Package mediatype decides whether a Content-Type value is eligible for
// caching. Only a small, fixed set of textual/structured types are
// considered safe to store and replay verbatim.
package mediatype

import "strings"

// cacheable holds the (type, subtype-or-suffix) pairs that are allowed
// through the gate. Both plain subtypes (json, html, ...) and structured
// syntax suffixes (+json, +xml, ...) are matched against the same set.
var cacheable = map[string]map[string]struct{}{
	"application": {
		"xml":        {},
		"json":       {},
		"javascript": {},
	},
	"text": {
		"javascript": {},
		"xml":        {},
		"css":        {},
		"html":       {},
		"plain":      {},
	},
}

// Cacheable parses a Content-Type header value and reports whether the
// (type, subtype) or (type, +suffix) pair is in the allowed set.
// Parameters after ";" are discarded. Matching is case-insensitive.
// Unparseable values return false.
func Cacheable(contentType string) bool {
	typ, sub, ok := parse(contentType)
	if !ok {
		return false
	}
	subs, ok := cacheable[typ]
	if !ok {
		return false
	}
	if _, ok := subs[sub]; ok {
		return true
	}
	if idx := strings.LastIndexByte(sub, '+'); idx >= 0 {
		if _, ok := subs[sub[idx+1:]]; ok {
			return true
		}
	}
	return false
}

// parse splits a Content-Type header into lower-cased (type, subtype),
// discarding any ";"-delimited parameters.
func parse(contentType string) (typ, sub string, ok bool) {
	v := contentType
	if idx := strings.IndexByte(v, ';'); idx >= 0 {
		v = v[:idx]
	}
	v = strings.TrimSpace(v)
	if v == "" {
		return "", "", false
	}
	slash := strings.IndexByte(v, '/')
	if slash <= 0 || slash == len(v)-1 {
		return "", "", false
	}
	typ = strings.ToLower(strings.TrimSpace(v[:slash]))
	sub = strings.ToLower(strings.TrimSpace(v[slash+1:]))
	if typ == "" || sub == "" {
		return "", "", false
	}
	return typ, sub, true
}
