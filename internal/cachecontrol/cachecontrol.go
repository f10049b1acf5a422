// Package cachecontrol extracts a cache lifetime from an upstream
// Cache-Control header value. It intentionally implements only the
// subset of RFC 7234 semantics the core cache decision needs: a TTL in
// seconds, or zero when the response must not be cached.
package cachecontrol

import (
	"math"
	"strings"
)

// MaxTTLSeconds is the saturation point for TTL parsing, matching the
// platform's 32-bit-seconds maximum.
const MaxTTLSeconds = math.MaxInt32

// TTLSeconds returns the non-negative TTL, in seconds, that the given
// Cache-Control header value grants.
//
// If the value contains "no-cache" or "private" (substring match), the
// TTL is 0. Otherwise "s-maxage=<digits>" is preferred over
// "max-age=<digits>" when both are present; s-maxage strictly overrides
// max-age. If neither directive is present, the TTL is 0. Numeric
// parsing is decimal, leading zeros are allowed, and overflow saturates
// to MaxTTLSeconds.
func TTLSeconds(headerValue string) int {
	lower := strings.ToLower(headerValue)
	if strings.Contains(lower, "no-cache") || strings.Contains(lower, "private") {
		return 0
	}
	if v, ok := findDirective(lower, "s-maxage"); ok {
		return v
	}
	if v, ok := findDirective(lower, "max-age"); ok {
		return v
	}
	return 0
}

// findDirective locates "name=<digits>" within a lower-cased
// Cache-Control value and parses the digit run that follows. The match
// is a simple substring scan rather than a full directive tokenizer,
// matching the source behaviour of treating the header as a flat token
// stream.
func findDirective(lower, name string) (int, bool) {
	needle := name + "="
	idx := strings.Index(lower, needle)
	if idx < 0 {
		return 0, false
	}
	rest := lower[idx+len(needle):]
	end := 0
	for end < len(rest) && rest[end] >= '0' && rest[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0, false
	}
	return parseSaturating(rest[:end]), true
}

// parseSaturating parses a decimal digit string, saturating at
// MaxTTLSeconds on overflow instead of erroring.
func parseSaturating(digits string) int {
	n := 0
	for i := 0; i < len(digits); i++ {
		n = n*10 + int(digits[i]-'0')
		if n > MaxTTLSeconds {
			return MaxTTLSeconds
		}
	}
	return n
}
