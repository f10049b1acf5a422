package mediatype_test

import (
	"testing"

	"rampart/internal/mediatype"
)

func TestCacheable(t *testing.T) {
	cases := []struct {
		contentType string
		want        bool
	}{
		{"application/json", true},
		{"application/json; charset=utf-8", true},
		{"APPLICATION/JSON", true},
		{"application/xml", true},
		{"application/javascript", true},
		{"text/html; charset=utf-8", true},
		{"text/plain", true},
		{"text/css", true},
		{"text/javascript", true},
		{"application/vnd.api+json", true},
		{"application/problem+xml", true},
		{"image/png", false},
		{"image/svg+xml", false}, // "image" is not an allowed top-level type
		{"application/octet-stream", false},
		{"", false},
		{"garbage", false},
		{"application/", false},
		{"/json", false},
	}
	for _, c := range cases {
		if got := mediatype.Cacheable(c.contentType); got != c.want {
			t.Errorf("Cacheable(%q) = %v, want %v", c.contentType, got, c.want)
		}
	}
}
