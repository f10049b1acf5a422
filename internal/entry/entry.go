// Package entry models the per-fingerprint cache entry: the triple of
// {data, meta, lock} records described by the data model, and the
// stable key names under which they are stored in the distributed
// cache. Encoding is a cluster-private wire format (gob): only rampart
// instances themselves ever read or write these bytes, so the encoding
// is not part of any external contract, but every instance sharing a
// cluster must agree on it.
package entry

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"time"
)

// Keys holds the three cache keys derived from a fingerprint.
type Keys struct {
	Data string
	Meta string
	Lock string
}

// KeysFor builds the rampart-<fingerprint>-{data,meta,lock} key triple.
func KeysFor(fingerprint uint64) Keys {
	return Keys{
		Data: fmt.Sprintf("rampart-%d-data", fingerprint),
		Meta: fmt.Sprintf("rampart-%d-meta", fingerprint),
		Lock: fmt.Sprintf("rampart-%d-lock", fingerprint),
	}
}

// MaxBodyBytes is the strict upper bound on cached response bodies.
const MaxBodyBytes = 1 << 20 // 1,048,576

// lockSentinel is the truthy value written for a lock key; its presence,
// not its content, is the signal.
var lockSentinel = []byte{0x01}

// Meta is the structured record stored under the meta key.
type Meta struct {
	ExpiresAt       time.Time
	ContentType     string
	Server          string
	ContentEncoding string
	ETag            string
	URL             string
}

// Fresh reports whether the entry has not yet expired relative to now.
func (m Meta) Fresh(now time.Time) bool {
	return m.ExpiresAt.After(now)
}

// EncodeMeta serialises a Meta record using the cluster-private gob
// encoding every rampart instance must agree on.
func EncodeMeta(m Meta) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(m); err != nil {
		return nil, fmt.Errorf("entry: encoding meta: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeMeta parses bytes previously produced by EncodeMeta.
func DecodeMeta(raw []byte) (Meta, error) {
	var m Meta
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&m); err != nil {
		return Meta{}, fmt.Errorf("entry: decoding meta: %w", err)
	}
	return m, nil
}

// LockValue returns the truthy sentinel value written for a lock key.
func LockValue() []byte {
	return append([]byte(nil), lockSentinel...)
}
