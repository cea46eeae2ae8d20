// Package request describes S3 requests independently of the endpoint they
// are sent to.
package request

import (
	"strings"

	"github.com/aws/smithy-go/encoding/httpbinding"

	"github.com/bitrise-io/go-s3stream/chunked"
)

// Pair is a single key/value entry of a Multimap.
type Pair struct {
	Key   string
	Value string
}

// Multimap is an ordered list of key/value pairs. Keys may repeat.
type Multimap []Pair

// Add appends a pair.
func (m *Multimap) Add(key, value string) {
	*m = append(*m, Pair{Key: key, Value: value})
}

// Get returns the first value stored under key.
func (m Multimap) Get(key string) (string, bool) {
	for _, p := range m {
		if p.Key == key {
			return p.Value, true
		}
	}
	return "", false
}

// GetFold is Get with case-insensitive key matching, for header maps.
func (m Multimap) GetFold(key string) (string, bool) {
	for _, p := range m {
		if strings.EqualFold(p.Key, key) {
			return p.Value, true
		}
	}
	return "", false
}

// Values returns every value stored under key, in insertion order.
func (m Multimap) Values(key string) []string {
	var values []string
	for _, p := range m {
		if p.Key == key {
			values = append(values, p.Value)
		}
	}
	return values
}

// Merge returns a new Multimap holding the pairs of m followed by the pairs
// of other.
func (m Multimap) Merge(other Multimap) Multimap {
	merged := make(Multimap, 0, len(m)+len(other))
	merged = append(merged, m...)
	return append(merged, other...)
}

// Encode renders m as a query string, keeping pair order. Keys and values are
// escaped with the SigV4 rules (everything but unreserved characters).
func (m Multimap) Encode() string {
	var b strings.Builder
	for i, p := range m {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(httpbinding.EscapePath(p.Key, true))
		b.WriteByte('=')
		b.WriteString(httpbinding.EscapePath(p.Value, true))
	}
	return b.String()
}

// Descriptor is an endpoint-agnostic description of one S3 request. It must
// not be modified after it is handed to a dispatcher.
type Descriptor struct {
	Method string

	// Bucket and Object are optional; service level requests have neither.
	Bucket string
	Object string

	// Region, when set, is used instead of the cached bucket region.
	Region string

	Query  Multimap
	Header Multimap

	// Body is nil for requests without payload.
	Body *chunked.Body

	// RequireTLS rejects the request on plain HTTP endpoints. Set when
	// headers carry key material (SSE-C).
	RequireTLS bool
}

// Builder is implemented by every endpoint specific request type. Build
// validates the endpoint's parameters and produces the descriptor; it is
// called once per logical request.
type Builder interface {
	Build() (*Descriptor, error)
}

// Build normalizes and validates d and returns it, so a bare Descriptor can
// be dispatched directly. Surrounding whitespace is stripped from Bucket; the
// trimmed name is what keys the region cache.
func (d *Descriptor) Build() (*Descriptor, error) {
	d.Bucket = strings.TrimSpace(d.Bucket)
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

// Validate checks the identifiers of d.
func (d *Descriptor) Validate() error {
	if d.Method == "" {
		return &ValidationError{Kind: InvalidRequest, Reason: "method is empty"}
	}
	if d.Bucket == "" {
		if d.Object != "" {
			return &ValidationError{Kind: InvalidBucketName, Reason: "bucket name cannot be empty when an object is addressed"}
		}
		return nil
	}
	if err := ValidateBucketName(d.Bucket); err != nil {
		return err
	}
	if d.Object != "" {
		return ValidateObjectName(d.Object)
	}
	return nil
}

// Path returns the escaped path-style request path.
func (d *Descriptor) Path() string {
	if d.Bucket == "" {
		return "/"
	}
	p := "/" + strings.TrimSpace(d.Bucket)
	if d.Object != "" {
		p += "/" + httpbinding.EscapePath(d.Object, false)
	}
	return p
}
