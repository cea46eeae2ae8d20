// Package testutil provides an in-memory S3-compatible server for tests.
package testutil

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ModTime is the Last-Modified time of every stored object.
var ModTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// Object is a stored object.
type Object struct {
	Data        []byte
	ContentType string
	Metadata    map[string]string
	VersionID   string
}

// ETag returns the quoted MD5 of the object data.
func (o *Object) ETag() string {
	return etag(o.Data)
}

// Request is a request received by the server.
type Request struct {
	Method   string
	Bucket   string
	Key      string
	Query    string
	Header   http.Header
	Region   string
	BodySize int
}

type bucket struct {
	region  string
	objects map[string]*Object
	parts   map[string]map[int][]byte
}

// S3Server is a path-style S3 endpoint backed by memory. Requests must carry
// a SigV4 Authorization header signed for the bucket's region; signatures are
// not verified.
type S3Server struct {
	*httptest.Server

	mu       sync.Mutex
	buckets  map[string]*bucket
	requests []Request
	versions int
	failures map[string]int
}

// NewS3Server starts a plain HTTP server.
func NewS3Server() *S3Server {
	s := &S3Server{buckets: map[string]*bucket{}, failures: map[string]int{}}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// NewTLSS3Server starts an HTTPS server. Use its Client() to talk to it.
func NewTLSS3Server() *S3Server {
	s := &S3Server{buckets: map[string]*bucket{}, failures: map[string]int{}}
	s.Server = httptest.NewTLSServer(http.HandlerFunc(s.handle))
	return s
}

// CreateBucket adds an empty bucket located in region.
func (s *S3Server) CreateBucket(name, region string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buckets[name] = &bucket{region: region, objects: map[string]*Object{}, parts: map[string]map[int][]byte{}}
}

// MoveBucket changes the region of an existing bucket.
func (s *S3Server) MoveBucket(name, region string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buckets[name].region = region
}

// PutObject stores data under key.
func (s *S3Server) PutObject(bucketName, key string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buckets[bucketName].objects[key] = &Object{Data: append([]byte(nil), data...), ContentType: "application/octet-stream"}
}

// Object returns a copy of the stored object.
func (s *S3Server) Object(bucketName, key string) (Object, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[bucketName]
	if !ok {
		return Object{}, false
	}
	o, ok := b.objects[key]
	if !ok {
		return Object{}, false
	}
	return *o, true
}

// Parts returns the uploaded parts of uploadID by part number.
func (s *S3Server) Parts(bucketName, uploadID string) map[int][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	parts := map[int][]byte{}
	for n, p := range s.buckets[bucketName].parts[uploadID] {
		parts[n] = p
	}
	return parts
}

// Requests returns every request received so far.
func (s *S3Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// FailNext makes the next n requests with the given method drop their
// connection before a response is written.
func (s *S3Server) FailNext(method string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[method] = n
}

func (s *S3Server) handle(w http.ResponseWriter, r *http.Request) {
	bucketName, key := splitPath(r.URL.Path)
	body, _ := io.ReadAll(r.Body)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests = append(s.requests, Request{
		Method:   r.Method,
		Bucket:   bucketName,
		Key:      key,
		Query:    r.URL.RawQuery,
		Header:   r.Header.Clone(),
		Region:   signedRegion(r),
		BodySize: len(body),
	})

	if n := s.failures[r.Method]; n > 0 {
		s.failures[r.Method] = n - 1
		if hj, ok := w.(http.Hijacker); ok {
			if conn, _, err := hj.Hijack(); err == nil {
				conn.Close() //nolint:errcheck
				return
			}
		}
	}

	if !strings.HasPrefix(r.Header.Get("Authorization"), "AWS4-HMAC-SHA256 ") {
		writeError(w, r, http.StatusForbidden, "AccessDenied", "Missing signature", "")
		return
	}

	b, ok := s.buckets[bucketName]
	if !ok {
		writeError(w, r, http.StatusNotFound, "NoSuchBucket", "The specified bucket does not exist", "")
		return
	}

	if key == "" && r.Method == http.MethodGet && r.URL.Query().Has("location") {
		constraint := b.region
		if constraint == "us-east-1" {
			constraint = ""
		}
		w.Header().Set("Content-Type", "application/xml")
		fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?>`+"\n"+`<LocationConstraint xmlns="http://s3.amazonaws.com/doc/2006-03-01/">%s</LocationConstraint>`, constraint) //nolint:errcheck
		return
	}

	if signed := signedRegion(r); signed != b.region {
		w.Header().Set("X-Amz-Bucket-Region", b.region)
		writeError(w, r, http.StatusBadRequest, "AuthorizationHeaderMalformed",
			fmt.Sprintf("the region '%s' is wrong; expecting '%s'", signed, b.region), b.region)
		return
	}

	if r.Header.Get("X-Amz-Server-Side-Encryption-Customer-Algorithm") != "" && r.TLS == nil {
		writeError(w, r, http.StatusBadRequest, "InvalidRequest", "Requests specifying Server Side Encryption with Customer provided keys must be made over a secure connection.", "")
		return
	}

	if key == "" {
		switch r.Method {
		case http.MethodHead, http.MethodGet:
			w.WriteHeader(http.StatusOK)
		default:
			writeError(w, r, http.StatusMethodNotAllowed, "MethodNotAllowed", "The specified method is not allowed against this resource.", "")
		}
		return
	}

	switch r.Method {
	case http.MethodHead, http.MethodGet:
		s.getObject(w, r, b, key)
	case http.MethodPut:
		s.putObject(w, r, b, key, body)
	case http.MethodDelete:
		delete(b.objects, key)
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, r, http.StatusMethodNotAllowed, "MethodNotAllowed", "The specified method is not allowed against this resource.", "")
	}
}

func (s *S3Server) getObject(w http.ResponseWriter, r *http.Request, b *bucket, key string) {
	o, ok := b.objects[key]
	if !ok {
		writeError(w, r, http.StatusNotFound, "NoSuchKey", "The specified key does not exist.", "")
		return
	}
	if v := r.URL.Query().Get("versionId"); v != "" && v != o.VersionID {
		writeError(w, r, http.StatusNotFound, "NoSuchVersion", "The specified version does not exist.", "")
		return
	}

	h := w.Header()
	h.Set("ETag", o.ETag())
	h.Set("Last-Modified", ModTime.Format(http.TimeFormat))
	h.Set("Content-Type", o.ContentType)
	h.Set("Accept-Ranges", "bytes")
	if o.VersionID != "" {
		h.Set("X-Amz-Version-Id", o.VersionID)
	}
	keys := make([]string, 0, len(o.Metadata))
	for k := range o.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.Set("X-Amz-Meta-"+k, o.Metadata[k])
	}

	data := o.Data
	status := http.StatusOK
	if rng := r.Header.Get("Range"); rng != "" {
		start, end, ok := parseRange(rng, int64(len(data)))
		if !ok {
			writeError(w, r, http.StatusRequestedRangeNotSatisfiable, "InvalidRange", "The requested range is not satisfiable", "")
			return
		}
		h.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(data)))
		data = data[start : end+1]
		status = http.StatusPartialContent
	}

	h.Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(status)
	if r.Method == http.MethodGet {
		w.Write(data) //nolint:errcheck
	}
}

func (s *S3Server) putObject(w http.ResponseWriter, r *http.Request, b *bucket, key string, body []byte) {
	q := r.URL.Query()

	if uploadID := q.Get("uploadId"); uploadID != "" {
		n, err := strconv.Atoi(q.Get("partNumber"))
		if err != nil || n < 1 || n > 10000 {
			writeError(w, r, http.StatusBadRequest, "InvalidArgument", "Part number must be an integer between 1 and 10000, inclusive", "")
			return
		}
		if b.parts[uploadID] == nil {
			b.parts[uploadID] = map[int][]byte{}
		}
		b.parts[uploadID][n] = body
		w.Header().Set("ETag", etag(body))
		w.WriteHeader(http.StatusOK)
		return
	}

	s.versions++
	version := fmt.Sprintf("v%d", s.versions)

	if offsetHeader := r.Header.Get("X-Amz-Write-Offset-Bytes"); offsetHeader != "" {
		offset, err := strconv.ParseInt(offsetHeader, 10, 64)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "InvalidArgument", "invalid write offset", "")
			return
		}
		o, ok := b.objects[key]
		if !ok {
			o = &Object{ContentType: "application/octet-stream"}
		}
		if offset != int64(len(o.Data)) {
			writeError(w, r, http.StatusBadRequest, "InvalidWriteOffset",
				fmt.Sprintf("write offset %d does not match object size %d", offset, len(o.Data)), "")
			return
		}
		o.Data = append(o.Data, body...)
		o.VersionID = version
		b.objects[key] = o

		w.Header().Set("ETag", o.ETag())
		w.Header().Set("X-Amz-Version-Id", version)
		w.Header().Set("X-Amz-Object-Size", strconv.Itoa(len(o.Data)))
		w.WriteHeader(http.StatusOK)
		return
	}

	o := &Object{
		Data:        body,
		ContentType: r.Header.Get("Content-Type"),
		Metadata:    map[string]string{},
		VersionID:   version,
	}
	for k, v := range r.Header {
		if strings.HasPrefix(strings.ToLower(k), "x-amz-meta-") && len(v) > 0 {
			o.Metadata[strings.ToLower(k[len("x-amz-meta-"):])] = v[0]
		}
	}
	b.objects[key] = o

	w.Header().Set("ETag", o.ETag())
	w.Header().Set("X-Amz-Version-Id", version)
	w.WriteHeader(http.StatusOK)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message, region string) {
	w.Header().Set("X-Amz-Request-Id", "fake-request")
	if r.Method == http.MethodHead {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	regionElement := ""
	if region != "" {
		regionElement = "<Region>" + region + "</Region>"
	}
	fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?>`+"\n"+ //nolint:errcheck
		`<Error><Code>%s</Code><Message>%s</Message><Resource>%s</Resource><RequestId>fake-request</RequestId>%s</Error>`,
		code, message, r.URL.Path, regionElement)
}

func splitPath(p string) (string, string) {
	p = strings.TrimPrefix(p, "/")
	bucketName, key, _ := strings.Cut(p, "/")
	return bucketName, key
}

func signedRegion(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	_, scope, ok := strings.Cut(auth, "Credential=")
	if !ok {
		return ""
	}
	scope, _, _ = strings.Cut(scope, ",")
	parts := strings.Split(scope, "/")
	if len(parts) < 3 {
		return ""
	}
	return parts[2]
}

func parseRange(header string, size int64) (int64, int64, bool) {
	bounds, ok := strings.CutPrefix(header, "bytes=")
	if !ok {
		return 0, 0, false
	}
	from, to, ok := strings.Cut(bounds, "-")
	if !ok {
		return 0, 0, false
	}
	start, err := strconv.ParseInt(from, 10, 64)
	if err != nil || start >= size {
		return 0, 0, false
	}
	end := size - 1
	if to != "" {
		end, err = strconv.ParseInt(to, 10, 64)
		if err != nil || end < start {
			return 0, 0, false
		}
		if end >= size {
			end = size - 1
		}
	}
	return start, end, true
}

func etag(data []byte) string {
	sum := md5.Sum(data)
	return `"` + hex.EncodeToString(sum[:]) + `"`
}
