package client

import (
	"crypto/md5"
	"encoding/base64"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/bitrise-io/go-s3stream/chunked"
	"github.com/bitrise-io/go-s3stream/request"
)

const (
	HeaderWriteOffset = "X-Amz-Write-Offset-Bytes"
	HeaderObjectSize  = "X-Amz-Object-Size"
	HeaderVersionID   = "X-Amz-Version-Id"

	headerSSECAlgorithm = "X-Amz-Server-Side-Encryption-Customer-Algorithm"
	headerSSECKey       = "X-Amz-Server-Side-Encryption-Customer-Key"
	headerSSECKeyMD5    = "X-Amz-Server-Side-Encryption-Customer-Key-Md5"
	metadataPrefix      = "X-Amz-Meta-"

	// MaxPartNumber is the highest part number a multipart upload accepts.
	MaxPartNumber = 10000

	sseCustomerKeyLength = 32
)

// ObjectOptions are shared by every object level request.
type ObjectOptions struct {
	// Headers and Query are appended to the request as given.
	Headers request.Multimap
	Query   request.Multimap

	// SSECustomerKey is a 256-bit key for server-side encryption with a
	// customer-provided key. Requests carrying it are refused on plain HTTP
	// endpoints.
	SSECustomerKey []byte

	// Region overrides the cached bucket region.
	Region string
}

func (o ObjectOptions) apply(d *request.Descriptor) error {
	d.Region = o.Region
	d.Query = d.Query.Merge(o.Query)
	d.Header = d.Header.Merge(o.Headers)

	if o.SSECustomerKey == nil {
		return nil
	}
	if len(o.SSECustomerKey) != sseCustomerKeyLength {
		return &request.ValidationError{
			Kind:   request.InvalidRequest,
			Reason: fmt.Sprintf("customer key must be %d bytes, got %d", sseCustomerKeyLength, len(o.SSECustomerKey)),
		}
	}
	sum := md5.Sum(o.SSECustomerKey)
	d.Header.Add(headerSSECAlgorithm, "AES256")
	d.Header.Add(headerSSECKey, base64.StdEncoding.EncodeToString(o.SSECustomerKey))
	d.Header.Add(headerSSECKeyMD5, base64.StdEncoding.EncodeToString(sum[:]))
	d.RequireTLS = true
	return nil
}

func build(d *request.Descriptor, opts ObjectOptions) (*request.Descriptor, error) {
	if err := opts.apply(d); err != nil {
		return nil, err
	}
	return d.Build()
}

// StatObject reads object metadata with HEAD.
type StatObject struct {
	Bucket    string
	Object    string
	VersionID string
	Options   ObjectOptions
}

// Build implements request.Builder.
func (r StatObject) Build() (*request.Descriptor, error) {
	d := &request.Descriptor{Method: http.MethodHead, Bucket: r.Bucket, Object: r.Object}
	if r.Object == "" {
		return nil, &request.ValidationError{Kind: request.InvalidObjectName, Reason: "object name cannot be empty"}
	}
	if r.VersionID != "" {
		d.Query.Add("versionId", r.VersionID)
	}
	return build(d, r.Options)
}

// ByteRange is an inclusive byte range. End < 0 reads to the end of the
// object.
type ByteRange struct {
	Start int64
	End   int64
}

func (r ByteRange) header() (string, error) {
	if r.Start < 0 {
		return "", fmt.Errorf("range start must not be negative: %d", r.Start)
	}
	if r.End < 0 {
		return fmt.Sprintf("bytes=%d-", r.Start), nil
	}
	if r.End < r.Start {
		return "", fmt.Errorf("range end %d is before start %d", r.End, r.Start)
	}
	return fmt.Sprintf("bytes=%d-%d", r.Start, r.End), nil
}

// GetObject downloads an object or a byte range of it.
type GetObject struct {
	Bucket    string
	Object    string
	VersionID string
	Range     *ByteRange
	Options   ObjectOptions
}

// Build implements request.Builder.
func (r GetObject) Build() (*request.Descriptor, error) {
	if r.Object == "" {
		return nil, &request.ValidationError{Kind: request.InvalidObjectName, Reason: "object name cannot be empty"}
	}
	d := &request.Descriptor{Method: http.MethodGet, Bucket: r.Bucket, Object: r.Object}
	if r.VersionID != "" {
		d.Query.Add("versionId", r.VersionID)
	}
	if r.Range != nil {
		h, err := r.Range.header()
		if err != nil {
			return nil, &request.ValidationError{Kind: request.InvalidRequest, Reason: err.Error()}
		}
		d.Header.Add("Range", h)
	}
	return build(d, r.Options)
}

// PutObject creates or replaces an object.
type PutObject struct {
	Bucket      string
	Object      string
	Body        *chunked.Body
	ContentType string
	// Metadata is sent as x-amz-meta-* headers.
	Metadata map[string]string
	Options  ObjectOptions
}

// Build implements request.Builder.
func (r PutObject) Build() (*request.Descriptor, error) {
	if r.Object == "" {
		return nil, &request.ValidationError{Kind: request.InvalidObjectName, Reason: "object name cannot be empty"}
	}
	body := r.Body
	if body == nil {
		body = chunked.Empty()
	}
	d := &request.Descriptor{Method: http.MethodPut, Bucket: r.Bucket, Object: r.Object, Body: body}
	if r.ContentType != "" {
		d.Header.Add("Content-Type", r.ContentType)
	}
	keys := make([]string, 0, len(r.Metadata))
	for k := range r.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		d.Header.Add(metadataPrefix+k, r.Metadata[k])
	}
	return build(d, r.Options)
}

// AppendObject writes Body at Offset of an appendable object. Offset must be
// the current object size.
type AppendObject struct {
	Bucket  string
	Object  string
	Offset  int64
	Body    *chunked.Body
	Options ObjectOptions
}

// Build implements request.Builder.
func (r AppendObject) Build() (*request.Descriptor, error) {
	if r.Object == "" {
		return nil, &request.ValidationError{Kind: request.InvalidObjectName, Reason: "object name cannot be empty"}
	}
	if r.Offset < 0 {
		return nil, &request.ValidationError{Kind: request.InvalidRequest, Reason: fmt.Sprintf("write offset must not be negative: %d", r.Offset)}
	}
	if r.Body == nil {
		return nil, &request.ValidationError{Kind: request.InvalidRequest, Reason: "append requires a body"}
	}
	d := &request.Descriptor{Method: http.MethodPut, Bucket: r.Bucket, Object: r.Object, Body: r.Body}
	d.Header.Add(HeaderWriteOffset, strconv.FormatInt(r.Offset, 10))
	return build(d, r.Options)
}

// UploadPart uploads one part of a multipart upload.
type UploadPart struct {
	Bucket     string
	Object     string
	UploadID   string
	PartNumber int
	Body       *chunked.Body
	Options    ObjectOptions
}

// Build implements request.Builder.
func (r UploadPart) Build() (*request.Descriptor, error) {
	if r.Object == "" {
		return nil, &request.ValidationError{Kind: request.InvalidObjectName, Reason: "object name cannot be empty"}
	}
	if r.UploadID == "" {
		return nil, &request.ValidationError{Kind: request.InvalidRequest, Reason: "upload ID cannot be empty"}
	}
	if r.PartNumber < 1 || r.PartNumber > MaxPartNumber {
		return nil, &request.ValidationError{Kind: request.InvalidRequest, Reason: fmt.Sprintf("part number must be between 1 and %d, got %d", MaxPartNumber, r.PartNumber)}
	}
	body := r.Body
	if body == nil {
		body = chunked.Empty()
	}
	d := &request.Descriptor{Method: http.MethodPut, Bucket: r.Bucket, Object: r.Object, Body: body}
	d.Query.Add("partNumber", strconv.Itoa(r.PartNumber))
	d.Query.Add("uploadId", r.UploadID)
	return build(d, r.Options)
}

// DeleteObject removes an object or one version of it.
type DeleteObject struct {
	Bucket    string
	Object    string
	VersionID string
	Options   ObjectOptions
}

// Build implements request.Builder.
func (r DeleteObject) Build() (*request.Descriptor, error) {
	if r.Object == "" {
		return nil, &request.ValidationError{Kind: request.InvalidObjectName, Reason: "object name cannot be empty"}
	}
	d := &request.Descriptor{Method: http.MethodDelete, Bucket: r.Bucket, Object: r.Object}
	if r.VersionID != "" {
		d.Query.Add("versionId", r.VersionID)
	}
	return build(d, r.Options)
}

// BucketLocation asks for the region of a bucket. Region is the region the
// request is signed for; location requests are answered from any region.
type BucketLocation struct {
	Bucket string
	Region string
}

// Build implements request.Builder.
func (r BucketLocation) Build() (*request.Descriptor, error) {
	if strings.TrimSpace(r.Bucket) == "" {
		return nil, &request.ValidationError{Kind: request.InvalidBucketName, Reason: "bucket name cannot be empty"}
	}
	d := &request.Descriptor{Method: http.MethodGet, Bucket: r.Bucket, Region: r.Region}
	d.Query.Add("location", "")
	return d.Build()
}
