package client

import (
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ObjectInfo is the metadata of a stored object.
type ObjectInfo struct {
	Bucket       string
	Object       string
	Size         int64
	ETag         string
	LastModified time.Time
	VersionID    string
	ContentType  string
	// Metadata holds user metadata with lower case keys and the
	// x-amz-meta- prefix removed.
	Metadata map[string]string
}

// Object is a GetObject response. The caller must close Body.
type Object struct {
	ObjectInfo
	// ContentLength is the number of bytes in Body; it differs from Size
	// for ranged reads.
	ContentLength int64
	Body          io.ReadCloser
}

// PutResult is returned by PutObject.
type PutResult struct {
	ETag      string
	VersionID string
}

// AppendResult describes an object after an append.
type AppendResult struct {
	ETag      string
	VersionID string
	// ObjectSize is the object size reported by the store, or -1 when the
	// store did not send it.
	ObjectSize int64

	// Appended and Chunks count what a multi-chunk append wrote.
	Appended int64
	Chunks   int
}

// Part is an uploaded part of a multipart upload.
type Part struct {
	Number int
	ETag   string
	Size   int64
}

func trimETag(etag string) string {
	return strings.Trim(etag, `"`)
}

func objectInfoFromHeader(bucket, object string, h http.Header) (*ObjectInfo, error) {
	info := &ObjectInfo{
		Bucket:      bucket,
		Object:      object,
		Size:        -1,
		ETag:        trimETag(h.Get("ETag")),
		VersionID:   h.Get(HeaderVersionID),
		ContentType: h.Get("Content-Type"),
		Metadata:    map[string]string{},
	}

	if v := h.Get("Content-Length"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse Content-Length %q: %w", v, err)
		}
		info.Size = n
	}
	// a ranged response reports the full size after the slash
	if v := h.Get("Content-Range"); v != "" {
		if i := strings.LastIndexByte(v, '/'); i >= 0 && v[i+1:] != "*" {
			n, err := strconv.ParseInt(v[i+1:], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("parse Content-Range %q: %w", v, err)
			}
			info.Size = n
		}
	}

	if v := h.Get("Last-Modified"); v != "" {
		t, err := http.ParseTime(v)
		if err != nil {
			return nil, fmt.Errorf("parse Last-Modified %q: %w", v, err)
		}
		info.LastModified = t
	}

	for k, v := range h {
		if len(v) == 0 || len(k) <= len(metadataPrefix) || !strings.EqualFold(k[:len(metadataPrefix)], metadataPrefix) {
			continue
		}
		info.Metadata[strings.ToLower(k[len(metadataPrefix):])] = v[0]
	}

	return info, nil
}

func appendResultFromHeader(h http.Header) (*AppendResult, error) {
	res := &AppendResult{
		ETag:       trimETag(h.Get("ETag")),
		VersionID:  h.Get(HeaderVersionID),
		ObjectSize: -1,
	}
	if v := h.Get(HeaderObjectSize); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse %s %q: %w", HeaderObjectSize, v, err)
		}
		res.ObjectSize = n
	}
	return res, nil
}

type locationConstraint struct {
	XMLName  xml.Name `xml:"LocationConstraint"`
	Location string   `xml:",chardata"`
}

// parseLocation decodes a GetBucketLocation document. An empty constraint
// means us-east-1 and the legacy "EU" value means eu-west-1.
func parseLocation(body []byte) (string, error) {
	var lc locationConstraint
	if err := xml.Unmarshal(body, &lc); err != nil {
		return "", fmt.Errorf("decode location constraint: %w", err)
	}
	switch loc := strings.TrimSpace(lc.Location); loc {
	case "":
		return "us-east-1", nil
	case "EU":
		return "eu-west-1", nil
	default:
		return loc, nil
	}
}
