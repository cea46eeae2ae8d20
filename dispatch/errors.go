package dispatch

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"net/http"
	"strings"

	"github.com/aws/smithy-go"
)

// Code is a server error code. Codes the dispatcher acts on, or that callers
// commonly branch on, have their own value; every other code maps to
// CodeUnknown and is kept verbatim in ProtocolError.RawCode.
type Code int

const (
	CodeUnknown Code = iota
	CodeAccessDenied
	CodeNoSuchBucket
	CodeNoSuchKey
	CodeNoSuchUpload
	CodeMethodNotAllowed
	CodeResourceConflict
	CodeResourceNotFound
	CodeSignatureDoesNotMatch
	CodeInvalidAccessKeyID
	CodeInvalidWriteOffset
	CodeAuthorizationHeaderMalformed
	CodePermanentRedirect
	CodeTemporaryRedirect
	CodeRetryHead

	numCodes
)

var codeNames = [numCodes]string{
	CodeUnknown:                      "UnknownError",
	CodeAccessDenied:                 "AccessDenied",
	CodeNoSuchBucket:                 "NoSuchBucket",
	CodeNoSuchKey:                    "NoSuchKey",
	CodeNoSuchUpload:                 "NoSuchUpload",
	CodeMethodNotAllowed:             "MethodNotAllowed",
	CodeResourceConflict:             "ResourceConflict",
	CodeResourceNotFound:             "ResourceNotFound",
	CodeSignatureDoesNotMatch:        "SignatureDoesNotMatch",
	CodeInvalidAccessKeyID:           "InvalidAccessKeyId",
	CodeInvalidWriteOffset:           "InvalidWriteOffset",
	CodeAuthorizationHeaderMalformed: "AuthorizationHeaderMalformed",
	CodePermanentRedirect:            "PermanentRedirect",
	CodeTemporaryRedirect:            "TemporaryRedirect",
	CodeRetryHead:                    "RetryHead",
}

func (c Code) String() string {
	if c < 0 || c >= numCodes {
		return codeNames[CodeUnknown]
	}
	return codeNames[c]
}

// ParseCode maps a server error code string to a Code.
func ParseCode(s string) Code {
	for c := Code(1); c < numCodes; c++ {
		if codeNames[c] == s {
			return c
		}
	}
	return CodeUnknown
}

// Family groups the codes the dispatcher recovers from.
type Family int

const (
	// FamilyNone errors are returned to the caller as they are.
	FamilyNone Family = iota
	// FamilyStaleLocation errors mean the bucket is not where the request
	// was signed for. The cached region is dropped and the request is
	// retried once.
	FamilyStaleLocation
	// FamilyRetryHead errors ask for the request to be repeated once with
	// freshly signed headers.
	FamilyRetryHead
)

func (f Family) String() string {
	switch f {
	case FamilyStaleLocation:
		return "stale-location"
	case FamilyRetryHead:
		return "retry-head"
	default:
		return "none"
	}
}

// Family returns the recovery family of c.
func (c Code) Family() Family {
	switch c {
	case CodeAuthorizationHeaderMalformed, CodePermanentRedirect, CodeTemporaryRedirect:
		return FamilyStaleLocation
	case CodeRetryHead:
		return FamilyRetryHead
	case CodeUnknown, CodeAccessDenied, CodeNoSuchBucket, CodeNoSuchKey, CodeNoSuchUpload,
		CodeMethodNotAllowed, CodeResourceConflict, CodeResourceNotFound, CodeSignatureDoesNotMatch,
		CodeInvalidAccessKeyID, CodeInvalidWriteOffset:
		return FamilyNone
	default:
		return FamilyNone
	}
}

// InvalidatesRegion reports whether a response with code c removes the
// bucket from the region cache.
func (c Code) InvalidatesRegion() bool {
	return c == CodeNoSuchBucket || c.Family() != FamilyNone
}

// ProtocolError is a structured error returned by the server.
type ProtocolError struct {
	Code Code
	// RawCode is the code string as sent by the server.
	RawCode string

	Message    string
	Resource   string
	RequestID  string
	HostID     string
	Region     string
	BucketName string
	ObjectName string
	StatusCode int
}

func (e *ProtocolError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	return fmt.Sprintf("HTTP %d: %s: %s", e.StatusCode, e.ErrorCode(), msg)
}

// ErrorCode implements smithy.APIError.
func (e *ProtocolError) ErrorCode() string {
	if e.RawCode != "" {
		return e.RawCode
	}
	return e.Code.String()
}

// ErrorMessage implements smithy.APIError.
func (e *ProtocolError) ErrorMessage() string {
	return e.Message
}

// ErrorFault implements smithy.APIError.
func (e *ProtocolError) ErrorFault() smithy.ErrorFault {
	switch {
	case e.StatusCode >= 500:
		return smithy.FaultServer
	case e.StatusCode >= 400:
		return smithy.FaultClient
	default:
		return smithy.FaultUnknown
	}
}

var _ smithy.APIError = (*ProtocolError)(nil)

// TransportError is returned when a request could not be exchanged with the
// server, after the configured number of attempts.
type TransportError struct {
	Attempts int
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport failed after %d attempt(s): %s", e.Attempts, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// errorDocument is the S3 <Error> response body.
type errorDocument struct {
	XMLName    xml.Name `xml:"Error"`
	Code       string   `xml:"Code"`
	Message    string   `xml:"Message"`
	Resource   string   `xml:"Resource"`
	RequestID  string   `xml:"RequestId"`
	HostID     string   `xml:"HostId"`
	Region     string   `xml:"Region"`
	BucketName string   `xml:"BucketName"`
	Key        string   `xml:"Key"`
}

// parseError builds the ProtocolError of a non-2xx response from its status,
// headers and (already read) body.
func parseError(method, bucket, object string, status int, header http.Header, body []byte) *ProtocolError {
	e := &ProtocolError{
		StatusCode: status,
		RequestID:  header.Get("X-Amz-Request-Id"),
		HostID:     header.Get("X-Amz-Id-2"),
		Region:     header.Get("X-Amz-Bucket-Region"),
		BucketName: bucket,
		ObjectName: object,
	}

	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		e.Code = codeFromStatus(method, status, bucket != "", object != "")
		if e.Code == CodeUnknown {
			e.RawCode = strings.ReplaceAll(http.StatusText(status), " ", "")
		}
		return e
	}

	var doc errorDocument
	if err := xml.Unmarshal(body, &doc); err != nil || doc.Code == "" {
		e.Code = CodeUnknown
		e.Message = string(body)
		return e
	}

	e.Code = ParseCode(doc.Code)
	e.RawCode = doc.Code
	e.Message = doc.Message
	e.Resource = doc.Resource
	if doc.RequestID != "" {
		e.RequestID = doc.RequestID
	}
	if doc.HostID != "" {
		e.HostID = doc.HostID
	}
	if doc.Region != "" {
		e.Region = doc.Region
	}
	if doc.BucketName != "" {
		e.BucketName = doc.BucketName
	}
	if doc.Key != "" {
		e.ObjectName = doc.Key
	}
	return e
}

// codeFromStatus maps the status of a response without error document to a
// code. HEAD responses never carry one.
func codeFromStatus(method string, status int, hasBucket, hasObject bool) Code {
	switch status {
	case http.StatusMovedPermanently, http.StatusTemporaryRedirect, http.StatusBadRequest:
		if method == http.MethodHead {
			return CodeRetryHead
		}
		return CodeUnknown
	case http.StatusForbidden:
		return CodeAccessDenied
	case http.StatusNotFound:
		switch {
		case hasObject:
			return CodeNoSuchKey
		case hasBucket:
			return CodeNoSuchBucket
		default:
			return CodeResourceNotFound
		}
	case http.StatusMethodNotAllowed, http.StatusNotImplemented:
		return CodeMethodNotAllowed
	case http.StatusConflict:
		return CodeResourceConflict
	default:
		return CodeUnknown
	}
}
