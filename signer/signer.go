// Package signer computes AWS Signature Version 4 request signatures for
// S3-compatible object stores.
package signer

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/bitrise-io/go-utils/v2/log"
)

const (
	// ServiceS3 is the signing name of the S3 service.
	ServiceS3 = "s3"

	// DefaultRegion is used when the signing context names no region.
	DefaultRegion = "us-east-1"

	// UnsignedPayload is sent as the content hash of bodies that cannot be
	// hashed ahead of transmission.
	UnsignedPayload = "UNSIGNED-PAYLOAD"

	// TimeFormat is the layout of the X-Amz-Date header.
	TimeFormat = "20060102T150405Z"

	HeaderAuthorization = "Authorization"
	HeaderDate          = "X-Amz-Date"
	HeaderContentSHA256 = "X-Amz-Content-Sha256"
	HeaderSecurityToken = "X-Amz-Security-Token"
)

// Credentials is the key material used to sign a request.
type Credentials struct {
	AccessKey    string
	SecretKey    string
	SessionToken string
}

// FromAWS converts credentials retrieved from an aws.CredentialsProvider.
func FromAWS(c aws.Credentials) Credentials {
	return Credentials{
		AccessKey:    c.AccessKeyID,
		SecretKey:    c.SecretAccessKey,
		SessionToken: c.SessionToken,
	}
}

func (c Credentials) validate() error {
	if strings.TrimSpace(c.AccessKey) == "" {
		return &SigningError{Reason: "access key is empty"}
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		return &SigningError{Reason: "secret key is empty"}
	}
	return nil
}

// Context holds everything that changes between two signatures of the same
// request. A new Context is built for every transmission attempt.
type Context struct {
	Credentials Credentials
	Region      string
	Time        time.Time
}

// SigningError is returned when a request cannot be signed because of
// malformed credential material.
type SigningError struct {
	Reason string
	Err    error
}

func (e *SigningError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("sign request: %s: %s", e.Reason, e.Err)
	}
	return "sign request: " + e.Reason
}

func (e *SigningError) Unwrap() error {
	return e.Err
}

// Signer signs HTTP requests in place.
type Signer struct {
	v4      *v4.Signer
	service string
	logger  log.Logger
}

// New creates a Signer for the S3 service.
func New(logger log.Logger) *Signer {
	if logger == nil {
		logger = log.NewLogger()
	}
	return &Signer{
		v4: v4.NewSigner(func(o *v4.SignerOptions) {
			// object keys are escaped once when the URL is built
			o.DisableURIPathEscaping = true
		}),
		service: ServiceS3,
		logger:  logger,
	}
}

// Sign adds the date, content hash, security token and authorization headers
// to req. The canonical request covers the method, the escaped path, the
// sorted query, and every header present on req except the ones the
// protocol excludes (Authorization, User-Agent, Expect, Transfer-Encoding).
//
// Identical inputs, including Context.Time, always produce an identical
// signature.
func (s *Signer) Sign(ctx context.Context, req *http.Request, payloadHash string, sc Context) error {
	if err := sc.Credentials.validate(); err != nil {
		return err
	}

	region := sc.Region
	if region == "" {
		region = DefaultRegion
	}

	req.Header.Del(HeaderAuthorization)
	req.Header.Del(HeaderSecurityToken)
	req.Header.Set(HeaderContentSHA256, payloadHash)

	creds := aws.Credentials{
		AccessKeyID:     sc.Credentials.AccessKey,
		SecretAccessKey: sc.Credentials.SecretKey,
		SessionToken:    sc.Credentials.SessionToken,
	}
	if err := s.v4.SignHTTP(ctx, creds, req, payloadHash, s.service, region, sc.Time.UTC()); err != nil {
		return &SigningError{Reason: "compute signature", Err: err}
	}

	s.logger.Debugf("Signed %s %s for region %s at %s", req.Method, req.URL.Path, region, req.Header.Get(HeaderDate))

	return nil
}

// Signature extracts the signature value from a signed request's
// Authorization header.
func Signature(req *http.Request) string {
	auth := req.Header.Get(HeaderAuthorization)
	i := strings.LastIndex(auth, "Signature=")
	if i < 0 {
		return ""
	}
	return auth[i+len("Signature="):]
}

// SignedHeaders extracts the signed header list from a signed request's
// Authorization header.
func SignedHeaders(req *http.Request) []string {
	auth := req.Header.Get(HeaderAuthorization)
	const key = "SignedHeaders="
	i := strings.Index(auth, key)
	if i < 0 {
		return nil
	}
	list := auth[i+len(key):]
	if j := strings.Index(list, ","); j >= 0 {
		list = list[:j]
	}
	return strings.Split(list, ";")
}
