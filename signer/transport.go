package signer

import (
	"fmt"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"

	"github.com/bitrise-io/go-s3stream/chunked"
)

// Transport is an http.RoundTripper that signs every outgoing request. It
// lets HTTP clients that build their own requests (ranged downloaders, for
// example) talk to a store that requires SigV4.
//
// Requests with a body are signed with UnsignedPayload.
type Transport struct {
	Base        http.RoundTripper
	Signer      *Signer
	Credentials aws.CredentialsProvider
	Region      string

	// Now defaults to time.Now.
	Now func() time.Time
}

// RoundTrip implements http.RoundTripper. The request body is closed on
// every return path, as the RoundTripper contract requires.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	creds, err := t.Credentials.Retrieve(req.Context())
	if err != nil {
		closeBody(req)
		return nil, fmt.Errorf("retrieve credentials: %w", err)
	}

	now := time.Now
	if t.Now != nil {
		now = t.Now
	}

	payloadHash := chunked.EmptyHash()
	if req.Body != nil && req.Body != http.NoBody {
		payloadHash = UnsignedPayload
	}

	signed := req.Clone(req.Context())
	if err := t.Signer.Sign(req.Context(), signed, payloadHash, Context{
		Credentials: FromAWS(creds),
		Region:      t.Region,
		Time:        now(),
	}); err != nil {
		closeBody(req)
		return nil, err
	}

	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(signed)
}

func closeBody(req *http.Request) {
	if req.Body != nil {
		req.Body.Close() //nolint:errcheck
	}
}
