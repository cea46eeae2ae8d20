// Package dispatch turns request descriptors into signed HTTP exchanges. It
// resolves the bucket region, signs every attempt with a fresh timestamp,
// retries transport failures with backoff and recovers once from the
// classified stale-location and retry-head error families.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/bitrise-io/go-s3stream/chunked"
	"github.com/bitrise-io/go-s3stream/region"
	"github.com/bitrise-io/go-s3stream/request"
	"github.com/bitrise-io/go-s3stream/signer"
)

const (
	DefaultMaxRetries   = 3
	DefaultRetryWaitMin = 200 * time.Millisecond
	DefaultRetryWaitMax = 5 * time.Second
	DefaultUserAgent    = "go-s3stream"

	defaultContentType = "application/octet-stream"
	maxErrorBodyBytes  = 64 * 1024
)

// Config configures a Dispatcher.
type Config struct {
	// Endpoint is the base URL of the store, e.g. https://s3.amazonaws.com.
	// Requests are addressed path-style below it.
	Endpoint string

	// DefaultRegion is used when a bucket region is neither cached nor
	// discoverable. Defaults to us-east-1.
	DefaultRegion string

	// MaxRetries bounds the transport level retries of one attempt cycle.
	MaxRetries   int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration

	// AttemptTimeout limits a single exchange, including reading the
	// response body. Zero means no limit.
	AttemptTimeout time.Duration

	// HTTPClient is borrowed for every request. Defaults to a client using
	// http.DefaultTransport. It is copied; redirects are never followed.
	HTTPClient *http.Client

	UserAgent string
}

// Response is a successful (2xx) response. The caller owns Body and must
// close it.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser

	// Region is the region the request was signed for.
	Region string
	// Attempts counts every transmission, including classified retries.
	Attempts int
}

// Dispatcher executes requests against one endpoint. It is safe for
// concurrent use.
type Dispatcher struct {
	config     Config
	endpoint   *url.URL
	httpClient *http.Client

	credentials aws.CredentialsProvider
	regions     *region.Cache
	locator     region.Locator
	signer      *signer.Signer
	observer    Observer
	now         func() time.Time

	logger log.Logger
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithLocator enables region discovery for buckets missing from the cache.
func WithLocator(l region.Locator) Option {
	return func(d *Dispatcher) { d.locator = l }
}

// WithObserver registers an Observer.
func WithObserver(o Observer) Option {
	return func(d *Dispatcher) {
		if o != nil {
			d.observer = o
		}
	}
}

// WithClock replaces the clock used for signing timestamps.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// WithSigner replaces the default signer.
func WithSigner(s *signer.Signer) Option {
	return func(d *Dispatcher) { d.signer = s }
}

// New creates a Dispatcher. regions is shared with every other component of
// the client and must not be nil.
func New(config Config, credentials aws.CredentialsProvider, regions *region.Cache, logger log.Logger, opts ...Option) (*Dispatcher, error) {
	endpoint, err := url.Parse(config.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	if endpoint.Scheme != "http" && endpoint.Scheme != "https" {
		return nil, fmt.Errorf("endpoint %q: scheme must be http or https", config.Endpoint)
	}
	if endpoint.Host == "" {
		return nil, fmt.Errorf("endpoint %q: missing host", config.Endpoint)
	}
	if credentials == nil {
		return nil, errors.New("credentials provider is required")
	}
	if regions == nil {
		return nil, errors.New("region cache is required")
	}
	if logger == nil {
		logger = log.NewLogger()
	}

	if config.DefaultRegion == "" {
		config.DefaultRegion = signer.DefaultRegion
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.RetryWaitMin == 0 {
		config.RetryWaitMin = DefaultRetryWaitMin
	}
	if config.RetryWaitMax == 0 {
		config.RetryWaitMax = DefaultRetryWaitMax
	}
	if config.UserAgent == "" {
		config.UserAgent = DefaultUserAgent
	}

	httpClient := &http.Client{}
	if config.HTTPClient != nil {
		c := *config.HTTPClient
		httpClient = &c
	}
	if config.AttemptTimeout > 0 {
		httpClient.Timeout = config.AttemptTimeout
	}
	// 3xx responses are classified like any other status; following them
	// would replay a signature computed for another URL.
	httpClient.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}

	d := &Dispatcher{
		config:      config,
		endpoint:    endpoint,
		httpClient:  httpClient,
		credentials: credentials,
		regions:     regions,
		signer:      signer.New(logger),
		observer:    nopObserver{},
		now:         time.Now,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Endpoint returns the parsed endpoint URL.
func (d *Dispatcher) Endpoint() *url.URL {
	u := *d.endpoint
	return &u
}

// Regions returns the shared region cache.
func (d *Dispatcher) Regions() *region.Cache {
	return d.regions
}

// Signer returns the signer used for every attempt.
func (d *Dispatcher) Signer() *signer.Signer {
	return d.signer
}

// Credentials returns the credentials provider.
func (d *Dispatcher) Credentials() aws.CredentialsProvider {
	return d.credentials
}

// HTTPClient returns the borrowed HTTP client.
func (d *Dispatcher) HTTPClient() *http.Client {
	return d.httpClient
}

// DefaultRegion returns the configured fallback region.
func (d *Dispatcher) DefaultRegion() string {
	return d.config.DefaultRegion
}

type regionSource int

const (
	sourceDefault regionSource = iota
	sourceExplicit
	sourceCache
	sourceLocated
	sourceHint
)

// ResolveRegion returns the region requests for bucket are signed for.
func (d *Dispatcher) ResolveRegion(ctx context.Context, bucket string) string {
	r, _ := d.resolveRegion(ctx, "", bucket)
	return r
}

func (d *Dispatcher) resolveRegion(ctx context.Context, explicit, bucket string) (string, regionSource) {
	if explicit != "" {
		return explicit, sourceExplicit
	}
	if bucket == "" {
		return d.config.DefaultRegion, sourceDefault
	}
	if r, ok := d.regions.Resolve(bucket); ok {
		return r, sourceCache
	}
	if d.locator != nil {
		r, err := d.locator.Locate(ctx, bucket)
		if err == nil && r != "" {
			d.regions.Remember(bucket, r)
			return r, sourceLocated
		}
		if err != nil {
			d.logger.Warnf("Failed to locate bucket %s, using region %s: %s", bucket, d.config.DefaultRegion, err)
		}
	}
	return d.config.DefaultRegion, sourceDefault
}

// Execute builds, signs and sends the request produced by b. Build is called
// exactly once, however many attempts follow.
//
// Non-2xx responses are returned as *ProtocolError. Transport failures that
// outlast the retry budget are returned as *TransportError.
func (d *Dispatcher) Execute(ctx context.Context, b request.Builder) (*Response, error) {
	desc, err := b.Build()
	if err != nil {
		return nil, err
	}

	if desc.RequireTLS && d.endpoint.Scheme != "https" {
		return nil, &request.ValidationError{Kind: request.InvalidRequest, Reason: "request carries key material and requires an https endpoint"}
	}

	payloadHash, err := d.payloadHash(desc)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	regionName, source := d.resolveRegion(ctx, desc.Region, desc.Bucket)
	retried := map[Family]bool{}
	attempts := 0

	for {
		resp, n, err := d.send(ctx, desc, payloadHash, regionName)
		attempts += n
		if err != nil {
			d.observer.ObserveRequest(desc.Method, 0, time.Since(start), attempts)
			return nil, err
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			if desc.Bucket != "" && (source == sourceDefault || source == sourceHint) {
				d.regions.Remember(desc.Bucket, regionName)
			}
			d.observer.ObserveRequest(desc.Method, resp.StatusCode, time.Since(start), attempts)
			return &Response{
				StatusCode: resp.StatusCode,
				Header:     resp.Header,
				Body:       resp.Body,
				Region:     regionName,
				Attempts:   attempts,
			}, nil
		}

		perr := d.readError(desc, resp)
		if desc.Bucket != "" && perr.Code.InvalidatesRegion() {
			d.logger.Warnf("%s for bucket %s, dropping cached region", perr.Code, desc.Bucket)
			d.regions.Forget(desc.Bucket)
		}

		family := perr.Code.Family()
		if family == FamilyNone || retried[family] || (desc.Body != nil && desc.Body.Consumed()) {
			d.observer.ObserveRequest(desc.Method, resp.StatusCode, time.Since(start), attempts)
			return nil, perr
		}

		retried[family] = true
		d.observer.ObserveRetry(family.String())

		if perr.Region != "" {
			regionName, source = perr.Region, sourceHint
		} else {
			regionName, source = d.resolveRegion(ctx, "", desc.Bucket)
		}
		d.logger.Infof("Retrying %s %s after %s in region %s", desc.Method, desc.Path(), perr.Code, regionName)
	}
}

func (d *Dispatcher) payloadHash(desc *request.Descriptor) (string, error) {
	if desc.Body == nil {
		return chunked.EmptyHash(), nil
	}
	if !desc.Body.Replayable() {
		return signer.UnsignedPayload, nil
	}
	h, err := desc.Body.ContentHash()
	if err != nil {
		return "", fmt.Errorf("hash request body: %w", err)
	}
	return h, nil
}

func (d *Dispatcher) readError(desc *request.Descriptor, resp *http.Response) *ProtocolError {
	defer func() {
		if err := resp.Body.Close(); err != nil {
			d.logger.Warnf("Failed to close response body: %s", err)
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	if err != nil {
		d.logger.Warnf("Failed to read error response body: %s", err)
	}
	return parseError(desc.Method, desc.Bucket, desc.Object, resp.StatusCode, resp.Header, body)
}

var redactedHeaders = []string{
	signer.HeaderAuthorization,
	signer.HeaderSecurityToken,
	"X-Amz-Server-Side-Encryption-Customer-Key",
}

// redacted returns a copy of r without credentials or key material, for logging.
func redacted(r *http.Request) *http.Request {
	c := r.Clone(r.Context())
	for _, h := range redactedHeaders {
		if c.Header.Get(h) != "" {
			c.Header.Set(h, "REDACTED")
		}
	}
	return c
}

// URL returns the absolute path-style URL desc is sent to.
func (d *Dispatcher) URL(desc *request.Descriptor) (string, error) {
	u := *d.endpoint
	rawPath := strings.TrimSuffix(d.endpoint.EscapedPath(), "/") + desc.Path()
	p, err := url.PathUnescape(rawPath)
	if err != nil {
		return "", fmt.Errorf("build request path: %w", err)
	}
	u.Path = p
	u.RawPath = rawPath
	u.RawQuery = desc.Query.Encode()
	u.Fragment = ""
	return u.String(), nil
}

// send performs one attempt cycle: a signed request with transport level
// retries. It returns the number of transmissions made.
func (d *Dispatcher) send(ctx context.Context, desc *request.Descriptor, payloadHash, regionName string) (*http.Response, int, error) {
	rawURL, err := d.URL(desc)
	if err != nil {
		return nil, 0, err
	}

	var body interface{}
	length := int64(0)
	if desc.Body != nil {
		n, err := desc.Body.Len()
		if errors.Is(err, chunked.ErrLengthUnknown) {
			n = -1
		}
		length = n
		if length != 0 {
			body = retryablehttp.ReaderFunc(func() (io.Reader, error) {
				return desc.Body.Open()
			})
		}
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, desc.Method, rawURL, body)
	if err != nil {
		return nil, 0, err
	}
	// a zero length known body goes out without payload and Content-Length: 0
	req.ContentLength = length

	for _, p := range desc.Header {
		req.Header.Add(p.Key, p.Value)
	}
	if desc.Body != nil {
		if _, ok := desc.Header.GetFold("Content-Type"); !ok {
			req.Header.Set("Content-Type", defaultContentType)
		}
	}
	req.Header.Set("User-Agent", d.config.UserAgent)

	sign := func(r *http.Request) error {
		creds, err := d.credentials.Retrieve(r.Context())
		if err != nil {
			return &signer.SigningError{Reason: "retrieve credentials", Err: err}
		}
		return d.signer.Sign(r.Context(), r, payloadHash, signer.Context{
			Credentials: signer.FromAWS(creds),
			Region:      regionName,
			Time:        d.now(),
		})
	}
	if err := sign(req.Request); err != nil {
		return nil, 0, err
	}

	attempts := 0
	client := retryhttp.NewClient(d.logger)
	client.HTTPClient = d.httpClient
	client.RetryMax = d.config.MaxRetries
	client.RetryWaitMin = d.config.RetryWaitMin
	client.RetryWaitMax = d.config.RetryWaitMax
	client.Backoff = retryablehttp.DefaultBackoff
	client.RequestLogHook = func(_ retryablehttp.Logger, r *http.Request, attempt int) {
		attempts = attempt + 1
		d.logger.Debugf("%s %s (attempt %d, region %s)", r.Method, r.URL.Path, attempts, regionName)
		dump, err := httputil.DumpRequest(redacted(r), false)
		if err != nil {
			d.logger.Warnf("error while dumping request: %s", err)
			return
		}
		d.logger.Debugf("Request dump: %s", dump)
	}
	client.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if err == nil {
			// statuses are classified by Execute
			return false, nil
		}
		if desc.Body != nil && desc.Body.Consumed() {
			return false, nil
		}
		d.logger.Warnf("%s %s failed: %s", desc.Method, desc.Path(), err)
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}
	client.PrepareRetry = sign
	client.ErrorHandler = func(resp *http.Response, err error, numTries int) (*http.Response, error) {
		if resp != nil && resp.Body != nil {
			resp.Body.Close() //nolint:errcheck
		}
		var signErr *signer.SigningError
		if errors.As(err, &signErr) {
			return nil, err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if desc.Body != nil && desc.Body.Consumed() && !errors.Is(err, chunked.ErrNotReplayable) {
			err = fmt.Errorf("%w: %w", chunked.ErrNotReplayable, err)
		}
		return nil, &TransportError{Attempts: numTries, Err: err}
	}

	resp, err := client.Do(req)
	if err != nil {
		var transportErr *TransportError
		if errors.Is(err, chunked.ErrNotReplayable) && !errors.As(err, &transportErr) {
			err = &TransportError{Attempts: attempts, Err: err}
		}
		return nil, attempts, err
	}
	return resp, attempts, nil
}
