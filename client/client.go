// Package client composes the request core into an S3 client: configuration,
// credential loading, typed object requests and chunked transfer drivers.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/bitrise-io/go-s3stream/dispatch"
	"github.com/bitrise-io/go-s3stream/metrics"
	"github.com/bitrise-io/go-s3stream/pipeline"
	"github.com/bitrise-io/go-s3stream/region"
	"github.com/bitrise-io/go-s3stream/request"
)

// Client is an S3 client for one endpoint. It is safe for concurrent use.
type Client struct {
	settings   settings
	dispatcher *dispatch.Dispatcher
	collector  *metrics.Collector
	logger     log.Logger
}

type options struct {
	httpClient  *http.Client
	credentials aws.CredentialsProvider
	registerer  prometheus.Registerer
	locator     region.Locator
	dispatch    []dispatch.Option
}

// Option customizes a Client.
type Option func(*options)

// WithHTTPClient replaces the default pooled HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithCredentials replaces the credentials loaded from the configuration.
func WithCredentials(p aws.CredentialsProvider) Option {
	return func(o *options) { o.credentials = p }
}

// WithRegisterer registers request and pipeline metrics on r.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(o *options) { o.registerer = r }
}

// WithLocator sets the bucket region locator, overriding
// Config.DiscoverRegion.
func WithLocator(l region.Locator) Option {
	return func(o *options) { o.locator = l }
}

// WithDispatchOptions passes options through to the dispatcher.
func WithDispatchOptions(opts ...dispatch.Option) Option {
	return func(o *options) { o.dispatch = append(o.dispatch, opts...) }
}

// New creates a Client.
func New(ctx context.Context, cfg Config, logger log.Logger, opts ...Option) (*Client, error) {
	if logger == nil {
		logger = log.NewLogger()
	}
	s, err := cfg.settings()
	if err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Verbose {
		logger.EnableDebugLog(true)
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	var awsCfg *aws.Config
	if o.credentials == nil || (cfg.DiscoverRegion && o.locator == nil) {
		awsCfg, err = loadAWSConfig(ctx, s.region, cfg.AccessKeyID, string(cfg.SecretAccessKey), string(cfg.SessionToken), logger)
		if err != nil {
			return nil, fmt.Errorf("load aws credentials: %w", err)
		}
	}
	if o.credentials == nil {
		o.credentials = awsCfg.Credentials
	}
	if o.credentials == nil {
		return nil, errors.New("no credentials provider configured")
	}

	if s.concurrency == 0 {
		s.concurrency = pipeline.DefaultConcurrency()
	}
	if o.httpClient == nil {
		o.httpClient = pipeline.DefaultHTTPClient(s.concurrency)
	}

	regions := region.NewCache()
	dispatchOpts := []dispatch.Option{}

	locator := o.locator
	if locator == nil && cfg.DiscoverRegion {
		locator = region.NewAWSLocator(*awsCfg, cfg.Endpoint, logger)
	}
	if locator != nil {
		dispatchOpts = append(dispatchOpts, dispatch.WithLocator(locator))
	}

	var collector *metrics.Collector
	if o.registerer != nil {
		collector = metrics.New(o.registerer)
		if err := metrics.RegisterRegionCache(o.registerer, regions); err != nil {
			return nil, fmt.Errorf("register region cache metrics: %w", err)
		}
		dispatchOpts = append(dispatchOpts, dispatch.WithObserver(collector))
	}

	d, err := dispatch.New(dispatch.Config{
		Endpoint:       cfg.Endpoint,
		DefaultRegion:  s.region,
		MaxRetries:     s.maxRetries,
		RetryWaitMin:   s.retryWaitMin,
		RetryWaitMax:   s.retryWaitMax,
		AttemptTimeout: s.attemptTimeout,
		HTTPClient:     o.httpClient,
	}, o.credentials, regions, logger, append(dispatchOpts, o.dispatch...)...)
	if err != nil {
		return nil, fmt.Errorf("create dispatcher: %w", err)
	}

	return &Client{
		settings:   s,
		dispatcher: d,
		collector:  collector,
		logger:     logger,
	}, nil
}

// Dispatcher returns the underlying dispatcher.
func (c *Client) Dispatcher() *dispatch.Dispatcher {
	return c.dispatcher
}

// Regions returns the bucket region cache.
func (c *Client) Regions() *region.Cache {
	return c.dispatcher.Regions()
}

// Execute dispatches any request builder.
func (c *Client) Execute(ctx context.Context, b request.Builder) (*dispatch.Response, error) {
	return c.dispatcher.Execute(ctx, b)
}

func (c *Client) closeBody(body io.ReadCloser) {
	if err := body.Close(); err != nil {
		c.logger.Errorf("Failed to close response body: %s", err)
	}
}

// StatObject returns the metadata of an object.
func (c *Client) StatObject(ctx context.Context, r StatObject) (*ObjectInfo, error) {
	resp, err := c.dispatcher.Execute(ctx, r)
	if err != nil {
		return nil, fmt.Errorf("stat %s/%s: %w", r.Bucket, r.Object, err)
	}
	defer c.closeBody(resp.Body)

	return objectInfoFromHeader(r.Bucket, r.Object, resp.Header)
}

// GetObject opens an object for reading.
func (c *Client) GetObject(ctx context.Context, r GetObject) (*Object, error) {
	resp, err := c.dispatcher.Execute(ctx, r)
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", r.Bucket, r.Object, err)
	}

	info, err := objectInfoFromHeader(r.Bucket, r.Object, resp.Header)
	if err != nil {
		c.closeBody(resp.Body)
		return nil, err
	}
	length := info.Size
	if v := resp.Header.Get("Content-Length"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			length = n
		}
	}
	return &Object{ObjectInfo: *info, ContentLength: length, Body: resp.Body}, nil
}

// PutObject uploads an object in a single request.
func (c *Client) PutObject(ctx context.Context, r PutObject) (*PutResult, error) {
	resp, err := c.dispatcher.Execute(ctx, r)
	if err != nil {
		return nil, fmt.Errorf("put %s/%s: %w", r.Bucket, r.Object, err)
	}
	defer c.closeBody(resp.Body)

	return &PutResult{
		ETag:      trimETag(resp.Header.Get("ETag")),
		VersionID: resp.Header.Get(HeaderVersionID),
	}, nil
}

// AppendObject appends one body at r.Offset.
func (c *Client) AppendObject(ctx context.Context, r AppendObject) (*AppendResult, error) {
	resp, err := c.dispatcher.Execute(ctx, r)
	if err != nil {
		return nil, fmt.Errorf("append to %s/%s at offset %d: %w", r.Bucket, r.Object, r.Offset, err)
	}
	defer c.closeBody(resp.Body)

	res, err := appendResultFromHeader(resp.Header)
	if err != nil {
		return nil, err
	}
	if n, err := r.Body.Len(); err == nil {
		res.Appended = n
	}
	res.Chunks = 1
	return res, nil
}

// UploadPart uploads one part and returns its ETag.
func (c *Client) UploadPart(ctx context.Context, r UploadPart) (string, error) {
	resp, err := c.dispatcher.Execute(ctx, r)
	if err != nil {
		return "", fmt.Errorf("upload part %d of %s/%s: %w", r.PartNumber, r.Bucket, r.Object, err)
	}
	defer c.closeBody(resp.Body)

	etag := trimETag(resp.Header.Get("ETag"))
	if etag == "" {
		return "", fmt.Errorf("upload part %d of %s/%s: response has no ETag", r.PartNumber, r.Bucket, r.Object)
	}
	return etag, nil
}

// DeleteObject removes an object.
func (c *Client) DeleteObject(ctx context.Context, r DeleteObject) error {
	resp, err := c.dispatcher.Execute(ctx, r)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", r.Bucket, r.Object, err)
	}
	c.closeBody(resp.Body)
	return nil
}

// BucketLocation asks the store for the region of bucket and caches it.
// The request is signed for the default region.
func (c *Client) BucketLocation(ctx context.Context, bucket string) (string, error) {
	resp, err := c.dispatcher.Execute(ctx, BucketLocation{Bucket: bucket, Region: c.dispatcher.DefaultRegion()})
	if err != nil {
		return "", fmt.Errorf("get location of bucket %s: %w", bucket, err)
	}
	defer c.closeBody(resp.Body)

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return "", fmt.Errorf("read location of bucket %s: %w", bucket, err)
	}
	location, err := parseLocation(body)
	if err != nil {
		return "", err
	}

	c.dispatcher.Regions().Remember(bucket, location)
	c.logger.Debugf("Bucket %s is in region %s", bucket, location)
	return location, nil
}
