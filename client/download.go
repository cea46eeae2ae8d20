package client

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/melbahja/got"

	"github.com/bitrise-io/go-s3stream/request"
	"github.com/bitrise-io/go-s3stream/signer"
)

// headerTransport adds fixed headers before the request is signed.
type headerTransport struct {
	base   http.RoundTripper
	header request.Multimap
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if len(t.header) == 0 {
		return t.base.RoundTrip(req)
	}
	r := req.Clone(req.Context())
	for _, p := range t.header {
		r.Header.Add(p.Key, p.Value)
	}
	return t.base.RoundTrip(r)
}

// DownloadObject downloads an object to dest with parallel ranged GETs. Each
// range request is signed for the bucket region.
func (c *Client) DownloadObject(ctx context.Context, bucket, object, dest string, opts ObjectOptions) (*ObjectInfo, error) {
	info, err := c.StatObject(ctx, StatObject{Bucket: bucket, Object: object, Options: opts})
	if err != nil {
		return nil, err
	}

	if info.Size == 0 {
		// ranged requests cannot address an empty object
		if err := os.WriteFile(dest, nil, 0o644); err != nil {
			return nil, fmt.Errorf("create %s: %w", dest, err)
		}
		return info, nil
	}

	d := &request.Descriptor{Method: http.MethodGet, Bucket: bucket, Object: object}
	if err := opts.apply(d); err != nil {
		return nil, err
	}
	if info.VersionID != "" {
		if _, ok := d.Query.Get("versionId"); !ok {
			// pin every range to the version that was stat'ed
			d.Query.Add("versionId", info.VersionID)
		}
	}
	rawURL, err := c.dispatcher.URL(d)
	if err != nil {
		return nil, err
	}

	regionName := opts.Region
	if regionName == "" {
		regionName = c.dispatcher.ResolveRegion(ctx, bucket)
	}

	base := c.dispatcher.HTTPClient().Transport
	if base == nil {
		base = http.DefaultTransport
	}
	httpClient := &http.Client{
		Transport: &headerTransport{
			base: &signer.Transport{
				Base:        base,
				Signer:      c.dispatcher.Signer(),
				Credentials: c.dispatcher.Credentials(),
				Region:      regionName,
			},
			header: d.Header,
		},
	}

	downloader := got.New()
	downloader.Client = httpClient

	download := got.NewDownload(ctx, rawURL, dest)
	download.Concurrency = uint(c.settings.concurrency)
	download.ChunkSize = uint64(c.chunkSize(info.Size))

	c.logger.Debugf("Downloading %s/%s (%d bytes) to %s", bucket, object, info.Size, dest)
	if err := downloader.Do(download); err != nil {
		return nil, fmt.Errorf("download %s/%s: %w", bucket, object, err)
	}

	fi, err := os.Stat(dest)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", dest, err)
	}
	if fi.Size() != info.Size {
		return nil, fmt.Errorf("download %s/%s: got %d bytes, expected %d", bucket, object, fi.Size(), info.Size)
	}

	return info, nil
}
