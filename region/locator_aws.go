package region

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
)

const numLocateRetries = 3

// AWSLocator finds bucket regions with an anonymous HeadBucket request and
// the X-Amz-Bucket-Region response header.
type AWSLocator struct {
	client    manager.HeadBucketAPIClient
	logger    log.Logger
	retryWait time.Duration
}

// NewAWSLocator creates a locator on top of an S3 client built from cfg.
// A non-empty endpoint switches the client to path-style addressing against
// that endpoint, which is what S3-compatible stores expect.
func NewAWSLocator(cfg aws.Config, endpoint string, logger log.Logger) *AWSLocator {
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})
	return NewAWSLocatorWithClient(client, logger)
}

// NewAWSLocatorWithClient creates a locator using an existing client.
func NewAWSLocatorWithClient(client manager.HeadBucketAPIClient, logger log.Logger) *AWSLocator {
	if logger == nil {
		logger = log.NewLogger()
	}
	return &AWSLocator{
		client:    client,
		logger:    logger,
		retryWait: 2 * time.Second,
	}
}

// Locate implements Locator.
func (l *AWSLocator) Locate(ctx context.Context, bucket string) (string, error) {
	var region string
	err := retry.Times(numLocateRetries).Wait(l.retryWait).TryWithAbort(func(attempt uint) (error, bool) {
		r, err := manager.GetBucketRegion(ctx, l.client, bucket)
		if err != nil {
			var notFound manager.BucketNotFound
			if errors.As(err, &notFound) {
				return fmt.Errorf("locate bucket %s: %w", bucket, err), true
			}
			var apiError smithy.APIError
			if errors.As(err, &apiError) && apiError.ErrorFault() == smithy.FaultClient {
				return fmt.Errorf("locate bucket %s: %w", bucket, err), true
			}
			l.logger.Warnf("Locating bucket %s failed (attempt %d): %s", bucket, attempt+1, err)
			return fmt.Errorf("locate bucket %s: %w", bucket, err), false
		}
		if r == "" {
			return fmt.Errorf("locate bucket %s: no region reported", bucket), true
		}
		region = r
		return nil, true
	})
	if err != nil {
		return "", err
	}

	l.logger.Debugf("Bucket %s is in region %s", bucket, region)
	return region, nil
}
