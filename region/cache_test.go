package region

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCache_RememberResolveForget(t *testing.T) {
	c := NewCache()

	_, ok := c.Resolve("bucket")
	assert.False(t, ok)

	c.Remember("bucket", "eu-west-1")
	r, ok := c.Resolve("bucket")
	require.True(t, ok)
	assert.Equal(t, "eu-west-1", r)

	c.Remember("bucket", "eu-central-1")
	r, _ = c.Resolve("bucket")
	assert.Equal(t, "eu-central-1", r)

	c.Forget("bucket")
	_, ok = c.Resolve("bucket")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestCache_IgnoresEmptyValues(t *testing.T) {
	c := NewCache()

	c.Remember("", "us-east-1")
	c.Remember("bucket", "")

	assert.Equal(t, 0, c.Len())
}

func TestCache_ConcurrentAccess(t *testing.T) {
	c := NewCache()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			bucket := fmt.Sprintf("bucket-%d", i%5)
			c.Remember(bucket, fmt.Sprintf("region-%d", i))
			c.Resolve(bucket)
			if i%7 == 0 {
				c.Forget(bucket)
			}
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, c.Len(), 5)
}

func TestAWSLocator_Locate(t *testing.T) {
	var requests int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		assert.Equal(t, http.MethodHead, r.Method)

		switch r.URL.Path {
		case "/my-bucket":
			w.Header().Set("X-Amz-Bucket-Region", "eu-west-1")
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	locator := NewAWSLocator(aws.Config{Region: "us-east-1"}, server.URL, nil)
	locator.retryWait = 0

	region, err := locator.Locate(context.Background(), "my-bucket")
	require.NoError(t, err)
	assert.Equal(t, "eu-west-1", region)

	_, err = locator.Locate(context.Background(), "missing-bucket")
	require.Error(t, err)
	var notFound manager.BucketNotFound
	assert.ErrorAs(t, err, &notFound)

	// a missing bucket is not retried
	assert.Equal(t, int32(2), atomic.LoadInt32(&requests))
}

func TestLocatorFunc(t *testing.T) {
	var l Locator = LocatorFunc(func(ctx context.Context, bucket string) (string, error) {
		return "region-of-" + bucket, nil
	})

	r, err := l.Locate(context.Background(), "b")
	require.NoError(t, err)
	assert.Equal(t, "region-of-b", r)
}
