//go:build integration
// +build integration

package integration

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
)

var logger = log.NewLogger()

const bucketEnv = "S3_TEST_BUCKET"

func checksumOf(bytes []byte) string {
	hash := sha256.New()
	hash.Write(bytes)
	return hex.EncodeToString(hash.Sum(nil))
}

// testObjectName returns a unique key below the integration test prefix.
func testObjectName(name string) string {
	return fmt.Sprintf("s3stream-integration/%d/%s", time.Now().UnixNano(), name)
}

// envFromOS copies the S3_ variables of the process environment.
func envFromOS() fakeEnvRepo {
	repo := fakeEnvRepo{envVars: map[string]string{}}
	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if ok && strings.HasPrefix(key, "S3_") {
			repo.envVars[key] = value
		}
	}
	return repo
}

type fakeEnvRepo struct {
	envVars map[string]string
}

func (repo fakeEnvRepo) Get(key string) string {
	value, ok := repo.envVars[key]
	if ok {
		return value
	} else {
		return ""
	}
}

func (repo fakeEnvRepo) Set(key, value string) error {
	repo.envVars[key] = value
	return nil
}

func (repo fakeEnvRepo) Unset(key string) error {
	repo.envVars[key] = ""
	return nil
}

func (repo fakeEnvRepo) List() []string {
	var values []string
	for k, v := range repo.envVars {
		values = append(values, k+"="+v)
	}
	return values
}
