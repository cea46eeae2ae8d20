package request

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	minBucketNameLength = 3
	maxBucketNameLength = 63
	maxObjectNameBytes  = 1024
)

var (
	ipv4Pattern       = regexp.MustCompile(`^((25[0-5]|2[0-4][0-9]|1[0-9][0-9]|[1-9][0-9]|[0-9])\.){3}(25[0-5]|2[0-4][0-9]|1[0-9][0-9]|[1-9][0-9]|[0-9])$`)
	bucketNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9.\-]{1,61}[a-z0-9]$`)
)

// Kind classifies a ValidationError.
type Kind int

const (
	InvalidRequest Kind = iota
	InvalidBucketName
	InvalidObjectName
)

func (k Kind) String() string {
	switch k {
	case InvalidBucketName:
		return "InvalidBucketName"
	case InvalidObjectName:
		return "InvalidObjectName"
	default:
		return "InvalidRequest"
	}
}

// ValidationError reports a malformed identifier. It is raised before any
// network activity and is never retried.
type ValidationError struct {
	Kind   Kind
	Name   string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

// ValidateBucketName checks name against the S3 bucket naming rules.
func ValidateBucketName(name string) error {
	name = strings.TrimSpace(name)

	invalid := func(format string, args ...interface{}) error {
		return &ValidationError{Kind: InvalidBucketName, Name: name, Reason: fmt.Sprintf(format, args...)}
	}

	switch {
	case len(name) == 0:
		return invalid("bucket name cannot be empty")
	case len(name) < minBucketNameLength:
		return invalid("bucket name (%q) cannot be shorter than %d characters", name, minBucketNameLength)
	case len(name) > maxBucketNameLength:
		return invalid("bucket name (%q) cannot be longer than %d characters", name, maxBucketNameLength)
	case ipv4Pattern.MatchString(name):
		return invalid("bucket name (%q) cannot be an IP address", name)
	case strings.Contains(name, "..") || strings.Contains(name, ".-") || strings.Contains(name, "-."):
		return invalid("bucket name (%q) contains invalid successive characters '..', '.-' or '-.'", name)
	case !bucketNamePattern.MatchString(name):
		return invalid("bucket name (%q) does not match %s", name, bucketNamePattern)
	}
	return nil
}

// ValidateObjectName checks that name is non-empty and at most 1024 bytes.
func ValidateObjectName(name string) error {
	switch {
	case len(name) == 0:
		return &ValidationError{Kind: InvalidObjectName, Reason: "object name cannot be empty"}
	case len(name) > maxObjectNameBytes:
		return &ValidationError{Kind: InvalidObjectName, Name: name,
			Reason: fmt.Sprintf("object name cannot be longer than %d bytes", maxObjectNameBytes)}
	}
	return nil
}
