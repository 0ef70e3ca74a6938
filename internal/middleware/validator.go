package middleware

import (
	"fmt"
	"regexp"
	"strings"
)

// Input validation for webhook-supplied fields

var bucketPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

// ValidateBucket checks S3-style bucket naming. Empty is allowed; the
// caller falls back to the configured source bucket.
func ValidateBucket(bucket string) error {
	if bucket == "" {
		return nil
	}
	if !bucketPattern.MatchString(bucket) {
		return fmt.Errorf("invalid bucket name: %s", bucket)
	}
	return nil
}

// ValidateObjectKey rejects keys that cannot name a stored object.
func ValidateObjectKey(key string) error {
	if key == "" {
		return fmt.Errorf("object key cannot be empty")
	}
	if len(key) > 1024 {
		return fmt.Errorf("object key exceeds 1024 bytes")
	}
	if strings.Contains(key, "..") {
		return fmt.Errorf("path traversal detected in object key")
	}
	for _, r := range key {
		if r < 32 || r == 127 {
			return fmt.Errorf("control characters in object key")
		}
	}
	return nil
}

var runIDPattern = regexp.MustCompile(`^[a-f0-9]{8}-[a-f0-9]{4}-[a-f0-9]{4}-[a-f0-9]{4}-[a-f0-9]{12}$`)

// ValidateRunID validates run ID format
func ValidateRunID(id string) error {
	if id == "" {
		return fmt.Errorf("run ID cannot be empty")
	}
	if !runIDPattern.MatchString(id) {
		return fmt.Errorf("invalid run ID format")
	}
	return nil
}

// ValidateDeliveryID bounds the dedup key a caller may supply.
func ValidateDeliveryID(id string) error {
	if id == "" {
		return nil
	}
	if len(id) > 256 {
		return fmt.Errorf("delivery ID exceeds 256 bytes")
	}
	for _, r := range id {
		if r < 32 || r == 127 {
			return fmt.Errorf("control characters in delivery ID")
		}
	}
	return nil
}

// ValidateLimit validates pagination limit
func ValidateLimit(limit int) int {
	if limit <= 0 {
		return 20 // default
	}
	if limit > 100 {
		return 100 // max limit
	}
	return limit
}

// ValidateDays validates days parameter
func ValidateDays(days int) int {
	if days <= 0 {
		return 7 // default
	}
	if days > 365 {
		return 365 // max 1 year
	}
	return days
}
