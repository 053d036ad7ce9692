package event

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

type fingerprintOptions struct {
	blacklist []string
	prefix    string
}

// FingerprintOption configures Fingerprint.
type FingerprintOption func(*fingerprintOptions)

// WithBlacklist drops top-level keys that vary between occurrences of the
// same issue, such as scan IDs.
func WithBlacklist(keys ...string) FingerprintOption {
	return func(o *fingerprintOptions) { o.blacklist = append(o.blacklist, keys...) }
}

// WithPrefix prepends prefix to the digest.
func WithPrefix(prefix string) FingerprintOption {
	return func(o *fingerprintOptions) { o.prefix = prefix }
}

// Fingerprint returns the hex SHA-256 of the canonical JSON encoding of
// data minus blacklisted keys. Map keys are encoded in sorted order, so
// equal content always yields the same fingerprint.
func Fingerprint(data map[string]any, opts ...FingerprintOption) (string, error) {
	var o fingerprintOptions
	for _, opt := range opts {
		opt(&o)
	}

	filtered := make(map[string]any, len(data))
	for k, v := range data {
		filtered[k] = v
	}
	for _, k := range o.blacklist {
		delete(filtered, k)
	}

	b, err := json.Marshal(filtered)
	if err != nil {
		return "", fmt.Errorf("encode fingerprint input: %w", err)
	}
	sum := sha256.Sum256(b)
	return o.prefix + hex.EncodeToString(sum[:]), nil
}
