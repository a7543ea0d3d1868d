package storage

import "strings"

// keyPrefix maps backend-agnostic keys onto a configured bucket prefix.
type keyPrefix string

func newKeyPrefix(p string) keyPrefix {
	return keyPrefix(strings.Trim(strings.TrimSpace(p), "/"))
}

// apply returns the full bucket key for key.
func (p keyPrefix) apply(key string) string {
	if p == "" {
		return key
	}
	return string(p) + "/" + key
}

// list returns the bucket prefix to list for a caller-supplied prefix.
func (p keyPrefix) list(prefix string) string {
	switch {
	case p == "":
		return prefix
	case prefix == "":
		return string(p) + "/"
	default:
		return string(p) + "/" + prefix
	}
}

// strip removes the configured prefix from a listed bucket key.
func (p keyPrefix) strip(full string) string {
	if p == "" {
		return full
	}
	if rest, ok := strings.CutPrefix(full, string(p)+"/"); ok {
		return rest
	}
	return full
}
