package ratelimit

import (
	"net/http"
	"strings"
)

// UnknownKey is the partition shared by every request whose identity cannot be
// determined. All such callers are limited together.
const UnknownKey = "unknown"

// KeyFunc extracts a rate limiting key from an HTTP request.
// An empty result is treated as UnknownKey.
type KeyFunc func(*http.Request) string

// ClientIP keys requests by the first X-Forwarded-For hop, then X-Real-Ip.
// Returns an empty string when neither header is present.
//
// SECURITY: Only trust these headers behind a reverse proxy that sets them.
// Without a proxy, clients can spoof X-Forwarded-For to pick their own bucket.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.IndexByte(xff, ','); idx != -1 {
			xff = xff[:idx]
		}
		if ip := strings.TrimSpace(xff); ip != "" {
			return ip
		}
	}
	return strings.TrimSpace(r.Header.Get("X-Real-Ip"))
}

// Header keys requests by the value of the named header.
func Header(name string) KeyFunc {
	return func(r *http.Request) string {
		return strings.TrimSpace(r.Header.Get(name))
	}
}

// FirstOf returns the first non-empty key produced by fns.
//
//	ratelimit.FirstOf(ratelimit.Header("X-Admin-Id"), ratelimit.ClientIP)
func FirstOf(fns ...KeyFunc) KeyFunc {
	return func(r *http.Request) string {
		for _, fn := range fns {
			if key := fn(r); key != "" {
				return key
			}
		}
		return ""
	}
}

// Prefixed prepends prefix to the key produced by fn, so the same caller gets an
// independent quota per operation ("booking:" + ip). A missing identity becomes
// prefix + UnknownKey.
func Prefixed(prefix string, fn KeyFunc) KeyFunc {
	return func(r *http.Request) string {
		key := fn(r)
		if key == "" {
			key = UnknownKey
		}
		var sb strings.Builder
		sb.Grow(len(prefix) + len(key))
		sb.WriteString(prefix)
		sb.WriteString(key)
		return sb.String()
	}
}

// Composite joins the non-empty keys produced by fns with ":".
// Returns an empty string only when every dimension is empty.
//
// Example: Composite(ClientIP, Header("X-Tenant-ID")) yields "10.0.0.1:tenant-abc".
func Composite(fns ...KeyFunc) KeyFunc {
	return func(r *http.Request) string {
		var sb strings.Builder
		sb.Grow(len(fns) * 24)
		for _, fn := range fns {
			part := fn(r)
			if part == "" {
				continue
			}
			if sb.Len() > 0 {
				sb.WriteByte(':')
			}
			sb.WriteString(part)
		}
		return sb.String()
	}
}
