// Package config - defaults.go centralizes magic numbers and default values.
//
// DESIGN: All default values that appear in multiple places should be defined
// here. This makes configuration more maintainable and auditable.
package config

import "time"

// =============================================================================
// SERVER
// =============================================================================

// DefaultPort is the port the gateway listens on.
const DefaultPort = 8000

// DefaultServerReadTimeout is the max time to read a request.
const DefaultServerReadTimeout = 60 * time.Second

// DefaultServerWriteTimeout must cover the longest SSE stream.
const DefaultServerWriteTimeout = 10 * time.Minute

// DefaultRateLimit is requests per second per IP.
const DefaultRateLimit = 100

// MaxRateLimitBuckets prevents memory exhaustion from too many IP buckets.
const MaxRateLimitBuckets = 10000

// MaxRequestBodySize is the maximum allowed request body (10MB).
const MaxRequestBodySize = 10 * 1024 * 1024

// DefaultBufferSize is the standard I/O buffer size.
const DefaultBufferSize = 4096

// =============================================================================
// COMPLETION ENGINE
// =============================================================================

// DefaultMaxToolDepth bounds tool-call recursion within one completion.
// A tool that always requests itself would otherwise loop forever.
const DefaultMaxToolDepth = 10

// DefaultRequestTimeout is the whole-completion deadline.
const DefaultRequestTimeout = 5 * time.Minute

// DefaultStreamIdleTimeout is the max silence between upstream chunks before
// the stream is treated as failed.
const DefaultStreamIdleTimeout = 60 * time.Second

// DefaultRetryBackoff is the delay before the single non-streaming retry.
const DefaultRetryBackoff = 500 * time.Millisecond

// TokenEstimateRatio is the approximate number of characters per token,
// used only when the tokenizer is unavailable.
const TokenEstimateRatio = 4

// =============================================================================
// SESSIONS
// =============================================================================

// DefaultSessionTTL is how long an idle session is kept before eviction.
const DefaultSessionTTL = 24 * time.Hour

// DefaultCleanupInterval is the frequency for background cleanup goroutines.
const DefaultCleanupInterval = 5 * time.Minute

// =============================================================================
// TOOLS
// =============================================================================

// DefaultToolTimeout is the per-call timeout for tool server round-trips.
const DefaultToolTimeout = 30 * time.Second

// DefaultDiscoveryTimeout bounds a tool server liveness probe.
const DefaultDiscoveryTimeout = 5 * time.Second

// =============================================================================
// MONITORING
// =============================================================================

// DefaultAuditRetention caps the in-memory audit log entry count.
const DefaultAuditRetention = 1000
