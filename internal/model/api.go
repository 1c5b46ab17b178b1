package model

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

// MaxGoalLen bounds the goal text accepted from clients. Goals flow into
// prompts and Postgres TEXT columns; an unbounded goal would let a single
// request exhaust the planner's context window.
const MaxGoalLen = 8 * 1024

// ValidateGoal checks a client-submitted goal for emptiness and length.
func ValidateGoal(goal string) error {
	if strings.TrimSpace(goal) == "" {
		return fmt.Errorf("goal must not be empty")
	}
	if len(goal) > MaxGoalLen {
		return fmt.Errorf("goal exceeds maximum length of %d bytes", MaxGoalLen)
	}
	return nil
}

// privateIPRanges is the set of CIDR blocks considered non-public.
// Populated once at package init; used by ValidateSourceURI.
var privateIPRanges []*net.IPNet

func init() {
	for _, cidr := range []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"127.0.0.0/8",
		"169.254.0.0/16", // link-local
		"::1/128",
		"fc00::/7",  // unique-local IPv6
		"fe80::/10", // link-local IPv6
	} {
		_, network, err := net.ParseCIDR(cidr)
		if err == nil {
			privateIPRanges = append(privateIPRanges, network)
		}
	}
}

// ValidateSourceURI ensures an evidence source URI is a safe, publicly
// routable http/https URL. Rejects javascript: and file: schemes (XSS when
// rendered by a client), credentials embedded in the URL, and
// private/loopback addresses (future SSRF surface). Internal memory:// URIs
// are accepted as-is.
func ValidateSourceURI(rawURI string) error {
	if strings.HasPrefix(rawURI, "memory://") {
		return nil
	}
	u, err := url.Parse(rawURI)
	if err != nil {
		return fmt.Errorf("invalid URI: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("source_uri must use http or https scheme (got %q)", u.Scheme)
	}
	if u.User != nil {
		return fmt.Errorf("source_uri must not include credentials")
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("source_uri must include a host")
	}
	if strings.EqualFold(host, "localhost") {
		return fmt.Errorf("source_uri must not point to localhost")
	}
	if ip := net.ParseIP(host); ip != nil {
		for _, r := range privateIPRanges {
			if r.Contains(ip) {
				return fmt.Errorf("source_uri must not point to a private or loopback address")
			}
		}
	}
	return nil
}

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ListResponse is the standard envelope for paginated list endpoints.
type ListResponse struct {
	Data    any          `json:"data"`
	Total   *int         `json:"total,omitempty"`
	HasMore bool         `json:"has_more"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
	Meta    ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
)

// SolveRequest is the request body for POST /v1/runs and POST /v1/solve.
// MaxTokens and Variants override the server defaults when positive.
type SolveRequest struct {
	Goal      string `json:"goal"`
	MaxTokens int64  `json:"max_tokens,omitempty"`
	Variants  int    `json:"variants,omitempty"`
}

// RunDetail is the response for GET /v1/runs/{run_id}: the run plus its
// pass executions and check results.
type RunDetail struct {
	Run    Run             `json:"run"`
	Passes []PassExecution `json:"passes"`
	Checks []CheckResult   `json:"checks"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	Store     string `json:"store"`
	SSEBroker string `json:"sse_broker,omitempty"`
	Uptime    int64  `json:"uptime_seconds"`
}
