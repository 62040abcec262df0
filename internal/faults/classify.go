package faults

import (
	"context"
	"errors"
	"io"
	"net"
	"regexp"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/rpc"
)

// JSON-RPC codes some providers use for throttling.
const (
	rpcCodeLimitExceeded = -32005
	rpcCodeTooManyReqs   = -32029
)

var statusPattern = regexp.MustCompile(`\b(4\d\d|5\d\d)\b`)

// Classify maps an error onto a Kind. Typed errors win over message matching.
func Classify(err error) Kind {
	if err == nil {
		return Unknown
	}

	var fe *Error
	if errors.As(err, &fe) && fe.Kind != Unknown {
		return fe.Kind
	}
	var ce *CooldownError
	if errors.As(err, &ce) {
		return RateLimited
	}

	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		return kindForStatus(httpErr.StatusCode)
	}
	var httpErrPtr *rpc.HTTPError
	if errors.As(err, &httpErrPtr) && httpErrPtr != nil {
		return kindForStatus(httpErrPtr.StatusCode)
	}

	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		switch rpcErr.ErrorCode() {
		case rpcCodeLimitExceeded, rpcCodeTooManyReqs:
			return RateLimited
		}
	}

	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) {
		return Transient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Transient
	}

	return classifyMessage(err.Error())
}

func classifyMessage(msg string) Kind {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "too many requests"),
		strings.Contains(lower, "rate limit"),
		strings.Contains(lower, "rate-limit"),
		strings.Contains(lower, "ratelimit"):
		return RateLimited
	case strings.Contains(lower, "unauthorized"),
		strings.Contains(lower, "forbidden"),
		strings.Contains(lower, "invalid api key"):
		return Auth
	case strings.Contains(lower, "no route"),
		strings.Contains(lower, "no routes found"),
		strings.Contains(lower, "insufficient liquidity"):
		return NoRoute
	case strings.Contains(lower, "timeout"),
		strings.Contains(lower, "timed out"),
		strings.Contains(lower, "connection reset"),
		strings.Contains(lower, "connection refused"),
		strings.Contains(lower, "eof"),
		strings.Contains(lower, "bad gateway"),
		strings.Contains(lower, "service unavailable"):
		return Transient
	}

	if m := statusPattern.FindString(lower); m != "" {
		return kindForCode(m)
	}
	return Unknown
}

func kindForCode(code string) Kind {
	switch {
	case code == "429":
		return RateLimited
	case code == "401" || code == "403":
		return Auth
	case strings.HasPrefix(code, "5"):
		return Transient
	default:
		return Unknown
	}
}

// KindForStatus maps an HTTP status code onto a Kind.
func KindForStatus(status int) Kind {
	return kindForStatus(status)
}

func kindForStatus(status int) Kind {
	switch {
	case status == 429:
		return RateLimited
	case status == 401 || status == 403:
		return Auth
	case status >= 500:
		return Transient
	default:
		return Unknown
	}
}

// IsRPCRelated reports whether a submission failure should be retried on another
// endpoint.
func IsRPCRelated(err error) bool {
	switch Classify(err) {
	case Transient, RateLimited, Auth:
		return true
	default:
		return false
	}
}
