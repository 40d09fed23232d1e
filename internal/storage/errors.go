package storage

import (
	"context"
	"errors"
	"net"
	"net/http"
	"syscall"

	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
)

// ErrUnavailable marks an error as a transient connectivity problem.
// Backends wrap it when the target cannot be reached.
var ErrUnavailable = errors.New("storage: backend unavailable")

// API error codes worth retrying: throttling, server trouble and credentials
// that the gateway may reject only while its token service is unhealthy.
var transientCodes = map[string]struct{}{
	"RequestTimeout":        {},
	"RequestTimeTooSkewed":  {},
	"SlowDown":              {},
	"Throttling":            {},
	"ThrottlingException":   {},
	"ServiceUnavailable":    {},
	"InternalError":         {},
	"InvalidAccessKeyId":    {},
	"ExpiredToken":          {},
	"TokenRefreshRequired":  {},
	"SignatureDoesNotMatch": {},
}

var transientErrnos = []syscall.Errno{
	syscall.ECONNREFUSED,
	syscall.ECONNRESET,
	syscall.ECONNABORTED,
	syscall.ETIMEDOUT,
	syscall.EHOSTUNREACH,
	syscall.ENETUNREACH,
	syscall.ENETDOWN,
	syscall.EPIPE,
	syscall.ENOTCONN,
	syscall.ESTALE,
}

type httpStatusError interface {
	HTTPStatusCode() int
}

// IsTransient reports whether err is a connectivity-class failure that a
// later attempt may not hit. Any other error is a hard rejection.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrUnavailable) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if _, ok := transientCodes[apiErr.ErrorCode()]; ok {
			return true
		}
	}

	var statusErr httpStatusError
	if errors.As(err, &statusErr) {
		code := statusErr.HTTPStatusCode()
		if code >= http.StatusInternalServerError || code == http.StatusTooManyRequests {
			return true
		}
		// a response arrived: the endpoint is up and said no
		return false
	}

	var sendErr *smithyhttp.RequestSendError
	if errors.As(err, &sendErr) {
		return true
	}

	for _, errno := range transientErrnos {
		if errors.Is(err, errno) {
			return true
		}
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}
