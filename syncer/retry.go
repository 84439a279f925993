package syncer

import (
	"errors"
	"net/http"

	"github.com/briangreenhill/loadsync/failure"
)

// RetryableError reports whether a replay failure may succeed later.
// Connectivity problems, rate limiting, server faults and expired sessions
// are retryable; a request the API rejected on its merits is not.
func RetryableError(err error) bool {
	var fe *failure.Error
	if !errors.As(err, &fe) {
		return true
	}
	switch fe.Kind {
	case failure.Network, failure.Auth, failure.Cache:
		return true
	case failure.Validation:
		return false
	case failure.Server:
		switch {
		case fe.Status == http.StatusTooManyRequests,
			fe.Status == http.StatusRequestTimeout,
			fe.Status >= 500:
			return true
		case fe.Status >= 400:
			return false
		}
	}
	return true
}
