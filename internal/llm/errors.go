package llm

import (
	"errors"
	"net"
	"regexp"
	"strconv"
)

// ClientError marks a non-retryable, client-class generation failure
// (bad request, auth required, forbidden model). The session controller
// surfaces these immediately instead of retrying.
type ClientError struct {
	StatusCode int
	Message    string
}

func (e *ClientError) Error() string {
	return e.Message
}

var statusCodePattern = regexp.MustCompile(`status code:?\s*(\d{3})`)

// IsRetryable classifies a stream failure. Network errors, 5xx-class
// responses, and anything without a recognizable status are treated as
// transient; 4xx-class responses (except 408 and 429) are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var clientErr *ClientError
	if errors.As(err, &clientErr) {
		return retryableStatus(clientErr.StatusCode)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	if m := statusCodePattern.FindStringSubmatch(err.Error()); m != nil {
		code, _ := strconv.Atoi(m[1])
		return retryableStatus(code)
	}

	return true
}

func retryableStatus(code int) bool {
	switch {
	case code == 408 || code == 429:
		return true
	case code >= 500:
		return true
	default:
		return false
	}
}
