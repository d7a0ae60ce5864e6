package llm

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "dial tcp: i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"client error 400", &ClientError{StatusCode: 400, Message: "bad request"}, false},
		{"client error 401", &ClientError{StatusCode: 401, Message: "auth required"}, false},
		{"client error 429", &ClientError{StatusCode: 429, Message: "slow down"}, true},
		{"server error 500", &ClientError{StatusCode: 500, Message: "boom"}, true},
		{"net error", timeoutErr{}, true},
		{"status in message 503", fmt.Errorf("API returned unexpected status code: 503"), true},
		{"status in message 403", fmt.Errorf("API returned unexpected status code: 403"), false},
		{"unknown", errors.New("connection reset by peer"), true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsRetryable(tc.err))
		})
	}
}
