package domain

import "errors"

// Admission and integrity failures surfaced to callers. Everything else is
// resolved inside the session controller and never crosses its boundary.
var (
	ErrBusy                = errors.New("a generation is already in flight for this thread")
	ErrQuotaExceeded       = errors.New("daily message quota exceeded")
	ErrThreadNotFound      = errors.New("thread not found")
	ErrMessageNotFound     = errors.New("message not found")
	ErrInsufficientHistory = errors.New("not enough history to regenerate")
)

func IsBusy(err error) bool { return errors.Is(err, ErrBusy) }

func IsQuotaExceeded(err error) bool { return errors.Is(err, ErrQuotaExceeded) }

func IsNotFound(err error) bool {
	return errors.Is(err, ErrThreadNotFound) || errors.Is(err, ErrMessageNotFound)
}
