package bus

import (
	"errors"
	"time"
)

var errRetryRequested = errors.New("retry requested")

// RetryableError asks a durable transport to redeliver the envelope after
// Delay instead of acknowledging it. Transports without redelivery log it.
type RetryableError struct {
	Err   error
	Delay time.Duration
}

func (e *RetryableError) Error() string {
	if e == nil {
		return ""
	}
	if e.Delay <= 0 {
		return "redeliver: " + e.Err.Error()
	}
	return "redeliver in " + e.Delay.String() + ": " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// RetryAfter marks err for redelivery. A nil err still requests one and a
// negative delay means immediately.
func RetryAfter(err error, delay time.Duration) error {
	if err == nil {
		err = errRetryRequested
	}
	return &RetryableError{Err: err, Delay: max(delay, 0)}
}

// RetryDelay reports whether err asks for redelivery and after how long.
func RetryDelay(err error) (time.Duration, bool) {
	var re *RetryableError
	if !errors.As(err, &re) || re == nil {
		return 0, false
	}
	return max(re.Delay, 0), true
}
