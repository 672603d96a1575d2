package monitor

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotConnected is returned for operations (send, reset, wait) that
// require an active connection on the named port.
var ErrNotConnected = errors.New("port not connected")

// ErrTimeout is returned when a response wait exceeds its deadline. The
// concrete error is a TimeoutError carrying how long the caller waited; the
// sent entry itself was already recorded.
var ErrTimeout = errors.New("timeout")

// ErrValidation flags malformed requests (unknown reset method, bad start
// position) rejected before any side effect.
var ErrValidation = errors.New("validation error")

// TimeoutError reports an expired response wait.
type TimeoutError struct {
	Port   string
	Waited time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("no response from %s after %s", e.Port, e.Waited)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}
