package queue

import (
	"errors"
	"fmt"
)

var ErrInvalidConfig = errors.New("queue: invalid configuration")

func invalidConfig(msg string, args ...any) error {
	return fmt.Errorf("%w: "+msg, append([]any{ErrInvalidConfig}, args...)...)
}
