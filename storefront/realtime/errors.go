package realtime

import (
	"errors"
	"fmt"
)

var errChannelClosed = errors.New("channel closed by peer")

func errorf(format string, args ...any) error {
	return fmt.Errorf("realtime: "+format, args...)
}
