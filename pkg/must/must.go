package must

import (
	"io"

	"github.com/nexigon/nexigon/pkg/logging"
)

// Close closes c, logging a warning through logger if closing fails. It's
// meant for defer sites where a close error can't be meaningfully handled but
// shouldn't be silently discarded either.
func Close(c io.Closer, logger *logging.Logger) {
	if err := c.Close(); err != nil {
		logger.Warnf("Unable to close: %s", err.Error())
	}
}
