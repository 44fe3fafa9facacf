package exchange

import "github.com/pion/logging"

// newLogger creates the package logger. A nil factory falls back to the pion
// default factory, which honours the PION_LOG_* environment variables.
func newLogger(factory logging.LoggerFactory) logging.LeveledLogger {
	if factory == nil {
		factory = logging.NewDefaultLoggerFactory()
	}
	return factory.NewLogger("coap-exchange")
}
