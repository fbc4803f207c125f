package modbus

import (
	"time"

	"github.com/pkg/errors"
)

// options holds the configuration for a transport.
type options struct {
	timeout time.Duration
	logger  Logger
}

// Option is a function that configures transport options.
type Option func(*options)

// TimeoutOption returns an Option that sets the receive timeout. A read
// that cannot obtain a complete frame within this duration fails. Zero, the
// default, waits unboundedly, relying on the underlying blocking read.
func TimeoutOption(timeout time.Duration) Option {
	return func(o *options) {
		o.timeout = timeout
	}
}

// LoggerOption returns an Option that sets the logger.
// If not set, the default slog logger will be used.
func LoggerOption(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// checkOptions validates and sets default values for transport options.
func checkOptions(opts *options) error {
	if opts.timeout < 0 {
		return errors.Errorf("negative receive timeout %s", opts.timeout)
	}

	if opts.logger == nil {
		opts.logger = defaultLogger()
	}

	return nil
}
