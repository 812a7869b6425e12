package refshare

import "go.uber.org/zap"

type options struct {
	logger *zap.Logger
}

func newOptions(opts []Option) *options {
	o := &options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Option configures a Factory or Keyed factory.
type Option func(*options)

// WithLogger sets the logger used for failures that have no caller left to
// observe them, such as a deferred close or the teardown of a resource whose
// creation outlived every waiter. Defaults to a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}
