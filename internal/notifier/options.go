package notifier

import "go.uber.org/zap"

type options struct {
	deliverInitial bool
	logger         *zap.Logger
}

type Option func(*options)

// WithInitialDelivery controls whether each new callback is first called
// with an empty change set once the results are loaded. When disabled, the
// first call carries the first change, and the first load of a non-empty
// result is reported as insertions.
func WithInitialDelivery(on bool) Option { return func(o *options) { o.deliverInitial = on } }

func WithLogger(l *zap.Logger) Option { return func(o *options) { o.logger = l } }

func buildOptions(opts []Option) options {
	o := options{deliverInitial: true}
	for _, fn := range opts {
		fn(&o)
	}
	if o.logger == nil {
		o.logger = zap.L()
	}
	return o
}
