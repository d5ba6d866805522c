package topicbus

import (
	"log/slog"

	"github.com/glimte/topicbus/interceptors"
	"github.com/phsym/zeroslog"
	"github.com/rs/zerolog"
	"github.com/trickstertwo/xclock"
)

type brokerOptions struct {
	logger       *slog.Logger
	clock        xclock.Clock
	interceptors []interceptors.Interceptor
}

// Option configures a Broker
type Option func(*brokerOptions)

// WithLogger sets the logger for the broker and, through New, its transport
func WithLogger(logger *slog.Logger) Option {
	return func(o *brokerOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithZerolog logs through a zerolog logger at level and above
func WithZerolog(logger zerolog.Logger, level slog.Level) Option {
	return func(o *brokerOptions) {
		o.logger = slog.New(zeroslog.NewHandler(logger, &zeroslog.HandlerOptions{Level: level}))
	}
}

// WithInterceptors wraps every handler registered through Route. The first
// interceptor is the outermost.
func WithInterceptors(ics ...interceptors.Interceptor) Option {
	return func(o *brokerOptions) {
		o.interceptors = append(o.interceptors, ics...)
	}
}

// WithClock sets the clock used for Emit timestamps
func WithClock(clock xclock.Clock) Option {
	return func(o *brokerOptions) {
		if clock != nil {
			o.clock = clock
		}
	}
}

func newBrokerOptions(opts []Option) brokerOptions {
	o := brokerOptions{
		logger: slog.Default(),
		clock:  xclock.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
