package handshaker

import (
	"time"

	"github.com/inconshreveable/log15"
	"github.com/ngrok/handshaker/internal/proto"
	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/utils/clock"
)

const (
	// DefaultHandshakeTimeout is how long a Transport waits for the response to
	// a handshake it initiated.
	DefaultHandshakeTimeout time.Duration = 30 * time.Second
	// DefaultMaxMessageSize bounds the body of any message a Transport reads.
	DefaultMaxMessageSize = 64 * 1024
)

type options struct {
	l                           log15.Logger
	clock                       clock.WithDelayedExecution
	minimumCompatible           proto.Version
	ignoreDeserializationErrors bool
	registerer                  prometheus.Registerer
	handshakeTimeout            time.Duration
	maxMessageSize              int
}

func defaultOptions() *options {
	noopLogger := log15.New()
	noopLogger.SetHandler(log15.DiscardHandler())
	return &options{
		l:                 noopLogger,
		clock:             clock.RealClock{},
		minimumCompatible: proto.MinimumCompatibleVersion,
		handshakeTimeout:  DefaultHandshakeTimeout,
		maxMessageSize:    DefaultMaxMessageSize,
	}
}

func buildOptions(opts []Option) *options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Option is an option function for Handshaker and Transport.
// See Rob Pike's post on the topic for more information on this pattern:
// https://commandcenter.blogspot.com/2014/01/self-referential-functions-and-design.html
type Option func(o *options)

// WithLogger configures the logger to use for handshake operations.
// By default, nothing will be logged.
func WithLogger(l log15.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.l = l
		}
	}
}

// WithClock configures the clock used to schedule handshake timeouts.
func WithClock(c clock.WithDelayedExecution) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithMinimumCompatibleVersion sets the oldest real protocol version accepted
// from a peer.
func WithMinimumCompatibleVersion(v proto.Version) Option {
	return func(o *options) {
		o.minimumCompatible = v
	}
}

// WithIgnoreDeserializationErrors makes inbound handshakes tolerate malformed
// requests: the problem is logged and a response is sent anyway.
func WithIgnoreDeserializationErrors(ignore bool) Option {
	return func(o *options) {
		o.ignoreDeserializationErrors = ignore
	}
}

// WithMetrics registers handshake metrics with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(o *options) {
		o.registerer = reg
	}
}

// WithHandshakeTimeout configures how long a Transport waits for a handshake
// response. If a time of 0 is specified, the default will be used.
func WithHandshakeTimeout(t time.Duration) Option {
	return func(o *options) {
		o.handshakeTimeout = t
		if o.handshakeTimeout <= 0 {
			o.handshakeTimeout = DefaultHandshakeTimeout
		}
	}
}

// WithMaxMessageSize bounds the size of message bodies a Transport reads. If a
// size of 0 is specified, the default will be used.
func WithMaxMessageSize(n int) Option {
	return func(o *options) {
		o.maxMessageSize = n
		if o.maxMessageSize <= 0 {
			o.maxMessageSize = DefaultMaxMessageSize
		}
	}
}
