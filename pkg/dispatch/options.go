package dispatch

import (
	"time"
)

const (
	DefaultTimeout = 5 * time.Second
	MaxRetries     = 16
)

// Options controls how long a dispatched request waits for its confirm.
type Options struct {
	// Timeout is the delay granted to each delivery attempt. Zero means DefaultTimeout.
	Timeout time.Duration `json:"timeout"`

	// Retries is the number of times the request is resent after a timeout.
	Retries int `json:"retries"`
}

// Check returns an error if the Options are invalid.
// Retries are bounded, there is no way to retry forever.
func (self Options) Check() error {
	if self.Timeout < 0 {
		return newError("invalid Timeout %v < 0", self.Timeout)
	}
	if self.Retries < 0 || self.Retries > MaxRetries {
		return newError("invalid Retries %d, expected 0 <= Retries <= %d", self.Retries, MaxRetries)
	}
	return nil
}

// Apply returns a copy of self updated by opts with defaults filled in.
func (self Options) Apply(opts ...Option) Options {
	rv := self
	for _, opt := range opts {
		opt(&rv)
	}
	if 0 == rv.Timeout {
		rv.Timeout = DefaultTimeout
	}
	return rv
}

// Option modifies Options for a single call.
type Option func(*Options)

// WithTimeout sets the per attempt Timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.Timeout = d
	}
}

// WithRetries sets the number of Retries.
func WithRetries(n int) Option {
	return func(o *Options) {
		o.Retries = n
	}
}
