package netio

import "time"

// Options configures a CoordServer. Following the same shape as the
// teacher's server.Options: a plain struct with a NewDefaultOptions
// constructor, customized through variadic configuration functions passed
// to NewCoordServer rather than named With... setters.
type Options struct {
	Port           int
	PSK            string
	SessionTimeout time.Duration
}

// NewDefaultOptions returns Options with a conventional default port and
// session timeout. PSK has no sensible default and must be set by the
// caller.
func NewDefaultOptions() *Options {
	return &Options{
		Port:           defaultCoordPort,
		SessionTimeout: defaultSessionTimeout,
	}
}
