package provider

import (
	"time"

	"github.com/hashicorp/go-hclog"
)

// Option defines a common functional options type.
type Option func(interface{})

// ApplyOpts takes a pointer to the options struct as a set of default options
// and applies the slice of opts as overrides.
func ApplyOpts(opts interface{}, opt ...Option) {
	for _, o := range opt {
		o(opts)
	}
}

// WithLogger provides an optional hclog.Logger. Components log validation
// outcomes and event-sink failures through it; the default is a no-op logger.
func WithLogger(l hclog.Logger) Option {
	return func(o interface{}) {
		if l == nil {
			return
		}
		switch v := o.(type) {
		case *commonOptions:
			v.withLogger = l
		}
	}
}

// WithNow provides an optional time source, overriding the default of
// time.Now. Expiration math throughout the provider reads time exclusively
// through it, which keeps tests deterministic.
func WithNow(nowFn func() time.Time) Option {
	return func(o interface{}) {
		if nowFn == nil {
			return
		}
		switch v := o.(type) {
		case *commonOptions:
			v.withNowFn = nowFn
		}
	}
}

// WithEventSink provides an optional EventSink for audit events. The default
// sink logs through the configured logger.
func WithEventSink(sink EventSink) Option {
	return func(o interface{}) {
		if sink == nil {
			return
		}
		switch v := o.(type) {
		case *commonOptions:
			v.withEventSink = sink
		}
	}
}

// commonOptions is the option set shared by every component constructor in
// this package.
type commonOptions struct {
	withLogger    hclog.Logger
	withNowFn     func() time.Time
	withEventSink EventSink
}

// commonDefaults is a handy way to get the defaults at runtime and during
// unit tests.
func commonDefaults() commonOptions {
	return commonOptions{
		withLogger: hclog.NewNullLogger(),
		withNowFn:  time.Now,
	}
}

// getCommonOpts gets the defaults and applies the opt overrides passed in.
func getCommonOpts(opt ...Option) commonOptions {
	opts := commonDefaults()
	ApplyOpts(&opts, opt...)
	if opts.withEventSink == nil {
		opts.withEventSink = NewLoggerEventSink(opts.withLogger)
	}
	return opts
}
