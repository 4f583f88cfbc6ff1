package store

import "time"

// Option defines a common functional options type.
type Option func(interface{})

// ApplyOpts takes a pointer to the options struct as a set of default options
// and applies the slice of opts as overrides.
func ApplyOpts(opts interface{}, opt ...Option) {
	for _, o := range opt {
		o(opts)
	}
}

// WithNow provides an optional time source, primarily so expiration can be
// tested deterministically.
func WithNow(nowFn func() time.Time) Option {
	return func(o interface{}) {
		if v, ok := o.(*storeOptions); ok && nowFn != nil {
			v.withNowFn = nowFn
		}
	}
}

// WithKeyPrefix provides an optional key namespace prefix for the Redis
// store.
func WithKeyPrefix(prefix string) Option {
	return func(o interface{}) {
		if v, ok := o.(*storeOptions); ok && prefix != "" {
			v.withKeyPrefix = prefix
		}
	}
}

// storeOptions is the set of available options for store constructors.
type storeOptions struct {
	withNowFn     func() time.Time
	withKeyPrefix string
}

// storeDefaults is a handy way to get the defaults at runtime and during unit
// tests.
func storeDefaults() storeOptions {
	return storeOptions{
		withNowFn:     time.Now,
		withKeyPrefix: "identityserver",
	}
}

// getStoreOpts gets the store defaults and applies the opt overrides passed
// in.
func getStoreOpts(opt ...Option) storeOptions {
	opts := storeDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}
