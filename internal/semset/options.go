package semset

import (
	"os"
)

type options struct {
	perm os.FileMode
}

type Option func(*options)

// WithPermissions sets the mode bits of the kernel objects New creates.
func WithPermissions(perm os.FileMode) Option {
	return func(o *options) {
		o.perm = perm.Perm()
	}
}

func buildOptions(opts []Option) options {
	o := options{
		perm: 0600,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
