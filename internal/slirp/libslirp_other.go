//go:build !((linux || darwin) && (amd64 || arm64))

package slirp

// Open always fails on platforms without a libslirp binding.
func Open(cfg Config, cb Callbacks) (Stack, error) {
	return nil, ErrUnsupported
}

// Version always fails on platforms without a libslirp binding.
func Version(library string) (string, error) {
	return "", ErrUnsupported
}
