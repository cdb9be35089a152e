//go:build !unix

package transport

import (
	"errors"
	"io"
)

// OpenSerial is not supported on this platform.
func OpenSerial(path string) (io.ReadWriteCloser, error) {
	return nil, errors.New("transport: serial devices are not supported on this platform")
}
