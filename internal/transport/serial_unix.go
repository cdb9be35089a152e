//go:build unix

package transport

import (
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

type serialPort struct {
	*os.File
	fd    int
	state *term.State
}

// OpenSerial opens a serial device in raw mode. The previous terminal
// settings are restored on Close.
func OpenSerial(path string) (io.ReadWriteCloser, error) {
	f, err := os.OpenFile(path, os.O_RDWR|unix.O_NOCTTY, 0)
	if err != nil {
		return nil, fmt.Errorf("transport: open serial %s: %w", path, err)
	}

	// f.Fd would switch the file to blocking mode and stop Close from
	// interrupting a pending Read.
	raw, err := f.SyscallConn()
	if err != nil {
		f.Close()
		return nil, err
	}
	var fd int
	if err := raw.Control(func(sfd uintptr) { fd = int(sfd) }); err != nil {
		f.Close()
		return nil, err
	}

	p := &serialPort{File: f, fd: fd}
	if term.IsTerminal(fd) {
		state, err := term.MakeRaw(fd)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("transport: raw mode %s: %w", path, err)
		}
		p.state = state
	}
	return p, nil
}

func (p *serialPort) Close() error {
	var errs []error
	if p.state != nil {
		errs = append(errs, term.Restore(p.fd, p.state))
	}
	errs = append(errs, p.File.Close())
	return errors.Join(errs...)
}
