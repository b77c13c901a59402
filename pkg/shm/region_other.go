//go:build !linux

package shm

import "net"

// Create allocates a heap-backed region on platforms without memfd.
func Create(name string, size int) (*Region, error) {
	if size <= 0 {
		return nil, ErrInvalidSize
	}
	return &Region{name: name, size: size, fd: -1, mem: make([]byte, size)}, nil
}

// Map is not available without memfd.
func Map(string, int, int) (*Region, error) {
	return nil, ErrUnsupported
}

func (r *Region) release() error {
	return nil
}

// SendFD is not available without memfd.
func (r *Region) SendFD(*net.UnixConn) error {
	return ErrUnsupported
}

// ReceiveFD is not available without memfd.
func ReceiveFD(*net.UnixConn) (int, int, error) {
	return -1, 0, ErrUnsupported
}
