//go:build linux

package shm

import (
	"encoding/binary"
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// Create allocates a sealed memfd region of the given size and maps it read-write.
func Create(name string, size int) (*Region, error) {
	if size <= 0 {
		return nil, ErrInvalidSize
	}

	fd, err := unix.MemfdCreate(name, unix.MFD_CLOEXEC|unix.MFD_ALLOW_SEALING)
	if err != nil {
		return nil, fmt.Errorf("memfd_create %s: %w", name, err)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("ftruncate %s to %d: %w", name, size, err)
	}

	r, err := mapFd(name, fd, size)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}

	// Sealing is best effort: older kernels or restricted sandboxes may refuse it.
	seals := unix.F_SEAL_SHRINK | unix.F_SEAL_GROW | unix.F_SEAL_SEAL
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_ADD_SEALS, seals); err == nil {
		r.sealed = true
	}
	return r, nil
}

// Map maps a region received from another process. The region takes ownership of fd.
func Map(name string, fd, size int) (*Region, error) {
	if size <= 0 {
		return nil, ErrInvalidSize
	}
	return mapFd(name, fd, size)
}

func mapFd(name string, fd, size int) (*Region, error) {
	mem, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %s (%d bytes): %w", name, size, err)
	}
	return &Region{name: name, size: size, fd: fd, mem: mem}, nil
}

func (r *Region) release() error {
	var errs []error
	if r.mem != nil {
		if err := unix.Munmap(r.mem); err != nil {
			errs = append(errs, fmt.Errorf("munmap %s: %w", r.name, err))
		}
	}
	if r.fd >= 0 {
		if err := unix.Close(r.fd); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", r.name, err))
		}
		r.fd = -1
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// SendFD passes the region's descriptor and size over a unix socket.
func (r *Region) SendFD(conn *net.UnixConn) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}
	var payload [8]byte
	binary.LittleEndian.PutUint64(payload[:], uint64(r.size))
	oob := unix.UnixRights(r.fd)
	if _, _, err := conn.WriteMsgUnix(payload[:], oob, nil); err != nil {
		return fmt.Errorf("send fd for %s: %w", r.name, err)
	}
	return nil
}

// ReceiveFD reads one descriptor and region size sent with SendFD.
func ReceiveFD(conn *net.UnixConn) (fd int, size int, err error) {
	var payload [8]byte
	oob := make([]byte, unix.CmsgSpace(4))
	n, oobn, _, _, err := conn.ReadMsgUnix(payload[:], oob)
	if err != nil {
		return -1, 0, fmt.Errorf("receive fd: %w", err)
	}
	if n != len(payload) {
		return -1, 0, fmt.Errorf("receive fd: short payload (%d bytes)", n)
	}
	msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return -1, 0, fmt.Errorf("receive fd: parse control message: %w", err)
	}
	for _, msg := range msgs {
		fds, err := unix.ParseUnixRights(&msg)
		if err != nil || len(fds) == 0 {
			continue
		}
		for _, extra := range fds[1:] {
			unix.Close(extra)
		}
		return fds[0], int(binary.LittleEndian.Uint64(payload[:])), nil
	}
	return -1, 0, fmt.Errorf("receive fd: no descriptor in message")
}
