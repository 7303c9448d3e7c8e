package cuse

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// BackingFD is the host /dev/uinput file descriptor this daemon replays
// client protocol onto. Abstracted so handle.go's protocol logic can be
// exercised against a fake in tests without opening a real device.
type BackingFD interface {
	// Ioctl issues cmd against the descriptor. For write ioctls buf holds
	// the payload to send; for read/read-write ioctls the kernel fills buf
	// in place.
	Ioctl(cmd uintptr, buf []byte) error
	Write(buf []byte) (int, error)
	Read(buf []byte) (int, error)
	Close() error
}

// uinputFD is the production BackingFD, a real open file on /dev/uinput.
type uinputFD struct {
	fd int
}

// OpenBackingUinput opens the host's real uinput device non-blocking, so
// Read() (used only to relay FF upload/erase requests) never stalls a
// handle's callback goroutine indefinitely (spec §4.1 read()).
func OpenBackingUinput() (BackingFD, error) {
	fd, err := unix.Open("/dev/uinput", unix.O_RDWR|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("open /dev/uinput: %w", err)
	}
	return &uinputFD{fd: fd}, nil
}

func (u *uinputFD) Ioctl(cmd uintptr, buf []byte) error {
	var ptr uintptr
	if len(buf) > 0 {
		ptr = uintptr(unsafe.Pointer(&buf[0]))
	}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(u.fd), cmd, ptr)
	if errno != 0 {
		return errno
	}
	return nil
}

func (u *uinputFD) Write(buf []byte) (int, error) {
	return unix.Write(u.fd, buf)
}

func (u *uinputFD) Read(buf []byte) (int, error) {
	n, err := unix.Read(u.fd, buf)
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (u *uinputFD) Close() error {
	return unix.Close(u.fd)
}

// IsWouldBlock reports whether err is the "no FF request pending right now"
// case of a non-blocking read, which the CUSE adapter should turn into a
// zero-byte read reply rather than an error (spec §4.1 read()).
func IsWouldBlock(err error) bool {
	return err == unix.EAGAIN || err == os.ErrDeadlineExceeded
}
