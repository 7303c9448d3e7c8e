//
// Copyright 2019-2020 Nestybox, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

// Package vtguard implements the optional --vt-guard startup action (spec
// §6): it puts the current VT into graphics mode with keyboard input off,
// so a synthetic keyboard device the daemon creates cannot also drive the
// host's own text console. Structured the way internal/cuse/backend.go
// separates the real syscall device from the interface its callers use, so
// the ioctl sequence can be exercised against a fake in tests.
package vtguard

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// VT ioctl numbers and mode constants from <linux/kd.h>. They are not part
// of golang.org/x/sys/unix's generated constant set (that set tracks
// asm-generic/ioctls.h and friends, not kd.h), so they are defined here
// directly rather than guessed at from an unverified unix.KD* name.
const (
	kdSetMode = 0x4B3A // KDSETMODE
	kdSkbMode = 0x4B45 // KDSKBMODE

	kdGraphics = 0x01 // KD_GRAPHICS
	kOff       = 0x04 // K_OFF
)

// DefaultVTPath is the current VT: the console the daemon's own controlling
// terminal, if any, is attached to.
const DefaultVTPath = "/dev/tty0"

// IoctlDevice issues a VT ioctl and closes. Abstracted so Apply's sequence
// can be tested without a real /dev/tty0.
type IoctlDevice interface {
	IoctlSetInt(cmd, value uintptr) error
	Close() error
}

type ttyDevice struct{ fd int }

// OpenVT opens path (normally DefaultVTPath) for VT ioctls.
func OpenVT(path string) (IoctlDevice, error) {
	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &ttyDevice{fd: fd}, nil
}

func (t *ttyDevice) IoctlSetInt(cmd, value uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(t.fd), cmd, value)
	if errno != 0 {
		return errno
	}
	return nil
}

func (t *ttyDevice) Close() error { return unix.Close(t.fd) }

// Apply issues KDSETMODE=KD_GRAPHICS and KDSKBMODE=K_OFF on the current VT.
// A failure here is not fatal by itself; the caller decides whether a
// vt-guard failure should abort startup.
func Apply() error {
	dev, err := OpenVT(DefaultVTPath)
	if err != nil {
		return err
	}
	return ApplyTo(dev)
}

// ApplyTo runs the KDSETMODE/KDSKBMODE sequence against dev and closes it
// regardless of outcome.
func ApplyTo(dev IoctlDevice) error {
	defer dev.Close()

	if err := dev.IoctlSetInt(kdSetMode, kdGraphics); err != nil {
		return fmt.Errorf("KDSETMODE(KD_GRAPHICS): %w", err)
	}
	if err := dev.IoctlSetInt(kdSkbMode, kOff); err != nil {
		return fmt.Errorf("KDSKBMODE(K_OFF): %w", err)
	}
	return nil
}
