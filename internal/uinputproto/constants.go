// Package uinputproto defines the wire-level constants and struct layouts
// of the Linux uinput ioctl protocol (<linux/uinput.h>, <linux/input.h>),
// both the native and 32-bit-compat variants, plus decoding of the argument
// sizes each ioctl command carries in its own encoding.
package uinputproto

import (
	"unsafe"

	ioctl "github.com/daedaluz/goioctl"
)

// Event types and a representative sample of codes; the front-end forwards
// everything else opaquely and only special-cases the ones policy filtering
// needs to recognize (spec §4.1.1).
const (
	EvSyn uint16 = 0x00
	EvKey uint16 = 0x01
	EvRel uint16 = 0x02
	EvAbs uint16 = 0x03
	EvFF  uint16 = 0x15
)

const (
	KeySysRq uint16 = 0x63
	BtnLeft  uint16 = 0x110
)

// VtSwitchKeys are the console VT-switch targets (Ctrl+Alt+F1..F12) the
// "sanitized" policy strips alongside SysRq (spec §4.1.1).
var VtSwitchKeys = []uint16{
	0x3b, 0x3c, 0x3d, 0x3e, 0x3f, 0x40, // F1-F6
	0x41, 0x42, 0x43, 0x44, 0x57, 0x58, // F7-F12
}

// GamepadEvbits bounds the event types the "strict-gamepad" policy permits
// (spec §4.1.1).
var GamepadEvbits = map[uint16]bool{
	EvSyn: true,
	EvAbs: true,
	EvKey: true,
	EvFF:  true,
}

const (
	BtnJoystickBase uint16 = 0x120 // BTN_JOYSTICK
	BtnGamepadEnd   uint16 = 0x13e // BTN_THUMBR, highest gamepad/joystick button
	AbsMax          uint16 = 0x3f  // ABS_MAX
)

const uiIoctlBase = 'U'

// Ioctl command numbers, matching <linux/uinput.h>. Computed the same way
// the kernel header does (_IO/_IOW/_IOR/_IOWR over a fixed base letter and
// sequence number) rather than hardcoded, so the encoding stays correct
// across struct-size changes below.
var (
	UI_DEV_CREATE  = ioctl.IO(uiIoctlBase, 1)
	UI_DEV_DESTROY = ioctl.IO(uiIoctlBase, 2)
	UI_DEV_SETUP   = ioctl.IOW(uiIoctlBase, 3, unsafe.Sizeof(UinputSetup{}))
	UI_ABS_SETUP   = ioctl.IOW(uiIoctlBase, 4, unsafe.Sizeof(UinputAbsSetup{}))

	UI_SET_EVBIT   = ioctl.IOW(uiIoctlBase, 100, unsafe.Sizeof(int32(0)))
	UI_SET_KEYBIT  = ioctl.IOW(uiIoctlBase, 101, unsafe.Sizeof(int32(0)))
	UI_SET_RELBIT  = ioctl.IOW(uiIoctlBase, 102, unsafe.Sizeof(int32(0)))
	UI_SET_ABSBIT  = ioctl.IOW(uiIoctlBase, 103, unsafe.Sizeof(int32(0)))
	UI_SET_MSCBIT  = ioctl.IOW(uiIoctlBase, 104, unsafe.Sizeof(int32(0)))
	UI_SET_LEDBIT  = ioctl.IOW(uiIoctlBase, 105, unsafe.Sizeof(int32(0)))
	UI_SET_SNDBIT  = ioctl.IOW(uiIoctlBase, 106, unsafe.Sizeof(int32(0)))
	UI_SET_FFBIT   = ioctl.IOW(uiIoctlBase, 107, unsafe.Sizeof(int32(0)))
	UI_SET_PHYS    = ioctl.IOW(uiIoctlBase, 108, unsafe.Sizeof(uintptr(0)))
	UI_SET_SWBIT   = ioctl.IOW(uiIoctlBase, 109, unsafe.Sizeof(int32(0)))
	UI_SET_PROPBIT = ioctl.IOW(uiIoctlBase, 110, unsafe.Sizeof(int32(0)))

	UI_GET_VERSION = ioctl.IOR(uiIoctlBase, 45, unsafe.Sizeof(uint32(0)))

	UI_BEGIN_FF_UPLOAD = ioctl.IOWR(uiIoctlBase, 200, unsafe.Sizeof(UinputFFUpload{}))
	UI_END_FF_UPLOAD   = ioctl.IOW(uiIoctlBase, 201, unsafe.Sizeof(UinputFFUpload{}))
	UI_BEGIN_FF_ERASE  = ioctl.IOWR(uiIoctlBase, 202, unsafe.Sizeof(UinputFFErase{}))
	UI_END_FF_ERASE    = ioctl.IOW(uiIoctlBase, 203, unsafe.Sizeof(UinputFFErase{}))
)

const UinputVersion = 5

// SysnameIoctl returns the UI_GET_SYSNAME(len) ioctl number for a buffer of
// the given length, mirroring the kernel's _IOC(_IOC_READ, UINPUT_IOCTL_BASE,
// 44, len) encoding (spec §4.1 "UI_GET_SYSNAME(N)").
func SysnameIoctl(bufLen int) uintptr {
	return ioctl.IOR(uiIoctlBase, 44, uintptr(bufLen))
}

const sysnameNr = 44

// Linux's generic ioctl number encoding (<asm-generic/ioctl.h>): every
// command daedaluz/goioctl builds packs a direction, a type (base letter), a
// sequence number and a payload size into one word. Decoding it directly
// lets the front-end recover a variable-length command's buffer size from
// the command alone instead of keeping a second table in sync.
const (
	iocNRBits   = 8
	iocTypeBits = 8
	iocSizeBits = 14

	iocNRShift   = 0
	iocTypeShift = iocNRShift + iocNRBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits

	iocDirNone  = 0
	iocDirWrite = 1
	iocDirRead  = 2
)

func iocNR(cmd uintptr) uintptr   { return (cmd >> iocNRShift) & (1<<iocNRBits - 1) }
func iocType(cmd uintptr) uintptr { return (cmd >> iocTypeShift) & (1<<iocTypeBits - 1) }
func iocSize(cmd uintptr) uintptr { return (cmd >> iocSizeShift) & (1<<iocSizeBits - 1) }
func iocDir(cmd uintptr) uintptr  { return (cmd >> iocDirShift) & 0x3 }

// IsSysnameCmd reports whether cmd is some UI_GET_SYSNAME(N), whatever N the
// caller encoded the buffer length as.
func IsSysnameCmd(cmd uintptr) bool {
	return iocType(cmd) == uiIoctlBase && iocNR(cmd) == sysnameNr && iocDir(cmd) == iocDirRead
}

// RequiredSize decodes the in/out byte counts a command's own encoding
// carries, so the front-end can detect a too-small buffer and ask the
// caller to retry (spec §4.1 "if in_buf/out_buf sizing cannot be inferred
// from the command alone"). ok is false only for a command whose direction
// bits are IOC_NONE and carries no size at all.
func RequiredSize(cmd uintptr) (inSize, outSize int, ok bool) {
	size := int(iocSize(cmd))
	switch iocDir(cmd) {
	case iocDirWrite:
		return size, 0, true
	case iocDirRead:
		return 0, size, true
	case iocDirRead | iocDirWrite:
		return size, size, true
	default:
		return 0, 0, false
	}
}

// FixedSizeIoctls maps the common uinput ioctls to their payload size, in
// bytes. UI_GET_SYSNAME, whose length is chosen by the caller, is absent, as
// are UI_SET_PHYS and the FF upload/erase commands. The front-end does not
// consult this table; it sizes buffers with RequiredSize.
var FixedSizeIoctls = map[uintptr]int{
	UI_SET_EVBIT:   4,
	UI_SET_KEYBIT:  4,
	UI_SET_RELBIT:  4,
	UI_SET_ABSBIT:  4,
	UI_SET_MSCBIT:  4,
	UI_SET_LEDBIT:  4,
	UI_SET_SNDBIT:  4,
	UI_SET_FFBIT:   4,
	UI_SET_SWBIT:   4,
	UI_SET_PROPBIT: 4,
	UI_DEV_SETUP:   int(unsafe.Sizeof(UinputSetup{})),
	UI_ABS_SETUP:   int(unsafe.Sizeof(UinputAbsSetup{})),
	UI_DEV_CREATE:  0,
	UI_DEV_DESTROY: 0,
	UI_GET_VERSION: 4,
}
