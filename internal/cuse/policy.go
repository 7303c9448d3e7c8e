// Package cuse is the per-handle uinput protocol front-end: it terminates
// the userspace-char-device callbacks, replays configuration onto the real
// /dev/uinput, and drives handle lifecycle through the dispatcher (spec
// §4.1).
package cuse

import (
	"github.com/vuinputd/vuinputd/domain"
	"github.com/vuinputd/vuinputd/internal/uinputproto"
)

// AllowEvbit reports whether policy lets a UI_SET_EVBIT of evtype reach the
// backing FD (spec §4.1.1).
func AllowEvbit(policy domain.DevicePolicy, evtype uint16) bool {
	switch policy {
	case domain.PolicyStrictGamepad:
		return uinputproto.GamepadEvbits[evtype]
	default:
		return true
	}
}

// AllowKeybit reports whether policy lets a UI_SET_KEYBIT of code reach the
// backing FD.
func AllowKeybit(policy domain.DevicePolicy, code uint16) bool {
	switch policy {
	case domain.PolicyNone:
		return true
	case domain.PolicyMuteSysRq:
		return code != uinputproto.KeySysRq
	case domain.PolicySanitized:
		if code == uinputproto.KeySysRq {
			return false
		}
		for _, vt := range uinputproto.VtSwitchKeys {
			if code == vt {
				return false
			}
		}
		return true
	case domain.PolicyStrictGamepad:
		return code >= uinputproto.BtnJoystickBase && code <= uinputproto.BtnGamepadEnd
	default:
		return true
	}
}

// AllowAbsbit reports whether policy lets a UI_SET_ABSBIT of code reach the
// backing FD. Only strict-gamepad restricts axes; the other policies are
// key/evbit-scoped (spec §4.1.1 only names SysRq, VT-switch and
// joystick/gamepad bits).
func AllowAbsbit(policy domain.DevicePolicy, code uint16) bool {
	if policy == domain.PolicyStrictGamepad {
		return code <= uinputproto.AbsMax
	}
	return true
}

// AllowOther is the fallback for capability-set ioctls policy never
// special-cases (UI_SET_RELBIT, UI_SET_MSCBIT, UI_SET_LEDBIT, UI_SET_SNDBIT,
// UI_SET_FFBIT, UI_SET_SWBIT, UI_SET_PROPBIT): strict-gamepad strips every
// one of them, relative pointer motion, LEDs and sounds included; every
// other policy passes them through.
func AllowOther(policy domain.DevicePolicy) bool {
	return policy != domain.PolicyStrictGamepad
}
