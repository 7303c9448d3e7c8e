package uinputproto

// InputID mirrors <linux/input.h> struct input_id.
type InputID struct {
	Bustype uint16
	Vendor  uint16
	Product uint16
	Version uint16
}

// UinputSetup mirrors <linux/uinput.h> struct uinput_setup, the payload of
// UI_DEV_SETUP (spec §4.1, §6 "fixed identifiers").
type UinputSetup struct {
	ID           InputID
	Name         [80]byte
	FFEffectsMax uint32
}

// UinputAbsSetup mirrors struct uinput_abs_setup, the payload of
// UI_ABS_SETUP.
type UinputAbsSetup struct {
	Code uint16
	_    [2]byte // alignment padding before the embedded AbsInfo
	Abs  InputAbsInfo
}

// InputAbsInfo mirrors struct input_absinfo.
type InputAbsInfo struct {
	Value      int32
	Minimum    int32
	Maximum    int32
	Fuzz       int32
	Flat       int32
	Resolution int32
}

// InputEvent is the native (64-bit time_t/suseconds_t) struct input_event
// layout used on the wire between a 64-bit client and this daemon, and
// between this daemon and the host kernel.
type InputEvent struct {
	Sec   int64
	Usec  int64
	Type  uint16
	Code  uint16
	Value int32
}

// InputEvent32 is the 32-bit-compat struct input_event layout: same fields,
// but Sec/Usec are 32-bit (spec §4.1 write() "32-bit-compat variant when the
// caller is 32-bit").
type InputEvent32 struct {
	Sec   int32
	Usec  int32
	Type  uint16
	Code  uint16
	Value int32
}

const (
	InputEventSize   = 24 // sizeof(struct input_event) on amd64
	InputEvent32Size = 16 // sizeof(struct input_event) on a 32-bit ABI
)

// UinputFFUpload mirrors struct uinput_ff_upload (the UI_BEGIN/END_FF_UPLOAD
// payload). The effect data itself is left as a raw byte blob: it's kernel
// ff_effect layout this daemon only needs to forward, not interpret (spec
// §4.1 "Force-feedback upload/erase ioctls are forwarded").
type UinputFFUpload struct {
	RequestID uint32
	RetVal    int32
	Effect    [FFEffectSize]byte
	Old       [FFEffectSize]byte
}

// UinputFFErase mirrors struct uinput_ff_erase.
type UinputFFErase struct {
	RequestID uint32
	RetVal    int32
	EffectID  uint32
}

// FFEffectSize is sizeof(struct ff_effect) on the native ABI; kept opaque
// per the forwarding note above.
const FFEffectSize = 48

// ToNative converts a 32-bit-compat input_event into the native layout, the
// "re-normalizes compat structures into the native layout" step of spec
// §4.1 write().
func (e InputEvent32) ToNative() InputEvent {
	return InputEvent{
		Sec:   int64(e.Sec),
		Usec:  int64(e.Usec),
		Type:  e.Type,
		Code:  e.Code,
		Value: e.Value,
	}
}
