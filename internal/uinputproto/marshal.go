package uinputproto

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"unsafe"
)

// DecodeInputEvent parses one packed input-event struct off the wire,
// choosing the 32-bit-compat or native layout by buffer length, and
// returns it already normalized to the native layout (spec §4.1 write()).
func DecodeInputEvent(buf []byte) (InputEvent, error) {
	switch len(buf) {
	case InputEventSize:
		var ev InputEvent
		r := bytes.NewReader(buf)
		if err := binary.Read(r, binary.LittleEndian, &ev); err != nil {
			return InputEvent{}, fmt.Errorf("decode native input_event: %w", err)
		}
		return ev, nil
	case InputEvent32Size:
		var ev32 InputEvent32
		r := bytes.NewReader(buf)
		if err := binary.Read(r, binary.LittleEndian, &ev32); err != nil {
			return InputEvent{}, fmt.Errorf("decode compat input_event: %w", err)
		}
		return ev32.ToNative(), nil
	default:
		return InputEvent{}, fmt.Errorf("input_event buffer has unexpected length %d", len(buf))
	}
}

// EncodeInputEvent packs a native input_event back onto the wire, for
// replaying a client's write() onto the backing host FD, which always
// speaks the native layout (this daemon always runs as a 64-bit process).
func EncodeInputEvent(ev InputEvent) []byte {
	buf := new(bytes.Buffer)
	buf.Grow(InputEventSize)
	_ = binary.Write(buf, binary.LittleEndian, ev)
	return buf.Bytes()
}

// DecodeUinputSetup parses the UI_DEV_SETUP payload.
func DecodeUinputSetup(buf []byte) (UinputSetup, error) {
	var s UinputSetup
	if len(buf) < int(unsafe.Sizeof(s)) {
		return s, fmt.Errorf("uinput_setup buffer too short: %d", len(buf))
	}
	r := bytes.NewReader(buf)
	if err := binary.Read(r, binary.LittleEndian, &s); err != nil {
		return s, fmt.Errorf("decode uinput_setup: %w", err)
	}
	return s, nil
}

// EncodeUinputSetup packs a UinputSetup back to wire form, used when the
// front-end overrides the device identity before replaying UI_DEV_SETUP
// onto the backing FD (spec §4.1 UI_DEV_CREATE step 2).
func EncodeUinputSetup(s UinputSetup) []byte {
	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.LittleEndian, s)
	return buf.Bytes()
}

// DecodeUinputAbsSetup parses the UI_ABS_SETUP payload.
func DecodeUinputAbsSetup(buf []byte) (UinputAbsSetup, error) {
	var s UinputAbsSetup
	if len(buf) < int(unsafe.Sizeof(s)) {
		return s, fmt.Errorf("uinput_abs_setup buffer too short: %d", len(buf))
	}
	r := bytes.NewReader(buf)
	if err := binary.Read(r, binary.LittleEndian, &s); err != nil {
		return s, fmt.Errorf("decode uinput_abs_setup: %w", err)
	}
	return s, nil
}

// NameString returns the setup's device name as a Go string.
func (s UinputSetup) NameString() string {
	n := bytes.IndexByte(s.Name[:], 0)
	if n < 0 {
		n = len(s.Name)
	}
	return string(s.Name[:n])
}
