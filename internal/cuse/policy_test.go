package cuse

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/vuinputd/vuinputd/domain"
	"github.com/vuinputd/vuinputd/internal/uinputproto"
)

func TestAllowKeybitMuteSysRqOnlyStripsSysRq(t *testing.T) {
	assert.False(t, AllowKeybit(domain.PolicyMuteSysRq, uinputproto.KeySysRq))
	assert.True(t, AllowKeybit(domain.PolicyMuteSysRq, uinputproto.BtnLeft))
	assert.True(t, AllowKeybit(domain.PolicyMuteSysRq, uinputproto.VtSwitchKeys[0]))
}

func TestAllowKeybitSanitizedStripsSysRqAndVtSwitch(t *testing.T) {
	assert.False(t, AllowKeybit(domain.PolicySanitized, uinputproto.KeySysRq))
	for _, vt := range uinputproto.VtSwitchKeys {
		assert.False(t, AllowKeybit(domain.PolicySanitized, vt))
	}
	assert.True(t, AllowKeybit(domain.PolicySanitized, uinputproto.BtnLeft))
}

func TestAllowKeybitNonePassesEverything(t *testing.T) {
	assert.True(t, AllowKeybit(domain.PolicyNone, uinputproto.KeySysRq))
	assert.True(t, AllowKeybit(domain.PolicyNone, uinputproto.VtSwitchKeys[0]))
}

func TestAllowKeybitStrictGamepadOnlyJoystickRange(t *testing.T) {
	assert.True(t, AllowKeybit(domain.PolicyStrictGamepad, uinputproto.BtnJoystickBase))
	assert.True(t, AllowKeybit(domain.PolicyStrictGamepad, uinputproto.BtnGamepadEnd))
	assert.False(t, AllowKeybit(domain.PolicyStrictGamepad, uinputproto.BtnLeft))
	assert.False(t, AllowKeybit(domain.PolicyStrictGamepad, uinputproto.KeySysRq))
}

func TestAllowEvbitStrictGamepadWhitelist(t *testing.T) {
	assert.True(t, AllowEvbit(domain.PolicyStrictGamepad, uinputproto.EvAbs))
	assert.True(t, AllowEvbit(domain.PolicyStrictGamepad, uinputproto.EvKey))
	assert.False(t, AllowEvbit(domain.PolicyStrictGamepad, uinputproto.EvRel))
	assert.True(t, AllowEvbit(domain.PolicyNone, uinputproto.EvRel))
}

func TestAllowAbsbitOnlyStrictGamepadRestricts(t *testing.T) {
	assert.True(t, AllowAbsbit(domain.PolicySanitized, uinputproto.AbsMax+10))
	assert.True(t, AllowAbsbit(domain.PolicyStrictGamepad, uinputproto.AbsMax))
	assert.False(t, AllowAbsbit(domain.PolicyStrictGamepad, uinputproto.AbsMax+1))
}

func TestAllowOther(t *testing.T) {
	assert.True(t, AllowOther(domain.PolicyNone))
	assert.True(t, AllowOther(domain.PolicyMuteSysRq))
	assert.False(t, AllowOther(domain.PolicyStrictGamepad))
}
