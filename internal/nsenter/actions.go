// Package nsenter implements the privileged namespace-helper path (spec
// §4.3): every filesystem or netlink operation that must be observed inside
// a container's mount/net namespaces re-execs this same binary into those
// namespaces via /proc/self/exe, rather than forking the running daemon
// (forking a multi-threaded Go process after the runtime has started extra
// OS threads is unsafe; re-exec sidesteps that entirely).
package nsenter

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/vuinputd/vuinputd/domain"
)

// action kind tags, also used as the JSON discriminator so the child side
// can decode a HelperAction back into its concrete type.
const (
	kindMknodDevice   = "mknod-device"
	kindRemoveDevice  = "remove-device"
	kindWriteUdevData = "write-udev-data"
	kindDeleteUdevData = "delete-udev-data"
	kindSendUevent    = "send-uevent"
)

// MknodDeviceAction creates a character devnode under /dev/input inside the
// container (spec §4.3 "mknod-device").
type MknodDeviceAction struct {
	Path  string `json:"path"`
	Major uint32 `json:"major"`
	Minor uint32 `json:"minor"`
	Mode  uint32 `json:"mode"`
}

func (a *MknodDeviceAction) ActionName() string { return kindMknodDevice }

// RemoveDeviceAction removes a previously created devnode.
type RemoveDeviceAction struct {
	Path string `json:"path"`
}

func (a *RemoveDeviceAction) ActionName() string { return kindRemoveDevice }

// WriteUdevDataAction writes a udev database record, e.g.
// /run/udev/data/c13:64, so udev-aware tooling inside the container
// recognizes the device (spec §4.3 "write-udev-data").
type WriteUdevDataAction struct {
	Path     string `json:"path"`
	Contents string `json:"contents"`
}

func (a *WriteUdevDataAction) ActionName() string { return kindWriteUdevData }

// DeleteUdevDataAction removes a udev database record.
type DeleteUdevDataAction struct {
	Path string `json:"path"`
}

func (a *DeleteUdevDataAction) ActionName() string { return kindDeleteUdevData }

// SendUeventAction emits a synthetic kobject uevent on the container's own
// netlink socket, so udev running inside the container reacts to the device
// the same way it would to a real hot-plug (spec §6 wire format).
type SendUeventAction struct {
	Action  string            `json:"action"`
	Devpath string            `json:"devpath"`
	Props   map[string]string `json:"props"`
}

func (a *SendUeventAction) ActionName() string { return kindSendUevent }

// envelope is the wire format exchanged over --action-base64: a kind tag
// plus the raw JSON of the concrete action, so decode can dispatch before
// unmarshaling the payload.
type envelope struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// EncodeAction serializes a HelperAction into the base64 blob passed to the
// re-exec'd child via --action-base64.
func EncodeAction(action domain.HelperAction) (string, error) {
	payload, err := json.Marshal(action)
	if err != nil {
		return "", fmt.Errorf("marshal action payload: %w", err)
	}

	env := envelope{Kind: action.ActionName(), Payload: payload}

	raw, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshal action envelope: %w", err)
	}

	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeAction is the inverse of EncodeAction, used by the child process to
// recover a concrete action value from --action-base64.
func DecodeAction(b64 string) (domain.HelperAction, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("base64-decode action: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("unmarshal action envelope: %w", err)
	}

	var action domain.HelperAction

	switch env.Kind {
	case kindMknodDevice:
		action = &MknodDeviceAction{}
	case kindRemoveDevice:
		action = &RemoveDeviceAction{}
	case kindWriteUdevData:
		action = &WriteUdevDataAction{}
	case kindDeleteUdevData:
		action = &DeleteUdevDataAction{}
	case kindSendUevent:
		action = &SendUeventAction{}
	default:
		return nil, fmt.Errorf("unknown helper action kind %q", env.Kind)
	}

	if err := json.Unmarshal(env.Payload, action); err != nil {
		return nil, fmt.Errorf("unmarshal %s payload: %w", env.Kind, err)
	}

	return action, nil
}
