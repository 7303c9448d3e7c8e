package domain

import "context"

// DeviceArtifact is the identity of a host-created uinput device that the
// dispatcher must propagate into (or remove from) a container (spec §4.2).
type DeviceArtifact struct {
	SysfsPath string // e.g. /devices/virtual/input/input3
	DevPath   string // /dev/input/eventN (host-relative name, e.g. "event7")
	Major     uint32
	Minor     uint32
}

// DispatcherIface is the seam the protocol front-end (internal/cuse) uses to
// submit per-container lifecycle jobs without depending on the dispatcher's
// implementation package (spec §4.2).
type DispatcherIface interface {
	// InjectInContainer blocks until the device has been fully propagated
	// into the container (or the context expires / the job fails).
	InjectInContainer(ctx context.Context, cntr ContainerIface, artifact DeviceArtifact) error

	// RemoveFromContainer blocks until the device has been removed from the
	// container. Idempotent (spec §4.2, §8 property 3).
	RemoveFromContainer(ctx context.Context, cntr ContainerIface, artifact DeviceArtifact) error
}

// NSenterServiceIface runs a single namespace-helper action inside (or, for
// on-host placement, outside) a container's namespaces (spec §4.3).
type NSenterServiceIface interface {
	Run(ctx context.Context, nsTargetPath string, action HelperAction) error
}

// HelperAction is implemented by every namespace-helper action payload
// (mknod-device, remove-device, write-udev-data, delete-udev-data,
// send-uevent). Kept here, rather than in internal/nsenter, so
// DispatcherIface implementations can build actions without an import cycle.
type HelperAction interface {
	ActionName() string
}
