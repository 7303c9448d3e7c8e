package uevent

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/vuinputd/vuinputd/domain"
)

// kobjectUeventGroup is the single multicast group the kernel and udevd both
// use on NETLINK_KOBJECT_UEVENT (there's exactly one group bit defined).
const kobjectUeventGroup = 1

// Send emits a synthetic uevent on the calling process's NETLINK_KOBJECT_UEVENT
// socket. Called from within the nsenter helper after it has joined a
// container's net namespace, so the datagram lands on that namespace's
// netlink multicast group rather than the host's (spec §4.3 "send-uevent",
// spec §6 "propagated uevents must be indistinguishable from a real
// hot-plug to udev running inside the container").
func Send(action domain.UeventAction, devpath string, props map[string]string) error {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW, unix.NETLINK_KOBJECT_UEVENT)
	if err != nil {
		return fmt.Errorf("open uevent netlink socket: %w", err)
	}
	defer unix.Close(fd)

	addr := &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Groups: kobjectUeventGroup}
	if err := unix.Bind(fd, addr); err != nil {
		return fmt.Errorf("bind uevent netlink socket: %w", err)
	}

	raw := encode(action, devpath, props)

	// Destination Pid 0 addresses the kernel multicast group rather than a
	// specific listener; any udevd bound to the group in this namespace
	// receives the datagram.
	dest := &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Groups: kobjectUeventGroup}
	if err := unix.Sendto(fd, raw, 0, dest); err != nil {
		return fmt.Errorf("sendto uevent netlink socket: %w", err)
	}

	return nil
}
