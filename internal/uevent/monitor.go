package uevent

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/vuinputd/vuinputd/domain"
)

// inputDevpathPrefix restricts the ring to the records jobs actually wait
// on (spec §4.5): unfiltered host uevent traffic (disks, USB, networking,
// ...) would otherwise evict the input "add" records the dispatcher is
// waiting for before WaitForPrefix ever drains them.
const inputDevpathPrefix = "/devices/virtual/input/"

// Monitor reads the host's NETLINK_KOBJECT_UEVENT multicast group and pushes
// into store every record that passes isRelevantUevent (input-subsystem
// records under /devices/virtual/input/), grounded on the AF_NETLINK/SOCK_RAW/
// NETLINK_KOBJECT_UEVENT socket setup pattern used by hotplug listeners
// elsewhere in the ecosystem.
type Monitor struct {
	store *Store
}

// NewMonitor builds a Monitor that feeds the given Store.
func NewMonitor(store *Store) *Monitor {
	return &Monitor{store: store}
}

// Run blocks reading uevents until ctx is canceled or the socket errors.
func (m *Monitor) Run(ctx context.Context) error {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW, unix.NETLINK_KOBJECT_UEVENT)
	if err != nil {
		return fmt.Errorf("open uevent netlink socket: %w", err)
	}
	defer unix.Close(fd)

	addr := &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Groups: kobjectUeventGroup}
	if err := unix.Bind(fd, addr); err != nil {
		return fmt.Errorf("bind uevent netlink socket: %w", err)
	}

	go func() {
		<-ctx.Done()
		unix.Close(fd)
	}()

	buf := make([]byte, 64*1024)
	for {
		n, _, err := unix.Recvfrom(fd, buf, 0)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("recvfrom uevent netlink socket: %w", err)
		}

		rec, err := decode(buf[:n])
		if err != nil {
			logrus.Debugf("discarding malformed uevent datagram: %v", err)
			continue
		}

		if !isRelevantUevent(rec) {
			continue
		}

		m.store.Push(rec)
	}
}

// isRelevantUevent reports whether rec is one a job could plausibly be
// waiting on (spec §4.5): the virtual input devices this daemon creates,
// not arbitrary host hotplug traffic.
func isRelevantUevent(rec domain.UeventRecord) bool {
	return rec.Subsystem == "input" && strings.HasPrefix(rec.Devpath, inputDevpathPrefix)
}
