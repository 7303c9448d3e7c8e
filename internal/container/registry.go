// Package container tracks the set of containers this daemon has seen a
// /dev/vuinput open() from, keyed by the (mount-ns-inode, net-ns-inode) pair
// that identifies a container regardless of how many times its init process
// has been restarted (spec §4 "Container Identity").
package container

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/vuinputd/vuinputd/domain"
)

type registry struct {
	sync.RWMutex

	// byKey associates a container's namespace-inode key with its record.
	// Grounded on state/containerDB.go's idTable, but keyed on
	// domain.ContainerKey instead of a sysbox-mgr-assigned string id: this
	// daemon has no control-plane side channel, so the kernel-issued
	// namespace inodes are the only identity it can observe (spec §4).
	byKey map[domain.ContainerKey]*container
}

// NewRegistry builds a domain.ContainerRegistryIface with an empty container
// table.
func NewRegistry() domain.ContainerRegistryIface {
	return &registry{
		byKey: make(map[domain.ContainerKey]*container),
	}
}

// Lookup returns the container record for key, registering a new one keyed
// off initPid's first sighting if none exists yet. Re-registration is
// idempotent: later opens from the same container refresh initPid but never
// create a second record (spec §8 property, "two opens from the same
// container converge on one record").
func (r *registry) Lookup(key domain.ContainerKey, initPid uint32) domain.ContainerIface {
	r.RLock()
	c, found := r.byKey[key]
	r.RUnlock()

	if found {
		c.Lock()
		c.initPid = initPid
		c.Unlock()
		return c
	}

	r.Lock()
	defer r.Unlock()

	// Re-check under the write lock: another goroutine may have raced us.
	if c, found := r.byKey[key]; found {
		return c
	}

	c = &container{key: key, initPid: initPid}
	r.byKey[key] = c

	logrus.Debugf("registered container %s (initPid %d)", key, initPid)

	return c
}

func (r *registry) Remove(key domain.ContainerKey) {
	r.Lock()
	defer r.Unlock()

	if _, found := r.byKey[key]; found {
		delete(r.byKey, key)
		logrus.Debugf("unregistered container %s", key)
	}
}

// Size reports the number of containers currently tracked; used by tests
// and diagnostics (grounded on state/containerDB.go's ContainerDBSize).
func (r *registry) Size() int {
	r.RLock()
	defer r.RUnlock()
	return len(r.byKey)
}

type container struct {
	sync.Mutex

	key     domain.ContainerKey
	initPid uint32
}

func (c *container) Key() domain.ContainerKey {
	c.Lock()
	defer c.Unlock()
	return c.key
}

func (c *container) InitPid() uint32 {
	c.Lock()
	defer c.Unlock()
	return c.initPid
}

// NsTargetPath returns the /proc/<initPid>/ns path nsenter uses to join this
// container's namespaces (spec §4.3 "target-namespace").
func (c *container) NsTargetPath() string {
	c.Lock()
	defer c.Unlock()
	return fmt.Sprintf("/proc/%d/ns", c.initPid)
}
