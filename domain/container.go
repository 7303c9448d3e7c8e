package domain

import "fmt"

// ContainerKey identifies a container by the pair of namespace inodes that
// remain stable even if the container's init PID exits and is reused (spec
// §3 "Container record", GLOSSARY "Container identity").
type ContainerKey struct {
	MountNsInode Inode
	NetNsInode   Inode
}

func (k ContainerKey) String() string {
	return fmt.Sprintf("mnt:%d/net:%d", k.MountNsInode, k.NetNsInode)
}

// ContainerIface is a registered container: a namespace pair plus the
// bookkeeping the job dispatcher and lifecycle reconciler need (spec §3).
type ContainerIface interface {
	Key() ContainerKey
	InitPid() uint32

	// NsTargetPath returns the /proc/<pid>/ns path usable by the namespace
	// helper to re-enter this container (spec §4.3). It may differ from
	// InitPid()'s own /proc entry once the original leader has exited if a
	// pidfd-derived surrogate is used; for vuinputd's scope the init PID's
	// /proc entry is used directly and the caller is responsible for
	// detecting ContainerGone (spec §7).
	NsTargetPath() string
}

// ContainerRegistryIface resolves/creates container records keyed by
// namespace identity and is the type the dispatcher and front-end share.
type ContainerRegistryIface interface {
	// Lookup returns the container owning the given namespace pair,
	// registering a new record on first sight.
	Lookup(key ContainerKey, initPid uint32) ContainerIface

	// Remove drops the container record; used once its last live handle is
	// gone and no job remains queued for it.
	Remove(key ContainerKey)
}
