package domain

// ProcessIface abstracts a single host process for the purposes of
// resolving the container it belongs to (spec §4.1 open()).
type ProcessIface interface {
	Pid() uint32
	Uid() uint32
	Gid() uint32

	// NsInodes returns the mount and net namespace inodes for this process,
	// read from /proc/<pid>/ns/{mnt,net}.
	NsInodes() (mountNs Inode, netNs Inode, err error)

	// Pidfd returns a pidfd for this process, usable to detect the process
	// exiting even if its PID is later reused (spec §3 "Client handle").
	Pidfd() (PidfdIface, error)
}

// PidfdIface is the subset of a pidfd this daemon relies on.
type PidfdIface interface {
	// Alive reports whether the process the pidfd refers to is still
	// running.
	Alive() bool
	Close() error
}

// ProcessServiceIface constructs ProcessIface values and is the seam mocked
// out in unit tests.
type ProcessServiceIface interface {
	ProcessFromPid(pid uint32) (ProcessIface, error)
}
