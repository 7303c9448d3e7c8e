// Package process resolves the container identity of a calling process:
// its mount and net namespace inodes under /proc/<pid>/ns, plus a pidfd
// that turns readable once the process exits.
package process

import (
	"fmt"
	"path/filepath"
	"strconv"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/vuinputd/vuinputd/domain"
)

// allNSs is the set of /proc/<pid>/ns entries this daemon cares about.
// Unlike the full sysbox-fs namespace set (mnt, net, pid, ipc, uts, cgroup,
// user), only mnt and net identify a container for uinput purposes (spec
// §4 "container identity key is (mount-ns-inode, net-ns-inode)").
var allNSs = []domain.NStype{domain.NStypeMount, domain.NStypeNet}

type processService struct {
	ios domain.IOServiceIface
}

// NewProcessService builds a domain.ProcessServiceIface backed by the real
// /proc filesystem through the given IOnode service (grounded on
// process/process.go's ios-backed GetNsInodes pattern).
func NewProcessService(ios domain.IOServiceIface) domain.ProcessServiceIface {
	return &processService{ios: ios}
}

func (ps *processService) ProcessFromPid(pid uint32) (domain.ProcessIface, error) {
	return &process{pid: pid, ps: ps}, nil
}

type process struct {
	pid      uint32
	uid      uint32
	gid      uint32
	nsInodes map[domain.NStype]domain.Inode
	ps       *processService
}

func (p *process) Pid() uint32 { return p.pid }
func (p *process) Uid() uint32 { return p.uid }
func (p *process) Gid() uint32 { return p.gid }

func (p *process) NsInodes() (domain.Inode, domain.Inode, error) {
	if p.nsInodes == nil {
		inodes, err := p.getNsInodes()
		if err != nil {
			return 0, 0, err
		}
		p.nsInodes = inodes
	}

	return p.nsInodes[domain.NStypeMount], p.nsInodes[domain.NStypeNet], nil
}

// getNsInodes stats /proc/<pid>/ns/{mnt,net} to obtain the inodes that
// uniquely identify each namespace, the same inode later compared against a
// container's registered ContainerKey (spec §4 "Container Identity").
func (p *process) getNsInodes() (map[domain.NStype]domain.Inode, error) {
	nsInodes := make(map[domain.NStype]domain.Inode)
	pidStr := strconv.FormatUint(uint64(p.pid), 10)

	for _, ns := range allNSs {
		nsPath := filepath.Join("/proc", pidStr, "ns", ns)

		fnode := p.ps.ios.NewIOnode(nsPath, 0)
		info, err := fnode.Stat()
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", nsPath, err)
		}

		sys, ok := info.Sys().(*syscall.Stat_t)
		if !ok {
			return nil, fmt.Errorf("stat %s: unexpected Sys() type", nsPath)
		}

		nsInodes[ns] = domain.Inode(sys.Ino)
	}

	return nsInodes, nil
}

// Pidfd opens a pollable handle on the process that turns readable once the
// process exits. The dispatcher does not consult it; a container that has
// gone away surfaces as the namespace helper's ContainerGone exit instead.
func (p *process) Pidfd() (domain.PidfdIface, error) {
	fd, err := unix.PidfdOpen(int(p.pid), 0)
	if err != nil {
		return nil, fmt.Errorf("pidfd_open(%d): %w", p.pid, err)
	}

	return &pidfd{fd: fd, pid: p.pid}, nil
}

type pidfd struct {
	fd  int
	pid uint32
}

// Alive reports whether the process is still running, by sending signal 0
// through the pidfd rather than the fd becoming readable (which requires a
// poll loop this call-site doesn't need).
func (h *pidfd) Alive() bool {
	err := unix.PidfdSendSignal(h.fd, 0, nil, 0)
	return err == nil
}

func (h *pidfd) Close() error {
	return unix.Close(h.fd)
}
