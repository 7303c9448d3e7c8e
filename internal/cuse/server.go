package cuse

import (
	"context"
	"fmt"
	"sync"
	"time"

	gocuse "github.com/hanwen/go-fuse/v2/cuse"
	"github.com/hanwen/go-fuse/v2/fuse"
	"golang.org/x/sys/unix"

	"github.com/vuinputd/vuinputd/domain"
)

// Server adapts Handle onto gocuse.FileSystem, the low-level callback set
// go-fuse's cuse package dispatches against the kernel's /dev/<name> char
// device (spec §4.1, §6 "registers the char device"). Every field access
// into the gocuse/fuse types below is the one place in this package that
// depends on go-fuse's exact wire-level API rather than this daemon's own
// domain types; see DESIGN.md for why no cuse-specific source could be
// retrieved to ground it more directly.
type Server struct {
	devname string
	major   uint32
	minor   uint32

	newDeps func() Deps
	cfg     Config

	mu      sync.Mutex
	handles map[uint64]*Handle
	nextFh  uint64
}

var _ gocuse.FileSystem = (*Server)(nil)

// NewServer builds the CUSE front-end. newDeps is called once per open to
// build that handle's collaborators (it closes over the shared process
// service, container registry, dispatcher-backed reconciler and uevent
// store so every handle shares them).
func NewServer(devname string, major, minor uint32, newDeps func() Deps, cfg Config) *Server {
	return &Server{
		devname: devname,
		major:   major,
		minor:   minor,
		newDeps: newDeps,
		cfg:     cfg,
		handles: make(map[uint64]*Handle),
	}
}

// Options returns the CuseOptions this daemon mounts with: a fixed device
// name and number, unrestricted ioctls (uinput's commands all encode their
// own size, spec §4.1, but some are issued with a probe length the kernel
// widens on retry).
func (s *Server) Options() *gocuse.CuseOptions {
	return &gocuse.CuseOptions{
		InitIn: fuse.InitIn{
			Major: fuse.FUSE_KERNEL_VERSION,
			Minor: fuse.FUSE_KERNEL_MINOR_VERSION,
		},
		DevMajor:     int32(s.major),
		DevMinor:     int32(s.minor),
		DevName:      "/dev/" + s.devname,
		Unrestricted: true,
	}
}

// Open resolves the calling process from the FUSE request header (every
// FUSE/CUSE request header carries the caller's pid/uid/gid, spec §4.1
// open() "resolves the caller's container identity from the calling PID").
func (s *Server) Open(input *fuse.OpenIn) (fh uint64, code fuse.Status) {
	h := NewHandle(s.newDeps(), s.cfg)
	if err := h.Open(input.Caller.Pid); err != nil {
		return 0, fuse.EACCES
	}

	s.mu.Lock()
	s.nextFh++
	fh = s.nextFh
	s.handles[fh] = h
	s.mu.Unlock()

	return fh, fuse.OK
}

func (s *Server) handle(fh uint64) *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handles[fh]
}

func (s *Server) Release(fh uint64) {
	h := s.handle(fh)
	if h == nil {
		return
	}
	_ = h.Release()

	s.mu.Lock()
	delete(s.handles, fh)
	s.mu.Unlock()
}

func (s *Server) Read(data []byte, off int64, fh uint64) (fuse.ReadResult, fuse.Status) {
	h := s.handle(fh)
	if h == nil {
		return nil, fuse.EBADF
	}
	n, err := h.Read(data)
	if err != nil {
		return nil, statusFor(err)
	}
	return fuse.ReadResultData(data[:n]), fuse.OK
}

func (s *Server) Write(data []byte, off int64, fh uint64) (uint32, fuse.Status) {
	h := s.handle(fh)
	if h == nil {
		return 0, fuse.EBADF
	}
	if err := h.Write(data); err != nil {
		return 0, statusFor(err)
	}
	return uint32(len(data)), fuse.OK
}

func (s *Server) Flush(fh uint64) fuse.Status { return fuse.OK }

func (s *Server) Fsync(flags int, fh uint64) fuse.Status { return fuse.OK }

// Ioctl is CUSE's generic passthrough for device-specific commands; input
// and the returned output carry the same uintptr-keyed protocol the kernel
// uinput driver speaks (spec §4.1 ioctl()).
func (s *Server) Ioctl(input *gocuse.IoctlIn, inBuf []byte) (output *gocuse.IoctlOut, outBuf []byte, code fuse.Status) {
	h := s.handle(input.Fh)
	if h == nil {
		return nil, nil, fuse.EBADF
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.CreateTimeout+5*time.Second)
	defer cancel()

	result, err := h.Ioctl(ctx, uintptr(input.Cmd), inBuf, int(input.OutSize))
	if err != nil {
		return nil, nil, statusFor(err)
	}
	if result.Retry != nil {
		return &gocuse.IoctlOut{
			Flags: gocuse.FUSE_IOCTL_RETRY,
			InIovs: boolToU32(result.Retry.InSize > 0),
			OutIovs: boolToU32(result.Retry.OutSize > 0),
		}, nil, fuse.OK
	}
	return &gocuse.IoctlOut{Result: 0}, result.OutBuf, fuse.OK
}

// Run mounts the published character device and serves client requests
// until ctx is canceled (spec §6 "registers the char device"). Like the
// rest of this file, the exact gocuse.Mount signature is a best-effort
// reconstruction (see the package-level grounding note and DESIGN.md);
// it is written to mirror the confirmed-real fuse.NewServer(fs, mountpoint,
// opts)/.Serve()/.Unmount() shape documented in the retrieved go-fuse
// fuse-api.go source, substituting gocuse's device-name argument for a
// directory mountpoint.
func (s *Server) Run(ctx context.Context) error {
	fssrv, err := gocuse.Mount(s.devname, s, s.Options())
	if err != nil {
		return fmt.Errorf("mount cuse device %s: %w", s.devname, err)
	}

	go func() {
		<-ctx.Done()
		fssrv.Unmount()
	}()

	fssrv.Serve()
	return nil
}

func boolToU32(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

// statusFor maps a domain.JobError's taxonomy onto the errno the kernel
// reports back to the calling process (spec §7). A bare unix.Errno returned
// by the handle is passed through unchanged.
func statusFor(err error) fuse.Status {
	if errno, ok := err.(unix.Errno); ok {
		return fuse.Status(errno)
	}
	je, ok := err.(*domain.JobError)
	if !ok {
		return fuse.EIO
	}
	switch je.Kind {
	case domain.ErrClientProtocol:
		return fuse.EINVAL
	case domain.ErrContainerGone:
		return fuse.Status(unix.ENODEV)
	case domain.ErrTimeout:
		return fuse.EIO
	case domain.ErrPolicyRejected:
		return fuse.EPERM
	default:
		return fuse.EIO
	}
}
