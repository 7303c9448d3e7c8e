package cuse

import (
	"context"
	"encoding/binary"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/vuinputd/vuinputd/domain"
	"github.com/vuinputd/vuinputd/internal/lifecycle"
	"github.com/vuinputd/vuinputd/internal/uinputproto"
)

// IoctlRetry asks the caller to reissue cmd with buffers at least this big,
// the CUSE retry leg of spec §4.1's "if in_buf/out_buf sizing cannot be
// inferred from the command alone".
type IoctlRetry struct {
	InSize  int
	OutSize int
}

// IoctlResult is what Handle.Ioctl replies with. Exactly one of Retry being
// non-nil or OutBuf holding the reply bytes (possibly empty) applies.
type IoctlResult struct {
	OutBuf []byte
	Retry  *IoctlRetry
}

// Config is a handle's policy and timing configuration, set once at daemon
// startup from the CLI flags (spec §6).
type Config struct {
	Policy        domain.DevicePolicy
	DeviceID      domain.DeviceID
	CreateTimeout time.Duration
}

// Deps are the collaborators a Handle needs to resolve identity and drive
// lifecycle, injected so handle.go's protocol logic is testable against
// fakes (spec §4.1).
type Deps struct {
	Processes     domain.ProcessServiceIface
	Registry      domain.ContainerRegistryIface
	Reconciler    *lifecycle.Reconciler
	Uevents       domain.UeventStoreIface
	OpenBackingFD func() (BackingFD, error)
	// Metrics is optional; a nil value disables counting (used by tests
	// that don't care about it).
	Metrics MetricsRecorder
}

// MetricsRecorder is the subset of internal/metrics.Registry a Handle needs,
// narrowed to an interface so handle_test.go doesn't have to depend on that
// package's concrete type.
type MetricsRecorder interface {
	RecordCreated(policy domain.DevicePolicy)
	RecordDestroyed(policy domain.DevicePolicy)
	RecordCreateTimeout(policy domain.DevicePolicy)
	RecordInjectFailure(policy domain.DevicePolicy)
}

// Handle is one open of /dev/vuinput: the per-handle state the spec's
// "Client handle" data model describes (spec §3).
type Handle struct {
	deps Deps
	cfg  Config

	mu        sync.Mutex
	fd        BackingFD
	container domain.ContainerIface
	state     domain.HandleState

	evbits  map[uint16]bool
	keybits map[uint16]bool
	absbits map[uint16]bool
	absinfo map[uint16]uinputproto.InputAbsInfo

	setup    uinputproto.UinputSetup
	sysname  string
	artifact domain.DeviceArtifact

	lastWriteErr error
}

var _ lifecycle.HandleRef = (*Handle)(nil)

// NewHandle builds an unopened handle; Open must be called before any other
// method.
func NewHandle(deps Deps, cfg Config) *Handle {
	return &Handle{deps: deps, cfg: cfg, state: domain.StateNonexistent}
}

func (h *Handle) Container() domain.ContainerIface { return h.container }
func (h *Handle) Artifact() domain.DeviceArtifact  { return h.artifact }

// Open resolves the calling process' container identity and acquires the
// host backing FD (spec §4.1 open()).
func (h *Handle) Open(pid uint32) error {
	proc, err := h.deps.Processes.ProcessFromPid(pid)
	if err != nil {
		return unix.EACCES
	}
	mountNs, netNs, err := proc.NsInodes()
	if err != nil {
		return unix.EACCES
	}

	fd, err := h.deps.OpenBackingFD()
	if err != nil {
		return domain.NewJobError(domain.ErrBackingKernel, err)
	}

	cntr := h.deps.Registry.Lookup(domain.ContainerKey{MountNsInode: mountNs, NetNsInode: netNs}, proc.Pid())

	h.mu.Lock()
	h.fd = fd
	h.container = cntr
	h.state = domain.StateNonexistent
	h.evbits = map[uint16]bool{}
	h.keybits = map[uint16]bool{}
	h.absbits = map[uint16]bool{}
	h.absinfo = map[uint16]uinputproto.InputAbsInfo{}
	h.mu.Unlock()

	return nil
}

// Ioctl dispatches one userspace-char-device ioctl callback (spec §4.1
// ioctl()).
func (h *Handle) Ioctl(ctx context.Context, cmd uintptr, inBuf []byte, outBufSize int) (IoctlResult, error) {
	if inNeed, outNeed, ok := uinputproto.RequiredSize(cmd); ok {
		if len(inBuf) < inNeed || outBufSize < outNeed {
			return IoctlResult{Retry: &IoctlRetry{InSize: inNeed, OutSize: outNeed}}, nil
		}
	}

	switch cmd {
	case uinputproto.UI_GET_VERSION:
		return h.replyVersion(), nil
	case uinputproto.UI_SET_EVBIT, uinputproto.UI_SET_KEYBIT, uinputproto.UI_SET_RELBIT, uinputproto.UI_SET_ABSBIT,
		uinputproto.UI_SET_MSCBIT, uinputproto.UI_SET_LEDBIT, uinputproto.UI_SET_SNDBIT, uinputproto.UI_SET_FFBIT,
		uinputproto.UI_SET_SWBIT, uinputproto.UI_SET_PROPBIT:
		return h.setBit(cmd, inBuf)
	case uinputproto.UI_DEV_SETUP:
		return IoctlResult{}, h.devSetup(inBuf)
	case uinputproto.UI_ABS_SETUP:
		return IoctlResult{}, h.absSetup(inBuf)
	case uinputproto.UI_DEV_CREATE:
		return IoctlResult{}, h.devCreate(ctx)
	case uinputproto.UI_DEV_DESTROY:
		return IoctlResult{}, h.devDestroy(ctx)
	case uinputproto.UI_BEGIN_FF_UPLOAD, uinputproto.UI_END_FF_UPLOAD, uinputproto.UI_BEGIN_FF_ERASE, uinputproto.UI_END_FF_ERASE:
		return h.forwardFF(cmd, inBuf, outBufSize)
	default:
		if uinputproto.IsSysnameCmd(cmd) {
			return h.getSysname(outBufSize)
		}
		return h.replayOpaque(cmd, inBuf, outBufSize)
	}
}

func (h *Handle) replyVersion() IoctlResult {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uinputproto.UinputVersion)
	return IoctlResult{OutBuf: buf}
}

func (h *Handle) getSysname(outBufSize int) (IoctlResult, error) {
	h.mu.Lock()
	sysname := h.sysname
	h.mu.Unlock()
	if sysname == "" {
		return IoctlResult{}, unix.ENOENT
	}
	buf := make([]byte, outBufSize)
	copy(buf, sysname)
	return IoctlResult{OutBuf: buf}, nil
}

// setBit replays a capability-set ioctl verbatim, recording it in the
// accumulator regardless, but only forwarding it to the backing FD when
// policy allows the bit — the accumulator may retain filtered bits for
// diagnostics but the host FD must never see them (spec §4.1.1).
func (h *Handle) setBit(cmd uintptr, inBuf []byte) (IoctlResult, error) {
	code := uint16(binary.LittleEndian.Uint32(inBuf))

	h.mu.Lock()
	switch cmd {
	case uinputproto.UI_SET_EVBIT:
		h.evbits[code] = true
	case uinputproto.UI_SET_KEYBIT:
		h.keybits[code] = true
	case uinputproto.UI_SET_ABSBIT:
		h.absbits[code] = true
	}
	h.mu.Unlock()

	if !h.allowBit(cmd, code) {
		return IoctlResult{}, nil
	}
	if err := h.fd.Ioctl(cmd, inBuf); err != nil {
		return IoctlResult{}, domain.NewJobError(domain.ErrBackingKernel, err)
	}
	return IoctlResult{}, nil
}

func (h *Handle) allowBit(cmd uintptr, code uint16) bool {
	switch cmd {
	case uinputproto.UI_SET_EVBIT:
		return AllowEvbit(h.cfg.Policy, code)
	case uinputproto.UI_SET_KEYBIT:
		return AllowKeybit(h.cfg.Policy, code)
	case uinputproto.UI_SET_ABSBIT:
		return AllowAbsbit(h.cfg.Policy, code)
	default:
		return AllowOther(h.cfg.Policy)
	}
}

func (h *Handle) devSetup(inBuf []byte) error {
	setup, err := uinputproto.DecodeUinputSetup(inBuf)
	if err != nil {
		return domain.NewJobError(domain.ErrClientProtocol, err)
	}
	h.mu.Lock()
	h.setup = setup
	h.mu.Unlock()

	if err := h.fd.Ioctl(uinputproto.UI_DEV_SETUP, inBuf); err != nil {
		return domain.NewJobError(domain.ErrBackingKernel, err)
	}
	return nil
}

func (h *Handle) absSetup(inBuf []byte) error {
	abs, err := uinputproto.DecodeUinputAbsSetup(inBuf)
	if err != nil {
		return domain.NewJobError(domain.ErrClientProtocol, err)
	}
	if !AllowAbsbit(h.cfg.Policy, abs.Code) {
		h.mu.Lock()
		h.absinfo[abs.Code] = abs.Abs
		h.mu.Unlock()
		return nil
	}
	h.mu.Lock()
	h.absinfo[abs.Code] = abs.Abs
	h.mu.Unlock()
	if err := h.fd.Ioctl(uinputproto.UI_ABS_SETUP, inBuf); err != nil {
		return domain.NewJobError(domain.ErrBackingKernel, err)
	}
	return nil
}

func (h *Handle) forwardFF(cmd uintptr, inBuf []byte, outBufSize int) (IoctlResult, error) {
	size := len(inBuf)
	if outBufSize > size {
		size = outBufSize
	}
	buf := make([]byte, size)
	copy(buf, inBuf)
	if err := h.fd.Ioctl(cmd, buf); err != nil {
		return IoctlResult{}, domain.NewJobError(domain.ErrBackingKernel, err)
	}
	return IoctlResult{OutBuf: buf[:outBufSize]}, nil
}

func (h *Handle) replayOpaque(cmd uintptr, inBuf []byte, outBufSize int) (IoctlResult, error) {
	size := len(inBuf)
	if outBufSize > size {
		size = outBufSize
	}
	buf := make([]byte, size)
	copy(buf, inBuf)
	if err := h.fd.Ioctl(cmd, buf); err != nil {
		return IoctlResult{}, domain.NewJobError(domain.ErrBackingKernel, err)
	}
	if outBufSize == 0 {
		return IoctlResult{}, nil
	}
	return IoctlResult{OutBuf: buf[:outBufSize]}, nil
}

// devCreate implements spec §4.1's six UI_DEV_CREATE steps.
func (h *Handle) devCreate(ctx context.Context) error {
	h.mu.Lock()
	setup := h.setup
	h.mu.Unlock()

	// Step 2: override identity to the fixed triple unless policy says
	// otherwise. Capability filtering (step 1) already happened live, at
	// each UI_SET_*BIT call, so there is nothing left to re-issue here.
	if h.cfg.Policy != domain.PolicyNone {
		setup.ID.Bustype = h.cfg.DeviceID.Bustype
		setup.ID.Vendor = h.cfg.DeviceID.Vendor
		setup.ID.Product = h.cfg.DeviceID.Product
		if err := h.fd.Ioctl(uinputproto.UI_DEV_SETUP, uinputproto.EncodeUinputSetup(setup)); err != nil {
			return domain.NewJobError(domain.ErrBackingKernel, err)
		}
	}

	// Step 3.
	if err := h.fd.Ioctl(uinputproto.UI_DEV_CREATE, nil); err != nil {
		return domain.NewJobError(domain.ErrBackingKernel, err)
	}

	// Step 4.
	sysname, err := h.querySysname()
	if err != nil {
		return domain.NewJobError(domain.ErrBackingKernel, err)
	}
	h.mu.Lock()
	h.sysname = sysname
	h.state = domain.StateCreating
	h.mu.Unlock()

	createCtx, cancel := context.WithTimeout(ctx, h.cfg.CreateTimeout)
	defer cancel()
	artifact, err := h.resolveArtifact(createCtx, sysname)
	if err != nil {
		h.mu.Lock()
		h.state = domain.StatePendingCleanup
		h.mu.Unlock()
		h.recordCreateFailure(err)
		return unix.EIO
	}
	h.mu.Lock()
	h.artifact = artifact
	h.mu.Unlock()

	// Step 5 + 6: hand off to the lifecycle reconciler, which submits the
	// InjectInContainerJob and blocks until it completes or ctx expires.
	if err := h.driveToward(createCtx, domain.StateLive); err != nil {
		h.mu.Lock()
		h.state = domain.StatePendingCleanup
		h.mu.Unlock()
		h.recordCreateFailure(err)
		return unix.EIO
	}
	if h.deps.Metrics != nil {
		h.deps.Metrics.RecordCreated(h.cfg.Policy)
	}
	return nil
}

func (h *Handle) recordCreateFailure(err error) {
	if h.deps.Metrics == nil {
		return
	}
	if je, ok := err.(*domain.JobError); ok && je.Kind == domain.ErrTimeout {
		h.deps.Metrics.RecordCreateTimeout(h.cfg.Policy)
		return
	}
	h.deps.Metrics.RecordInjectFailure(h.cfg.Policy)
}

// resolveArtifact learns the kernel-assigned eventN child, its (major,
// minor) and waits for its add uevent to have been recorded, which is also
// where DeviceArtifact's fields ultimately come from (spec §4.1 step 4,
// §4.2 step 1).
func (h *Handle) resolveArtifact(ctx context.Context, sysname string) (domain.DeviceArtifact, error) {
	sysfsPath := fmt.Sprintf("/devices/virtual/input/%s", sysname)
	childPrefix := sysfsPath + "/event"

	rec, ok := h.deps.Uevents.WaitForPrefix(ctx, childPrefix, domain.UeventAdd)
	if !ok {
		return domain.DeviceArtifact{}, domain.NewJobError(domain.ErrTimeout, fmt.Errorf("no add uevent under %s", childPrefix))
	}

	major, _ := strconv.ParseUint(rec.Props["MAJOR"], 10, 32)
	minor, _ := strconv.ParseUint(rec.Props["MINOR"], 10, 32)
	devPath := rec.Devpath[len(sysfsPath)+1:]

	return domain.DeviceArtifact{
		SysfsPath: sysfsPath,
		DevPath:   devPath,
		Major:     uint32(major),
		Minor:     uint32(minor),
	}, nil
}

func (h *Handle) querySysname() (string, error) {
	buf := make([]byte, 64)
	if err := h.fd.Ioctl(uinputproto.SysnameIoctl(len(buf)), buf); err != nil {
		return "", err
	}
	n := 0
	for n < len(buf) && buf[n] != 0 {
		n++
	}
	return string(buf[:n]), nil
}

func (h *Handle) devDestroy(ctx context.Context) error {
	if err := h.fd.Ioctl(uinputproto.UI_DEV_DESTROY, nil); err != nil {
		return domain.NewJobError(domain.ErrBackingKernel, err)
	}

	h.mu.Lock()
	h.state = domain.StatePendingCleanup
	h.mu.Unlock()

	removeCtx, cancel := context.WithTimeout(ctx, h.cfg.CreateTimeout)
	defer cancel()
	if err := h.driveToward(removeCtx, domain.StateRemoved); err != nil {
		return domain.NewJobError(domain.ErrHelperFailed, err)
	}
	if h.deps.Metrics != nil {
		h.deps.Metrics.RecordDestroyed(h.cfg.Policy)
	}
	return nil
}

// driveToward repeatedly asks the reconciler for the next step until the
// handle's observed state reaches intended or a step fails (spec §4.4).
func (h *Handle) driveToward(ctx context.Context, intended domain.HandleState) error {
	for {
		h.mu.Lock()
		cur := h.state
		h.mu.Unlock()
		if cur == intended {
			return nil
		}
		next, err := h.deps.Reconciler.Reconcile(ctx, h, cur, intended)
		if err != nil {
			return err
		}
		if next == cur {
			return nil
		}
		h.mu.Lock()
		h.state = next
		h.mu.Unlock()
	}
}

// Write relays a packed stream of input-event structs onto the backing FD,
// normalizing each 32-bit-compat entry into native form (spec §4.1 write()
// "a packed stream of input-event structs").
func (h *Handle) Write(buf []byte) error {
	stride, err := inputEventStride(len(buf))
	if err != nil {
		return domain.NewJobError(domain.ErrClientProtocol, err)
	}

	for off := 0; off < len(buf); off += stride {
		ev, err := uinputproto.DecodeInputEvent(buf[off : off+stride])
		if err != nil {
			return domain.NewJobError(domain.ErrClientProtocol, err)
		}
		if _, err := h.fd.Write(uinputproto.EncodeInputEvent(ev)); err != nil {
			h.logWriteError(err)
			return domain.NewJobError(domain.ErrBackingKernel, err)
		}
	}

	h.mu.Lock()
	h.lastWriteErr = nil
	h.mu.Unlock()
	return nil
}

// inputEventStride infers whether n bytes hold native or 32-bit-compat
// input_event structs. Ambiguous lengths (a multiple of both sizes) are
// resolved in favor of the native stride, this daemon's common case.
func inputEventStride(n int) (int, error) {
	switch {
	case n == 0:
		return 0, fmt.Errorf("empty write")
	case n%uinputproto.InputEventSize == 0:
		return uinputproto.InputEventSize, nil
	case n%uinputproto.InputEvent32Size == 0:
		return uinputproto.InputEvent32Size, nil
	default:
		return 0, fmt.Errorf("input_event buffer length %d is not a multiple of either event size", n)
	}
}

// logWriteError coalesces consecutive write errors of the same errno into a
// single log line (spec §4.1 write() "duplicate-error log suppression").
func (h *Handle) logWriteError(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.lastWriteErr != nil && h.lastWriteErr.Error() == err.Error() {
		return
	}
	h.lastWriteErr = err
	logrus.WithError(err).Warn("write to backing uinput FD failed")
}

// Read relays a pending FF upload/erase request off the backing FD (spec
// §4.1 read()). A would-block read (no request pending) is not an error.
func (h *Handle) Read(buf []byte) (int, error) {
	n, err := h.fd.Read(buf)
	if err != nil {
		if IsWouldBlock(err) {
			return 0, nil
		}
		return 0, domain.NewJobError(domain.ErrBackingKernel, err)
	}
	return n, nil
}

// Release schedules cleanup without blocking the callback (spec §4.1
// release() "use a reply-none style").
func (h *Handle) Release() error {
	h.mu.Lock()
	cur := h.state
	fd := h.fd
	h.mu.Unlock()

	if cur == domain.StateCreating || cur == domain.StateLive {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), h.cfg.CreateTimeout)
			defer cancel()
			if err := h.driveToward(ctx, domain.StateRemoved); err != nil {
				logrus.WithError(err).Warn("cleanup on release failed")
			}
		}()
	}

	if fd != nil {
		return fd.Close()
	}
	return nil
}
