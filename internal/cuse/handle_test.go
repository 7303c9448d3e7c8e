package cuse

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/vuinputd/vuinputd/domain"
	"github.com/vuinputd/vuinputd/internal/container"
	"github.com/vuinputd/vuinputd/internal/lifecycle"
	"github.com/vuinputd/vuinputd/internal/uevent"
	"github.com/vuinputd/vuinputd/internal/uinputproto"
)

type fakeBackingFD struct {
	mu      sync.Mutex
	ioctls  []uintptr
	sysname string
	writes  [][]byte
	writeErr error
}

func (f *fakeBackingFD) Ioctl(cmd uintptr, buf []byte) error {
	f.mu.Lock()
	f.ioctls = append(f.ioctls, cmd)
	f.mu.Unlock()

	if uinputproto.IsSysnameCmd(cmd) {
		copy(buf, f.sysname)
		return nil
	}
	return nil
}

func (f *fakeBackingFD) Write(buf []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	f.writes = append(f.writes, append([]byte(nil), buf...))
	return len(buf), nil
}

func (f *fakeBackingFD) Read(buf []byte) (int, error) { return 0, unix.EAGAIN }
func (f *fakeBackingFD) Close() error                 { return nil }

type fakeProcess struct {
	pid            uint32
	mountNs, netNs domain.Inode
	nsErr          error
}

func (p *fakeProcess) Pid() uint32 { return p.pid }
func (p *fakeProcess) Uid() uint32 { return 0 }
func (p *fakeProcess) Gid() uint32 { return 0 }
func (p *fakeProcess) NsInodes() (domain.Inode, domain.Inode, error) {
	return p.mountNs, p.netNs, p.nsErr
}
func (p *fakeProcess) Pidfd() (domain.PidfdIface, error) { return nil, nil }

type fakeProcessService struct {
	proc *fakeProcess
	err  error
}

func (s *fakeProcessService) ProcessFromPid(pid uint32) (domain.ProcessIface, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.proc, nil
}

type recordingDispatcher struct {
	mu       sync.Mutex
	injected int
	removed  int
	injectErr error
}

func (d *recordingDispatcher) InjectInContainer(ctx context.Context, cntr domain.ContainerIface, artifact domain.DeviceArtifact) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.injected++
	return d.injectErr
}

func (d *recordingDispatcher) RemoveFromContainer(ctx context.Context, cntr domain.ContainerIface, artifact domain.DeviceArtifact) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.removed++
	return nil
}

func (d *recordingDispatcher) counts() (int, int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.injected, d.removed
}

func newTestHandle(t *testing.T, fd *fakeBackingFD, disp *recordingDispatcher, store domain.UeventStoreIface, policy domain.DevicePolicy) *Handle {
	t.Helper()
	return newTestHandleWithMetrics(t, fd, disp, store, policy, nil)
}

type fakeMetricsRecorder struct {
	mu            sync.Mutex
	created       map[domain.DevicePolicy]int
	destroyed     map[domain.DevicePolicy]int
	createTimeout map[domain.DevicePolicy]int
	injectFailed  map[domain.DevicePolicy]int
}

func newFakeMetricsRecorder() *fakeMetricsRecorder {
	return &fakeMetricsRecorder{
		created:       map[domain.DevicePolicy]int{},
		destroyed:     map[domain.DevicePolicy]int{},
		createTimeout: map[domain.DevicePolicy]int{},
		injectFailed:  map[domain.DevicePolicy]int{},
	}
}

func (f *fakeMetricsRecorder) RecordCreated(policy domain.DevicePolicy) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created[policy]++
}
func (f *fakeMetricsRecorder) RecordDestroyed(policy domain.DevicePolicy) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed[policy]++
}
func (f *fakeMetricsRecorder) RecordCreateTimeout(policy domain.DevicePolicy) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createTimeout[policy]++
}
func (f *fakeMetricsRecorder) RecordInjectFailure(policy domain.DevicePolicy) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.injectFailed[policy]++
}

func newTestHandleWithMetrics(t *testing.T, fd *fakeBackingFD, disp *recordingDispatcher, store domain.UeventStoreIface, policy domain.DevicePolicy, metricsRecorder MetricsRecorder) *Handle {
	t.Helper()
	deps := Deps{
		Processes:     &fakeProcessService{proc: &fakeProcess{pid: 42, mountNs: 1, netNs: 2}},
		Registry:      container.NewRegistry(),
		Reconciler:    lifecycle.New(disp),
		Uevents:       store,
		OpenBackingFD: func() (BackingFD, error) { return fd, nil },
		Metrics:       metricsRecorder,
	}
	cfg := Config{Policy: policy, DeviceID: domain.DefaultDeviceID, CreateTimeout: 200 * time.Millisecond}
	h := NewHandle(deps, cfg)
	require.NoError(t, h.Open(42))
	return h
}

func evbitPayload(code uint16) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(code))
	return buf
}

func TestOpenRejectsUnresolvableIdentity(t *testing.T) {
	deps := Deps{
		Processes: &fakeProcessService{err: fmt.Errorf("no such process")},
		Registry:  container.NewRegistry(),
	}
	h := NewHandle(deps, Config{})
	assert.Equal(t, unix.EACCES, h.Open(99))
}

func TestSetBitSkipsBackingFDWhenPolicyDisallows(t *testing.T) {
	fd := &fakeBackingFD{}
	disp := &recordingDispatcher{}
	h := newTestHandle(t, fd, disp, uevent.NewStore(), domain.PolicyMuteSysRq)

	_, err := h.Ioctl(context.Background(), uinputproto.UI_SET_KEYBIT, evbitPayload(uinputproto.KeySysRq), 0)
	require.NoError(t, err)
	assert.Empty(t, fd.ioctls, "SysRq must never reach the backing FD under mute-sys-rq")
	assert.True(t, h.keybits[uinputproto.KeySysRq], "accumulator still records the client's requested bit")

	_, err = h.Ioctl(context.Background(), uinputproto.UI_SET_KEYBIT, evbitPayload(uinputproto.BtnLeft), 0)
	require.NoError(t, err)
	assert.Len(t, fd.ioctls, 1, "an allowed bit is replayed onto the backing FD")
}

func TestIoctlSignalsRetryWhenBufferTooSmall(t *testing.T) {
	fd := &fakeBackingFD{sysname: "input7"}
	disp := &recordingDispatcher{}
	h := newTestHandle(t, fd, disp, uevent.NewStore(), domain.PolicyNone)

	result, err := h.Ioctl(context.Background(), uinputproto.SysnameIoctl(32), nil, 4)
	require.NoError(t, err)
	require.NotNil(t, result.Retry)
	assert.Equal(t, 32, result.Retry.OutSize)
}

func TestGetSysnameIsENOENTUntilKnown(t *testing.T) {
	fd := &fakeBackingFD{}
	disp := &recordingDispatcher{}
	h := newTestHandle(t, fd, disp, uevent.NewStore(), domain.PolicyNone)

	_, err := h.Ioctl(context.Background(), uinputproto.SysnameIoctl(16), nil, 16)
	assert.Equal(t, unix.ENOENT, err)
}

func TestDevCreateFullFlowReachesLive(t *testing.T) {
	fd := &fakeBackingFD{sysname: "input7"}
	disp := &recordingDispatcher{}
	store := uevent.NewStore()
	h := newTestHandle(t, fd, disp, store, domain.PolicyMuteSysRq)

	store.Push(domain.UeventRecord{
		Action:  domain.UeventAdd,
		Devpath: "/devices/virtual/input/input7/event7",
		Props:   map[string]string{"MAJOR": "13", "MINOR": "71"},
	})

	_, err := h.Ioctl(context.Background(), uinputproto.UI_DEV_CREATE, nil, 0)
	require.NoError(t, err)

	assert.Equal(t, domain.StateLive, h.state)
	assert.Equal(t, "event7", h.artifact.DevPath)
	assert.EqualValues(t, 13, h.artifact.Major)
	assert.EqualValues(t, 71, h.artifact.Minor)

	injected, _ := disp.counts()
	assert.Equal(t, 1, injected)

	result, err := h.Ioctl(context.Background(), uinputproto.SysnameIoctl(16), nil, 16)
	require.NoError(t, err)
	assert.Contains(t, string(result.OutBuf), "input7")
}

func TestDevCreateTimesOutWithoutHostUevent(t *testing.T) {
	fd := &fakeBackingFD{sysname: "input9"}
	disp := &recordingDispatcher{}
	store := uevent.NewStore()
	h := newTestHandle(t, fd, disp, store, domain.PolicyNone)
	h.cfg.CreateTimeout = 50 * time.Millisecond

	_, err := h.Ioctl(context.Background(), uinputproto.UI_DEV_CREATE, nil, 0)
	assert.Equal(t, unix.EIO, err)
	assert.Equal(t, domain.StatePendingCleanup, h.state)
}

func TestWriteNormalizesCompatEventAndSuppressesDuplicateErrors(t *testing.T) {
	fd := &fakeBackingFD{writeErr: unix.EINVAL}
	disp := &recordingDispatcher{}
	h := newTestHandle(t, fd, disp, uevent.NewStore(), domain.PolicyNone)

	hook := test.NewLocal(logrus.StandardLogger())

	ev32 := uinputproto.InputEvent32{Sec: 1, Usec: 2, Type: uinputproto.EvKey, Code: uinputproto.BtnLeft, Value: 1}
	buf := make([]byte, uinputproto.InputEvent32Size)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(ev32.Sec))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(ev32.Usec))
	binary.LittleEndian.PutUint16(buf[8:10], ev32.Type)
	binary.LittleEndian.PutUint16(buf[10:12], ev32.Code)
	binary.LittleEndian.PutUint32(buf[12:16], uint32(ev32.Value))

	require.Error(t, h.Write(buf))
	require.Error(t, h.Write(buf))
	assert.Len(t, hook.Entries, 1, "second identical write error must be coalesced")
}

func TestWriteReplaysAMultiEventStream(t *testing.T) {
	fd := &fakeBackingFD{}
	disp := &recordingDispatcher{}
	h := newTestHandle(t, fd, disp, uevent.NewStore(), domain.PolicyNone)

	one := uinputproto.InputEvent32{Sec: 1, Usec: 2, Type: uinputproto.EvKey, Code: uinputproto.BtnLeft, Value: 1}
	two := uinputproto.InputEvent32{Sec: 3, Usec: 4, Type: uinputproto.EvKey, Code: uinputproto.BtnLeft, Value: 0}

	buf := make([]byte, 2*uinputproto.InputEvent32Size)
	encode32 := func(dst []byte, ev uinputproto.InputEvent32) {
		binary.LittleEndian.PutUint32(dst[0:4], uint32(ev.Sec))
		binary.LittleEndian.PutUint32(dst[4:8], uint32(ev.Usec))
		binary.LittleEndian.PutUint16(dst[8:10], ev.Type)
		binary.LittleEndian.PutUint16(dst[10:12], ev.Code)
		binary.LittleEndian.PutUint32(dst[12:16], uint32(ev.Value))
	}
	encode32(buf[:uinputproto.InputEvent32Size], one)
	encode32(buf[uinputproto.InputEvent32Size:], two)

	require.NoError(t, h.Write(buf))
	require.Len(t, fd.writes, 2, "a two-event write must replay both events")
}

func TestReleaseDoesNotBlockAndSchedulesCleanup(t *testing.T) {
	fd := &fakeBackingFD{sysname: "input3"}
	disp := &recordingDispatcher{}
	store := uevent.NewStore()
	h := newTestHandle(t, fd, disp, store, domain.PolicyNone)

	store.Push(domain.UeventRecord{
		Action:  domain.UeventAdd,
		Devpath: "/devices/virtual/input/input3/event3",
		Props:   map[string]string{"MAJOR": "13", "MINOR": "1"},
	})
	_, err := h.Ioctl(context.Background(), uinputproto.UI_DEV_CREATE, nil, 0)
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, h.Release())
	assert.Less(t, time.Since(start), 50*time.Millisecond, "Release must reply without blocking on cleanup")

	require.Eventually(t, func() bool {
		_, removed := disp.counts()
		return removed == 1
	}, time.Second, 10*time.Millisecond)
}

func TestAbsSetupReachesBackingFDAndRespectsPolicy(t *testing.T) {
	fd := &fakeBackingFD{}
	disp := &recordingDispatcher{}
	h := newTestHandle(t, fd, disp, uevent.NewStore(), domain.PolicyStrictGamepad)

	absBuf := make([]byte, 28)
	binary.LittleEndian.PutUint16(absBuf[0:2], uinputproto.AbsMax+1)
	binary.LittleEndian.PutUint32(absBuf[4:8], 0)
	binary.LittleEndian.PutUint32(absBuf[8:12], 0)
	binary.LittleEndian.PutUint32(absBuf[12:16], 255)

	_, err := h.Ioctl(context.Background(), uinputproto.UI_ABS_SETUP, absBuf, 0)
	require.NoError(t, err)
	assert.Empty(t, fd.ioctls, "an out-of-range axis under strict-gamepad must never reach the backing FD")

	binary.LittleEndian.PutUint16(absBuf[0:2], 1)
	_, err = h.Ioctl(context.Background(), uinputproto.UI_ABS_SETUP, absBuf, 0)
	require.NoError(t, err)
	require.Len(t, fd.ioctls, 1)
	assert.Equal(t, uinputproto.UI_ABS_SETUP, fd.ioctls[0])
}

func TestDevCreateRecordsMetricOnSuccess(t *testing.T) {
	fd := &fakeBackingFD{sysname: "input8"}
	disp := &recordingDispatcher{}
	store := uevent.NewStore()
	m := newFakeMetricsRecorder()
	h := newTestHandleWithMetrics(t, fd, disp, store, domain.PolicyMuteSysRq, m)

	store.Push(domain.UeventRecord{
		Action:  domain.UeventAdd,
		Devpath: "/devices/virtual/input/input8/event8",
		Props:   map[string]string{"MAJOR": "13", "MINOR": "72"},
	})

	_, err := h.Ioctl(context.Background(), uinputproto.UI_DEV_CREATE, nil, 0)
	require.NoError(t, err)

	assert.Equal(t, 1, m.created[domain.PolicyMuteSysRq])
	assert.Zero(t, m.createTimeout[domain.PolicyMuteSysRq])
	assert.Zero(t, m.injectFailed[domain.PolicyMuteSysRq])
}

func TestDevCreateRecordsTimeoutMetricWhenHostUeventMissing(t *testing.T) {
	fd := &fakeBackingFD{sysname: "input10"}
	disp := &recordingDispatcher{}
	store := uevent.NewStore()
	m := newFakeMetricsRecorder()
	h := newTestHandleWithMetrics(t, fd, disp, store, domain.PolicyNone, m)
	h.cfg.CreateTimeout = 50 * time.Millisecond

	_, err := h.Ioctl(context.Background(), uinputproto.UI_DEV_CREATE, nil, 0)
	assert.Equal(t, unix.EIO, err)

	assert.Equal(t, 1, m.createTimeout[domain.PolicyNone])
	assert.Zero(t, m.created[domain.PolicyNone])
}

func TestDevDestroyRecordsMetricOnSuccess(t *testing.T) {
	fd := &fakeBackingFD{sysname: "input4"}
	disp := &recordingDispatcher{}
	store := uevent.NewStore()
	m := newFakeMetricsRecorder()
	h := newTestHandleWithMetrics(t, fd, disp, store, domain.PolicyNone, m)

	store.Push(domain.UeventRecord{
		Action:  domain.UeventAdd,
		Devpath: "/devices/virtual/input/input4/event4",
		Props:   map[string]string{"MAJOR": "13", "MINOR": "2"},
	})
	_, err := h.Ioctl(context.Background(), uinputproto.UI_DEV_CREATE, nil, 0)
	require.NoError(t, err)

	_, err = h.Ioctl(context.Background(), uinputproto.UI_DEV_DESTROY, nil, 0)
	require.NoError(t, err)

	assert.Equal(t, 1, m.destroyed[domain.PolicyNone])
}
