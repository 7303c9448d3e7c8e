package dispatcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vuinputd/vuinputd/domain"
	"github.com/vuinputd/vuinputd/internal/iofs"
	"github.com/vuinputd/vuinputd/internal/udevdata"
	"github.com/vuinputd/vuinputd/internal/uevent"
)

type fakeContainer struct {
	key     domain.ContainerKey
	initPid uint32
}

func (c *fakeContainer) Key() domain.ContainerKey { return c.key }
func (c *fakeContainer) InitPid() uint32          { return c.initPid }
func (c *fakeContainer) NsTargetPath() string     { return "/proc/fake/ns" }

type fakeNsenter struct {
	mu  sync.Mutex
	ran []string
}

func (f *fakeNsenter) Run(ctx context.Context, nsTargetPath string, action domain.HelperAction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ran = append(f.ran, action.ActionName())
	return nil
}

func (f *fakeNsenter) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.ran))
	copy(out, f.ran)
	return out
}

func newTestDispatcher(ns domain.NSenterServiceIface) *Dispatcher {
	udev := udevdata.NewWriter(iofs.NewMemService())
	return New(ns, udev, nil, domain.PlacementInContainer, "test")
}

func TestInjectInContainerRunsActionsInOrder(t *testing.T) {
	ns := &fakeNsenter{}
	d := newTestDispatcher(ns)

	cntr := &fakeContainer{key: domain.ContainerKey{MountNsInode: 1, NetNsInode: 2}, initPid: 100}
	artifact := domain.DeviceArtifact{SysfsPath: "/devices/virtual/input/input3/event3", DevPath: "event3", Major: 13, Minor: 71}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, d.InjectInContainer(ctx, cntr, artifact))

	assert.Equal(t, []string{"mknod-device", "write-udev-data", "send-uevent"}, ns.seen())
}

func TestRemoveFromContainerRunsActionsInOrder(t *testing.T) {
	ns := &fakeNsenter{}
	d := newTestDispatcher(ns)

	cntr := &fakeContainer{key: domain.ContainerKey{MountNsInode: 1, NetNsInode: 2}, initPid: 100}
	artifact := domain.DeviceArtifact{SysfsPath: "/devices/virtual/input/input3/event3", DevPath: "event3", Major: 13, Minor: 71}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, d.RemoveFromContainer(ctx, cntr, artifact))

	assert.Equal(t, []string{"send-uevent", "delete-udev-data", "remove-device"}, ns.seen())
}

func TestPlacementNoneIsNoop(t *testing.T) {
	ns := &fakeNsenter{}
	udev := udevdata.NewWriter(iofs.NewMemService())
	d := New(ns, udev, nil, domain.PlacementNone, "test")

	cntr := &fakeContainer{key: domain.ContainerKey{MountNsInode: 1, NetNsInode: 2}, initPid: 100}
	artifact := domain.DeviceArtifact{SysfsPath: "/devices/virtual/input/input3/event3", DevPath: "event3", Major: 13, Minor: 71}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, d.InjectInContainer(ctx, cntr, artifact))
	assert.Empty(t, ns.seen())
}

func TestTwoContainersDoNotSerializeOnEachOther(t *testing.T) {
	blocked := make(chan struct{})
	unblock := make(chan struct{})

	ns := &blockingNsenter{blocked: blocked, unblock: unblock}
	d := newTestDispatcher(ns)

	a := &fakeContainer{key: domain.ContainerKey{MountNsInode: 1, NetNsInode: 1}, initPid: 1}
	b := &fakeContainer{key: domain.ContainerKey{MountNsInode: 2, NetNsInode: 2}, initPid: 2}
	artifact := domain.DeviceArtifact{SysfsPath: "/devices/virtual/input/input1/event1", DevPath: "event1", Major: 13, Minor: 1}

	go d.InjectInContainer(context.Background(), a, artifact)

	select {
	case <-blocked:
	case <-time.After(time.Second):
		t.Fatal("container A's job never started")
	}

	done := make(chan error, 1)
	go func() { done <- d.InjectInContainer(context.Background(), b, artifact) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("container B's job was blocked behind container A's in-flight job")
	}

	close(unblock)
}

func TestInjectInContainerWaitsForHostUevents(t *testing.T) {
	ns := &fakeNsenter{}
	udev := udevdata.NewWriter(iofs.NewMemService())
	store := uevent.NewStore()
	d := New(ns, udev, store, domain.PlacementInContainer, "test")

	cntr := &fakeContainer{key: domain.ContainerKey{MountNsInode: 1, NetNsInode: 2}, initPid: 100}
	artifact := domain.DeviceArtifact{SysfsPath: "/devices/virtual/input/input3", DevPath: "event3", Major: 13, Minor: 71}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	err := d.InjectInContainer(ctx, cntr, artifact)
	assert.Error(t, err, "no host uevents observed yet, inject should time out")
	assert.Empty(t, ns.seen())

	store.Push(domain.UeventRecord{Action: domain.UeventAdd, Devpath: "/devices/virtual/input/input3"})
	store.Push(domain.UeventRecord{Action: domain.UeventAdd, Devpath: "/devices/virtual/input/input3/event3"})

	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	require.NoError(t, d.InjectInContainer(ctx2, cntr, artifact))
	assert.Equal(t, []string{"mknod-device", "write-udev-data", "send-uevent"}, ns.seen())
}

type blockingNsenter struct {
	once    sync.Once
	blocked chan struct{}
	unblock chan struct{}
}

func (f *blockingNsenter) Run(ctx context.Context, nsTargetPath string, action domain.HelperAction) error {
	f.once.Do(func() {
		close(f.blocked)
		<-f.unblock
	})
	return nil
}
