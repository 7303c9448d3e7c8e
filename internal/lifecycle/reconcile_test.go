package lifecycle

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vuinputd/vuinputd/domain"
)

func TestStepAdvancesOneStateAtATimeTowardCreation(t *testing.T) {
	next, ok := Step(domain.StateNonexistent, domain.StateLive)
	require.True(t, ok)
	assert.Equal(t, domain.StateCreating, next)

	next, ok = Step(domain.StateCreating, domain.StateLive)
	require.True(t, ok)
	assert.Equal(t, domain.StateLive, next)

	_, ok = Step(domain.StateLive, domain.StateLive)
	assert.False(t, ok, "already at the intended state")
}

func TestStepFoldsTeardownDirectlyToPendingCleanup(t *testing.T) {
	next, ok := Step(domain.StateCreating, domain.StateRemoved)
	require.True(t, ok)
	assert.Equal(t, domain.StatePendingCleanup, next)

	next, ok = Step(domain.StateLive, domain.StateRemoved)
	require.True(t, ok)
	assert.Equal(t, domain.StatePendingCleanup, next)

	next, ok = Step(domain.StatePendingCleanup, domain.StateRemoved)
	require.True(t, ok)
	assert.Equal(t, domain.StateRemoved, next)
}

func TestStepNonexistentIntendedRemovedIsNoop(t *testing.T) {
	_, ok := Step(domain.StateNonexistent, domain.StateRemoved)
	assert.False(t, ok)
}

type fakeContainer struct{ key domain.ContainerKey }

func (c *fakeContainer) Key() domain.ContainerKey { return c.key }
func (c *fakeContainer) InitPid() uint32          { return 1 }
func (c *fakeContainer) NsTargetPath() string     { return "/proc/1/ns" }

type fakeHandle struct {
	cntr     domain.ContainerIface
	artifact domain.DeviceArtifact
}

func (h *fakeHandle) Container() domain.ContainerIface  { return h.cntr }
func (h *fakeHandle) Artifact() domain.DeviceArtifact   { return h.artifact }

type fakeDispatcher struct {
	injected, removed int
	injectErr         error
}

func (d *fakeDispatcher) InjectInContainer(ctx context.Context, cntr domain.ContainerIface, artifact domain.DeviceArtifact) error {
	d.injected++
	return d.injectErr
}

func (d *fakeDispatcher) RemoveFromContainer(ctx context.Context, cntr domain.ContainerIface, artifact domain.DeviceArtifact) error {
	d.removed++
	return nil
}

func TestReconcileToLiveCallsInjectInContainer(t *testing.T) {
	disp := &fakeDispatcher{}
	r := New(disp)
	h := &fakeHandle{cntr: &fakeContainer{key: domain.ContainerKey{MountNsInode: 1, NetNsInode: 2}}}

	next, err := r.Reconcile(context.Background(), h, domain.StateCreating, domain.StateLive)
	require.NoError(t, err)
	assert.Equal(t, domain.StateLive, next)
	assert.Equal(t, 1, disp.injected)
}

func TestReconcileToRemovedCallsRemoveFromContainer(t *testing.T) {
	disp := &fakeDispatcher{}
	r := New(disp)
	h := &fakeHandle{cntr: &fakeContainer{key: domain.ContainerKey{MountNsInode: 1, NetNsInode: 2}}}

	next, err := r.Reconcile(context.Background(), h, domain.StatePendingCleanup, domain.StateRemoved)
	require.NoError(t, err)
	assert.Equal(t, domain.StateRemoved, next)
	assert.Equal(t, 1, disp.removed)
}

func TestReconcileKeepsObservedOnDispatcherError(t *testing.T) {
	disp := &fakeDispatcher{injectErr: assert.AnError}
	r := New(disp)
	h := &fakeHandle{cntr: &fakeContainer{}}

	next, err := r.Reconcile(context.Background(), h, domain.StateCreating, domain.StateLive)
	assert.Error(t, err)
	assert.Equal(t, domain.StateCreating, next)
}
