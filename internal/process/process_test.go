package process

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vuinputd/vuinputd/internal/iofs"
)

func TestNsInodesOfSelfAreStable(t *testing.T) {
	ps := NewProcessService(iofs.NewOsService())

	proc, err := ps.ProcessFromPid(uint32(os.Getpid()))
	require.NoError(t, err)

	mnt1, net1, err := proc.NsInodes()
	require.NoError(t, err)
	assert.NotZero(t, mnt1)
	assert.NotZero(t, net1)

	// A second call must hit the cached result and agree with the first.
	mnt2, net2, err := proc.NsInodes()
	require.NoError(t, err)
	assert.Equal(t, mnt1, mnt2)
	assert.Equal(t, net1, net2)
}

func TestPidfdOfSelfIsAlive(t *testing.T) {
	ps := NewProcessService(iofs.NewOsService())

	proc, err := ps.ProcessFromPid(uint32(os.Getpid()))
	require.NoError(t, err)

	pfd, err := proc.Pidfd()
	require.NoError(t, err)
	defer pfd.Close()

	assert.True(t, pfd.Alive())
}

func TestNsInodesUnknownPidErrors(t *testing.T) {
	ps := NewProcessService(iofs.NewOsService())

	proc, err := ps.ProcessFromPid(1 << 30)
	require.NoError(t, err)

	_, _, err = proc.NsInodes()
	assert.Error(t, err)
}
