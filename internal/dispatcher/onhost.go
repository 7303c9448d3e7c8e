package dispatcher

import (
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/vuinputd/vuinputd/domain"
)

// mknodLocal and removeLocal implement PlacementOnHost's devnode half
// directly against the host filesystem: no namespace is entered because
// PlacementOnHost never crosses into a container (spec §6 "--placement
// on-host ... expects the user to bind-mount these into the container").
func mknodLocal(path string, major, minor uint32, mode uint32) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return domain.NewJobError(domain.ErrHelperFailed, err)
	}

	dev := unix.Mkdev(major, minor)
	if err := unix.Mknod(path, unix.S_IFCHR|mode, int(dev)); err != nil {
		if err == unix.EEXIST {
			return nil
		}
		return domain.NewJobError(domain.ErrBackingKernel, err)
	}

	return nil
}

func removeLocal(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return domain.NewJobError(domain.ErrHelperFailed, err)
	}
	return nil
}
