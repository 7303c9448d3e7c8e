package nsenter

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/vuinputd/vuinputd/domain"
	"github.com/vuinputd/vuinputd/internal/uevent"
)

func execMknodDevice(a *MknodDeviceAction) error {
	if err := os.MkdirAll(filepath.Dir(a.Path), 0755); err != nil {
		return domain.NewJobError(domain.ErrHelperFailed, fmt.Errorf("mkdir for %s: %w", a.Path, err))
	}

	dev := unix.Mkdev(a.Major, a.Minor)

	if err := unix.Mknod(a.Path, unix.S_IFCHR|a.Mode, int(dev)); err != nil {
		if err == unix.EEXIST {
			var st unix.Stat_t
			if statErr := unix.Stat(a.Path, &st); statErr == nil &&
				unix.Major(uint64(st.Rdev)) == a.Major && unix.Minor(uint64(st.Rdev)) == a.Minor {
				return nil
			}
			return domain.NewJobError(domain.ErrBackingKernel, fmt.Errorf("mknod %s: node exists with different major/minor", a.Path))
		}
		return domain.NewJobError(domain.ErrBackingKernel, fmt.Errorf("mknod %s: %w", a.Path, err))
	}

	return nil
}

func execRemoveDevice(a *RemoveDeviceAction) error {
	if err := os.Remove(a.Path); err != nil && !os.IsNotExist(err) {
		return domain.NewJobError(domain.ErrHelperFailed, fmt.Errorf("remove %s: %w", a.Path, err))
	}
	return nil
}

func execWriteUdevData(a *WriteUdevDataAction) error {
	if err := os.MkdirAll(filepath.Dir(a.Path), 0755); err != nil {
		return domain.NewJobError(domain.ErrHelperFailed, fmt.Errorf("mkdir for %s: %w", a.Path, err))
	}

	if err := os.WriteFile(a.Path, []byte(a.Contents), 0644); err != nil {
		return domain.NewJobError(domain.ErrHelperFailed, fmt.Errorf("write %s: %w", a.Path, err))
	}

	return nil
}

func execDeleteUdevData(a *DeleteUdevDataAction) error {
	if err := os.Remove(a.Path); err != nil && !os.IsNotExist(err) {
		return domain.NewJobError(domain.ErrHelperFailed, fmt.Errorf("remove %s: %w", a.Path, err))
	}
	return nil
}

func execSendUevent(a *SendUeventAction) error {
	if err := uevent.Send(domain.UeventAction(a.Action), a.Devpath, a.Props); err != nil {
		return domain.NewJobError(domain.ErrHelperFailed, fmt.Errorf("send uevent %s: %w", a.Devpath, err))
	}
	return nil
}
