// Package dispatcher serializes per-container propagation work onto
// lazily-spawned FIFO workers (spec §4.2), one worker per container key.
// There is no separate worker for host-only work or for the background
// monitor; the uevent monitor runs on its own goroutine, started by
// cmd/vuinputd. A caller
// blocks on its own job's completion without holding any lock, so slow
// namespace-helper calls for one container never stall another's queue.
package dispatcher

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/vuinputd/vuinputd/domain"
	"github.com/vuinputd/vuinputd/internal/nsenter"
	"github.com/vuinputd/vuinputd/internal/udevdata"
)

type job struct {
	run  func() error
	done chan error
}

type worker struct {
	jobs chan job
}

func newWorker() *worker {
	w := &worker{jobs: make(chan job, 32)}
	go w.loop()
	return w
}

func (w *worker) loop() {
	for j := range w.jobs {
		j.done <- j.run()
	}
}

func (w *worker) submit(ctx context.Context, run func() error) error {
	j := job{run: run, done: make(chan error, 1)}
	select {
	case w.jobs <- j:
	case <-ctx.Done():
		return domain.NewJobError(domain.ErrTimeout, ctx.Err())
	}

	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		return domain.NewJobError(domain.ErrTimeout, ctx.Err())
	}
}

// Dispatcher implements domain.DispatcherIface on top of per-target FIFO
// workers. Under PlacementInContainer it replays propagation actions through
// the namespace helper; under PlacementOnHost it writes the same artifacts
// directly to a fixed host directory tree the operator bind-mounts in
// themselves (spec §6 "--placement on-host"), since no namespace crossing is
// needed when everything stays on the host; under PlacementNone it's a
// no-op (the operator handles propagation out of band).
type Dispatcher struct {
	mu        sync.Mutex
	workers   map[domain.ContainerKey]*worker
	nsenter   domain.NSenterServiceIface
	udev      *udevdata.Writer
	uevents   domain.UeventStoreIface
	placement domain.Placement
	devname   string
}

// New builds a Dispatcher. nsvc runs namespace-helper actions for
// PlacementInContainer; udev writes udev-data records rooted at whatever
// filesystem view is appropriate for the chosen placement; uevents is the
// host monitor's ring buffer, used to confirm the kernel has actually
// published the parent and child sysfs entries before propagating anything
// (spec §4.2 InjectInContainerJob step 1); it may be nil in tests that don't
// exercise that wait. devname names the on-host propagation directory
// (/run/vuinputd/<devname>/...).
func New(nsvc domain.NSenterServiceIface, udev *udevdata.Writer, uevents domain.UeventStoreIface, placement domain.Placement, devname string) *Dispatcher {
	return &Dispatcher{
		workers:   make(map[domain.ContainerKey]*worker),
		nsenter:   nsvc,
		udev:      udev,
		uevents:   uevents,
		placement: placement,
		devname:   devname,
	}
}

// waitForHostUevents blocks until the host kernel has published an "add"
// record for both the parent (e.g. input3) and child (eventN) sysfs paths,
// so propagation into a container never races ahead of the device actually
// existing on the host.
func (d *Dispatcher) waitForHostUevents(ctx context.Context, artifact domain.DeviceArtifact) error {
	if d.uevents == nil {
		return nil
	}
	if _, ok := d.uevents.WaitForPrefix(ctx, artifact.SysfsPath, domain.UeventAdd); !ok {
		return domain.NewJobError(domain.ErrTimeout, fmt.Errorf("host uevent for %s not observed", artifact.SysfsPath))
	}
	childPath := artifact.SysfsPath + "/" + artifact.DevPath
	if _, ok := d.uevents.WaitForPrefix(ctx, childPath, domain.UeventAdd); !ok {
		return domain.NewJobError(domain.ErrTimeout, fmt.Errorf("host uevent for %s not observed", childPath))
	}
	return nil
}

// onHostDevnodeDir is spec §6's fixed on-host devnode root. The on-host
// udev-data root is not defined here; it comes from the filesystem view of
// the udevdata.Writer passed to New.
func (d *Dispatcher) onHostDevnodeDir() string {
	return fmt.Sprintf("/run/vuinputd/%s/dev-input", d.devname)
}

func (d *Dispatcher) workerFor(key domain.ContainerKey) *worker {
	d.mu.Lock()
	defer d.mu.Unlock()

	w, found := d.workers[key]
	if !found {
		w = newWorker()
		d.workers[key] = w
	}
	return w
}

// devnodePath and udevProps are shared by InjectInContainer and
// RemoveFromContainer so both sides of a device's lifecycle agree on paths.
func devnodePath(artifact domain.DeviceArtifact) string {
	return fmt.Sprintf("/dev/input/%s", artifact.DevPath)
}

func udevProps(artifact domain.DeviceArtifact) map[string]string {
	return map[string]string{
		"SUBSYSTEM": "input",
		"MAJOR":     fmt.Sprintf("%d", artifact.Major),
		"MINOR":     fmt.Sprintf("%d", artifact.Minor),
		"DEVNAME":   devnodePath(artifact),
	}
}

func (d *Dispatcher) InjectInContainer(ctx context.Context, cntr domain.ContainerIface, artifact domain.DeviceArtifact) error {
	if d.placement == domain.PlacementNone {
		return nil
	}

	w := d.workerFor(cntr.Key())

	return w.submit(ctx, func() error {
		if err := d.waitForHostUevents(ctx, artifact); err != nil {
			return err
		}

		devPath := devnodePath(artifact)

		if d.placement == domain.PlacementOnHost {
			if err := mknodLocal(filepath.Join(d.onHostDevnodeDir(), artifact.DevPath), artifact.Major, artifact.Minor, 0660); err != nil {
				return err
			}
			if err := d.udev.Write(artifact.Major, artifact.Minor, udevProps(artifact)); err != nil {
				return domain.NewJobError(domain.ErrHelperFailed, err)
			}
		} else {
			nsTarget := cntr.NsTargetPath()

			if err := d.nsenter.Run(ctx, nsTarget, &nsenter.MknodDeviceAction{
				Path:  devPath,
				Major: artifact.Major,
				Minor: artifact.Minor,
				Mode:  0660,
			}); err != nil {
				return err
			}

			udevPath := udevdata.DataPath(artifact.Major, artifact.Minor)
			if err := d.nsenter.Run(ctx, nsTarget, &nsenter.WriteUdevDataAction{
				Path:     udevPath,
				Contents: udevdata.Render(udevProps(artifact)),
			}); err != nil {
				return err
			}

			if err := d.nsenter.Run(ctx, nsTarget, &nsenter.SendUeventAction{
				Action:  string(domain.UeventAdd),
				Devpath: artifact.SysfsPath,
				Props:   udevProps(artifact),
			}); err != nil {
				return err
			}
		}

		logrus.WithField("container", cntr.Key()).
			WithField("devpath", devPath).
			Debug("injected device into container")

		return nil
	})
}

func (d *Dispatcher) RemoveFromContainer(ctx context.Context, cntr domain.ContainerIface, artifact domain.DeviceArtifact) error {
	if d.placement == domain.PlacementNone {
		return nil
	}

	w := d.workerFor(cntr.Key())

	return w.submit(ctx, func() error {
		devPath := devnodePath(artifact)

		if d.placement == domain.PlacementOnHost {
			if err := d.udev.Delete(artifact.Major, artifact.Minor); err != nil {
				return domain.NewJobError(domain.ErrHelperFailed, err)
			}
			if err := removeLocal(filepath.Join(d.onHostDevnodeDir(), artifact.DevPath)); err != nil {
				return err
			}
		} else {
			nsTarget := cntr.NsTargetPath()

			if err := d.nsenter.Run(ctx, nsTarget, &nsenter.SendUeventAction{
				Action:  string(domain.UeventRemove),
				Devpath: artifact.SysfsPath,
				Props:   udevProps(artifact),
			}); err != nil {
				return err
			}

			udevPath := udevdata.DataPath(artifact.Major, artifact.Minor)
			if err := d.nsenter.Run(ctx, nsTarget, &nsenter.DeleteUdevDataAction{
				Path: udevPath,
			}); err != nil {
				return err
			}

			if err := d.nsenter.Run(ctx, nsTarget, &nsenter.RemoveDeviceAction{
				Path: devPath,
			}); err != nil {
				return err
			}
		}

		logrus.WithField("container", cntr.Key()).
			WithField("devpath", devPath).
			Debug("removed device from container")

		return nil
	})
}
