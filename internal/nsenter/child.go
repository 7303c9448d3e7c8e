package nsenter

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/vishvananda/netns"
	"golang.org/x/sys/unix"

	"github.com/vuinputd/vuinputd/domain"
)

// Child-process exit codes, read back by the parent's mapRunError to
// classify the failure without parsing stderr (spec §5 error taxonomy).
const (
	exitOK             = 0
	exitHelperFailed   = 1
	exitContainerGone  = 2
	exitBackingKernel  = 3
)

// IsHelperInvocation reports whether args carries --target-namespace, i.e.
// this process was re-exec'd to run a namespace-helper action rather than
// started as the daemon (spec §4.3, checked before the CLI app parses the
// rest of its flags).
func IsHelperInvocation(args []string) bool {
	for _, a := range args {
		if a == "--"+TargetNsFlag {
			return true
		}
	}
	return false
}

// RunChild joins the mount and net namespaces rooted at nsTargetPath
// (/proc/<pid>/ns) and executes the decoded action, returning the process
// exit code the parent's Run() maps back into a domain.JobError kind.
//
// Namespace entry happens here, in a freshly re-exec'd single-threaded
// process, rather than by forking the running daemon: Setns only affects the
// calling thread, and the Go runtime does not guarantee which OS thread a
// goroutine continues on after a blocking call, so changing namespaces
// in-process would leave other goroutines split across namespaces.
func RunChild(nsTargetPath, actionB64 string) int {
	runtime.LockOSThread()

	action, err := DecodeAction(actionB64)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitHelperFailed
	}

	// Both namespace paths are resolved before either is entered: once the
	// mnt namespace is joined, /proc becomes the container's procfs and the
	// host-rooted nsTargetPath (/proc/<hostpid>/ns/...) is no longer
	// resolvable, so the net namespace lookup has to happen first.
	mntPath := filepath.Join(nsTargetPath, "mnt")
	mntFd, err := unix.Open(mntPath, unix.O_RDONLY, 0)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "target namespace gone: %s\n", mntPath)
			return exitContainerGone
		}
		fmt.Fprintf(os.Stderr, "open %s: %v\n", mntPath, err)
		return exitHelperFailed
	}
	defer unix.Close(mntFd)

	// The net namespace handle is acquired through vishvananda/netns rather
	// than a raw Open call: it validates the handle is actually a net-ns
	// inode before switching, matching how its callers elsewhere (container
	// runtimes, CNI plugins) enter a target container's networking.
	netPath := filepath.Join(nsTargetPath, "net")
	netHandle, err := netns.GetFromPath(netPath)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "target namespace gone: %s\n", netPath)
			return exitContainerGone
		}
		fmt.Fprintf(os.Stderr, "open %s: %v\n", netPath, err)
		return exitHelperFailed
	}
	defer netHandle.Close()

	// Join net first, then mnt: once mnt is joined, /proc/<hostpid> is gone,
	// so net must already be entered by the time that happens.
	if err := netns.Set(netHandle); err != nil {
		fmt.Fprintf(os.Stderr, "setns %s: %v\n", netPath, err)
		return exitHelperFailed
	}

	if err := unix.Setns(mntFd, unix.CLONE_NEWNS); err != nil {
		fmt.Fprintf(os.Stderr, "setns %s: %v\n", mntPath, err)
		return exitHelperFailed
	}

	if err := execute(action); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if jerr, ok := err.(*domain.JobError); ok && jerr.Kind == domain.ErrBackingKernel {
			return exitBackingKernel
		}
		return exitHelperFailed
	}

	return exitOK
}

// execute dispatches a decoded action to its concrete implementation,
// running with the namespaces already joined by RunChild.
func execute(action domain.HelperAction) error {
	switch a := action.(type) {
	case *MknodDeviceAction:
		return execMknodDevice(a)
	case *RemoveDeviceAction:
		return execRemoveDevice(a)
	case *WriteUdevDataAction:
		return execWriteUdevData(a)
	case *DeleteUdevDataAction:
		return execDeleteUdevData(a)
	case *SendUeventAction:
		return execSendUevent(a)
	default:
		return fmt.Errorf("unhandled action type %T", action)
	}
}
