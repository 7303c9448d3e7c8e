package nsenter

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/vuinputd/vuinputd/domain"
)

// TargetNsFlag and ActionFlag name the CLI flags cmd/vuinputd registers so a
// re-exec'd child recognizes itself as a namespace helper invocation rather
// than a second daemon startup (spec §4.3, §6).
const (
	TargetNsFlag = "target-namespace"
	ActionFlag   = "action-base64"
)

// Service runs namespace-helper actions by re-exec'ing the running binary
// with --target-namespace/--action-base64, implementing
// domain.NSenterServiceIface. selfPath is /proc/self/exe in production and a
// stub binary in tests.
type Service struct {
	selfPath string
}

// NewService builds a Service that re-execs /proc/self/exe.
func NewService() *Service {
	return &Service{selfPath: "/proc/self/exe"}
}

func (s *Service) Run(ctx context.Context, nsTargetPath string, action domain.HelperAction) error {
	b64, err := EncodeAction(action)
	if err != nil {
		return domain.NewJobError(domain.ErrClientProtocol, err)
	}

	cmd := exec.CommandContext(ctx, s.selfPath,
		"--"+TargetNsFlag, nsTargetPath,
		"--"+ActionFlag, b64,
	)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return mapRunError(action, err, stderr.String())
	}

	return nil
}

// mapRunError classifies a failed helper invocation into the taxonomy the
// dispatcher uses to decide whether to retry or give up (spec §5).
func mapRunError(action domain.HelperAction, err error, stderr string) error {
	var exitErr *exec.ExitError
	if !asExitError(err, &exitErr) {
		return domain.NewJobError(domain.ErrHelperFailed,
			fmt.Errorf("launch %s helper: %w", action.ActionName(), err))
	}

	logrus.WithField("action", action.ActionName()).
		WithField("exit", exitErr.ExitCode()).
		Debugf("nsenter helper failed: %s", stderr)

	switch exitCode(exitErr) {
	case exitContainerGone:
		return domain.NewJobError(domain.ErrContainerGone,
			fmt.Errorf("%s: target namespace gone", action.ActionName()))
	case exitBackingKernel:
		return domain.NewJobError(domain.ErrBackingKernel,
			fmt.Errorf("%s: %s", action.ActionName(), stderr))
	default:
		return domain.NewJobError(domain.ErrHelperFailed,
			fmt.Errorf("%s: exit %d: %s", action.ActionName(), exitCode(exitErr), stderr))
	}
}

func asExitError(err error, target **exec.ExitError) bool {
	ee, ok := err.(*exec.ExitError)
	if ok {
		*target = ee
	}
	return ok
}

func exitCode(ee *exec.ExitError) int {
	if ws, ok := ee.Sys().(unix.WaitStatus); ok {
		return ws.ExitStatus()
	}
	return ee.ExitCode()
}
