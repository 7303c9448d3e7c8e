//
// Copyright 2019-2020 Nestybox, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	systemd "github.com/coreos/go-systemd/v22/daemon"
	"github.com/pkg/profile"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/vuinputd/vuinputd/domain"
	"github.com/vuinputd/vuinputd/internal/config"
	"github.com/vuinputd/vuinputd/internal/container"
	"github.com/vuinputd/vuinputd/internal/cuse"
	"github.com/vuinputd/vuinputd/internal/dispatcher"
	"github.com/vuinputd/vuinputd/internal/iofs"
	"github.com/vuinputd/vuinputd/internal/lifecycle"
	"github.com/vuinputd/vuinputd/internal/metrics"
	"github.com/vuinputd/vuinputd/internal/nsenter"
	"github.com/vuinputd/vuinputd/internal/process"
	"github.com/vuinputd/vuinputd/internal/udevdata"
	"github.com/vuinputd/vuinputd/internal/uevent"
	"github.com/vuinputd/vuinputd/internal/vtguard"
)

const (
	runDir string = "/run/vuinputd"

	// metricsLogInterval is how often buildDeps' metrics.Registry gets
	// flushed to a log line (internal/metrics.LogPeriodically).
	metricsLogInterval = 5 * time.Minute
	usage  string = `vuinputd uinput relay daemon

vuinputd mediates containerized programs' access to /dev/uinput: it
publishes a userspace character device, replays the uinput protocol against
the real host kernel, and propagates created devices into the calling
container's namespace.
`
)

// pidFilePath is a var, not a const, so tests can point it at a temp
// directory instead of the real /run/vuinputd.
var pidFilePath = runDir + "/vuinputd.pid"

// Globals populated at build time.
var (
	version  string
	commitId string
	builtAt  string
	builtBy  string
)

// exitHandler mirrors cmd/sysbox-fs/main.go's signal goroutine: catch a
// termination signal, stop the CUSE server and any profiling task, remove
// the pid file, and exit.
func exitHandler(signalChan chan os.Signal, cancel context.CancelFunc, prof interface{ Stop() }) {
	var printStack bool

	s := <-signalChan
	logrus.Warnf("vuinputd caught signal: %s", s)
	logrus.Info("Stopping (gracefully) ...")
	systemd.SdNotify(false, systemd.SdNotifyStopping)

	switch s {
	case syscall.SIGABRT, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGSEGV:
		printStack = true
	}
	if printStack {
		stacktrace := make([]byte, 32768)
		n := runtime.Stack(stacktrace, true)
		logrus.Warnf("\n\n%s\n", string(stacktrace[:n]))
	}

	cancel()

	if prof != nil {
		prof.Stop()
	}

	if err := destroyPidFile(); err != nil {
		logrus.Warnf("failed to destroy vuinputd pid file: %v", err)
	}

	logrus.Info("Exiting ...")
	os.Exit(0)
}

func runProfiler(cfg config.Config) (interface{ Stop() }, error) {
	var prof interface{ Stop() }

	if cfg.CPUProfiling {
		prof = profile.Start(profile.CPUProfile, profile.ProfilePath("."), profile.NoShutdownHook)
	}
	if cfg.MemProfiling {
		prof = profile.Start(profile.MemProfile, profile.ProfilePath("."), profile.NoShutdownHook)
	}
	return prof, nil
}

func setupRunDir() error {
	if err := os.MkdirAll(runDir, 0700); err != nil {
		return fmt.Errorf("failed to create %s: %s", runDir, err)
	}
	return nil
}

// checkPidFile/createPidFile/destroyPidFile replace the teacher's
// sysbox-libs/utils pidfile helpers: that module's exact API could not be
// confirmed from any retrieved source, so this daemon keeps the same
// single-instance-guard behavior with a small local implementation instead
// of guessing at an unverified dependency's method names.
func checkPidFile() error {
	data, err := os.ReadFile(pidFilePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var pid int
	if _, err := fmt.Sscanf(string(data), "%d", &pid); err != nil {
		return nil
	}
	if err := syscall.Kill(pid, 0); err == nil {
		return fmt.Errorf("vuinputd already running with pid %d", pid)
	}
	return nil
}

func createPidFile() error {
	return os.WriteFile(pidFilePath, []byte(fmt.Sprintf("%d", os.Getpid())), 0644)
}

func destroyPidFile() error {
	err := os.Remove(pidFilePath)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func setupLogging(ctx *cli.Context) error {
	if path := ctx.GlobalString(config.FlagLog); path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND|os.O_SYNC, 0666)
		if err != nil {
			return fmt.Errorf("error opening log file %v: %v", path, err)
		}
		logrus.SetOutput(f)
		log.SetOutput(f)
	} else {
		logrus.SetOutput(os.Stderr)
		log.SetOutput(os.Stderr)
	}

	if logFormat := ctx.GlobalString(config.FlagLogFormat); logFormat == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02 15:04:05"})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{TimestampFormat: "2006-01-02 15:04:05", FullTimestamp: true})
	}

	switch logLevel := ctx.GlobalString(config.FlagLogLevel); logLevel {
	case "debug":
		logrus.SetLevel(logrus.DebugLevel)
	case "info", "":
		logrus.SetLevel(logrus.InfoLevel)
	case "warning":
		logrus.SetLevel(logrus.WarnLevel)
	case "error":
		logrus.SetLevel(logrus.ErrorLevel)
	case "fatal":
		logrus.SetLevel(logrus.FatalLevel)
	default:
		return fmt.Errorf("log-level option '%v' not recognized", logLevel)
	}
	return nil
}

// buildDeps wires the shared, process-lifetime singletons (process
// identity, container registry, dispatcher-backed lifecycle reconciler,
// uevent store) a cuse.Server hands to every newly opened Handle via its
// newDeps closure (spec §4, §6).
func buildDeps(cfg config.Config, store *uevent.Store, metricsRegistry *metrics.Registry) func() cuse.Deps {
	ioSvc := iofs.NewOsService()
	processSvc := process.NewProcessService(ioSvc)
	registry := container.NewRegistry()
	nsenterSvc := nsenter.NewService()
	var udevIO domain.IOServiceIface = ioSvc
	if cfg.Placement == domain.PlacementOnHost {
		udevIO = iofs.NewOsServiceAt(fmt.Sprintf("%s/%s/udev", runDir, cfg.Devname))
	}
	udevWriter := udevdata.NewWriter(udevIO)
	disp := dispatcher.New(nsenterSvc, udevWriter, store, cfg.Placement, cfg.Devname)
	reconciler := lifecycle.New(disp)

	return func() cuse.Deps {
		return cuse.Deps{
			Processes:     processSvc,
			Registry:      registry,
			Reconciler:    reconciler,
			Uevents:       store,
			OpenBackingFD: cuse.OpenBackingUinput,
			Metrics:       metricsRegistry,
		}
	}
}

func run(ctx *cli.Context) error {
	if err := setupLogging(ctx); err != nil {
		logrus.Fatal(err)
		return err
	}

	rand.Seed(time.Now().UnixNano())

	cfg, err := config.FromContext(ctx)
	if err != nil {
		return err
	}

	logrus.Info("Initiating vuinputd ...")

	if err := checkPidFile(); err != nil {
		return err
	}
	if err := setupRunDir(); err != nil {
		return err
	}

	if cfg.VTGuard {
		if err := vtguard.Apply(); err != nil {
			logrus.Warnf("vt-guard failed: %v", err)
		} else {
			logrus.Info("vt-guard applied")
		}
	}

	logrus.Infof("devname = /dev/%s, placement = %s, device-policy = %s",
		cfg.Devname, cfg.Placement, cfg.DevicePolicy)

	prof, err := runProfiler(cfg)
	if err != nil {
		logrus.Fatal(err)
	}

	runCtx, cancel := context.WithCancel(context.Background())

	store := uevent.NewStore()
	monitor := uevent.NewMonitor(store)
	go func() {
		if err := monitor.Run(runCtx); err != nil && runCtx.Err() == nil {
			logrus.Errorf("uevent monitor stopped: %v", err)
		}
	}()

	metricsRegistry := metrics.NewRegistry()
	go metrics.LogPeriodically(runCtx, metricsRegistry, metricsLogInterval)

	newDeps := buildDeps(cfg, store, metricsRegistry)
	handleCfg := cuse.Config{
		Policy:        cfg.DevicePolicy,
		DeviceID:      domain.DefaultDeviceID,
		CreateTimeout: cfg.CreateTimeout,
	}
	server := cuse.NewServer(cfg.Devname, cfg.Major, cfg.Minor, newDeps, handleCfg)

	exitChan := make(chan os.Signal, 1)
	signal.Notify(exitChan, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGSEGV, syscall.SIGQUIT)
	go exitHandler(exitChan, cancel, prof)

	systemd.SdNotify(false, systemd.SdNotifyReady)

	if err := createPidFile(); err != nil {
		return fmt.Errorf("failed to create vuinputd.pid file: %s", err)
	}

	logrus.Info("Ready ...")

	if err := server.Run(runCtx); err != nil {
		logrus.Errorf("vuinputd CUSE server exited: %v", err)
	}

	if err := destroyPidFile(); err != nil {
		logrus.Warnf("failed to destroy vuinputd pid file: %v", err)
	}
	logrus.Info("Done.")
	return nil
}

func main() {
	if nsenter.IsHelperInvocation(os.Args[1:]) {
		os.Exit(runHelper(os.Args[1:]))
	}

	app := cli.NewApp()
	app.Name = "vuinputd"
	app.Usage = usage
	app.Version = version

	app.Flags = append(config.Flags(),
		cli.StringFlag{Name: nsenter.TargetNsFlag, Hidden: true},
		cli.StringFlag{Name: nsenter.ActionFlag, Hidden: true},
	)

	cli.VersionPrinter = func(c *cli.Context) {
		fmt.Printf("vuinputd\n\tversion: \t%s\n\tcommit: \t%s\n\tbuilt at: \t%s\n\tbuilt by: \t%s\n",
			c.App.Version, commitId, builtAt, builtBy)
	}

	app.Action = run

	if err := app.Run(os.Args); err != nil {
		logrus.Fatal(err)
	}
}

// runHelper re-enters main() after /proc/self/exe re-exec with
// --target-namespace/--action-base64 (spec §4.3). It parses only those two
// flags directly with the standard flag package, skipping the cli.App
// entirely, since a helper invocation never needs daemon-mode flags.
func runHelper(args []string) int {
	fs := flag.NewFlagSet("nsenter", flag.ContinueOnError)
	nsTarget := fs.String(nsenter.TargetNsFlag, "", "")
	actionB64 := fs.String(nsenter.ActionFlag, "", "")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return nsenter.RunChild(*nsTarget, *actionB64)
}
