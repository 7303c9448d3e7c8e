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

// Package config resolves vuinputd's cli.Context flags (spec §6) into a
// validated Config, the same way cmd/sysbox-fs/main.go used to read its
// own cli.Context fields inline in app.Action — pulled out here so the
// parsing/validation rules have their own home and their own tests.
package config

import (
	"fmt"
	"strconv"
	"time"

	"github.com/urfave/cli"

	"github.com/vuinputd/vuinputd/domain"
)

// Flag names registered on the cli.App in cmd/vuinputd.
const (
	FlagDevname       = "devname"
	FlagMajor         = "major"
	FlagMinor         = "minor"
	FlagPlacement     = "placement"
	FlagDevicePolicy  = "device-policy"
	FlagVTGuard       = "vt-guard"
	FlagCreateTimeout = "create-timeout"
	FlagLog           = "log"
	FlagLogLevel      = "log-level"
	FlagLogFormat     = "log-format"
	FlagCPUProfiling  = "cpu-profiling"
	FlagMemProfiling  = "memory-profiling"
)

// DefaultDevname is the published character device's name absent --devname
// (spec §6 "named vuinput by default").
const DefaultDevname = "vuinput"

// DefaultCreateTimeout bounds a UI_DEV_CREATE inject job (spec §5
// "configurable; default 5s").
const DefaultCreateTimeout = 5 * time.Second

// Config is the fully validated, daemon-mode invocation (spec §6). The
// --target-namespace/--action-base64 helper invocation bypasses this type
// entirely (internal/nsenter.IsHelperInvocation short-circuits before the
// cli.App even reaches app.Action).
type Config struct {
	Devname string
	// Major/Minor are 0 when auto-assign was requested.
	Major uint32
	Minor uint32

	Placement     domain.Placement
	DevicePolicy  domain.DevicePolicy
	VTGuard       bool
	CreateTimeout time.Duration

	LogPath   string
	LogLevel  string
	LogFormat string

	CPUProfiling bool
	MemProfiling bool
}

// FromContext reads and validates the daemon-mode flags off ctx. It mirrors
// cmd/sysbox-fs/main.go's app.Action pattern of reading ctx.GlobalString at
// the top of Action, but centralizes the validation that file used to skip.
// major/minor/create-timeout are declared as StringFlag (matching every
// other flag in this app) and parsed here rather than relying on urfave/cli's
// UintFlag/DurationFlag, whose exact v1 method names were not present in any
// retrieved source.
func FromContext(ctx *cli.Context) (Config, error) {
	major, err := parseUint32(ctx.String(FlagMajor))
	if err != nil {
		return Config{}, fmt.Errorf("--%s: %w", FlagMajor, err)
	}
	minor, err := parseUint32(ctx.String(FlagMinor))
	if err != nil {
		return Config{}, fmt.Errorf("--%s: %w", FlagMinor, err)
	}

	createTimeout := DefaultCreateTimeout
	if raw := ctx.String(FlagCreateTimeout); raw != "" {
		createTimeout, err = time.ParseDuration(raw)
		if err != nil {
			return Config{}, fmt.Errorf("--%s: %w", FlagCreateTimeout, err)
		}
	}

	cfg := Config{
		Devname:       ctx.String(FlagDevname),
		Major:         major,
		Minor:         minor,
		Placement:     domain.Placement(ctx.String(FlagPlacement)),
		DevicePolicy:  domain.DevicePolicy(ctx.String(FlagDevicePolicy)),
		VTGuard:       ctx.Bool(FlagVTGuard),
		CreateTimeout: createTimeout,
		LogPath:       ctx.GlobalString(FlagLog),
		LogLevel:      ctx.GlobalString(FlagLogLevel),
		LogFormat:     ctx.GlobalString(FlagLogFormat),
		CPUProfiling:  ctx.Bool(FlagCPUProfiling),
		MemProfiling:  ctx.Bool(FlagMemProfiling),
	}

	if cfg.Devname == "" {
		cfg.Devname = DefaultDevname
	}
	if cfg.DevicePolicy == "" {
		cfg.DevicePolicy = domain.DefaultDevicePolicy
	}
	if cfg.Placement == "" {
		cfg.Placement = domain.PlacementInContainer
	}

	if err := validatePlacement(cfg.Placement); err != nil {
		return Config{}, err
	}
	if err := validateDevicePolicy(cfg.DevicePolicy); err != nil {
		return Config{}, err
	}
	if cfg.CPUProfiling && cfg.MemProfiling {
		return Config{}, fmt.Errorf("unsupported parameter combination: cpu and memory profiling")
	}
	if (cfg.Major == 0) != (cfg.Minor == 0) {
		return Config{}, fmt.Errorf("--major and --minor must both be zero (auto-assign) or both non-zero")
	}

	return cfg, nil
}

func parseUint32(raw string) (uint32, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, err
	}
	return uint32(n), nil
}

func validatePlacement(p domain.Placement) error {
	switch p {
	case domain.PlacementInContainer, domain.PlacementOnHost, domain.PlacementNone:
		return nil
	default:
		return fmt.Errorf("--%s: unrecognized value %q", FlagPlacement, p)
	}
}

func validateDevicePolicy(p domain.DevicePolicy) error {
	switch p {
	case domain.PolicyNone, domain.PolicyMuteSysRq, domain.PolicySanitized, domain.PolicyStrictGamepad:
		return nil
	default:
		return fmt.Errorf("--%s: unrecognized value %q", FlagDevicePolicy, p)
	}
}

// Flags returns the daemon-mode cli.Flag set (spec §6), in the same
// StringFlag/BoolFlag/BoolFlag-with-Hidden style cmd/sysbox-fs/main.go used
// for its own app.Flags block.
func Flags() []cli.Flag {
	return []cli.Flag{
		cli.StringFlag{
			Name:  FlagDevname,
			Value: DefaultDevname,
			Usage: "name of the published character device under /dev",
		},
		cli.StringFlag{
			Name:  FlagMajor,
			Value: "0",
			Usage: "fixed major number for the published device (0 = auto-assign)",
		},
		cli.StringFlag{
			Name:  FlagMinor,
			Value: "0",
			Usage: "fixed minor number for the published device (0 = auto-assign)",
		},
		cli.StringFlag{
			Name:  FlagPlacement,
			Value: string(domain.PlacementInContainer),
			Usage: "where created devnodes/udev data are written; one of in-container, on-host, none",
		},
		cli.StringFlag{
			Name:  FlagDevicePolicy,
			Value: string(domain.DefaultDevicePolicy),
			Usage: "capability filter applied to created devices; one of none, mute-sys-rq, sanitized, strict-gamepad",
		},
		cli.BoolFlag{
			Name:  FlagVTGuard,
			Usage: "issue KDSETMODE=KD_GRAPHICS/KDSKBMODE=K_OFF on the current VT at startup",
		},
		cli.StringFlag{
			Name:  FlagCreateTimeout,
			Value: DefaultCreateTimeout.String(),
			Usage: "bound on how long a UI_DEV_CREATE inject job may take",
		},
		cli.StringFlag{
			Name:  FlagLog,
			Value: "",
			Usage: "log file path or empty string for stderr output (default: \"\")",
		},
		cli.StringFlag{
			Name:  FlagLogLevel,
			Value: "info",
			Usage: "log categories to include (debug, info, warning, error, fatal)",
		},
		cli.StringFlag{
			Name:  FlagLogFormat,
			Value: "text",
			Usage: "log format; must be json or text",
		},
		cli.BoolFlag{
			Name:   FlagCPUProfiling,
			Usage:  "enable cpu-profiling data collection",
			Hidden: true,
		},
		cli.BoolFlag{
			Name:   FlagMemProfiling,
			Usage:  "enable memory-profiling data collection",
			Hidden: true,
		},
	}
}
