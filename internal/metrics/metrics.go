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

// Package metrics counts devices created/destroyed/timed-out per device
// policy (a supplemented feature — spec.md has no observability section,
// but an operator running this daemon needs some visibility into it). It
// follows the style of the pack's nearest analogue for this daemon class,
// go-ublk's metrics.go (a struct of atomic counters plus a point-in-time
// Snapshot), scaled down to what this daemon actually tracks, and reports
// through logrus instead of a Prometheus exporter, since nothing else in
// this module's stack pulls in a metrics-exposition dependency.
package metrics

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vuinputd/vuinputd/domain"
)

// counters is one device-policy bucket's atomic tallies.
type counters struct {
	created       uint64
	destroyed     uint64
	createTimeout uint64
	injectFailed  uint64
}

// Snapshot is a point-in-time read of one policy bucket's counters.
type Snapshot struct {
	Created       uint64
	Destroyed     uint64
	CreateTimeout uint64
	InjectFailed  uint64
}

// Registry tracks per-policy counters across every handle a daemon
// instance serves. The zero value is not usable; use NewRegistry.
type Registry struct {
	mu       sync.Mutex
	byPolicy map[domain.DevicePolicy]*counters
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byPolicy: make(map[domain.DevicePolicy]*counters)}
}

func (r *Registry) bucket(policy domain.DevicePolicy) *counters {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byPolicy[policy]
	if !ok {
		c = &counters{}
		r.byPolicy[policy] = c
	}
	return c
}

// RecordCreated counts a handle that reached the Live state.
func (r *Registry) RecordCreated(policy domain.DevicePolicy) {
	atomic.AddUint64(&r.bucket(policy).created, 1)
}

// RecordDestroyed counts a handle that reached Removed via its own
// UI_DEV_DESTROY (not via Release's own teardown, which also drives to
// Removed but isn't a device-lifecycle event worth double-counting).
func (r *Registry) RecordDestroyed(policy domain.DevicePolicy) {
	atomic.AddUint64(&r.bucket(policy).destroyed, 1)
}

// RecordCreateTimeout counts a UI_DEV_CREATE whose inject job exceeded its
// deadline (spec §5 "Cancellation & timeouts").
func (r *Registry) RecordCreateTimeout(policy domain.DevicePolicy) {
	atomic.AddUint64(&r.bucket(policy).createTimeout, 1)
}

// RecordInjectFailure counts an inject job that returned a non-timeout
// error.
func (r *Registry) RecordInjectFailure(policy domain.DevicePolicy) {
	atomic.AddUint64(&r.bucket(policy).injectFailed, 1)
}

// Snapshot returns a copy of every policy bucket's current counters.
func (r *Registry) Snapshot() map[domain.DevicePolicy]Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[domain.DevicePolicy]Snapshot, len(r.byPolicy))
	for policy, c := range r.byPolicy {
		out[policy] = Snapshot{
			Created:       atomic.LoadUint64(&c.created),
			Destroyed:     atomic.LoadUint64(&c.destroyed),
			CreateTimeout: atomic.LoadUint64(&c.createTimeout),
			InjectFailed:  atomic.LoadUint64(&c.injectFailed),
		}
	}
	return out
}

// LogPeriodically emits one logrus line per policy bucket every interval
// until ctx is canceled. It does not increment counters itself; the
// call sites in internal/cuse's Handle do that as the events happen.
func LogPeriodically(ctx context.Context, r *Registry, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for policy, snap := range r.Snapshot() {
				logrus.WithFields(logrus.Fields{
					"policy":         policy,
					"created":        snap.Created,
					"destroyed":      snap.Destroyed,
					"create_timeout": snap.CreateTimeout,
					"inject_failed":  snap.InjectFailed,
				}).Info("vuinputd device metrics")
			}
		}
	}
}
