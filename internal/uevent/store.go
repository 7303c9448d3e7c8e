package uevent

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/vuinputd/vuinputd/domain"
)

// ringSize bounds memory use; the monitor only needs recent history long
// enough for a in-flight injection job to confirm the device it mknod'd
// actually surfaced on the host (spec §4.2 "confirm the kernel actually
// created the device before propagating it").
const ringSize = 256

// Store is an in-memory, subscribable ring of recently observed uevents,
// implementing domain.UeventStoreIface.
type Store struct {
	mu   sync.Mutex
	ring []domain.UeventRecord
	subs map[chan domain.UeventRecord]struct{}
}

// NewStore builds an empty Store.
func NewStore() *Store {
	return &Store{subs: make(map[chan domain.UeventRecord]struct{})}
}

func (s *Store) Push(rec domain.UeventRecord) {
	if rec.Seen.IsZero() {
		rec.Seen = time.Now()
	}

	s.mu.Lock()
	s.ring = append(s.ring, rec)
	if len(s.ring) > ringSize {
		s.ring = s.ring[len(s.ring)-ringSize:]
	}
	subs := make([]chan domain.UeventRecord, 0, len(s.subs))
	for ch := range s.subs {
		subs = append(subs, ch)
	}
	s.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- rec:
		default:
			// Slow subscriber; WaitForPrefix re-scans the ring on timeout
			// regardless, so a dropped notification only costs latency.
		}
	}
}

// WaitForPrefix blocks until a record whose Devpath has the given prefix and
// whose Action matches arrives, or ctx expires. It first scans the existing
// ring so a uevent that already arrived before the caller subscribed isn't
// missed (spec §4.2 job step "wait for the device to appear").
func (s *Store) WaitForPrefix(ctx context.Context, prefix string, action domain.UeventAction) (domain.UeventRecord, bool) {
	if rec, ok := s.scan(prefix, action); ok {
		return rec, true
	}

	ch := make(chan domain.UeventRecord, 16)
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.subs, ch)
		s.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return domain.UeventRecord{}, false
		case rec := <-ch:
			if rec.Action == action && strings.HasPrefix(rec.Devpath, prefix) {
				return rec, true
			}
		case <-time.After(50 * time.Millisecond):
			// Guards against a Push that happened between the initial scan
			// and the subscription being registered.
			if rec, ok := s.scan(prefix, action); ok {
				return rec, true
			}
		}
	}
}

func (s *Store) scan(prefix string, action domain.UeventAction) (domain.UeventRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := len(s.ring) - 1; i >= 0; i-- {
		rec := s.ring[i]
		if rec.Action == action && strings.HasPrefix(rec.Devpath, prefix) {
			return rec, true
		}
	}
	return domain.UeventRecord{}, false
}
