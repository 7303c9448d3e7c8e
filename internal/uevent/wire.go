// Package uevent implements the host kernel-uevent monitor and the
// synthetic-uevent emitter used to make devices propagated into a container
// look hot-plugged to udev running there (spec §6).
package uevent

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/vuinputd/vuinputd/domain"
)

// encode renders a uevent the same way the kernel does on its
// NETLINK_KOBJECT_UEVENT multicast group: "<action>@<devpath>\0" followed by
// "KEY=VALUE" environment lines, each terminated by a NUL, the last one
// included (spec §6
// "wire format"). ACTION and DEVPATH are always emitted first and are not
// duplicated out of props, even if the caller also set them there.
func encode(action domain.UeventAction, devpath string, props map[string]string) []byte {
	var buf bytes.Buffer

	fmt.Fprintf(&buf, "%s@%s", action, devpath)
	buf.WriteByte(0)

	fmt.Fprintf(&buf, "ACTION=%s", action)
	buf.WriteByte(0)
	fmt.Fprintf(&buf, "DEVPATH=%s", devpath)
	buf.WriteByte(0)

	keys := make([]string, 0, len(props))
	for k := range props {
		if k == "ACTION" || k == "DEVPATH" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		fmt.Fprintf(&buf, "%s=%s", k, props[k])
		buf.WriteByte(0)
	}

	return buf.Bytes()
}

// decode is encode's inverse, used by the host monitor to turn a raw
// multicast datagram into a domain.UeventRecord.
func decode(buf []byte) (domain.UeventRecord, error) {
	fields := bytes.Split(buf, []byte{0})
	if len(fields) < 1 {
		return domain.UeventRecord{}, fmt.Errorf("empty uevent datagram")
	}

	header := string(fields[0])
	at := bytes.IndexByte([]byte(header), '@')
	if at < 0 {
		return domain.UeventRecord{}, fmt.Errorf("malformed uevent header %q", header)
	}

	rec := domain.UeventRecord{
		Action:  domain.UeventAction(header[:at]),
		Devpath: header[at+1:],
		Props:   make(map[string]string),
	}

	for _, f := range fields[1:] {
		if len(f) == 0 {
			continue
		}
		kv := bytes.SplitN(f, []byte{'='}, 2)
		if len(kv) != 2 {
			continue
		}
		key := string(kv[0])
		val := string(kv[1])
		rec.Props[key] = val
		if key == "SUBSYSTEM" {
			rec.Subsystem = val
		}
	}

	return rec, nil
}
