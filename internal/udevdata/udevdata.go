// Package udevdata writes and removes the libudev runtime-database records
// a propagated device needs to look udev-managed inside a container (spec
// §4.3 write-udev-data/delete-udev-data, §6 "Persisted state").
package udevdata

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/vuinputd/vuinputd/domain"
)

// DataPath returns the /run/udev/data record path for a character device
// with the given major/minor, the same key libudev itself uses to look up a
// device's properties (spec §6 "/run/udev/data/c<major>:<minor>").
func DataPath(major, minor uint32) string {
	return fmt.Sprintf("/run/udev/data/c%d:%d", major, minor)
}

// ControlPath is touched after a data record is written so libudev-based
// consumers notice the database changed (spec §4.3 "write-udev-data...also
// touches /run/udev/control").
const ControlPath = "/run/udev/control"

// Render formats props into libudev's runtime-database line format: one
// "E:KEY=VALUE" line per property, sorted for deterministic output.
func Render(props map[string]string) string {
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "E:%s=%s\n", k, props[k])
	}

	return b.String()
}

// Writer implements the filesystem half of §4.3's write-udev-data/
// delete-udev-data actions, independent of whether they run inside a
// container's mount namespace (via the nsenter helper) or directly against
// the host filesystem (--placement on-host).
type Writer struct {
	ios domain.IOServiceIface
}

// NewWriter builds a Writer backed by the given filesystem seam.
func NewWriter(ios domain.IOServiceIface) *Writer {
	return &Writer{ios: ios}
}

// Write creates the data record for (major, minor) and touches the control
// file, creating /run/udev/data first if it doesn't already exist.
func (w *Writer) Write(major, minor uint32, props map[string]string) error {
	path := DataPath(major, minor)

	dir := w.ios.NewIOnode(filepath.Dir(path), 0755)
	if err := dir.MkdirAll(); err != nil {
		return fmt.Errorf("mkdir for %s: %w", path, err)
	}

	node := w.ios.NewIOnode(path, 0644)
	if err := node.WriteFile([]byte(Render(props))); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}

	control := w.ios.NewIOnode(ControlPath, 0644)
	if err := control.WriteFile(nil); err != nil {
		return fmt.Errorf("touch %s: %w", ControlPath, err)
	}

	return nil
}

// Delete removes the data record for (major, minor). Idempotent: removing
// an absent record is not an error (spec §4.2 "idempotent" property).
func (w *Writer) Delete(major, minor uint32) error {
	path := DataPath(major, minor)

	node := w.ios.NewIOnode(path, 0)
	if err := node.Remove(); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %s: %w", path, err)
	}

	return nil
}
