// Package iofs is the afero-backed filesystem seam behind
// domain.IOServiceIface: the real OS filesystem in production, an in-memory
// one in tests (grounded on the teacher's sysio package).
package iofs

import (
	"os"

	"github.com/spf13/afero"

	"github.com/vuinputd/vuinputd/domain"
)

var (
	_ domain.IOServiceIface = (*Service)(nil)
	_ domain.IOnodeIface    = (*ionode)(nil)
)

// Service implements domain.IOServiceIface over an afero.Fs.
type Service struct {
	fsType domain.IOServiceType
	fs     afero.Fs
}

// NewOsService builds a Service backed by the real filesystem.
func NewOsService() *Service {
	return &Service{fsType: domain.IOOsFileService, fs: afero.NewOsFs()}
}

// NewMemService builds a Service backed by an in-memory filesystem, for
// tests that exercise udev-data or devnode writers without touching disk.
func NewMemService() *Service {
	return &Service{fsType: domain.IOMemFileService, fs: afero.NewMemMapFs()}
}

// NewOsServiceAt builds a Service scoped under root, so code written against
// fixed absolute paths (e.g. udevdata's "/run/udev/data/...") can be
// redirected into a private tree without changing a single call site. Used
// for "--placement on-host", which writes its own udev-data copy under
// /run/vuinputd/<devname>/udev instead of the host's real /run/udev/data.
func NewOsServiceAt(root string) *Service {
	return &Service{fsType: domain.IOOsFileService, fs: afero.NewBasePathFs(afero.NewOsFs(), root)}
}

func (s *Service) NewIOnode(path string, mode os.FileMode) domain.IOnodeIface {
	return &ionode{path: path, mode: mode, fs: s.fs}
}

func (s *Service) GetServiceType() domain.IOServiceType {
	return s.fsType
}

type ionode struct {
	path string
	mode os.FileMode
	fs   afero.Fs
}

func (n *ionode) Path() string {
	return n.path
}

func (n *ionode) WriteFile(data []byte) error {
	return afero.WriteFile(n.fs, n.path, data, n.mode)
}

func (n *ionode) ReadFile() ([]byte, error) {
	return afero.ReadFile(n.fs, n.path)
}

func (n *ionode) Remove() error {
	return n.fs.Remove(n.path)
}

func (n *ionode) MkdirAll() error {
	return n.fs.MkdirAll(n.path, n.mode|0111)
}

func (n *ionode) Stat() (os.FileInfo, error) {
	return n.fs.Stat(n.path)
}
