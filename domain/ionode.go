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

package domain

import "os"

// IOServiceType distinguishes a real-filesystem-backed IOService from an
// in-memory one used by unit tests (mirrors sysbox-fs' sysio package).
type IOServiceType int

const (
	IOOsFileService IOServiceType = iota
	IOMemFileService
)

// IOServiceIface is the filesystem seam used by the udev runtime-file writer
// and by the namespace helper's file-producing actions, so both can be
// exercised against an afero.MemMapFs in tests.
type IOServiceIface interface {
	NewIOnode(path string, mode os.FileMode) IOnodeIface
	GetServiceType() IOServiceType
}

// IOnodeIface is a single file or directory reachable through an
// IOServiceIface.
type IOnodeIface interface {
	Path() string
	WriteFile(data []byte) error
	ReadFile() ([]byte, error)
	Remove() error
	MkdirAll() error
	Stat() (os.FileInfo, error)
}
