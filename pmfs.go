// Copyright 2025 The pmfs Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package pmfs is a file system whose files and metadata live in a
// transactional persistent-memory pool. It exposes a POSIX-like surface:
// pools are created with Mkfs and reopened with PoolOpen; files are
// opened with open(2)-style flags and support read, write and seek with
// hard-link semantics.
//
// Errors wrap syscall.Errno values, so callers can test them with
// errors.Is(err, syscall.ENOENT) and friends.
package pmfs

import (
	"fmt"
	"os"

	"github.com/pmemkit/pmfs/fs"
	"github.com/pmemkit/pmfs/fs/inode"
)

// Library API version.
const (
	MajorVersion = 0
	MinorVersion = 1
)

// CheckVersion verifies that the library is compatible with the version
// the caller was built against.
func CheckVersion(major, minor uint) error {
	if major != MajorVersion {
		return fmt.Errorf("pmfs: incompatible library version %d.%d, need %d.x",
			MajorVersion, MinorVersion, major)
	}
	if minor > MinorVersion {
		return fmt.Errorf("pmfs: installed library version %d.%d is older than %d.%d",
			MajorVersion, MinorVersion, major, minor)
	}
	return nil
}

// Pool is an open file system pool.
type Pool struct {
	fsys *fs.FS
}

// File is an open file. It implements io.ReadWriteSeeker; reads at end of
// file return io.EOF.
type File struct {
	*fs.File

	pool *Pool
}

// Mkfs creates a pool file of the given size at path and formats an empty
// file system in it.
func Mkfs(path string, size int64, perm os.FileMode) (*Pool, error) {
	fsys, err := fs.Mkfs(path, size, perm, nil)
	if err != nil {
		return nil, err
	}
	return &Pool{fsys: fsys}, nil
}

// PoolOpen opens the pool at path, recovering any state a crashed session
// left behind.
func PoolOpen(path string) (*Pool, error) {
	fsys, err := fs.OpenPool(path, nil)
	if err != nil {
		return nil, err
	}
	return &Pool{fsys: fsys}, nil
}

// Close closes the pool. All files must be closed first.
func (p *Pool) Close() error {
	return p.fsys.Close()
}

// Open opens the named file. Flags follow open(2); see fs.Open for the
// supported set.
func (p *Pool) Open(path string, flags int, mode os.FileMode) (*File, error) {
	f, err := p.fsys.Open(path, flags, mode)
	if err != nil {
		return nil, err
	}
	return &File{File: f, pool: p}, nil
}

// Close releases the file handle.
func (f *File) Close() error {
	f.pool.fsys.CloseFile(f.File)
	return nil
}

// Link makes newpath a new name for the file at oldpath.
func (p *Pool) Link(oldpath, newpath string) error {
	return p.fsys.Link(oldpath, newpath)
}

// Unlink removes the name at path. The file's storage is released once no
// link and no open handle refers to it.
func (p *Pool) Unlink(path string) error {
	return p.fsys.Unlink(path)
}

// Errormsg returns the message of the last failed operation on the pool.
func (p *Pool) Errormsg() string {
	return p.fsys.Errormsg()
}

// List returns the entries of the root directory.
func (p *Pool) List() []inode.Entry {
	return p.fsys.ListRoot()
}

// Stat counts the pool's live objects.
func (p *Pool) Stat() fs.Stats {
	return p.fsys.Stat()
}
