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

package fs

import (
	"os"
	"strings"
	"syscall"

	"github.com/pmemkit/pmfs/fs/inode"
	"github.com/pmemkit/pmfs/internal/lock"
	"github.com/pmemkit/pmfs/internal/logger"
	"github.com/pmemkit/pmfs/internal/obj"
	"golang.org/x/sys/unix"
)

// checkFlags validates open(2) flags: some are meaningful here, some are
// implied by the medium and silently accepted, the rest are unsupported.
func checkFlags(flags int) error {
	if flags&unix.O_APPEND != 0 {
		logger.Warnf("O_APPEND is not supported")
		return syscall.ENOTSUP
	}

	if flags&unix.O_ASYNC != 0 {
		logger.Warnf("O_ASYNC is not supported")
		return syscall.ENOTSUP
	}

	flags &^= unix.O_CREAT

	// Persistent memory: every write is synchronous and direct.
	flags &^= unix.O_CLOEXEC
	flags &^= unix.O_DIRECT

	if flags&unix.O_DIRECTORY != 0 {
		logger.Warnf("O_DIRECTORY is not supported")
		return syscall.ENOTSUP
	}

	flags &^= unix.O_DSYNC
	flags &^= unix.O_EXCL
	flags &^= unix.O_NOCTTY

	if flags&unix.O_NOATIME != 0 {
		logger.Warnf("O_NOATIME is not supported")
		return syscall.ENOTSUP
	}

	if flags&unix.O_NOFOLLOW != 0 {
		logger.Warnf("O_NOFOLLOW is not supported")
		return syscall.ENOTSUP
	}

	if flags&unix.O_NONBLOCK != 0 {
		logger.Warnf("O_NONBLOCK is not supported")
		return syscall.ENOTSUP
	}

	if flags&unix.O_PATH != 0 {
		logger.Warnf("O_PATH is not supported")
		return syscall.ENOTSUP
	}

	flags &^= unix.O_SYNC

	if flags&unix.O_TMPFILE != 0 {
		logger.Warnf("O_TMPFILE is not supported")
		return syscall.ENOTSUP
	}

	if flags&unix.O_TRUNC != 0 {
		logger.Warnf("O_TRUNC is not supported")
		return syscall.ENOTSUP
	}

	switch flags & unix.O_ACCMODE {
	case unix.O_RDONLY, unix.O_WRONLY, unix.O_RDWR:
		flags &^= unix.O_ACCMODE
	}

	if flags != 0 {
		logger.Errorf("unknown open flag 0x%x", flags)
		return syscall.ENOTSUP
	}

	return nil
}

// checkPath validates a pathname and strips it to its single component.
// Only the flat root directory exists, so anything below it is rejected.
func checkPath(path string) (string, error) {
	if path == "" {
		return "", syscall.EFAULT
	}
	if path[0] != '/' {
		logger.Warnf("path %q does not start with /", path)
		return "", syscall.EINVAL
	}

	name := strings.TrimLeft(path, "/")
	if strings.ContainsRune(name, '/') {
		logger.Warnf("path %q names a subdirectory", path)
		return "", syscall.EISDIR
	}

	return name, nil
}

// registerOpened puts the inode on the opened-inodes array on its first
// open of this session, so a crash before close can be cleaned up at the
// next pool open.
func (fsys *FS) registerOpened(tx *obj.Tx, ino uint64) {
	pp := fsys.pp

	rt := pp.GetInode(ino)
	rt.TxWLock(tx)

	if rt.Opened.Arr == 0 {
		srt := pp.GetSuper()
		srt.TxWLock(tx)

		super := pp.Super()
		opened := super.OpenedInodes
		if opened == 0 {
			opened = tx.AllocZeroed(inode.InodeArraySize)
			tx.Snapshot(pp.SuperOff+inode.SuperOpenedInodesOff, 8)
			super.OpenedInodes = opened
		}

		rt.Opened.Arr, rt.Opened.Idx = pp.ArrayAdd(tx, opened, ino)

		srt.TxUnlockOnCommit(tx)
	}

	rt.TxUnlockOnCommit(tx)
}

// Open opens the named file, creating it when O_CREAT asks for that. The
// returned handle holds references on the inode and its parent until
// CloseFile.
func (fsys *FS) Open(path string, flags int, mode os.FileMode) (*File, error) {
	pp := fsys.pp

	name, err := checkPath(path)
	if err != nil {
		return nil, fsys.saveErr(err)
	}

	if err := checkFlags(flags); err != nil {
		return nil, fsys.saveErr(err)
	}

	if flags&unix.O_CREAT != 0 {
		if mode&^os.FileMode(0777) != 0 {
			logger.Warnf("invalid mode 0%o", mode)
			return nil, fsys.saveErr(syscall.EINVAL)
		}
		if mode&0111 != 0 {
			logger.Warnf("execute bits are not supported")
			mode &^= 0111
		}
	} else if mode != 0 {
		logger.Warnf("non-zero mode (0%o) without O_CREAT", mode)
		return nil, fsys.saveErr(syscall.EINVAL)
	}

	logger.Debugf("open %q flags 0x%x mode 0%o", path, flags, mode)

	parent := pp.Super().RootInode
	pp.RefInode(parent)

	ino, lookupErr := pp.LookupDentry(parent, name)
	oldInode := ino

	err = pp.Obj.RunTx(func(tx *obj.Tx) error {
		if ino == 0 {
			if lookupErr != syscall.ENOENT {
				tx.Abort(lookupErr)
			}
			if flags&unix.O_CREAT == 0 {
				logger.Debugf("file %q does not exist", path)
				tx.Abort(syscall.ENOENT)
			}
		} else {
			if flags&(unix.O_CREAT|unix.O_EXCL) == unix.O_CREAT|unix.O_EXCL {
				logger.Debugf("file %q already exists", path)
				tx.Abort(syscall.EEXIST)
			}
			if inode.InodeAt(pp.Obj, ino).IsDir() {
				logger.Warnf("opening directories is not supported")
				tx.Abort(syscall.EISDIR)
			}
		}

		if ino == 0 {
			prt := pp.GetInode(parent)
			prt.TxWLock(tx)

			now := pp.Clock.Now()
			ino = pp.AllocInode(tx, inode.ModeRegular|uint64(mode), now)
			pp.AddDentry(tx, parent, name, ino, now)

			prt.TxUnlockOnCommit(tx)
		}

		fsys.registerOpened(tx, ino)
		return nil
	})

	if err != nil {
		if oldInode != 0 {
			pp.UnrefInodeTx(oldInode)
		}
		pp.UnrefInodeTx(parent)
		return nil, fsys.saveErr(err)
	}

	file := &File{
		pp:     pp,
		inode:  ino,
		parent: parent,
		mu:     lock.NewMutex(pp.Cfg.ContentionLevel),
	}

	switch flags & unix.O_ACCMODE {
	case unix.O_RDONLY:
		file.read = true
	case unix.O_WRONLY:
		file.write = true
	case unix.O_RDWR:
		file.read = true
		file.write = true
	}

	logger.Debugf("opened %q as inode 0x%x", path, ino)
	return file, nil
}

// CloseFile releases the handle's references; the inode is freed when the
// last reference to an unlinked file goes away.
func (fsys *FS) CloseFile(file *File) {
	pp := fsys.pp
	logger.Debugf("close inode 0x%x", file.inode)

	pp.UnrefInodeTx(file.inode)
	pp.UnrefInodeTx(file.parent)

	file.destroyDataState()
}

// Link makes newpath a new name for the file at oldpath.
func (fsys *FS) Link(oldpath, newpath string) error {
	pp := fsys.pp

	oldname, err := checkPath(oldpath)
	if err != nil {
		return fsys.saveErr(err)
	}
	newname, err := checkPath(newpath)
	if err != nil {
		return fsys.saveErr(err)
	}

	logger.Debugf("link %q -> %q", newpath, oldpath)

	parent := pp.Super().RootInode
	pp.RefInode(parent)

	var src, dst uint64
	defer func() {
		if dst != 0 {
			pp.UnrefInodeTx(dst)
		}
		if src != 0 {
			pp.UnrefInodeTx(src)
		}
		pp.UnrefInodeTx(parent)
	}()

	src, err = pp.LookupDentry(parent, oldname)
	if err != nil {
		return fsys.saveErr(err)
	}

	dst, _ = pp.LookupDentry(parent, newname)
	if dst != 0 {
		return fsys.saveErr(syscall.EEXIST)
	}

	err = pp.Obj.RunTx(func(tx *obj.Tx) error {
		prt := pp.GetInode(parent)
		prt.TxWLock(tx)

		pp.AddDentry(tx, parent, newname, src, pp.Clock.Now())

		prt.TxUnlockOnCommit(tx)
		return nil
	})
	return fsys.saveErr(err)
}

// Unlink removes the name; the file is freed once no link and no open
// handle remains.
func (fsys *FS) Unlink(path string) error {
	pp := fsys.pp

	name, err := checkPath(path)
	if err != nil {
		return fsys.saveErr(err)
	}

	logger.Debugf("unlink %q", path)

	parent := pp.Super().RootInode
	pp.RefInode(parent)

	var held *inode.InodeRT

	err = pp.Obj.RunTx(func(tx *obj.Tx) error {
		prt := pp.GetInode(parent)
		prt.TxWLock(tx)

		pp.UnlinkDentry(tx, parent, name, &held)

		prt.TxUnlockOnCommit(tx)
		return nil
	})

	if err != nil && held != nil {
		pp.UnrefInodeTx(held.InodeOff())
	}
	pp.UnrefInodeTx(parent)

	return fsys.saveErr(err)
}
