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

package inode

import (
	"syscall"
	"time"

	"github.com/pmemkit/pmfs/internal/logger"
	"github.com/pmemkit/pmfs/internal/obj"
)

// AddDentry binds name to the child inode in the parent directory,
// bumping the child's link count and updating timestamps.
//
// Must be called in a transaction. The caller must hold the parent's
// write lock.
func (pp *Pool) AddDentry(tx *obj.Tx, parent uint64, name string, child uint64,
	tm time.Time) {
	logger.Debugf("add dentry: parent 0x%x name %q child 0x%x", parent, name, child)

	if len(name) > MaxFileName {
		logger.Warnf("file name too long: %q", name)
		tx.Abort(syscall.EINVAL)
	}

	dirOff := InodeAt(pp.Obj, parent).Data
	if dirOff == 0 {
		panic("inode: directory inode without dentry chain")
	}

	// Claim the first empty slot, but keep scanning the whole chain for
	// a duplicate name.
	var slotDir uint64
	var slotIdx int
	found := false

	for dirOff != 0 {
		d := DirAt(pp.Obj, dirOff)

		for i := 0; i < NumDentries; i++ {
			de := &d.Dentries[i]

			if de.Name[0] != 0 && de.DentryName() == name {
				tx.Abort(syscall.EEXIST)
			}

			if !found && de.Name[0] == 0 {
				slotDir, slotIdx = dirOff, i
				tx.Snapshot(dirOff+DirUsedOff, 8)
				d.Used++
				found = true
			}
		}

		if !found && d.Next == 0 {
			next := tx.AllocZeroed(DirSize)
			tx.Snapshot(dirOff+DirNextOff, 8)
			d.Next = next
		}

		dirOff = d.Next
	}

	deOff := DentryOff(slotDir, slotIdx)
	tx.Snapshot(deOff, DentrySize)

	de := &DirAt(pp.Obj, slotDir).Dentries[slotIdx]
	de.Inode = child
	for i := range de.Name {
		de.Name[i] = 0
	}
	copy(de.Name[:MaxFileName], name)

	ts := ToTimespec(tm)

	tx.Snapshot(child+InodeNLinkOff, 8)
	InodeAt(pp.Obj, child).NLink++

	// Link count changes touch the child's ctime; creating an entry
	// touches the parent directory's mtime.
	tx.Snapshot(child+InodeCTimeOff, 16)
	InodeAt(pp.Obj, child).CTime = ts

	tx.Snapshot(parent+InodeMTimeOff, 16)
	InodeAt(pp.Obj, parent).MTime = ts

	pp.SetPath(parent, child, name)
}

// NewDir creates a directory inode containing "." and "..". A zero parent
// creates the root directory, whose ".." points at itself.
//
// Must be called in a transaction; the caller holds the parent's write
// lock when there is one.
func (pp *Pool) NewDir(tx *obj.Tx, parent uint64, name string, tm time.Time) uint64 {
	logger.Debugf("new dir: parent 0x%x name %q", parent, name)

	child := pp.AllocInode(tx, ModeDir|0777, tm)
	InodeAt(pp.Obj, child).Data = tx.AllocZeroed(DirSize)
	pp.SetPath(parent, child, name)

	pp.AddDentry(tx, child, ".", child, tm)
	if parent == 0 {
		pp.AddDentry(tx, child, "..", child, tm)
	} else {
		pp.AddDentry(tx, child, "..", parent, tm)
	}

	return child
}

// lookupDentryLocked scans the parent's dentry chain for name. The caller
// holds a lock on the parent.
func (pp *Pool) lookupDentryLocked(parent uint64, name string) (dirOff uint64,
	idx int, err error) {
	par := InodeAt(pp.Obj, parent)
	if !par.IsDir() {
		return 0, 0, syscall.ENOTDIR
	}

	for dirOff = par.Data; dirOff != 0; {
		d := DirAt(pp.Obj, dirOff)

		for i := 0; i < NumDentries; i++ {
			de := &d.Dentries[i]
			if de.Name[0] != 0 && de.DentryName() == name {
				return dirOff, i, nil
			}
		}

		dirOff = d.Next
	}

	return 0, 0, syscall.ENOENT
}

// LookupDentry resolves name in the parent directory and takes a
// reference on the found inode. The caller must hold a reference on the
// parent. Does not need a transaction.
func (pp *Pool) LookupDentry(parent uint64, name string) (uint64, error) {
	prt := pp.GetInode(parent)

	prt.RLock()
	defer prt.RUnlock()

	dirOff, idx, err := pp.lookupDentryLocked(parent, name)
	if err != nil {
		return 0, err
	}

	ino := DirAt(pp.Obj, dirOff).Dentries[idx].Inode
	pp.RefInodePath(ino, parent, name)
	return ino, nil
}

// UnlinkDentry removes name from the parent directory, dropping the
// target's link count and its runtime reference; the target is freed when
// both reach zero at commit.
//
// Must be called in a transaction. The caller must hold the parent's
// write lock. *held is set to the target's runtime state while this
// function holds a reference the caller would have to drop after an
// abort; it is nil again once the reference has been handed off.
func (pp *Pool) UnlinkDentry(tx *obj.Tx, parent uint64, name string,
	held **InodeRT) {
	logger.Debugf("unlink dentry: parent 0x%x name %q", parent, name)

	dirOff, idx, err := pp.lookupDentryLocked(parent, name)
	if err != nil {
		tx.Abort(err)
	}

	d := DirAt(pp.Obj, dirOff)
	tx.Snapshot(dirOff+DirUsedOff, 8)
	d.Used--

	de := &d.Dentries[idx]
	ino := de.Inode
	i := InodeAt(pp.Obj, ino)

	if i.IsDir() {
		tx.Abort(syscall.EISDIR)
	}

	*held = pp.RefInode(ino)
	(*held).TxWLock(tx)

	if i.NLink == 0 {
		panic("inode: unlink of inode without links")
	}

	tx.Snapshot(ino+InodeNLinkOff, 8)
	tx.Snapshot(DentryOff(dirOff, idx), DentrySize)

	i.NLink--
	de.Name[0] = 0
	de.Inode = 0

	pp.UnrefInodeLocked(tx, ino)
	*held = nil
}

// Entry describes one directory entry, as returned by List.
type Entry struct {
	Name  string
	Inode uint64
	NLink uint64
	Size  uint64
	Flags uint64
}

// List returns the parent directory's entries in chain order. The caller
// holds a lock on the parent.
func (pp *Pool) List(parent uint64) []Entry {
	var out []Entry

	for dirOff := InodeAt(pp.Obj, parent).Data; dirOff != 0; {
		d := DirAt(pp.Obj, dirOff)

		for i := 0; i < NumDentries; i++ {
			de := &d.Dentries[i]
			if de.Name[0] == 0 {
				continue
			}

			ino := InodeAt(pp.Obj, de.Inode)
			out = append(out, Entry{
				Name:  de.DentryName(),
				Inode: de.Inode,
				NLink: ino.NLink,
				Size:  ino.Size,
				Flags: ino.Flags,
			})
		}

		dirOff = d.Next
	}

	return out
}
