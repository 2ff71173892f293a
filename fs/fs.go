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

// Package fs implements the pmfs storage core over the transactional
// object store: pool lifecycle with crash recovery, the POSIX-like file
// operations, and the block-chain file data engine.
package fs

import (
	"fmt"
	"os"
	"sync/atomic"

	"github.com/jacobsa/timeutil"
	"github.com/pmemkit/pmfs/cfg"
	"github.com/pmemkit/pmfs/fs/inode"
	"github.com/pmemkit/pmfs/internal/logger"
	"github.com/pmemkit/pmfs/internal/obj"
)

// FormatVersion is the on-media format written into new superblocks.
const FormatVersion = 1

// Options configures a pool handle. The zero value (or nil) selects the
// environment configuration and the real-time clock.
type Options struct {
	// Config overrides the environment configuration.
	Config *cfg.Config

	// Clock supplies inode timestamps.
	Clock timeutil.Clock
}

func fillOptions(o *Options) Options {
	var out Options
	if o != nil {
		out = *o
	}
	if out.Config == nil {
		out.Config = cfg.Load()
	}
	out.Config.Validate()
	if out.Clock == nil {
		out.Clock = timeutil.RealClock()
	}
	return out
}

// FS is an open pool: the mount-point equivalent every file operation
// goes through.
type FS struct {
	pp *inode.Pool

	// Text of the last failed operation, for Errormsg.
	lastErr atomic.Value
}

// Mkfs creates a new pool file of the given size and initialises an empty
// file system in it: a superblock at generation 2 and a root directory
// holding "." and "..".
func Mkfs(path string, size int64, perm os.FileMode, opts *Options) (*FS, error) {
	o := fillOptions(opts)
	logger.Init(o.Config)
	logger.Debugf("mkfs %s size %d mode 0%o", path, size, perm)

	pool, err := obj.Create(path, size, perm)
	if err != nil {
		return nil, err
	}

	fsys, err := initPool(pool, o, true)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("fs: initialize super block: %w", err)
	}
	return fsys, nil
}

// OpenPool opens an existing pool, bumps the generation, and runs crash
// recovery over the inodes a previous session left open.
func OpenPool(path string, opts *Options) (*FS, error) {
	o := fillOptions(opts)
	logger.Init(o.Config)
	logger.Debugf("open pool %s", path)

	pool, err := obj.Open(path)
	if err != nil {
		return nil, err
	}

	if pool.RootSize() != inode.SuperSize {
		pool.Close()
		return nil, fmt.Errorf("fs: pool at %s holds no file system", path)
	}

	fsys, err := initPool(pool, o, false)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("fs: initialize super block: %w", err)
	}

	if err := fsys.recoverOpened(); err != nil {
		pool.Close()
		return nil, fmt.Errorf("fs: recover opened inodes: %w", err)
	}
	return fsys, nil
}

// initPool sets up the session handle and, in one transaction, either
// initialises a fresh superblock (create) or advances the generation of
// an existing one.
func initPool(pool *obj.Pool, o Options, create bool) (*FS, error) {
	superOff, err := pool.Root(inode.SuperSize)
	if err != nil {
		return nil, err
	}

	pp := &inode.Pool{
		Obj:      pool,
		Cfg:      o.Config,
		Clock:    o.Clock,
		SuperOff: superOff,
	}

	err = pool.RunTx(func(tx *obj.Tx) error {
		super := pp.Super()
		tx.Snapshot(pp.SuperOff, inode.SuperSize)

		if super.Initialized != 0 {
			if create {
				return fmt.Errorf("pool already holds a file system")
			}

			super.RunID += 2
			pp.RunID = super.RunID
			pp.RefInodePath(super.RootInode, 0, "/")
			return nil
		}

		if !create {
			return fmt.Errorf("pool was never initialised")
		}

		super.Version = FormatVersion
		id := pool.UUID()
		copy(super.UUID[:], id[:])
		super.RunID = 2
		pp.RunID = super.RunID
		super.RootInode = pp.NewDir(tx, 0, "/", o.Clock.Now())
		super.Initialized = 1
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.Infof("pool %s at generation %d", pool.UUID(), pp.RunID)
	return &FS{pp: pp}, nil
}

// recoverOpened walks the opened-inodes chain, freeing every inode with
// no remaining links, and compacts the chain back to its head node.
func (fsys *FS) recoverOpened() error {
	pp := fsys.pp
	head := pp.Super().OpenedInodes
	if head == 0 {
		return nil
	}

	return pp.Obj.RunTx(func(tx *obj.Tx) error {
		last := head
		for cur := head; cur != 0; {
			last = cur
			a := inode.InodeArrayAt(pp.Obj, cur)

			// Used and unused nodes both change: used ones are drained
			// here, every one has its links rewritten below.
			tx.Snapshot(cur+obj.MutexSlotSize, inode.InodeArraySize-obj.MutexSlotSize)

			if a.Used > 0 {
				fsys.recoverArray(tx, cur)
			}

			cur = a.Next
		}

		// Drop every node but the head, walking back from the tail.
		for {
			a := inode.InodeArrayAt(pp.Obj, last)
			if a.Prev == 0 {
				break
			}
			prev := a.Prev
			tx.Free(last)
			last = prev
		}
		inode.InodeArrayAt(pp.Obj, last).Next = 0

		return nil
	})
}

func (fsys *FS) recoverArray(tx *obj.Tx, arrOff uint64) {
	pp := fsys.pp
	a := inode.InodeArrayAt(pp.Obj, arrOff)

	for i := 0; a.Used > 0 && i < inode.NumInodesPerEntry; i++ {
		ino := a.Inodes[i]
		if ino == 0 {
			continue
		}

		logger.Infof("closing inode 0x%x left by previous run", ino)

		if inode.InodeAt(pp.Obj, ino).NLink == 0 {
			// The vptr holds stale data; no point refreshing it just
			// to free the inode.
			atomic.StoreUint64(pp.Obj.U64(ino+inode.VPtrDataOff), 0)

			pp.FreeInode(tx, ino)
		}

		a.Inodes[i] = 0
		a.Used--
	}

	if a.Used != 0 {
		panic("fs: opened-inodes array not drained by recovery")
	}
}

// Close drops the root reference, tears down the superblock runtime and
// closes the pool. Every file handle must be closed first.
func (fsys *FS) Close() error {
	pp := fsys.pp
	logger.Debugf("close pool %s", pp.Obj.UUID())

	pp.UnrefInodeTx(pp.Super().RootInode)
	pp.DestroySuperRT()
	return pp.Obj.Close()
}

// Errormsg returns the message of the pool's last failed operation.
func (fsys *FS) Errormsg() string {
	if s, ok := fsys.lastErr.Load().(string); ok {
		return s
	}
	return ""
}

// saveErr records err for Errormsg and returns it.
func (fsys *FS) saveErr(err error) error {
	if err != nil {
		fsys.lastErr.Store(err.Error())
	}
	return err
}

// ListRoot returns the root directory's entries.
func (fsys *FS) ListRoot() []inode.Entry {
	pp := fsys.pp
	root := pp.Super().RootInode

	rt := pp.RefInode(root)
	rt.WLock()
	entries := pp.List(root)
	rt.Unlock()
	pp.UnrefInodeTx(root)

	return entries
}

// Stats summarises the pool's live objects.
type Stats struct {
	Inodes      uint64
	Dirs        uint64
	BlockArrays uint64
	Blocks      uint64
	InodeArrays uint64
}

// Stat counts the objects reachable from the superblock.
func (fsys *FS) Stat() Stats {
	pp := fsys.pp
	var st Stats

	root := pp.Super().RootInode
	rt := pp.RefInode(root)
	rt.RLock()

	st.Inodes++ // the root itself
	for dir := inode.InodeAt(pp.Obj, root).Data; dir != 0; {
		d := inode.DirAt(pp.Obj, dir)
		st.Dirs++

		for i := 0; i < inode.NumDentries; i++ {
			de := &d.Dentries[i]
			if de.Name[0] == 0 || de.Inode == root {
				continue
			}

			st.Inodes++
			in := inode.InodeAt(pp.Obj, de.Inode)
			if !in.IsRegular() {
				continue
			}
			for arr := in.Data; arr != 0; {
				a := inode.BlockArrayAt(pp.Obj, arr)
				st.BlockArrays++
				st.Blocks += a.BlocksAllocated
				arr = a.Next
			}
		}

		dir = d.Next
	}

	rt.RUnlock()
	pp.UnrefInodeTx(root)

	for arr := pp.Super().OpenedInodes; arr != 0; {
		st.InodeArrays++
		arr = inode.InodeArrayAt(pp.Obj, arr).Next
	}

	return st
}
