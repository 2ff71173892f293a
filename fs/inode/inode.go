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
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/pmemkit/pmfs/internal/logger"
	"github.com/pmemkit/pmfs/internal/obj"
)

// AllocInode allocates a zero-initialised inode with the given mode flags
// and timestamps, attaches its runtime state (with one reference), and
// registers the state's teardown on the abort path.
//
// Must be called in a transaction.
func (pp *Pool) AllocInode(tx *obj.Tx, flags uint64, t time.Time) uint64 {
	logger.Debugf("inode alloc, flags 0%o", flags)

	ino := tx.AllocZeroed(InodeSize)

	// Freshly allocated object: no snapshots needed.
	i := InodeAt(pp.Obj, ino)
	ts := ToTimespec(t)
	i.Flags = flags
	i.CTime = ts
	i.MTime = ts
	i.ATime = ts
	i.NLink = 0

	rt := pp.RefInode(ino)
	tx.PushFront(obj.StageOnabort, func() { pp.DestroyInodeRT(rt) })

	return ino
}

// unrefWork decreases the inode's runtime reference counter, tearing the
// runtime state down and possibly freeing the inode when it reaches zero.
//
// Must be called in a transaction with the inode write-locked; the write
// lock's release is scheduled on commit here.
func (pp *Pool) unrefWork(tx *obj.Tx, rt *InodeRT, ino uint64) {
	i := InodeAt(pp.Obj, ino)
	runID := pp.Obj.U64(ino + VPtrRunIDOff)
	dataw := pp.Obj.U64(ino + VPtrDataOff)

	// Take the vptr slot: R -> R-1. Other accessors wait on R-1 until
	// the teardown publishes a final value.
	for !atomic.CompareAndSwapUint64(runID, pp.RunID, pp.RunID-1) {
		runtime.Gosched()
	}

	if rt.Ref.Add(-1) > 0 {
		atomic.StoreUint64(runID, pp.RunID)
		rt.TxUnlockOnCommit(tx)
		return
	}

	logger.Debugf("inode 0x%x tearing down runtime, path %s", ino, rt.Path())

	// Clear the on-media presence word transactionally: an abort
	// restores it, and the destructor below only runs on commit.
	tx.Snapshot(ino+VPtrDataOff, 8)
	atomic.StoreUint64(dataw, 0)

	if rt.Opened.Arr != 0 {
		pp.ArrayUnregister(tx, rt.Opened.Arr, rt.Opened.Idx)
	}

	rt.TxUnlockOnCommit(tx)

	tx.PushBack(obj.StageOncommit, func() { pp.DestroyInodeRT(rt) })

	// Publish R-2 rather than R: the state is going away, so the next
	// accessor must reconstruct.
	if i.NLink == 0 {
		atomic.StoreUint64(runID, pp.RunID-2)
		pp.FreeInode(tx, ino)
	} else {
		unlock := func() { atomic.StoreUint64(runID, pp.RunID-2) }
		tx.PushBack(obj.StageOncommit, unlock)
		tx.PushFront(obj.StageOnabort, unlock)
	}
}

// UnrefInodeLocked decreases the inode's runtime reference counter.
//
// Must be called in a transaction, with the inode already write-locked
// transactionally by the caller.
func (pp *Pool) UnrefInodeLocked(tx *obj.Tx, ino uint64) {
	rt := pp.GetInode(ino)
	if rt == nil || rt.Ref.Load() == 0 {
		panic(fmt.Sprintf("inode: unref of 0x%x without references", ino))
	}

	pp.unrefWork(tx, rt, ino)
}

// UnrefInode decreases the inode's runtime reference counter.
//
// Must be called in a transaction. The inode must not be locked.
func (pp *Pool) UnrefInode(tx *obj.Tx, ino uint64) {
	rt := pp.GetInode(ino)
	if rt == nil || rt.Ref.Load() == 0 {
		panic(fmt.Sprintf("inode: unref of 0x%x without references", ino))
	}

	rt.TxWLock(tx)
	pp.unrefWork(tx, rt, ino)
}

// UnrefInodeTx is UnrefInode in its own transaction.
//
// Must not be called from inside a transaction.
func (pp *Pool) UnrefInodeTx(ino uint64) {
	err := pp.Obj.RunTx(func(tx *obj.Tx) error {
		pp.UnrefInode(tx, ino)
		return nil
	})
	if err != nil {
		panic(fmt.Sprintf("inode: unref transaction aborted: %v", err))
	}
}

// FreeInode releases the inode's storage: the dir chain for directories
// (which must be empty), the block chain and every data block for regular
// files, and finally the inode itself.
//
// Must be called in a transaction.
func (pp *Pool) FreeInode(tx *obj.Tx, ino uint64) {
	logger.Debugf("inode 0x%x free", ino)

	i := InodeAt(pp.Obj, ino)
	switch {
	case i.IsDir():
		dir := i.Data
		for dir != 0 {
			d := DirAt(pp.Obj, dir)

			// Should have been caught earlier.
			if d.Used != 0 {
				panic("inode: freeing non-empty directory")
			}

			next := d.Next
			tx.Free(dir)
			dir = next
		}

	case i.IsRegular():
		arr := i.Data
		for arr != 0 {
			a := BlockArrayAt(pp.Obj, arr)
			for b := 0; b < int(a.BlocksAllocated); b++ {
				tx.Free(a.Blocks[b].Data)
			}
			next := a.Next
			tx.Free(arr)
			arr = next
		}

		if i.Data != 0 {
			tx.Snapshot(ino+InodeDataOff, 8)
			i.Data = 0
		}

	default:
		panic(fmt.Sprintf("inode: unknown inode type 0%o", i.Flags))
	}

	tx.Free(ino)
}
