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
	"io"
	"sync"
	"syscall"

	"github.com/biogo/store/llrb"
	"github.com/pmemkit/pmfs/fs/inode"
	"github.com/pmemkit/pmfs/internal/obj"
)

// File is an open file handle. The handle lock serialises offset and
// position-cache updates; data access additionally takes the per-inode
// lock (read side for reads, write side plus a transaction for writes).
type File struct {
	pp *inode.Pool

	inode  uint64
	parent uint64

	mu sync.Locker

	// Requested/current position.
	offset uint64

	// Position cache: where in the block chain the last access ended.
	pos pos

	// Offset index over the blocks, rebuilt lazily after open. Nil when
	// the tree walk optimisation is off.
	blocks *llrb.Tree

	read  bool
	write bool
}

// pos caches a spot in the file's block chain. globalOff is the file
// offset the triple (arr, blockID, blockOff) corresponds to;
// globalOff - blockOff is the starting offset of the current block.
type pos struct {
	arr      uint64
	blockID  int
	blockOff uint64

	globalOff uint64
}

// blockLoc is an offset-index entry: the block's starting file offset and
// its location in the chain.
type blockLoc struct {
	off uint64
	arr uint64
	id  int
}

func (b blockLoc) Compare(c llrb.Comparable) int {
	o := c.(blockLoc).off
	switch {
	case b.off < o:
		return -1
	case b.off > o:
		return 1
	}
	return 0
}

// Write stores buf at the handle's offset, zero-filling any gap between
// the current end of file and the offset. The whole buffer is written or
// the write fails with the file's size and block layout left untouched;
// existing bytes it overwrote are restored on failure only when TrackData
// is configured. The handle offset advances only when the transaction
// commits.
func (f *File) Write(buf []byte) (int, error) {
	in := inode.InodeAt(f.pp.Obj, f.inode)
	if !in.IsRegular() {
		return 0, syscall.EINVAL
	}
	if !f.write {
		return 0, syscall.EBADF
	}

	rt := f.pp.GetInode(f.inode)

	f.mu.Lock()
	defer f.mu.Unlock()

	saved := f.pos

	err := f.pp.Obj.RunTx(func(tx *obj.Tx) error {
		rt.TxWLock(tx)

		// The rebuild walks the block chain, so it needs the inode
		// write lock like every other chain access on this path.
		if f.blocks == nil {
			f.rebuildBlockTree()
		}

		f.writeLocked(tx, buf)
		rt.TxUnlockOnCommit(tx)
		return nil
	})
	if err != nil {
		f.pos = saved

		// The index may hold entries for blocks the abort just
		// released; drop it and rebuild on the next access.
		f.destroyDataState()
		return 0, err
	}

	f.offset += uint64(len(buf))
	return len(buf), nil
}

// Read copies up to len(buf) bytes from the handle's offset. Short reads
// happen only at end of file; a read starting at or past end of file
// returns io.EOF.
func (f *File) Read(buf []byte) (int, error) {
	in := inode.InodeAt(f.pp.Obj, f.inode)
	if !in.IsRegular() {
		return 0, syscall.EINVAL
	}
	if !f.read {
		return 0, syscall.EBADF
	}

	rt := f.pp.GetInode(f.inode)

	f.mu.Lock()
	defer f.mu.Unlock()
	rt.RLock()
	defer rt.RUnlock()

	if f.blocks == nil {
		f.rebuildBlockTree()
	}

	n := f.readLocked(buf)
	f.offset += uint64(n)

	if n == 0 && len(buf) > 0 {
		return 0, io.EOF
	}
	return n, nil
}

// Seek repositions the handle offset. No storage is allocated; writing
// past the end of file later zero-fills the gap.
func (f *File) Seek(offset int64, whence int) (int64, error) {
	in := inode.InodeAt(f.pp.Obj, f.inode)
	if !in.IsRegular() {
		return -1, syscall.EINVAL
	}

	rt := f.pp.GetInode(f.inode)

	f.mu.Lock()
	defer f.mu.Unlock()

	var ret int64
	switch whence {
	case io.SeekStart:
		ret = offset
	case io.SeekCurrent:
		ret = int64(f.offset) + offset
	case io.SeekEnd:
		rt.RLock()
		ret = int64(in.Size) + offset
		rt.RUnlock()
	default:
		ret = -1
	}

	if ret < 0 {
		return -1, syscall.EINVAL
	}

	f.offset = uint64(ret)
	return ret, nil
}

// Size returns the file's current size.
func (f *File) Size() uint64 {
	return inode.InodeAt(f.pp.Obj, f.inode).Size
}
