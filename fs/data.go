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
	"github.com/biogo/store/llrb"
	"github.com/pmemkit/pmfs/fs/inode"
	"github.com/pmemkit/pmfs/internal/obj"
)

// The file data engine. File bytes live in a chain of block arrays; each
// array holds up to MaxNumBlocks heterogeneous blocks sized by the write
// that allocated them. The walk functions below move the handle's
// position cache to file.offset, allocating and zero-filling on the write
// path (extend=true) and stopping at end of file on the read path.

////////////////////////////////////////////////////////////////////////
// Offset index
////////////////////////////////////////////////////////////////////////

// rebuildBlockTree indexes every allocated block by its starting file
// offset. Runs on the first read or write after open.
func (f *File) rebuildBlockTree() {
	if !f.pp.Cfg.OptTreeWalk {
		return
	}

	t := &llrb.Tree{}
	var off uint64

	for arr := inode.InodeAt(f.pp.Obj, f.inode).Data; arr != 0; {
		a := inode.BlockArrayAt(f.pp.Obj, arr)
		for i := 0; i < int(a.BlocksAllocated); i++ {
			t.Insert(blockLoc{off: off, arr: arr, id: i})
			off += a.Blocks[i].Allocated
		}
		arr = a.Next
	}

	f.blocks = t
}

func (f *File) insertBlock(arr uint64, id int, off uint64) {
	if f.blocks == nil {
		return
	}
	f.blocks.Insert(blockLoc{off: off, arr: arr, id: id})
}

// lookupBlock finds the block whose starting offset is the largest one
// not beyond off.
func (f *File) lookupBlock(off uint64) (blockLoc, bool) {
	if f.blocks == nil {
		return blockLoc{}, false
	}
	got := f.blocks.Floor(blockLoc{off: off})
	if got == nil {
		return blockLoc{}, false
	}
	return got.(blockLoc), true
}

func (f *File) destroyDataState() {
	f.blocks = nil
}

////////////////////////////////////////////////////////////////////////
// Block helpers
////////////////////////////////////////////////////////////////////////

func (f *File) blockPtr(p *pos) *inode.Block {
	return &inode.BlockArrayAt(f.pp.Obj, p.arr).Blocks[p.blockID]
}

// resetCache points the position cache at the start of the file,
// allocating the first block array when extending.
func (f *File) resetCache(tx *obj.Tx, p *pos, alloc bool) {
	in := inode.InodeAt(f.pp.Obj, f.inode)

	p.arr = in.Data
	if p.arr == 0 && alloc {
		arr := tx.AllocZeroed(inode.BlockArraySize)
		tx.Snapshot(f.inode+inode.InodeDataOff, 8)
		in.Data = arr
		p.arr = arr
	}

	p.blockID = 0
	p.blockOff = 0
	p.globalOff = 0
}

// allocateBlock sizes and allocates storage for the block under the
// cache. The size follows the write length unless overridden.
func (f *File) allocateBlock(tx *obj.Tx, p *pos, count uint64) {
	pp := f.pp

	sz := pp.Cfg.BlockSize
	if sz == 0 {
		switch {
		case count < 4<<10:
			sz = 16 << 10
		case count < 64<<10:
			sz = 256 << 10
		case count < 1<<20:
			sz = 4 << 20
		default:
			sz = 64 << 20
		}
	}

	slot := inode.BlockOff(p.arr, p.blockID)
	tx.Snapshot(slot, inode.BlockSlotSize)

	arr := inode.BlockArrayAt(pp.Obj, p.arr)
	blk := &arr.Blocks[p.blockID]
	blk.Used = 0
	blk.Data = tx.Alloc(sz)
	blk.Allocated = pp.Obj.UsableSize(blk.Data)

	tx.Snapshot(p.arr+inode.BlockArrayBytesAllocatedOff, 8)
	arr.BytesAllocated += blk.Allocated

	tx.Snapshot(p.arr+inode.BlockArrayBlocksAllocatedOff, 8)
	arr.BlocksAllocated++

	f.insertBlock(p.arr, p.blockID, p.globalOff)
}

// extendBlockMeta accounts n new bytes of used space in the block, its
// array and the inode size.
func (f *File) extendBlockMeta(tx *obj.Tx, p *pos, n uint64) {
	pp := f.pp
	arr := inode.BlockArrayAt(pp.Obj, p.arr)
	blk := &arr.Blocks[p.blockID]

	tx.Snapshot(inode.BlockOff(p.arr, p.blockID)+inode.BlockUsedOff, 8)
	blk.Used += n

	tx.Snapshot(p.arr+inode.BlockArrayBytesUsedOff, 8)
	arr.BytesUsed += n

	tx.Snapshot(f.inode+inode.InodeSizeOff, 8)
	inode.InodeAt(pp.Obj, f.inode).Size += n
}

// zeroExtendBlock zeroes n bytes of the block's unused tail and extends
// the metadata over them.
func (f *File) zeroExtendBlock(tx *obj.Tx, p *pos, n uint64) {
	blk := f.blockPtr(p)

	// No user-visible data lives above Used, so the undo log is skipped.
	f.pp.Obj.Zero(blk.Data+blk.Used, n)

	f.extendBlockMeta(tx, p, n)
}

// nextBlockArray moves the cache to the next array in the chain,
// appending a fresh one when extending. Returns false at the chain's end
// otherwise.
func (f *File) nextBlockArray(tx *obj.Tx, p *pos, extend bool) bool {
	arr := inode.BlockArrayAt(f.pp.Obj, p.arr)

	next := arr.Next
	if next == 0 {
		if !extend {
			return false
		}
		next = tx.AllocZeroed(inode.BlockArraySize)
		tx.Snapshot(p.arr+inode.BlockArrayNextOff, 8)
		arr.Next = next
	}

	p.arr = next
	p.blockID = 0
	p.blockOff = 0
	return true
}

// moveWithinBlock advances the cache toward file.offset inside the
// current block, zero-extending unused space on the write path. Returns
// how many bytes were covered.
func (f *File) moveWithinBlock(tx *obj.Tx, p *pos, offsetLeft uint64, extend bool) uint64 {
	blk := f.blockPtr(p)

	if blk.Allocated == 0 {
		if !extend {
			return 0
		}
		f.allocateBlock(tx, p, offsetLeft)
	}

	// Does the target lie within this block?
	if p.blockOff+offsetLeft < blk.Allocated {
		// Between the end of used space and the end of the block?
		if p.blockOff+offsetLeft > blk.Used {
			if !extend {
				return 0
			}
			f.zeroExtendBlock(tx, p, p.blockOff+offsetLeft-blk.Used)
		}

		p.blockOff += offsetLeft
		p.globalOff += offsetLeft
		return offsetLeft
	}

	// The target lies in a following block. A fully used block can be
	// crossed as is; a partially used one must have its tail zeroed
	// first on the write path.
	if blk.Used == blk.Allocated {
		sz := blk.Used - p.blockOff
		p.blockOff += sz
		p.globalOff += sz
		return sz
	}

	if !extend {
		return 0
	}

	// The cache may sit below Used (e.g. after an index jump to the block
	// start), so the distance to the block end can exceed the zeroed tail.
	sz := blk.Allocated - p.blockOff
	f.zeroExtendBlock(tx, p, blk.Allocated-blk.Used)
	p.blockOff += sz
	p.globalOff += sz
	return sz
}

// skipArrayEntry skips whole block arrays that are fully allocated and
// fully used. Only applicable when the cache sits at an array start.
func (f *File) skipArrayEntry(tx *obj.Tx, p *pos, offsetLeft uint64, extend bool) uint64 {
	if p.blockID > 0 || p.blockOff > 0 {
		return 0
	}

	cur := inode.BlockArrayAt(f.pp.Obj, p.arr)
	var offset uint64

	for offsetLeft > 0 &&
		offsetLeft >= cur.BytesUsed &&
		cur.BytesAllocated == cur.BytesUsed &&
		cur.BlocksAllocated == inode.MaxNumBlocks {
		tmp := cur.BytesUsed
		if !f.nextBlockArray(tx, p, extend) {
			break
		}
		offset += tmp
		offsetLeft -= tmp
		p.globalOff += tmp
		cur = inode.BlockArrayAt(f.pp.Obj, p.arr)
	}

	return offset
}

////////////////////////////////////////////////////////////////////////
// Write path
////////////////////////////////////////////////////////////////////////

// writeWithinBlock copies as much of buf as fits in the current block,
// snapshotting or replacing overwritten storage per configuration.
func (f *File) writeWithinBlock(tx *obj.Tx, p *pos, buf []byte, countLeft uint64) uint64 {
	pp := f.pp

	blk := f.blockPtr(p)
	if blk.Allocated == 0 {
		f.allocateBlock(tx, p, countLeft)
	}

	n := min(blk.Allocated-p.blockOff, countLeft)

	// Snapshot the overwritten range [blockOff, used); everything above
	// Used is unused and needs no restore on abort.
	if pp.Cfg.TrackData && p.blockOff < blk.Used {
		slen := min(n, blk.Used-p.blockOff)
		if pp.Cfg.ReplaceBlocks && slen == blk.Allocated {
			// The write covers the whole block: swap its storage
			// instead of paying for a snapshot of the old bytes.
			tx.Snapshot(inode.BlockOff(p.arr, p.blockID), inode.BlockSlotSize)
			tx.Free(blk.Data)
			blk.Data = tx.Alloc(slen)
		} else {
			tx.Snapshot(blk.Data+p.blockOff, slen)
		}
	}

	pp.Obj.MemcpyPersist(blk.Data+p.blockOff, buf[:n])

	if p.blockOff+n > blk.Used {
		f.extendBlockMeta(tx, p, p.blockOff+n-blk.Used)
	}

	p.blockOff += n
	p.globalOff += n
	return n
}

// writeLocked positions the cache at file.offset, extending and zeroing
// as needed, then writes buf block by block. Runs inside the write
// transaction with the inode write-locked.
func (f *File) writeLocked(tx *obj.Tx, buf []byte) {
	pp := f.pp
	p := &f.pos

	if p.arr == 0 {
		f.resetCache(tx, p, true)
	}

	// Jump the cache with the offset index when the target is outside
	// the current block.
	if pp.Cfg.OptTreeWalk && f.offset != p.globalOff {
		blockStart := p.globalOff - p.blockOff
		blk := f.blockPtr(p)

		if f.offset < blockStart || f.offset >= blockStart+blk.Allocated {
			if loc, ok := f.lookupBlock(f.offset); ok {
				p.arr = loc.arr
				p.blockID = loc.id
				p.blockOff = 0
				p.globalOff = loc.off
			}
		}
	}

	// Back up within the block, or start over from the beginning.
	if f.offset < p.globalOff {
		if f.offset >= p.globalOff-p.blockOff {
			p.globalOff -= p.blockOff
			p.blockOff = 0
		} else {
			f.resetCache(tx, p, true)
		}
	}

	offsetLeft := f.offset - p.globalOff

	if pp.Cfg.OptListWalk {
		offsetLeft -= f.skipArrayEntry(tx, p, offsetLeft, true)
	}

	for offsetLeft > 0 {
		moved := f.moveWithinBlock(tx, p, offsetLeft, true)
		offsetLeft -= moved

		if offsetLeft > 0 {
			p.blockID++
			p.blockOff = 0

			if p.blockID == inode.MaxNumBlocks {
				f.nextBlockArray(tx, p, true)

				if pp.Cfg.OptListWalk {
					offsetLeft -= f.skipArrayEntry(tx, p, offsetLeft, true)
				}
			}
		}
	}

	// The cache now matches file.offset; write from there.
	b := buf
	countLeft := uint64(len(buf))
	for countLeft > 0 {
		written := f.writeWithinBlock(tx, p, b, countLeft)

		b = b[written:]
		countLeft -= written

		if countLeft > 0 {
			p.blockID++
			p.blockOff = 0

			if p.blockID == inode.MaxNumBlocks {
				f.nextBlockArray(tx, p, true)
			}
		}
	}
}

////////////////////////////////////////////////////////////////////////
// Read path
////////////////////////////////////////////////////////////////////////

// readFromBlock copies up to countLeft bytes of used data from the
// current block.
func (f *File) readFromBlock(p *pos, buf []byte, countLeft uint64) uint64 {
	blk := f.blockPtr(p)

	if blk.Allocated == 0 || blk.Used <= p.blockOff {
		return 0
	}

	n := min(blk.Used-p.blockOff, countLeft)
	copy(buf[:n], f.pp.Obj.Bytes(blk.Data+p.blockOff, n))

	p.blockOff += n
	p.globalOff += n
	return n
}

// syncOff moves the cache toward file.offset without mutating the file.
// Returns false when the offset cannot be reached.
func (f *File) syncOff(p *pos) bool {
	pp := f.pp

	if pp.Cfg.OptTreeWalk {
		blockStart := p.globalOff - p.blockOff
		blk := f.blockPtr(p)

		if f.offset < blockStart || f.offset >= blockStart+blk.Allocated {
			loc, ok := f.lookupBlock(f.offset)
			if !ok {
				return false
			}
			p.arr = loc.arr
			p.blockID = loc.id
			p.blockOff = 0
			p.globalOff = loc.off
		}
	}

	if f.offset < p.globalOff {
		if f.offset >= p.globalOff-p.blockOff {
			p.globalOff -= p.blockOff
			p.blockOff = 0
		} else {
			f.resetCache(nil, p, false)
			if p.arr == 0 {
				return false
			}
		}
	}

	if offsetLeft := f.offset - p.globalOff; offsetLeft > 0 && pp.Cfg.OptListWalk {
		f.skipArrayEntry(nil, p, offsetLeft, false)
	}

	return true
}

// readLocked positions the cache at file.offset and reads block by
// block. Runs with the handle lock and the inode read lock held; never
// mutates on-media state.
func (f *File) readLocked(buf []byte) int {
	p := &f.pos

	if p.arr == 0 {
		f.resetCache(nil, p, false)
		if p.arr == 0 {
			return 0
		}
	}

	if f.offset != p.globalOff && !f.syncOff(p) {
		return 0
	}

	offsetLeft := f.offset - p.globalOff

	for offsetLeft > 0 {
		blk := f.blockPtr(p)
		moved := f.moveWithinBlock(nil, p, offsetLeft, false)

		if moved == 0 {
			boundary := blk.Allocated > 0 &&
				blk.Used == blk.Allocated &&
				blk.Used == p.blockOff
			if !boundary {
				return 0
			}
		}

		offsetLeft -= moved

		if offsetLeft > 0 {
			// End of written data?
			if blk.Used != blk.Allocated {
				return 0
			}

			p.blockID++
			p.blockOff = 0

			if p.blockID == inode.MaxNumBlocks {
				if !f.nextBlockArray(nil, p, false) {
					return 0
				}
				if f.pp.Cfg.OptListWalk {
					offsetLeft -= f.skipArrayEntry(nil, p, offsetLeft, false)
				}
			}
		}
	}

	// The cache now matches file.offset; read from there.
	b := buf
	bytesRead := 0
	countLeft := uint64(len(buf))

	for countLeft > 0 {
		blk := f.blockPtr(p)
		n := f.readFromBlock(p, b, countLeft)

		if n == 0 {
			boundary := blk.Allocated > 0 &&
				blk.Used == blk.Allocated &&
				blk.Used == p.blockOff
			if !boundary {
				break
			}
		}

		b = b[n:]
		bytesRead += int(n)
		countLeft -= n

		if countLeft > 0 {
			// End of written data?
			if blk.Used != blk.Allocated {
				break
			}

			p.blockID++
			p.blockOff = 0

			if p.blockID == inode.MaxNumBlocks && !f.nextBlockArray(nil, p, false) {
				break
			}
		}
	}

	return bytesRead
}
