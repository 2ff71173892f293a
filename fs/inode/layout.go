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

// Package inode implements the on-media data structures of the file
// system — superblock, inodes, directories, block arrays and the
// opened-inodes array — together with their transactional mutators and
// the generation-checked runtime-state overlay.
package inode

import (
	"time"
	"unsafe"

	"github.com/pmemkit/pmfs/internal/obj"
	"golang.org/x/sys/unix"
)

const (
	// MaxFileName is the longest accepted file name, excluding the
	// terminating NUL of the on-media dentry.
	MaxFileName = 255

	// NumDentries is the number of dentry slots per directory node.
	NumDentries = 100

	// MaxNumBlocks is the number of block slots per block array node.
	MaxNumBlocks = 100

	// NumInodesPerEntry is the number of inode slots per opened-inodes
	// array node.
	NumInodesPerEntry = 64
)

// On-media object references are byte offsets into the pool; 0 is nil.
// Every struct below is viewed in place over the pool mapping, so fields
// are fixed-size and 8-byte aligned throughout.

// VPtr is the volatile-pointer slot embedded as the first field of every
// on-media object that carries per-session runtime state. Data is a
// presence word for the runtime object held in the pool session's
// overlay table; RunID is the generation the slot was last published
// for. See vptr.go for the access protocol.
type VPtr struct {
	Data  uint64
	RunID uint64
}

// Timespec is the on-media time representation.
type Timespec struct {
	Sec  int64
	Nsec int64
}

func ToTimespec(t time.Time) Timespec {
	return Timespec{Sec: t.Unix(), Nsec: int64(t.Nanosecond())}
}

func (ts Timespec) Time() time.Time {
	return time.Unix(ts.Sec, ts.Nsec)
}

// Inode is the per-file metadata object. Data points at the head of the
// block-array chain for regular files and at the head of the dir chain
// for directories.
type Inode struct {
	RT    VPtr
	Size  uint64
	Flags uint64
	CTime Timespec
	MTime Timespec
	ATime Timespec
	NLink uint64
	Data  uint64
}

// Block describes one extent of file data. Bytes in [0, Used) hold user
// data; bytes in [Used, Allocated) are zero.
type Block struct {
	Data      uint64
	Allocated uint64
	Used      uint64
}

// BlockArray is one node of a file's singly-linked block chain.
type BlockArray struct {
	BytesAllocated  uint64
	BytesUsed       uint64
	BlocksAllocated uint64
	Blocks          [MaxNumBlocks]Block
	Next            uint64
}

// Dentry binds a name to an inode. An empty slot has Name[0] == 0.
type Dentry struct {
	Inode uint64
	Name  [MaxFileName + 1]byte
}

// Dir is one node of a directory's singly-linked dentry chain.
type Dir struct {
	RT       VPtr
	Used     uint64
	Dentries [NumDentries]Dentry
	Next     uint64
}

// InodeArray is one node of the doubly-linked opened-inodes list. The
// mutex slot sits at offset 0 so the remainder of the node can be
// snapshotted without it.
type InodeArray struct {
	Mtx    [obj.MutexSlotSize]byte
	Used   uint64
	Inodes [NumInodesPerEntry]uint64
	Prev   uint64
	Next   uint64
}

// Super is the pool's root object.
type Super struct {
	RT           VPtr
	Version      uint64
	RunID        uint64
	RootInode    uint64
	Initialized  uint64
	OpenedInodes uint64
	UUID         [16]byte
}

// Object and field sizes, and the field offsets the transactional
// mutators snapshot individually.
var (
	SuperSize      = uint64(unsafe.Sizeof(Super{}))
	InodeSize      = uint64(unsafe.Sizeof(Inode{}))
	DirSize        = uint64(unsafe.Sizeof(Dir{}))
	BlockArraySize = uint64(unsafe.Sizeof(BlockArray{}))
	InodeArraySize = uint64(unsafe.Sizeof(InodeArray{}))
	DentrySize     = uint64(unsafe.Sizeof(Dentry{}))
	BlockSlotSize  = uint64(unsafe.Sizeof(Block{}))
)

var (
	VPtrDataOff  = uint64(unsafe.Offsetof(VPtr{}.Data))
	VPtrRunIDOff = uint64(unsafe.Offsetof(VPtr{}.RunID))

	InodeSizeOff  = uint64(unsafe.Offsetof(Inode{}.Size))
	InodeCTimeOff = uint64(unsafe.Offsetof(Inode{}.CTime))
	InodeMTimeOff = uint64(unsafe.Offsetof(Inode{}.MTime))
	InodeNLinkOff = uint64(unsafe.Offsetof(Inode{}.NLink))
	InodeDataOff  = uint64(unsafe.Offsetof(Inode{}.Data))

	DirUsedOff     = uint64(unsafe.Offsetof(Dir{}.Used))
	DirNextOff     = uint64(unsafe.Offsetof(Dir{}.Next))
	DirDentriesOff = uint64(unsafe.Offsetof(Dir{}.Dentries))

	BlockDataOff      = uint64(unsafe.Offsetof(Block{}.Data))
	BlockAllocatedOff = uint64(unsafe.Offsetof(Block{}.Allocated))
	BlockUsedOff      = uint64(unsafe.Offsetof(Block{}.Used))

	BlockArrayBytesAllocatedOff  = uint64(unsafe.Offsetof(BlockArray{}.BytesAllocated))
	BlockArrayBytesUsedOff       = uint64(unsafe.Offsetof(BlockArray{}.BytesUsed))
	BlockArrayBlocksAllocatedOff = uint64(unsafe.Offsetof(BlockArray{}.BlocksAllocated))
	BlockArrayBlocksOff          = uint64(unsafe.Offsetof(BlockArray{}.Blocks))
	BlockArrayNextOff            = uint64(unsafe.Offsetof(BlockArray{}.Next))

	InodeArrayUsedOff   = uint64(unsafe.Offsetof(InodeArray{}.Used))
	InodeArrayInodesOff = uint64(unsafe.Offsetof(InodeArray{}.Inodes))
	InodeArrayPrevOff   = uint64(unsafe.Offsetof(InodeArray{}.Prev))
	InodeArrayNextOff   = uint64(unsafe.Offsetof(InodeArray{}.Next))

	SuperRunIDOff        = uint64(unsafe.Offsetof(Super{}.RunID))
	SuperOpenedInodesOff = uint64(unsafe.Offsetof(Super{}.OpenedInodes))
)

// In-place views over the pool mapping.

func SuperAt(p *obj.Pool, off uint64) *Super {
	return (*Super)(p.Ptr(off))
}

func InodeAt(p *obj.Pool, off uint64) *Inode {
	return (*Inode)(p.Ptr(off))
}

func DirAt(p *obj.Pool, off uint64) *Dir {
	return (*Dir)(p.Ptr(off))
}

func BlockArrayAt(p *obj.Pool, off uint64) *BlockArray {
	return (*BlockArray)(p.Ptr(off))
}

func InodeArrayAt(p *obj.Pool, off uint64) *InodeArray {
	return (*InodeArray)(p.Ptr(off))
}

// BlockOff returns the offset of block i of the array at arrOff.
func BlockOff(arrOff uint64, i int) uint64 {
	return arrOff + BlockArrayBlocksOff + uint64(i)*BlockSlotSize
}

// DentryOff returns the offset of dentry slot i of the dir node at dirOff.
func DentryOff(dirOff uint64, i int) uint64 {
	return dirOff + DirDentriesOff + uint64(i)*DentrySize
}

// Mode bits stored in Inode.Flags.
const (
	ModeRegular = uint64(unix.S_IFREG)
	ModeDir     = uint64(unix.S_IFDIR)
	modeFmtMask = uint64(unix.S_IFMT)
)

func (i *Inode) IsDir() bool {
	return i.Flags&modeFmtMask == ModeDir
}

func (i *Inode) IsRegular() bool {
	return i.Flags&modeFmtMask == ModeRegular
}

// DentryName returns d's name as a Go string.
func (d *Dentry) DentryName() string {
	for i, b := range d.Name {
		if b == 0 {
			return string(d.Name[:i])
		}
	}
	return string(d.Name[:])
}
