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

// Package obj implements the transactional persistent object store the
// file system core is built on: a memory-mapped pool file holding an
// arena of objects addressed by byte offsets, with undo-log transactions,
// per-stage callback lists and byte-range snapshotting.
//
// An object reference is a uint64 offset into the pool; 0 is the nil
// reference. Objects are viewed in place through unsafe casts, so on-media
// structs must consist of fixed-size fields only and never contain Go
// pointers.
package obj

import (
	"fmt"
	"os"
	"sync"
	"unsafe"

	"github.com/google/uuid"
	"github.com/jacobsa/syncutil"
	"golang.org/x/sys/unix"
)

const (
	// MinPoolSize is the smallest pool file we accept.
	MinPoolSize = 8 << 20

	poolMagic     = "PMFSPOOL"
	formatVersion = 1

	// The header occupies the first page; the heap starts right after.
	headerSize = 4096
)

// header is the on-media pool descriptor at offset 0.
type header struct {
	Magic    [8]byte
	Version  uint64
	UUID     [16]byte
	PoolSize uint64
	RootOff  uint64
	RootSize uint64
	FreeHead uint64
	HeapTail uint64
}

// Pool is an open pool file. All methods are safe for concurrent use;
// allocator state is guarded by an invariant-checked mutex.
type Pool struct {
	f    *os.File
	data []byte
	hdr  *header

	mu syncutil.InvariantMutex

	// Per-session mutexes backing on-media mutex slots, keyed by slot
	// offset. See Mutex.
	mutexes sync.Map
}

// Create creates and maps a new pool file of the given size.
func Create(path string, size int64, perm os.FileMode) (*Pool, error) {
	if size < MinPoolSize {
		return nil, fmt.Errorf("obj: pool size %d below minimum %d", size, MinPoolSize)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return nil, fmt.Errorf("obj: create pool: %w", err)
	}

	if err := f.Truncate(size); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("obj: size pool: %w", err)
	}

	p, err := mapPool(f)
	if err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}

	hdr := p.hdr
	copy(hdr.Magic[:], poolMagic)
	hdr.Version = formatVersion
	id := uuid.New()
	copy(hdr.UUID[:], id[:])
	hdr.PoolSize = uint64(size)
	hdr.HeapTail = headerSize
	p.persistAll()

	return p, nil
}

// Open maps an existing pool file.
func Open(path string) (*Pool, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("obj: open pool: %w", err)
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("obj: stat pool: %w", err)
	}

	p, err := mapPool(f)
	if err != nil {
		f.Close()
		return nil, err
	}

	hdr := p.hdr
	if string(hdr.Magic[:]) != poolMagic {
		p.unmap()
		return nil, fmt.Errorf("obj: %s is not a pmfs pool", path)
	}
	if hdr.Version != formatVersion {
		p.unmap()
		return nil, fmt.Errorf("obj: unsupported pool format %d", hdr.Version)
	}
	if hdr.PoolSize != uint64(fi.Size()) {
		p.unmap()
		return nil, fmt.Errorf("obj: pool size mismatch: header %d, file %d",
			hdr.PoolSize, fi.Size())
	}

	return p, nil
}

func mapPool(f *os.File) (*Pool, error) {
	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("obj: stat pool: %w", err)
	}
	if fi.Size() < MinPoolSize {
		return nil, fmt.Errorf("obj: pool file too small (%d bytes)", fi.Size())
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(fi.Size()),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("obj: mmap pool: %w", err)
	}

	p := &Pool{
		f:    f,
		data: data,
		hdr:  (*header)(unsafe.Pointer(&data[0])),
	}
	p.mu = syncutil.NewInvariantMutex(p.checkInvariants)
	return p, nil
}

// Close syncs and unmaps the pool.
func (p *Pool) Close() error {
	if err := p.persistAll(); err != nil {
		return err
	}
	return p.unmap()
}

func (p *Pool) unmap() error {
	err := unix.Munmap(p.data)
	p.data = nil
	p.hdr = nil
	if cerr := p.f.Close(); err == nil {
		err = cerr
	}
	return err
}

// UUID returns the identifier stamped into the pool at creation.
func (p *Pool) UUID() uuid.UUID {
	var id uuid.UUID
	copy(id[:], p.hdr.UUID[:])
	return id
}

// Size returns the pool size in bytes.
func (p *Pool) Size() uint64 {
	return p.hdr.PoolSize
}

// Root returns the root object, allocating a zeroed one of the given size
// on first use. The root object is never freed.
func (p *Pool) Root(size uint64) (uint64, error) {
	if p.hdr.RootOff != 0 {
		return p.hdr.RootOff, nil
	}

	off, err := p.alloc(size)
	if err != nil {
		return 0, err
	}
	p.Zero(off, size)
	p.hdr.RootOff = off
	p.hdr.RootSize = size
	p.persistAll()
	return off, nil
}

// RootSize returns the size the root object was created with, or 0 when
// no root object exists yet.
func (p *Pool) RootSize() uint64 {
	return p.hdr.RootSize
}

////////////////////////////////////////////////////////////////////////
// Object views
////////////////////////////////////////////////////////////////////////

// Bytes returns the n bytes of the object at off, viewed in place.
func (p *Pool) Bytes(off, n uint64) []byte {
	return p.data[off : off+n : off+n]
}

// Ptr returns a pointer into the mapping, for unsafe struct views.
func (p *Pool) Ptr(off uint64) unsafe.Pointer {
	return unsafe.Pointer(&p.data[off])
}

// U64 returns the 8-byte word at off as a *uint64 suitable for
// sync/atomic operations. Off must be 8-byte aligned.
func (p *Pool) U64(off uint64) *uint64 {
	return (*uint64)(unsafe.Pointer(&p.data[off]))
}

// Zero clears n bytes at off without undo logging. Only legal for bytes
// that hold no committed user-visible data.
func (p *Pool) Zero(off, n uint64) {
	b := p.data[off : off+n]
	for i := range b {
		b[i] = 0
	}
}

// MemcpyPersist copies src into the pool at off without undo logging.
func (p *Pool) MemcpyPersist(off uint64, src []byte) {
	copy(p.data[off:off+uint64(len(src))], src)
}

// persistAll makes the whole mapping durable.
func (p *Pool) persistAll() error {
	if err := unix.Msync(p.data, unix.MS_SYNC); err != nil {
		return fmt.Errorf("obj: msync: %w", err)
	}
	return nil
}

// Mutex returns the volatile mutex backing the 16-byte on-media mutex
// slot at off. The mutex is created lazily per pool session; its on-media
// bytes carry no cross-session state.
func (p *Pool) Mutex(off uint64) *sync.Mutex {
	if m, ok := p.mutexes.Load(off); ok {
		return m.(*sync.Mutex)
	}
	m, _ := p.mutexes.LoadOrStore(off, new(sync.Mutex))
	return m.(*sync.Mutex)
}

// MutexSlotSize is the reserved on-media size of a mutex slot.
const MutexSlotSize = 16
