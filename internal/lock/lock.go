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

// Package lock provides the tunable lock family used throughout the file
// system core. A single contention level, fixed at pool open, selects the
// implementation behind every lock in the process: no-op, spin,
// user-space rwlock or the sync package primitives.
package lock

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/pmemkit/pmfs/cfg"
)

// RW is a reader/writer lock. Lock/Unlock take and release the write
// side. Only the sync.RWMutex level gives waiting writers preference;
// the spin levels do not tell readers from writers, and URW lets new
// readers in until a writer finds the word at zero.
type RW interface {
	RLock()
	RUnlock()
	Lock()
	Unlock()
}

// NewRW returns the node-lock (rwlock family) implementation for the
// given contention level. Used for inode and superblock runtime locks.
func NewRW(level int) RW {
	switch level {
	case cfg.ContentionNone:
		return nopRW{}
	case cfg.ContentionSpin:
		return new(spinLock)
	case cfg.ContentionTrySpin:
		return new(trySpinLock)
	case cfg.ContentionURWSpin, cfg.ContentionURWMutex:
		return new(URW)
	case cfg.ContentionMutex:
		return new(sync.RWMutex)
	default:
		panic("lock: invalid contention level")
	}
}

// NewMutex returns the handle-lock (mutex family) implementation for the
// given contention level. Used for per-file-handle locks.
func NewMutex(level int) sync.Locker {
	switch level {
	case cfg.ContentionNone:
		return nopRW{}
	case cfg.ContentionSpin:
		return new(spinLock)
	case cfg.ContentionTrySpin, cfg.ContentionURWSpin:
		return new(trySpinLock)
	case cfg.ContentionURWMutex, cfg.ContentionMutex:
		return new(sync.Mutex)
	default:
		panic("lock: invalid contention level")
	}
}

////////////////////////////////////////////////////////////////////////
// Implementations
////////////////////////////////////////////////////////////////////////

type nopRW struct{}

func (nopRW) RLock()   {}
func (nopRW) RUnlock() {}
func (nopRW) Lock()    {}
func (nopRW) Unlock()  {}

// spinLock busy-loops on a CAS. Readers and writers are not
// distinguished.
type spinLock struct {
	held atomic.Bool
}

func (l *spinLock) Lock() {
	for !l.held.CompareAndSwap(false, true) {
	}
}

func (l *spinLock) Unlock() {
	if !l.held.CompareAndSwap(true, false) {
		panic("lock: unlock of unlocked spin lock")
	}
}

func (l *spinLock) RLock()   { l.Lock() }
func (l *spinLock) RUnlock() { l.Unlock() }

// trySpinLock yields to the scheduler between CAS attempts.
type trySpinLock struct {
	held atomic.Bool
}

func (l *trySpinLock) Lock() {
	for !l.held.CompareAndSwap(false, true) {
		runtime.Gosched()
	}
}

func (l *trySpinLock) Unlock() {
	if !l.held.CompareAndSwap(true, false) {
		panic("lock: unlock of unlocked spin lock")
	}
}

func (l *trySpinLock) RLock()   { l.Lock() }
func (l *trySpinLock) RUnlock() { l.Unlock() }

const urwWriter = uint64(1) << 32

// URW is a user-space reader/writer lock packing the reader count into
// the low 32 bits of a single word and the writer flag into bit 32.
// Readers CAS-increment the count; the CAS fails while a writer holds the
// word, which is the entire exclusion protocol.
type URW struct {
	word atomic.Uint64
}

func (l *URW) RLock() {
	for {
		old := l.word.Load() & 0xffffffff
		if l.word.CompareAndSwap(old, old+1) {
			return
		}
		runtime.Gosched()
	}
}

func (l *URW) Lock() {
	for !l.word.CompareAndSwap(0, urwWriter) {
		runtime.Gosched()
	}
}

// Unlock releases whichever side is held, like the single unlock
// entry point of pthread rwlocks.
func (l *URW) Unlock() {
	if l.word.Load()&urwWriter != 0 {
		if !l.word.CompareAndSwap(urwWriter, 0) {
			panic("lock: broken urwlock write unlock")
		}
		return
	}
	for {
		old := l.word.Load() & 0xffffffff
		if old == 0 {
			panic("lock: urwlock read unlock without readers")
		}
		if l.word.CompareAndSwap(old, old-1) {
			return
		}
	}
}

func (l *URW) RUnlock() { l.Unlock() }
