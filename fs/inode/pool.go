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
	"sync"
	"sync/atomic"

	"github.com/jacobsa/timeutil"
	"github.com/pmemkit/pmfs/cfg"
	"github.com/pmemkit/pmfs/internal/lock"
	"github.com/pmemkit/pmfs/internal/obj"
)

// Pool is the per-session handle to an open pool: the object store, the
// generation in effect, the superblock location, and the overlay table
// holding the runtime state of on-media objects for this session.
//
// RunID and SuperOff are fixed at pool open, before the pool is shared.
type Pool struct {
	Obj      *obj.Pool
	Cfg      *cfg.Config
	Clock    timeutil.Clock
	RunID    uint64
	SuperOff uint64

	// Overlay table: object offset -> runtime state. Entries are
	// published only under the vptr construction protocol.
	rt sync.Map
}

// Super returns the superblock view.
func (pp *Pool) Super() *Super {
	return SuperAt(pp.Obj, pp.SuperOff)
}

////////////////////////////////////////////////////////////////////////
// Runtime state
////////////////////////////////////////////////////////////////////////

// Common is the part shared by all runtime-state objects: the reference
// counter of this session's users.
type Common struct {
	Ref atomic.Int32
}

// rtState is implemented by every runtime-state type attached through the
// overlay.
type rtState interface {
	common() *Common
}

// InodeRT is the per-session runtime state of an inode.
type InodeRT struct {
	Common

	lk    lock.RW
	inode uint64

	// Position in the opened-inodes array, when registered. Arr is the
	// owning array node's offset; zero means not registered.
	Opened struct {
		Arr uint64
		Idx int
	}

	// One of the paths the inode is reachable by. Tracked only when
	// configured; used in log messages.
	path string
}

func (rt *InodeRT) common() *Common { return &rt.Common }

// InodeOff returns the offset of the inode this state belongs to.
func (rt *InodeRT) InodeOff() uint64 { return rt.inode }

// Path returns the tracked path, or "" when path tracking is off.
func (rt *InodeRT) Path() string { return rt.path }

func (rt *InodeRT) RLock()   { rt.lk.RLock() }
func (rt *InodeRT) RUnlock() { rt.lk.RUnlock() }
func (rt *InodeRT) WLock()   { rt.lk.Lock() }
func (rt *InodeRT) Unlock()  { rt.lk.Unlock() }

// TxWLock write-locks the inode and schedules the release on abort.
func (rt *InodeRT) TxWLock(tx *obj.Tx) { lock.TxWLock(tx, rt.lk) }

// TxUnlockOnCommit schedules the write unlock on commit.
func (rt *InodeRT) TxUnlockOnCommit(tx *obj.Tx) { lock.TxWUnlockOnCommit(tx, rt.lk) }

// SuperRT is the per-session runtime state of the superblock.
type SuperRT struct {
	Common

	lk    lock.RW
	super uint64
}

func (rt *SuperRT) common() *Common { return &rt.Common }

// TxWLock write-locks the superblock and schedules the release on abort.
func (rt *SuperRT) TxWLock(tx *obj.Tx) { lock.TxWLock(tx, rt.lk) }

// TxUnlockOnCommit schedules the write unlock on commit.
func (rt *SuperRT) TxUnlockOnCommit(tx *obj.Tx) { lock.TxWUnlockOnCommit(tx, rt.lk) }

// DirRT is the per-session runtime state of a directory node.
type DirRT struct {
	Common

	dir uint64
}

func (rt *DirRT) common() *Common { return &rt.Common }
