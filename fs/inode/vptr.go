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

	"github.com/pmemkit/pmfs/internal/lock"
	"github.com/pmemkit/pmfs/internal/logger"
)

// vptrGet resolves the runtime state of the object whose vptr slot sits
// at off, constructing it if this session has none yet.
//
// RunID is the generation identifier: stored in the superblock and
// increased by 2 on each pool open. Relative to the pool's current
// generation R, a slot's run id means:
//
//	R          the slot's runtime state is valid
//	R - 1      another caller is constructing; wait
//	other      stale or never initialised
//
// A caller finding a stale slot CASes the run id to R-1, which grants
// exclusive access: it runs the constructor, publishes the state in the
// overlay table, sets the on-media presence word, and finally publishes
// run id R (or R-2 when construction failed, so the next caller tries
// again). Losing the CAS means another caller got there first; yield and
// retry. The three-state word is the entire synchronisation primitive.
func (pp *Pool) vptrGet(off uint64, ctor func() rtState, ref bool) rtState {
	runID := pp.Obj.U64(off + VPtrRunIDOff)
	dataw := pp.Obj.U64(off + VPtrDataOff)
	R := pp.RunID

	for {
		cur := atomic.LoadUint64(runID)
		if cur == R && !ref {
			break
		}

		// Construction in progress elsewhere; try again later.
		if cur == R-1 {
			runtime.Gosched()
			continue
		}

		// Try-lock. Losing the race means waiting like everyone else.
		if !atomic.CompareAndSwapUint64(runID, cur, R-1) {
			runtime.Gosched()
			continue
		}

		// Entered because of a run id mismatch: no runtime state exists
		// for this session yet. A failed constructor leaves the
		// presence word clear and the next iteration retries.
		if cur != R {
			if st := ctor(); st != nil {
				pp.rt.Store(off, st)
				atomic.StoreUint64(dataw, 1)
			}
		}

		if ref && atomic.LoadUint64(dataw) != 0 {
			st, _ := pp.rt.Load(off)
			st.(rtState).common().Ref.Add(1)
			ref = false
		}

		newID := R - 2
		if atomic.LoadUint64(dataw) != 0 {
			newID = R
		}

		if !atomic.CompareAndSwapUint64(runID, R-1, newID) {
			panic(fmt.Sprintf("inode: vptr 0x%x: failed to publish run id", off))
		}
	}

	if atomic.LoadUint64(dataw) == 0 {
		return nil
	}
	st, _ := pp.rt.Load(off)
	if st == nil {
		return nil
	}
	return st.(rtState)
}

////////////////////////////////////////////////////////////////////////
// Typed getters
////////////////////////////////////////////////////////////////////////

// GetInode returns the inode's runtime state, constructing it on first
// access in this session.
func (pp *Pool) GetInode(ino uint64) *InodeRT {
	// Fast path: published for the current generation.
	i := InodeAt(pp.Obj, ino)
	if atomic.LoadUint64(&i.RT.RunID) == pp.RunID && atomic.LoadUint64(&i.RT.Data) != 0 {
		if st, ok := pp.rt.Load(ino); ok {
			return st.(*InodeRT)
		}
	}

	st := pp.vptrGet(ino, func() rtState { return pp.newInodeRT(ino) }, false)
	if st == nil {
		return nil
	}
	return st.(*InodeRT)
}

// RefInode returns the inode's runtime state with the reference counter
// increased. Does not need a transaction.
func (pp *Pool) RefInode(ino uint64) *InodeRT {
	st := pp.vptrGet(ino, func() rtState { return pp.newInodeRT(ino) }, true)
	if st == nil {
		panic(fmt.Sprintf("inode: 0x%x: runtime state construction failed", ino))
	}

	rt := st.(*InodeRT)
	logger.Debugf("inode 0x%x ref, path %s", ino, rt.Path())
	return rt
}

// RefInodePath is RefInode plus path tracking based on the parent's path
// and the child's name.
func (pp *Pool) RefInodePath(ino, parent uint64, name string) *InodeRT {
	rt := pp.RefInode(ino)
	pp.SetPath(parent, ino, name)
	return rt
}

func (pp *Pool) newInodeRT(ino uint64) *InodeRT {
	rt := &InodeRT{
		lk:    lock.NewRW(pp.Cfg.ContentionLevel),
		inode: ino,
	}
	logger.Tracef("inode 0x%x runtime constructed", ino)
	return rt
}

// DestroyInodeRT drops the inode's runtime state from the overlay table.
// Run on the commit path of the transaction that tore the state down, or
// on the abort path of the transaction that created the inode.
func (pp *Pool) DestroyInodeRT(rt *InodeRT) {
	pp.rt.Delete(rt.inode)
}

// GetSuper returns the superblock's runtime state.
func (pp *Pool) GetSuper() *SuperRT {
	s := pp.Super()
	if atomic.LoadUint64(&s.RT.RunID) == pp.RunID && atomic.LoadUint64(&s.RT.Data) != 0 {
		if st, ok := pp.rt.Load(pp.SuperOff); ok {
			return st.(*SuperRT)
		}
	}

	st := pp.vptrGet(pp.SuperOff, func() rtState {
		return &SuperRT{
			lk:    lock.NewRW(pp.Cfg.ContentionLevel),
			super: pp.SuperOff,
		}
	}, false)
	return st.(*SuperRT)
}

// DestroySuperRT drops the superblock's runtime state. Called at pool
// close.
func (pp *Pool) DestroySuperRT() {
	pp.rt.Delete(pp.SuperOff)
}

// GetDir returns the directory node's runtime state.
func (pp *Pool) GetDir(dir uint64) *DirRT {
	st := pp.vptrGet(dir, func() rtState { return &DirRT{dir: dir} }, false)
	if st == nil {
		return nil
	}
	return st.(*DirRT)
}

////////////////////////////////////////////////////////////////////////
// Path tracking
////////////////////////////////////////////////////////////////////////

// SetPath remembers one full path the child inode is reachable by, for
// log messages. No-op unless path tracking is configured.
func (pp *Pool) SetPath(parent, child uint64, name string) {
	if !pp.Cfg.TrackPaths {
		return
	}

	rt := pp.GetInode(child)
	rt.WLock()
	defer rt.Unlock()

	if rt.path != "" {
		return
	}
	if parent == 0 {
		rt.path = name
		return
	}

	prt := pp.GetInode(parent)
	if prt.path == "/" {
		rt.path = "/" + name
		return
	}
	rt.path = prt.path + "/" + name
}
