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

	"github.com/pmemkit/pmfs/internal/lock"
	"github.com/pmemkit/pmfs/internal/obj"
)

// The opened-inodes array: a chained, persistently-mutexed set of the
// inodes currently held by file handles. Crash recovery walks it at pool
// open to release inodes a previous session left behind.

// arrayAddSingle places the inode in the first empty slot of the node at
// arrOff, whose mutex m the caller holds. Returns false when the node is
// full.
func (pp *Pool) arrayAddSingle(tx *obj.Tx, arrOff uint64, m *sync.Mutex,
	ino uint64) (idx int, ok bool) {
	cur := InodeArrayAt(pp.Obj, arrOff)

	for i := 0; i < NumInodesPerEntry; i++ {
		if cur.Inodes[i] != 0 {
			continue
		}

		tx.PushFront(obj.StageOnabort, m.Unlock)

		// Snapshot everything but the mutex slot at offset 0.
		tx.Snapshot(arrOff+obj.MutexSlotSize, InodeArraySize-obj.MutexSlotSize)
		cur.Inodes[i] = ino
		cur.Used++

		return i, true
	}

	return 0, false
}

// ArrayAdd inserts the inode into the chain rooted at arrOff and returns
// the node and slot it landed in.
//
// Must be called in a transaction.
func (pp *Pool) ArrayAdd(tx *obj.Tx, arrOff, ino uint64) (insArr uint64, insIdx int) {
	for {
		cur := InodeArrayAt(pp.Obj, arrOff)
		m := pp.Obj.Mutex(arrOff)
		m.Lock()

		found := false
		if cur.Used < NumInodesPerEntry {
			insIdx, found = pp.arrayAddSingle(tx, arrOff, m, ino)
			insArr = arrOff
		}

		modified := false
		if !found {
			if cur.Next == 0 {
				// Keep the mutex held across the link so successor
				// traversal stays serialised with other inserters.
				tx.PushFront(obj.StageOnabort, m.Unlock)

				next := tx.AllocZeroed(InodeArraySize)
				tx.Snapshot(arrOff+InodeArrayNextOff, 8)
				cur.Next = next
				InodeArrayAt(pp.Obj, next).Prev = arrOff

				modified = true
			}

			arrOff = cur.Next
		}

		if found || modified {
			lock.TxUnlockOnCommit(tx, m)
		} else {
			m.Unlock()
		}

		if found {
			return insArr, insIdx
		}
	}
}

// ArrayUnregister clears the given slot of the node at arrOff.
//
// Must be called in a transaction.
func (pp *Pool) ArrayUnregister(tx *obj.Tx, arrOff uint64, idx int) {
	m := pp.Obj.Mutex(arrOff)
	lock.TxLock(tx, m)

	cur := InodeArrayAt(pp.Obj, arrOff)
	if cur.Used == 0 {
		panic("inode: unregister from empty inode array")
	}

	tx.Snapshot(arrOff+obj.MutexSlotSize, InodeArraySize-obj.MutexSlotSize)
	cur.Inodes[idx] = 0
	cur.Used--

	lock.TxUnlockOnCommit(tx, m)
}
