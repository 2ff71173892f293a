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

package lock

import (
	"sync"

	"github.com/pmemkit/pmfs/internal/obj"
)

// Transactional locking. TxLock acquires l immediately and schedules the
// release on the abort path; the matching TxUnlockOnCommit schedules the
// release on the commit path. Between them the lock is held for exactly
// the life of the transaction's mutation of the protected state: released
// at abort if the work rolls back, at commit otherwise.

// TxLock acquires l and pushes its release onto the backward abort list.
func TxLock(tx *obj.Tx, l sync.Locker) {
	l.Lock()
	tx.PushFront(obj.StageOnabort, l.Unlock)
}

// TxUnlockOnCommit schedules the release of l on the forward commit list.
// Pairs with a preceding TxLock or TxWLock of the same lock.
func TxUnlockOnCommit(tx *obj.Tx, l sync.Locker) {
	tx.PushBack(obj.StageOncommit, l.Unlock)
}

// TxWLock write-locks l and pushes the write unlock onto the backward
// abort list.
func TxWLock(tx *obj.Tx, l RW) {
	l.Lock()
	tx.PushFront(obj.StageOnabort, l.Unlock)
}

// TxWUnlockOnCommit schedules the write unlock of l on the forward commit
// list. Pairs with a preceding TxWLock.
func TxWUnlockOnCommit(tx *obj.Tx, l RW) {
	tx.PushBack(obj.StageOncommit, l.Unlock)
}
