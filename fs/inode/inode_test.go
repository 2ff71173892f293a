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
	"errors"
	"sync"
	"syscall"
	"testing"

	"github.com/pmemkit/pmfs/internal/obj"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errAbort = errors.New("aborted on purpose")

// dropOverlay empties the session overlay table, part of simulating a
// pool reopen in-place.
func dropOverlay(pp *Pool) {
	pp.rt.Range(func(k, _ any) bool {
		pp.rt.Delete(k)
		return true
	})
}

func TestRuntimeStateLazyConstruction(t *testing.T) {
	pp := newTestPool(t)
	ino := addFile(t, pp, "alpha")

	in := InodeAt(pp.Obj, ino)

	// AllocInode published the state for this generation.
	assert.Equal(t, pp.RunID, in.RT.RunID)
	assert.NotZero(t, in.RT.Data)

	rt := pp.GetInode(ino)
	require.NotNil(t, rt)
	assert.Same(t, rt, pp.GetInode(ino))
	assert.EqualValues(t, 1, rt.Ref.Load())
}

func TestRuntimeStateReconstructedPerGeneration(t *testing.T) {
	pp := newTestPool(t)
	ino := addFile(t, pp, "alpha")

	old := pp.GetInode(ino)

	// Simulate a pool reopen: the generation advances and the published
	// run id goes stale.
	dropOverlay(pp)
	pp.RunID += 2

	fresh := pp.GetInode(ino)
	require.NotNil(t, fresh)
	assert.NotSame(t, old, fresh)
	assert.Equal(t, pp.RunID, InodeAt(pp.Obj, ino).RT.RunID)
}

func TestConcurrentConstructorsYieldOneState(t *testing.T) {
	pp := newTestPool(t)
	ino := addFile(t, pp, "alpha")

	dropOverlay(pp)
	pp.RunID += 2

	const workers = 16
	results := make([]*InodeRT, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			results[slot] = pp.GetInode(ino)
		}(i)
	}
	wg.Wait()

	for i := 1; i < workers; i++ {
		assert.Same(t, results[0], results[i])
	}
}

func TestRefUnrefKeepsLinkedInodeAlive(t *testing.T) {
	pp := newTestPool(t)
	ino := addFile(t, pp, "alpha")

	rt := pp.RefInode(ino)
	assert.EqualValues(t, 2, rt.Ref.Load())

	pp.UnrefInodeTx(ino)
	assert.EqualValues(t, 1, rt.Ref.Load())

	// Still referenced: the state survives and stays published.
	assert.Equal(t, pp.RunID, InodeAt(pp.Obj, ino).RT.RunID)

	pp.UnrefInodeTx(ino)

	// Last reference dropped, but the file keeps its link: the inode
	// survives with its runtime state torn down and the slot republished
	// as stale.
	in := InodeAt(pp.Obj, ino)
	assert.EqualValues(t, 1, in.NLink)
	assert.Equal(t, pp.RunID-2, in.RT.RunID)
	assert.Zero(t, in.RT.Data)

	// The next access reconstructs from scratch.
	fresh := pp.GetInode(ino)
	require.NotNil(t, fresh)
	assert.NotSame(t, rt, fresh)
	assert.EqualValues(t, 0, fresh.Ref.Load())
}

func TestUnrefFreesUnlinkedInode(t *testing.T) {
	pp := newTestPool(t)
	addFile(t, pp, "alpha")

	// Unlink while a reference (an open handle, in fs terms) exists. The
	// lookup read-locks the root itself, so it runs before the unlink
	// transaction write-locks it.
	ino, err := pp.LookupDentry(pp.root(), "alpha")
	require.NoError(t, err)

	var held *InodeRT
	require.NoError(t, pp.Obj.RunTx(func(tx *obj.Tx) error {
		prt := pp.GetInode(pp.root())
		prt.TxWLock(tx)

		pp.UnlinkDentry(tx, pp.root(), "alpha", &held)
		prt.TxUnlockOnCommit(tx)
		return nil
	}))

	in := InodeAt(pp.Obj, ino)
	assert.EqualValues(t, 0, in.NLink)
	assert.Equal(t, pp.RunID, in.RT.RunID)

	// Two references remain: the one AllocInode handed out and the one
	// the lookup took. Dropping the last frees the inode within that
	// transaction.
	pp.UnrefInodeTx(ino)
	pp.UnrefInodeTx(ino)

	_, err = pp.LookupDentry(pp.root(), "alpha")
	assert.ErrorIs(t, err, syscall.ENOENT)
}

func TestInodeArrayAddAndChain(t *testing.T) {
	pp := newTestPool(t)

	var head uint64
	require.NoError(t, pp.Obj.RunTx(func(tx *obj.Tx) error {
		head = tx.AllocZeroed(InodeArraySize)
		return nil
	}))

	// More inodes than one node holds forces a chained successor.
	const count = NumInodesPerEntry + 8
	arrs := make([]uint64, count)
	idxs := make([]int, count)

	for i := 0; i < count; i++ {
		ino := addFile(t, pp, "file"+string(rune('a'+i%26))+string(rune('a'+i/26)))
		require.NoError(t, pp.Obj.RunTx(func(tx *obj.Tx) error {
			arrs[i], idxs[i] = pp.ArrayAdd(tx, head, ino)
			return nil
		}))
	}

	a := InodeArrayAt(pp.Obj, head)
	assert.EqualValues(t, NumInodesPerEntry, a.Used)
	require.NotZero(t, a.Next)

	next := InodeArrayAt(pp.Obj, a.Next)
	assert.EqualValues(t, 8, next.Used)
	assert.Equal(t, head, next.Prev)

	// Unregister everything; both nodes drain.
	for i := 0; i < count; i++ {
		require.NoError(t, pp.Obj.RunTx(func(tx *obj.Tx) error {
			pp.ArrayUnregister(tx, arrs[i], idxs[i])
			return nil
		}))
	}
	assert.Zero(t, a.Used)
	assert.Zero(t, next.Used)
}

func TestInodeArrayAbortKeepsSlotFree(t *testing.T) {
	pp := newTestPool(t)
	ino := addFile(t, pp, "alpha")

	var head uint64
	require.NoError(t, pp.Obj.RunTx(func(tx *obj.Tx) error {
		head = tx.AllocZeroed(InodeArraySize)
		return nil
	}))

	err := pp.Obj.RunTx(func(tx *obj.Tx) error {
		pp.ArrayAdd(tx, head, ino)
		tx.Abort(errAbort)
		return nil
	})
	require.ErrorIs(t, err, errAbort)

	a := InodeArrayAt(pp.Obj, head)
	assert.Zero(t, a.Used)
	for i := 0; i < NumInodesPerEntry; i++ {
		assert.Zero(t, a.Inodes[i])
	}

	// The mutex was released on abort; the slot is insertable again.
	require.NoError(t, pp.Obj.RunTx(func(tx *obj.Tx) error {
		arr, idx := pp.ArrayAdd(tx, head, ino)
		assert.Equal(t, head, arr)
		assert.Equal(t, 0, idx)
		return nil
	}))
	assert.EqualValues(t, 1, a.Used)
}
