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

package obj

import (
	"fmt"
	"syscall"

	"github.com/pmemkit/pmfs/internal/logger"
)

// Stage identifies a phase of a transaction's life.
type Stage int

const (
	StageNone Stage = iota
	StageWork
	StageOncommit
	StageOnabort
	StageFinally

	numStages
)

// A Tx is a single transaction over a pool. It is created by RunTx and is
// confined to the goroutine running the transaction body.
//
// Mutations of committed data must be preceded by Snapshot of the bytes
// they touch; on abort the snapshots are restored in reverse order.
// Allocations made through the Tx are released on abort, frees are
// applied on commit.
type Tx struct {
	pool  *Pool
	stage Stage

	undo   []undoEntry
	allocs []uint64
	frees  []uint64

	cbs [numStages]stageCallbacks
}

type undoEntry struct {
	off uint64
	img []byte
}

// Each stage keeps two callback sequences: the forward one is appended to
// and runs in FIFO order, the backward one is prepended to and runs in
// LIFO order, before the forward one. Lock releases are pushed onto the
// backward abort list so locks release in reverse acquisition order when
// the work is rolled back.
type stageCallbacks struct {
	forward  []func()
	backward []func()
}

type abortError struct {
	err error
}

func (e *abortError) Error() string {
	return fmt.Sprintf("transaction aborted: %v", e.err)
}

// RunTx runs fn inside a new transaction. If fn returns nil the
// transaction commits and touched data is made durable; if fn returns an
// error or calls Abort, all snapshotted bytes are restored, transactional
// allocations are released, and the error is returned.
func (p *Pool) RunTx(fn func(tx *Tx) error) error {
	tx := &Tx{pool: p, stage: StageWork}

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				ae, ok := r.(*abortError)
				if !ok {
					panic(r)
				}
				err = ae.err
			}
		}()
		return fn(tx)
	}()

	if err != nil {
		tx.abort()
		return err
	}
	tx.commit()
	return nil
}

// Pool returns the pool this transaction runs against.
func (tx *Tx) Pool() *Pool {
	return tx.pool
}

// Stage returns the transaction's current stage.
func (tx *Tx) Stage() Stage {
	return tx.stage
}

// Abort aborts the transaction with the given error. It does not return.
func (tx *Tx) Abort(err error) {
	panic(&abortError{err: err})
}

// Snapshot records the current contents of [off, off+n) for restoration
// on abort. Must be called before mutating the range, during Work.
func (tx *Tx) Snapshot(off, n uint64) {
	tx.assertWork("Snapshot")

	img := make([]byte, n)
	copy(img, tx.pool.data[off:off+n])
	tx.undo = append(tx.undo, undoEntry{off: off, img: img})
}

// Alloc allocates n usable bytes inside the transaction. Aborts with
// ENOMEM when the pool is out of space. The new object's bytes are
// unspecified and exempt from snapshotting until the transaction ends.
func (tx *Tx) Alloc(n uint64) uint64 {
	tx.assertWork("Alloc")

	off, err := tx.pool.alloc(n)
	if err != nil {
		logger.Errorf("obj: %v", err)
		tx.Abort(syscall.ENOMEM)
	}
	tx.allocs = append(tx.allocs, off)
	return off
}

// AllocZeroed is Alloc with the returned object cleared.
func (tx *Tx) AllocZeroed(n uint64) uint64 {
	off := tx.Alloc(n)
	tx.pool.Zero(off, tx.pool.UsableSize(off))
	return off
}

// Free schedules the object at off for release when the transaction
// commits. The object stays intact until then, so an abort keeps it.
func (tx *Tx) Free(off uint64) {
	tx.assertWork("Free")

	if off == 0 {
		return
	}
	tx.frees = append(tx.frees, off)
}

// PushBack appends f to the forward callback list of the given stage.
func (tx *Tx) PushBack(stage Stage, f func()) {
	tx.assertWork("PushBack")
	tx.cbs[stage].forward = append(tx.cbs[stage].forward, f)
}

// PushFront prepends f to the backward callback list of the given stage.
func (tx *Tx) PushFront(stage Stage, f func()) {
	tx.assertWork("PushFront")
	tx.cbs[stage].backward = append(tx.cbs[stage].backward, f)
}

func (tx *Tx) assertWork(op string) {
	if tx.stage != StageWork {
		panic(fmt.Sprintf("obj: %s called outside of transaction work stage", op))
	}
}

func (tx *Tx) commit() {
	for _, off := range tx.frees {
		tx.pool.free(off)
	}

	if err := tx.pool.persistAll(); err != nil {
		// The mapping is file-backed; a failing msync here means the
		// media is gone and no consistent state can be reported.
		panic(err)
	}

	tx.enterStage(StageOncommit)
	tx.enterStage(StageFinally)
	tx.end()
}

func (tx *Tx) abort() {
	// Restore pre-images in reverse order of snapshotting.
	for i := len(tx.undo) - 1; i >= 0; i-- {
		e := tx.undo[i]
		copy(tx.pool.data[e.off:e.off+uint64(len(e.img))], e.img)
	}

	for _, off := range tx.allocs {
		tx.pool.free(off)
	}

	tx.enterStage(StageOnabort)
	tx.enterStage(StageFinally)
	tx.end()
}

// enterStage transitions the transaction and runs the stage's callbacks:
// backward in LIFO order first, then forward in FIFO order.
func (tx *Tx) enterStage(s Stage) {
	tx.stage = s

	cb := &tx.cbs[s]
	for i := len(cb.backward) - 1; i >= 0; i-- {
		cb.backward[i]()
	}
	for _, f := range cb.forward {
		f()
	}
}

func (tx *Tx) end() {
	tx.enterStage(StageNone)
	for i := range tx.cbs {
		tx.cbs[i] = stageCallbacks{}
	}
	tx.undo = nil
	tx.allocs = nil
	tx.frees = nil
}
