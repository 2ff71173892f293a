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
	"errors"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestPool(t *testing.T) *Pool {
	t.Helper()

	p, err := Create(filepath.Join(t.TempDir(), "pool"), MinPoolSize, 0600)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })

	return p
}

func TestCallbackOrdering(t *testing.T) {
	p := createTestPool(t)

	var got []string
	log := func(s string) func() {
		return func() { got = append(got, s) }
	}

	err := p.RunTx(func(tx *Tx) error {
		tx.PushBack(StageOncommit, log("commit-fwd-1"))
		tx.PushBack(StageOncommit, log("commit-fwd-2"))
		tx.PushFront(StageOncommit, log("commit-back-1"))
		tx.PushFront(StageOncommit, log("commit-back-2"))
		tx.PushBack(StageOnabort, log("abort-fwd"))
		tx.PushBack(StageFinally, log("finally"))
		tx.PushBack(StageNone, log("none"))
		return nil
	})
	require.NoError(t, err)

	// Backward runs LIFO before forward runs FIFO; abort callbacks
	// never fire on the commit path.
	assert.Equal(t, []string{
		"commit-back-2", "commit-back-1",
		"commit-fwd-1", "commit-fwd-2",
		"finally", "none",
	}, got)
}

func TestCallbackOrderingOnAbort(t *testing.T) {
	p := createTestPool(t)

	var got []string
	log := func(s string) func() {
		return func() { got = append(got, s) }
	}

	boom := errors.New("boom")
	err := p.RunTx(func(tx *Tx) error {
		tx.PushBack(StageOncommit, log("commit"))
		tx.PushFront(StageOnabort, log("abort-back-1"))
		tx.PushFront(StageOnabort, log("abort-back-2"))
		tx.PushBack(StageOnabort, log("abort-fwd"))
		tx.PushBack(StageFinally, log("finally"))
		return boom
	})
	require.ErrorIs(t, err, boom)

	assert.Equal(t, []string{"abort-back-2", "abort-back-1", "abort-fwd", "finally"}, got)
}

func TestAbortRestoresSnapshots(t *testing.T) {
	p := createTestPool(t)

	off, err := p.alloc(64)
	require.NoError(t, err)
	copy(p.Bytes(off, 5), "hello")

	err = p.RunTx(func(tx *Tx) error {
		tx.Snapshot(off, 5)
		copy(p.Bytes(off, 5), "HELLO")
		tx.Snapshot(off+5, 3)
		copy(p.Bytes(off+5, 3), "xyz")
		tx.Abort(syscall.EINVAL)
		return nil
	})
	require.ErrorIs(t, err, syscall.EINVAL)

	assert.Equal(t, "hello\x00\x00\x00", string(p.Bytes(off, 8)))
}

func TestCommitKeepsMutations(t *testing.T) {
	p := createTestPool(t)

	off, err := p.alloc(64)
	require.NoError(t, err)

	err = p.RunTx(func(tx *Tx) error {
		tx.Snapshot(off, 5)
		copy(p.Bytes(off, 5), "hello")
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, "hello", string(p.Bytes(off, 5)))
}

func TestAbortReleasesAllocations(t *testing.T) {
	p := createTestPool(t)

	var allocated uint64
	err := p.RunTx(func(tx *Tx) error {
		allocated = tx.Alloc(128)
		return errors.New("abort")
	})
	require.Error(t, err)

	// The chunk went back to the free list; an allocation of the same
	// size reuses it.
	again, err := p.alloc(128)
	require.NoError(t, err)
	assert.Equal(t, allocated, again)
}

func TestFreeAppliesOnCommitOnly(t *testing.T) {
	p := createTestPool(t)

	off, err := p.alloc(128)
	require.NoError(t, err)
	copy(p.Bytes(off, 4), "data")

	err = p.RunTx(func(tx *Tx) error {
		tx.Free(off)
		return errors.New("abort")
	})
	require.Error(t, err)

	// Aborted: the object survives.
	assert.Equal(t, "data", string(p.Bytes(off, 4)))

	require.NoError(t, p.RunTx(func(tx *Tx) error {
		tx.Free(off)
		return nil
	}))

	// Committed: the chunk is reusable now.
	again, err := p.alloc(128)
	require.NoError(t, err)
	assert.Equal(t, off, again)
}

func TestAllocZeroed(t *testing.T) {
	p := createTestPool(t)

	var off uint64
	require.NoError(t, p.RunTx(func(tx *Tx) error {
		off = tx.AllocZeroed(64)
		return nil
	}))

	for _, b := range p.Bytes(off, 64) {
		require.EqualValues(t, 0, b)
	}
}

func TestAllocFailureAborts(t *testing.T) {
	p := createTestPool(t)

	mutated, err := p.alloc(64)
	require.NoError(t, err)

	err = p.RunTx(func(tx *Tx) error {
		tx.Snapshot(mutated, 4)
		copy(p.Bytes(mutated, 4), "oops")

		tx.Alloc(2 * MinPoolSize)
		return nil
	})
	require.ErrorIs(t, err, syscall.ENOMEM)

	// The abort rolled the earlier mutation back.
	assert.Equal(t, "\x00\x00\x00\x00", string(p.Bytes(mutated, 4)))
}

func TestUsableSizeRoundsUp(t *testing.T) {
	p := createTestPool(t)

	off, err := p.alloc(10)
	require.NoError(t, err)
	assert.EqualValues(t, 64, p.UsableSize(off))
}

func TestCallbacksOutsideWorkPanic(t *testing.T) {
	p := createTestPool(t)

	require.NoError(t, p.RunTx(func(tx *Tx) error {
		tx.PushBack(StageOncommit, func() {
			assert.Panics(t, func() { tx.PushBack(StageOncommit, func() {}) })
			assert.Panics(t, func() { tx.Snapshot(headerSize, 8) })
		})
		return nil
	}))
}

func TestPoolPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pool")

	p, err := Create(path, MinPoolSize, 0600)
	require.NoError(t, err)

	rootOff, err := p.Root(256)
	require.NoError(t, err)

	require.NoError(t, p.RunTx(func(tx *Tx) error {
		tx.Snapshot(rootOff, 8)
		copy(p.Bytes(rootOff, 8), "rootdata")
		return nil
	}))

	id := p.UUID()
	require.NoError(t, p.Close())

	p, err = Open(path)
	require.NoError(t, err)
	defer p.Close()

	gotRoot, err := p.Root(256)
	require.NoError(t, err)
	assert.Equal(t, rootOff, gotRoot)
	assert.EqualValues(t, 256, p.RootSize())
	assert.Equal(t, id, p.UUID())
	assert.Equal(t, "rootdata", string(p.Bytes(rootOff, 8)))
}

func TestOpenRejectsForeignFiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "not-a-pool")

	p, err := Create(path, MinPoolSize, 0600)
	require.NoError(t, err)
	copy(p.Bytes(0, 8), "garbage!")
	require.NoError(t, p.Close())

	_, err = Open(path)
	assert.Error(t, err)
}

func TestMutexSharedPerSlot(t *testing.T) {
	p := createTestPool(t)

	m1 := p.Mutex(headerSize + 128)
	m2 := p.Mutex(headerSize + 128)
	m3 := p.Mutex(headerSize + 256)

	assert.Same(t, m1, m2)
	assert.NotSame(t, m1, m3)
}
