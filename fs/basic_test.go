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

package fs

import (
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/jacobsa/timeutil"
	"github.com/pmemkit/pmfs/cfg"
	"github.com/pmemkit/pmfs/fs/inode"
	"github.com/pmemkit/pmfs/internal/obj"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// testConfig keeps blocks small so multi-block and multi-array paths are
// exercised with reasonably sized pools.
func testConfig() *cfg.Config {
	c := cfg.Default()
	c.BlockSize = 4096
	c.TrackData = true
	return c
}

func testOptions(c *cfg.Config) *Options {
	clock := &timeutil.SimulatedClock{}
	clock.SetTime(time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC))
	return &Options{Config: c, Clock: clock}
}

func mkfsTest(t *testing.T, c *cfg.Config) (*FS, string) {
	t.Helper()

	if c == nil {
		c = testConfig()
	}
	path := filepath.Join(t.TempDir(), "pool")

	fsys, err := Mkfs(path, obj.MinPoolSize, 0600, testOptions(c))
	require.NoError(t, err)

	return fsys, path
}

func entryNames(fsys *FS) []string {
	var out []string
	for _, e := range fsys.ListRoot() {
		out = append(out, e.Name)
	}
	return out
}

func TestMkfsCreatesEmptyRoot(t *testing.T) {
	fsys, _ := mkfsTest(t, nil)
	defer func() { require.NoError(t, fsys.Close()) }()

	assert.Equal(t, []string{".", ".."}, entryNames(fsys))

	st := fsys.Stat()
	assert.EqualValues(t, 1, st.Inodes)
	assert.EqualValues(t, 1, st.Dirs)
	assert.EqualValues(t, 0, st.BlockArrays)
}

func TestMkfsRejectsTinyPools(t *testing.T) {
	_, err := Mkfs(filepath.Join(t.TempDir(), "pool"), 4096, 0600, testOptions(nil))
	assert.Error(t, err)
}

func TestOpenCreateClose(t *testing.T) {
	fsys, _ := mkfsTest(t, nil)
	defer func() { require.NoError(t, fsys.Close()) }()

	// Empty file name.
	_, err := fsys.Open("", unix.O_CREAT, 0777)
	assert.ErrorIs(t, err, syscall.EFAULT)

	// Path does not start with "/".
	_, err = fsys.Open("aaa", unix.O_CREAT, 0777)
	assert.ErrorIs(t, err, syscall.EINVAL)

	// File does not exist.
	_, err = fsys.Open("/aaa", unix.O_RDONLY, 0)
	assert.ErrorIs(t, err, syscall.ENOENT)

	// Successful create.
	f1, err := fsys.Open("/aaa", unix.O_CREAT|unix.O_EXCL|unix.O_RDONLY, 0777)
	require.NoError(t, err)
	fsys.CloseFile(f1)

	// Exclusive create of an existing file.
	_, err = fsys.Open("/aaa", unix.O_CREAT|unix.O_EXCL|unix.O_RDONLY, 0777)
	assert.ErrorIs(t, err, syscall.EEXIST)

	// Exclusive create of a different, new name succeeds.
	f2, err := fsys.Open("/bbb", unix.O_CREAT|unix.O_EXCL|unix.O_RDONLY, 0777)
	require.NoError(t, err)

	f1, err = fsys.Open("/aaa", unix.O_RDONLY, 0)
	require.NoError(t, err)

	fsys.CloseFile(f2)
	fsys.CloseFile(f1)

	assert.Equal(t, []string{".", "..", "aaa", "bbb"}, entryNames(fsys))
}

func TestOpenFlagValidation(t *testing.T) {
	fsys, _ := mkfsTest(t, nil)
	defer func() { require.NoError(t, fsys.Close()) }()

	unsupported := []int{
		unix.O_APPEND, unix.O_ASYNC, unix.O_DIRECTORY, unix.O_NOATIME,
		unix.O_NOFOLLOW, unix.O_NONBLOCK, unix.O_PATH, unix.O_TMPFILE,
		unix.O_TRUNC,
	}
	for _, flag := range unsupported {
		_, err := fsys.Open("/zzz", unix.O_CREAT|flag, 0644)
		assert.ErrorIs(t, err, syscall.ENOTSUP, "flag 0x%x", flag)
	}

	// Rejected flags leave no side effects behind.
	_, err := fsys.Open("/zzz", unix.O_RDONLY, 0)
	assert.ErrorIs(t, err, syscall.ENOENT)

	// Silently accepted flags.
	accepted := []int{
		unix.O_CLOEXEC, unix.O_DIRECT, unix.O_DSYNC, unix.O_NOCTTY,
		unix.O_SYNC,
	}
	for _, flag := range accepted {
		f, err := fsys.Open("/accepted", unix.O_CREAT|unix.O_RDWR|flag, 0644)
		require.NoError(t, err, "flag 0x%x", flag)
		fsys.CloseFile(f)
	}

	// Opening the root directory is not supported.
	_, err = fsys.Open("/", unix.O_RDONLY, 0)
	assert.Error(t, err)

	// Subdirectories do not exist.
	_, err = fsys.Open("/dir/file", unix.O_CREAT, 0644)
	assert.ErrorIs(t, err, syscall.EISDIR)
}

func TestOpenModeValidation(t *testing.T) {
	fsys, _ := mkfsTest(t, nil)
	defer func() { require.NoError(t, fsys.Close()) }()

	// Mode bits outside rwx.
	_, err := fsys.Open("/aaa", unix.O_CREAT, 0644|0o1000)
	assert.ErrorIs(t, err, syscall.EINVAL)

	// Non-zero mode without O_CREAT.
	_, err = fsys.Open("/aaa", unix.O_RDONLY, 0644)
	assert.ErrorIs(t, err, syscall.EINVAL)

	// Execute bits are silently stripped.
	f, err := fsys.Open("/aaa", unix.O_CREAT|unix.O_RDONLY, 0755)
	require.NoError(t, err)
	fsys.CloseFile(f)

	entries := fsys.ListRoot()
	for _, e := range entries {
		if e.Name == "aaa" {
			assert.EqualValues(t, 0644, e.Flags&0777)
		}
	}
}

func TestLinkAndUnlink(t *testing.T) {
	fsys, _ := mkfsTest(t, nil)
	defer func() { require.NoError(t, fsys.Close()) }()

	f, err := fsys.Open("/aaa", unix.O_CREAT|unix.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.Write([]byte("linked contents"))
	require.NoError(t, err)
	fsys.CloseFile(f)

	require.NoError(t, fsys.Link("/aaa", "/aaa.link"))
	assert.ErrorIs(t, fsys.Link("/aaa", "/aaa.link"), syscall.EEXIST)
	assert.ErrorIs(t, fsys.Link("/missing", "/m.link"), syscall.ENOENT)

	// Removing the original name leaves the content reachable through
	// the link.
	require.NoError(t, fsys.Unlink("/aaa"))
	assert.ErrorIs(t, fsys.Unlink("/aaa"), syscall.ENOENT)

	f, err = fsys.Open("/aaa.link", unix.O_RDONLY, 0)
	require.NoError(t, err)
	buf := make([]byte, 64)
	n, err := f.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "linked contents", string(buf[:n]))
	fsys.CloseFile(f)

	assert.ErrorIs(t, fsys.Unlink("/."), syscall.EISDIR)
	assert.ErrorIs(t, fsys.Unlink("/.."), syscall.EISDIR)
	assert.ErrorIs(t, fsys.Unlink("/missing"), syscall.ENOENT)
}

func TestPersistenceAcrossReopen(t *testing.T) {
	c := testConfig()
	fsys, path := mkfsTest(t, c)

	f, err := fsys.Open("/keep", unix.O_CREAT|unix.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.Write([]byte("durable bytes"))
	require.NoError(t, err)
	fsys.CloseFile(f)

	require.NoError(t, fsys.Link("/keep", "/keep.link"))
	require.NoError(t, fsys.Close())

	fsys, err = OpenPool(path, testOptions(c))
	require.NoError(t, err)
	defer func() { require.NoError(t, fsys.Close()) }()

	assert.Equal(t, []string{".", "..", "keep", "keep.link"}, entryNames(fsys))

	f, err = fsys.Open("/keep.link", unix.O_RDONLY, 0)
	require.NoError(t, err)
	buf := make([]byte, 64)
	n, err := f.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "durable bytes", string(buf[:n]))
	fsys.CloseFile(f)
}

func TestUnlinkWhileOpen(t *testing.T) {
	c := testConfig()
	fsys, path := mkfsTest(t, c)

	f, err := fsys.Open("/tmp", unix.O_CREAT|unix.O_RDWR, 0644)
	require.NoError(t, err)

	require.NoError(t, fsys.Unlink("/tmp"))

	// The still-open handle keeps working.
	_, err = f.Write([]byte("written after unlink"))
	require.NoError(t, err)

	_, err = f.Seek(0, 0)
	require.NoError(t, err)
	buf := make([]byte, 64)
	n, err := f.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "written after unlink", string(buf[:n]))

	// Closing the handle drops the last reference and frees the inode.
	fsys.CloseFile(f)

	_, err = fsys.Open("/tmp", unix.O_RDONLY, 0)
	assert.ErrorIs(t, err, syscall.ENOENT)

	require.NoError(t, fsys.Close())

	fsys, err = OpenPool(path, testOptions(c))
	require.NoError(t, err)
	defer func() { require.NoError(t, fsys.Close()) }()

	_, err = fsys.Open("/tmp", unix.O_RDONLY, 0)
	assert.ErrorIs(t, err, syscall.ENOENT)
}

func TestCrashRecoveryFreesOrphans(t *testing.T) {
	c := testConfig()
	path := filepath.Join(t.TempDir(), "pool")

	fsys, err := Mkfs(path, obj.MinPoolSize, 0600, testOptions(c))
	require.NoError(t, err)

	f, err := fsys.Open("/orphan", unix.O_CREAT|unix.O_RDWR, 0644)
	require.NoError(t, err)
	_, err = f.Write([]byte("orphaned data"))
	require.NoError(t, err)

	require.NoError(t, fsys.Unlink("/orphan"))

	// Simulate a crash: the handle is never closed, so the inode stays
	// on the opened-inodes array with no links left.
	require.NoError(t, fsys.pp.Obj.Close())

	fsys, err = OpenPool(path, testOptions(c))
	require.NoError(t, err)
	defer func() { require.NoError(t, fsys.Close()) }()

	// Recovery freed the orphan and drained the array.
	_, err = fsys.Open("/orphan", unix.O_RDONLY, 0)
	assert.ErrorIs(t, err, syscall.ENOENT)

	head := fsys.pp.Super().OpenedInodes
	require.NotZero(t, head)
	assert.EqualValues(t, 0, inodeArrayUsed(fsys, head))
}

func TestCrashRecoveryKeepsLinkedFiles(t *testing.T) {
	c := testConfig()
	path := filepath.Join(t.TempDir(), "pool")

	fsys, err := Mkfs(path, obj.MinPoolSize, 0600, testOptions(c))
	require.NoError(t, err)

	f, err := fsys.Open("/survivor", unix.O_CREAT|unix.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.Write([]byte("still here"))
	require.NoError(t, err)

	// Crash with the file open but still linked.
	require.NoError(t, fsys.pp.Obj.Close())

	fsys, err = OpenPool(path, testOptions(c))
	require.NoError(t, err)
	defer func() { require.NoError(t, fsys.Close()) }()

	f, err = fsys.Open("/survivor", unix.O_RDONLY, 0)
	require.NoError(t, err)
	buf := make([]byte, 64)
	n, err := f.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "still here", string(buf[:n]))
	fsys.CloseFile(f)
}

func inodeArrayUsed(fsys *FS, arr uint64) uint64 {
	var used uint64
	for arr != 0 {
		a := inode.InodeArrayAt(fsys.pp.Obj, arr)
		used += a.Used
		arr = a.Next
	}
	return used
}
