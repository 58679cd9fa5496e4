package repository

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.DebugLevel)
	return l
}

type recorder struct {
	mtx     sync.Mutex
	rolls   [][2]string
	deletes []string
}

func (r *recorder) OnRoll(oldPath, newPath string) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.rolls = append(r.rolls, [2]string{oldPath, newPath})
}

func (r *recorder) OnDelete(path string) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.deletes = append(r.deletes, path)
}

// testClock stands still until moved.
type testClock struct {
	mtx sync.Mutex
	ms  int64
}

func (c *testClock) now() time.Time {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return time.UnixMilli(c.ms)
}

func (c *testClock) set(ms int64) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.ms = ms
}

// fill writes n bytes to f and closes it.
func fill(t *testing.T, f *os.File, n int) {
	_, err := f.Write(make([]byte, n))
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func TestNaming(t *testing.T) {
	t.Run("file timestamps", func(t *testing.T) {
		require.Equal(t, int64(1735230000123), LogFileTimestamp("/var/log/logdata/1_0/1735230000123.wbl"))
		require.Equal(t, "42.wbl", FileName(42))

		for _, name := range []string{"", "abc.wbl", "123.log", "123.wbl.tmp", "-5.wbl", ".lock", "12a.wbl"} {
			require.Equal(t, int64(-1), LogFileTimestamp(name), name)
		}
	})

	t.Run("instances", func(t *testing.T) {
		name := InstanceName(1000, "my server/1")
		require.Equal(t, "1000_my-server-1", name)

		start, label, ok := ParseInstance(name)
		require.True(t, ok)
		require.Equal(t, int64(1000), start)
		require.Equal(t, "my-server-1", label)

		require.Equal(t, "7_0", InstanceName(7, ""))
		require.Equal(t, int64(-1), InstanceTimestamp("not-an-instance"))
	})
}

func TestRotation(t *testing.T) {
	base := t.TempDir()
	clock := (&testClock{ms: 500}).now
	rec := &recorder{}

	m, err := NewManager(testLogger(), base, MaxFileBytes(100), Label("srv"), Clock(clock), WithListener(rec))
	require.NoError(t, err)
	require.Equal(t, filepath.Join(base, "500_srv"), m.Directory())

	t.Run("first file", func(t *testing.T) {
		f, err := m.CheckForNewFile(10, 1000)
		require.NoError(t, err)
		require.NotNil(t, f)
		require.Equal(t, filepath.Join(m.Directory(), "1000.wbl"), f.Name())
		require.Equal(t, f.Name(), m.ActiveFile())
		fill(t, f, 10)
	})

	t.Run("continue below threshold", func(t *testing.T) {
		f, err := m.CheckForNewFile(100, 1001)
		require.NoError(t, err)
		require.Nil(t, f)
	})

	t.Run("strictly increasing timestamps", func(t *testing.T) {
		var names []int64
		for i := 0; i < 3; i++ {
			// the clock does not move, names must still be unique
			f, err := m.CheckForNewFile(101, 1000)
			require.NoError(t, err)
			require.NotNil(t, f)
			names = append(names, LogFileTimestamp(f.Name()))
			fill(t, f, 1)
		}
		require.Equal(t, []int64{1001, 1002, 1003}, names)
	})

	t.Run("listener", func(t *testing.T) {
		require.Len(t, rec.rolls, 4)
		require.Equal(t, "", rec.rolls[0][0])
		for i := 1; i < len(rec.rolls); i++ {
			require.Equal(t, rec.rolls[i-1][1], rec.rolls[i][0])
		}
	})

	t.Run("stopped", func(t *testing.T) {
		m.Stop()
		_, err := m.CheckForNewFile(0, 5000)
		require.Equal(t, ErrStopped, err)
		require.Equal(t, "", m.ActiveFile())
	})
}

func TestRolloverInterval(t *testing.T) {
	m, err := NewManager(testLogger(), t.TempDir(), MaxFileBytes(1<<20), RolloverInterval(time.Second))
	require.NoError(t, err)

	f, err := m.CheckForNewFile(1, 10000)
	require.NoError(t, err)
	fill(t, f, 1)

	f, err = m.CheckForNewFile(2, 10999)
	require.NoError(t, err)
	require.Nil(t, f)

	f, err = m.CheckForNewFile(2, 11000)
	require.NoError(t, err)
	require.NotNil(t, f)
	require.Equal(t, int64(11000), LogFileTimestamp(f.Name()))
	require.NoError(t, f.Close())
}

func TestPurgeOldFiles(t *testing.T) {
	const maxFile = 100

	// newManager writes files of the given sizes, the last one stays active
	newManager := func(t *testing.T, sizes ...int) (*Manager, *recorder) {
		rec := &recorder{}
		m, err := NewManager(testLogger(), t.TempDir(), MaxFileBytes(maxFile), WithListener(rec))
		require.NoError(t, err)

		for i, size := range sizes {
			f, err := m.CheckForNewFile(maxFile+1, int64(1000+i))
			require.NoError(t, err)
			require.NotNil(t, f)
			fill(t, f, size)
		}
		return m, rec
	}

	t.Run("frees at least one file worth", func(t *testing.T) {
		m, rec := newManager(t, 40, 40, 40, 40, 40)

		removed, err := m.PurgeOldFiles()
		require.NoError(t, err)
		require.True(t, removed)
		require.Len(t, rec.deletes, 3)

		var freed int64
		for range rec.deletes {
			freed += 40
		}
		require.GreaterOrEqual(t, freed, int64(maxFile))

		files, err := NewBrowser(m.Directory()).Files()
		require.NoError(t, err)
		require.Len(t, files, 2)
		require.Equal(t, m.ActiveFile(), files[1])
	})

	t.Run("keeps the newest file", func(t *testing.T) {
		m, rec := newManager(t, 10, 10, 10)

		removed, err := m.PurgeOldFiles()
		require.NoError(t, err)
		require.True(t, removed)
		require.Len(t, rec.deletes, 2)

		last, err := NewBrowser(m.Directory()).Last()
		require.NoError(t, err)
		require.Equal(t, m.ActiveFile(), last)
	})

	t.Run("single file", func(t *testing.T) {
		m, rec := newManager(t, 500)

		removed, err := m.PurgeOldFiles()
		require.NoError(t, err)
		require.False(t, removed)
		require.Empty(t, rec.deletes)
	})

	t.Run("empty repository", func(t *testing.T) {
		m, _ := newManager(t)

		removed, err := m.PurgeOldFiles()
		require.NoError(t, err)
		require.False(t, removed)
	})
}

func TestRetention(t *testing.T) {
	t.Run("size", func(t *testing.T) {
		m, err := NewManager(testLogger(), t.TempDir(), MaxFileBytes(100), MaxRepositoryBytes(250))
		require.NoError(t, err)

		for i := 0; i < 5; i++ {
			f, err := m.CheckForNewFile(101, int64(1000+i))
			require.NoError(t, err)
			fill(t, f, 100)
		}

		// room for one new file is kept below the limit
		files, err := NewBrowser(m.Directory()).Files()
		require.NoError(t, err)
		require.Equal(t, []int64{1003, 1004}, timestamps(files))
	})

	t.Run("age", func(t *testing.T) {
		c := &testClock{ms: time.Hour.Milliseconds()}
		m, err := NewManager(testLogger(), t.TempDir(), MaxFileBytes(100), RetentionAge(time.Minute), Clock(c.now))
		require.NoError(t, err)

		f, err := m.CheckForNewFile(0, 1000)
		require.NoError(t, err)
		fill(t, f, 10)
		old := f.Name()
		require.NoError(t, os.Chtimes(old, time.UnixMilli(1000), time.UnixMilli(1000)))

		f, err = m.CheckForNewFile(200, 2000)
		require.NoError(t, err)
		fill(t, f, 10)

		c.set(2 * time.Hour.Milliseconds())
		f, err = m.CheckForNewFile(200, 3000)
		require.NoError(t, err)
		require.NoError(t, f.Close())

		_, err = os.Stat(old)
		require.True(t, os.IsNotExist(err))
	})

	t.Run("previous instances", func(t *testing.T) {
		base := t.TempDir()
		c := &testClock{ms: 1}

		prev, err := NewManager(testLogger(), base, MaxFileBytes(100), Label("old"), Clock(c.now))
		require.NoError(t, err)
		f, err := prev.CheckForNewFile(0, 10)
		require.NoError(t, err)
		fill(t, f, 100)
		prev.Stop()

		c.set(2)
		m, err := NewManager(testLogger(), base, MaxFileBytes(100), MaxRepositoryBytes(150), Clock(c.now))
		require.NoError(t, err)
		f, err = m.CheckForNewFile(0, 20)
		require.NoError(t, err)
		require.NoError(t, f.Close())

		_, err = os.Stat(prev.Directory())
		require.True(t, os.IsNotExist(err))
	})
}

func TestJanitor(t *testing.T) {
	// newInstance leaves a stopped instance with one file per size
	newInstance := func(t *testing.T, base string, sizes ...int) *Manager {
		m, err := NewManager(testLogger(), base, MaxFileBytes(100), Label("done"))
		require.NoError(t, err)
		for i, size := range sizes {
			f, err := m.CheckForNewFile(101, int64(1000+i))
			require.NoError(t, err)
			fill(t, f, size)
		}
		m.Stop()
		return m
	}

	t.Run("retention", func(t *testing.T) {
		base := t.TempDir()
		m := newInstance(t, base, 100, 100, 100, 100)

		j, err := Janitor(testLogger(), base, MaxFileBytes(100), MaxRepositoryBytes(250))
		require.NoError(t, err)
		require.NoError(t, j.EnforceRetention())

		files, err := NewBrowser(m.Directory()).Files()
		require.NoError(t, err)
		require.Equal(t, []int64{1003}, timestamps(files))

		// no instance was started
		instances, err := Instances(base)
		require.NoError(t, err)
		require.Len(t, instances, 1)
	})

	t.Run("purge", func(t *testing.T) {
		base := t.TempDir()
		m := newInstance(t, base, 40, 40, 40)

		j, err := Janitor(testLogger(), base, MaxFileBytes(100))
		require.NoError(t, err)

		removed, err := j.PurgeOldFiles()
		require.NoError(t, err)
		require.True(t, removed)

		files, err := NewBrowser(m.Directory()).Files()
		require.NoError(t, err)
		require.Equal(t, []int64{1002}, timestamps(files))
	})

	t.Run("invalid limits", func(t *testing.T) {
		_, err := Janitor(testLogger(), t.TempDir(), MaxFileBytes(100), MaxRepositoryBytes(50))
		require.Error(t, err)
	})
}

func timestamps(files []string) []int64 {
	ts := make([]int64, 0, len(files))
	for _, f := range files {
		ts = append(ts, LogFileTimestamp(f))
	}
	return ts
}

func TestManagerOptions(t *testing.T) {
	_, err := NewManager(testLogger(), t.TempDir(), MaxFileBytes(0))
	require.Error(t, err)

	_, err = NewManager(testLogger(), t.TempDir(), MaxFileBytes(100), MaxRepositoryBytes(50))
	require.Error(t, err)

	_, err = NewManager(testLogger(), t.TempDir(), Parent(os.TempDir()+"/elsewhere"))
	require.Error(t, err)
}

type fakeComm struct {
	dirs    []string
	removed bool
	err     error
}

func (c *fakeComm) RequestNewFile(dir string) (string, error) {
	if c.err != nil {
		return "", c.err
	}
	c.dirs = append(c.dirs, dir)
	f, err := createIn(dir, int64(len(c.dirs)))
	if err != nil {
		return "", err
	}
	defer f.Close()
	return f.Name(), nil
}

func (c *fakeComm) RemoveFiles(dir string) (bool, error) {
	return c.removed, c.err
}

func TestSubProcess(t *testing.T) {
	base := t.TempDir()

	parent, err := NewManager(testLogger(), base, Label("parent"))
	require.NoError(t, err)

	comm := &fakeComm{removed: true}
	child, err := NewManager(testLogger(), base, Parent(parent.Directory()), Label("child"), SubProcess(comm))
	require.NoError(t, err)
	require.Equal(t, parent.Directory(), filepath.Dir(child.Directory()))

	f, err := child.CheckForNewFile(0, 1)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.Equal(t, []string{child.Directory()}, comm.dirs)

	removed, err := child.PurgeOldFiles()
	require.NoError(t, err)
	require.True(t, removed)

	t.Run("failed retention attempt", func(t *testing.T) {
		comm.err = errors.New("controller gone")

		removed, err := child.PurgeOldFiles()
		require.Error(t, err)
		require.False(t, removed)

		_, err = child.CheckForNewFile(1<<30, 2)
		require.Error(t, err)
	})

	t.Run("controller side", func(t *testing.T) {
		path, err := parent.CreateFileFor(child.Directory())
		require.NoError(t, err)
		require.Equal(t, child.Directory(), filepath.Dir(path))
		require.Greater(t, LogFileTimestamp(path), int64(1))

		_, err = parent.CreateFileFor(t.TempDir())
		require.Error(t, err)

		_, err = parent.RemoveFilesFor(filepath.Join(base, ".."))
		require.Error(t, err)

		removed, err := parent.RemoveFilesFor(child.Directory())
		require.NoError(t, err)
		require.True(t, removed)
	})
}

func TestSubProcessFilesKept(t *testing.T) {
	base := t.TempDir()
	c := &testClock{ms: 1000}

	ctrl, err := NewManager(testLogger(), base, Label("ctrl"), MaxFileBytes(100), RetentionAge(time.Second), Clock(c.now))
	require.NoError(t, err)
	subDir := filepath.Join(ctrl.Directory(), InstanceName(1000, "sub"))

	live, err := ctrl.CreateFileFor(subDir)
	require.NoError(t, err)
	f, err := os.OpenFile(live, os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	fill(t, f, 50)

	c.set(3000)
	f, err = ctrl.CheckForNewFile(0, 3000)
	require.NoError(t, err)
	fill(t, f, 60)
	c.set(4000)
	f, err = ctrl.CheckForNewFile(1<<20, 4000)
	require.NoError(t, err)
	fill(t, f, 60)

	removed, err := ctrl.RemoveFilesFor(subDir)
	require.NoError(t, err)
	require.True(t, removed)
	require.FileExists(t, live)

	files, err := NewBrowser(ctrl.Directory()).Files()
	require.NoError(t, err)
	require.Equal(t, []int64{4000}, timestamps(files))

	t.Run("retention", func(t *testing.T) {
		old := time.UnixMilli(500)
		require.NoError(t, os.Chtimes(live, old, old))
		c.set(4500)

		require.NoError(t, ctrl.EnforceRetention())
		require.FileExists(t, live)
	})

	t.Run("replaced file", func(t *testing.T) {
		c.set(5000)
		next, err := ctrl.CreateFileFor(subDir)
		require.NoError(t, err)

		removed, err := ctrl.RemoveFilesFor(subDir)
		require.NoError(t, err)
		require.True(t, removed)
		require.NoFileExists(t, live)
		require.FileExists(t, next)
		require.DirExists(t, subDir)
	})
}

func TestInstances(t *testing.T) {
	base := t.TempDir()
	c := &testClock{ms: 100}

	a, err := NewManager(testLogger(), base, Label("a"), Clock(c.now))
	require.NoError(t, err)
	c.set(200)
	b, err := NewManager(testLogger(), base, Label("b"), Clock(c.now))
	require.NoError(t, err)
	c.set(300)
	_, err = NewManager(testLogger(), base, Label("sub"), Parent(b.Directory()), Clock(c.now))
	require.NoError(t, err)

	require.NoError(t, os.Mkdir(filepath.Join(base, "stray"), 0755))

	instances, err := Instances(base)
	require.NoError(t, err)
	require.Len(t, instances, 2)
	require.Equal(t, a.Directory(), instances[0].Dir)
	require.Equal(t, "b", instances[1].Label)
	require.Len(t, instances[1].Children, 1)
	require.Equal(t, "sub", instances[1].Latest().Label)

	latest, err := LatestInstance(base)
	require.NoError(t, err)
	require.Equal(t, b.Directory(), latest.Dir)

	sub, err := FindInstance(base, 200, "sub")
	require.NoError(t, err)
	require.Equal(t, int64(300), sub.Start)

	none, err := FindInstance(base, 999, "")
	require.NoError(t, err)
	require.Nil(t, none)
}

func TestBrowser(t *testing.T) {
	dir := t.TempDir()
	for _, ts := range []int64{3000, 1000, 2000} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, FileName(ts)), nil, 0644))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), nil, 0644))

	b := NewBrowser(dir)
	path := func(ts int64) string { return filepath.Join(dir, FileName(ts)) }

	t.Run("files", func(t *testing.T) {
		files, err := b.Files()
		require.NoError(t, err)
		require.Equal(t, []int64{1000, 2000, 3000}, timestamps(files))

		first, err := b.First()
		require.NoError(t, err)
		require.Equal(t, path(1000), first)

		last, err := b.Last()
		require.NoError(t, err)
		require.Equal(t, path(3000), last)
	})

	t.Run("find by timestamp", func(t *testing.T) {
		for ts, want := range map[int64]int64{0: 1000, 1000: 1000, 1999: 1000, 2000: 2000, 9999: 3000} {
			got, err := b.FindByTimestamp(ts)
			require.NoError(t, err)
			require.Equal(t, path(want), got, ts)
		}

		got, err := NewBrowser(filepath.Join(dir, "missing")).FindByTimestamp(1)
		require.NoError(t, err)
		require.Equal(t, "", got)
	})

	t.Run("find by pointer", func(t *testing.T) {
		got, err := b.FindByPointer(Pointer{File: path(2000), Time: 1})
		require.NoError(t, err)
		require.Equal(t, path(2000), got)

		// the pointed file was purged
		got, err = b.FindByPointer(Pointer{File: path(2500), Time: 2600})
		require.NoError(t, err)
		require.Equal(t, path(2000), got)
	})

	t.Run("find next", func(t *testing.T) {
		got, err := b.FindNext("", -1)
		require.NoError(t, err)
		require.Equal(t, path(1000), got)

		got, err = b.FindNext(path(1000), -1)
		require.NoError(t, err)
		require.Equal(t, path(2000), got)

		got, err = b.FindNext(path(1000), 1500)
		require.NoError(t, err)
		require.Equal(t, "", got)

		got, err = b.FindNext(path(3000), -1)
		require.NoError(t, err)
		require.Equal(t, "", got)
	})

	t.Run("find prev", func(t *testing.T) {
		got, err := b.FindPrev("", -1)
		require.NoError(t, err)
		require.Equal(t, path(3000), got)

		got, err = b.FindPrev(path(3000), -1)
		require.NoError(t, err)
		require.Equal(t, path(2000), got)

		got, err = b.FindPrev(path(3000), 2500)
		require.NoError(t, err)
		require.Equal(t, path(2000), got)

		got, err = b.FindPrev(path(2000), 2500)
		require.NoError(t, err)
		require.Equal(t, "", got)

		got, err = b.FindPrev(path(1000), -1)
		require.NoError(t, err)
		require.Equal(t, "", got)
	})

	t.Run("count", func(t *testing.T) {
		for _, tc := range []struct {
			first, last string
			want        int
		}{
			{"", "", 3},
			{path(1000), path(3000), 3},
			{path(2000), "", 2},
			{"", path(2000), 2},
			{path(2000), path(2000), 1},
			{path(3000), path(1000), 0},
		} {
			n, err := b.Count(tc.first, tc.last)
			require.NoError(t, err)
			require.Equal(t, tc.want, n)
		}
	})
}

func TestPointerCompare(t *testing.T) {
	a := Pointer{File: "/r/1000.wbl", Offset: 10, Time: 5}
	require.Equal(t, 0, a.Compare(a))
	require.Equal(t, -1, a.Compare(Pointer{File: "/r/1000.wbl", Offset: 20, Time: 5}))
	require.Equal(t, -1, a.Compare(Pointer{File: "/r/2000.wbl", Offset: 0, Time: 5}))
	require.Equal(t, 1, a.Compare(Pointer{File: "/r/9000.wbl", Offset: 0, Time: 4}))
	require.True(t, Pointer{}.IsZero())
	require.False(t, a.IsZero())
}

func TestIsOutOfSpace(t *testing.T) {
	err := errors.Wrap(&os.PathError{Op: "write", Path: "x", Err: unix.ENOSPC}, "could not write")
	require.True(t, IsOutOfSpace(err))
	require.False(t, IsOutOfSpace(os.ErrPermission))
}
