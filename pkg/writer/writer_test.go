package writer

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/ryansann/hpel/pkg/logfile"
	"github.com/ryansann/hpel/pkg/logrecord"
	"github.com/ryansann/hpel/pkg/repository"
	"github.com/ryansann/hpel/pkg/serializer"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.DebugLevel)
	return l
}

func newSerializer(t *testing.T) *serializer.Serializer {
	s, err := serializer.New()
	require.NoError(t, err)
	return s
}

// readAll returns the records of every file of dir in order.
func readAll(t *testing.T, s *serializer.Serializer, dir string) ([]*logrecord.Record, []logrecord.Header) {
	files, err := repository.NewBrowser(dir).Files()
	require.NoError(t, err)

	var (
		records []*logrecord.Record
		headers []logrecord.Header
	)
	for _, f := range files {
		r, err := logfile.Open(testLogger(), f, s)
		require.NoError(t, err)
		headers = append(headers, r.Header())

		for {
			rec, _, err := r.Next()
			if err == io.EOF {
				break
			}
			require.NoError(t, err)
			records = append(records, rec)
		}
		require.NoError(t, r.Close())
	}

	return records, headers
}

func TestWriter(t *testing.T) {
	s := newSerializer(t)
	m, err := repository.NewManager(testLogger(), t.TempDir(), repository.MaxFileBytes(300), repository.Label("srv"))
	require.NoError(t, err)

	w := New(testLogger(), m, s, Header(RepositoryHeader(m, "server1")))

	for i := 0; i < 20; i++ {
		require.NoError(t, w.Write(&logrecord.Record{
			Time:    int64(1000 + i),
			Level:   logrecord.Info,
			Logger:  "app",
			Message: "a message long enough to fill files quickly",
		}))
	}
	require.NoError(t, w.Close())
	require.Equal(t, ErrClosed, w.Write(&logrecord.Record{}))

	records, headers := readAll(t, s, m.Directory())
	require.Len(t, records, 20)
	for i, r := range records {
		require.Equal(t, int64(i+1), r.Sequence)
		require.Equal(t, int64(1000+i), r.Time)
	}

	require.Greater(t, len(headers), 1)
	for _, h := range headers {
		require.Equal(t, "server1", h[logrecord.HeaderServerName])
		require.Equal(t, "srv", h[logrecord.HeaderLabel])
		require.Equal(t, "false", h[logrecord.HeaderIsSubProcess])
		require.Equal(t, filepath.Base(m.BaseDir()), h[logrecord.HeaderKind])
	}

	files, err := repository.NewBrowser(m.Directory()).Files()
	require.NoError(t, err)
	for _, f := range files[:len(files)-1] {
		fi, err := os.Stat(f)
		require.NoError(t, err)
		require.LessOrEqual(t, fi.Size(), int64(300))
	}
}

func TestTimeOrder(t *testing.T) {
	s := newSerializer(t)
	m, err := repository.NewManager(testLogger(), t.TempDir())
	require.NoError(t, err)

	w := New(testLogger(), m, s)

	late := &logrecord.Record{Time: 1000, Level: logrecord.Info, Message: "late"}
	require.NoError(t, w.Write(&logrecord.Record{Time: 2000, Level: logrecord.Info, Message: "first"}))
	require.NoError(t, w.Write(late))
	require.Equal(t, int64(2000), late.Time)
	require.NoError(t, w.Write(&logrecord.Record{Time: 2500, Level: logrecord.Info, Message: "last"}))
	require.NoError(t, w.Close())

	records, _ := readAll(t, s, m.Directory())
	require.Len(t, records, 3)
	for i, want := range []int64{2000, 2000, 2500} {
		require.Equal(t, want, records[i].Time)
	}
}

func TestSharedSequence(t *testing.T) {
	s := newSerializer(t)
	base := t.TempDir()
	seq := NewSequence()

	lm, err := repository.NewManager(testLogger(), filepath.Join(base, repository.LogKind))
	require.NoError(t, err)
	tm, err := repository.NewManager(testLogger(), filepath.Join(base, repository.TraceKind))
	require.NoError(t, err)

	lw := New(testLogger(), lm, s, WithSequence(seq))
	tw := New(testLogger(), tm, s, WithSequence(seq))

	require.NoError(t, lw.Write(&logrecord.Record{Time: 1, Level: logrecord.Info}))
	require.NoError(t, tw.Write(&logrecord.Record{Time: 2, Level: logrecord.Fine}))
	require.NoError(t, lw.Write(&logrecord.Record{Time: 3, Level: logrecord.Info}))

	// an explicit sequence is kept
	require.NoError(t, tw.Write(&logrecord.Record{Time: 4, Sequence: 99, Level: logrecord.Fine}))

	require.NoError(t, lw.Close())
	require.NoError(t, tw.Close())

	logs, _ := readAll(t, s, lm.Directory())
	traces, _ := readAll(t, s, tm.Directory())
	require.Equal(t, []int64{1, 3}, []int64{logs[0].Sequence, logs[1].Sequence})
	require.Equal(t, []int64{2, 99}, []int64{traces[0].Sequence, traces[1].Sequence})
	require.Equal(t, int64(3), seq.Current())
}

// fullManager hands out files on a device that is always full.
type fullManager struct {
	t       *testing.T
	purges  int
	removed bool
	handed  bool
}

func (m *fullManager) CheckForNewFile(total int64, timestamp int64) (*os.File, error) {
	if m.handed {
		return nil, nil
	}
	m.handed = true

	f, err := os.OpenFile("/dev/full", os.O_WRONLY, 0)
	require.NoError(m.t, err)
	return f, nil
}

func (m *fullManager) PurgeOldFiles() (bool, error) {
	m.purges++
	return m.removed, nil
}

func (m *fullManager) Stop() {}

func TestOutOfSpace(t *testing.T) {
	if _, err := os.Stat("/dev/full"); err != nil {
		t.Skip("no /dev/full on this system")
	}

	s := newSerializer(t)

	t.Run("purge and retry once", func(t *testing.T) {
		m := &fullManager{t: t, removed: true}
		w := New(testLogger(), m, s)
		defer w.Close()

		err := w.Write(&logrecord.Record{Time: 1, Message: "m"})
		require.Error(t, err)
		require.True(t, repository.IsOutOfSpace(err))
		require.Equal(t, 1, m.purges)
	})

	t.Run("nothing to purge", func(t *testing.T) {
		m := &fullManager{t: t}
		w := New(testLogger(), m, s)
		defer w.Close()

		err := w.Write(&logrecord.Record{Time: 1, Message: "m"})
		require.True(t, repository.IsOutOfSpace(err))
		require.Equal(t, 1, m.purges)
	})
}

type failingManager struct{}

func (failingManager) CheckForNewFile(int64, int64) (*os.File, error) {
	return nil, errors.New("controller gone")
}

func (failingManager) PurgeOldFiles() (bool, error) { return false, nil }

func (failingManager) Stop() {}

func TestRotationFailure(t *testing.T) {
	w := New(testLogger(), failingManager{}, newSerializer(t))

	err := w.Write(&logrecord.Record{Time: 1})
	require.Error(t, err)
	require.False(t, repository.IsOutOfSpace(err))
	require.Equal(t, "", w.ActiveFile())
	require.NoError(t, w.Close())
}
