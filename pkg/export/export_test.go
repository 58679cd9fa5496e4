package export

import (
	"bytes"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/ryansann/hpel/pkg/format"
	"github.com/ryansann/hpel/pkg/logrecord"
	"github.com/ryansann/hpel/pkg/reader"
	"github.com/ryansann/hpel/pkg/repository"
	"github.com/ryansann/hpel/pkg/serializer"
	"github.com/ryansann/hpel/pkg/writer"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.DebugLevel)
	return l
}

type fixture struct {
	s        *serializer.Serializer
	logDir   string
	traceDir string
}

// newFixture writes 10 records, every third one to trace.
func newFixture(t *testing.T) *fixture {
	s, err := serializer.New()
	require.NoError(t, err)

	base := t.TempDir()
	seq := writer.NewSequence()

	var dirs []string
	var writers []*writer.Writer
	for _, kind := range []string{repository.LogKind, repository.TraceKind} {
		m, err := repository.NewManager(testLogger(), filepath.Join(base, kind), repository.MaxFileBytes(300), repository.Label("app"))
		require.NoError(t, err)

		h := writer.RepositoryHeader(m, "srv")
		h[logrecord.HeaderTimeZone] = "UTC"
		h[logrecord.HeaderStartTime] = "1600000000000"
		writers = append(writers, writer.New(testLogger(), m, s, writer.WithSequence(seq), writer.Header(h)))
		dirs = append(dirs, m.Directory())
	}

	for i := 0; i < 10; i++ {
		w := writers[0]
		level := logrecord.Info
		if i%3 == 2 {
			w = writers[1]
			level = logrecord.Fine
		}
		require.NoError(t, w.Write(&logrecord.Record{
			Time:    int64(1600000000000 + i*1000),
			Level:   level,
			Logger:  "app",
			Message: fmt.Sprintf("message %d", i),
		}))
	}
	for _, w := range writers {
		require.NoError(t, w.Close())
	}

	return &fixture{s: s, logDir: dirs[0], traceDir: dirs[1]}
}

func (f *fixture) merged(t *testing.T) *reader.Merged {
	rd := reader.New(testLogger(), f.s)

	li, err := rd.Open(f.logDir, reader.Filter{}, nil)
	require.NoError(t, err)
	ti, err := rd.Open(f.traceDir, reader.Filter{}, nil)
	require.NoError(t, err)

	return reader.Merge(li, ti)
}

func TestToRepository(t *testing.T) {
	f := newFixture(t)
	out := t.TempDir()

	src := f.merged(t)
	n, err := ToRepository(testLogger(), src, out, f.s)
	require.NoError(t, err)
	require.NoError(t, src.Close())
	require.Equal(t, 10, n)

	logs, err := repository.Instances(filepath.Join(out, repository.LogKind))
	require.NoError(t, err)
	require.Len(t, logs, 1)
	require.Equal(t, "app", logs[0].Label)

	traces, err := repository.Instances(filepath.Join(out, repository.TraceKind))
	require.NoError(t, err)
	require.Len(t, traces, 1)

	rd := reader.New(testLogger(), f.s)
	li, err := rd.Open(logs[0].Dir, reader.Filter{}, nil)
	require.NoError(t, err)
	ti, err := rd.Open(traces[0].Dir, reader.Filter{}, nil)
	require.NoError(t, err)

	copied := reader.Merge(li, ti)
	defer copied.Close()

	i := 0
	for copied.Next() {
		r := copied.Record()
		require.Equal(t, fmt.Sprintf("message %d", i), r.Message)
		require.Equal(t, int64(i+1), r.Sequence)
		require.Equal(t, i%3 == 2, copied.FromSecond())
		require.Equal(t, "srv", copied.Header()[logrecord.HeaderServerName])
		i++
	}
	require.NoError(t, copied.Err())
	require.Equal(t, 10, i)

	t.Run("filtered", func(t *testing.T) {
		rd := reader.New(testLogger(), f.s)
		it, err := rd.Open(f.logDir, reader.Filter{Start: time.UnixMilli(1600000005000)}, nil)
		require.NoError(t, err)
		defer it.Close()

		n, err := ToRepository(testLogger(), it, t.TempDir(), f.s)
		require.NoError(t, err)
		require.Equal(t, 3, n) // 6, 7, 9
	})
}

func TestToText(t *testing.T) {
	f := newFixture(t)

	pool, err := format.NewPool(1, format.Basic, time.Local)
	require.NoError(t, err)

	var plain bytes.Buffer
	src := f.merged(t)
	n, err := ToText(testLogger(), src, &plain, pool)
	require.NoError(t, err)
	require.NoError(t, src.Close())
	require.Equal(t, 10, n)

	lines := strings.Split(strings.TrimSuffix(plain.String(), "\n"), "\n")

	// one header block, log and trace come from the same process
	var banners int
	for _, l := range lines {
		if strings.Contains(l, "Start Display Current Environment") {
			banners++
		}
	}
	require.Equal(t, 1, banners)

	records := lines[len(lines)-10:]
	require.Equal(t, "[2020-09-13 12:26:40.000 UTC] 00000000 app           I message 0", records[0])
	require.True(t, strings.HasSuffix(records[2], " 1 message 2"))
	require.True(t, strings.HasSuffix(records[9], " I message 9"))

	t.Run("compressed", func(t *testing.T) {
		var compressed bytes.Buffer
		src := f.merged(t)
		defer src.Close()

		_, err := ToText(testLogger(), src, &compressed, pool, Compress(true))
		require.NoError(t, err)

		dec, err := zstd.NewReader(&compressed)
		require.NoError(t, err)
		defer dec.Close()

		got, err := io.ReadAll(dec)
		require.NoError(t, err)
		require.Equal(t, plain.String(), string(got))
	})

	t.Run("json", func(t *testing.T) {
		pool, err := format.NewPool(1, format.JSON, time.UTC)
		require.NoError(t, err)

		var out bytes.Buffer
		src := f.merged(t)
		defer src.Close()

		n, err := ToText(testLogger(), src, &out, pool)
		require.NoError(t, err)
		require.Equal(t, 10, n)
		require.Equal(t, 10, strings.Count(out.String(), "\n"))
	})
}

func TestTextWriterFlush(t *testing.T) {
	pool, err := format.NewPool(1, format.Basic, time.UTC)
	require.NoError(t, err)

	var out bytes.Buffer
	tw, err := NewTextWriter(testLogger(), &out, pool)
	require.NoError(t, err)

	require.NoError(t, tw.Write(&logrecord.Record{Time: 0, Level: logrecord.Info, Message: "m"}, logrecord.Header{}))
	require.Zero(t, out.Len())

	require.NoError(t, tw.Flush())
	require.Contains(t, out.String(), " I m\n")
	require.Equal(t, 1, tw.Count())

	require.NoError(t, tw.Close())
	require.NoError(t, tw.Close())
}
