// Package export copies records read from a repository into a new repository
// or into formatted text.
package export

import (
	"bufio"
	"io"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
	"github.com/ryansann/hpel/pkg/format"
	"github.com/ryansann/hpel/pkg/logrecord"
	"github.com/ryansann/hpel/pkg/reader"
	"github.com/ryansann/hpel/pkg/repository"
	"github.com/ryansann/hpel/pkg/serializer"
	"github.com/ryansann/hpel/pkg/writer"
	"github.com/sirupsen/logrus"
)

// Option is func that modifies how records are exported.
type Option func(*options)

type options struct {
	compress bool
	manager  []repository.Option
}

// Compress zstd compresses text output.
func Compress(enabled bool) Option {
	return func(opts *options) {
		opts.compress = enabled
	}
}

// ManagerOptions configures the managers of the new repository.
func ManagerOptions(opts ...repository.Option) Option {
	return func(o *options) {
		o.manager = append(o.manager, opts...)
	}
}

// ToRepository writes the records of src into a new repository rooted at dir,
// keeping their sequence numbers and file headers. Records of the second
// source of a merged src go to the trace kind. It returns the number of records written.
func ToRepository(log *logrus.Logger, src reader.Records, dir string, s *serializer.Serializer, opts ...Option) (int, error) {
	cfg := options{}

	for _, opt := range opts {
		opt(&cfg)
	}

	merged, _ := src.(interface{ FromSecond() bool })
	writers := make(map[string]*writer.Writer, 2)
	seq := writer.NewSequence()

	closeAll := func() error {
		var err error
		for _, w := range writers {
			if cerr := w.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}
		return err
	}

	n := 0
	for src.Next() {
		kind := repository.LogKind
		if merged != nil && merged.FromSecond() {
			kind = repository.TraceKind
		}

		w, ok := writers[kind]
		if !ok {
			var err error
			if w, err = newWriter(log, filepath.Join(dir, kind), src.Header(), s, seq, cfg.manager); err != nil {
				_ = closeAll()
				return n, err
			}
			writers[kind] = w
		}

		// the writer numbers records without a sequence, keep src's record intact
		r := *src.Record()
		if err := w.Write(&r); err != nil {
			_ = closeAll()
			return n, errors.Wrapf(err, "could not export record %d", r.Sequence)
		}
		n++
	}

	if err := src.Err(); err != nil {
		_ = closeAll()
		return n, err
	}

	log.Debugf("exported %d records to %s", n, dir)

	return n, closeAll()
}

func newWriter(log *logrus.Logger, base string, h logrecord.Header, s *serializer.Serializer, seq *writer.Sequence, opts []repository.Option) (*writer.Writer, error) {
	label := h[logrecord.HeaderLabel]
	if label == "" {
		label = h[logrecord.HeaderProcessID]
	}
	if label != "" {
		opts = append([]repository.Option{repository.Label(label)}, opts...)
	}

	m, err := repository.NewManager(log, base, opts...)
	if err != nil {
		return nil, errors.Wrapf(err, "could not create repository in %s", base)
	}

	header := h.Clone()
	header[logrecord.HeaderKind] = filepath.Base(base)

	return writer.New(log, m, s, writer.Header(header), writer.WithSequence(seq)), nil
}

// TextWriter writes formatted records. File header lines are written whenever
// the records move to another process, and record times are shown in the time
// zone of that process.
type TextWriter struct {
	log  *logrus.Logger
	pool *format.Pool
	f    format.Formatter

	bw   *bufio.Writer
	zenc *zstd.Encoder

	process string
	n       int
}

// NewTextWriter returns a TextWriter writing to w with a formatter taken from pool.
func NewTextWriter(log *logrus.Logger, w io.Writer, pool *format.Pool, opts ...Option) (*TextWriter, error) {
	cfg := options{}

	for _, opt := range opts {
		opt(&cfg)
	}

	tw := &TextWriter{
		log:  log,
		pool: pool,
	}

	out := w
	if cfg.compress {
		enc, err := zstd.NewWriter(w)
		if err != nil {
			return nil, errors.Wrap(err, "could not create compressor")
		}
		tw.zenc = enc
		out = enc
	}

	tw.bw = bufio.NewWriter(out)
	tw.f = pool.Get()

	return tw, nil
}

// Write formats r, which was read from a file with header h.
func (tw *TextWriter) Write(r *logrecord.Record, h logrecord.Header) error {
	if p := processKey(h); p != tw.process {
		tw.process = p
		tw.f.SetLocation(h.Location(time.Local))
		for _, line := range tw.f.Header(h) {
			if err := tw.writeLine(line); err != nil {
				return err
			}
		}
	}

	if err := tw.writeLine(tw.f.Format(r)); err != nil {
		return err
	}
	tw.n++

	return nil
}

// processKey identifies the process that wrote a file. The log and trace
// files of one process share it.
func processKey(h logrecord.Header) string {
	return h[logrecord.HeaderProcessID] + "/" + h[logrecord.HeaderStartTime] + "/" + h[logrecord.HeaderLabel]
}

func (tw *TextWriter) writeLine(line string) error {
	if _, err := tw.bw.WriteString(line); err != nil {
		return errors.Wrap(err, "could not write output")
	}
	return errors.Wrap(tw.bw.WriteByte('\n'), "could not write output")
}

// Count returns the number of records written.
func (tw *TextWriter) Count() int {
	return tw.n
}

// Flush writes buffered output through to the underlying writer.
func (tw *TextWriter) Flush() error {
	if err := tw.bw.Flush(); err != nil {
		return errors.Wrap(err, "could not flush output")
	}
	if tw.zenc != nil {
		return errors.Wrap(tw.zenc.Flush(), "could not flush compressed output")
	}
	return nil
}

// Close flushes the output and ends the compressed stream. It doesn't close
// the underlying writer.
func (tw *TextWriter) Close() error {
	if tw.f == nil {
		return nil
	}
	defer func() {
		tw.pool.Put(tw.f)
		tw.f = nil
	}()

	if err := tw.bw.Flush(); err != nil {
		return errors.Wrap(err, "could not flush output")
	}
	if tw.zenc != nil {
		if err := tw.zenc.Close(); err != nil {
			return errors.Wrap(err, "could not finish compressed output")
		}
	}

	tw.log.Debugf("wrote %d records as %s", tw.n, tw.f.Kind())

	return nil
}

// ToText writes the records of src to w and returns the number written.
func ToText(log *logrus.Logger, src reader.Records, w io.Writer, pool *format.Pool, opts ...Option) (int, error) {
	tw, err := NewTextWriter(log, w, pool, opts...)
	if err != nil {
		return 0, err
	}

	for src.Next() {
		if err := tw.Write(src.Record(), src.Header()); err != nil {
			_ = tw.Close()
			return tw.Count(), err
		}
	}

	if err := src.Err(); err != nil {
		_ = tw.Close()
		return tw.Count(), err
	}

	return tw.Count(), tw.Close()
}
