// Package writer writes records to a repository, asking the repository manager
// before each write whether to continue the active file or start a new one.
package writer

import (
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/ryansann/hpel/pkg/logfile"
	"github.com/ryansann/hpel/pkg/logrecord"
	"github.com/ryansann/hpel/pkg/repository"
	"github.com/ryansann/hpel/pkg/serializer"
	"github.com/sirupsen/logrus"
)

// ErrClosed is returned by Write after Close.
var ErrClosed = errors.New("repository writer closed")

// Manager decides which file records go to. *repository.Manager implements it.
type Manager interface {
	CheckForNewFile(total int64, timestamp int64) (*os.File, error)
	PurgeOldFiles() (bool, error)
	Stop()
}

// Option is func that modifies the writer's configuration options.
type Option func(*options)

type options struct {
	seq    *Sequence
	header logrecord.Header
	sync   time.Duration
}

// WithSequence shares seq with other writers so their records can be merged in order.
func WithSequence(seq *Sequence) Option {
	return func(opts *options) {
		opts.seq = seq
	}
}

// Header sets the properties written at the start of every file.
func Header(h logrecord.Header) Option {
	return func(opts *options) {
		opts.header = h
	}
}

// SyncInterval makes each file flush to disk every interval.
func SyncInterval(dur time.Duration) Option {
	return func(opts *options) {
		opts.sync = dur
	}
}

// Writer writes records of one stream. Callers are serialized.
type Writer struct {
	log *logrus.Logger
	m   Manager
	s   *serializer.Serializer
	cfg options

	mtx  sync.Mutex
	file *logfile.Writer
	// pending is a new file whose header is not written yet
	pending *os.File
	closed  bool
	// lastTime is the time of the last written record
	lastTime int64
}

// New returns a Writer for the files handed out by m.
// log must not be a logger this writer is hooked into.
func New(log *logrus.Logger, m Manager, s *serializer.Serializer, opts ...Option) *Writer {
	cfg := options{
		header: logrecord.Header{
			logrecord.HeaderProcessID: strconv.Itoa(os.Getpid()),
			logrecord.HeaderStartTime: strconv.FormatInt(time.Now().UnixMilli(), 10),
			logrecord.HeaderTimeZone:  time.Local.String(),
		},
	}

	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.seq == nil {
		cfg.seq = NewSequence()
	}

	return &Writer{
		log: log,
		m:   m,
		s:   s,
		cfg: cfg,
	}
}

// RepositoryHeader returns the header properties describing the instance of m.
func RepositoryHeader(m *repository.Manager, serverName string) logrecord.Header {
	return logrecord.Header{
		logrecord.HeaderProcessID:    strconv.Itoa(os.Getpid()),
		logrecord.HeaderServerName:   serverName,
		logrecord.HeaderStartTime:    strconv.FormatInt(repository.InstanceTimestamp(m.Directory()), 10),
		logrecord.HeaderTimeZone:     time.Local.String(),
		logrecord.HeaderLabel:        m.Label(),
		logrecord.HeaderIsSubProcess: strconv.FormatBool(m.IsSubProcess()),
		logrecord.HeaderKind:         filepath.Base(m.BaseDir()),
	}
}

// Sequence returns the counter numbering this writer's records.
func (w *Writer) Sequence() *Sequence {
	return w.cfg.seq
}

// Write appends r, assigning it the next sequence number when it has none.
// Times never go backwards: a record older than the last written one gets its time.
// An out of space error makes the writer purge old files once and retry once.
func (w *Writer) Write(r *logrecord.Record) error {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	if w.closed {
		return ErrClosed
	}

	if r.Sequence == 0 {
		r.Sequence = w.cfg.seq.Next()
	}
	if r.Time < w.lastTime {
		r.Time = w.lastTime
	}

	frame, err := w.s.Serialize(r)
	if err != nil {
		return errors.Wrap(err, "could not serialize record")
	}

	err = w.write(frame, r.Time)
	if err == nil {
		w.lastTime = r.Time
		return nil
	}
	if !repository.IsOutOfSpace(err) {
		return err
	}

	w.log.Warnf("out of space writing record %d, purging old files: %v", r.Sequence, err)

	removed, perr := w.m.PurgeOldFiles()
	if perr != nil {
		w.log.Errorf("could not purge old files: %v", perr)
		return err
	}
	if !removed {
		return err
	}

	if err := w.write(frame, r.Time); err != nil {
		return err
	}
	w.lastTime = r.Time
	return nil
}

func (w *Writer) write(frame []byte, ts int64) error {
	if w.pending == nil {
		total := int64(len(frame))
		if w.file != nil {
			total += w.file.Size()
		}

		f, err := w.m.CheckForNewFile(total, ts)
		if err != nil {
			return errors.Wrap(err, "could not rotate")
		}

		if f != nil {
			w.closeFile()
			w.pending = f
		}
	}

	if w.pending != nil {
		header, err := w.s.SerializeFileHeader(w.cfg.header)
		if err != nil {
			return errors.Wrap(err, "could not serialize header")
		}

		// the pending file is kept for a retry when the header doesn't fit
		lf, err := logfile.NewWriter(w.log, w.pending, header, logfile.SyncInterval(w.cfg.sync))
		if err != nil {
			return err
		}

		w.file = lf
		w.pending = nil
	}

	if w.file == nil {
		return errors.New("no file to write to")
	}

	if _, err := w.file.Write(frame); err != nil {
		return errors.Wrapf(err, "could not write to %s", w.file.Path())
	}

	return nil
}

func (w *Writer) closeFile() {
	if w.file == nil {
		return
	}

	if err := w.file.Close(); err != nil {
		w.log.Errorf("could not close %s: %v", w.file.Path(), err)
	}
	w.file = nil
}

// ActiveFile returns the path of the file being written, or "".
func (w *Writer) ActiveFile() string {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	if w.file == nil {
		return ""
	}
	return w.file.Path()
}

// Sync flushes the active file to disk.
func (w *Writer) Sync() error {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	if w.file == nil {
		return nil
	}
	return w.file.Sync()
}

// Close closes the active file and stops the manager.
func (w *Writer) Close() error {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	var err error
	if w.file != nil {
		err = w.file.Close()
		w.file = nil
	}
	if w.pending != nil {
		_ = w.pending.Close()
		w.pending = nil
	}

	w.m.Stop()

	return err
}
