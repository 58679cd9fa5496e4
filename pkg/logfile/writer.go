// Package logfile implements sequential byte oriented I/O over a single repository file.
// A file starts with a header frame followed by record frames, see package serializer.
package logfile

import (
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
)

// ErrClosed is returned when writing to a closed Writer.
var ErrClosed = errors.New("log file writer closed")

// WriterOption is func that modifies the writer's configuration options.
type WriterOption func(*writerOptions)

type writerOptions struct {
	sync time.Duration
}

// SyncInterval makes the writer flush the file to disk every interval, 0 disables the sync loop.
func SyncInterval(dur time.Duration) WriterOption {
	return func(opts *writerOptions) {
		opts.sync = dur
	}
}

// Writer appends frames to one file. Once closed the file is never written again.
type Writer struct {
	log *logrus.Logger

	// mtx guards file and closed
	mtx    sync.Mutex
	file   *os.File
	closed bool

	// size is the number of bytes in the file
	size *atomic.Int64
	// written is the number of bytes appended by this writer, header included
	written *atomic.Int64

	stop chan struct{}
	done chan struct{}
}

// NewWriter takes ownership of f, which must be empty, and writes header as its first bytes.
func NewWriter(log *logrus.Logger, f *os.File, header []byte, opts ...WriterOption) (*Writer, error) {
	cfg := &writerOptions{}

	for _, opt := range opts {
		opt(cfg)
	}

	fi, err := f.Stat()
	if err != nil {
		return nil, errors.Wrapf(err, "could not get info on file: %s", f.Name())
	}
	if fi.Size() != 0 {
		return nil, errors.Errorf("file %s is not empty, rotated files are immutable", f.Name())
	}

	n, err := f.Write(header)
	if err != nil {
		if n > 0 {
			// leave the file empty so a writer can be created on it again
			if terr := f.Truncate(0); terr != nil {
				log.Errorf("could not truncate partial header in %s: %v", f.Name(), terr)
			}
		}
		return nil, errors.Wrapf(err, "could not write header to file: %s", f.Name())
	}

	w := &Writer{
		log:     log,
		file:    f,
		size:    atomic.NewInt64(int64(n)),
		written: atomic.NewInt64(int64(n)),
	}

	if cfg.sync > 0 {
		w.stop = make(chan struct{})
		w.done = make(chan struct{})
		go w.syncloop(cfg.sync)
	}

	return w, nil
}

// Create creates the file at path, failing if it exists, and returns a Writer for it.
func Create(log *logrus.Logger, path string, header []byte, opts ...WriterOption) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "could not create file")
	}

	w, err := NewWriter(log, f, header, opts...)
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	return w, nil
}

// Path returns the name of the underlying file.
func (w *Writer) Path() string {
	return w.file.Name()
}

// Size returns the number of bytes in the file.
func (w *Writer) Size() int64 {
	return w.size.Load()
}

// Written returns the number of bytes appended by this writer.
func (w *Writer) Written() int64 {
	return w.written.Load()
}

// Write appends frame to the file and returns the offset it starts at.
// The bytes of a partial write are truncated away so the file keeps ending on
// a frame boundary and the write can be retried.
func (w *Writer) Write(frame []byte) (int64, error) {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	if w.closed {
		return 0, ErrClosed
	}

	start := w.size.Load()

	n, err := w.file.Write(frame)
	if err != nil {
		if n > 0 {
			if terr := w.file.Truncate(start); terr != nil {
				w.log.Errorf("could not truncate partial write in %s: %v", w.file.Name(), terr)
				w.size.Add(int64(n))
				w.written.Add(int64(n))
			}
		}
		return start, err
	}

	w.size.Add(int64(n))
	w.written.Add(int64(n))

	return start, nil
}

// Sync flushes the file to disk.
func (w *Writer) Sync() error {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	if w.closed {
		return ErrClosed
	}

	return w.file.Sync()
}

// Close stops the sync loop, flushes and closes the file. It blocks until this completes.
func (w *Writer) Close() error {
	w.mtx.Lock()
	if w.closed {
		w.mtx.Unlock()
		return nil
	}
	w.closed = true
	w.mtx.Unlock()

	if w.stop != nil {
		// signal sync loop to stop and wait for it to exit
		close(w.stop)
		<-w.done
	}

	if err := w.file.Sync(); err != nil {
		w.log.Errorf("could not sync file %s on close: %v", w.file.Name(), err)
	}

	return w.file.Close()
}

// syncloop flushes data to disk every interval until the writer is closed.
func (w *Writer) syncloop(interval time.Duration) {
	defer close(w.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.mtx.Lock()
			err := w.file.Sync()
			w.mtx.Unlock()
			if err != nil {
				w.log.Errorf("could not sync file %s: %v", w.file.Name(), err)
			}
		case <-w.stop:
			return
		}
	}
}
