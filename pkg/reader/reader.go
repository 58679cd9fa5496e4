// Package reader iterates over the records of a repository instance across
// its rotated files, filtering, merging and following them.
package reader

import (
	"io"

	"github.com/pkg/errors"
	"github.com/ryansann/hpel/pkg/logfile"
	"github.com/ryansann/hpel/pkg/logrecord"
	"github.com/ryansann/hpel/pkg/repository"
	"github.com/ryansann/hpel/pkg/serializer"
	"github.com/sirupsen/logrus"
)

// Option is func that modifies the reader's configuration options.
type Option func(*options)

type options struct {
	recover bool
}

// Recover skips corrupt records and files instead of failing.
func Recover(enabled bool) Option {
	return func(opts *options) {
		opts.recover = enabled
	}
}

// Reader opens iterators over repository instances.
type Reader struct {
	log *logrus.Logger
	s   *serializer.Serializer
	cfg options
}

// New returns a Reader decoding files with s.
func New(log *logrus.Logger, s *serializer.Serializer, opts ...Option) *Reader {
	cfg := options{}

	for _, opt := range opts {
		opt(&cfg)
	}

	return &Reader{
		log: log,
		s:   s,
		cfg: cfg,
	}
}

// Open returns an iterator over the records of the instance in dir matching f.
// With after set, iteration resumes behind the record it points to.
func (rd *Reader) Open(dir string, f Filter, after *repository.Pointer) (*Iterator, error) {
	m, err := f.compile()
	if err != nil {
		return nil, err
	}

	it := &Iterator{
		rd:      rd,
		browser: repository.NewBrowser(dir),
		m:       m,
		floor:   -1,
	}
	if after != nil && !after.IsZero() {
		p := *after
		it.after = &p
	}

	return it, nil
}

// End returns a pointer to the last record of the instance in dir, or nil if
// it has none. Opening the instance after it yields only newer records.
func (rd *Reader) End(dir string) (*repository.Pointer, error) {
	files, err := repository.NewBrowser(dir).Files()
	if err != nil {
		return nil, err
	}

	for i := len(files) - 1; i >= 0; i-- {
		p, err := rd.lastIn(files[i])
		if err != nil {
			return nil, err
		}
		if p != nil {
			return p, nil
		}
	}

	return nil, nil
}

// lastIn returns a pointer to the last record of the file at path, or nil if it has none.
func (rd *Reader) lastIn(path string) (*repository.Pointer, error) {
	r, err := logfile.Open(rd.log, path, rd.s, logfile.Recover(true))
	if err != nil {
		// a header still being written holds no records
		if errors.Cause(err) == io.ErrUnexpectedEOF {
			return nil, nil
		}
		return nil, err
	}
	defer r.Close()

	if err := r.SeekEnd(); err != nil {
		return nil, err
	}

	rec, off, err := r.Prev()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "could not find last record of %s", path)
	}

	return &repository.Pointer{File: path, Offset: off, Time: rec.Time}, nil
}

// Iterator walks the records of one instance in file order.
// When Next returns false with a nil Err the records written so far are
// exhausted; Next may be called again later to pick up records written since.
type Iterator struct {
	rd      *Reader
	browser *repository.Browser
	m       *matcher

	// after is the pointer to resume behind until the first file is opened
	after *repository.Pointer

	// floor drops records written before a pointer whose file is gone
	floor int64

	file *logfile.Reader
	cur  string
	rec  *logrecord.Record
	hdr  logrecord.Header
	ptr  repository.Pointer
	err  error
	done bool
}

// Next advances to the next matching record.
func (it *Iterator) Next() bool {
	if it.done || it.err != nil {
		return false
	}

	for {
		if it.file == nil {
			ok, err := it.openNext()
			if err != nil {
				it.err = err
				return false
			}
			if !ok {
				return false
			}
		}

		rec, off, err := it.file.NextMatching(func(ts int64) bool { return !it.m.before(ts) && ts >= it.floor })
		switch {
		case err == nil:
		case err == io.EOF || err == io.ErrUnexpectedEOF:
			// a file that was rotated away from can't grow anymore
			next, nerr := it.browser.FindNext(it.cur, it.m.stop)
			if nerr != nil {
				it.err = nerr
				return false
			}
			if next == "" {
				return false
			}
			if err == io.ErrUnexpectedEOF {
				it.rd.log.Warnf("skipping incomplete record at the end of %s", it.cur)
			}
			it.closeFile()
			continue
		default:
			it.err = errors.Wrapf(err, "could not read %s", it.cur)
			return false
		}

		if it.m.after(rec.Time) {
			it.done = true
			it.closeFile()
			return false
		}

		if !it.m.match(rec) {
			continue
		}

		it.rec = rec
		it.hdr = it.file.Header()
		it.ptr = repository.Pointer{File: it.cur, Offset: off, Time: rec.Time}

		return true
	}
}

// openNext opens the file following the current one, reporting false when there is none yet.
func (it *Iterator) openNext() (bool, error) {
	var (
		path string
		err  error
	)

	switch {
	case it.cur != "":
		path, err = it.browser.FindNext(it.cur, it.m.stop)
	case it.after != nil:
		path, err = it.browser.FindByPointer(*it.after)
	case it.m.start >= 0:
		path, err = it.browser.FindByTimestamp(it.m.start)
	default:
		path, err = it.browser.First()
	}
	if err != nil || path == "" {
		return false, err
	}

	r, err := logfile.Open(it.rd.log, path, it.rd.s, logfile.Recover(it.rd.cfg.recover))
	if err != nil {
		last, lerr := it.browser.Last()
		if lerr != nil {
			return false, lerr
		}

		// the newest file may not have its header yet
		if path == last && errors.Cause(err) == io.ErrUnexpectedEOF {
			return false, nil
		}

		if it.rd.cfg.recover {
			it.rd.log.Warnf("skipping unreadable file %s: %v", path, err)
			it.cur = path
			return it.openNext()
		}

		return false, err
	}

	it.file = r
	it.cur = path

	if it.after != nil {
		p := it.after
		it.after = nil
		if err := it.skipTo(p); err != nil {
			return false, err
		}
	}

	return true, nil
}

// skipTo positions the open file behind the record p points to.
func (it *Iterator) skipTo(p *repository.Pointer) error {
	if p.File != it.cur {
		// the pointed file is gone, resume by time
		it.floor = p.Time
		return nil
	}

	if err := it.file.SeekFrame(p.Offset); err != nil {
		return err
	}

	_, _, err := it.file.Next()
	if err != nil && err != io.EOF {
		return errors.Wrapf(err, "could not resume at %s:%d", p.File, p.Offset)
	}

	return nil
}

// Record returns the current record.
func (it *Iterator) Record() *logrecord.Record {
	return it.rec
}

// Pointer returns the location of the current record.
func (it *Iterator) Pointer() repository.Pointer {
	return it.ptr
}

// Header returns the header of the file holding the current record.
func (it *Iterator) Header() logrecord.Header {
	return it.hdr
}

// Done reports whether the iterator passed the stop time of its filter.
func (it *Iterator) Done() bool {
	return it.done
}

// Err returns the error that stopped the iteration.
func (it *Iterator) Err() error {
	return it.err
}

// Close releases the open file.
func (it *Iterator) Close() error {
	it.done = true
	return it.closeFile()
}

func (it *Iterator) closeFile() error {
	if it.file == nil {
		return nil
	}
	err := it.file.Close()
	it.file = nil
	return err
}
