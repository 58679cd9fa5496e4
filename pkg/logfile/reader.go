package logfile

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/ryansann/hpel/pkg/logrecord"
	"github.com/ryansann/hpel/pkg/serializer"
	"github.com/sirupsen/logrus"
)

const (
	defaultBufferSize = 32 << 10
	// scanWindow is the number of bytes examined at once while resynchronizing
	scanWindow = 64 << 10
)

// ReaderOption is func that modifies the reader's configuration options.
type ReaderOption func(*readerOptions)

type readerOptions struct {
	recover    bool
	bufferSize int
}

// Recover makes the reader skip to the next eye-catcher when it meets a corrupt frame
// instead of returning the error.
func Recover(enabled bool) ReaderOption {
	return func(opts *readerOptions) {
		opts.recover = enabled
	}
}

// BufferSize overrides the read buffer size.
func BufferSize(n int) ReaderOption {
	return func(opts *readerOptions) {
		opts.bufferSize = n
	}
}

// Reader reads the records of one file in order, forward or backward.
// Reader is not safe for concurrent use.
type Reader struct {
	log *logrus.Logger
	s   *serializer.Serializer

	file *os.File
	br   *bufio.Reader
	dec  *serializer.Decoder

	header logrecord.Header
	// headerEnd is the offset of the first record
	headerEnd int64
	recover   bool
	bytesRead int64
}

// Open opens the file at path and decodes its header.
func Open(log *logrus.Logger, path string, s *serializer.Serializer, opts ...ReaderOption) (*Reader, error) {
	cfg := &readerOptions{
		bufferSize: defaultBufferSize,
	}

	for _, opt := range opts {
		opt(cfg)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "could not open file")
	}

	br := bufio.NewReaderSize(f, cfg.bufferSize)
	r := &Reader{
		log:     log,
		s:       s,
		file:    f,
		br:      br,
		dec:     s.NewDecoder(br),
		recover: cfg.recover,
	}

	if err := r.readHeader(); err != nil {
		_ = f.Close()
		return nil, errors.Wrapf(err, "could not read header of %s", path)
	}

	return r, nil
}

// readHeader decodes the frame at offset 0, which must be a header.
func (r *Reader) readHeader() error {
	t, err := r.dec.Type()
	if err != nil {
		if err == io.EOF {
			return io.ErrUnexpectedEOF
		}
		return err
	}

	if t != serializer.TypeHeader {
		return &serializer.DeserializerError{Field: "type", Expected: serializer.TypeHeader.String(), Actual: t.String()}
	}

	h, err := r.dec.FileHeader()
	if err != nil {
		return err
	}

	r.header = h
	r.headerEnd = r.dec.Offset()
	r.bytesRead = r.headerEnd

	return nil
}

// Header returns the file header.
func (r *Reader) Header() logrecord.Header {
	return r.header
}

// Path returns the name of the file.
func (r *Reader) Path() string {
	return r.file.Name()
}

// Offset returns the position of the next frame to read.
func (r *Reader) Offset() int64 {
	return r.dec.Offset()
}

// Start returns the offset of the first record.
func (r *Reader) Start() int64 {
	return r.headerEnd
}

// BytesRead returns the total number of bytes consumed, skipped frames included.
func (r *Reader) BytesRead() int64 {
	return r.bytesRead
}

// Next returns the next record and the offset of its frame.
// It returns io.EOF at the end of the file. When the last frame is incomplete,
// as it is while a writer is appending it, io.ErrUnexpectedEOF is returned and
// the reader stays positioned at that frame so Next can be retried later.
func (r *Reader) Next() (*logrecord.Record, int64, error) {
	return r.next(nil)
}

// NextAfter returns the next record with a time at or after minTime.
// Earlier records are skipped after decoding only their time.
func (r *Reader) NextAfter(minTime int64) (*logrecord.Record, int64, error) {
	return r.next(func(ts int64) bool { return ts >= minTime })
}

// NextMatching returns the next record whose time satisfies keep.
func (r *Reader) NextMatching(keep func(ts int64) bool) (*logrecord.Record, int64, error) {
	return r.next(keep)
}

func (r *Reader) next(keep func(ts int64) bool) (*logrecord.Record, int64, error) {
	for {
		start := r.dec.Offset()

		rec, err := r.decode(keep)
		r.bytesRead += r.dec.Offset() - start
		if err == nil && rec == nil {
			// filtered out
			continue
		}
		if err == nil {
			return rec, start, nil
		}

		switch {
		case err == io.EOF:
			return nil, 0, io.EOF
		case err == io.ErrUnexpectedEOF:
			if serr := r.SeekFrame(start); serr != nil {
				return nil, 0, serr
			}
			return nil, 0, io.ErrUnexpectedEOF
		case errors.Is(err, serializer.ErrCorrupt) && r.recover:
			r.log.Warnf("corrupt frame in %s: %v, resynchronizing", r.file.Name(), err)
			if err := r.resync(start + 1); err != nil {
				return nil, 0, err
			}
		default:
			return nil, 0, err
		}
	}
}

// decode reads one frame. It returns a nil record without error when keep rejected it.
func (r *Reader) decode(keep func(ts int64) bool) (*logrecord.Record, error) {
	t, err := r.dec.Type()
	if err != nil {
		return nil, err
	}

	if t == serializer.TypeHeader {
		return nil, &serializer.DeserializerError{
			Field:    "type",
			Expected: serializer.TypeRecord.String(),
			Actual:   serializer.TypeHeader.String(),
			Offset:   r.dec.FrameOffset(),
		}
	}

	ts, err := r.dec.Time()
	if err != nil {
		return nil, err
	}

	if keep != nil && !keep(ts) {
		return nil, r.dec.Skip()
	}

	rec := &logrecord.Record{Time: ts}
	if err := r.dec.Head(rec); err != nil {
		return nil, err
	}
	if err := r.dec.Record(rec); err != nil {
		return nil, err
	}

	return rec, nil
}

// resync positions the reader at the first eye-catcher at or after from, or at the end of the file.
func (r *Reader) resync(from int64) error {
	size, err := r.size()
	if err != nil {
		return err
	}

	buf := make([]byte, scanWindow)
	overlap := int64(len(r.s.EyeCatcher()))

	for pos := from; pos < size; {
		n, err := r.file.ReadAt(buf, pos)
		if err != nil && err != io.EOF {
			return errors.Wrap(err, "could not read while resynchronizing")
		}

		if i := r.s.FindFirstEyeCatcher(buf[:n]); i >= 0 {
			r.log.Debugf("resynchronized %s at offset %d", r.file.Name(), pos+int64(i))
			return r.SeekFrame(pos + int64(i))
		}

		if pos+int64(n) >= size {
			break
		}
		// keep a marker split across windows findable
		pos += int64(n) - overlap + 1
	}

	return r.SeekFrame(size)
}

// SeekFrame positions the reader at offset, which must be the start of a frame.
func (r *Reader) SeekFrame(offset int64) error {
	if offset < r.headerEnd {
		offset = r.headerEnd
	}

	if _, err := r.file.Seek(offset, io.SeekStart); err != nil {
		return errors.Wrapf(err, "could not seek to %d", offset)
	}

	r.br.Reset(r.file)
	r.dec.Reset(r.br, offset)

	return nil
}

// SeekEnd positions the reader at the end of the file.
func (r *Reader) SeekEnd() error {
	size, err := r.size()
	if err != nil {
		return err
	}

	return r.SeekFrame(size)
}

// Prev returns the record preceding the current position and leaves the reader
// positioned at that record's frame. It returns io.EOF at the first record.
func (r *Reader) Prev() (*logrecord.Record, int64, error) {
	end := r.dec.Offset()

	for end > r.headerEnd {
		start, err := r.frameBefore(end)
		if err != nil {
			if errors.Is(err, serializer.ErrCorrupt) && r.recover {
				start, err = r.scanBack(end)
			}
			if err != nil {
				return nil, 0, err
			}
		}

		if err := r.SeekFrame(start); err != nil {
			return nil, 0, err
		}

		rec, err := r.decode(nil)
		if err == nil {
			return rec, start, r.SeekFrame(start)
		}
		if !(errors.Is(err, serializer.ErrCorrupt) || err == io.ErrUnexpectedEOF) || !r.recover {
			return nil, 0, err
		}

		r.log.Warnf("corrupt frame in %s at offset %d: %v, stepping back", r.file.Name(), start, err)
		end = start
	}

	if err := r.SeekFrame(r.headerEnd); err != nil {
		return nil, 0, err
	}

	return nil, 0, io.EOF
}

// frameBefore uses the trailing size ending at end to locate the start of the preceding frame.
func (r *Reader) frameBefore(end int64) (int64, error) {
	var b [4]byte
	if _, err := r.file.ReadAt(b[:], end-4); err != nil {
		return 0, errors.Wrap(err, "could not read trailing size")
	}

	size := int64(binary.LittleEndian.Uint32(b[:]))
	start := end - size - int64(r.s.Overhead())
	if start < r.headerEnd {
		return 0, &serializer.DeserializerError{
			Field:    "trailing size",
			Expected: fmt.Sprintf("at most %d", end-r.headerEnd-int64(r.s.Overhead())),
			Actual:   fmt.Sprintf("%d", size),
			Offset:   end - 4,
		}
	}

	marker := make([]byte, len(r.s.EyeCatcher()))
	if _, err := r.file.ReadAt(marker, start); err != nil {
		return 0, errors.Wrap(err, "could not read eye-catcher")
	}
	if string(marker) != string(r.s.EyeCatcher()) {
		return 0, &serializer.DeserializerError{
			Field:    "eye-catcher",
			Expected: fmt.Sprintf("%q", r.s.EyeCatcher()),
			Actual:   fmt.Sprintf("%q", marker),
			Offset:   start,
		}
	}

	return start, nil
}

// scanBack finds the last eye-catcher starting before end.
func (r *Reader) scanBack(end int64) (int64, error) {
	for end > r.headerEnd {
		from := end - scanWindow
		if from < r.headerEnd {
			from = r.headerEnd
		}

		buf := make([]byte, end-from)
		n, err := r.file.ReadAt(buf, from)
		if err != nil && err != io.EOF {
			return 0, errors.Wrap(err, "could not read while scanning back")
		}

		if i := r.s.FindLastEyeCatcher(buf[:n]); i >= 0 {
			return from + int64(i), nil
		}

		if from == r.headerEnd {
			break
		}
		end = from + int64(len(r.s.EyeCatcher())) - 1
	}

	return 0, io.EOF
}

func (r *Reader) size() (int64, error) {
	fi, err := r.file.Stat()
	if err != nil {
		return 0, errors.Wrapf(err, "could not get info on file: %s", r.file.Name())
	}
	return fi.Size(), nil
}

// Close closes the file.
func (r *Reader) Close() error {
	return r.file.Close()
}

// LastRecordTime returns the time of the last record in the file at path, or -1 if it has none.
// A damaged tail is skipped by scanning back for the last intact frame.
func LastRecordTime(log *logrus.Logger, path string, s *serializer.Serializer) (int64, error) {
	r, err := Open(log, path, s, Recover(true))
	if err != nil {
		return -1, err
	}
	defer r.Close()

	if err := r.SeekEnd(); err != nil {
		return -1, err
	}

	rec, _, err := r.Prev()
	if err == io.EOF {
		return -1, nil
	}
	if err != nil {
		return -1, err
	}

	return rec.Time, nil
}
