package serializer

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pkg/errors"
	"github.com/ryansann/hpel/pb"
	"github.com/ryansann/hpel/pkg/logrecord"
)

type stage int

const (
	stageType stage = iota
	stageHeader
	stageTime
	stageHead
	stageBody
)

var stageNames = map[stage]string{
	stageType:   "type",
	stageHeader: "header",
	stageTime:   "time",
	stageHead:   "head",
	stageBody:   "record",
}

// Decoder reads frames from a stream in stages. For every frame Type must be
// called first; a header is then read with FileHeader, a record with Time,
// Head and Record in that order. A caller may stop after any stage and call
// Skip or Type to move on to the next frame.
// Decoder is not safe for concurrent use.
type Decoder struct {
	s *Serializer
	r io.Reader

	// offset is the number of bytes consumed from r
	offset int64
	// start is the offset of the current frame
	start int64
	stage stage
	size  uint32
	// remaining is the number of payload bytes of the current frame not yet read
	remaining int64
	// mid is true when the current frame was read past its type
	mid bool
}

// NewDecoder returns a Decoder reading from r.
// Callers should pass buffered readers, the decoder issues small reads.
func (s *Serializer) NewDecoder(r io.Reader) *Decoder {
	return &Decoder{s: s, r: r}
}

// Offset returns the number of bytes consumed so far.
func (d *Decoder) Offset() int64 {
	return d.offset
}

// FrameOffset returns the offset of the frame being decoded.
func (d *Decoder) FrameOffset() int64 {
	return d.start
}

// Reset points the decoder at a new stream position, offset is reported by Offset.
func (d *Decoder) Reset(r io.Reader, offset int64) {
	*d = Decoder{s: d.s, r: r, offset: offset, start: offset}
}

// Type reads the frame marker and type tag of the next frame.
// Any unread part of the previous frame is skipped first.
// It returns io.EOF when the stream ends cleanly before a new frame.
func (d *Decoder) Type() (RecordType, error) {
	if d.stage != stageType {
		if err := d.Skip(); err != nil {
			return 0, err
		}
	}

	d.start = d.offset
	d.mid = false

	marker := make([]byte, len(d.s.eyeCatcher))
	if err := d.read(marker); err != nil {
		return 0, err
	}
	d.mid = true

	if !bytes.Equal(marker, d.s.eyeCatcher) {
		return 0, d.corrupt("eye-catcher", fmt.Sprintf("%q", d.s.eyeCatcher), fmt.Sprintf("%q", marker))
	}

	var hdr [typeLen + sizeLen]byte
	if err := d.read(hdr[:]); err != nil {
		return 0, err
	}

	t := RecordType(hdr[0])
	if t != TypeHeader && t != TypeRecord {
		return 0, d.corrupt("type", fmt.Sprintf("%d or %d", TypeHeader, TypeRecord), fmt.Sprintf("%d", hdr[0]))
	}

	d.size = binary.LittleEndian.Uint32(hdr[typeLen:])
	if int64(d.size) > int64(d.s.maxFrameSize) {
		return 0, d.corrupt("size", fmt.Sprintf("at most %d", d.s.maxFrameSize), fmt.Sprintf("%d", d.size))
	}
	d.remaining = int64(d.size)

	if t == TypeHeader {
		d.stage = stageHeader
	} else {
		if d.size < timeLen {
			return 0, d.corrupt("size", fmt.Sprintf("at least %d", timeLen), fmt.Sprintf("%d", d.size))
		}
		d.stage = stageTime
	}

	return t, nil
}

// FileHeader decodes the header frame whose type was just read.
func (d *Decoder) FileHeader() (logrecord.Header, error) {
	if err := d.expect(stageHeader); err != nil {
		return nil, err
	}

	payload := make([]byte, d.remaining)
	if err := d.read(payload); err != nil {
		return nil, err
	}
	d.remaining = 0

	var h pb.FileHeader
	if err := pb.Unmarshal(payload, &h); err != nil {
		return nil, d.corrupt("header", "protobuf file header", err.Error())
	}

	if err := d.trailer(); err != nil {
		return nil, err
	}

	header := logrecord.Header{}
	for k, v := range h.GetProperties() {
		header[k] = v
	}

	return header, nil
}

// Time decodes the timestamp of the record frame whose type was just read.
func (d *Decoder) Time() (int64, error) {
	if err := d.expect(stageTime); err != nil {
		return 0, err
	}

	var b [timeLen]byte
	if err := d.read(b[:]); err != nil {
		return 0, err
	}
	d.remaining -= timeLen
	d.stage = stageHead

	return int64(binary.LittleEndian.Uint64(b[:])), nil
}

// Head decodes the sequence, level, thread and logger of the current record into r.
func (d *Decoder) Head(r *logrecord.Record) error {
	if err := d.expect(stageHead); err != nil {
		return err
	}

	if d.remaining < sizeLen {
		return d.corrupt("head size", fmt.Sprintf("at least %d bytes", sizeLen), fmt.Sprintf("%d bytes", d.remaining))
	}

	var head pb.RecordHead
	n, err := pb.ReadSized(d.counting(), &head, int(d.remaining-sizeLen))
	d.remaining -= int64(n)
	if err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return io.ErrUnexpectedEOF
		}
		return d.corrupt("head", "protobuf record head", err.Error())
	}

	r.Sequence = head.GetSequence()
	r.Level = logrecord.Level(head.GetLevel())
	r.ThreadID = head.GetThreadId()
	r.Logger = head.GetLogger()
	d.stage = stageBody

	return nil
}

// Record decodes the body of the current record into r and completes the frame.
func (d *Decoder) Record(r *logrecord.Record) error {
	if err := d.expect(stageBody); err != nil {
		return err
	}

	payload := make([]byte, d.remaining)
	if err := d.read(payload); err != nil {
		return err
	}
	d.remaining = 0

	var body pb.RecordBody
	if err := pb.Unmarshal(payload, &body); err != nil {
		return d.corrupt("record", "protobuf record body", err.Error())
	}

	if err := d.trailer(); err != nil {
		return err
	}

	r.Message = body.GetMessage()
	r.Parameters = body.GetParameters()
	r.Extensions = body.GetExtensions()
	r.StackTrace = body.GetStackTrace()

	return nil
}

// Skip discards the unread part of the current frame, validating its trailing size.
func (d *Decoder) Skip() error {
	if d.stage == stageType {
		return nil
	}

	n, err := io.CopyN(io.Discard, d.r, d.remaining)
	d.offset += n
	if err != nil {
		if err == io.EOF {
			return io.ErrUnexpectedEOF
		}
		return err
	}
	d.remaining = 0

	return d.trailer()
}

// trailer reads and checks the trailing size, and moves the decoder to the next frame.
func (d *Decoder) trailer() error {
	var b [sizeLen]byte
	if err := d.read(b[:]); err != nil {
		return err
	}

	d.stage = stageType

	if size := binary.LittleEndian.Uint32(b[:]); size != d.size {
		return d.corrupt("trailing size", fmt.Sprintf("%d", d.size), fmt.Sprintf("%d", size))
	}

	return nil
}

func (d *Decoder) expect(s stage) error {
	if d.stage != s {
		return errors.Wrapf(ErrStage, "%s requested while expecting %s", stageNames[s], stageNames[d.stage])
	}
	return nil
}

// read fills b. A clean EOF is only reported at a frame boundary.
func (d *Decoder) read(b []byte) error {
	n, err := io.ReadFull(d.r, b)
	d.offset += int64(n)
	if err != nil {
		if err == io.EOF && d.mid {
			return io.ErrUnexpectedEOF
		}
		return err
	}
	return nil
}

func (d *Decoder) corrupt(field, expected, actual string) error {
	// the frame can't be trusted any further, callers must resynchronize
	d.stage = stageType
	return &DeserializerError{
		Field:    field,
		Expected: expected,
		Actual:   actual,
		Offset:   d.start,
	}
}

func (d *Decoder) counting() io.Reader {
	return countingReader{d}
}

type countingReader struct {
	d *Decoder
}

func (c countingReader) Read(p []byte) (int, error) {
	n, err := c.d.r.Read(p)
	c.d.offset += int64(n)
	return n, err
}
