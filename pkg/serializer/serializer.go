// Package serializer frames log records and file headers for the repository.
//
// Every frame has the layout
//
//	[eye-catcher][type u8][size u32][payload][size u32]
//
// with sizes in little endian form. The leading size lets a reader skip a frame
// without decoding it, the trailing size lets it step backward over one.
// A record payload starts with its timestamp, followed by a size prefixed head
// (sequence, level, thread, logger) and the body, so a reader can filter on time
// and head before paying for the body.
package serializer

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"github.com/ryansann/hpel/pb"
	"github.com/ryansann/hpel/pkg/logrecord"
)

// RecordType tags a frame.
type RecordType uint8

// Frame types.
const (
	TypeHeader RecordType = 0
	TypeRecord RecordType = 1
)

func (t RecordType) String() string {
	switch t {
	case TypeHeader:
		return "HEADER"
	case TypeRecord:
		return "RECORD"
	default:
		return "UNKNOWN"
	}
}

const (
	typeLen = 1
	sizeLen = 4
	timeLen = 8

	defaultMaxFrameSize = 16 << 20
)

// DefaultEyeCatcher marks the start of every frame unless overridden.
var DefaultEyeCatcher = []byte("HPEL")

type options struct {
	eyeCatcher   []byte
	maxFrameSize int
}

// Option overrides a serializer default.
type Option func(*options)

// EyeCatcher overrides the frame marker.
func EyeCatcher(b []byte) Option {
	return func(opts *options) {
		opts.eyeCatcher = append([]byte(nil), b...)
	}
}

// MaxFrameSize bounds the payload size a decoder accepts.
func MaxFrameSize(n int) Option {
	return func(opts *options) {
		opts.maxFrameSize = n
	}
}

// Serializer converts records and headers to frames and back.
// A Serializer is immutable and safe for concurrent use.
type Serializer struct {
	eyeCatcher   []byte
	maxFrameSize int
}

// New returns a Serializer or an error if the options are invalid.
func New(opts ...Option) (*Serializer, error) {
	cfg := &options{
		eyeCatcher:   DefaultEyeCatcher,
		maxFrameSize: defaultMaxFrameSize,
	}

	for _, opt := range opts {
		opt(cfg)
	}

	if len(cfg.eyeCatcher) == 0 {
		return nil, errors.New("eye-catcher must not be empty")
	}
	if cfg.maxFrameSize <= timeLen {
		return nil, errors.Errorf("max frame size %d is too small", cfg.maxFrameSize)
	}

	return &Serializer{
		eyeCatcher:   cfg.eyeCatcher,
		maxFrameSize: cfg.maxFrameSize,
	}, nil
}

// EyeCatcher returns a copy of the frame marker.
func (s *Serializer) EyeCatcher() []byte {
	return append([]byte(nil), s.eyeCatcher...)
}

// Overhead is the number of framing bytes around each payload.
func (s *Serializer) Overhead() int {
	return len(s.eyeCatcher) + typeLen + 2*sizeLen
}

// SerializeFileHeader returns the frame for a file header.
func (s *Serializer) SerializeFileHeader(h logrecord.Header) ([]byte, error) {
	payload, err := pb.Marshal(&pb.FileHeader{Properties: h})
	if err != nil {
		return nil, err
	}

	return s.frame(TypeHeader, payload), nil
}

// Serialize returns the frame for a record.
func (s *Serializer) Serialize(r *logrecord.Record) ([]byte, error) {
	payload := make([]byte, 0, timeLen+sizeLen+len(r.Logger)+len(r.Message)+32)
	payload = binary.LittleEndian.AppendUint64(payload, uint64(r.Time))

	payload, err := pb.AppendSized(payload, &pb.RecordHead{
		Sequence: r.Sequence,
		Level:    int32(r.Level),
		ThreadId: r.ThreadID,
		Logger:   r.Logger,
	})
	if err != nil {
		return nil, err
	}

	body, err := pb.Marshal(&pb.RecordBody{
		Message:    r.Message,
		Parameters: r.Parameters,
		Extensions: r.Extensions,
		StackTrace: r.StackTrace,
	})
	if err != nil {
		return nil, err
	}
	payload = append(payload, body...)

	if len(payload) > s.maxFrameSize {
		return nil, errors.Errorf("record of %d bytes exceeds max frame size %d", len(payload), s.maxFrameSize)
	}

	return s.frame(TypeRecord, payload), nil
}

// frame wraps payload as <eye-catcher><type><size><payload><size>.
func (s *Serializer) frame(t RecordType, payload []byte) []byte {
	buf := make([]byte, 0, s.Overhead()+len(payload))
	buf = append(buf, s.eyeCatcher...)
	buf = append(buf, byte(t))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(payload)))
	buf = append(buf, payload...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(payload)))
	return buf
}
