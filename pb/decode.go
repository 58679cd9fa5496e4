package pb

import (
	"encoding/binary"
	"io"

	"github.com/golang/protobuf/proto"
	"github.com/pkg/errors"
)

// Unmarshal decodes data into msg.
func Unmarshal(data []byte, msg proto.Message) error {
	if err := proto.Unmarshal(data, msg); err != nil {
		return errors.Wrapf(err, "could not unmarshal %T", msg)
	}

	return nil
}

// ReadSized reads from r a message written by AppendSized. It first gets the little endian encoded
// length of the message, then reads the message bytes and unmarshals them into msg.
// It returns the number of bytes read [4 + len(msg-bytes)] unless an error occurs.
// The limit bounds the accepted message size so a corrupt length cannot trigger a huge allocation.
func ReadSized(r io.Reader, msg proto.Message, limit int) (int, error) {
	// read the bytes storing the size of the data
	sb := make([]byte, 4) // stored as uint32 (4 bytes)
	if _, err := io.ReadFull(r, sb); err != nil {
		return 0, err // keep error as is so caller can detect io.EOF
	}

	sz := int(binary.LittleEndian.Uint32(sb))
	if sz > limit {
		return 4, errors.Errorf("message size %d exceeds limit %d", sz, limit)
	}

	data := make([]byte, sz)
	if _, err := io.ReadFull(r, data); err != nil {
		return 4, err
	}

	if err := Unmarshal(data, msg); err != nil {
		return 4 + sz, err
	}

	return 4 + sz, nil
}
