package pb

import (
	"encoding/binary"

	"github.com/golang/protobuf/proto"
	"github.com/pkg/errors"
)

// Marshal encodes msg into its protobuf representation.
func Marshal(msg proto.Message) ([]byte, error) {
	data, err := proto.Marshal(msg)
	if err != nil {
		return nil, errors.Wrapf(err, "could not marshal %T", msg)
	}

	return data, nil
}

// AppendSized appends msg to dst prepended with the length of the marshaled message.
// It appends <size><msg-bytes> where size is a uint32 encoded in little endian form.
func AppendSized(dst []byte, msg proto.Message) ([]byte, error) {
	data, err := Marshal(msg)
	if err != nil {
		return nil, err
	}

	// write the size of the data, then the data
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(data)))
	dst = append(dst, data...)

	return dst, nil
}
