package serializer

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrCorrupt is matched by every DeserializerError.
	ErrCorrupt = errors.New("corrupt log data")
	// ErrStage is returned when the staged decode calls are made out of order.
	ErrStage = errors.New("decode stage out of order")
)

// DeserializerError reports a structural mismatch found while decoding.
// It carries the expected and actual value of the field that failed.
type DeserializerError struct {
	Field    string
	Expected string
	Actual   string
	// Offset is where the failing frame starts, relative to the decoder's input.
	Offset int64
}

func (e *DeserializerError) Error() string {
	return fmt.Sprintf("%v: %s at offset %d: expected %s, found %s", ErrCorrupt, e.Field, e.Offset, e.Expected, e.Actual)
}

// Is reports whether target is ErrCorrupt.
func (e *DeserializerError) Is(target error) bool {
	return target == ErrCorrupt
}
