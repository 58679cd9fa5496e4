package serializer

import "bytes"

// FindFirstEyeCatcher returns the offset of the first frame marker in buf, or -1.
// A marker only counts when the byte following it, if present, is a valid type tag.
func (s *Serializer) FindFirstEyeCatcher(buf []byte) int {
	from := 0
	for from <= len(buf)-len(s.eyeCatcher) {
		i := bytes.Index(buf[from:], s.eyeCatcher)
		if i < 0 {
			return -1
		}
		if s.validAt(buf, from+i) {
			return from + i
		}
		from += i + 1
	}
	return -1
}

// FindLastEyeCatcher returns the offset of the last frame marker in buf, or -1.
func (s *Serializer) FindLastEyeCatcher(buf []byte) int {
	end := len(buf)
	for end >= len(s.eyeCatcher) {
		i := bytes.LastIndex(buf[:end], s.eyeCatcher)
		if i < 0 {
			return -1
		}
		if s.validAt(buf, i) {
			return i
		}
		end = i + len(s.eyeCatcher) - 1
	}
	return -1
}

func (s *Serializer) validAt(buf []byte, i int) bool {
	next := i + len(s.eyeCatcher)
	if next >= len(buf) {
		return true
	}
	t := RecordType(buf[next])
	return t == TypeHeader || t == TypeRecord
}
