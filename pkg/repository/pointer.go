package repository

// Pointer locates a record so reading can resume after it.
type Pointer struct {
	// File is the path of the repository file holding the record.
	File string
	// Offset is where the record's frame starts in File.
	Offset int64
	// Time is the record's time, used when File no longer exists.
	Time int64
}

// IsZero reports whether p points nowhere.
func (p Pointer) IsZero() bool {
	return p.File == "" && p.Offset == 0 && p.Time == 0
}

// Compare orders pointers by record time, then file, then offset.
// It returns -1, 0 or 1.
func (p Pointer) Compare(o Pointer) int {
	switch {
	case p.Time < o.Time:
		return -1
	case p.Time > o.Time:
		return 1
	}

	pf, of := LogFileTimestamp(p.File), LogFileTimestamp(o.File)
	switch {
	case pf < of:
		return -1
	case pf > of:
		return 1
	case p.Offset < o.Offset:
		return -1
	case p.Offset > o.Offset:
		return 1
	}

	return 0
}
