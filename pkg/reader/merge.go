package reader

import (
	"github.com/ryansann/hpel/pkg/logrecord"
	"github.com/ryansann/hpel/pkg/repository"
)

// Records is a sequence of records, *Iterator and *Merged implement it.
type Records interface {
	Next() bool
	Record() *logrecord.Record
	Pointer() repository.Pointer
	Header() logrecord.Header
	Err() error
	Close() error
}

type head struct {
	rec *logrecord.Record
	ptr repository.Pointer
	hdr logrecord.Header
}

// Merged interleaves two record sequences by sequence number, typically the
// log and trace streams of one process.
type Merged struct {
	src    [2]Records
	heads  [2]*head
	cur    *head
	second bool
}

// Merge returns the records of first and second ordered by sequence number.
// Either may be nil.
func Merge(first, second Records) *Merged {
	return &Merged{src: [2]Records{first, second}}
}

// Next advances to the record with the lowest sequence number among both sources.
// Sources that ran dry are asked again on every call so growing streams are picked up.
func (m *Merged) Next() bool {
	for i, src := range m.src {
		if src == nil || m.heads[i] != nil {
			continue
		}
		if src.Next() {
			m.heads[i] = &head{rec: src.Record(), ptr: src.Pointer(), hdr: src.Header()}
		}
	}

	switch {
	case m.heads[0] == nil && m.heads[1] == nil:
		return false
	case m.heads[1] == nil:
		m.take(0)
	case m.heads[0] == nil:
		m.take(1)
	case m.heads[0].rec.Sequence < m.heads[1].rec.Sequence:
		m.take(0)
	default:
		m.take(1)
	}

	return true
}

func (m *Merged) take(i int) {
	m.cur = m.heads[i]
	m.heads[i] = nil
	m.second = i == 1
}

// Record returns the current record.
func (m *Merged) Record() *logrecord.Record {
	if m.cur == nil {
		return nil
	}
	return m.cur.rec
}

// Pointer returns the location of the current record.
func (m *Merged) Pointer() repository.Pointer {
	if m.cur == nil {
		return repository.Pointer{}
	}
	return m.cur.ptr
}

// Header returns the header of the file holding the current record.
func (m *Merged) Header() logrecord.Header {
	if m.cur == nil {
		return nil
	}
	return m.cur.hdr
}

// FromSecond reports whether the current record came from the second source.
func (m *Merged) FromSecond() bool {
	return m.second
}

// Done reports whether every source passed the stop time of its filter.
func (m *Merged) Done() bool {
	for i, src := range m.src {
		if m.heads[i] != nil {
			return false
		}
		if src == nil {
			continue
		}
		if d, ok := src.(interface{ Done() bool }); !ok || !d.Done() {
			return false
		}
	}
	return true
}

// Err returns the first error of either source.
func (m *Merged) Err() error {
	for _, src := range m.src {
		if src == nil {
			continue
		}
		if err := src.Err(); err != nil {
			return err
		}
	}
	return nil
}

// Close closes both sources.
func (m *Merged) Close() error {
	var err error
	for _, src := range m.src {
		if src == nil {
			continue
		}
		if cerr := src.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
