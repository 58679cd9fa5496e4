package format

import (
	"sync"
	"time"

	"go.uber.org/atomic"
)

// Pool hands out formatters of one kind so concurrent callers don't share
// buffers. At most size idle formatters are kept; Get allocates when none is idle.
type Pool struct {
	kind Kind
	loc  *time.Location
	size int

	mtx  sync.Mutex
	idle []Formatter

	created *atomic.Int64
}

// NewPool returns a pool of formatters of kind k showing times in loc.
func NewPool(size int, k Kind, loc *time.Location) (*Pool, error) {
	// validate the kind once
	if _, err := New(k, loc); err != nil {
		return nil, err
	}

	if size < 1 {
		size = 1
	}
	if loc == nil {
		loc = time.Local
	}

	return &Pool{
		kind:    k,
		loc:     loc,
		size:    size,
		idle:    make([]Formatter, 0, size),
		created: atomic.NewInt64(0),
	}, nil
}

// Get returns an idle formatter or a new one.
func (p *Pool) Get() Formatter {
	p.mtx.Lock()
	if n := len(p.idle); n > 0 {
		f := p.idle[n-1]
		p.idle[n-1] = nil
		p.idle = p.idle[:n-1]
		p.mtx.Unlock()
		return f
	}
	p.mtx.Unlock()

	f, _ := New(p.kind, p.loc)
	p.created.Inc()

	return f
}

// Put returns f to the pool, dropping it when the pool is full.
// The formatter's time zone is reset to the pool's.
func (p *Pool) Put(f Formatter) {
	if f == nil || f.Kind() != p.kind {
		return
	}
	f.SetLocation(p.loc)

	p.mtx.Lock()
	defer p.mtx.Unlock()

	if len(p.idle) < p.size {
		p.idle = append(p.idle, f)
	}
}

// Created returns the number of formatters allocated by the pool.
func (p *Pool) Created() int64 {
	return p.created.Load()
}
