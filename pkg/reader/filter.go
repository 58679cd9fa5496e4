package reader

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/ryansann/hpel/pkg/logrecord"
)

// Filter selects records. The zero Filter matches every record.
type Filter struct {
	// Start and Stop bound record times inclusively, zero values are unbounded.
	Start time.Time
	Stop  time.Time
	// MinLevel and MaxLevel bound record levels inclusively, 0 is unbounded.
	MinLevel logrecord.Level
	MaxLevel logrecord.Level
	// IncludeLoggers and ExcludeLoggers are logger name patterns where * matches any text.
	IncludeLoggers []string
	ExcludeLoggers []string
	// Thread restricts records to one thread id when not nil.
	Thread *int32
	// Message is a message pattern where * matches any text.
	Message string
	// ExcludeMessages drops records whose message matches any of the patterns.
	ExcludeMessages []string
	// Extensions must all be present with the given values, a value of * matches any value.
	Extensions map[string]string
}

// matcher is a compiled Filter.
type matcher struct {
	start, stop     int64
	min, max        logrecord.Level
	include         []*regexp.Regexp
	exclude         []*regexp.Regexp
	thread          *int32
	message         *regexp.Regexp
	excludeMessages []*regexp.Regexp
	extensions      map[string]*regexp.Regexp
}

func (f Filter) compile() (*matcher, error) {
	m := &matcher{
		start:  -1,
		stop:   -1,
		min:    f.MinLevel,
		max:    f.MaxLevel,
		thread: f.Thread,
	}

	if !f.Start.IsZero() {
		m.start = logrecord.Millis(f.Start)
	}
	if !f.Stop.IsZero() {
		m.stop = logrecord.Millis(f.Stop)
	}
	if m.start >= 0 && m.stop >= 0 && m.stop < m.start {
		return nil, errors.Errorf("stop time %v is before start time %v", f.Stop, f.Start)
	}
	if m.min > 0 && m.max > 0 && m.max < m.min {
		return nil, errors.Errorf("max level %v is below min level %v", f.MaxLevel, f.MinLevel)
	}

	var err error
	if m.include, err = compileAll(f.IncludeLoggers); err != nil {
		return nil, err
	}
	if m.exclude, err = compileAll(f.ExcludeLoggers); err != nil {
		return nil, err
	}
	if m.excludeMessages, err = compileAll(f.ExcludeMessages); err != nil {
		return nil, err
	}
	if f.Message != "" {
		if m.message, err = compilePattern(f.Message); err != nil {
			return nil, err
		}
	}

	if len(f.Extensions) > 0 {
		m.extensions = make(map[string]*regexp.Regexp, len(f.Extensions))
		for k, v := range f.Extensions {
			if m.extensions[k], err = compilePattern(v); err != nil {
				return nil, err
			}
		}
	}

	return m, nil
}

// before reports whether ts precedes the start time.
func (m *matcher) before(ts int64) bool {
	return m.start >= 0 && ts < m.start
}

// after reports whether ts follows the stop time.
func (m *matcher) after(ts int64) bool {
	return m.stop >= 0 && ts > m.stop
}

func (m *matcher) match(r *logrecord.Record) bool {
	if m.before(r.Time) || m.after(r.Time) {
		return false
	}
	if m.min > 0 && r.Level < m.min {
		return false
	}
	if m.max > 0 && r.Level > m.max {
		return false
	}
	if m.thread != nil && r.ThreadID != *m.thread {
		return false
	}

	if len(m.include) > 0 && !matchAny(m.include, r.Logger) {
		return false
	}
	if matchAny(m.exclude, r.Logger) {
		return false
	}

	if m.message != nil && !m.message.MatchString(r.Message) {
		return false
	}
	if matchAny(m.excludeMessages, r.Message) {
		return false
	}

	for k, re := range m.extensions {
		v, ok := r.Extensions[k]
		if !ok || !re.MatchString(v) {
			return false
		}
	}

	return true
}

func matchAny(res []*regexp.Regexp, s string) bool {
	for _, re := range res {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

func compileAll(patterns []string) ([]*regexp.Regexp, error) {
	res := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := compilePattern(p)
		if err != nil {
			return nil, err
		}
		res = append(res, re)
	}
	return res, nil
}

// compilePattern turns a pattern where * matches any text, line breaks included, into an anchored expression.
func compilePattern(p string) (*regexp.Regexp, error) {
	parts := strings.Split(p, "*")
	for i := range parts {
		parts[i] = regexp.QuoteMeta(parts[i])
	}

	re, err := regexp.Compile("(?s)^" + strings.Join(parts, ".*") + "$")
	if err != nil {
		return nil, errors.Wrapf(err, "invalid pattern %q", p)
	}
	return re, nil
}

// ParseList splits a comma separated list, dropping empty items.
func ParseList(s string) []string {
	var items []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}

// ParseExtensions parses a comma separated list of key=value pairs.
func ParseExtensions(s string) (map[string]string, error) {
	items := ParseList(s)
	if len(items) == 0 {
		return nil, nil
	}

	ext := make(map[string]string, len(items))
	for _, item := range items {
		k, v, ok := strings.Cut(item, "=")
		if !ok || k == "" {
			return nil, errors.Errorf("extension %q is not of the form key=value", item)
		}
		ext[k] = v
	}

	return ext, nil
}

// ParseThread parses a hexadecimal thread id, with or without 0x prefix.
func ParseThread(s string) (int32, error) {
	s = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "0x")

	n, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid thread id %q", s)
	}

	return int32(n), nil
}
