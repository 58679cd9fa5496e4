// Package format renders records as text.
package format

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/ryansann/hpel/pkg/logrecord"
	"github.com/valyala/fastjson"
)

// Kind names an output format.
type Kind string

// Supported formats.
const (
	Basic    Kind = "basic"
	Advanced Kind = "advanced"
	JSON     Kind = "json"
)

// TimeLayout is the layout of record times in text formats.
const TimeLayout = "2006-01-02 15:04:05.000 MST"

const loggerWidth = 13

// ParseKind returns the format named s.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case Basic, Advanced, JSON:
		return k, nil
	default:
		return "", errors.Errorf("unknown format %q, expected one of basic, advanced, json", s)
	}
}

// Formatter renders records. Formatters reuse internal buffers and are not
// safe for concurrent use, see Pool.
type Formatter interface {
	// Kind returns the format produced.
	Kind() Kind
	// SetLocation sets the time zone record times are shown in.
	SetLocation(loc *time.Location)
	// Header returns the lines introducing the records of a file with header h.
	Header(h logrecord.Header) []string
	// Format returns r as text without a trailing newline.
	Format(r *logrecord.Record) string
}

// New returns a formatter of kind k showing times in loc.
func New(k Kind, loc *time.Location) (Formatter, error) {
	if loc == nil {
		loc = time.Local
	}

	switch k {
	case Basic:
		return &basic{text{loc: loc}}, nil
	case Advanced:
		return &advanced{text{loc: loc}}, nil
	case JSON:
		return &jsonFormatter{loc: loc}, nil
	default:
		return nil, errors.Errorf("unknown format %q", k)
	}
}

// text holds what the basic and advanced formats share.
type text struct {
	loc *time.Location
	sb  strings.Builder
}

func (t *text) SetLocation(loc *time.Location) {
	if loc != nil {
		t.loc = loc
	}
}

func (t *text) Header(h logrecord.Header) []string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	lines := make([]string, 0, len(keys)+2)
	lines = append(lines, "************ Start Display Current Environment ************")
	for _, k := range keys {
		lines = append(lines, fmt.Sprintf("%s = %s", k, h[k]))
	}
	lines = append(lines, "************* End Display Current Environment *************")

	return lines
}

func (t *text) prefix(r *logrecord.Record) {
	t.sb.Reset()
	t.sb.WriteByte('[')
	t.sb.WriteString(time.UnixMilli(r.Time).In(t.loc).Format(TimeLayout))
	t.sb.WriteString("] ")
	t.sb.WriteString(Thread(r.ThreadID))
	t.sb.WriteByte(' ')
}

type basic struct {
	text
}

func (*basic) Kind() Kind { return Basic }

// Format renders r on one line:
// [time] thread logger level message
func (b *basic) Format(r *logrecord.Record) string {
	b.prefix(r)

	name := ShortLogger(r.Logger)
	b.sb.WriteString(name)
	for i := len(name); i < loggerWidth; i++ {
		b.sb.WriteByte(' ')
	}
	b.sb.WriteByte(' ')
	b.sb.WriteString(r.Level.Short())
	b.sb.WriteByte(' ')
	b.sb.WriteString(Message(r))

	if r.StackTrace != "" {
		b.sb.WriteByte('\n')
		b.sb.WriteString(r.StackTrace)
	}

	return b.sb.String()
}

type advanced struct {
	text
}

func (*advanced) Kind() Kind { return Advanced }

// Format renders r with one indented line per message, extension and stack trace.
func (a *advanced) Format(r *logrecord.Record) string {
	a.prefix(r)

	a.sb.WriteString(r.Level.String())
	a.sb.WriteString(" seq=")
	a.sb.WriteString(strconv.FormatInt(r.Sequence, 10))
	a.sb.WriteString(" source=")
	a.sb.WriteString(r.Logger)

	for _, line := range strings.Split(Message(r), "\n") {
		a.sb.WriteString("\n    ")
		a.sb.WriteString(line)
	}

	for _, k := range sortedKeys(r.Extensions) {
		a.sb.WriteString("\n  ")
		a.sb.WriteString(k)
		a.sb.WriteByte('=')
		a.sb.WriteString(r.Extensions[k])
	}

	if r.StackTrace != "" {
		for _, line := range strings.Split(r.StackTrace, "\n") {
			a.sb.WriteString("\n    ")
			a.sb.WriteString(line)
		}
	}

	return a.sb.String()
}

// jsonFormatter renders one JSON object per record.
type jsonFormatter struct {
	loc   *time.Location
	arena fastjson.Arena
	buf   []byte
}

func (*jsonFormatter) Kind() Kind { return JSON }

func (j *jsonFormatter) SetLocation(loc *time.Location) {
	if loc != nil {
		j.loc = loc
	}
}

func (*jsonFormatter) Header(logrecord.Header) []string { return nil }

// Format renders r as a JSON object. Extensions become ext_ prefixed fields.
func (j *jsonFormatter) Format(r *logrecord.Record) string {
	a := &j.arena
	a.Reset()

	o := a.NewObject()
	o.Set("datetime", a.NewString(time.UnixMilli(r.Time).In(j.loc).Format(time.RFC3339Nano)))
	o.Set("timestamp", a.NewNumberString(strconv.FormatInt(r.Time, 10)))
	o.Set("sequence", a.NewNumberString(strconv.FormatInt(r.Sequence, 10)))
	o.Set("level", a.NewString(r.Level.String()))
	o.Set("levelValue", a.NewNumberInt(int(r.Level)))
	o.Set("threadId", a.NewString(Thread(r.ThreadID)))
	o.Set("logger", a.NewString(r.Logger))
	o.Set("message", a.NewString(Message(r)))

	if r.StackTrace != "" {
		o.Set("stackTrace", a.NewString(r.StackTrace))
	}
	for _, k := range sortedKeys(r.Extensions) {
		o.Set("ext_"+k, a.NewString(r.Extensions[k]))
	}

	j.buf = o.MarshalTo(j.buf[:0])

	return string(j.buf)
}

// Thread returns the eight digit hexadecimal form of a thread id.
func Thread(id int32) string {
	return fmt.Sprintf("%08x", uint32(id))
}

// ShortLogger returns the last element of a dotted logger name.
func ShortLogger(name string) string {
	if i := strings.LastIndexByte(name, '.'); i >= 0 && i < len(name)-1 {
		return name[i+1:]
	}
	return name
}

// Message returns the message of r with {n} placeholders replaced by its parameters.
// Placeholders without a matching parameter are kept.
func Message(r *logrecord.Record) string {
	if len(r.Parameters) == 0 || !strings.Contains(r.Message, "{") {
		return r.Message
	}

	var sb strings.Builder
	msg := r.Message

	for {
		open := strings.IndexByte(msg, '{')
		if open < 0 {
			break
		}
		end := strings.IndexByte(msg[open:], '}')
		if end < 0 {
			break
		}
		end += open

		n, err := strconv.Atoi(msg[open+1 : end])
		sb.WriteString(msg[:open])
		if err != nil || n < 0 || n >= len(r.Parameters) {
			sb.WriteString(msg[open : end+1])
		} else {
			sb.WriteString(r.Parameters[n])
		}
		msg = msg[end+1:]
	}
	sb.WriteString(msg)

	return sb.String()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
