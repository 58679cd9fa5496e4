package writer

import (
	"fmt"
	"strconv"

	"github.com/ryansann/hpel/pkg/logrecord"
	"github.com/sirupsen/logrus"
)

// Fields with a meaning of their own, every other field becomes an extension.
const (
	LoggerField = "logger"
	ThreadField = "thread"
)

var levels = map[logrus.Level]logrecord.Level{
	logrus.PanicLevel: logrecord.Fatal,
	logrus.FatalLevel: logrecord.Fatal,
	logrus.ErrorLevel: logrecord.Severe,
	logrus.WarnLevel:  logrecord.Warning,
	logrus.InfoLevel:  logrecord.Info,
	logrus.DebugLevel: logrecord.Fine,
	logrus.TraceLevel: logrecord.Finest,
}

// Hook sends logrus entries to a repository: INFO and more severe entries to the
// log writer, DEBUG and TRACE entries to the trace writer.
type Hook struct {
	log   *Writer
	trace *Writer
}

// NewHook returns a Hook writing to log and, when not nil, trace.
// The writers must not log to the logger the hook is added to.
func NewHook(log, trace *Writer) *Hook {
	return &Hook{log: log, trace: trace}
}

// Levels implements logrus.Hook.
func (h *Hook) Levels() []logrus.Level {
	if h.trace == nil {
		return []logrus.Level{logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel, logrus.WarnLevel, logrus.InfoLevel}
	}
	return logrus.AllLevels
}

// Fire implements logrus.Hook.
func (h *Hook) Fire(e *logrus.Entry) error {
	w := h.log
	if e.Level > logrus.InfoLevel {
		w = h.trace
	}
	if w == nil {
		return nil
	}

	return w.Write(EntryRecord(e))
}

// EntryRecord converts a logrus entry to a record.
func EntryRecord(e *logrus.Entry) *logrecord.Record {
	r := &logrecord.Record{
		Time:    logrecord.Millis(e.Time),
		Level:   RecordLevel(e.Level),
		Message: e.Message,
	}

	for k, v := range e.Data {
		switch k {
		case LoggerField:
			r.Logger = fmt.Sprint(v)
		case ThreadField:
			r.ThreadID = threadID(v)
		case logrus.ErrorKey:
			if err, ok := v.(error); ok {
				// %+v prints the stack of errors created by github.com/pkg/errors
				r.StackTrace = fmt.Sprintf("%+v", err)
				setExtension(r, k, err.Error())
				continue
			}
			setExtension(r, k, fmt.Sprint(v))
		default:
			setExtension(r, k, fmt.Sprint(v))
		}
	}

	return r
}

// RecordLevel returns the record level a logrus level maps to.
func RecordLevel(l logrus.Level) logrecord.Level {
	if lvl, ok := levels[l]; ok {
		return lvl
	}
	return logrecord.Info
}

func setExtension(r *logrecord.Record, k, v string) {
	if r.Extensions == nil {
		r.Extensions = make(map[string]string)
	}
	r.Extensions[k] = v
}

func threadID(v interface{}) int32 {
	switch t := v.(type) {
	case int:
		return int32(t)
	case int32:
		return t
	case int64:
		return int32(t)
	case uint32:
		return int32(t)
	case string:
		n, err := strconv.ParseInt(t, 0, 64)
		if err != nil {
			return 0
		}
		return int32(n)
	default:
		return 0
	}
}
