// Package logrecord defines the records and file headers stored in a log repository.
package logrecord

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Level is the severity of a record. Larger values are more severe.
type Level int32

// Named levels.
const (
	Finest  Level = 300
	Finer   Level = 400
	Fine    Level = 500
	Detail  Level = 625
	Config  Level = 700
	Info    Level = 800
	Audit   Level = 850
	Warning Level = 900
	Severe  Level = 1000
	Fatal   Level = 1100
)

var levelNames = map[Level]string{
	Finest:  "FINEST",
	Finer:   "FINER",
	Fine:    "FINE",
	Detail:  "DETAIL",
	Config:  "CONFIG",
	Info:    "INFO",
	Audit:   "AUDIT",
	Warning: "WARNING",
	Severe:  "SEVERE",
	Fatal:   "FATAL",
}

var levelCodes = map[Level]string{
	Finest:  "3",
	Finer:   "2",
	Fine:    "1",
	Detail:  "D",
	Config:  "C",
	Info:    "I",
	Audit:   "A",
	Warning: "W",
	Severe:  "E",
	Fatal:   "F",
}

// Levels returns the named levels from least to most severe.
func Levels() []Level {
	levels := make([]Level, 0, len(levelNames))
	for l := range levelNames {
		levels = append(levels, l)
	}
	sort.Slice(levels, func(i, j int) bool { return levels[i] < levels[j] })
	return levels
}

// String returns the level name, or its numeric value for unnamed levels.
func (l Level) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return strconv.Itoa(int(l))
}

// Short returns the one character code used by the basic text format.
func (l Level) Short() string {
	if code, ok := levelCodes[l]; ok {
		return code
	}
	return "Z"
}

// ParseLevel accepts a level name (case insensitive) or an integer value.
func ParseLevel(s string) (Level, error) {
	s = strings.TrimSpace(s)
	for l, name := range levelNames {
		if strings.EqualFold(name, s) {
			return l, nil
		}
	}

	n, err := strconv.ParseInt(s, 10, 32)
	if err != nil {
		return 0, errors.Errorf("unknown level %q", s)
	}

	return Level(n), nil
}

// Record is a single log event.
type Record struct {
	// Time is in milliseconds since the epoch.
	Time int64
	// Sequence orders records across the log and trace streams of one process.
	Sequence   int64
	Level      Level
	ThreadID   int32
	Logger     string
	Message    string
	Parameters []string
	Extensions map[string]string
	StackTrace string
}

// Timestamp returns Time as a time.Time.
func (r *Record) Timestamp() time.Time {
	return time.UnixMilli(r.Time)
}

// Millis converts t to the millisecond resolution used by records.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}
