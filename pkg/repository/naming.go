package repository

import (
	"path/filepath"
	"regexp"
	"strconv"
)

// Repository kinds, each a directory under the repository root.
const (
	LogKind   = "logdata"
	TraceKind = "tracedata"
)

// FileExtension is the suffix of repository files.
const FileExtension = ".wbl"

var (
	fileNameRE     = regexp.MustCompile(`^(\d+)\.wbl$`)
	instanceNameRE = regexp.MustCompile(`^(\d+)_([A-Za-z0-9._-]+)$`)
	labelCharsRE   = regexp.MustCompile(`[^A-Za-z0-9._-]`)
)

// FileName returns the name of the file started at ts.
func FileName(ts int64) string {
	return strconv.FormatInt(ts, 10) + FileExtension
}

// LogFileTimestamp returns the timestamp encoded in a repository file name,
// or -1 if the base name of file doesn't follow the naming convention.
func LogFileTimestamp(file string) int64 {
	m := fileNameRE.FindStringSubmatch(filepath.Base(file))
	if m == nil {
		return -1
	}

	ts, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return -1
	}

	return ts
}

// InstanceName returns the directory name of an instance started at start.
func InstanceName(start int64, label string) string {
	return strconv.FormatInt(start, 10) + "_" + SanitizeLabel(label)
}

// SanitizeLabel replaces the characters not allowed in instance labels.
func SanitizeLabel(label string) string {
	if label == "" {
		return "0"
	}
	return labelCharsRE.ReplaceAllString(label, "-")
}

// ParseInstance splits an instance directory name into its start time and label.
func ParseInstance(name string) (int64, string, bool) {
	m := instanceNameRE.FindStringSubmatch(filepath.Base(name))
	if m == nil {
		return -1, "", false
	}

	ts, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return -1, "", false
	}

	return ts, m[2], true
}

// InstanceTimestamp returns the start time of an instance directory, or -1.
func InstanceTimestamp(name string) int64 {
	ts, _, _ := ParseInstance(name)
	return ts
}
