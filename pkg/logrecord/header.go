package logrecord

import (
	"strconv"
	"time"
)

// Well known header properties.
const (
	HeaderProcessID    = "processId"
	HeaderServerName   = "serverName"
	HeaderStartTime    = "startTime"
	HeaderTimeZone     = "timeZone"
	HeaderLabel        = "label"
	HeaderIsSubProcess = "isSubProcess"
	HeaderKind         = "kind"
)

// Header holds the properties written at the start of each repository file.
type Header map[string]string

// Clone returns a copy of h.
func (h Header) Clone() Header {
	c := make(Header, len(h))
	for k, v := range h {
		c[k] = v
	}
	return c
}

// Location returns the time zone recorded in the header, or fallback.
func (h Header) Location(fallback *time.Location) *time.Location {
	name, ok := h[HeaderTimeZone]
	if !ok || name == "" {
		return fallback
	}

	loc, err := time.LoadLocation(name)
	if err != nil {
		return fallback
	}

	return loc
}

// StartTime returns the startTime property in millis, or -1.
func (h Header) StartTime() int64 {
	v, err := strconv.ParseInt(h[HeaderStartTime], 10, 64)
	if err != nil {
		return -1
	}
	return v
}
