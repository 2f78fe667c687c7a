package contracts

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Type prefixes used in time-indexed record IDs.
var idPrefixes = map[RecordType]string{
	RecordTypeTask:      "task",
	RecordTypeCycle:     "cycle",
	RecordTypeExecution: "exec",
	RecordTypeChangelog: "changelog",
	RecordTypeFeedback:  "feedback",
}

const slugMaxLen = 50

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

// Slug derives the filename-safe slug used in record IDs: ASCII lowercase,
// runs of non-alphanumerics collapsed to single dashes, trimmed, max 50 chars.
func Slug(title string) string {
	s := strings.ToLower(title)
	s = nonAlnum.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if len(s) > slugMaxLen {
		s = strings.Trim(s[:slugMaxLen], "-")
	}
	if s == "" {
		s = "untitled"
	}
	return s
}

// NewRecordID builds a time-indexed ID "<unix>-<prefix>-<slug>" for the
// time-indexed record families. Actors and agents use opaque slug IDs instead.
func NewRecordID(t RecordType, title string, now time.Time) string {
	prefix, ok := idPrefixes[t]
	if !ok {
		prefix = string(t)
	}
	return fmt.Sprintf("%d-%s-%s", now.Unix(), prefix, Slug(title))
}

var timeIndexedID = regexp.MustCompile(`^\d+-(task|cycle|exec|changelog|feedback)-[a-z0-9][a-z0-9-]*$`)

// ValidRecordID reports whether id has the time-indexed shape for type t.
func ValidRecordID(t RecordType, id string) bool {
	prefix, ok := idPrefixes[t]
	if !ok {
		// Actors/agents: opaque, optionally scoped ("agent:scribe:cursor").
		return id != "" && !strings.ContainsAny(id, " /\\")
	}
	if !timeIndexedID.MatchString(id) {
		return false
	}
	parts := strings.SplitN(id, "-", 3)
	return len(parts) == 3 && parts[1] == prefix
}
