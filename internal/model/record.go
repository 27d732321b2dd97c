package model

import (
	"fmt"
	"strconv"
	"strings"
)

// CheckpointKey marks a log entry as a checkpoint rather than ordinary data
const CheckpointKey = "*"

// Record is the current value of a key in a resident table
type Record struct {
	Key    string // Case-folded
	Value  string
	Serial uint64
	Origin string
}

// LogEntry is one line of a table log
type LogEntry struct {
	Serial    uint64
	Origin    string
	Key       string // As received; folded only when indexed
	Value     string
	Tombstone bool // No value: the key is deleted
}

// IsCheckpoint reports whether the entry is a checkpoint marker
func (e *LogEntry) IsCheckpoint() bool {
	return e.Key == CheckpointKey
}

// Line renders the entry as stored on disk, without the line terminator
func (e *LogEntry) Line() string {
	if e.Tombstone {
		return fmt.Sprintf("%d %s %s", e.Serial, e.Origin, e.Key)
	}
	return fmt.Sprintf("%d %s %s %s", e.Serial, e.Origin, e.Key, e.Value)
}

// ParseLogLine parses a stored log line. A missing or empty value is a tombstone.
func ParseLogLine(line string) (*LogEntry, error) {
	line = strings.TrimRight(line, "\r\n")
	parts := strings.SplitN(line, " ", 4)
	if len(parts) < 3 {
		return nil, fmt.Errorf("malformed log line %q", line)
	}

	serial, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("malformed serial in log line %q: %w", line, err)
	}
	if parts[1] == "" || parts[2] == "" {
		return nil, fmt.Errorf("malformed log line %q", line)
	}

	entry := &LogEntry{
		Serial:    serial,
		Origin:    parts[1],
		Key:       parts[2],
		Tombstone: true,
	}
	if len(parts) == 4 && parts[3] != "" {
		entry.Value = parts[3]
		entry.Tombstone = false
	}
	return entry, nil
}

// FoldKey lowercases ASCII letters. Other bytes are left untouched.
func FoldKey(key string) string {
	for i := 0; i < len(key); i++ {
		c := key[i]
		if c >= 'A' && c <= 'Z' {
			b := []byte(key)
			for j := i; j < len(b); j++ {
				if b[j] >= 'A' && b[j] <= 'Z' {
					b[j] += 'a' - 'A'
				}
			}
			return string(b)
		}
	}
	return key
}
