package model

import (
	"fmt"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// TableID identifies a DDB table by a single printable character
type TableID byte

// String returns the table id as a one character string
func (t TableID) String() string {
	return string(rune(t))
}

// ParseTableID parses a one character table id
func ParseTableID(s string) (TableID, error) {
	if len(s) != 1 {
		return 0, fmt.Errorf("table id must be a single character, got %q", s)
	}
	c := s[0]
	if c <= ' ' || c > '~' || c == '*' {
		return 0, fmt.Errorf("table id %q is not a printable character", s)
	}
	return TableID(c), nil
}

// TableSpec describes one table of the compiled layout
type TableSpec struct {
	ID       TableID
	Name     string
	Resident bool // Kept in an in-memory index; relay-only tables live on disk only
	Buckets  int  // Power of two
}

// Layout is the ordered set of tables served by this node. The position of a
// table in the layout fixes its record offset in the hash sidecar file.
type Layout []TableSpec

// DefaultLayout returns the compiled table layout
func DefaultLayout() Layout {
	return Layout{
		{ID: 'b', Name: "bots", Resident: true, Buckets: 256},
		{ID: 'c', Name: "channels", Resident: true, Buckets: 4096},
		{ID: 'f', Name: "features", Resident: true, Buckets: 256},
		{ID: 'i', Name: "ilines", Resident: true, Buckets: 256},
		{ID: 'j', Name: "jupes", Resident: true, Buckets: 256},
		{ID: 'm', Name: "logging", Resident: false, Buckets: 0},
		{ID: 'n', Name: "nicks", Resident: true, Buckets: 32768},
		{ID: 'o', Name: "operators", Resident: true, Buckets: 256},
		{ID: 'p', Name: "pseudo-ips", Resident: true, Buckets: 256},
		{ID: 'v', Name: "vhosts", Resident: true, Buckets: 4096},
		{ID: 'w', Name: "vhost-requests", Resident: false, Buckets: 0},
		{ID: 'z', Name: "privileges", Resident: true, Buckets: 256},
	}
}

// Validate checks ids are unique letters or digits and bucket counts are powers of two
func (l Layout) Validate() error {
	if len(l) == 0 {
		return fmt.Errorf("table layout is empty")
	}
	seen := make(map[TableID]bool, len(l))
	for _, spec := range l {
		if !isAlnum(byte(spec.ID)) {
			return fmt.Errorf("table id %q must be a letter or digit", spec.ID.String())
		}
		if seen[spec.ID] {
			return fmt.Errorf("table %s declared twice", spec.ID)
		}
		seen[spec.ID] = true
		if spec.Resident {
			if spec.Buckets <= 0 || spec.Buckets&(spec.Buckets-1) != 0 {
				return fmt.Errorf("table %s: bucket count %d is not a power of two", spec.ID, spec.Buckets)
			}
		}
	}
	return nil
}

// Table ids name files on disk
func isAlnum(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

// Position returns the index of a table in the layout
func (l Layout) Position(id TableID) (int, bool) {
	for i, spec := range l {
		if spec.ID == id {
			return i, true
		}
	}
	return 0, false
}

// Lookup returns the spec of a table
func (l Layout) Lookup(id TableID) (TableSpec, bool) {
	pos, ok := l.Position(id)
	if !ok {
		return TableSpec{}, false
	}
	return l[pos], true
}

// VersionTag derives a tag from the layout shape. Snapshots written under a
// different layout carry a different tag and are rejected.
func (l Layout) VersionTag() uint64 {
	d := xxhash.New()
	for _, spec := range l {
		d.WriteString(spec.ID.String())
		d.WriteString(strconv.FormatBool(spec.Resident))
		d.WriteString(strconv.Itoa(spec.Buckets))
		d.WriteString(";")
	}
	return d.Sum64()
}
