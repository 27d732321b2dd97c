package wire

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/devrev/ddbd/internal/errors"
	"github.com/devrev/ddbd/internal/model"
	"github.com/devrev/ddbd/internal/util"
)

const allTables = "*"

// Encode renders a message as a line without terminator
func Encode(msg Message) string {
	switch m := msg.(type) {
	case Hello:
		return "S " + m.Name
	case Record:
		e := m.Entry
		if e.Tombstone {
			return fmt.Sprintf("%d %s %s %s", e.Serial, e.Origin, m.Table, e.Key)
		}
		return fmt.Sprintf("%d %s %s %s %s", e.Serial, e.Origin, m.Table, e.Key, e.Value)
	case Join:
		return fmt.Sprintf("J %d %s", m.Since, m.Table)
	case BurstDone:
		return fmt.Sprintf("B %d %s", m.Serial, m.Table)
	case Drop:
		if m.Erase {
			return "E " + m.Table.String()
		}
		return "D " + m.Table.String()
	case HashQuery:
		return "Q " + tableField(m.Table, m.All)
	case HashReply:
		return "R " + tableField(m.Table, m.All) + " " + m.Hash.Encode()
	default:
		panic(fmt.Sprintf("wire: cannot encode %T", msg))
	}
}

func tableField(t model.TableID, all bool) string {
	if all {
		return allTables
	}
	return t.String()
}

// Decode parses one line. Errors are MalformedLine DDBErrors.
func Decode(line string) (Message, error) {
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return nil, errors.MalformedLine(line, nil)
	}

	verb, rest, _ := strings.Cut(line, " ")
	switch verb {
	case "S":
		if rest == "" || strings.ContainsAny(rest, " \t") {
			return nil, errors.MalformedLine(line, nil)
		}
		return Hello{Name: rest}, nil

	case "J", "B":
		fields := strings.Fields(rest)
		if len(fields) != 2 {
			return nil, errors.MalformedLine(line, nil)
		}
		serial, err := strconv.ParseUint(fields[0], 10, 64)
		if err != nil {
			return nil, errors.MalformedLine(line, err)
		}
		table, err := model.ParseTableID(fields[1])
		if err != nil {
			return nil, errors.MalformedLine(line, err)
		}
		if verb == "J" {
			return Join{Table: table, Since: serial}, nil
		}
		return BurstDone{Table: table, Serial: serial}, nil

	case "D", "E":
		table, err := model.ParseTableID(rest)
		if err != nil {
			return nil, errors.MalformedLine(line, err)
		}
		return Drop{Table: table, Erase: verb == "E"}, nil

	case "Q":
		if rest == allTables {
			return HashQuery{All: true}, nil
		}
		table, err := model.ParseTableID(rest)
		if err != nil {
			return nil, errors.MalformedLine(line, err)
		}
		return HashQuery{Table: table}, nil

	case "R":
		fields := strings.Fields(rest)
		if len(fields) != 2 {
			return nil, errors.MalformedLine(line, nil)
		}
		hash, err := util.DecodeHash(fields[1])
		if err != nil {
			return nil, errors.MalformedLine(line, err)
		}
		if fields[0] == allTables {
			return HashReply{All: true, Hash: hash}, nil
		}
		table, err := model.ParseTableID(fields[0])
		if err != nil {
			return nil, errors.MalformedLine(line, err)
		}
		return HashReply{Table: table, Hash: hash}, nil
	}

	return decodeRecord(line)
}

func decodeRecord(line string) (Message, error) {
	parts := strings.SplitN(line, " ", 5)
	if len(parts) < 4 {
		return nil, errors.MalformedLine(line, nil)
	}

	serial, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return nil, errors.MalformedLine(line, err)
	}
	table, err := model.ParseTableID(parts[2])
	if err != nil {
		return nil, errors.MalformedLine(line, err)
	}
	if parts[1] == "" || parts[3] == "" {
		return nil, errors.MalformedLine(line, nil)
	}

	entry := model.LogEntry{
		Serial:    serial,
		Origin:    parts[1],
		Key:       parts[3],
		Tombstone: true,
	}
	if len(parts) == 5 && parts[4] != "" {
		entry.Value = parts[4]
		entry.Tombstone = false
	}
	return Record{Table: table, Entry: entry}, nil
}
