package service

import (
	"fmt"

	"github.com/devrev/ddbd/internal/errors"
	"github.com/devrev/ddbd/internal/model"
)

// TableReport summarizes one table as found on disk
type TableReport struct {
	ID               model.TableID
	Name             string
	Serial           uint64
	CheckpointSerial uint64
	Records          int
	LogLines         uint64
	Hash             string
	StoredHash       string // empty when the table has no hash file yet
	HashOK           bool
}

// InspectTables replays every table log into tables and compares the result
// with the stored hashes. Nothing on disk is changed.
func InspectTables(tables *TableService, logs *CommitLogService) ([]TableReport, error) {
	reports := make([]TableReport, 0, len(tables.Layout()))
	for _, spec := range tables.Layout() {
		state, err := tables.Table(spec.ID)
		if err != nil {
			return nil, err
		}
		state.reset(nil)

		err = logs.ReadAll(spec.ID, func(entry *model.LogEntry) error {
			if entry.Serial <= state.Serial {
				return errors.CorruptedLog(fmt.Sprintf("table %s: serial %d after %d", spec.ID, entry.Serial, state.Serial), nil)
			}
			state.apply(entry)
			return nil
		})
		if err != nil {
			return nil, err
		}

		report := TableReport{
			ID:               spec.ID,
			Name:             spec.Name,
			Serial:           state.Serial,
			CheckpointSerial: state.CheckpointSerial,
			Records:          state.Count(),
			LogLines:         state.LogLines,
			Hash:             state.Hash.Encode(),
			HashOK:           true,
		}
		stored, found, err := logs.ReadHash(spec.ID)
		if err != nil {
			return nil, err
		}
		if found {
			report.StoredHash = stored.Encode()
			report.HashOK = stored == state.Hash
		}
		reports = append(reports, report)
	}
	return reports, nil
}
