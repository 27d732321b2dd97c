package service

import (
	"github.com/devrev/ddbd/internal/errors"
	"github.com/devrev/ddbd/internal/model"
	"github.com/devrev/ddbd/internal/storage/index"
	"github.com/devrev/ddbd/internal/storage/snapshot"
	"github.com/devrev/ddbd/internal/util"
	"go.uber.org/zap"
)

// TableState is the runtime state of one table
type TableState struct {
	Spec             model.TableSpec
	Serial           uint64
	CheckpointSerial uint64
	Hash             util.HashState
	LogLines         uint64

	index *index.Table // nil for relay-only tables
}

// Resident reports whether the table keeps an in-memory index
func (t *TableState) Resident() bool {
	return t.index != nil
}

// Count returns the number of live records
func (t *TableState) Count() int {
	if t.index == nil {
		return 0
	}
	return t.index.Len()
}

// reset empties the table and forgets its log position
func (t *TableState) reset(onDelete func(*model.Record)) {
	if t.index != nil {
		t.index.Drop(onDelete)
	}
	t.Serial = 0
	t.CheckpointSerial = 0
	t.Hash = util.HashState{}
	t.LogLines = 0
}

// apply folds one log entry into the state. The caller has already checked
// the serial is newer.
func (t *TableState) apply(entry *model.LogEntry) (existed bool) {
	switch {
	case entry.IsCheckpoint():
		t.CheckpointSerial = entry.Serial
	case t.index == nil:
	case entry.Tombstone:
		existed = t.index.Delete(entry.Key)
	default:
		existed = t.index.Put(&model.Record{
			Key:    entry.Key,
			Value:  entry.Value,
			Serial: entry.Serial,
			Origin: entry.Origin,
		})
	}

	t.Serial = entry.Serial
	t.Hash = util.UpdateHashString(t.Hash, entry.Line())
	t.LogLines++
	return existed
}

// TableService owns the state of every table in the layout. It is not safe
// for concurrent use, except that distinct tables may be replayed in parallel
// before the event loop starts.
type TableService struct {
	layout model.Layout
	tables map[model.TableID]*TableState
	logger *zap.Logger
}

// NewTableService creates empty tables for the layout
func NewTableService(layout model.Layout, logger *zap.Logger) *TableService {
	s := &TableService{
		layout: layout,
		tables: make(map[model.TableID]*TableState, len(layout)),
		logger: logger,
	}
	for _, spec := range layout {
		s.tables[spec.ID] = newTableState(spec)
	}
	return s
}

func newTableState(spec model.TableSpec) *TableState {
	state := &TableState{Spec: spec}
	if spec.Resident {
		state.index = index.NewTable(spec.Buckets)
	}
	return state
}

// Layout returns the table layout
func (s *TableService) Layout() model.Layout {
	return s.layout
}

// Table returns the state of a table
func (s *TableService) Table(id model.TableID) (*TableState, error) {
	state, ok := s.tables[id]
	if !ok {
		return nil, errors.UnknownTable(id.String())
	}
	return state, nil
}

// Apply folds a log entry into the table: checkpoint markers move the
// checkpoint serial, tombstones delete and anything else is stored. The serial,
// hash chain and line count advance in every case.
func (s *TableService) Apply(id model.TableID, entry *model.LogEntry) (bool, error) {
	state, err := s.Table(id)
	if err != nil {
		return false, err
	}
	return state.apply(entry), nil
}

// Get looks a key up, case insensitively. A miss is not an error.
func (s *TableService) Get(id model.TableID, key string) (*model.Record, bool) {
	state, ok := s.tables[id]
	if !ok || state.index == nil {
		return nil, false
	}
	return state.index.Get(key)
}

// Put stores a record in the index only, returning whether the key existed
func (s *TableService) Put(id model.TableID, rec *model.Record) (bool, error) {
	state, err := s.residentTable(id)
	if err != nil {
		return false, err
	}
	return state.index.Put(rec), nil
}

// Delete removes a key from the index only
func (s *TableService) Delete(id model.TableID, key string) (bool, error) {
	state, err := s.residentTable(id)
	if err != nil {
		return false, err
	}
	return state.index.Delete(key), nil
}

// Iterator returns a restartable cursor over the live records of a table
func (s *TableService) Iterator(id model.TableID) (*index.Iterator, error) {
	state, err := s.residentTable(id)
	if err != nil {
		return nil, err
	}
	return state.index.Iterator(), nil
}

// Drop empties a table. onDelete is called for every live record first.
// The table serial, checkpoint and hash return to zero.
func (s *TableService) Drop(id model.TableID, onDelete func(*model.Record)) error {
	state, err := s.Table(id)
	if err != nil {
		return err
	}
	state.reset(onDelete)
	s.logger.Info("Dropped table",
		zap.String("table", id.String()),
		zap.String("name", state.Spec.Name))
	return nil
}

func (s *TableService) residentTable(id model.TableID) (*TableState, error) {
	state, err := s.Table(id)
	if err != nil {
		return nil, err
	}
	if state.index == nil {
		return nil, errors.UnknownTable(id.String()).WithDetail("reason", "table is relay-only")
	}
	return state, nil
}

// Image captures a table for the persistence cache. The fingerprint is left
// for the caller.
func (s *TableService) Image(id model.TableID) (snapshot.TableImage, error) {
	state, err := s.Table(id)
	if err != nil {
		return snapshot.TableImage{}, err
	}

	img := snapshot.TableImage{
		ID:               id,
		Serial:           state.Serial,
		CheckpointSerial: state.CheckpointSerial,
		Hash:             state.Hash,
		LogLines:         state.LogLines,
	}
	if state.index != nil {
		img.Records = make([]model.Record, 0, state.index.Len())
		it := state.index.Iterator()
		for it.Next() {
			img.Records = append(img.Records, *it.Record())
		}
	}
	return img, nil
}

// Restore replaces a table with a cached image, building a fresh index
func (s *TableService) Restore(img *snapshot.TableImage) error {
	state, err := s.Table(img.ID)
	if err != nil {
		return err
	}
	if !state.Spec.Resident && len(img.Records) > 0 {
		return errors.CorruptSnapshot("records cached for relay-only table "+img.ID.String(), nil)
	}

	fresh := newTableState(state.Spec)
	fresh.Serial = img.Serial
	fresh.CheckpointSerial = img.CheckpointSerial
	fresh.Hash = img.Hash
	fresh.LogLines = img.LogLines
	for i := range img.Records {
		rec := img.Records[i]
		if fresh.index.Put(&rec) {
			return errors.CorruptSnapshot("duplicate key cached for table "+img.ID.String(), nil)
		}
	}

	*state = *fresh
	return nil
}
