package service

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/devrev/ddbd/internal/errors"
	"github.com/devrev/ddbd/internal/model"
	"github.com/devrev/ddbd/internal/storage/logfile"
	"github.com/devrev/ddbd/internal/util"
	"go.uber.org/zap"
)

// HashFileName is the name of the hash sidecar in the data directory
const HashFileName = "tables.hash"

// CommitLogService manages the per-table logs and the hash sidecar
type CommitLogService struct {
	config  *CommitLogConfig
	layout  model.Layout
	logs    map[model.TableID]*logfile.LogFile
	hashes  *logfile.HashFile
	logger  *zap.Logger
	dataDir string
}

// CommitLogConfig holds commit log configuration
type CommitLogConfig struct {
	SyncWrites bool
}

// LogFileName returns the log file name of a table
func LogFileName(id model.TableID) string {
	return fmt.Sprintf("table.%s.log", id)
}

// NewCommitLogService opens the log of every table in the layout
func NewCommitLogService(cfg *CommitLogConfig, layout model.Layout, dataDir string, logger *zap.Logger) (*CommitLogService, error) {
	// Ensure directory exists
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, errors.FileIO("failed to create data directory", err)
	}

	s := &CommitLogService{
		config:  cfg,
		layout:  layout,
		logs:    make(map[model.TableID]*logfile.LogFile, len(layout)),
		logger:  logger,
		dataDir: dataDir,
	}

	for _, spec := range layout {
		path := filepath.Join(dataDir, LogFileName(spec.ID))
		lf, repaired, err := logfile.Open(path, cfg.SyncWrites)
		if err != nil {
			s.Close()
			return nil, err
		}
		if repaired > 0 {
			logger.Warn("Removed partial line from table log",
				zap.String("table", spec.ID.String()),
				zap.String("path", path),
				zap.Int64("bytes", repaired))
		}
		s.logs[spec.ID] = lf
	}

	hashes, err := logfile.OpenHashFile(filepath.Join(dataDir, HashFileName), cfg.SyncWrites)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.hashes = hashes

	logger.Info("Opened table logs",
		zap.String("data_dir", dataDir),
		zap.Int("tables", len(s.logs)))

	return s, nil
}

func (s *CommitLogService) log(id model.TableID) (*logfile.LogFile, error) {
	lf, ok := s.logs[id]
	if !ok {
		return nil, errors.UnknownTable(id.String())
	}
	return lf, nil
}

// Append writes one entry to a table log
func (s *CommitLogService) Append(id model.TableID, entry *model.LogEntry) error {
	lf, err := s.log(id)
	if err != nil {
		return err
	}
	return lf.Append(entry.Line())
}

// ReadAll replays a table log in order
func (s *CommitLogService) ReadAll(id model.TableID, fn func(*model.LogEntry) error) error {
	lf, err := s.log(id)
	if err != nil {
		return err
	}
	return lf.ReadAll(fn)
}

// Seek returns a cursor on the first entry of a table with a serial greater than serial
func (s *CommitLogService) Seek(id model.TableID, serial uint64) (*logfile.Cursor, error) {
	lf, err := s.log(id)
	if err != nil {
		return nil, err
	}
	return lf.Seek(serial)
}

// CompactResult describes a compacted log
type CompactResult struct {
	Hash     util.HashState
	Lines    uint64
	Dropped  uint64
	Live     uint64
	Previous uint64
}

// Compact rewrites a table log keeping only the last entry of every live key,
// in serial order, followed by a checkpoint marker. Older markers are dropped.
// The hash chain is recomputed over the new content.
func (s *CommitLogService) Compact(id model.TableID, marker *model.LogEntry) (*CompactResult, error) {
	lf, err := s.log(id)
	if err != nil {
		return nil, err
	}
	if !marker.IsCheckpoint() {
		return nil, errors.InvalidRecord("compaction marker must use the checkpoint key", nil)
	}

	var entries []*model.LogEntry
	latest := make(map[string]int)
	err = lf.ReadAll(func(e *model.LogEntry) error {
		if e.Serial >= marker.Serial {
			return errors.InvalidRecord(fmt.Sprintf("log entry %d is not older than checkpoint %d", e.Serial, marker.Serial), nil)
		}
		entries = append(entries, e)
		if e.IsCheckpoint() {
			return nil
		}
		folded := model.FoldKey(e.Key)
		if e.Tombstone {
			delete(latest, folded)
		} else {
			latest[folded] = len(entries) - 1
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	lines := make([]string, 0, len(latest)+1)
	var hash util.HashState
	for i, e := range entries {
		if e.IsCheckpoint() || e.Tombstone {
			continue
		}
		if latest[model.FoldKey(e.Key)] != i {
			continue
		}
		line := e.Line()
		lines = append(lines, line)
		hash = util.UpdateHashString(hash, line)
	}
	markerLine := marker.Line()
	lines = append(lines, markerLine)
	hash = util.UpdateHashString(hash, markerLine)

	if err := lf.Rewrite(lines); err != nil {
		return nil, err
	}

	result := &CompactResult{
		Hash:     hash,
		Lines:    uint64(len(lines)),
		Dropped:  uint64(len(entries) + 1 - len(lines)),
		Live:     uint64(len(latest)),
		Previous: uint64(len(entries)),
	}

	s.logger.Info("Compacted table log",
		zap.String("table", id.String()),
		zap.Uint64("checkpoint_serial", marker.Serial),
		zap.Uint64("lines_before", result.Previous),
		zap.Uint64("lines_after", result.Lines))

	return result, nil
}

// Truncate empties a table log
func (s *CommitLogService) Truncate(id model.TableID) error {
	lf, err := s.log(id)
	if err != nil {
		return err
	}
	return lf.Truncate()
}

// WriteHash stores the hash of a table in the sidecar
func (s *CommitLogService) WriteHash(id model.TableID, hash util.HashState) error {
	pos, ok := s.layout.Position(id)
	if !ok {
		return errors.UnknownTable(id.String())
	}
	return s.hashes.Write(pos, id, hash)
}

// ReadHash returns the stored hash of a table; found is false on a fresh install
func (s *CommitLogService) ReadHash(id model.TableID) (util.HashState, bool, error) {
	pos, ok := s.layout.Position(id)
	if !ok {
		return util.HashState{}, false, errors.UnknownTable(id.String())
	}
	return s.hashes.Read(pos, id)
}

// Fingerprint returns the last observed identity of a table log
func (s *CommitLogService) Fingerprint(id model.TableID) (logfile.Fingerprint, error) {
	lf, err := s.log(id)
	if err != nil {
		return logfile.Fingerprint{}, err
	}
	return lf.Fingerprint(), nil
}

// Close closes every log and the sidecar
func (s *CommitLogService) Close() error {
	var firstErr error
	for id, lf := range s.logs {
		if err := lf.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.logs, id)
	}
	if s.hashes != nil {
		if err := s.hashes.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.hashes = nil
	}
	return firstErr
}
