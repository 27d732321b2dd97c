package service

import (
	"fmt"
	"os"
	"time"

	"github.com/devrev/ddbd/internal/metrics"
	"github.com/devrev/ddbd/internal/storage/snapshot"
	"go.uber.org/zap"
)

// CacheService maintains the persistence cache: a snapshot of every table
// that lets startup skip full log replay. It is an optimization only; any
// problem with the snapshot falls back to replay.
type CacheService struct {
	config  *CacheConfig
	tables  *TableService
	logs    *CommitLogService
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// CacheConfig holds persistence cache configuration
type CacheConfig struct {
	Enabled       bool
	Path          string
	FlushInterval time.Duration
}

// NewCacheService creates a new cache service
func NewCacheService(cfg *CacheConfig, tables *TableService, logs *CommitLogService, m *metrics.Metrics, logger *zap.Logger) *CacheService {
	return &CacheService{
		config:  cfg,
		tables:  tables,
		logs:    logs,
		metrics: m,
		logger:  logger,
	}
}

// Enabled reports whether the cache is in use
func (s *CacheService) Enabled() bool {
	return s.config.Enabled && s.config.Path != ""
}

// Load restores every table from the snapshot when it is valid for the
// current layout and table files. It returns false when replay is needed.
func (s *CacheService) Load() bool {
	if !s.Enabled() {
		return false
	}

	layout := s.tables.Layout()
	img, err := snapshot.Read(s.config.Path, layout.VersionTag())
	if err != nil {
		if os.IsNotExist(err) {
			s.logger.Info("No persistence cache found", zap.String("path", s.config.Path))
			s.recordLoad("missing")
		} else {
			s.logger.Warn("Discarding persistence cache", zap.String("path", s.config.Path), zap.Error(err))
			s.recordLoad("invalid")
		}
		return false
	}

	if err := s.validate(img); err != nil {
		s.logger.Warn("Discarding stale persistence cache", zap.String("path", s.config.Path), zap.Error(err))
		s.recordLoad("stale")
		return false
	}

	for i := range img.Tables {
		if err := s.tables.Restore(&img.Tables[i]); err != nil {
			// Tables restored so far are overwritten by the replay
			s.logger.Warn("Failed to restore table from persistence cache",
				zap.String("table", img.Tables[i].ID.String()),
				zap.Error(err))
			s.recordLoad("invalid")
			s.resetAll()
			return false
		}
	}

	s.logger.Info("Loaded tables from persistence cache",
		zap.String("path", s.config.Path),
		zap.Int("tables", len(img.Tables)))
	s.recordLoad("hit")
	return true
}

// validate checks the image covers the layout and every table file is
// exactly as it was when the image was taken
func (s *CacheService) validate(img *snapshot.Image) error {
	layout := s.tables.Layout()
	if len(img.Tables) != len(layout) {
		return fmt.Errorf("snapshot has %d tables, layout has %d", len(img.Tables), len(layout))
	}
	for i, spec := range layout {
		t := &img.Tables[i]
		if t.ID != spec.ID {
			return fmt.Errorf("snapshot table %d is %s, expected %s", i, t.ID, spec.ID)
		}
		fp, err := s.logs.Fingerprint(spec.ID)
		if err != nil {
			return err
		}
		if fp != t.Fingerprint {
			return fmt.Errorf("table %s log changed since snapshot: %s != %s", spec.ID, fp, t.Fingerprint)
		}
	}
	return nil
}

func (s *CacheService) resetAll() {
	for _, spec := range s.tables.Layout() {
		s.tables.Drop(spec.ID, nil)
	}
}

// Save writes a snapshot of every table
func (s *CacheService) Save() error {
	if !s.Enabled() {
		return nil
	}
	start := time.Now()

	layout := s.tables.Layout()
	img := &snapshot.Image{
		LayoutTag: layout.VersionTag(),
		Tables:    make([]snapshot.TableImage, 0, len(layout)),
	}
	records := 0
	for _, spec := range layout {
		t, err := s.tables.Image(spec.ID)
		if err != nil {
			return err
		}
		fp, err := s.logs.Fingerprint(spec.ID)
		if err != nil {
			return err
		}
		t.Fingerprint = fp
		records += len(t.Records)
		img.Tables = append(img.Tables, t)
	}

	if err := snapshot.Write(s.config.Path, img); err != nil {
		return fmt.Errorf("failed to write persistence cache: %w", err)
	}

	if s.metrics != nil {
		s.metrics.RecordCacheSave(time.Since(start).Seconds())
	}
	s.logger.Debug("Saved persistence cache",
		zap.String("path", s.config.Path),
		zap.Int("records", records),
		zap.Duration("duration", time.Since(start)))
	return nil
}

func (s *CacheService) recordLoad(result string) {
	if s.metrics != nil {
		s.metrics.CacheLoadsTotal.WithLabelValues(result).Inc()
	}
}

// ScheduleFlush saves the cache every FlushInterval on the engine goroutine
func (s *CacheService) ScheduleFlush(scheduler Scheduler) {
	if !s.Enabled() || s.config.FlushInterval <= 0 {
		return
	}
	scheduler.After(s.config.FlushInterval, func() {
		if err := s.Save(); err != nil {
			s.logger.Warn("Failed to flush persistence cache", zap.Error(err))
		}
		s.ScheduleFlush(scheduler)
	})
}
