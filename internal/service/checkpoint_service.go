package service

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// CheckpointService periodically compacts tables whose logs have grown well
// past their live content. Only the checkpoint master runs it; every other
// node compacts when the checkpoint record reaches it.
type CheckpointService struct {
	config    *CheckpointConfig
	engine    *ReplicationService
	scheduler Scheduler
	logger    *zap.Logger
	stopped   bool
}

// CheckpointConfig holds checkpoint configuration
type CheckpointConfig struct {
	Master   bool
	Interval time.Duration
	// A table is compacted when its log has more than Ratio*live+Slack lines
	Ratio float64
	Slack uint64
}

// NewCheckpointService creates a new checkpoint service
func NewCheckpointService(cfg *CheckpointConfig, engine *ReplicationService, scheduler Scheduler, logger *zap.Logger) *CheckpointService {
	return &CheckpointService{
		config:    cfg,
		engine:    engine,
		scheduler: scheduler,
		logger:    logger,
	}
}

// Start schedules the periodic check. It does nothing unless this node is
// the checkpoint master.
func (s *CheckpointService) Start() {
	if !s.config.Master || s.config.Interval <= 0 {
		return
	}
	s.logger.Info("Checkpoint scheduler started",
		zap.Duration("interval", s.config.Interval),
		zap.Float64("ratio", s.config.Ratio),
		zap.Uint64("slack", s.config.Slack))
	s.scheduler.After(s.config.Interval, s.run)
}

// Stop cancels the next periodic check
func (s *CheckpointService) Stop() {
	s.stopped = true
}

func (s *CheckpointService) run() {
	if s.stopped || s.engine.Dead() {
		return
	}
	s.CheckpointDue()
	s.scheduler.After(s.config.Interval, s.run)
}

// CheckpointDue checkpoints every resident table whose log is due and
// returns how many were compacted
func (s *CheckpointService) CheckpointDue() int {
	done := 0
	for _, spec := range s.engine.Tables().Layout() {
		state, err := s.engine.Tables().Table(spec.ID)
		if err != nil || !state.Resident() {
			continue
		}
		if !s.due(state) {
			continue
		}

		text := fmt.Sprintf("checkpoint by %s at %d", s.engine.config.ServerName, s.engine.clock.Now().Unix())
		if err := s.engine.Checkpoint(spec.ID, text); err != nil {
			s.logger.Error("Failed to checkpoint table",
				zap.String("table", spec.ID.String()),
				zap.Error(err))
			continue
		}
		done++
	}
	return done
}

func (s *CheckpointService) due(state *TableState) bool {
	threshold := uint64(s.config.Ratio*float64(state.Count())) + s.config.Slack
	return state.LogLines > threshold
}
