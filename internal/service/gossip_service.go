package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/devrev/ddbd/internal/metrics"
	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"
)

// OperatorNotice is a network-wide message for operators
type OperatorNotice struct {
	Origin    string `json:"origin"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

// GossipService broadcasts operator notices to every server through a
// memberlist gossip pool. It implements Notifier and is safe for concurrent use.
type GossipService struct {
	config     *GossipConfig
	memberlist *memberlist.Memberlist
	broadcasts *memberlist.TransmitLimitedQueue
	nodeID     string
	metrics    *metrics.Metrics
	logger     *zap.Logger

	mu       sync.Mutex
	onNotice func(OperatorNotice)
}

// GossipConfig holds gossip protocol configuration
type GossipConfig struct {
	Enabled        bool
	BindAddr       string
	BindPort       int
	SeedNodes      []string
	GossipInterval time.Duration
	ProbeTimeout   time.Duration
	ProbeInterval  time.Duration
	RetransmitMult int
}

// NewGossipService creates a new gossip service and joins the seed nodes
func NewGossipService(cfg *GossipConfig, nodeID string, m *metrics.Metrics, logger *zap.Logger) (*GossipService, error) {
	gs := &GossipService{
		config:  cfg,
		nodeID:  nodeID,
		metrics: m,
		logger:  logger,
	}

	// Configure memberlist
	mlConfig := memberlist.DefaultLANConfig()
	mlConfig.Name = nodeID
	if cfg.BindAddr != "" {
		mlConfig.BindAddr = cfg.BindAddr
	}
	mlConfig.BindPort = cfg.BindPort
	mlConfig.AdvertisePort = cfg.BindPort
	if cfg.GossipInterval > 0 {
		mlConfig.GossipInterval = cfg.GossipInterval
	}
	if cfg.ProbeTimeout > 0 {
		mlConfig.ProbeTimeout = cfg.ProbeTimeout
	}
	if cfg.ProbeInterval > 0 {
		mlConfig.ProbeInterval = cfg.ProbeInterval
	}
	mlConfig.LogOutput = zap.NewStdLog(logger.Named("memberlist")).Writer()
	mlConfig.Delegate = gs
	mlConfig.Events = &GossipEventDelegate{service: gs}

	// Create memberlist
	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create memberlist: %w", err)
	}
	gs.memberlist = ml

	retransmit := cfg.RetransmitMult
	if retransmit <= 0 {
		retransmit = 3
	}
	gs.broadcasts = &memberlist.TransmitLimitedQueue{
		NumNodes:       ml.NumMembers,
		RetransmitMult: retransmit,
	}

	// Join seed nodes
	if len(cfg.SeedNodes) > 0 {
		if _, err := ml.Join(cfg.SeedNodes); err != nil {
			logger.Warn("Failed to join some seed nodes", zap.Error(err))
		}
	}
	gs.updateMembers()

	return gs, nil
}

// OnNotice registers a callback for notices received from other servers
func (s *GossipService) OnNotice(fn func(OperatorNotice)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onNotice = fn
}

// Notice implements Notifier
func (s *GossipService) Notice(text string) {
	notice := OperatorNotice{
		Origin:    s.nodeID,
		Text:      text,
		Timestamp: time.Now().Unix(),
	}
	data, err := json.Marshal(notice)
	if err != nil {
		s.logger.Error("Failed to marshal operator notice", zap.Error(err))
		return
	}

	s.logger.Warn("Operator notice", zap.String("origin", s.nodeID), zap.String("text", text))
	s.broadcasts.QueueBroadcast(&noticeBroadcast{data: data})
	if s.metrics != nil {
		s.metrics.GossipNoticesTotal.WithLabelValues("sent").Inc()
	}
}

// Flush hands every queued notice straight to the other members over TCP
// instead of leaving it to the next gossip rounds. Called before the process
// exits on a fatal error.
func (s *GossipService) Flush() error {
	msgs := s.broadcasts.GetBroadcasts(0, math.MaxInt32)
	s.broadcasts.Prune(0)
	if len(msgs) == 0 {
		return nil
	}

	var errs []error
	for _, node := range s.memberlist.Members() {
		if node.Name == s.nodeID {
			continue
		}
		for _, msg := range msgs {
			if err := s.memberlist.SendReliable(node, msg); err != nil {
				errs = append(errs, fmt.Errorf("node %s: %w", node.Name, err))
			}
		}
	}
	return errors.Join(errs...)
}

// NodeMeta implements memberlist.Delegate
func (s *GossipService) NodeMeta(limit int) []byte {
	return nil
}

// NotifyMsg implements memberlist.Delegate
func (s *GossipService) NotifyMsg(data []byte) {
	var notice OperatorNotice
	if err := json.Unmarshal(data, &notice); err != nil {
		s.logger.Warn("Failed to unmarshal gossip message", zap.Error(err))
		return
	}

	s.logger.Warn("Operator notice",
		zap.String("origin", notice.Origin),
		zap.String("text", notice.Text),
		zap.Time("sent_at", time.Unix(notice.Timestamp, 0)))
	if s.metrics != nil {
		s.metrics.GossipNoticesTotal.WithLabelValues("received").Inc()
	}

	s.mu.Lock()
	fn := s.onNotice
	s.mu.Unlock()
	if fn != nil {
		fn(notice)
	}
}

// GetBroadcasts implements memberlist.Delegate
func (s *GossipService) GetBroadcasts(overhead, limit int) [][]byte {
	return s.broadcasts.GetBroadcasts(overhead, limit)
}

// LocalState implements memberlist.Delegate
func (s *GossipService) LocalState(join bool) []byte {
	return nil
}

// MergeRemoteState implements memberlist.Delegate
func (s *GossipService) MergeRemoteState(buf []byte, join bool) {
	// Notices are not state
}

func (s *GossipService) updateMembers() {
	if s.metrics != nil && s.memberlist != nil {
		s.metrics.GossipMembersTotal.Set(float64(s.memberlist.NumMembers()))
	}
}

// Shutdown leaves the pool and shuts the gossip service down
func (s *GossipService) Shutdown() error {
	if err := s.memberlist.Leave(time.Second); err != nil {
		s.logger.Warn("Failed to leave gossip pool", zap.Error(err))
	}
	return s.memberlist.Shutdown()
}

// noticeBroadcast is one queued notice
type noticeBroadcast struct {
	data []byte
}

func (b *noticeBroadcast) Invalidates(other memberlist.Broadcast) bool { return false }
func (b *noticeBroadcast) Message() []byte                             { return b.data }
func (b *noticeBroadcast) Finished()                                   {}

// GossipEventDelegate handles memberlist events
type GossipEventDelegate struct {
	service *GossipService
}

// NotifyJoin is called when a node joins
func (d *GossipEventDelegate) NotifyJoin(node *memberlist.Node) {
	d.service.logger.Info("Node joined",
		zap.String("node_id", node.Name),
		zap.String("addr", node.Addr.String()))
	d.service.updateMembers()
}

// NotifyLeave is called when a node leaves
func (d *GossipEventDelegate) NotifyLeave(node *memberlist.Node) {
	d.service.logger.Info("Node left",
		zap.String("node_id", node.Name))
	d.service.updateMembers()
}

// NotifyUpdate is called when a node is updated
func (d *GossipEventDelegate) NotifyUpdate(node *memberlist.Node) {
	d.service.logger.Debug("Node updated",
		zap.String("node_id", node.Name))
}

// LogNotifier logs notices locally; used when gossip is disabled
type LogNotifier struct {
	Logger *zap.Logger
}

// Notice implements Notifier
func (n LogNotifier) Notice(text string) {
	n.Logger.Warn("Operator notice", zap.String("text", text))
}
