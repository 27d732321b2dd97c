package service

import (
	"fmt"
	"io"
	"time"

	"github.com/devrev/ddbd/internal/errors"
	"github.com/devrev/ddbd/internal/metrics"
	"github.com/devrev/ddbd/internal/model"
	"github.com/devrev/ddbd/internal/util"
	"github.com/devrev/ddbd/internal/validation"
	"github.com/devrev/ddbd/internal/wire"
	"go.uber.org/zap"
)

// DefaultBatchLimit is the number of records sent per burst response
const DefaultBatchLimit = 1000

// ReplicationConfig holds replication engine configuration
type ReplicationConfig struct {
	ServerName string
	OriginMask string // Origin of locally written records
	BatchLimit int
}

// Collaborators are the services the engine drives but does not implement
type Collaborators struct {
	Transport  PeerTransport
	Effects    SideEffects
	Notifier   Notifier
	Terminator Terminator
	Clock      Clock
}

// ReplicationService is the single entry point for every DDB change, local
// or received from a peer. It writes through the commit log, updates the
// tables and fans changes out to OPEN peers.
//
// It is not safe for concurrent use: the server event loop owns it.
type ReplicationService struct {
	config     *ReplicationConfig
	tables     *TableService
	logs       *CommitLogService
	cache      *CacheService
	validator  *validation.Validator
	transport  PeerTransport
	effects    SideEffects
	notifier   Notifier
	terminator Terminator
	clock      Clock
	metrics    *metrics.Metrics
	logger     *zap.Logger

	peers     map[string]*model.Peer
	peerOrder []string // Connection order

	// tables wiped at startup, waiting for a burst from a hub
	resync map[model.TableID]bool
	dead   bool
}

// NewReplicationService creates the engine. cache may be nil.
func NewReplicationService(
	cfg *ReplicationConfig,
	tables *TableService,
	logs *CommitLogService,
	cache *CacheService,
	validator *validation.Validator,
	collab Collaborators,
	m *metrics.Metrics,
	logger *zap.Logger,
) *ReplicationService {
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = DefaultBatchLimit
	}
	if collab.Effects == nil {
		collab.Effects = NoSideEffects{}
	}
	if collab.Clock == nil {
		collab.Clock = SystemClock{}
	}
	if collab.Terminator == nil {
		collab.Terminator = LoggingTerminator{Logger: logger}
	}

	return &ReplicationService{
		config:     cfg,
		tables:     tables,
		logs:       logs,
		cache:      cache,
		validator:  validator,
		transport:  collab.Transport,
		effects:    collab.Effects,
		notifier:   collab.Notifier,
		terminator: collab.Terminator,
		clock:      collab.Clock,
		metrics:    m,
		logger:     logger,
		peers:      make(map[string]*model.Peer),
		resync:     make(map[model.TableID]bool),
	}
}

// Tables exposes the table store for lookups
func (r *ReplicationService) Tables() *TableService {
	return r.tables
}

// Dead reports whether a fatal error stopped the engine
func (r *ReplicationService) Dead() bool {
	return r.dead
}

// PendingResync reports whether a table is waiting for a burst from a hub
func (r *ReplicationService) PendingResync(id model.TableID) bool {
	return r.resync[id]
}

// Get looks a key up, case insensitively
func (r *ReplicationService) Get(id model.TableID, key string) (*model.Record, bool) {
	return r.tables.Get(id, key)
}

// Write originates a record on this node
func (r *ReplicationService) Write(id model.TableID, key, value string) error {
	return r.originate(id, key, value, false)
}

// Delete originates a tombstone on this node. Deleting a missing key is still
// logged and advances the serial.
func (r *ReplicationService) Delete(id model.TableID, key string) error {
	return r.originate(id, key, "", true)
}

// Checkpoint compacts a table on this node and every node downstream of it.
// The free form text is cleaned up to fit a single record line.
func (r *ReplicationService) Checkpoint(id model.TableID, text string) error {
	return r.originate(id, model.CheckpointKey, r.validator.SanitizeValue(text), false)
}

func (r *ReplicationService) originate(id model.TableID, key, value string, tombstone bool) error {
	if r.dead {
		return errors.FileIO("engine stopped after a fatal error", nil)
	}
	state, err := r.tables.Table(id)
	if err != nil {
		return err
	}

	entry := &model.LogEntry{
		Serial:    state.Serial + 1,
		Origin:    r.config.OriginMask,
		Key:       key,
		Value:     value,
		Tombstone: tombstone,
	}
	if err := r.ApplyRecord("", id, entry); err != nil {
		return err
	}
	r.metrics.LocalWritesTotal.WithLabelValues(id.String()).Inc()
	return nil
}

// ApplyRecord applies a record received from peer from, or originated locally
// when from is empty, and forwards it to every other OPEN peer. Records that
// are not newer than the table are ignored with a DuplicateRecord error.
func (r *ReplicationService) ApplyRecord(from string, id model.TableID, entry *model.LogEntry) error {
	if r.dead {
		return errors.FileIO("engine stopped after a fatal error", nil)
	}
	if from != "" {
		if _, ok := r.peers[from]; !ok {
			return errors.UnknownPeer(from)
		}
	}

	if err := r.validator.ValidateRecord(id, entry); err != nil {
		r.metrics.RecordsRejectedTotal.WithLabelValues(id.String()).Inc()
		return err
	}
	state, err := r.tables.Table(id)
	if err != nil {
		return err
	}
	if entry.Serial <= state.Serial {
		r.metrics.RecordsIgnoredTotal.WithLabelValues(id.String()).Inc()
		return errors.DuplicateRecord(id.String(), entry.Serial, state.Serial)
	}

	if entry.IsCheckpoint() {
		return r.applyCheckpoint(from, id, state, entry)
	}

	start := time.Now()
	if err := r.logs.Append(id, entry); err != nil {
		return r.fatal(err)
	}
	r.metrics.RecordLogAppend(time.Since(start).Seconds())

	existed := state.apply(entry)
	switch {
	case !entry.Tombstone:
		r.effects.Apply(id, entry.Key, entry.Value, false)
	case existed || !state.Resident():
		r.effects.Apply(id, entry.Key, "", true)
	}

	if err := r.logs.WriteHash(id, state.Hash); err != nil {
		return r.fatal(err)
	}

	r.forward(from, id, entry)

	kind := "put"
	if entry.Tombstone {
		kind = "delete"
	}
	r.metrics.RecordApplied(id.String(), kind)
	r.updateTableMetrics(id, state)
	return nil
}

// applyCheckpoint compacts the table log behind a checkpoint marker and
// cascades the marker like any other record
func (r *ReplicationService) applyCheckpoint(from string, id model.TableID, state *TableState, entry *model.LogEntry) error {
	start := time.Now()

	result, err := r.logs.Compact(id, entry)
	if err != nil {
		return r.fatal(err)
	}

	// Compaction keeps the live view, so the index stays as it is
	state.Serial = entry.Serial
	state.CheckpointSerial = entry.Serial
	state.Hash = result.Hash
	state.LogLines = result.Lines

	// Records between a partial burst and the marker may be gone now
	for _, peer := range r.peers {
		peer.SetResume(id, 0)
	}

	if err := r.logs.WriteHash(id, state.Hash); err != nil {
		return r.fatal(err)
	}

	r.forward(from, id, entry)

	r.metrics.RecordCheckpoint(id.String(), time.Since(start).Seconds())
	r.metrics.RecordApplied(id.String(), "checkpoint")
	r.updateTableMetrics(id, state)

	r.logger.Info("Checkpointed table",
		zap.String("table", id.String()),
		zap.Uint64("serial", entry.Serial),
		zap.String("origin", entry.Origin),
		zap.Uint64("dropped_lines", result.Dropped))
	return nil
}

// forward sends a record to every OPEN peer except the one it came from
func (r *ReplicationService) forward(from string, id model.TableID, entry *model.LogEntry) {
	for _, peerID := range r.peerOrder {
		if peerID == from {
			continue
		}
		if r.peers[peerID].State(id) != model.StateOpen {
			continue
		}
		r.transport.Send(peerID, wire.Record{Table: id, Entry: *entry})
	}
}

// HandleMessage dispatches a decoded message from a peer. Errors that do not
// stop the engine are returned for the caller to log.
func (r *ReplicationService) HandleMessage(peerID string, msg wire.Message) error {
	switch m := msg.(type) {
	case wire.Record:
		return r.ApplyRecord(peerID, m.Table, &m.Entry)
	case wire.Join:
		return r.HandleJoin(peerID, m.Table, m.Since)
	case wire.BurstDone:
		return r.HandleBurstDone(peerID, m.Table, m.Serial)
	case wire.Drop:
		return r.HandleDrop(peerID, m.Table, m.Erase)
	case wire.HashQuery:
		return r.HandleHashQuery(peerID, m)
	case wire.HashReply:
		return r.HandleHashReply(peerID, m)
	default:
		return errors.MalformedLine(wire.Encode(msg), fmt.Errorf("unexpected %s message", msg.Kind()))
	}
}

// HandleJoin answers a catch-up request for records after since. At most
// BatchLimit records are sent; the peer becomes OPEN once nothing is left.
// Every response ends with a BurstDone carrying the current serial.
func (r *ReplicationService) HandleJoin(peerID string, id model.TableID, since uint64) error {
	if r.dead {
		return nil
	}
	peer, ok := r.peers[peerID]
	if !ok {
		return errors.UnknownPeer(peerID)
	}
	state, err := r.tables.Table(id)
	if err != nil {
		return err
	}
	r.metrics.JoinRequestsTotal.WithLabelValues(id.String()).Inc()

	current := state.Serial
	if peer.State(id) == model.StateOpen {
		if since < current {
			r.staleJoin(peer, id, since, current)
			return nil
		}
		r.transport.Send(peerID, wire.BurstDone{Table: id, Serial: current})
		return nil
	}

	if since >= current {
		peer.SetState(id, model.StateOpen)
		r.transport.Send(peerID, wire.BurstDone{Table: id, Serial: current})
		r.metrics.RecordBurst(id.String(), 0, true)
		return nil
	}

	// The entries the peer is missing were compacted away, unless it is
	// continuing a burst we cut short
	continuation := since > 0 && since == peer.Resume(id)
	if since > 0 && since < state.CheckpointSerial && !continuation {
		r.logger.Warn("Peer joined from before the last checkpoint, asking it to drop the table",
			zap.String("peer", peerID),
			zap.String("table", id.String()),
			zap.Uint64("since", since),
			zap.Uint64("checkpoint", state.CheckpointSerial))
		peer.SetResume(id, 0)
		r.transport.Send(peerID, wire.Drop{Table: id})
		return nil
	}

	cursor, err := r.logs.Seek(id, since)
	if err != nil {
		return r.fatal(err)
	}

	sent := 0
	last := since
	for sent < r.config.BatchLimit {
		entry, err := cursor.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return r.fatal(err)
		}
		r.transport.Send(peerID, wire.Record{Table: id, Entry: *entry})
		last = entry.Serial
		sent++
	}

	complete := !cursor.More()
	if complete {
		peer.SetState(id, model.StateOpen)
		peer.SetResume(id, 0)
	} else {
		peer.SetResume(id, last)
	}
	r.transport.Send(peerID, wire.BurstDone{Table: id, Serial: current})
	r.metrics.RecordBurst(id.String(), sent, complete)

	r.logger.Debug("Sent burst",
		zap.String("peer", peerID),
		zap.String("table", id.String()),
		zap.Uint64("since", since),
		zap.Int("records", sent),
		zap.Bool("complete", complete))
	return nil
}

// staleJoin handles an OPEN peer asking for records it should already have:
// its copy cannot be trusted, so it is closed and told to wipe the table.
func (r *ReplicationService) staleJoin(peer *model.Peer, id model.TableID, since, current uint64) {
	peer.SetState(id, model.StateClosed)
	peer.SetResume(id, 0)
	r.transport.Send(peer.ID, wire.Drop{Table: id})
	r.metrics.StaleJoinsTotal.WithLabelValues(id.String()).Inc()

	err := errors.StaleJoin(peer.ID, id.String(), since, current)
	r.logger.Warn("Open peer sent a stale join, dropping its table", zap.Error(err))
	r.notice(fmt.Sprintf("DDB: %s sent a stale join for table %s (%d < %d), asked it to drop the table",
		peer.ID, id, since, current))
}

// HandleBurstDone ends one burst from a peer. If we are still behind the
// peer's serial the next batch is requested, otherwise the table is synced
// and, at equal serials, its hash is compared.
func (r *ReplicationService) HandleBurstDone(peerID string, id model.TableID, serial uint64) error {
	if r.dead {
		return nil
	}
	peer, ok := r.peers[peerID]
	if !ok {
		return errors.UnknownPeer(peerID)
	}
	state, err := r.tables.Table(id)
	if err != nil {
		return err
	}

	if state.Serial < serial {
		r.transport.Send(peerID, wire.Join{Table: id, Since: state.Serial})
		return nil
	}

	peer.SetSynced(id, true)
	if r.resync[id] && peer.IsHub() {
		delete(r.resync, id)
		r.logger.Info("Table resynchronised from hub",
			zap.String("table", id.String()),
			zap.String("hub", peerID),
			zap.Uint64("serial", state.Serial))
		r.notice(fmt.Sprintf("DDB: table %s resynchronised from %s at serial %d", id, peerID, state.Serial))
	}
	// Hashes only compare when both sides hold the same serial
	if state.Serial == serial {
		r.transport.Send(peerID, wire.HashQuery{Table: id})
	}
	return nil
}

// HandleDrop wipes a table on request of a hub and rejoins it from scratch.
// An erase also wipes the table on every other peer. Before committing, all
// hub links but the sender's are dropped.
func (r *ReplicationService) HandleDrop(peerID string, id model.TableID, erase bool) error {
	if r.dead {
		return nil
	}
	peer, ok := r.peers[peerID]
	if !ok {
		return errors.UnknownPeer(peerID)
	}
	op := "drop"
	if erase {
		op = "erase"
	}
	if !peer.IsHub() {
		r.logger.Warn("Ignoring table drop from a leaf",
			zap.String("peer", peerID),
			zap.String("table", id.String()),
			zap.String("op", op))
		return errors.NotAuthorized(peerID, op)
	}
	if _, err := r.tables.Table(id); err != nil {
		return err
	}

	r.pruneHubs(peerID)

	if err := r.wipe(id, true); err != nil {
		return r.fatal(err)
	}

	if erase {
		for _, otherID := range r.peerOrder {
			if otherID == peerID {
				continue
			}
			r.peers[otherID].SetState(id, model.StateClosed)
			r.transport.Send(otherID, wire.Drop{Table: id, Erase: true})
		}
	}

	r.transport.Send(peerID, wire.Join{Table: id, Since: 0})
	r.metrics.DropsTotal.WithLabelValues(id.String(), op).Inc()

	r.logger.Warn("Table wiped on request of hub",
		zap.String("table", id.String()),
		zap.String("hub", peerID),
		zap.String("op", op))
	r.notice(fmt.Sprintf("DDB: table %s wiped (%s) on request of %s", id, op, peerID))
	return nil
}

// wipe empties a table, its log and its stored hash
func (r *ReplicationService) wipe(id model.TableID, notify bool) error {
	var onDelete func(*model.Record)
	if notify {
		onDelete = func(rec *model.Record) {
			r.effects.Apply(id, rec.Key, "", true)
		}
	}
	if err := r.tables.Drop(id, onDelete); err != nil {
		return err
	}
	if err := r.logs.Truncate(id); err != nil {
		return err
	}
	if err := r.logs.WriteHash(id, util.HashState{}); err != nil {
		return err
	}
	for _, peer := range r.peers {
		peer.SetSynced(id, false)
	}
	if state, err := r.tables.Table(id); err == nil {
		r.updateTableMetrics(id, state)
	}
	return nil
}

// HandleHashQuery answers with the hash of one table or the combined hash of
// all tables in layout order
func (r *ReplicationService) HandleHashQuery(peerID string, q wire.HashQuery) error {
	if _, ok := r.peers[peerID]; !ok {
		return errors.UnknownPeer(peerID)
	}
	hash, err := r.hashOf(q.Table, q.All)
	if err != nil {
		return err
	}
	r.transport.Send(peerID, wire.HashReply{Table: q.Table, All: q.All, Hash: hash})
	return nil
}

// HandleHashReply compares a peer's hash with ours. A mismatch is reported,
// and announced to operators when the peer is a hub; nothing is wiped.
func (r *ReplicationService) HandleHashReply(peerID string, reply wire.HashReply) error {
	peer, ok := r.peers[peerID]
	if !ok {
		return errors.UnknownPeer(peerID)
	}
	local, err := r.hashOf(reply.Table, reply.All)
	if err != nil {
		return err
	}
	if local == reply.Hash {
		return nil
	}

	table := "*"
	if !reply.All {
		table = reply.Table.String()
	}
	r.metrics.HashMismatchTotal.WithLabelValues(table, "peer").Inc()
	err = errors.HashMismatch(table, reply.Hash.Encode(), local.Encode())
	r.logger.Warn("Peer reports a different table hash",
		zap.String("peer", peerID),
		zap.Bool("hub", peer.IsHub()),
		zap.Error(err))
	if peer.IsHub() {
		r.notice(fmt.Sprintf("DDB: table %s hash differs from hub %s (%s != %s)", table, peerID, local.Encode(), reply.Hash.Encode()))
	}
	return nil
}

func (r *ReplicationService) hashOf(id model.TableID, all bool) (util.HashState, error) {
	if all {
		states := make([]util.HashState, 0, len(r.tables.Layout()))
		for _, spec := range r.tables.Layout() {
			state, _ := r.tables.Table(spec.ID)
			states = append(states, state.Hash)
		}
		return util.CombineHashes(states), nil
	}
	state, err := r.tables.Table(id)
	if err != nil {
		return util.HashState{}, err
	}
	return state.Hash, nil
}

// AddPeer registers a freshly linked server and asks it for every table. A
// hub connecting while a table waits for resync prunes redundant hubs first.
func (r *ReplicationService) AddPeer(peerID string, class model.PeerClass) error {
	if _, ok := r.peers[peerID]; ok {
		return fmt.Errorf("peer %s already linked", peerID)
	}
	peer := model.NewPeer(peerID, class)
	r.peers[peerID] = peer
	r.peerOrder = append(r.peerOrder, peerID)
	r.metrics.PeersConnected.WithLabelValues(string(class)).Inc()

	r.logger.Info("Peer linked",
		zap.String("peer", peerID),
		zap.String("class", string(class)))

	if peer.IsHub() && len(r.resync) > 0 {
		r.pruneHubs(r.firstHub())
		if _, ok := r.peers[peerID]; !ok {
			return nil
		}
	}

	for _, spec := range r.tables.Layout() {
		if r.resync[spec.ID] && !peer.IsHub() {
			continue
		}
		state, _ := r.tables.Table(spec.ID)
		r.transport.Send(peerID, wire.Join{Table: spec.ID, Since: state.Serial})
	}
	return nil
}

// RemovePeer forgets a server whose link closed
func (r *ReplicationService) RemovePeer(peerID string) {
	peer, ok := r.peers[peerID]
	if !ok {
		return
	}
	delete(r.peers, peerID)
	for i, id := range r.peerOrder {
		if id == peerID {
			r.peerOrder = append(r.peerOrder[:i], r.peerOrder[i+1:]...)
			break
		}
	}
	r.metrics.PeersConnected.WithLabelValues(string(peer.Class)).Dec()
	r.logger.Info("Peer unlinked", zap.String("peer", peerID))
}

// Peer returns a linked peer
func (r *ReplicationService) Peer(peerID string) (*model.Peer, bool) {
	peer, ok := r.peers[peerID]
	return peer, ok
}

func (r *ReplicationService) firstHub() string {
	for _, id := range r.peerOrder {
		if r.peers[id].IsHub() {
			return id
		}
	}
	return ""
}

// pruneHubs disconnects every hub except keep. With more than one uplink a
// destructive change could arrive from two directions; the dropped hubs have
// to rejoin and resynchronise through the remaining one.
func (r *ReplicationService) pruneHubs(keep string) {
	var extra []string
	for _, id := range r.peerOrder {
		if id != keep && r.peers[id].IsHub() {
			extra = append(extra, id)
		}
	}
	for _, id := range extra {
		r.logger.Warn("Disconnecting redundant hub link",
			zap.String("hub", id),
			zap.String("kept", keep))
		r.transport.Disconnect(id, "redundant hub link during DDB resync")
		r.RemovePeer(id)
		r.metrics.HubDisconnectTotal.Inc()
	}
	if len(extra) > 0 {
		r.notice(fmt.Sprintf("DDB: disconnected %d redundant hub link(s), keeping %s", len(extra), keep))
	}
}

// fatal stops the engine: operators are told and the process terminates
func (r *ReplicationService) fatal(err error) error {
	if r.dead {
		return err
	}
	r.dead = true
	r.metrics.FatalErrorsTotal.Inc()
	r.logger.Error("Fatal DDB error", zap.Error(err))
	r.notice(fmt.Sprintf("DB Error: %v", err))
	r.terminator.Terminate(err)
	return err
}

func (r *ReplicationService) notice(text string) {
	if r.notifier != nil {
		r.notifier.Notice(text)
	}
}

func (r *ReplicationService) updateTableMetrics(id model.TableID, state *TableState) {
	r.metrics.UpdateTableStats(id.String(), state.Serial, state.Count(), state.LogLines)
}
