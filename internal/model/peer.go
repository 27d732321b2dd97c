package model

// PeerClass classifies a connected server for DDB purposes
type PeerClass string

const (
	PeerClassHub  PeerClass = "hub"  // Upstream in the replication tree
	PeerClassLeaf PeerClass = "leaf" // Downstream, no DDB authority
)

// ReplicationState is the per-table outbound state of a peer
type ReplicationState int

const (
	// StateClosed means the peer has not caught up and gets no live writes
	StateClosed ReplicationState = iota
	// StateOpen means every subsequent write is streamed to the peer
	StateOpen
)

func (s ReplicationState) String() string {
	if s == StateOpen {
		return "open"
	}
	return "closed"
}

// Peer is a connected server
type Peer struct {
	ID    string
	Class PeerClass

	// outbound replication state per table
	states map[TableID]ReplicationState
	// inbound burst progress per table: true once a B confirmed we caught up
	synced map[TableID]bool
	// serial of the last record sent in an unfinished outbound burst
	resume map[TableID]uint64
}

// NewPeer creates a peer with every table CLOSED
func NewPeer(id string, class PeerClass) *Peer {
	return &Peer{
		ID:     id,
		Class:  class,
		states: make(map[TableID]ReplicationState),
		synced: make(map[TableID]bool),
		resume: make(map[TableID]uint64),
	}
}

// IsHub reports whether the peer is an upstream hub
func (p *Peer) IsHub() bool {
	return p.Class == PeerClassHub
}

// State returns the outbound replication state for a table
func (p *Peer) State(table TableID) ReplicationState {
	return p.states[table]
}

// SetState sets the outbound replication state for a table
func (p *Peer) SetState(table TableID, state ReplicationState) {
	p.states[table] = state
}

// Synced reports whether we finished bursting the table from this peer
func (p *Peer) Synced(table TableID) bool {
	return p.synced[table]
}

// SetSynced records inbound burst completion for a table
func (p *Peer) SetSynced(table TableID, synced bool) {
	p.synced[table] = synced
}

// Resume returns where the last partial burst of a table ended, or 0
func (p *Peer) Resume(table TableID) uint64 {
	return p.resume[table]
}

// SetResume records the serial of the last record sent in a partial burst.
// Zero clears it.
func (p *Peer) SetResume(table TableID, serial uint64) {
	if serial == 0 {
		delete(p.resume, table)
		return
	}
	p.resume[table] = serial
}
