// Package wire holds the DDB peer link messages and their line codec.
//
// Every message is one line of space separated fields:
//
//	S <server-name>                              handshake
//	J <since-serial> <table>                     join (catch-up) request
//	B <serial> <table>                           burst complete
//	<serial> <origin> <table> <key> [value]      record
//	D <table> / E <table>                        drop / erase a table
//	Q <table|*>                                  hash query
//	R <table|*> <hash>                           hash reply
package wire

import (
	"github.com/devrev/ddbd/internal/model"
	"github.com/devrev/ddbd/internal/util"
)

// Kind tags a message variant
type Kind int

const (
	KindHello Kind = iota
	KindRecord
	KindJoin
	KindBurstDone
	KindDrop
	KindHashQuery
	KindHashReply
)

func (k Kind) String() string {
	switch k {
	case KindHello:
		return "hello"
	case KindRecord:
		return "record"
	case KindJoin:
		return "join"
	case KindBurstDone:
		return "burst_done"
	case KindDrop:
		return "drop"
	case KindHashQuery:
		return "hash_query"
	case KindHashReply:
		return "hash_reply"
	default:
		return "unknown"
	}
}

// Message is one peer link message
type Message interface {
	Kind() Kind
}

// Hello introduces a server on a fresh link
type Hello struct {
	Name string
}

// Record carries one log entry of a table
type Record struct {
	Table model.TableID
	Entry model.LogEntry
}

// Join asks the peer for every record of Table after Since
type Join struct {
	Table model.TableID
	Since uint64
}

// BurstDone ends a burst response; Serial is the sender's current serial
type BurstDone struct {
	Table  model.TableID
	Serial uint64
}

// Drop tells the receiver to wipe a table. Erase also cascades the wipe to
// the receiver's own peers.
type Drop struct {
	Table model.TableID
	Erase bool
}

// HashQuery asks for the hash of one table, or of all tables when All is set
type HashQuery struct {
	Table model.TableID
	All   bool
}

// HashReply answers a HashQuery
type HashReply struct {
	Table model.TableID
	All   bool
	Hash  util.HashState
}

func (Hello) Kind() Kind     { return KindHello }
func (Record) Kind() Kind    { return KindRecord }
func (Join) Kind() Kind      { return KindJoin }
func (BurstDone) Kind() Kind { return KindBurstDone }
func (Drop) Kind() Kind      { return KindDrop }
func (HashQuery) Kind() Kind { return KindHashQuery }
func (HashReply) Kind() Kind { return KindHashReply }
