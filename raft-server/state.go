package server

import (
	"github.com/HyperionV/Distributed-Consesus-System-Raft-pBFT/wal"
)

type State int

const (
	// Follower - normal state, receives commands from leader
	// If no heartbeats received, becomes candidate
	Follower State = iota

	// Candidate - trying to become leader, requests votes from other servers
	Candidate

	// Leader - receives client requests and replicates to followers
	// Only 1 leader at a time in the cluster
	Leader
)

func (s State) String() string {
	switch s {
	case Follower:
		return "Follower"
	case Candidate:
		return "Candidate"
	case Leader:
		return "Leader"
	default:
		return "Unknown"
	}
}

// persistentState is the state that MUST BE persisted on all servers and survive crashes
type persistentState struct {
	// currentTerm is the latest term server has seen
	// (initialized to 0 on first boot, increases monotonically)
	currentTerm uint32

	// votedFor marks which candidate did we vote for in the current term
	// 0 == haven't voted yet
	votedFor uint32

	// log is a sequence of commands for the state machine,
	// contiguous indices starting from 1, so log[i-1] holds index i
	log []wal.Entry
}

// volatileState represents data that can be rebuilt after a crash, kept in memory
type volatileState struct {
	// commitedIndex is the highest log entry known to be commited
	commitedIndex uint32

	// lastApplied is the highest log entry applied to state machine
	lastApplied uint32
}

// leaderState is the data that server tracks about what each follower has replicated
type leaderState struct {
	// nextIndex: for each server, index of the next log entry to send
	// Initialized to (last log index + 1)
	// If append fails, decrement and retry
	nextIndex map[uint32]uint32

	// matchIndex: for each server: highest log entry known to be replicated,
	// Used to determine when entries are commited (majority rule)
	matchIndex map[uint32]uint32
}

// persist writes the persistent state through the WAL. Must be called with
// s.mx held. Nothing that depends on an unsaved change may leave the node
// until persist returns nil.
func (s *Server) persist() error {
	logCopy := make([]wal.Entry, len(s.persistentState.log))
	copy(logCopy, s.persistentState.log)

	return s.wal.Save(wal.State{
		CurrentTerm: s.persistentState.currentTerm,
		VotedFor:    s.persistentState.votedFor,
		Log:         logCopy,
	})
}

func (s *Server) lastLogIndexAndTerm() (uint32, uint32) {
	if len(s.persistentState.log) == 0 {
		return 0, 0
	}

	var lastEntry = s.persistentState.log[len(s.persistentState.log)-1]
	return lastEntry.Index, lastEntry.Term
}
