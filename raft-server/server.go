package server

import (
	"fmt"
	"sync"
	"time"

	state_machine "github.com/HyperionV/Distributed-Consesus-System-Raft-pBFT/state-machine"
	"github.com/HyperionV/Distributed-Consesus-System-Raft-pBFT/wal"
)

const (
	// election timer uniform [300ms, 600ms), heartbeats every 50ms,
	// submit gives replication 2s to commit and apply
	electionTimeoutMin = 300 * time.Millisecond
	electionTimeoutMax = 600 * time.Millisecond
	heartbeatInterval  = 50 * time.Millisecond
	submitTimeout      = 2 * time.Second
)

type Server struct {
	ID    uint32
	peers []uint32 // all server ID's in cluster, including our own

	mx sync.RWMutex

	persistentState persistentState // state written to disk
	wal             *wal.WAL        // durable store behind persist/restore
	volatileState   volatileState   // for each server
	leaderState     leaderState     // only used when state == Leader

	// current state
	state State

	// last observed leader, returned as a hint on rejected submits
	leaderID uint32

	electionTimer   *time.Timer  // timer that triggers election if no heartbeat received
	heartbeatTicker *time.Ticker // ticker that sends periodic heartbeats

	sm     *state_machine.StateMachine
	client Client

	// nudges the apply worker after commitIndex advances
	applyCh chan struct{}

	// signal to stop all goroutines
	shutdownCh   chan struct{}
	shutdownOnce sync.Once
}

func NewServer(id uint32, peers []uint32, dataDir string, client Client) (*Server, error) {
	w, err := wal.Open(dataDir, id)
	if err != nil {
		return nil, err
	}

	// a corrupt WAL is fatal: rejoining with amnesia can double-vote
	saved, err := w.Load()
	if err != nil {
		return nil, fmt.Errorf("cannot restore server %d: %w", id, err)
	}

	server := &Server{
		ID:    id,
		peers: peers,
		wal:   w,
		state: Follower,
		persistentState: persistentState{
			currentTerm: saved.CurrentTerm,
			votedFor:    saved.VotedFor,
			log:         saved.Log,
		},
		leaderState: leaderState{
			nextIndex:  make(map[uint32]uint32),
			matchIndex: make(map[uint32]uint32),
		},
		volatileState: volatileState{
			commitedIndex: 0,
			lastApplied:   0,
		},
		sm:         state_machine.New(),
		client:     client,
		applyCh:    make(chan struct{}, 1),
		shutdownCh: make(chan struct{}),
	}

	server.electionTimer = time.NewTimer(time.Hour)
	server.electionTimer.Stop()

	return server, nil
}

func (s *Server) Start() {
	fmt.Printf("[%d] Started: term=%d log_len=%d\n", s.ID, s.persistentState.currentTerm, len(s.persistentState.log))

	// start election timer, needed for follower and candidate states,
	// because leaders don't hold elections, they stop the timer
	s.resetElectionTimer()

	go s.run()
	go s.runApplyLoop()
}

// run is the main cycle for each server, it waits for events and handles them
func (s *Server) run() {
	for {
		select {
		case <-s.shutdownCh:
			return

		case <-s.electionTimer.C:
			// election timer fired - no heartbeat from leader
			s.startElection()
		}
	}
}

func (s *Server) Shutdown() {
	s.shutdownOnce.Do(func() {
		close(s.shutdownCh)
	})

	s.mx.Lock()
	defer s.mx.Unlock()

	if s.electionTimer != nil {
		s.electionTimer.Stop()
	}

	if s.heartbeatTicker != nil {
		s.heartbeatTicker.Stop()
	}
}

// State reports the current term and whether this server believes it is the leader.
func (s *Server) State() (uint32, bool) {
	s.mx.RLock()
	defer s.mx.RUnlock()

	return s.persistentState.currentTerm, s.state == Leader
}

// Status is the snapshot served on the control surface.
type Status struct {
	ID          uint32 `json:"id"`
	State       string `json:"state"`
	Term        uint32 `json:"term"`
	VotedFor    uint32 `json:"voted_for"`
	LeaderID    uint32 `json:"leader_id"`
	LogLength   int    `json:"log_length"`
	CommitIndex uint32 `json:"commit_index"`
	LastApplied uint32 `json:"last_applied"`
}

func (s *Server) Status() Status {
	s.mx.RLock()
	defer s.mx.RUnlock()

	return Status{
		ID:          s.ID,
		State:       s.state.String(),
		Term:        s.persistentState.currentTerm,
		VotedFor:    s.persistentState.votedFor,
		LeaderID:    s.leaderID,
		LogLength:   len(s.persistentState.log),
		CommitIndex: s.volatileState.commitedIndex,
		LastApplied: s.volatileState.lastApplied,
	}
}

// StateMachine exposes the applied store for local reads.
func (s *Server) StateMachine() *state_machine.StateMachine {
	return s.sm
}

func (s *Server) sendHeartbeats(ticker *time.Ticker) {
	for {
		select {
		case <-s.shutdownCh:
			return

		case <-ticker.C:
			// check if still leader
			s.mx.RLock()
			if s.state != Leader {
				s.mx.RUnlock()
				return
			}
			s.mx.RUnlock()

			s.broadcastAppendEntries()
		}
	}
}

// broadcastAppendEntries sends AppendEntries to every peer, in parallel.
// Empty batches double as heartbeats.
func (s *Server) broadcastAppendEntries() {
	for _, peerID := range s.peers {
		if peerID == s.ID {
			continue
		}

		go s.replicateLog(peerID)
	}
}

func (s *Server) replicateLog(peerID uint32) {
	s.mx.RLock()

	if s.state != Leader {
		s.mx.RUnlock()
		return
	}

	// determine what to send to peer,
	// nextIndex[peer] - where to start from
	var term = s.persistentState.currentTerm
	var nextIndex = s.leaderState.nextIndex[peerID]
	if nextIndex < 1 {
		nextIndex = 1
	}

	// build the "consistency check" params:
	// prevLogIndex - the entry right before the new ones,
	// prevLogTerm - term of that entry.
	// The follower rejects unless it has a matching entry there.
	var prevLogIndex = nextIndex - 1
	var prevLogTerm = uint32(0)

	if prevLogIndex > 0 && int(prevLogIndex) <= len(s.persistentState.log) {
		prevLogTerm = s.persistentState.log[prevLogIndex-1].Term
	}

	// collect every entry from nextIndex onwards to send, as a copy:
	// the RPC happens outside the lock
	var entries []wal.Entry
	if int(nextIndex) <= len(s.persistentState.log) {
		entries = make([]wal.Entry, len(s.persistentState.log[nextIndex-1:]))
		copy(entries, s.persistentState.log[nextIndex-1:])
	}

	var req = &AppendEntriesRequest{
		Term:         term,
		LeaderID:     s.ID,
		PrevLogIndex: prevLogIndex,
		PrevLogTerm:  prevLogTerm,
		Entries:      entries,
		LeaderCommit: s.volatileState.commitedIndex, // tell follower what's commited
	}

	s.mx.RUnlock()

	var resp, err = s.client.sendAppendEntries(peerID, req)
	if err != nil {
		// no answer this round, the next tick retries
		return
	}

	s.mx.Lock()
	defer s.mx.Unlock()

	// check if peer has higher term
	if resp.Term > s.persistentState.currentTerm {
		// we're behind, need to step down to the follower state
		s.stepDown(resp.Term)
		return
	}

	// a late reply from an older term of ours carries no information
	if s.state != Leader || s.persistentState.currentTerm != term {
		return
	}

	// if log inconsistent, decrement next index and retry (on next heartbeat)
	if !resp.Success {
		if s.leaderState.nextIndex[peerID] > 1 {
			s.leaderState.nextIndex[peerID]--
		}
		return
	}

	// peer replicated the entries, update our tracking
	if len(entries) > 0 {
		var last = entries[len(entries)-1].Index
		if last > s.leaderState.matchIndex[peerID] {
			s.leaderState.matchIndex[peerID] = last
		}
		s.leaderState.nextIndex[peerID] = last + 1
	}

	s.updateCommitIndex()
}

// updateCommitIndex advances commitIndex to the highest N replicated on a
// majority, but only for entries from the current term: counting an old-term
// entry by replicas alone can commit something a later leader overwrites.
// Must be called with s.mx held.
func (s *Server) updateCommitIndex() {
	// only the leader can commit by counting
	if s.state != Leader {
		return
	}

	var advanced = false

	for n := s.volatileState.commitedIndex + 1; int(n) <= len(s.persistentState.log); n++ {
		if s.persistentState.log[n-1].Term != s.persistentState.currentTerm {
			continue
		}

		// count how many servers have this index
		count := 1 // count self
		for _, peerID := range s.peers {
			if peerID != s.ID && s.leaderState.matchIndex[peerID] >= n {
				count++
			}
		}

		// do we have a majority?
		if count >= len(s.peers)/2+1 {
			s.volatileState.commitedIndex = n
			advanced = true
		}
	}

	if advanced {
		s.updateMetrics()
		s.notifyApply()
	}
}

func (s *Server) notifyApply() {
	select {
	case s.applyCh <- struct{}{}:
	default:
	}
}

// runApplyLoop is the dedicated worker that advances lastApplied toward
// commitIndex, handing each entry to the state machine in index order.
// Leaders and followers apply alike.
func (s *Server) runApplyLoop() {
	for {
		select {
		case <-s.shutdownCh:
			return

		case <-s.applyCh:
			s.applyCommitedEntries()
		}
	}
}

func (s *Server) applyCommitedEntries() {
	s.mx.Lock()
	defer s.mx.Unlock()

	for s.volatileState.lastApplied < s.volatileState.commitedIndex &&
		int(s.volatileState.lastApplied) < len(s.persistentState.log) {

		s.volatileState.lastApplied++
		var entry = s.persistentState.log[s.volatileState.lastApplied-1]
		_, _ = s.sm.Apply(entry.Command)
	}
}
