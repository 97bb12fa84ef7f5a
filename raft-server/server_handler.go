package server

import (
	"fmt"
	"time"

	"github.com/HyperionV/Distributed-Consesus-System-Raft-pBFT/wal"
)

// SubmitResult is what a client gets back from SubmitCommand: ok, not-leader
// (possibly with a hint), timeout, or a persistence failure on the leader.
type SubmitResult struct {
	OK         bool   `json:"ok"`
	Index      uint32 `json:"index,omitempty"`
	LeaderHint uint32 `json:"leader_hint,omitempty"`
	Error      string `json:"error,omitempty"`
}

// HandleSubmit appends a client command on the leader and replies only after
// the entry is committed and applied. Non-leaders reject with the last-known
// leader id as a hint.
func (s *Server) HandleSubmit(cmd []byte) SubmitResult {
	s.mx.Lock()

	if s.state != Leader {
		var hint = s.leaderID
		s.mx.Unlock()
		return SubmitResult{OK: false, LeaderHint: hint, Error: "not leader"}
	}

	var lastIndex, _ = s.lastLogIndexAndTerm()
	var index = lastIndex + 1
	var term = s.persistentState.currentTerm

	s.persistentState.log = append(s.persistentState.log, wal.Entry{
		Index:   index,
		Term:    term,
		Command: cmd,
	})

	if err := s.persist(); err != nil {
		// never advertise an entry that isn't durable
		s.persistentState.log = s.persistentState.log[:len(s.persistentState.log)-1]
		s.mx.Unlock()
		return SubmitResult{OK: false, Error: fmt.Sprintf("persistence failure: %v", err)}
	}

	s.mx.Unlock()

	// replicate on demand, don't wait for the next heartbeat tick
	s.broadcastAppendEntries()

	var deadline = time.Now().Add(submitTimeout)
	for time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)

		s.mx.RLock()
		// the entry is ours as long as it survived at (index, term):
		// a competing leader may have truncated it away
		var overwritten = int(index) > len(s.persistentState.log) ||
			s.persistentState.log[index-1].Term != term
		var applied = s.volatileState.lastApplied >= index
		var hint = s.leaderID
		s.mx.RUnlock()

		if overwritten {
			return SubmitResult{OK: false, LeaderHint: hint, Error: "not leader"}
		}

		if applied {
			return SubmitResult{OK: true, Index: index}
		}
	}

	return SubmitResult{OK: false, Error: "timeout waiting for commit"}
}

// HandleAppendEntries processes a heartbeat or replication batch from a leader.
func (s *Server) HandleAppendEntries(req *AppendEntriesRequest) *AppendEntriesResponse {
	s.mx.Lock()
	defer s.mx.Unlock()

	var resp = &AppendEntriesResponse{
		Term:    s.persistentState.currentTerm,
		Success: false,
	}

	// check the relevance of the requested term
	if req.Term < s.persistentState.currentTerm {
		return resp
	}

	// update state if term is higher
	if req.Term > s.persistentState.currentTerm {
		s.persistentState.currentTerm = req.Term
		s.persistentState.votedFor = 0

		if err := s.persist(); err != nil {
			// can't acknowledge anything on top of an unsaved term
			return resp
		}

		resp.Term = req.Term
	}

	// a valid AppendEntries for our term means there is a live leader
	if s.state != Follower {
		s.state = Follower
		if s.heartbeatTicker != nil {
			s.heartbeatTicker.Stop()
			s.heartbeatTicker = nil
		}
		s.updateMetrics()
	}
	s.leaderID = req.LeaderID
	s.resetElectionTimer()

	// consistency check: we must hold the entry right before the new ones.
	// If not, logs diverged somewhere behind prevLogIndex: reject, and the
	// leader backs nextIndex off by one and retries.
	if req.PrevLogIndex > 0 {
		if int(req.PrevLogIndex) > len(s.persistentState.log) {
			return resp
		}
		if s.persistentState.log[req.PrevLogIndex-1].Term != req.PrevLogTerm {
			return resp
		}
	}

	// append new entries; a conflicting entry (same index, different term)
	// truncates everything from that index onwards
	var modified = false
	for _, newEntry := range req.Entries {
		if int(newEntry.Index) <= len(s.persistentState.log) {
			if s.persistentState.log[newEntry.Index-1].Term != newEntry.Term {
				s.persistentState.log = s.persistentState.log[:newEntry.Index-1]
				s.persistentState.log = append(s.persistentState.log, newEntry)
				modified = true
			}
			// same index, same term: already present, nothing to do
		} else {
			s.persistentState.log = append(s.persistentState.log, newEntry)
			modified = true
		}
	}

	if modified {
		if err := s.persist(); err != nil {
			// the leader must not count us as replicated
			return resp
		}
	}

	// advance commit index up to what the leader has committed,
	// bounded by the last entry this request vouched for
	if req.LeaderCommit > s.volatileState.commitedIndex {
		var ci = req.LeaderCommit
		if last := req.PrevLogIndex + uint32(len(req.Entries)); last < ci {
			ci = last
		}

		if ci > s.volatileState.commitedIndex {
			s.volatileState.commitedIndex = ci
			s.updateMetrics()
			s.notifyApply()
		}
	}

	resp.Success = true
	return resp
}

// HandleRequestVote processes a RequestVote RPC from a candidate.
func (s *Server) HandleRequestVote(req *RequestVoteRequest) *RequestVoteResponse {
	s.mx.Lock()
	defer s.mx.Unlock()

	var resp = &RequestVoteResponse{
		Term:        s.persistentState.currentTerm,
		VoteGranted: false,
	}

	// check the relevance of the requested term, reject if it's lower
	if req.Term < s.persistentState.currentTerm {
		return resp
	}

	// update state if term is higher
	if req.Term > s.persistentState.currentTerm {
		s.persistentState.currentTerm = req.Term
		s.persistentState.votedFor = 0

		if s.state != Follower {
			s.state = Follower
			if s.heartbeatTicker != nil {
				s.heartbeatTicker.Stop()
				s.heartbeatTicker = nil
			}
		}

		if err := s.persist(); err != nil {
			// an unsaved term bump may not influence the election
			return resp
		}

		resp.Term = req.Term
		s.updateMetrics()
	}

	// check if we've already voted in this term
	if s.persistentState.votedFor != 0 &&
		s.persistentState.votedFor != req.CandidateID {
		return resp
	}

	// check if candidate's log is at least as up to date as receiver's log
	// (section 5.4.1 of the Raft thesis: https://raft.github.io/raft.pdf)
	var lastLogIndex, lastLogTerm = s.lastLogIndexAndTerm()

	var logUpToDate = req.LastLogTerm > lastLogTerm ||
		(req.LastLogTerm == lastLogTerm && req.LastLogIndex >= lastLogIndex)

	if logUpToDate {
		// grant vote
		s.persistentState.votedFor = req.CandidateID

		if err := s.persist(); err != nil {
			// don't grant a vote the server can't remember
			s.persistentState.votedFor = 0
			return resp
		}

		s.resetElectionTimer()

		fmt.Printf("[%d] Voted for %d, term=%d\n", s.ID, req.CandidateID, req.Term)
		resp.VoteGranted = true
	}

	return resp
}
