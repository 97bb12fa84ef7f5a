package server

import (
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// resetElectionTimer re-arms the election timer with a fresh random timeout.
// If all the servers timed out at the same time, they'd all become candidates,
// causing failed elections. Randomization means one server usually becomes a
// candidate first.
func (s *Server) resetElectionTimer() {
	var spread = int64(electionTimeoutMax - electionTimeoutMin)
	var timeout = electionTimeoutMin + time.Duration(rand.Int63n(spread))

	if !s.electionTimer.Stop() {
		select {
		case <-s.electionTimer.C:
		default:
		}
	}

	s.electionTimer.Reset(timeout)
}

func (s *Server) startElection() {
	s.mx.Lock()

	// leaders don't hold elections; a stray timer fire after winning is noise
	if s.state == Leader {
		s.mx.Unlock()
		return
	}

	// become a candidate
	s.state = Candidate

	// increment term (new election round)
	s.persistentState.currentTerm++
	var currentTerm = s.persistentState.currentTerm

	// vote for yourself
	s.persistentState.votedFor = s.ID

	if err := s.persist(); err != nil {
		// we may not campaign on a term bump that isn't durable
		fmt.Printf("[%d] Election aborted, persist failed: %v\n", s.ID, err)
		s.mx.Unlock()
		s.resetElectionTimer()
		return
	}

	fmt.Printf("[%d] Become Candidate, term=%d\n", s.ID, currentTerm)

	var lastLogIndex, lastLogTerm = s.lastLogIndexAndTerm()
	var majority = len(s.peers)/2 + 1

	s.updateMetrics()
	s.mx.Unlock()

	// re-arm the timer so a split vote triggers a fresh election
	s.resetElectionTimer()

	// collect votes from all peers, start with 1 vote (yourself)
	var votes = 1
	var voteMx sync.Mutex

	if votes >= majority {
		// single-server cluster
		s.becomeLeader(currentTerm)
		return
	}

	for _, peerID := range s.peers {
		if peerID == s.ID {
			continue
		}

		// request votes from the other peers in parallel
		go func(peer uint32) {
			var req = &RequestVoteRequest{
				Term:         currentTerm,
				CandidateID:  s.ID,
				LastLogIndex: lastLogIndex,
				LastLogTerm:  lastLogTerm,
			}

			// might fail if the peer is down/slow/partitioned away
			var resp, err = s.client.sendRequestVote(peer, req)
			if err != nil {
				return
			}

			// check if peer has higher term
			s.mx.Lock()
			if resp.Term > s.persistentState.currentTerm {
				// we're behind, need to step down,
				// no point in checking the other peers anymore
				s.stepDown(resp.Term)
				s.mx.Unlock()
				return
			}
			s.mx.Unlock()

			// count the vote if granted in our election term
			if resp.VoteGranted && resp.Term == currentTerm {
				voteMx.Lock()
				votes++

				if votes == majority {
					s.becomeLeader(currentTerm)
				}
				voteMx.Unlock()
			}
		}(peerID)
	}
}

func (s *Server) becomeLeader(term uint32) {
	s.mx.Lock()
	defer s.mx.Unlock()

	// only become leader if still a candidate in the same election term:
	// a late majority for an old term means nothing
	if s.state != Candidate || s.persistentState.currentTerm != term {
		return
	}

	s.state = Leader
	s.leaderID = s.ID

	fmt.Printf("[%d] Become Leader, term=%d\n", s.ID, term)

	// init leader state,
	// for each peer: track what they have replicated
	var lastLogIndex, _ = s.lastLogIndexAndTerm()

	for _, peerID := range s.peers {
		if peerID != s.ID {
			s.leaderState.nextIndex[peerID] = lastLogIndex + 1
			s.leaderState.matchIndex[peerID] = 0
		}
	}

	// stop the election timer, leaders don't hold elections
	s.electionTimer.Stop()

	s.updateMetrics()

	// heartbeats are just empty AppendEntries RPC's,
	// they prevent followers from starting elections
	var ticker = time.NewTicker(heartbeatInterval)
	s.heartbeatTicker = ticker
	go s.sendHeartbeats(ticker)

	// announce leadership right away instead of waiting for the first tick
	go s.broadcastAppendEntries()
}

// stepDown reverts to Follower upon discovering a higher term.
// Must be called with s.mx held.
func (s *Server) stepDown(term uint32) {
	if term <= s.persistentState.currentTerm && s.state == Follower {
		return
	}

	fmt.Printf("[%d] Stepping down to Follower, term=%d\n", s.ID, term)

	if term > s.persistentState.currentTerm {
		s.persistentState.currentTerm = term
		s.persistentState.votedFor = 0
		_ = s.persist()
	}

	s.state = Follower

	if s.heartbeatTicker != nil {
		s.heartbeatTicker.Stop()
		s.heartbeatTicker = nil
	}

	s.updateMetrics()
	s.resetElectionTimer()
}
