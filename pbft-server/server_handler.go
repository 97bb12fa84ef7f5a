package pbft

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	state_machine "github.com/HyperionV/Distributed-Consesus-System-Raft-pBFT/state-machine"
)

// HandleSubmit takes a client request at the primary: assign the next
// sequence number, fix the digest, broadcast the pre-prepare and wait until
// the request is applied locally.
func (s *Server) HandleSubmit(cmd []byte) SubmitResult {
	requestID := uuid.NewString()

	s.mx.Lock()

	if s.primaryID(s.view) != s.ID {
		hint := s.primaryID(s.view)
		s.mx.Unlock()
		return SubmitResult{OK: false, PrimaryHint: hint, Error: "not primary"}
	}

	digest := state_machine.Digest(cmd)

	s.seq++
	seq := s.seq
	view := s.view

	sl := s.getSlot(view, seq)
	sl.accepted = true
	sl.digest = digest
	sl.request = cmd
	// the pre-prepare doubles as the primary's own prepare vote
	sl.prepares[s.ID] = digest

	s.lastActivity = time.Now()
	s.mx.Unlock()

	fmt.Printf("[%d] Submit %s assigned (view=%d, seq=%d)\n", s.ID, requestID, view, seq)

	s.broadcastPrePrepare(view, seq, digest, cmd)

	var deadline = time.Now().Add(submitTimeout)
	for time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)

		s.mx.Lock()
		applied := sl.applied
		result := sl.result
		s.mx.Unlock()

		if applied {
			return SubmitResult{
				OK:        true,
				View:      view,
				Seq:       seq,
				RequestID: requestID,
				Result:    string(result),
			}
		}
	}

	return SubmitResult{OK: false, View: view, Seq: seq, RequestID: requestID, Error: "timeout waiting for commit"}
}

// HandlePrePrepare processes the primary's request assignment. A replica
// accepts iff the sender is the current primary, the digest matches the
// request bytes, and no different request was accepted at this (view, seq).
func (s *Server) HandlePrePrepare(req *PrePrepareRequest) *PhaseResponse {
	if s.mode == Byzantine {
		// a faulty node reacts with tampered and contradictory traffic
		go s.byzantineReact(req)
		return &PhaseResponse{Accepted: false}
	}

	s.mx.Lock()

	if req.View != s.view {
		s.mx.Unlock()
		return &PhaseResponse{Accepted: false}
	}

	if req.PrimaryID != s.primaryID(req.View) {
		// only the primary of this view may assign sequence numbers
		s.mx.Unlock()
		return &PhaseResponse{Accepted: false}
	}

	if state_machine.Digest(req.Request) != req.Digest {
		fmt.Printf("[%d] Digest mismatch in pre-prepare (view=%d, seq=%d), dropping\n", s.ID, req.View, req.Seq)
		s.mx.Unlock()
		return &PhaseResponse{Accepted: false}
	}

	sl := s.getSlot(req.View, req.Seq)
	if sl.accepted && sl.digest != req.Digest {
		// already bound to a different request, never accept a second one
		s.mx.Unlock()
		return &PhaseResponse{Accepted: false}
	}

	if !sl.accepted {
		sl.accepted = true
		sl.digest = req.Digest
		sl.request = req.Request
		// the pre-prepare counts as the primary's prepare; add our own too
		sl.prepares[req.PrimaryID] = req.Digest
		sl.prepares[s.ID] = req.Digest
	}

	s.lastActivity = time.Now()
	needCommit := s.advance(req.View, req.Seq, sl)
	s.mx.Unlock()

	s.broadcastPrepare(req.View, req.Seq, req.Digest)

	if needCommit {
		s.broadcastCommit(req.View, req.Seq, req.Digest)
	}

	return &PhaseResponse{Accepted: true}
}

// HandlePrepare records a replica's prepare vote. Votes are keyed by sender,
// so duplicates and contradictions collapse to one; they only count once a
// matching pre-prepare fixed the digest.
func (s *Server) HandlePrepare(req *PrepareRequest) *PhaseResponse {
	if s.mode == Byzantine {
		return &PhaseResponse{Accepted: false}
	}

	s.mx.Lock()

	if req.View != s.view {
		s.mx.Unlock()
		return &PhaseResponse{Accepted: false}
	}

	sl := s.getSlot(req.View, req.Seq)
	sl.prepares[req.ReplicaID] = req.Digest

	s.lastActivity = time.Now()
	needCommit := s.advance(req.View, req.Seq, sl)
	digest := sl.digest
	s.mx.Unlock()

	if needCommit {
		s.broadcastCommit(req.View, req.Seq, digest)
	}

	return &PhaseResponse{Accepted: true}
}

// HandleCommit records a replica's commit vote and applies once 2f+1 agree
// and every earlier sequence number in the view is applied.
func (s *Server) HandleCommit(req *CommitRequest) *PhaseResponse {
	if s.mode == Byzantine {
		return &PhaseResponse{Accepted: false}
	}

	s.mx.Lock()

	if req.View != s.view {
		s.mx.Unlock()
		return &PhaseResponse{Accepted: false}
	}

	sl := s.getSlot(req.View, req.Seq)
	sl.commits[req.ReplicaID] = req.Digest

	s.lastActivity = time.Now()
	needCommit := s.advance(req.View, req.Seq, sl)
	digest := sl.digest
	s.mx.Unlock()

	if needCommit {
		s.broadcastCommit(req.View, req.Seq, digest)
	}

	return &PhaseResponse{Accepted: true}
}
