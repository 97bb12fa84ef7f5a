package pbft

import (
	"crypto/sha256"
	"encoding/hex"
)

// othersIDs lists every peer except this node.
func (s *Server) othersIDs() []uint32 {
	others := make([]uint32, 0, len(s.peers)-1)
	for _, p := range s.peers {
		if p != s.ID {
			others = append(others, p)
		}
	}
	return others
}

func garbageDigest() string {
	sum := sha256.Sum256([]byte("garbage"))
	return hex.EncodeToString(sum[:])
}

func (s *Server) broadcastPrePrepare(view, seq uint32, digest string, request []byte) {
	tampered := garbageDigest()

	for i, peerID := range s.othersIDs() {
		d := digest
		if s.mode == Byzantine && i%2 == 1 {
			// a faulty primary equivocates: half the cluster sees a digest
			// that doesn't hash the request
			d = tampered
		}

		req := &PrePrepareRequest{
			View:      view,
			Seq:       seq,
			Digest:    d,
			Request:   request,
			PrimaryID: s.ID,
		}

		go func(peer uint32) {
			_ = s.client.sendPrePrepare(peer, req)
		}(peerID)
	}
}

func (s *Server) broadcastPrepare(view, seq uint32, digest string) {
	for _, peerID := range s.othersIDs() {
		req := &PrepareRequest{
			View:      view,
			Seq:       seq,
			Digest:    digest,
			ReplicaID: s.ID,
		}

		go func(peer uint32) {
			_ = s.client.sendPrepare(peer, req)
		}(peerID)
	}
}

func (s *Server) broadcastCommit(view, seq uint32, digest string) {
	for _, peerID := range s.othersIDs() {
		req := &CommitRequest{
			View:      view,
			Seq:       seq,
			Digest:    digest,
			ReplicaID: s.ID,
		}

		go func(peer uint32) {
			_ = s.client.sendCommit(peer, req)
		}(peerID)
	}
}

// byzantineReact is what a faulty replica does instead of honest processing:
// it re-broadcasts the pre-prepare claiming to be the primary, sends
// contradictory prepares (matching digest to some peers, garbage to others)
// and omits one peer entirely. Honest nodes must shrug all of it off.
func (s *Server) byzantineReact(req *PrePrepareRequest) {
	tampered := garbageDigest()
	others := s.othersIDs()

	for i, peerID := range others {
		if i == len(others)-1 {
			// omission: the last peer hears nothing from us
			continue
		}

		pp := &PrePrepareRequest{
			View:      req.View,
			Seq:       req.Seq,
			Digest:    tampered,
			Request:   req.Request,
			PrimaryID: s.ID, // false claim of primacy
		}

		d := req.Digest
		if i%2 == 1 {
			d = tampered
		}

		pr := &PrepareRequest{
			View:      req.View,
			Seq:       req.Seq,
			Digest:    d,
			ReplicaID: s.ID,
		}

		go func(peer uint32) {
			_ = s.client.sendPrePrepare(peer, pp)
			_ = s.client.sendPrepare(peer, pr)
		}(peerID)
	}
}
