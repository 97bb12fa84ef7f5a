package pbft

import (
	"github.com/HyperionV/Distributed-Consesus-System-Raft-pBFT/transport"
)

// Client delivers phase messages to one peer by id. Phase traffic is
// fire-and-forget: a failed delivery is just a vote that never arrives.
type Client interface {
	sendPrePrepare(peerID uint32, req *PrePrepareRequest) error
	sendPrepare(peerID uint32, req *PrepareRequest) error
	sendCommit(peerID uint32, req *CommitRequest) error
}

type PBFTClient struct {
	pc *transport.PeerClient
}

func NewPBFTClient(pc *transport.PeerClient) *PBFTClient {
	return &PBFTClient{pc: pc}
}

func (c *PBFTClient) sendPrePrepare(peerID uint32, req *PrePrepareRequest) error {
	var resp PhaseResponse
	return c.pc.Post(peerID, "/pre_prepare", req, &resp)
}

func (c *PBFTClient) sendPrepare(peerID uint32, req *PrepareRequest) error {
	var resp PhaseResponse
	return c.pc.Post(peerID, "/prepare", req, &resp)
}

func (c *PBFTClient) sendCommit(peerID uint32, req *CommitRequest) error {
	var resp PhaseResponse
	return c.pc.Post(peerID, "/commit", req, &resp)
}
