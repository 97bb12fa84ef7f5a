package server

import (
	"time"

	"github.com/HyperionV/Distributed-Consesus-System-Raft-pBFT/transport"
)

// Client sends protocol RPCs to one peer by id. The production implementation
// goes over HTTP through the shared peer fabric; tests swap in an in-process
// mock.
type Client interface {
	sendRequestVote(peerID uint32, req *RequestVoteRequest) (*RequestVoteResponse, error)
	sendAppendEntries(peerID uint32, req *AppendEntriesRequest) (*AppendEntriesResponse, error)
}

type RaftClient struct {
	pc *transport.PeerClient
}

func NewRaftClient(pc *transport.PeerClient) *RaftClient {
	return &RaftClient{pc: pc}
}

func (c *RaftClient) sendRequestVote(peerID uint32, req *RequestVoteRequest) (*RequestVoteResponse, error) {
	var resp RequestVoteResponse
	if err := c.pc.Post(peerID, "/request_vote", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *RaftClient) sendAppendEntries(peerID uint32, req *AppendEntriesRequest) (*AppendEntriesResponse, error) {
	// replication batches get a deadline proportional to the payload;
	// plain heartbeats keep the default
	var timeout = transport.DefaultTimeout + time.Duration(len(req.Entries))*time.Millisecond

	var resp AppendEntriesResponse
	if err := c.pc.PostWithTimeout(peerID, "/append_entries", req, &resp, timeout); err != nil {
		return nil, err
	}
	return &resp, nil
}
