package server

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	state_machine "github.com/HyperionV/Distributed-Consesus-System-Raft-pBFT/state-machine"
	"github.com/HyperionV/Distributed-Consesus-System-Raft-pBFT/wal"
)

// mockNetwork delivers RPCs between in-process servers. Per-direction drops
// model partitions the way the real peer client's partition filter does;
// down servers model crashes.
type mockNetwork struct {
	mx sync.RWMutex

	servers map[uint32]*Server
	down    map[uint32]bool
	blocked map[uint32]map[uint32]bool // from -> to
}

func newMockNetwork() *mockNetwork {
	return &mockNetwork{
		servers: make(map[uint32]*Server),
		down:    make(map[uint32]bool),
		blocked: make(map[uint32]map[uint32]bool),
	}
}

func (n *mockNetwork) register(id uint32, srv *Server) {
	n.mx.Lock()
	defer n.mx.Unlock()
	n.servers[id] = srv
}

func (n *mockNetwork) clientFor(id uint32) Client {
	return &mockRaftClient{net: n, from: id}
}

func (n *mockNetwork) setDown(id uint32, down bool) {
	n.mx.Lock()
	defer n.mx.Unlock()
	n.down[id] = down
}

func (n *mockNetwork) block(from, to uint32) {
	n.mx.Lock()
	defer n.mx.Unlock()

	if n.blocked[from] == nil {
		n.blocked[from] = make(map[uint32]bool)
	}
	n.blocked[from][to] = true
}

func (n *mockNetwork) unblockAll() {
	n.mx.Lock()
	defer n.mx.Unlock()
	n.blocked = make(map[uint32]map[uint32]bool)
}

func (n *mockNetwork) isDown(id uint32) bool {
	n.mx.RLock()
	defer n.mx.RUnlock()
	return n.down[id]
}

func (n *mockNetwork) dropped(from, to uint32) bool {
	n.mx.RLock()
	defer n.mx.RUnlock()
	return n.down[from] || n.down[to] || n.blocked[from][to]
}

func (n *mockNetwork) target(to uint32) *Server {
	n.mx.RLock()
	defer n.mx.RUnlock()
	return n.servers[to]
}

type mockRaftClient struct {
	net  *mockNetwork
	from uint32
}

func (c *mockRaftClient) sendRequestVote(serverID uint32, req *RequestVoteRequest) (*RequestVoteResponse, error) {
	if c.net.dropped(c.from, serverID) {
		return nil, fmt.Errorf("server %d unreachable", serverID)
	}

	srv := c.net.target(serverID)
	if srv == nil {
		return nil, fmt.Errorf("server %d not found", serverID)
	}

	return srv.HandleRequestVote(req), nil
}

func (c *mockRaftClient) sendAppendEntries(serverID uint32, req *AppendEntriesRequest) (*AppendEntriesResponse, error) {
	if c.net.dropped(c.from, serverID) {
		return nil, fmt.Errorf("server %d unreachable", serverID)
	}

	srv := c.net.target(serverID)
	if srv == nil {
		return nil, fmt.Errorf("server %d not found", serverID)
	}

	return srv.HandleAppendEntries(req), nil
}

type mockCluster struct {
	t *testing.T

	net       *mockNetwork
	servers   map[uint32]*Server
	serverIDs []uint32
}

func newMockCluster(t *testing.T, n int) *mockCluster {
	t.Helper()

	tmpDir := t.TempDir()

	serverIDs := make([]uint32, n)
	for i := 0; i < n; i++ {
		serverIDs[i] = uint32(i + 1)
	}

	net := newMockNetwork()

	servers := make(map[uint32]*Server, n)
	for _, id := range serverIDs {
		srv, err := NewServer(id, serverIDs, tmpDir, net.clientFor(id))
		if err != nil {
			t.Fatalf("Failed to create server %d: %v", id, err)
		}

		servers[id] = srv
		net.register(id, srv)
	}

	return &mockCluster{
		t:         t,
		net:       net,
		servers:   servers,
		serverIDs: serverIDs,
	}
}

func (c *mockCluster) startAll() {
	for _, srv := range c.servers {
		srv.Start()
	}
}

func (c *mockCluster) shutdown() {
	for _, srv := range c.servers {
		srv.Shutdown()
	}
}

// kill crashes a server: its process stops and the network drops its traffic.
func (c *mockCluster) kill(id uint32) {
	c.net.setDown(id, true)
	c.servers[id].Shutdown()
}

// partition blocks all traffic between group a and group b, both directions.
func (c *mockCluster) partition(a, b []uint32) {
	for _, from := range a {
		for _, to := range b {
			c.net.block(from, to)
			c.net.block(to, from)
		}
	}
}

func (c *mockCluster) heal() {
	c.net.unblockAll()
}

func (c *mockCluster) getLeader() *Server {
	for _, id := range c.serverIDs {
		if c.net.isDown(id) {
			continue
		}

		srv := c.servers[id]
		if _, isLeader := srv.State(); isLeader {
			return srv
		}
	}

	return nil
}

func (c *mockCluster) countByState(state State) int {
	count := 0
	for _, srv := range c.servers {
		srv.mx.RLock()
		if srv.state == state {
			count++
		}
		srv.mx.RUnlock()
	}
	return count
}

func (c *mockCluster) waitForLeader(timeout time.Duration) (*Server, error) {
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		if leader := c.getLeader(); leader != nil {
			return leader, nil
		}

		time.Sleep(20 * time.Millisecond)
	}

	return nil, fmt.Errorf("no leader elected within timeout")
}

func (c *mockCluster) waitForCondition(timeout time.Duration, condition func() bool) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	return fmt.Errorf("condition not met within timeout")
}

// checkInvariants asserts the safety properties that must hold at any
// observation point: applied never beyond committed, committed never beyond
// the log, and committed prefixes identical pairwise.
func (c *mockCluster) checkInvariants() {
	c.t.Helper()

	type snap struct {
		id     uint32
		commit uint32
		log    []logSnapshot
	}

	var snaps []snap

	for _, id := range c.serverIDs {
		srv := c.servers[id]
		srv.mx.RLock()

		if srv.volatileState.lastApplied > srv.volatileState.commitedIndex {
			srv.mx.RUnlock()
			c.t.Fatalf("server %d: lastApplied %d > commitIndex %d", id, srv.volatileState.lastApplied, srv.volatileState.commitedIndex)
		}
		if int(srv.volatileState.commitedIndex) > len(srv.persistentState.log) {
			srv.mx.RUnlock()
			c.t.Fatalf("server %d: commitIndex %d > log length %d", id, srv.volatileState.commitedIndex, len(srv.persistentState.log))
		}

		s := snap{id: id, commit: srv.volatileState.commitedIndex}
		for _, e := range srv.persistentState.log {
			s.log = append(s.log, logSnapshot{Index: e.Index, Term: e.Term, Command: string(e.Command)})
		}
		srv.mx.RUnlock()

		snaps = append(snaps, s)
	}

	for i := 0; i < len(snaps); i++ {
		for j := i + 1; j < len(snaps); j++ {
			n := snaps[i].commit
			if snaps[j].commit < n {
				n = snaps[j].commit
			}

			for k := uint32(0); k < n; k++ {
				if snaps[i].log[k] != snaps[j].log[k] {
					c.t.Fatalf("servers %d and %d disagree on committed entry %d: %+v vs %+v",
						snaps[i].id, snaps[j].id, k+1, snaps[i].log[k], snaps[j].log[k])
				}
			}
		}
	}
}

type logSnapshot struct {
	Index   uint32
	Term    uint32
	Command string
}

func mustEncode(t *testing.T, cmd state_machine.Command) []byte {
	t.Helper()

	msg, err := state_machine.Encode(cmd)
	if err != nil {
		t.Fatalf("Failed to encode command: %v", err)
	}
	return msg
}

// entriesOf builds a single-entry batch from a "key=value" shorthand.
func entriesOf(t *testing.T, index, term uint32, kv string) []wal.Entry {
	t.Helper()

	parts := strings.SplitN(kv, "=", 2)
	if len(parts) != 2 {
		t.Fatalf("bad kv shorthand: %q", kv)
	}

	cmd := mustEncode(t, state_machine.Command{Kind: state_machine.CmdSet, Key: parts[0], Value: parts[1]})
	return []wal.Entry{{Index: index, Term: term, Command: cmd}}
}
