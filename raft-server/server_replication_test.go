package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	state_machine "github.com/HyperionV/Distributed-Consesus-System-Raft-pBFT/state-machine"
)

func mustEncodeSet(t *testing.T, key, value string) []byte {
	t.Helper()
	return mustEncode(t, state_machine.Command{Kind: state_machine.CmdSet, Key: key, Value: value})
}

func TestReplication_CommandReachesAllServers(t *testing.T) {
	cluster := newMockCluster(t, 5)
	defer cluster.shutdown()

	cluster.startAll()

	leader, err := cluster.waitForLeader(2 * time.Second)
	require.NoError(t, err)

	res := leader.HandleSubmit(mustEncodeSet(t, "x", "1"))
	require.True(t, res.OK, "submit on the leader failed: %s", res.Error)
	require.Equal(t, uint32(1), res.Index)

	// within a heartbeat or two every server has applied the write
	err = cluster.waitForCondition(time.Second, func() bool {
		for _, srv := range cluster.servers {
			if v, ok := srv.StateMachine().Get("x"); !ok || v != "1" {
				return false
			}
			if srv.Status().LogLength != 1 {
				return false
			}
		}
		return true
	})
	require.NoError(t, err, "every server must hold and serve the replicated write")

	cluster.checkInvariants()
}

func TestReplication_SequenceOfCommands(t *testing.T) {
	cluster := newMockCluster(t, 3)
	defer cluster.shutdown()

	cluster.startAll()

	leader, err := cluster.waitForLeader(2 * time.Second)
	require.NoError(t, err)

	var commands = []state_machine.Command{
		{Kind: state_machine.CmdSet, Key: "a", Value: "1"},
		{Kind: state_machine.CmdSet, Key: "b", Value: "2"},
		{Kind: state_machine.CmdSet, Key: "a", Value: "3"},
		{Kind: state_machine.CmdDelete, Key: "b"},
		{Kind: state_machine.CmdNoop},
	}

	for i, cmd := range commands {
		res := leader.HandleSubmit(mustEncode(t, cmd))
		require.True(t, res.OK, "command %d failed: %s", i, res.Error)
		require.Equal(t, uint32(i+1), res.Index, "entries are assigned contiguous indices")
	}

	err = cluster.waitForCondition(time.Second, func() bool {
		for _, srv := range cluster.servers {
			a, ok := srv.StateMachine().Get("a")
			if !ok || a != "3" {
				return false
			}
			if _, ok := srv.StateMachine().Get("b"); ok {
				return false
			}
			if srv.Status().LogLength != len(commands) {
				return false
			}
		}
		return true
	})
	require.NoError(t, err)

	cluster.checkInvariants()
}

func TestSubmit_NonLeaderRejectsWithHint(t *testing.T) {
	cluster := newMockCluster(t, 3)
	defer cluster.shutdown()

	cluster.startAll()

	leader, err := cluster.waitForLeader(2 * time.Second)
	require.NoError(t, err)

	// give followers a heartbeat to learn who leads
	err = cluster.waitForCondition(time.Second, func() bool {
		for _, srv := range cluster.servers {
			if srv.ID == leader.ID {
				continue
			}
			if srv.Status().LeaderID != leader.ID {
				return false
			}
		}
		return true
	})
	require.NoError(t, err)

	for _, srv := range cluster.servers {
		if srv.ID == leader.ID {
			continue
		}

		res := srv.HandleSubmit(mustEncodeSet(t, "k", "v"))
		require.False(t, res.OK)
		require.Equal(t, "not leader", res.Error)
		require.Equal(t, leader.ID, res.LeaderHint, "the rejection carries the last-known leader")
	}
}

func TestPersistence_VotedForSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	net := newMockNetwork()
	ids := []uint32{1, 2, 3}

	s1, err := NewServer(1, ids, dir, net.clientFor(1))
	require.NoError(t, err)

	// vote for candidate 2 in term 5, then crash
	resp := s1.HandleRequestVote(&RequestVoteRequest{Term: 5, CandidateID: 2})
	require.True(t, resp.VoteGranted)
	require.Equal(t, uint32(5), resp.Term)

	s1.Shutdown()

	restarted, err := NewServer(1, ids, dir, net.clientFor(1))
	require.NoError(t, err)
	defer restarted.Shutdown()

	status := restarted.Status()
	require.Equal(t, uint32(5), status.Term, "term must survive the crash")
	require.Equal(t, uint32(2), status.VotedFor, "the vote must survive the crash")
	require.Equal(t, "Follower", status.State, "recovery always resumes as follower")

	// a second candidate asking in the same term is refused
	resp = restarted.HandleRequestVote(&RequestVoteRequest{Term: 5, CandidateID: 3})
	require.False(t, resp.VoteGranted)

	// re-asking by the same candidate is idempotent
	resp = restarted.HandleRequestVote(&RequestVoteRequest{Term: 5, CandidateID: 2})
	require.True(t, resp.VoteGranted)
}

func TestPersistence_LogSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	net := newMockNetwork()
	ids := []uint32{1, 2, 3}

	s1, err := NewServer(1, ids, dir, net.clientFor(1))
	require.NoError(t, err)

	entries := []AppendEntriesRequest{
		{
			Term:     2,
			LeaderID: 2,
			Entries:  entriesOf(t, 1, 2, "a=1"),
		},
		{
			Term:         2,
			LeaderID:     2,
			PrevLogIndex: 1,
			PrevLogTerm:  2,
			Entries:      entriesOf(t, 2, 2, "b=2"),
			LeaderCommit: 1,
		},
	}

	for i := range entries {
		resp := s1.HandleAppendEntries(&entries[i])
		require.True(t, resp.Success)
	}

	s1.Shutdown()

	restarted, err := NewServer(1, ids, dir, net.clientFor(1))
	require.NoError(t, err)
	defer restarted.Shutdown()

	status := restarted.Status()
	require.Equal(t, uint32(2), status.Term)
	require.Equal(t, 2, status.LogLength, "accepted entries must survive the crash")
	require.Equal(t, uint32(0), status.CommitIndex, "commit index is volatile and relearned from the leader")
}
