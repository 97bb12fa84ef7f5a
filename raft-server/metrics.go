package server

import "expvar"

var (
	termVar        = expvar.NewInt("raft.currentTerm")
	commitIndexVar = expvar.NewInt("raft.commitIndex")
	logLengthVar   = expvar.NewInt("raft.logLength")
	stateVar       = expvar.NewString("raft.state")
)

// updateMetrics publishes the protocol gauges. Must be called with s.mx held.
func (s *Server) updateMetrics() {
	termVar.Set(int64(s.persistentState.currentTerm))
	commitIndexVar.Set(int64(s.volatileState.commitedIndex))
	logLengthVar.Set(int64(len(s.persistentState.log)))
	stateVar.Set(s.state.String())
}
