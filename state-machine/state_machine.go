package state_machine

import (
	"fmt"
	"sync"
)

// StateMachine is a simple in-memory key-value store. Apply is the only
// mutator; applying the same command sequence on two nodes yields identical
// stores, which is what the replication protocols rely on.
type StateMachine struct {
	db *sync.Map
}

func New() *StateMachine {
	return &StateMachine{db: &sync.Map{}}
}

// Apply decodes and executes one committed command. Commands are
// deterministic: no clocks, no randomness, result depends only on the command
// and the current store.
func (sm *StateMachine) Apply(msg []byte) ([]byte, error) {
	var cmd, err = Decode(msg)
	if err != nil {
		return nil, err
	}

	switch cmd.Kind {
	case CmdSet:
		sm.db.Store(cmd.Key, cmd.Value)

	case CmdDelete:
		var _, ok = sm.db.LoadAndDelete(cmd.Key)
		if !ok {
			return nil, fmt.Errorf("key not found: %s", cmd.Key)
		}

	case CmdGet:
		var value, ok = sm.db.Load(cmd.Key)
		if !ok {
			return nil, fmt.Errorf("key not found: %s", cmd.Key)
		}

		return []byte(value.(string)), nil

	case CmdNoop:
	}

	return nil, nil
}

// Get reads the most recently applied value for key. Read-only, safe to call
// concurrently with Apply.
func (sm *StateMachine) Get(key string) (string, bool) {
	var value, ok = sm.db.Load(key)
	if !ok {
		return "", false
	}
	return value.(string), true
}

// Snapshot copies the full store. Used by convergence checks in tests.
func (sm *StateMachine) Snapshot() map[string]string {
	var res = make(map[string]string)
	sm.db.Range(func(k, v any) bool {
		res[k.(string)] = v.(string)
		return true
	})
	return res
}

func (sm *StateMachine) Len() int {
	var n int
	sm.db.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
