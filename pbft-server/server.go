package pbft

import (
	"fmt"
	"sort"
	"sync"
	"time"

	state_machine "github.com/HyperionV/Distributed-Consesus-System-Raft-pBFT/state-machine"
)

const (
	submitTimeout = 2 * time.Second

	// progress watchdog: primary-failure detection is the view-change seam
	progressCheckInterval = 500 * time.Millisecond
	progressTimeout       = 5 * time.Second
)

// FaultMode selects how a node behaves on the wire. Byzantine is a test
// affordance: the node tampers digests, equivocates and omits messages in
// bounded ways, and the honest majority must still agree.
type FaultMode int

const (
	Honest FaultMode = iota
	Byzantine
)

type viewSeq struct {
	View uint32
	Seq  uint32
}

// slot tracks agreement progress for one (view, seq). Vote maps are keyed by
// replica id, so a duplicate or contradictory sender can never count twice.
type slot struct {
	accepted bool   // a pre-prepare has been accepted here
	digest   string // digest of the accepted request
	request  []byte

	prepares map[uint32]string // replica id -> digest it claimed
	commits  map[uint32]string

	sentCommit bool
	committed  bool
	applied    bool
	result     []byte
}

type Server struct {
	ID    uint32
	peers []uint32 // all cluster ids in ascending order, including our own
	f     int      // tolerated faulty nodes, n = 3f+1
	q     int      // quorum, 2f+1

	mx sync.Mutex

	view uint32
	seq  uint32 // last assigned sequence number (primary only)

	slots     map[viewSeq]*slot
	nextApply map[uint32]uint32 // per view: next sequence to apply

	lastActivity time.Time

	sm     *state_machine.StateMachine
	client Client
	mode   FaultMode

	shutdownCh   chan struct{}
	shutdownOnce sync.Once
}

// NewServer validates the cluster size against n = 3f+1 and refuses anything
// else: quorum math is undefined outside that shape.
func NewServer(id uint32, peers []uint32, client Client, mode FaultMode) (*Server, error) {
	n := len(peers)
	if n < 4 || (n-1)%3 != 0 {
		return nil, fmt.Errorf("cluster size %d does not satisfy n=3f+1", n)
	}

	sorted := make([]uint32, len(peers))
	copy(sorted, peers)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var found bool
	for _, p := range sorted {
		if p == id {
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("node id %d not found among peers", id)
	}

	f := (n - 1) / 3

	return &Server{
		ID:           id,
		peers:        sorted,
		f:            f,
		q:            2*f + 1,
		slots:        make(map[viewSeq]*slot),
		nextApply:    make(map[uint32]uint32),
		lastActivity: time.Now(),
		sm:           state_machine.New(),
		client:       client,
		mode:         mode,
		shutdownCh:   make(chan struct{}),
	}, nil
}

func (s *Server) Start() {
	s.mx.Lock()
	primary := s.primaryID(s.view)
	s.mx.Unlock()

	fmt.Printf("[%d] pBFT started: view=0, primary=%d, f=%d\n", s.ID, primary, s.f)

	go s.runProgressMonitor()
}

func (s *Server) Shutdown() {
	s.shutdownOnce.Do(func() {
		close(s.shutdownCh)
	})
}

// primaryID returns the primary for a view: ids in ascending order, view mod n.
func (s *Server) primaryID(view uint32) uint32 {
	return s.peers[int(view)%len(s.peers)]
}

func (s *Server) IsPrimary() bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.primaryID(s.view) == s.ID
}

// StateMachine exposes the applied store for local reads.
func (s *Server) StateMachine() *state_machine.StateMachine {
	return s.sm
}

type Status struct {
	ID        uint32 `json:"id"`
	View      uint32 `json:"view"`
	Seq       uint32 `json:"seq"`
	PrimaryID uint32 `json:"primary_id"`
	IsPrimary bool   `json:"is_primary"`
	Applied   int    `json:"applied"`
	Faulty    bool   `json:"faulty"`
}

func (s *Server) Status() Status {
	s.mx.Lock()
	defer s.mx.Unlock()

	var applied int
	for _, sl := range s.slots {
		if sl.applied {
			applied++
		}
	}

	return Status{
		ID:        s.ID,
		View:      s.view,
		Seq:       s.seq,
		PrimaryID: s.primaryID(s.view),
		IsPrimary: s.primaryID(s.view) == s.ID,
		Applied:   applied,
		Faulty:    s.mode == Byzantine,
	}
}

// getSlot returns the slot for (view, seq), creating it on first touch.
// Must be called with s.mx held.
func (s *Server) getSlot(view, seq uint32) *slot {
	key := viewSeq{View: view, Seq: seq}

	sl, ok := s.slots[key]
	if !ok {
		sl = &slot{
			prepares: make(map[uint32]string),
			commits:  make(map[uint32]string),
		}
		s.slots[key] = sl
	}
	return sl
}

// countMatching counts votes agreeing with the accepted digest.
func countMatching(votes map[uint32]string, digest string) int {
	var n int
	for _, d := range votes {
		if d == digest {
			n++
		}
	}
	return n
}

// advance re-evaluates quorums for a slot after any vote change. Returns true
// when the node just became prepared and owes the cluster its COMMIT
// broadcast. Must be called with s.mx held; quorums are only meaningful once a
// pre-prepare fixed the digest.
func (s *Server) advance(view, seq uint32, sl *slot) bool {
	if !sl.accepted {
		return false
	}

	var needCommitBroadcast bool

	// prepared: 2f+1 matching PREPAREs, own vote included
	// (the pre-prepare stands in as the primary's)
	if !sl.sentCommit && countMatching(sl.prepares, sl.digest) >= s.q {
		sl.sentCommit = true
		sl.commits[s.ID] = sl.digest
		needCommitBroadcast = true
	}

	// committed-local: 2f+1 matching COMMITs
	if !sl.committed && countMatching(sl.commits, sl.digest) >= s.q {
		sl.committed = true
	}

	s.applyReady(view)

	return needCommitBroadcast
}

// applyReady applies committed slots in strict sequence order within a view.
// A committed slot waits until every prior sequence number is applied.
// Must be called with s.mx held.
func (s *Server) applyReady(view uint32) {
	next, ok := s.nextApply[view]
	if !ok {
		next = 1
	}

	for {
		sl, exists := s.slots[viewSeq{View: view, Seq: next}]
		if !exists || !sl.committed {
			break
		}

		if !sl.applied {
			res, err := s.sm.Apply(sl.request)
			if err != nil {
				fmt.Printf("[%d] Apply failed at (view=%d, seq=%d): %v\n", s.ID, view, next, err)
			}
			sl.result = res
			sl.applied = true
			fmt.Printf("[%d] Applied (view=%d, seq=%d)\n", s.ID, view, next)
		}

		next++
	}

	s.nextApply[view] = next
}

// runProgressMonitor watches for a stalled primary. Full view-change is not
// wired in; the watchdog is the seam where it would start.
func (s *Server) runProgressMonitor() {
	ticker := time.NewTicker(progressCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdownCh:
			return

		case <-ticker.C:
			s.mx.Lock()
			stalled := false
			if s.primaryID(s.view) != s.ID && time.Since(s.lastActivity) > progressTimeout {
				for _, sl := range s.slots {
					if sl.accepted && !sl.applied {
						stalled = true
						break
					}
				}
			}
			primary := s.primaryID(s.view)
			s.mx.Unlock()

			if stalled {
				fmt.Printf("[%d] No progress from primary %d, view change would start here\n", s.ID, primary)
			}
		}
	}
}
