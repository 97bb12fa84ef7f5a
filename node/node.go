package node

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"

	"github.com/HyperionV/Distributed-Consesus-System-Raft-pBFT/transport"
)

// Protocol is the consensus engine hosted by a node: either the CFT log
// replication server or the BFT three-phase server. The node owns its
// lifecycle.
type Protocol interface {
	Start()
	Shutdown()
}

// Registrar mounts a protocol's RPC endpoints on the node's mux.
type Registrar interface {
	RegisterHandlers(mux *http.ServeMux)
}

// NodeServer hosts one RPC server per process: protocol endpoints plus the
// control surface used by the cluster harness.
type NodeServer struct {
	id       uint32
	addr     string
	filter   *transport.PartitionFilter
	protocol Protocol

	httpServer *http.Server
}

func NewNodeServer(id uint32, addr string, filter *transport.PartitionFilter, protocol Protocol, handler Registrar) *NodeServer {
	n := &NodeServer{
		id:       id,
		addr:     addr,
		filter:   filter,
		protocol: protocol,
	}

	mux := http.NewServeMux()
	handler.RegisterHandlers(mux)
	n.registerControlHandlers(mux)

	n.httpServer = &http.Server{Addr: addr, Handler: mux}

	return n
}

// Start binds the listener, starts the protocol timers and serves until
// Shutdown. Blocks; run it in its own goroutine if needed.
func (n *NodeServer) Start() error {
	ln, err := net.Listen("tcp", n.addr)
	if err != nil {
		return err
	}

	n.protocol.Start()

	fmt.Printf("[%d] Node listening on %s\n", n.id, n.addr)

	err = n.httpServer.Serve(ln)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the protocol first (no new outbound traffic), then drains
// in-flight handlers within the context's grace period.
func (n *NodeServer) Shutdown(ctx context.Context) error {
	n.protocol.Shutdown()
	return n.httpServer.Shutdown(ctx)
}

func (n *NodeServer) registerControlHandlers(mux *http.ServeMux) {
	mux.HandleFunc("/set_partition", n.handleSetPartition)
	mux.HandleFunc("/ping", n.handlePing)
}

type setPartitionRequest struct {
	BlockedNodeIDs []uint32 `json:"blocked_node_ids"`
}

// handleSetPartition replaces the node's blocked-peers set wholesale.
func (n *NodeServer) handleSetPartition(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req setPartitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	n.filter.Replace(req.BlockedNodeIDs)

	fmt.Printf("[%d] Partition set: blocking nodes %v\n", n.id, req.BlockedNodeIDs)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		OK bool `json:"ok"`
	}{OK: true})
}

func (n *NodeServer) handlePing(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		OK bool   `json:"ok"`
		ID uint32 `json:"id"`
	}{OK: true, ID: n.id})
}
